package proxy

import (
	"encoding/base64"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
)

type httpDebugOptions struct {
	enabled      bool
	all          bool
	maxBodyBytes int
}

var (
	debugOptOnce sync.Once
	debugOpt     httpDebugOptions
	warnOptOnce  sync.Once
	warnOpt      httpDebugOptions
)

func envFlag(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envSize(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func httpDebugOpts() httpDebugOptions {
	debugOptOnce.Do(func() {
		debugOpt = httpDebugOptions{
			enabled:      envFlag("CODEX_HELPER_HTTP_DEBUG"),
			all:          envFlag("CODEX_HELPER_HTTP_DEBUG_ALL"),
			maxBodyBytes: envSize("CODEX_HELPER_HTTP_DEBUG_BODY_MAX", 64*1024),
		}
	})
	return debugOpt
}

func httpWarnOpts() httpDebugOptions {
	warnOptOnce.Do(func() {
		warnOpt = httpDebugOptions{
			enabled:      envFlag("CODEX_HELPER_HTTP_WARN"),
			all:          envFlag("CODEX_HELPER_HTTP_WARN_ALL"),
			maxBodyBytes: envSize("CODEX_HELPER_HTTP_WARN_BODY_MAX", httpDebugOpts().maxBodyBytes),
		}
	})
	return warnOpt
}

func shouldCaptureHTTPDebug(statusCode int) bool {
	opt := httpDebugOpts()
	if !opt.enabled {
		opt = httpWarnOpts()
		if !opt.enabled {
			return false
		}
	}
	if opt.all {
		return true
	}
	return statusCode < 200 || statusCode >= 300
}

func debugBodyMax() int {
	if httpDebugOpts().enabled {
		return httpDebugOpts().maxBodyBytes
	}
	return httpWarnOpts().maxBodyBytes
}

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"x-forwarded-api-key": {},
	"x-goog-api-key":      {},
}

func headerEntries(h http.Header) []map[string]string {
	out := make([]map[string]string, 0, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		for _, v := range values {
			if _, sensitive := sensitiveHeaders[lower]; sensitive {
				v = "[REDACTED]"
			}
			out = append(out, map[string]string{"name": name, "value": v})
		}
	}
	return out
}

func isTextualContentType(ct string) bool {
	ct = strings.TrimSpace(ct)
	if base, _, ok := strings.Cut(ct, ";"); ok {
		ct = strings.TrimSpace(base)
	}
	if ct == "" {
		return false
	}
	return strings.HasPrefix(ct, "text/") ||
		ct == "application/json" || strings.HasSuffix(ct, "+json") ||
		ct == "application/x-www-form-urlencoded" ||
		ct == "application/xml" || strings.HasSuffix(ct, "+xml")
}

func bodyPreview(body []byte, contentType string, max int) map[string]any {
	take := len(body)
	if take > max {
		take = max
	}
	slice := body[:take]
	preview := map[string]any{
		"truncated":    len(body) > take,
		"original_len": len(body),
	}
	if isTextualContentType(contentType) || strings.HasPrefix(contentType, "text/event-stream") {
		preview["encoding"] = "utf8"
		preview["data"] = string(slice)
	} else {
		preview["encoding"] = "base64"
		preview["data"] = base64.StdEncoding.EncodeToString(slice)
	}
	return preview
}

// buildHTTPDebug assembles the diagnostic blob attached to error
// records (or all records under *_ALL). Secrets never appear: auth
// headers are redacted and only the resolution site is recorded.
type httpDebugInput struct {
	clientURI       string
	targetURL       string
	clientHeaders   http.Header
	upstreamHeaders http.Header
	respHeaders     http.Header
	clientBody      []byte
	upstreamBody    []byte
	respBody        []byte
	contentType     string
	respContentType string
	authResolution  map[string]string
	errorClass      string
	errorHint       string
	cfRay           string
	upstreamError   string
}

func buildHTTPDebug(in httpDebugInput) map[string]any {
	max := debugBodyMax()
	out := map[string]any{
		"client_uri": in.clientURI,
		"target_url": in.targetURL,
	}
	if in.clientHeaders != nil {
		out["client_headers"] = headerEntries(in.clientHeaders)
	}
	if in.upstreamHeaders != nil {
		out["upstream_request_headers"] = headerEntries(in.upstreamHeaders)
	}
	if in.respHeaders != nil {
		out["upstream_response_headers"] = headerEntries(in.respHeaders)
	}
	if in.authResolution != nil {
		out["auth_resolution"] = in.authResolution
	}
	if in.clientBody != nil {
		out["client_body"] = bodyPreview(in.clientBody, in.contentType, max)
		out["request_body_len"] = len(in.clientBody)
	}
	if in.upstreamBody != nil {
		out["upstream_request_body"] = bodyPreview(in.upstreamBody, in.contentType, max)
		out["upstream_request_body_len"] = len(in.upstreamBody)
	}
	if in.respBody != nil {
		out["upstream_response_body"] = bodyPreview(in.respBody, in.respContentType, max)
	}
	if in.errorClass != "" {
		out["upstream_error_class"] = in.errorClass
	}
	if in.errorHint != "" {
		out["upstream_error_hint"] = in.errorHint
	}
	if in.cfRay != "" {
		out["upstream_cf_ray"] = in.cfRay
	}
	if in.upstreamError != "" {
		out["upstream_error"] = in.upstreamError
	}
	return out
}
