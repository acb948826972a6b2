package proxy

import (
	"bytes"
	"net/http"
	"strings"
)

// Outcome classes shared with the retry policy's on_class set.
const (
	classTransportError      = "upstream_transport_error"
	classCloudflareTimeout   = "cloudflare_timeout"
	classCloudflareChallenge = "cloudflare_challenge"
)

var cloudflareChallengeMarkers = [][]byte{
	[]byte("__CF$cv$params"),
	[]byte("/cdn-cgi/"),
	[]byte("challenge-platform"),
	[]byte("cf-chl-"),
}

func looksLikeCloudflareChallengeHTML(header http.Header, body []byte) bool {
	ct := strings.ToLower(header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "text/html") {
		return false
	}
	for _, marker := range cloudflareChallengeMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// classifyUpstreamResponse inspects a buffered non-2xx response and
// returns a class for Cloudflare-shaped failures, a diagnostic hint and
// the cf-ray id when present. A plain HTTP error yields an empty class.
func classifyUpstreamResponse(statusCode int, header http.Header, body []byte) (class, hint, cfRay string) {
	cfRay = strings.TrimSpace(header.Get("cf-ray"))
	server := strings.ToLower(header.Get("Server"))
	looksCF := strings.Contains(server, "cloudflare") || cfRay != ""

	if looksCF && statusCode == 524 {
		return classCloudflareTimeout,
			"Cloudflare 524: the origin did not answer in time; check upstream latency and whether SSE emits an early first byte.",
			cfRay
	}
	if looksLikeCloudflareChallengeHTML(header, body) {
		return classCloudflareChallenge,
			"Cloudflare/WAF interstitial detected (text/html with cdn-cgi/challenge markers); not an API error body.",
			cfRay
	}
	return "", "", cfRay
}
