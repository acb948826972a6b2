package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkarlslund/codexhelper/pkg/config"
	"github.com/lkarlslund/codexhelper/pkg/filter"
	"github.com/lkarlslund/codexhelper/pkg/lbstate"
	"github.com/lkarlslund/codexhelper/pkg/requestlog"
	"github.com/lkarlslund/codexhelper/pkg/usage"
	"github.com/lkarlslund/codexhelper/pkg/usagedb"
)

const nonStreamBodyLimit = 16 << 20

// Server is the per-service proxy runtime: one listener, one service
// (codex or claude), one shared upstream state store.
type Server struct {
	service       string
	store         *config.Store
	states        *lbstate.Store
	state         *ProxyState
	logs          *requestlog.Writer
	usageDB       *usagedb.Store
	bodyFilter    filter.BodyFilter
	client        *http.Client
	httpServer    *http.Server
	afterUserTurn func(upstreamBaseURL string)
}

type Options struct {
	ListenAddr string
	BodyFilter filter.BodyFilter
	LogWriter  *requestlog.Writer
	UsageDB    *usagedb.Store
	States     *lbstate.Store
	// AfterUserTurn is invoked asynchronously once a POST .../responses
	// or .../messages request served with a 2xx finishes, with the
	// upstream that served it. The serve command points this at the
	// usage-provider engine.
	AfterUserTurn func(upstreamBaseURL string)
}

func NewServer(service string, store *config.Store, opts Options) *Server {
	snap := store.Snapshot()
	if opts.BodyFilter == nil {
		opts.BodyFilter = filter.Passthrough()
	}
	if opts.States == nil {
		opts.States = lbstate.NewStore()
	}
	if opts.LogWriter == nil {
		cfg := snap.Config.RequestLog
		opts.LogWriter = requestlog.NewWriter(config.DefaultRequestLogPath(), requestlog.Options{
			MaxBytes:   cfg.MaxBytes,
			MaxFiles:   cfg.MaxFiles,
			OnlyErrors: cfg.OnlyErrors,
			SplitDebug: true,
		})
	}
	timeouts := snap.Config.Timeouts
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(timeouts.ConnectSecs) * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(timeouts.ReadHeadSecs) * time.Second,
		ForceAttemptHTTP2:     true,
		// Response bodies stream; decompression would desync
		// content-length and content-encoding on relay.
		DisableCompression: true,
	}

	s := &Server{
		service:       service,
		store:         store,
		states:        opts.States,
		state:         NewProxyState(),
		logs:          opts.LogWriter,
		usageDB:       opts.UsageDB,
		bodyFilter:    opts.BodyFilter,
		client:        &http.Client{Transport: transport},
		afterUserTurn: opts.AfterUserTurn,
	}

	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = snap.Config.ListenAddr
	}
	if addr == "" {
		if service == config.ServiceClaude {
			addr = "127.0.0.1:3210"
		} else {
			addr = "127.0.0.1:3211"
		}
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming responses have no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s.registerControlRoutes(r)

	r.NotFound(s.proxyHandler)
	r.MethodNotAllowed(s.proxyHandler)
	return r
}

func (s *Server) State() *ProxyState {
	return s.state
}

func (s *Server) Run(ctx context.Context) error {
	go s.state.RunCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("proxy listening", "service", s.service, "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.logs.Close()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, detail string) {
	writeJSON(w, status, map[string]string{"error": errCode, "detail": detail})
}

var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func connectionTokens(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
				out = append(out, token)
			}
		}
	}
	return out
}

// filterRequestHeaders strips host, content-length, hop-by-hop headers
// and anything the Connection header nominates.
func filterRequestHeaders(src http.Header) http.Header {
	extra := connectionTokens(src)
	out := http.Header{}
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "host" || lower == "content-length" {
			continue
		}
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		skip := false
		for _, token := range extra {
			if token == lower {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

func filterResponseHeaders(src http.Header) http.Header {
	extra := connectionTokens(src)
	out := http.Header{}
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "content-length" || lower == "content-encoding" {
			continue
		}
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		skip := false
		for _, token := range extra {
			if token == lower {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// joinUpstreamURL joins the upstream base URL with the client path,
// applying the base path prefix at most once: base https://x/v1 plus
// client /v1/responses yields https://x/v1/responses.
func joinUpstreamURL(baseURL, clientPath, rawQuery string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base_url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid upstream base_url %q: missing scheme or host", baseURL)
	}
	basePath := strings.TrimRight(u.Path, "/")
	path := clientPath
	if basePath != "" && basePath != "/" {
		if path == basePath || strings.HasPrefix(path, basePath+"/") {
			path = strings.TrimPrefix(path, basePath)
			if path == "" {
				path = "/"
			}
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	full := base + path
	if rawQuery != "" {
		full += "?" + rawQuery
	}
	if _, err := url.Parse(full); err != nil {
		return "", fmt.Errorf("invalid upstream url %q: %w", full, err)
	}
	return full, nil
}

var (
	codexAuthOnce   sync.Once
	codexAuthValues map[string]string
	claudeEnvOnce   sync.Once
	claudeEnvValues map[string]string
)

func codexAuthJSONValue(key string) string {
	codexAuthOnce.Do(func() {
		codexAuthValues = map[string]string{}
		b, err := os.ReadFile(config.CodexAuthPath())
		if err != nil {
			return
		}
		var obj map[string]any
		if err := json.Unmarshal(b, &obj); err != nil {
			return
		}
		for k, v := range obj {
			if s, ok := v.(string); ok {
				codexAuthValues[k] = s
			}
		}
	})
	return codexAuthValues[key]
}

func claudeSettingsEnvValue(key string) string {
	claudeEnvOnce.Do(func() {
		claudeEnvValues = map[string]string{}
		b, err := os.ReadFile(config.ClaudeSettingsPath())
		if err != nil {
			return
		}
		var obj struct {
			Env map[string]any `json:"env"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return
		}
		for k, v := range obj.Env {
			if s, ok := v.(string); ok {
				claudeEnvValues[k] = s
			}
		}
	})
	return claudeEnvValues[key]
}

func authFileValue(service, envName string) string {
	switch service {
	case config.ServiceCodex:
		return codexAuthJSONValue(envName)
	case config.ServiceClaude:
		return claudeSettingsEnvValue(envName)
	default:
		return ""
	}
}

// resolveAuthToken resolves the bearer token for one upstream: inline
// value, then env variable, then the assistant's own auth file. The
// returned source names the resolution site and never the secret.
func resolveAuthToken(service string, auth config.UpstreamAuth, clientHasAuth bool) (token, source string) {
	if auth.AuthToken != "" {
		return auth.AuthToken, "inline"
	}
	if auth.AuthTokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(auth.AuthTokenEnv)); v != "" {
			return v, "env:" + auth.AuthTokenEnv
		}
		if v := strings.TrimSpace(authFileValue(service, auth.AuthTokenEnv)); v != "" {
			return v, "auth_file:" + auth.AuthTokenEnv
		}
		if clientHasAuth {
			return "", "client_passthrough (missing_env:" + auth.AuthTokenEnv + ")"
		}
		return "", "missing_env:" + auth.AuthTokenEnv
	}
	if clientHasAuth {
		return "", "client_passthrough"
	}
	return "", "none"
}

func resolveAPIKey(service string, auth config.UpstreamAuth, clientHasKey bool) (key, source string) {
	if auth.APIKey != "" {
		return auth.APIKey, "inline"
	}
	if auth.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(auth.APIKeyEnv)); v != "" {
			return v, "env:" + auth.APIKeyEnv
		}
		if v := strings.TrimSpace(authFileValue(service, auth.APIKeyEnv)); v != "" {
			return v, "auth_file:" + auth.APIKeyEnv
		}
		if clientHasKey {
			return "", "client_passthrough (missing_env:" + auth.APIKeyEnv + ")"
		}
		return "", "missing_env:" + auth.APIKeyEnv
	}
	if clientHasKey {
		return "", "client_passthrough"
	}
	return "", "none"
}

func extractSessionID(h http.Header) string {
	if v := strings.TrimSpace(h.Get("session_id")); v != "" {
		return v
	}
	return strings.TrimSpace(h.Get("conversation_id"))
}

// requestFinisher funnels every exit path of one request through a
// single point: remove the active entry, emit exactly one log record,
// feed the usage rollup.
type requestFinisher struct {
	s         *Server
	requestID uint64
	startedAt time.Time
	startedMS int64
	method    string
	path      string
	sessionID string
	cwd       string
	effort    string
	once      sync.Once
}

type finishInput struct {
	statusCode       int
	configName       string
	providerID       string
	baseURL          string
	usage            *usage.Metrics
	retry            *requestlog.RetryInfo
	streamDisconnect bool
	httpDebug        map[string]any
}

func (f *requestFinisher) finish(in finishInput) {
	f.once.Do(func() {
		dur := time.Since(f.startedAt).Milliseconds()
		configName := in.configName
		if configName == "" {
			configName = "-"
		}
		baseURL := in.baseURL
		if baseURL == "" {
			baseURL = "-"
		}
		f.s.state.FinishRequest(f.requestID, FinishedRequest{
			StatusCode:       in.statusCode,
			DurationMS:       dur,
			EndedAtMS:        f.startedMS + dur,
			ReasoningEffort:  f.effort,
			ConfigName:       in.configName,
			ProviderID:       in.providerID,
			UpstreamBaseURL:  in.baseURL,
			Usage:            in.usage,
			Retry:            in.retry,
			StreamDisconnect: in.streamDisconnect,
		})
		rec := requestlog.Record{
			TimestampMS:      f.startedMS,
			Service:          f.s.service,
			Method:           f.method,
			Path:             f.path,
			StatusCode:       in.statusCode,
			DurationMS:       dur,
			ConfigName:       configName,
			UpstreamBaseURL:  baseURL,
			ProviderID:       in.providerID,
			SessionID:        f.sessionID,
			Cwd:              f.cwd,
			ReasoningEffort:  f.effort,
			Usage:            in.usage,
			StreamDisconnect: in.streamDisconnect,
			Retry:            in.retry,
		}
		if in.httpDebug != nil && shouldCaptureHTTPDebug(in.statusCode) {
			rec.HTTPDebug = in.httpDebug
		}
		f.s.logs.Enqueue(rec)
		if f.s.usageDB != nil && in.usage != nil {
			f.s.usageDB.Add(usagedb.Event{
				TimestampMS: f.startedMS + dur,
				Service:     f.s.service,
				ConfigName:  in.configName,
				ProviderID:  in.providerID,
				Usage:       *in.usage,
			})
		}
	})
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	startedMS := start.UnixMilli()
	snap := s.store.Snapshot()
	cfg := snap.Config
	mgr := cfg.Service(s.service)

	sessionID := extractSessionID(r.Header)
	cwd := strings.TrimSpace(r.Header.Get("x-codex-helper-cwd"))
	s.state.TouchSession(sessionID, cwd, startedMS)
	if cwd == "" && sessionID != "" {
		cwd = s.state.SessionCwd(sessionID)
	}

	fin := &requestFinisher{
		s:         s,
		startedAt: start,
		startedMS: startedMS,
		method:    r.Method,
		path:      r.URL.Path,
		sessionID: sessionID,
		cwd:       cwd,
	}
	fin.requestID = s.state.BeginRequest(ActiveRequest{
		Service:     s.service,
		Method:      r.Method,
		Path:        r.URL.Path,
		StartedAtMS: startedMS,
		SessionID:   sessionID,
		Cwd:         cwd,
	})

	pinned := ""
	if sessionID != "" {
		pinned = s.state.SessionConfig(sessionID)
	}
	lb := newBalancer(s.service, mgr, s.states)
	if lb.totalUpstreams(pinned) == 0 {
		fin.finish(finishInput{statusCode: http.StatusServiceUnavailable})
		writeJSONError(w, http.StatusServiceUnavailable, "no_active_upstream_config",
			"no active config with upstreams for service "+s.service)
		return
	}

	// Read the whole body up front; retries need to replay it.
	r.Body = http.MaxBytesReader(w, r.Body, cfg.BodyMaxBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		errCode := "client_body_read_error"
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			errCode = "client_body_too_large"
		}
		fin.finish(finishInput{statusCode: status})
		writeJSONError(w, status, errCode, err.Error())
		return
	}

	effort := extractReasoningEffort(rawBody)
	bodyForUpstream := rawBody
	if sessionID != "" {
		if override := s.state.SessionEffort(sessionID); override != "" {
			bodyForUpstream = rewriteReasoningEffort(rawBody, override)
			effort = override
		}
	}
	fin.effort = effort

	requestModel := extractModel(bodyForUpstream)
	if requestModel != "" || effort != "" {
		s.updateActiveModel(fin.requestID, requestModel, effort)
	}

	// Body filter runs before the per-upstream model rewrite.
	filteredBody := s.bodyFilter(bodyForUpstream)

	opts := newRetryOptions(cfg.Retry)
	totalUpstreams := lb.totalUpstreams(pinned)
	avoid := map[avoidKey]struct{}{}
	var chain []string

	for attemptIndex := 0; attemptIndex < opts.maxAttempts; attemptIndex++ {
		if len(avoid) >= totalUpstreams {
			chain = append(chain, fmt.Sprintf("%s total=%d", chainSentinelAllAvoided, totalUpstreams))
			break
		}
		selected, ok := lb.selectAvoiding(pinned, avoid, requestModel)
		if !ok {
			// Sentinel entries stay in the chain for debuggability but
			// never count as attempts.
			chain = append(chain, fmt.Sprintf("%s total=%d", chainSentinelAllAvoided, totalUpstreams))
			detail := "no upstreams available"
			if requestModel != "" && !lb.hasModelCandidates(pinned, requestModel) {
				detail = fmt.Sprintf("no upstreams support requested model %q", requestModel)
			}
			fin.finish(finishInput{
				statusCode: http.StatusServiceUnavailable,
				retry:      retryInfoForChain(chain),
			})
			writeJSONError(w, http.StatusServiceUnavailable, "no_eligible_upstream", detail)
			return
		}
		upstreamID := selected.id(s.service)
		providerID := selected.Upstream.ProviderID()
		s.state.UpdateRoute(fin.requestID, selected.ConfigName, providerID, selected.Upstream.BaseURL)

		modelNote := "-"
		attemptBody := filteredBody
		if requestModel != "" {
			mapped := effectiveModel(selected.Upstream.ModelMapping, requestModel)
			if mapped != requestModel {
				attemptBody = rewriteModel(filteredBody, mapped)
				modelNote = requestModel + "->" + mapped
			} else {
				modelNote = requestModel
			}
		}

		targetURL, err := joinUpstreamURL(selected.Upstream.BaseURL, r.URL.Path, r.URL.RawQuery)
		if err != nil {
			chain = append(chain, fmt.Sprintf("%s:%s (idx=%d) %s=%v model=%s",
				selected.ConfigName, selected.Upstream.BaseURL, selected.Index,
				chainTargetBuildError, err, modelNote))
			avoid[avoidKey{selected.ConfigName, selected.Index}] = struct{}{}
			if attemptIndex+1 < opts.maxAttempts {
				continue
			}
			fin.finish(finishInput{
				statusCode: http.StatusBadGateway,
				configName: selected.ConfigName,
				providerID: providerID,
				baseURL:    selected.Upstream.BaseURL,
				retry:      retryInfoForChain(chain),
			})
			writeJSONError(w, http.StatusBadGateway, "target_build_error", err.Error())
			return
		}

		headers := filterRequestHeaders(r.Header)
		clientHasAuth := headers.Get("Authorization") != ""
		token, tokenSrc := resolveAuthToken(s.service, selected.Upstream.Auth, clientHasAuth)
		if token != "" {
			headers.Set("Authorization", "Bearer "+token)
		} else if clientHasAuth && !selected.Upstream.RequiresOpenAIAuth {
			// Client credentials only pass through to upstreams that
			// are flagged to need them.
			headers.Del("Authorization")
		}
		clientHasKey := headers.Get("x-api-key") != ""
		apiKey, keySrc := resolveAPIKey(s.service, selected.Upstream.Auth, clientHasKey)
		if apiKey != "" {
			headers.Set("x-api-key", apiKey)
		}
		authResolution := map[string]string{
			"authorization": tokenSrc,
			"x_api_key":     keySrc,
		}

		log.Debug("forwarding", "method", r.Method, "path", r.URL.Path,
			"target", targetURL, "config", selected.ConfigName)

		req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(attemptBody))
		if err != nil {
			fin.finish(finishInput{
				statusCode: http.StatusBadGateway,
				configName: selected.ConfigName,
				providerID: providerID,
				baseURL:    selected.Upstream.BaseURL,
				retry:      retryInfoForChain(chain),
			})
			writeJSONError(w, http.StatusBadGateway, "upstream_request_build_error", err.Error())
			return
		}
		req.Header = headers

		upstreamStart := time.Now()
		resp, err := s.client.Do(req)
		if err != nil {
			// Transport errors are a retry-worthy class: one hit is
			// enough to put the upstream in cooldown.
			if opts.shouldRetryClass(classTransportError) {
				s.states.Penalize(upstreamID, classTransportError, opts.transportCooldown)
			} else {
				s.states.RecordFailure(upstreamID, classTransportError, opts.transportCooldown)
			}
			chain = append(chain, fmt.Sprintf("%s:%s (idx=%d) transport_error=%v model=%s",
				selected.ConfigName, selected.Upstream.BaseURL, selected.Index, err, modelNote))
			if attemptIndex+1 < opts.maxAttempts && opts.shouldRetryClass(classTransportError) {
				avoid[avoidKey{selected.ConfigName, selected.Index}] = struct{}{}
				opts.backoffSleep(r.Context(), attemptIndex)
				continue
			}
			status := http.StatusBadGateway
			if r.Context().Err() != nil {
				// Client went away while we were dialing upstream.
				status = 499
			}
			fin.finish(finishInput{
				statusCode: status,
				configName: selected.ConfigName,
				providerID: providerID,
				baseURL:    selected.Upstream.BaseURL,
				retry:      retryInfoForChain(chain),
				httpDebug: buildHTTPDebug(httpDebugInput{
					clientURI:      r.URL.String(),
					targetURL:      targetURL,
					clientHeaders:  r.Header,
					clientBody:     rawBody,
					upstreamBody:   attemptBody,
					contentType:    r.Header.Get("Content-Type"),
					authResolution: authResolution,
					errorClass:     classTransportError,
					errorHint:      "connect/send to upstream failed; check network, DNS, TLS or upstream availability",
					upstreamError:  err.Error(),
				}),
			})
			if status != 499 {
				writeJSONError(w, status, classTransportError, err.Error())
			}
			return
		}

		headersMS := time.Since(upstreamStart).Milliseconds()
		respHeaders := resp.Header.Clone()
		respFiltered := filterResponseHeaders(respHeaders)
		success := resp.StatusCode >= 200 && resp.StatusCode < 300
		isEventStream := strings.HasPrefix(
			strings.ToLower(respHeaders.Get("Content-Type")), "text/event-stream")

		if success && isEventStream {
			s.states.RecordSuccess(upstreamID)
			chain = append(chain, fmt.Sprintf("%s (idx=%d) status=%d model=%s",
				selected.Upstream.BaseURL, selected.Index, resp.StatusCode, modelNote))
			s.notifyUserTurn(r.Method, r.URL.Path, selected.Upstream.BaseURL)
			s.relayStream(w, r, resp, streamMeta{
				fin:             fin,
				upstreamID:      upstreamID,
				selected:        selected,
				providerID:      providerID,
				respFiltered:    respFiltered,
				retry:           retryInfoForChain(chain),
				idleTimeout:     time.Duration(cfg.Timeouts.StreamIdleSecs) * time.Second,
				transportCool:   opts.transportCooldown,
				upstreamStart:   upstreamStart,
				upstreamHeaders: headersMS,
			})
			return
		}

		// Buffered path: non-2xx (classification reads the body) and
		// 2xx non-streaming responses.
		limit := int64(nonStreamBodyLimit)
		if !success {
			limit = 1 << 20
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
		resp.Body.Close()
		if readErr != nil {
			if opts.shouldRetryClass(classTransportError) {
				s.states.Penalize(upstreamID, classTransportError, opts.transportCooldown)
			} else {
				s.states.RecordFailure(upstreamID, classTransportError, opts.transportCooldown)
			}
			chain = append(chain, fmt.Sprintf("%s:%s (idx=%d) body_read_error=%v model=%s",
				selected.ConfigName, selected.Upstream.BaseURL, selected.Index, readErr, modelNote))
			if attemptIndex+1 < opts.maxAttempts && opts.shouldRetryClass(classTransportError) {
				avoid[avoidKey{selected.ConfigName, selected.Index}] = struct{}{}
				opts.backoffSleep(r.Context(), attemptIndex)
				continue
			}
			fin.finish(finishInput{
				statusCode: http.StatusBadGateway,
				configName: selected.ConfigName,
				providerID: providerID,
				baseURL:    selected.Upstream.BaseURL,
				retry:      retryInfoForChain(chain),
			})
			writeJSONError(w, http.StatusBadGateway, classTransportError, readErr.Error())
			return
		}

		class, hint, cfRay := "", "", ""
		if !success {
			class, hint, cfRay = classifyUpstreamResponse(resp.StatusCode, respHeaders, respBody)
		}
		chain = append(chain, fmt.Sprintf("%s (idx=%d) status=%d class=%s model=%s",
			selected.Upstream.BaseURL, selected.Index, resp.StatusCode, classOrDash(class), modelNote))

		retryWorthy := !success &&
			(opts.shouldRetryStatus(resp.StatusCode) || opts.shouldRetryClass(class))
		// State update: retry-worthy 5xx and classified outcomes cool the
		// upstream down immediately; other 5xx / WAF outcomes count toward
		// the consecutive-failure threshold. 3xx/4xx without a class is
		// neutral, a retryable 429 included, so client mistakes and rate
		// limits do not penalize upstreams.
		if success {
			s.states.RecordSuccess(upstreamID)
		} else if retryWorthy && (resp.StatusCode >= 500 || class != "") {
			s.states.Penalize(upstreamID, failureClass(resp.StatusCode, class), opts.cooldownFor(class))
		} else if resp.StatusCode >= 500 || class != "" {
			s.states.RecordFailure(upstreamID, failureClass(resp.StatusCode, class), opts.transportCooldown)
		}

		if retryWorthy && attemptIndex+1 < opts.maxAttempts {
			log.Info("retrying after upstream error",
				"status", resp.StatusCode, "class", classOrDash(class),
				"method", r.Method, "path", r.URL.Path,
				"config", selected.ConfigName,
				"next_attempt", fmt.Sprintf("%d/%d", attemptIndex+2, opts.maxAttempts))
			avoid[avoidKey{selected.ConfigName, selected.Index}] = struct{}{}
			opts.retrySleep(r.Context(), attemptIndex, respHeaders)
			continue
		}

		var metrics *usage.Metrics
		if success {
			metrics = usage.FromBytes(respBody)
		}
		var httpDebug map[string]any
		if !success {
			httpDebug = buildHTTPDebug(httpDebugInput{
				clientURI:       r.URL.String(),
				targetURL:       targetURL,
				clientHeaders:   r.Header,
				upstreamHeaders: headers,
				respHeaders:     respHeaders,
				clientBody:      rawBody,
				upstreamBody:    attemptBody,
				respBody:        respBody,
				contentType:     r.Header.Get("Content-Type"),
				respContentType: respHeaders.Get("Content-Type"),
				authResolution:  authResolution,
				errorClass:      class,
				errorHint:       hint,
				cfRay:           cfRay,
			})
			log.Warn("upstream returned non-2xx",
				"status", resp.StatusCode, "class", classOrDash(class),
				"cf_ray", dashIfEmpty(cfRay), "method", r.Method,
				"path", r.URL.Path, "config", selected.ConfigName)
		}

		fin.finish(finishInput{
			statusCode: resp.StatusCode,
			configName: selected.ConfigName,
			providerID: providerID,
			baseURL:    selected.Upstream.BaseURL,
			usage:      metrics,
			retry:      retryInfoForChain(chain),
			httpDebug:  httpDebug,
		})
		if success {
			s.notifyUserTurn(r.Method, r.URL.Path, selected.Upstream.BaseURL)
		}
		for name, values := range respFiltered {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}

	fin.finish(finishInput{
		statusCode: http.StatusBadGateway,
		retry:      retryInfoForChain(chain),
	})
	writeJSONError(w, http.StatusBadGateway, "retry_exhausted",
		fmt.Sprintf("retry attempts exhausted; chain=%v", chain))
}

// notifyUserTurn fires the usage-poll hook for conversation turns
// (POST to a .../responses or .../messages endpoint).
func (s *Server) notifyUserTurn(method, path, baseURL string) {
	if s.afterUserTurn == nil || method != http.MethodPost {
		return
	}
	if !strings.HasSuffix(path, "/responses") && !strings.HasSuffix(path, "/messages") {
		return
	}
	go s.afterUserTurn(baseURL)
}

func (s *Server) updateActiveModel(id uint64, model, effort string) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if req, ok := s.state.active[id]; ok {
		req.Model = model
		req.ReasoningEffort = effort
	}
}

func classOrDash(class string) string {
	if class == "" {
		return "-"
	}
	return class
}

func dashIfEmpty(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func failureClass(statusCode int, class string) string {
	if class != "" {
		return class
	}
	return fmt.Sprintf("http_%d", statusCode)
}
