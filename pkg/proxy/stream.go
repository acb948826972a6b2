package proxy

import (
	"io"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/codexhelper/pkg/lbstate"
	"github.com/lkarlslund/codexhelper/pkg/requestlog"
	"github.com/lkarlslund/codexhelper/pkg/usage"
)

const streamReadChunk = 32 * 1024

type streamMeta struct {
	fin             *requestFinisher
	upstreamID      lbstate.UpstreamID
	selected        selectedUpstream
	providerID      string
	respFiltered    http.Header
	retry           *requestlog.RetryInfo
	idleTimeout     time.Duration
	transportCool   time.Duration
	upstreamStart   time.Time
	upstreamHeaders int64
}

type readResult struct {
	data []byte
	err  error
}

// relayStream forwards a 2xx SSE body chunk by chunk while a scanner
// watches a copy of the data for usage payloads and the terminal event.
// Once the first byte reaches the client no retry is possible; every
// exit path lands in exactly one finish call.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, meta streamMeta) {
	defer resp.Body.Close()

	for name, values := range meta.respFiltered {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	done := make(chan struct{})
	defer close(done)
	reads := make(chan readResult)
	go func() {
		buf := make([]byte, streamReadChunk)
		for {
			n, err := resp.Body.Read(buf)
			var data []byte
			if n > 0 {
				data = append([]byte(nil), buf[:n]...)
			}
			select {
			case reads <- readResult{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	scanner := usage.NewSSEScanner()
	idle := time.NewTimer(meta.idleTimeout)
	defer idle.Stop()

	finishStream := func(status int, disconnect bool) {
		if disconnect {
			s.states.Penalize(meta.upstreamID, classTransportError, meta.transportCool)
			log.Warn("upstream stream disconnected",
				"method", meta.fin.method, "path", meta.fin.path,
				"config", meta.selected.ConfigName,
				"base_url", meta.selected.Upstream.BaseURL)
		}
		meta.fin.finish(finishInput{
			statusCode:       status,
			configName:       meta.selected.ConfigName,
			providerID:       meta.providerID,
			baseURL:          meta.selected.Upstream.BaseURL,
			usage:            scanner.Usage(),
			retry:            meta.retry,
			streamDisconnect: disconnect,
		})
	}

	for {
		select {
		case <-r.Context().Done():
			// Client closed the connection; drop the upstream body and
			// still emit the one record.
			finishStream(499, false)
			return
		case <-idle.C:
			finishStream(resp.StatusCode, true)
			return
		case res := <-reads:
			if len(res.data) > 0 {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(meta.idleTimeout)
				scanner.Consume(res.data)
				if _, err := w.Write(res.data); err != nil {
					finishStream(499, false)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if res.err == io.EOF {
				// EOF without a terminal event means the upstream cut
				// the stream short.
				finishStream(resp.StatusCode, !scanner.SawTerminal())
				return
			}
			if res.err != nil {
				finishStream(resp.StatusCode, true)
				return
			}
		}
	}
}
