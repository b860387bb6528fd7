package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getmockd/replayd/pkg/config"
	"github.com/getmockd/replayd/pkg/fingerprint"
	"github.com/getmockd/replayd/pkg/httputil"
	"github.com/getmockd/replayd/pkg/recording"
	"github.com/getmockd/replayd/pkg/replay"
)

// NoMockDataMessage is the body returned in mock mode when nothing has been
// recorded yet.
const NoMockDataMessage = "ERROR: No mock data found \r\n First run this with working api or provide mock data"

// outcome collects what happened to one request for the access log line.
type outcome struct {
	state  State
	tier   replay.Tier
	status int
}

// upstreamResult is either an HTTP response with its buffered body or a
// transport error. When oversized is set, body holds only the first
// maxBodySize+1 bytes and the rest is still unread on resp.Body.
type upstreamResult struct {
	resp      *http.Response
	body      []byte
	oversized bool
	err       error
	cancel    context.CancelFunc
}

// close releases the response body and the upstream call's context.
func (u upstreamResult) close() {
	if u.resp != nil {
		_ = u.resp.Body.Close()
	}
	if u.cancel != nil {
		u.cancel()
	}
}

func (u upstreamResult) ok() bool {
	return u.err == nil && u.resp.StatusCode >= 200 && u.resp.StatusCode < 300
}

// status is the upstream HTTP status, or 0 for transport errors.
func (u upstreamResult) status() int {
	if u.err != nil {
		return 0
	}
	return u.resp.StatusCode
}

// ServeHTTP implements http.Handler for the proxy.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := uuid.NewString()

	// Read and buffer the request body
	var reqBody []byte
	if r.Body != nil {
		var err error
		reqBody, err = io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBodySize))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			p.logger.Warn("request body too large", "request_id", requestID, "limit", tooLarge.Limit)
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		if err != nil {
			p.logger.Warn("error reading request body", "request_id", requestID, "error", err)
			httputil.WriteError(w, http.StatusBadRequest, "bad_request", "error reading request body")
			return
		}
		_ = r.Body.Close()
	}

	p.mu.RLock()
	mode := p.mode
	filter := p.filter
	p.mu.RUnlock()

	live := recording.CaptureRequest(r, p.targetString(), reqBody)
	keys := fingerprint.Compute(live)

	var out outcome
	if mode == config.ModeMock {
		out = p.serveMock(w, keys, live)
	} else {
		out = p.serveUpstream(w, r, reqBody, mode, filter, keys, live)
	}

	p.logger.Info("request",
		slog.String("request_id", requestID),
		slog.String("method", live.Method),
		slog.String("url", live.URL),
		slog.String("mode", string(mode)),
		slog.String("state", string(out.state)),
		slog.String("tier", string(out.tier)),
		slog.Int("status", out.status),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// serveMock answers from recordings only.
func (p *Proxy) serveMock(w http.ResponseWriter, keys fingerprint.Keys, live recording.Request) outcome {
	if p.store.IsEmpty() {
		httputil.WriteText(w, http.StatusNotFound, "text/html", NoMockDataMessage)
		return outcome{state: StateMockOnly, tier: replay.TierNone, status: http.StatusNotFound}
	}

	result := p.resolver.Resolve(keys, live)
	if !result.Found() {
		httputil.WriteError(w, http.StatusNotFound, "no_mock", "no recorded response matches "+live.Method+" "+live.URL)
		return outcome{state: StateMockOnly, tier: result.Tier, status: http.StatusNotFound}
	}
	status := writeRecorded(w, *result.Response)
	return outcome{state: StateMockOnly, tier: result.Tier, status: status}
}

// serveUpstream forwards the request, records successes and falls back to
// recordings on failure.
func (p *Proxy) serveUpstream(w http.ResponseWriter, r *http.Request, reqBody []byte, mode config.Mode, filter *FilterConfig, keys fingerprint.Keys, live recording.Request) outcome {
	up := p.forward(r, reqBody)
	defer up.close()

	if up.ok() {
		if up.oversized {
			p.logger.Warn("upstream body too large to record", "url", live.URL, "limit", p.maxBodySize)
			return outcome{state: StateForwardLive, tier: replay.TierNone, status: writeRaw(w, up)}
		}
		res := recording.CaptureResponse(up.resp, up.body, p.volatile)
		if filter.ShouldRecord(p.target.Hostname(), r.URL.Path) {
			p.store.Append(keys.Slice(), recording.Exchange{Request: live, Response: res})
		}
		status := writeUpstream(w, res.Headers, up)
		return outcome{state: StateRecordSuccess, status: status}
	}

	if up.err != nil {
		p.logger.Warn("upstream request failed", "url", live.URL, "error", up.err)
	}

	if mode == config.ModeRecord || !p.errorCodes.Allows(up.status()) {
		return outcome{state: StateForwardLive, tier: replay.TierNone, status: writeRaw(w, up)}
	}

	result := p.resolver.Resolve(keys, live)
	if !result.Found() {
		return outcome{state: StateForwardLive, tier: result.Tier, status: writeRaw(w, up)}
	}
	status := writeRecorded(w, *result.Response)
	return outcome{state: StateErrorFallback, tier: result.Tier, status: status}
}

// forward sends the request to the target. The call is detached from client
// cancellation so a recording completes even if the client goes away. The
// caller must close the result.
func (p *Proxy) forward(r *http.Request, reqBody []byte) upstreamResult {
	ctx := context.WithoutCancel(r.Context())
	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	}

	targetURL := strings.TrimRight(p.target.String(), "/") + r.URL.RequestURI()

	var body io.Reader
	if len(reqBody) > 0 {
		body = bytes.NewReader(reqBody)
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		cancel()
		return upstreamResult{err: err}
	}

	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)
	// Let the transport negotiate compression so recorded bodies are plain.
	outReq.Header.Del("Accept-Encoding")
	outReq.Host = p.target.Host

	resp, err := p.client.Do(outReq)
	if err != nil {
		cancel()
		return upstreamResult{err: err}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodySize+1))
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return upstreamResult{err: fmt.Errorf("reading upstream body: %w", err)}
	}
	return upstreamResult{
		resp:      resp,
		body:      respBody,
		oversized: int64(len(respBody)) > p.maxBodySize,
		cancel:    cancel,
	}
}

// writeRecorded writes a recorded response and returns the status sent.
func writeRecorded(w http.ResponseWriter, res recording.Response) int {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if len(res.Headers) == 0 {
		w.Header().Set("Content-Type", "application/json")
	} else {
		res.Headers.ApplyTo(w.Header())
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Payload())
	return status
}

// writeUpstream sends the upstream status and body bytes unchanged with the
// given headers, streaming whatever was left unread past the size limit.
func writeUpstream(w http.ResponseWriter, headers recording.Headers, up upstreamResult) int {
	headers.ApplyTo(w.Header())
	w.WriteHeader(up.resp.StatusCode)
	_, _ = w.Write(up.body)
	if up.oversized {
		_, _ = io.Copy(w, up.resp.Body)
	}
	return up.resp.StatusCode
}

// writeRaw passes an upstream response through unchanged. Transport errors
// become a 502 with a JSON description.
func writeRaw(w http.ResponseWriter, up upstreamResult) int {
	if up.err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"status":  http.StatusBadGateway,
			"message": up.err.Error(),
		})
		return http.StatusBadGateway
	}
	copyHeaders(w.Header(), up.resp.Header)
	removeHopByHopHeaders(w.Header())
	w.Header().Del("Content-Length")
	w.WriteHeader(up.resp.StatusCode)
	_, _ = w.Write(up.body)
	if up.oversized {
		_, _ = io.Copy(w, up.resp.Body)
	}
	return up.resp.StatusCode
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders removes headers that should not be forwarded.
func removeHopByHopHeaders(h http.Header) {
	hopByHopHeaders := []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Proxy-Connection",
		"TE",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	}

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
