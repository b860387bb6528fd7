package recording

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/getmockd/replayd/internal/canonical"
)

// DefaultVolatileHeaders change between otherwise identical responses and are
// never recorded.
var DefaultVolatileHeaders = []string{
	"Date",
	"Last-Modified",
	"Expires",
	"Age",
}

// framingHeaders describe the upstream transfer and are recomputed on replay.
var framingHeaders = []string{
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// RequestURL joins the upstream target with an inbound request URI. Trailing
// slashes are dropped from both so "/users/" and "/users" share an identity.
func RequestURL(target string, r *http.Request) string {
	return strings.TrimRight(target, "/") + strings.TrimRight(r.URL.RequestURI(), "/")
}

// CaptureRequest builds the descriptor for an inbound request bound for
// target. Header names are lower-cased and JSON bodies canonicalized. The
// inbound Host is kept as the "host" header, as clients sent it.
func CaptureRequest(r *http.Request, target string, body []byte) Request {
	headers := RequestHeaders(r.Header)
	if r.Host != "" {
		headers["host"] = r.Host
	}
	return Request{
		URL:     RequestURL(target, r),
		Method:  r.Method,
		Body:    canonical.Body(string(body)),
		Headers: headers,
	}
}

// RequestHeaders converts inbound headers into their recorded form.
func RequestHeaders(h http.Header) Headers {
	out := make(Headers, len(h))
	for k, vals := range h {
		name := strings.ToLower(k)
		switch len(vals) {
		case 0:
			continue
		case 1:
			out[name] = vals[0]
		default:
			cp := make([]string, len(vals))
			copy(cp, vals)
			out[name] = cp
		}
	}
	return out
}

// CaptureResponse builds the recorded form of an upstream response. Bodies
// that are not valid UTF-8 are stored base64 encoded. Otherwise a
// Content-Type mentioning "text" marks the body as text, a valid JSON body is
// stored as JSON and anything else falls back to text.
func CaptureResponse(resp *http.Response, body []byte, volatile []string) Response {
	res := Response{
		Status:  resp.StatusCode,
		Headers: ResponseHeaders(resp.Header, volatile),
	}

	if !utf8.Valid(body) {
		res.Encoding = EncodingBase64
		encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(body))
		res.Body = encoded
		return res
	}

	contentType := resp.Header.Get("Content-Type")
	trimmed := bytes.TrimSpace(body)
	if !strings.Contains(contentType, "text") && len(trimmed) > 0 && json.Valid(trimmed) {
		res.Body = json.RawMessage(append([]byte(nil), trimmed...))
		return res
	}

	res.IsText = true
	encoded, _ := json.Marshal(string(body))
	res.Body = encoded
	return res
}

// ResponseHeaders copies upstream headers, dropping framing headers and every
// header named in volatile.
func ResponseHeaders(h http.Header, volatile []string) Headers {
	out := make(Headers, len(h))
	for k, vals := range h {
		if containsFold(framingHeaders, k) || containsFold(volatile, k) || len(vals) == 0 {
			continue
		}
		name := http.CanonicalHeaderKey(k)
		if len(vals) == 1 {
			out[name] = vals[0]
			continue
		}
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[name] = cp
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
