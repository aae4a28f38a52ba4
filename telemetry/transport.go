package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics,
// labelled by the collaborator it talks to (dropbox, oauth, imagehost).
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport creates a new instrumented transport for an upstream.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.upstream, duration, 0, outcome)
		return nil, err
	}

	outcome := upstreamOutcome(resp.StatusCode)

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		upstream:   t.upstream,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	upstream string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.upstream, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}

// upstreamOutcome classifies a response status. Dropbox reports endpoint
// errors (missing paths, conflicts) as 409 and expired tokens as 401, so both
// get their own outcome apart from the generic 4xx class.
func upstreamOutcome(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusConflict:
		return "conflict"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}
