package links

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/wolfeidau/audionix"
)

// StreamOptions configures Stream.
type StreamOptions struct {
	ContentType   string
	ContentLength int64 // -1 or 0 if unknown
	ExtraHeaders  map[string]string

	// Expected, when non-zero, is compared with the digest of the streamed
	// bytes. A mismatch is logged and reported; the client already has the
	// body by then.
	Expected audionix.Digest
}

// StreamResult is returned after streaming completes.
type StreamResult struct {
	Digest audionix.Digest
	Size   int64
}

// ErrDigestMismatch is returned by Stream when the streamed bytes do not
// match StreamOptions.Expected.
var ErrDigestMismatch = errors.New("digest mismatch")

// Stream copies src to the response while computing its digest. It is used
// when the store cannot mint links and objects are served through the
// process.
func Stream(w http.ResponseWriter, r *http.Request, src io.Reader, opts StreamOptions, logger *slog.Logger) (*StreamResult, error) {
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", opts.ContentType)
	if opts.ContentLength > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", opts.ContentLength))
	}
	for k, v := range opts.ExtraHeaders {
		w.Header().Set(k, v)
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return &StreamResult{}, nil
	}

	dr := audionix.NewDigestingReader(src)
	n, err := io.Copy(w, dr)
	if err != nil {
		if n == 0 {
			// Headers are not committed yet.
			http.Error(w, "upstream error", http.StatusBadGateway)
		} else {
			logger.Error("stream interrupted after partial write",
				"bytes_written", n,
				"error", err,
			)
		}
		return nil, fmt.Errorf("streaming: %w", err)
	}

	if opts.ContentLength > 0 && n != opts.ContentLength {
		logger.Error("content-length mismatch",
			"expected", opts.ContentLength,
			"actual", n,
		)
		return nil, fmt.Errorf("content-length mismatch: expected %d, got %d", opts.ContentLength, n)
	}

	res := &StreamResult{Digest: dr.Sum(), Size: n}
	if !opts.Expected.IsZero() && res.Digest != opts.Expected {
		logger.Error("streamed object digest mismatch",
			"expected", opts.Expected.String(),
			"actual", res.Digest.String(),
		)
		return res, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, opts.Expected, res.Digest)
	}
	return res, nil
}
