// Package imagehost uploads cover images to a third-party image host and
// returns the public URL.
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/audionix/telemetry"
)

const (
	// DefaultImgBBURL is the ImgBB upload endpoint.
	DefaultImgBBURL = "https://api.imgbb.com/1/upload"

	// DefaultTimeout is the default timeout for upload requests.
	DefaultTimeout = 60 * time.Second

	// maxResponseSize bounds the upload response body.
	maxResponseSize = 1 << 20
)

var (
	// ErrUploadFailed indicates the image host rejected the upload.
	ErrUploadFailed = errors.New("image upload failed")

	// ErrEmptyImage is returned for a zero-length payload.
	ErrEmptyImage = errors.New("empty image")
)

// Host stores an image and returns a URL that serves it.
type Host interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

// ImgBB uploads images to imgbb.com.
type ImgBB struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// Option configures an ImgBB client.
type Option func(*ImgBB)

// WithEndpoint overrides the upload endpoint.
func WithEndpoint(u string) Option {
	return func(c *ImgBB) {
		c.endpoint = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ImgBB) {
		c.client = client
	}
}

// NewImgBB creates an ImgBB client. Requests are instrumented under the
// "imagehost" upstream label unless a client is supplied.
func NewImgBB(apiKey string, opts ...Option) *ImgBB {
	c := &ImgBB{
		apiKey:   apiKey,
		endpoint: DefaultImgBBURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "imagehost"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Host = (*ImgBB)(nil)

type imgbbResponse struct {
	Data struct {
		ID         string `json:"id"`
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Error   struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Upload posts the image and returns its direct URL.
func (c *ImgBB) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}

	body, contentType, err := encodeForm(data, name)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}

	var out imgbbResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
		}
		return "", fmt.Errorf("decoding upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		msg := out.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, msg)
	}

	link := out.Data.URL
	if link == "" {
		link = out.Data.DisplayURL
	}
	if link == "" {
		return "", fmt.Errorf("%w: response has no url", ErrUploadFailed)
	}
	return link, nil
}

func encodeForm(data []byte, name string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if name = strings.TrimSpace(name); name != "" {
		if err := w.WriteField("name", name); err != nil {
			return nil, "", fmt.Errorf("writing name field: %w", err)
		}
	}

	fileName := name
	if fileName == "" {
		fileName = "cover"
	}
	part, err := w.CreateFormFile("image", fileName)
	if err != nil {
		return nil, "", fmt.Errorf("creating image part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("writing image part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
