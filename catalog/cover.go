package catalog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/wolfeidau/audionix/blobstore"
	"github.com/wolfeidau/audionix/imagehost"
)

// CoverMode selects how new covers are stored.
type CoverMode string

const (
	// CoverModeInline embeds covers in the metadata object as data URLs.
	CoverModeInline CoverMode = "inline"
	// CoverModeBlob stores covers in the blob store next to the audio.
	CoverModeBlob CoverMode = "blob"
	// CoverModeImageHost uploads covers to the configured image host.
	CoverModeImageHost CoverMode = "imagehost"
)

// ParseCoverMode validates a configured cover mode.
func ParseCoverMode(s string) (CoverMode, error) {
	switch m := CoverMode(strings.ToLower(strings.TrimSpace(s))); m {
	case CoverModeInline, CoverModeBlob, CoverModeImageHost:
		return m, nil
	case "":
		return CoverModeBlob, nil
	default:
		return "", fmt.Errorf("unknown cover mode %q", s)
	}
}

// defaultCoverExt is used when neither type nor name gives an extension.
const defaultCoverExt = "jpg"

var imageExtByType = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/pjpeg":   "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/bmp":     "bmp",
	"image/heic":    "heic",
	"image/svg+xml": "svg",
}

var imageTypeByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"avif": "image/avif",
	"bmp":  "image/bmp",
	"heic": "image/heic",
	"svg":  "image/svg+xml",
}

// CoverInput is a cover image supplied by a caller.
type CoverInput struct {
	Data        []byte
	Name        string
	ContentType string
}

func (c *CoverInput) present() bool {
	return c != nil && len(c.Data) > 0
}

// ext derives the file extension from the declared type, then the file
// name, then falls back to jpg.
func (c *CoverInput) ext() string {
	if ext, ok := imageExtByType[mediaType(c.ContentType)]; ok {
		return ext
	}
	if ext := strings.ToLower(strings.TrimPrefix(path.Ext(c.Name), ".")); ext != "" {
		if _, ok := imageTypeByExt[ext]; ok {
			return ext
		}
	}
	return defaultCoverExt
}

func (c *CoverInput) contentType() string {
	if mt := mediaType(c.ContentType); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return imageTypeByExt[c.ext()]
}

// mediaType returns the lowercased type of a Content-Type value without
// parameters.
func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

// encodeDataURL returns data as a base64 data URL.
func encodeDataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

var errEmptyCover = errors.New("empty cover data")

// decodeDataURL decodes an inline cover. Bare base64 without the data URL
// header is accepted too.
func decodeDataURL(s string) (*CoverInput, error) {
	s = strings.TrimSpace(s)
	in := &CoverInput{}

	payload := s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, fmt.Errorf("malformed data URL")
		}
		mt, params, isBase64 := strings.Cut(header, ";")
		in.ContentType = mt
		if !isBase64 || !strings.Contains(params, "base64") {
			return nil, fmt.Errorf("data URL is not base64 encoded")
		}
		payload = body
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("decoding cover data: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, errEmptyCover
	}
	in.Data = data
	return in, nil
}

// CoverFromDataURL decodes a cover supplied as text, either a data URL or
// bare base64.
func CoverFromDataURL(s string) (*CoverInput, error) {
	in, err := decodeDataURL(s)
	if err != nil {
		return nil, &ValidationError{Field: "cover", Reason: err.Error()}
	}
	return in, nil
}

// coverWriter turns cover input into a stored Cover.
type coverWriter struct {
	store     blobstore.Store
	host      imagehost.Host
	coversDir string
}

// coverPath is the deterministic blob path of a record's cover.
func (w *coverWriter) coverPath(id, ext string) string {
	return blobstore.Join(w.coversDir, id+"."+ext)
}

// write stores in using mode and returns the reference to record.
func (w *coverWriter) write(ctx context.Context, mode CoverMode, id string, in *CoverInput) (Cover, error) {
	switch mode {
	case CoverModeInline:
		return InlineCover(encodeDataURL(in.contentType(), in.Data)), nil

	case CoverModeImageHost:
		if w.host == nil {
			return Cover{}, fmt.Errorf("cover mode %s: no image host configured", mode)
		}
		u, err := w.host.Upload(ctx, in.Data, id)
		if err != nil {
			return Cover{}, upstream("imagehost upload", err)
		}
		return URLCover(u), nil

	default:
		p := w.coverPath(id, in.ext())
		res, err := w.store.Upload(ctx, p, bytes.NewReader(in.Data), blobstore.UploadOptions{Mode: blobstore.ModeOverwrite})
		if err != nil {
			return Cover{}, upstream("cover upload", err)
		}
		return PathCover(res.Path), nil
	}
}
