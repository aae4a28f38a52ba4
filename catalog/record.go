package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfeidau/audionix"
)

// Schema versions written with every record.
const (
	// SchemaInline marks records whose cover is embedded as a data URL.
	SchemaInline = 1
	// SchemaReference marks records whose cover, if any, lives elsewhere.
	SchemaReference = 2
)

// CoverKind identifies how a record's cover is represented.
type CoverKind int

const (
	CoverNone CoverKind = iota
	CoverInline
	CoverPath
	CoverURL
)

func (k CoverKind) String() string {
	switch k {
	case CoverInline:
		return "inline"
	case CoverPath:
		return "path"
	case CoverURL:
		return "url"
	default:
		return "none"
	}
}

// Cover is a record's cover art. Exactly one representation is held at a
// time: a data URL, a storage path or a hosted URL.
type Cover struct {
	Kind  CoverKind
	Value string
}

// InlineCover returns a cover embedded as a data URL.
func InlineCover(dataURL string) Cover { return Cover{Kind: CoverInline, Value: dataURL} }

// PathCover returns a cover stored in the blob store at p.
func PathCover(p string) Cover { return Cover{Kind: CoverPath, Value: p} }

// URLCover returns a cover served by an external host.
func URLCover(u string) Cover { return Cover{Kind: CoverURL, Value: u} }

// IsZero reports whether there is no cover.
func (c Cover) IsZero() bool { return c.Kind == CoverNone || c.Value == "" }

// Record is the metadata for one uploaded item.
type Record struct {
	ID           string
	SongName     string
	Artist       string
	AudioPath    string
	AudioDigest  audionix.Digest
	Cover        Cover
	UploadedAt   time.Time
	MetadataPath string
}

// SchemaVersion returns SchemaInline while the cover is embedded and
// SchemaReference otherwise.
func (r *Record) SchemaVersion() int {
	if r.Cover.Kind == CoverInline && r.Cover.Value != "" {
		return SchemaInline
	}
	return SchemaReference
}

// clone returns a copy that shares nothing with r.
func (r *Record) clone() *Record {
	cp := *r
	return &cp
}

// wireRecord is the JSON form of a Record as stored in the metadata folder.
type wireRecord struct {
	ID            string     `json:"id"`
	SongName      string     `json:"songName"`
	Artist        string     `json:"artist"`
	AudioPath     string     `json:"audioPath"`
	AudioDigest   string     `json:"audioDigest,omitempty"`
	UploadedAt    *time.Time `json:"uploadedAt,omitempty"`
	MetadataPath  string     `json:"metadataPath,omitempty"`
	SchemaVersion int        `json:"schemaVersion"`
	CoverData     string     `json:"coverData,omitempty"`
	CoverPath     string     `json:"coverPath,omitempty"`
	CoverURL      string     `json:"coverUrl,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		ID:            r.ID,
		SongName:      r.SongName,
		Artist:        r.Artist,
		AudioPath:     r.AudioPath,
		MetadataPath:  r.MetadataPath,
		SchemaVersion: r.SchemaVersion(),
	}
	if !r.AudioDigest.IsZero() {
		w.AudioDigest = r.AudioDigest.String()
	}
	if !r.UploadedAt.IsZero() {
		t := r.UploadedAt.UTC()
		w.UploadedAt = &t
	}
	switch r.Cover.Kind {
	case CoverInline:
		w.CoverData = r.Cover.Value
	case CoverPath:
		w.CoverPath = r.Cover.Value
	case CoverURL:
		w.CoverURL = r.Cover.Value
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. When a stored object carries
// more than one cover field the reference forms win over inline data, so a
// record never reads back at an older schema than it was written with.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Record{
		ID:           w.ID,
		SongName:     w.SongName,
		Artist:       w.Artist,
		AudioPath:    w.AudioPath,
		MetadataPath: w.MetadataPath,
	}
	if w.AudioDigest != "" {
		d, err := audionix.ParseDigest(w.AudioDigest)
		if err != nil {
			return fmt.Errorf("audioDigest: %w", err)
		}
		out.AudioDigest = d
	}
	if w.UploadedAt != nil {
		out.UploadedAt = *w.UploadedAt
	}
	switch {
	case w.CoverPath != "":
		out.Cover = PathCover(w.CoverPath)
	case w.CoverURL != "":
		out.Cover = URLCover(w.CoverURL)
	case w.CoverData != "":
		out.Cover = InlineCover(w.CoverData)
	}

	*r = out
	return nil
}
