package catalog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/wolfeidau/audionix"
	"github.com/wolfeidau/audionix/blobstore"
)

// audioTypes maps accepted audio suffixes to their canonical content type.
var audioTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
	"aac":  "audio/aac",
	"m4a":  "audio/mp4",
}

// acceptedAudioContentTypes lists declared content types accepted for upload.
var acceptedAudioContentTypes = map[string]bool{
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/mpeg3":  true,
	"audio/wav":    true,
	"audio/wave":   true,
	"audio/x-wav":  true,
	"audio/ogg":    true,
	"audio/vorbis": true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/aac":    true,
	"audio/x-aac":  true,
	"audio/mp4":    true,
	"audio/m4a":    true,
	"audio/x-m4a":  true,
}

// AudioContentType returns the content type served for an audio path.
func AudioContentType(p string) string {
	if ct, ok := audioTypes[strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// UploadInput holds the fields of a new item.
type UploadInput struct {
	Audio     io.Reader
	AudioName string
	AudioType string // declared content type
	SongName  string
	Artist    string
	Cover     *CoverInput
}

// validate checks the input in field order and returns a reader that
// replays the peeked audio bytes.
func (in *UploadInput) validate() (io.Reader, error) {
	if in.Audio == nil {
		return nil, &ValidationError{Field: "audio", Reason: "audio file is required"}
	}
	br := bufio.NewReader(in.Audio)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Field: "audio", Reason: "audio file is empty"}
		}
		return nil, &ValidationError{Field: "audio", Reason: err.Error()}
	}

	if !acceptedAudio(in.AudioType, in.AudioName) {
		return nil, &ValidationError{Field: "audioType", Reason: "unsupported audio format; accepted: mp3, wav, ogg, flac, aac, m4a"}
	}
	if strings.TrimSpace(in.SongName) == "" {
		return nil, &ValidationError{Field: "songName", Reason: "song name is required"}
	}
	if strings.TrimSpace(in.Artist) == "" {
		return nil, &ValidationError{Field: "artist", Reason: "artist is required"}
	}
	return br, nil
}

// acceptedAudio reports whether either the declared type or the file name
// suffix names a supported format.
func acceptedAudio(contentType, name string) bool {
	if acceptedAudioContentTypes[mediaType(contentType)] {
		return true
	}
	_, ok := audioTypes[strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))]
	return ok
}

// sanitizeName reduces a client file name to a safe final path element.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "audio"
	}
	return out
}

// Upload validates in, stores the audio blob, materializes the cover and
// writes a new metadata object. No remote call happens before validation
// passes. A cover that cannot be stored is dropped, not fatal.
//
// The writes are not transactional: a failure after the audio upload can
// leave an audio blob without a record.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*Record, error) {
	audio, err := in.validate()
	if err != nil {
		return nil, err
	}

	id, err := audionix.NewID()
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("id", id)

	audioPath := blobstore.Join(s.cfg.SongsDir, id+"_"+sanitizeName(in.AudioName))
	dr := audionix.NewDigestingReader(audio)
	res, err := s.store.Upload(ctx, audioPath, dr, blobstore.UploadOptions{Mode: blobstore.ModeAdd})
	if err != nil {
		return nil, upstream("audio upload", err)
	}

	rec := &Record{
		ID:          id,
		SongName:    strings.TrimSpace(in.SongName),
		Artist:      strings.TrimSpace(in.Artist),
		AudioPath:   res.Path,
		AudioDigest: dr.Sum(),
		UploadedAt:  s.now().UTC(),
	}

	if in.Cover.present() {
		cover, err := s.covers.write(ctx, s.cfg.CoverMode, id, in.Cover)
		if err != nil {
			logger.Warn("cover not stored, continuing without cover", "error", err)
		} else {
			rec.Cover = cover
		}
	}

	if err := s.createMetadata(ctx, rec); err != nil {
		logger.Error("metadata write failed after audio upload", "audio_path", rec.AudioPath, "error", err)
		return nil, err
	}

	s.cache.Put(rec)
	logger.Info("record created",
		"audio_path", rec.AudioPath,
		"bytes", dr.BytesRead(),
		"cover", rec.Cover.Kind.String(),
	)
	return rec.clone(), nil
}

// createMetadata writes rec to a fresh metadata path and records the final
// path chosen by the store.
func (s *Service) createMetadata(ctx context.Context, rec *Record) error {
	want := blobstore.Join(s.cfg.MetadataDir, rec.ID+metadataExt)
	rec.MetadataPath = want

	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	res, err := s.store.Upload(ctx, want, bytes.NewReader(data), blobstore.UploadOptions{
		Mode:       blobstore.ModeAdd,
		Autorename: true,
	})
	if err != nil {
		return upstream("metadata upload", err)
	}
	if res.Path == want {
		return nil
	}

	// The store renamed the object; store the final path inside it too.
	rec.MetadataPath = res.Path
	if err := s.writeMetadata(ctx, rec); err != nil {
		s.logger.Warn("could not record renamed metadata path", "id", rec.ID, "path", res.Path, "error", err)
	}
	return nil
}

// writeMetadata overwrites rec's metadata object in place.
func (s *Service) writeMetadata(ctx context.Context, rec *Record) error {
	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.store.Upload(ctx, rec.MetadataPath, bytes.NewReader(data), blobstore.UploadOptions{Mode: blobstore.ModeOverwrite})
	if err != nil {
		return upstream("metadata write", err)
	}
	return nil
}
