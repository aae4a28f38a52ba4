package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wolfeidau/audionix/blobstore"
	"github.com/wolfeidau/audionix/catalog"
	"github.com/wolfeidau/audionix/links"
	"github.com/wolfeidau/audionix/telemetry"
)

const (
	// maxCoverSize bounds a cover image read from a form part.
	maxCoverSize = 10 << 20

	// retryAfterSeconds is advertised while no access credential is available.
	retryAfterSeconds = "30"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type resolveResponse struct {
	Path   string          `json:"path"`
	Record *catalog.Record `json:"record,omitempty"`
}

type deleteResponse struct {
	Path            string   `json:"path"`
	IDs             []string `json:"ids"`
	AudioDeleted    bool     `json:"audioDeleted"`
	MetadataDeleted int      `json:"metadataDeleted"`
	CoversDeleted   int      `json:"coversDeleted"`
	Scanned         int      `json:"scanned,omitempty"`
}

type skippedObject struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type reloadResponse struct {
	Loaded  int             `json:"loaded"`
	Skipped []skippedObject `json:"skipped"`
}

type migrationResult struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type migrateResponse struct {
	Examined  int               `json:"examined"`
	Migrated  int               `json:"migrated"`
	Unchanged int               `json:"unchanged"`
	Failed    int               `json:"failed"`
	Results   []migrationResult `json:"results"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")
	records := s.catalog.ListAll(r.Context())
	if records == nil {
		records = []*catalog.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	id := r.PathValue("id")
	telemetry.SetRecordID(r, id)

	rec, err := s.catalog.Lookup(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "resolve")
	target, err := catalog.ParseTarget(r.URL.Query().Get("id"), r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.catalog.Resolve(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Record != nil {
		telemetry.SetRecordID(r, res.Record.ID)
	}
	s.writeJSON(w, http.StatusOK, resolveResponse{Path: res.Path, Record: res.Record})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, r, formError(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in := catalog.UploadInput{
		SongName: r.FormValue("songName"),
		Artist:   r.FormValue("artist"),
	}

	file, header, err := r.FormFile("audio")
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		in.Audio = file
		in.AudioName = header.Filename
		in.AudioType = header.Header.Get("Content-Type")
	case !errors.Is(err, http.ErrMissingFile):
		s.writeError(w, r, formError(err))
		return
	}

	in.Cover, err = readCover(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.catalog.Upload(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetRecordID(r, rec.ID)
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "change")
	id := r.PathValue("id")
	telemetry.SetRecordID(r, id)

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := parseForm(r); err != nil {
		s.writeError(w, r, formError(err))
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	cover, err := readCover(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.catalog.Change(r.Context(), id, catalog.ChangeInput{
		SongName: r.FormValue("songName"),
		Artist:   r.FormValue("artist"),
		Cover:    cover,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	target, err := catalog.ParseTarget(id, r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ack, err := s.catalog.Delete(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(ack.IDs) > 0 {
		telemetry.SetRecordID(r, ack.IDs[0])
	}

	resp := deleteResponse{
		Path:            ack.Path,
		IDs:             ack.IDs,
		AudioDeleted:    ack.AudioDeleted,
		MetadataDeleted: ack.MetadataDeleted,
		CoversDeleted:   ack.CoversDeleted,
	}
	if resp.IDs == nil {
		resp.IDs = []string{}
	}
	if ack.Scan != nil {
		resp.Scanned = len(ack.Scan.Entries)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStream redirects to a temporary link for the audio. Stores without
// links have the audio streamed through the process instead.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stream")
	target, err := catalog.ParseTarget(r.URL.Query().Get("id"), r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, link, err := s.catalog.StreamLink(r.Context(), target)
	switch {
	case err == nil:
		if res.Record != nil {
			telemetry.SetRecordID(r, res.Record.ID)
		}
		http.Redirect(w, r, link, http.StatusFound)
		return
	case !errors.Is(err, blobstore.ErrLinkUnsupported):
		s.writeError(w, r, err)
		return
	}

	rc, err := s.catalog.OpenAudio(r.Context(), res.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	opts := links.StreamOptions{
		ContentType:  catalog.AudioContentType(res.Path),
		ExtraHeaders: map[string]string{"Cache-Control": "private, max-age=0"},
	}
	if res.Record != nil {
		telemetry.SetRecordID(r, res.Record.ID)
		opts.Expected = res.Record.AudioDigest
	}
	if _, err := links.Stream(w, r, rc, opts, s.logger); err != nil {
		s.logger.Warn("stream failed", "path", res.Path, "error", err)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reload")
	report, err := s.catalog.Reload(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := reloadResponse{Loaded: report.Loaded(), Skipped: []skippedObject{}}
	for _, e := range report.Skipped() {
		resp.Skipped = append(resp.Skipped, skippedObject{Path: e.Path, Reason: e.Reason})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "migrate")
	report, err := s.catalog.RunMigration(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := migrateResponse{
		Examined:  report.Examined,
		Migrated:  report.Migrated,
		Unchanged: report.Unchanged,
		Failed:    report.Failed,
		Results:   []migrationResult{},
	}
	for _, res := range report.Results {
		resp.Results = append(resp.Results, migrationResult{
			ID:      res.ID,
			Outcome: string(res.Outcome),
			Error:   res.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// parseForm accepts multipart and urlencoded bodies.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &catalog.ValidationError{Field: "body", Reason: "request body too large"}
	}
	return &catalog.ValidationError{Field: "form", Reason: err.Error()}
}

// readCover reads the optional cover from a file part, falling back to a
// text field holding a data URL. It returns nil when neither is present.
func readCover(r *http.Request) (*catalog.CoverInput, error) {
	file, header, err := r.FormFile("cover")
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(io.LimitReader(file, maxCoverSize+1))
		if err != nil {
			return nil, formError(err)
		}
		if len(data) > maxCoverSize {
			return nil, &catalog.ValidationError{Field: "cover", Reason: "cover image too large"}
		}
		return &catalog.CoverInput{
			Data:        data,
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
		}, nil
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		return nil, formError(err)
	}

	if v := r.FormValue("cover"); v != "" {
		return catalog.CoverFromDataURL(v)
	}
	return nil, nil
}

// statusFor maps catalog errors to HTTP status codes.
func statusFor(err error) int {
	var (
		validation *catalog.ValidationError
		upstream   *catalog.UpstreamError
	)
	switch {
	case errors.As(err, &validation), errors.Is(err, catalog.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var validation *catalog.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}
