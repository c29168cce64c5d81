package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libhub/internal/auth"
	"libhub/internal/domain"
	"libhub/internal/service"
)

const (
	// multipartMemory: часть формы, которая держится в памяти, остальное во временных файлах.
	multipartMemory = 32 << 20
	// formOverhead: запас на поля формы сверх лимита файла.
	formOverhead = 1 << 20
)

type PublicationHandler struct {
	service *service.PublicationService
	errors  errorWriter
	logger  *slog.Logger
}

func NewPublicationHandler(svc *service.PublicationService, debug bool, logger *slog.Logger) *PublicationHandler {
	logger = logger.With(slog.String("component", "publication_handler"))
	return &PublicationHandler{
		service: svc,
		errors:  errorWriter{debug: debug, logger: logger},
		logger:  logger,
	}
}

func identityFrom(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		Unauthorized(w, "authentication required")
	}
	return identity, ok
}

// Upload обрабатывает POST /api/publications (multipart/form-data).
func (h *PublicationHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.service.MaxSizeBytes()+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				fmt.Sprintf("file exceeds the maximum size of %d KB", h.service.MaxSizeBytes()/1024))
			return
		}
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusUnprocessableEntity, CodeValidationError, "file: file is required")
		return
	}
	defer file.Close()

	meta, err := parseMetadata(r)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	var background *bool
	if v := r.FormValue("background"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusUnprocessableEntity, CodeValidationError, "background: must be a boolean")
			return
		}
		background = &b
	}

	result, err := h.service.UploadPublication(r.Context(), identity, meta, &service.FileUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Content:     file,
	}, background)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	if result.Pending != nil {
		w.Header().Set("Location", result.Pending.StatusURL)
		writeJSON(w, http.StatusAccepted, result.Pending)
		return
	}
	writeJSON(w, http.StatusCreated, result.Publication)
}

func parseMetadata(r *http.Request) (domain.UploadMetadata, error) {
	var meta domain.UploadMetadata
	meta.Name = optionalString(r.FormValue("name"))
	meta.Title = optionalString(r.FormValue("title"))
	meta.Description = optionalString(r.FormValue("description"))

	fields := []struct {
		name string
		dst  **int
	}{
		{"year", &meta.Year},
		{"month", &meta.Month},
		{"day", &meta.Day},
		{"page", &meta.Page},
	}
	for _, f := range fields {
		v, err := optionalInt(r.FormValue(f.name))
		if err != nil {
			return meta, &service.ValidationError{Field: f.name, Message: "must be an integer"}
		}
		*f.dst = v
	}
	return meta, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func optionalInt(v string) (*int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// List обрабатывает GET /api/publications?year=&month=&page=&per_page=.
func (h *PublicationHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	year, err := optionalInt(q.Get("year"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "year: must be an integer")
		return
	}
	month, err := optionalInt(q.Get("month"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "month: must be an integer")
		return
	}
	page, err := optionalInt(q.Get("page"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "page: must be an integer")
		return
	}
	perPage, err := optionalInt(q.Get("per_page"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "per_page: must be an integer")
		return
	}

	result, err := h.service.ListPublications(r.Context(), identity, year, month, intOrZero(page), intOrZero(perPage))
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func (h *PublicationHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid publication id")
		return uuid.Nil, false
	}
	return id, true
}

// Get обрабатывает GET /api/publications/{id}.
func (h *PublicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	pub, err := h.service.GetPublication(r.Context(), identity, id)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

// Download отдаёт сохранённый PDF.
func (h *PublicationHandler) Download(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	pub, obj, err := h.service.OpenPublication(r.Context(), identity, id)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", pub.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": pub.OriginalFilename,
	}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj); err != nil {
		h.logger.Warn("download interrupted",
			slog.String("publication_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Thumbnail отдаёт JPEG-превью первой страницы.
func (h *PublicationHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	obj, err := h.service.OpenThumbnail(r.Context(), identity, id)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size(), 10))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj)
}

// Delete обрабатывает DELETE /api/publications/{id}.
func (h *PublicationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeletePublication(r.Context(), identity, id); err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": "deleted",
	})
}

// JobStatus обрабатывает GET /api/jobs/{id}.
func (h *PublicationHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid job id")
		return
	}

	view, err := h.service.JobStatus(r.Context(), identity, id)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
