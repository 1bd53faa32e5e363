package video

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"vidstream/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.repo.List(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}

	writeJSON(w, http.StatusOK, videos)
}

func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid video id")
		return
	}

	v, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load video")
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	v, err := h.repo.Create(r.Context(), ownerID, input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create video")
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) UpdateVideo(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid video id")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	v, err := h.repo.Update(r.Context(), id, ownerID, input)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeOwnershipError(w, r, id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update video")
		sentry.CaptureException(err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid video id")
		return
	}

	err := h.repo.Delete(r.Context(), id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeOwnershipError(w, r, id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete video")
		sentry.CaptureException(err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeOwnershipError distinguishes "no such video" from "not yours": the
// owner-scoped mutation matched no row, so look the video up once more.
func (h *Handler) writeOwnershipError(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.repo.GetByID(r.Context(), id); err == nil {
		writeError(w, http.StatusForbidden, "only the owner may modify this video")
		return
	}
	writeError(w, http.StatusNotFound, "video not found")
}

func parseInput(w http.ResponseWriter, r *http.Request) (VideoInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input VideoInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return VideoInput{}, false
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	input.VideoURL = strings.TrimSpace(input.VideoURL)
	input.ThumbnailURL = strings.TrimSpace(input.ThumbnailURL)

	if input.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return VideoInput{}, false
	}
	if !utf8.ValidString(input.Title) || len(input.Title) > 150 {
		writeError(w, http.StatusBadRequest, "title is invalid")
		return VideoInput{}, false
	}
	if !utf8.ValidString(input.Description) || len(input.Description) > 2000 {
		writeError(w, http.StatusBadRequest, "description is invalid")
		return VideoInput{}, false
	}
	if input.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "video_url is required")
		return VideoInput{}, false
	}
	if !validHTTPURL(input.VideoURL) {
		writeError(w, http.StatusBadRequest, "video_url must be a valid http(s) link")
		return VideoInput{}, false
	}
	if input.ThumbnailURL != "" && !validHTTPURL(input.ThumbnailURL) {
		writeError(w, http.StatusBadRequest, "thumbnail_url must be a valid http(s) link")
		return VideoInput{}, false
	}

	return input, true
}

func validHTTPURL(value string) bool {
	if len(value) > 500 {
		return false
	}
	parsed, err := url.ParseRequestURI(value)
	if err != nil || parsed.Host == "" || parsed.User != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
