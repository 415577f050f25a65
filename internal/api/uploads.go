package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/h2non/filetype"

	"slidesync/internal/storage"
)

// maxUploadSize bounds background media uploads at 50 MiB.
const maxUploadSize = 50 << 20

// UploadMedia handles POST /church/{churchID}/uploads. The body is a
// multipart form with a "file" field holding slide background media. The
// content type is sniffed from the bytes, not trusted from the request.
func (h *Handlers) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		h.writeError(w, http.StatusUnsupportedMediaType, "unrecognized file type")
		return
	}
	if !filetype.IsImage(data) && !filetype.IsVideo(data) {
		h.writeError(w, http.StatusUnsupportedMediaType, "only image and video backgrounds are allowed")
		return
	}

	hash, size, err := h.filestore.Put(bytes.NewReader(data))
	if err != nil {
		h.log.Error("failed to store upload", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	meta := storage.FileMetadata{
		ID:         uuid.NewString(),
		Hash:       hash,
		Name:       header.Filename,
		MimeType:   kind.MIME.Value,
		Size:       size,
		CreatedAt:  time.Now().Unix(),
		UserID:     r.URL.Query().Get("user_id"),
		ScheduleID: r.URL.Query().Get("schedule_id"),
	}
	if err := h.storage.UpsertFileMetadata(meta); err != nil {
		h.log.Error("failed to store file metadata", "id", meta.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to store file metadata")
		return
	}

	h.writeData(w, map[string]string{
		"id":       meta.ID,
		"mimeType": meta.MimeType,
	})
}

// GetMedia handles GET /uploads/{id}, streaming the stored media back.
func (h *Handlers) GetMedia(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	meta, err := h.storage.GetFileMetadata(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "file not found")
		return
	}

	f, err := h.filestore.Open(meta.Hash)
	if err != nil {
		h.log.Error("file metadata exists but content is missing", "id", id, "hash", meta.Hash)
		h.writeError(w, http.StatusNotFound, "file content not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		h.log.Debug("failed to stream file", "id", id, "error", err)
	}
}

// DeleteMedia handles DELETE /uploads/{id}. Identical uploads share one blob,
// so the bytes are removed only when no other metadata record references the
// same hash.
func (h *Handlers) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	meta, err := h.storage.GetFileMetadata(id)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load file metadata", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	if err := h.storage.DeleteFileMetadata(id); err != nil {
		h.log.Error("failed to delete file metadata", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	inUse, err := h.storage.HashInUse(meta.Hash)
	if err != nil {
		h.log.Error("failed to check media references", "hash", meta.Hash, "error", err)
	} else if !inUse {
		if err := h.filestore.Remove(meta.Hash); err != nil {
			h.log.Error("failed to remove media", "hash", meta.Hash, "error", err)
		}
	}

	h.writeData(w, map[string]string{"id": id})
}
