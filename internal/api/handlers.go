// Package api holds the REST handlers. Every response uses the same
// envelope: {"data": ...} on success, {"error": "..."} on failure. The REST
// surface exists for the clients' offline retry queue; live collaboration
// flows over the websocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"slidesync/internal/content"
	"slidesync/internal/filestore"
	"slidesync/internal/models"
	"slidesync/internal/storage"
)

// Notifier fans REST-applied slide changes out to connected tabs.
type Notifier interface {
	Broadcast(scheduleID string, action models.Action, payload any)
}

type Handlers struct {
	storage   *storage.BboltStorage
	filestore filestore.Store
	notifier  Notifier
	log       *slog.Logger
}

func New(storage *storage.BboltStorage, filestore filestore.Store, notifier Notifier, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		storage:   storage,
		filestore: filestore,
		notifier:  notifier,
		log:       log.With("component", "api"),
	}
}

type batchRequest struct {
	Slides   []models.Slide `json:"slides,omitempty"`
	SlideIDs []string       `json:"slideIds,omitempty"`
}

type batchResult struct {
	Succeeded []models.Slide `json:"succeeded"`
	FailedIDs []string       `json:"failedIds,omitempty"`
}

// ListSchedules handles GET /church/{churchID}/schedules.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	churchID := mux.Vars(r)["churchID"]
	schedules, err := h.storage.ListSchedules(churchID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	h.writeData(w, schedules)
}

// CreateSchedule handles POST /church/{churchID}/schedules.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	churchID := mux.Vars(r)["churchID"]

	var sched models.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sched.Name = content.SanitizeText(sched.Name)
	if err := content.ValidateScheduleName(sched.Name); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	sched.ChurchID = churchID
	if sched.ServerID == "" {
		sched.ServerID = uuid.NewString()
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	sched.LastUpdated = now
	sched.SyncState = models.SyncStateSynced

	if err := h.storage.UpsertSchedule(sched); err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to save schedule")
		return
	}
	h.writeData(w, sched)
}

// ListSlides handles GET /church/{churchID}/schedules/{scheduleID}/slides.
func (h *Handlers) ListSlides(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]
	slides, err := h.storage.ListSlides(scheduleID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list slides")
		return
	}
	h.writeData(w, slides)
}

// CreateSlide handles POST /church/{churchID}/schedules/{scheduleID}/slides.
func (h *Handlers) CreateSlide(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]

	var slide models.Slide
	if err := json.NewDecoder(r.Body).Decode(&slide); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	slide = h.prepareSlide(scheduleID, slide)
	if err := h.storage.UpsertSlide(slide); err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to save slide")
		return
	}
	h.notifier.Broadcast(scheduleID, models.ActionSlideCreated, models.SlidePayload{Slide: &slide})
	h.writeData(w, slide)
}

// UpdateSlide handles PUT /church/{churchID}/schedules/{scheduleID}/slides/{slideID}.
func (h *Handlers) UpdateSlide(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scheduleID := vars["scheduleID"]

	var slide models.Slide
	if err := json.NewDecoder(r.Body).Decode(&slide); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if slide.ServerID == "" {
		slide.ServerID = vars["slideID"]
	}

	slide = h.prepareSlide(scheduleID, slide)
	if err := h.storage.UpsertSlide(slide); err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to save slide")
		return
	}
	h.notifier.Broadcast(scheduleID, models.ActionSlideUpdated, models.SlidePayload{Slide: &slide})
	h.writeData(w, slide)
}

// DeleteSlide handles DELETE /church/{churchID}/schedules/{scheduleID}/slides/{slideID}.
func (h *Handlers) DeleteSlide(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scheduleID := vars["scheduleID"]
	slideID := vars["slideID"]

	if err := h.storage.DeleteSlide(scheduleID, slideID); err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to delete slide")
		return
	}
	h.notifier.Broadcast(scheduleID, models.ActionSlideDeleted, models.SlidePayload{SlideID: slideID})
	h.writeData(w, map[string]string{"deleted": slideID})
}

// BatchSlides handles POST, PUT and DELETE on
// /church/{churchID}/schedules/{scheduleID}/slides/batch. Partial failures
// are not HTTP errors: the response carries the succeeded subset and the
// failed ids, and the caller keeps the remainder pending.
func (h *Handlers) BatchSlides(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var result batchResult
	if r.Method == http.MethodDelete {
		for _, id := range req.SlideIDs {
			if err := h.storage.DeleteSlide(scheduleID, id); err != nil {
				h.log.Error("failed to delete one slide of batch", "slideId", id, "error", err)
				result.FailedIDs = append(result.FailedIDs, id)
				continue
			}
			h.notifier.Broadcast(scheduleID, models.ActionSlideDeleted, models.SlidePayload{SlideID: id})
		}
		h.writeData(w, result)
		return
	}

	action := models.ActionSlideCreated
	if r.Method == http.MethodPut {
		action = models.ActionSlideUpdated
	}
	for _, raw := range req.Slides {
		slide := h.prepareSlide(scheduleID, raw)
		if err := h.storage.UpsertSlide(slide); err != nil {
			h.log.Error("failed to save one slide of batch", "slideId", slide.ID, "error", err)
			result.FailedIDs = append(result.FailedIDs, slide.Key())
			continue
		}
		result.Succeeded = append(result.Succeeded, slide)
		h.notifier.Broadcast(scheduleID, action, models.SlidePayload{Slide: &slide})
	}
	h.writeData(w, result)
}

// SaveSchedule handles POST /church/{churchID}/schedules/{scheduleID}/save.
func (h *Handlers) SaveSchedule(w http.ResponseWriter, r *http.Request) {
	h.setScheduleSaved(w, r, true)
}

// UnsaveSchedule handles POST /church/{churchID}/schedules/{scheduleID}/unsave.
func (h *Handlers) UnsaveSchedule(w http.ResponseWriter, r *http.Request) {
	h.setScheduleSaved(w, r, false)
}

func (h *Handlers) setScheduleSaved(w http.ResponseWriter, r *http.Request, saved bool) {
	scheduleID := mux.Vars(r)["scheduleID"]
	if err := h.storage.SetScheduleSaved(scheduleID, saved); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	h.writeData(w, map[string]bool{"saved": saved})
}

func (h *Handlers) prepareSlide(scheduleID string, slide models.Slide) models.Slide {
	slide = content.SanitizeSlide(slide)
	slide.ScheduleID = scheduleID
	if slide.ServerID == "" {
		slide.ServerID = uuid.NewString()
	}
	slide.UpdatedAt = time.Now().UTC()
	slide.LastUpdated = slide.UpdatedAt
	slide.SyncState = models.SyncStateSynced
	return slide
}

func (h *Handlers) writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": v}); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		h.log.Error("failed to encode error response", "error", err)
	}
}
