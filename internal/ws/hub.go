// Package ws is the realtime side of the server: one room per schedule,
// presence tracking, the authoritative slide edit lock table, and fan-out of
// slide mutations to every connected tab.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidesync/internal/content"
	"slidesync/internal/models"
)

// Storage is the subset of the server store the hub writes through to.
type Storage interface {
	UpsertSlide(slide models.Slide) error
	DeleteSlide(scheduleID, id string) error
	ReorderSlides(scheduleID string, order []string) error
}

// ClientInfo identifies one connected tab.
type ClientInfo struct {
	TabID      string
	UserID     string
	UserName   string
	Avatar     string
	Theme      string
	ScheduleID string
}

type client struct {
	ClientInfo
	joinedAt time.Time
	ch       chan models.Envelope
}

type lockEntry struct {
	tabID     string
	userID    string
	userName  string
	expiresAt time.Time
}

type Hub struct {
	storage    Storage
	log        *slog.Logger
	lockExpiry time.Duration

	mu sync.RWMutex
	// tabID -> client; every client is also in exactly one room.
	clients map[string]*client
	// scheduleID -> tabID -> client
	rooms map[string]map[string]*client
	// scheduleID -> slideID -> holder
	locks map[string]map[string]lockEntry
}

func NewHub(storage Storage, lockExpiry time.Duration, log *slog.Logger) *Hub {
	if lockExpiry == 0 {
		lockExpiry = 35 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		storage:    storage,
		log:        log.With("component", "hub"),
		lockExpiry: lockExpiry,
		clients:    make(map[string]*client),
		rooms:      make(map[string]map[string]*client),
		locks:      make(map[string]map[string]lockEntry),
	}
}

// Run sweeps expired locks until ctx is done. A lock whose holder stopped
// refreshing it (crashed tab, dead network) is released and the release is
// broadcast like a voluntary unlock.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			h.sweepExpiredLocks(now)
		}
	}
}

func (h *Hub) sweepExpiredLocks(now time.Time) {
	type expired struct {
		scheduleID string
		slideID    string
	}
	var gone []expired

	h.mu.Lock()
	for scheduleID, slides := range h.locks {
		for slideID, e := range slides {
			if now.After(e.expiresAt) {
				delete(slides, slideID)
				gone = append(gone, expired{scheduleID, slideID})
			}
		}
	}
	h.mu.Unlock()

	for _, g := range gone {
		h.log.Info("releasing expired lock", "scheduleId", g.scheduleID, "slideId", g.slideID)
		h.broadcast(g.scheduleID, models.ActionSlideUnlocked, models.LockPayload{
			SlideID: g.slideID,
		})
	}
}

// Join registers a tab in its schedule's room and returns its outbound
// channel. Everyone in the room, the new tab included, gets a user-joined
// with the updated roster; the new tab additionally gets a connected message
// so it can tell its own arrival apart.
func (h *Hub) Join(info ClientInfo) chan models.Envelope {
	c := &client{
		ClientInfo: info,
		joinedAt:   time.Now().UTC(),
		ch:         make(chan models.Envelope, 100),
	}

	h.mu.Lock()
	h.clients[info.TabID] = c
	room := h.rooms[info.ScheduleID]
	if room == nil {
		room = make(map[string]*client)
		h.rooms[info.ScheduleID] = room
	}
	room[info.TabID] = c
	roster := h.rosterLocked(info.ScheduleID)
	h.mu.Unlock()

	presence := models.PresencePayload{
		UserID:      info.UserID,
		UserName:    info.UserName,
		Avatar:      info.Avatar,
		ScheduleID:  info.ScheduleID,
		Theme:       info.Theme,
		OnlineUsers: roster,
	}
	h.sendTo(c, mustEnvelope(models.ActionConnected, presence))
	h.broadcast(info.ScheduleID, models.ActionUserJoined, presence)

	return c.ch
}

// Leave unregisters a tab, releases every lock it held, and broadcasts the
// departure with the shrunk roster.
func (h *Hub) Leave(tabID string) {
	h.mu.Lock()
	c, ok := h.clients[tabID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, tabID)
	if room, ok := h.rooms[c.ScheduleID]; ok {
		delete(room, tabID)
		if len(room) == 0 {
			delete(h.rooms, c.ScheduleID)
		}
	}

	var released []string
	if slides, ok := h.locks[c.ScheduleID]; ok {
		for slideID, e := range slides {
			if e.tabID == tabID {
				delete(slides, slideID)
				released = append(released, slideID)
			}
		}
	}
	roster := h.rosterLocked(c.ScheduleID)
	close(c.ch)
	h.mu.Unlock()

	for _, slideID := range released {
		h.broadcast(c.ScheduleID, models.ActionSlideUnlocked, models.LockPayload{
			SlideID: slideID,
		})
	}
	h.broadcast(c.ScheduleID, models.ActionUserLeft, models.PresencePayload{
		UserID:      c.UserID,
		UserName:    c.UserName,
		ScheduleID:  c.ScheduleID,
		OnlineUsers: roster,
	})
}

// Dispatch handles one message from a connected tab.
func (h *Hub) Dispatch(tabID string, env models.Envelope) {
	h.mu.RLock()
	c, ok := h.clients[tabID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	switch env.Action {
	case models.ActionPing:
		h.sendTo(c, models.Envelope{Action: models.ActionPong})
	case models.ActionGetOnlineUsers:
		h.mu.RLock()
		roster := h.rosterLocked(c.ScheduleID)
		h.mu.RUnlock()
		h.sendTo(c, mustEnvelope(models.ActionOnlineUsers, models.PresencePayload{
			ScheduleID:  c.ScheduleID,
			OnlineUsers: roster,
		}))

	case models.ActionLockSlide:
		h.handleLockRequest(c, env)
	case models.ActionUnlockSlide:
		h.handleUnlock(c, env)
	case models.ActionRefreshLock:
		h.handleRefreshLock(c, env)

	case models.ActionCreateSlide, models.ActionUpdateSlide:
		h.handleSlideWrite(c, env)
	case models.ActionDeleteSlide:
		h.handleSlideDelete(c, env)
	case models.ActionBatchCreateSlides, models.ActionBatchUpdateSlides:
		h.handleBatchWrite(c, env)
	case models.ActionBatchDeleteSlides:
		h.handleBatchDelete(c, env)
	case models.ActionReorderSlides:
		h.handleReorder(c, env)

	case models.ActionSlideEditing:
		// Relayed verbatim; edit markers live only on the clients.
		h.broadcastRaw(c.ScheduleID, env)
	case models.ActionLiveSlide, models.ActionAddAlert, models.ActionRemoveAlert,
		models.ActionAddOverlay, models.ActionRemoveOverlay:
		h.broadcastRaw(c.ScheduleID, env)

	default:
		h.log.Warn("dropping message with unknown action", "action", env.Action, "tabId", tabID)
	}
}

func (h *Hub) handleLockRequest(c *client, env models.Envelope) {
	var p models.LockPayload
	if !h.decode(env, &p) || p.SlideID == "" {
		return
	}

	h.mu.Lock()
	slides := h.locks[c.ScheduleID]
	if slides == nil {
		slides = make(map[string]lockEntry)
		h.locks[c.ScheduleID] = slides
	}
	e, held := slides[p.SlideID]
	if held && e.tabID != c.TabID && time.Now().Before(e.expiresAt) {
		h.mu.Unlock()
		h.sendTo(c, mustEnvelope(models.ActionLockDenied, models.LockPayload{
			SlideID:      p.SlideID,
			LockedBy:     e.userID,
			LockedByName: e.userName,
		}))
		return
	}
	slides[p.SlideID] = lockEntry{
		tabID:     c.TabID,
		userID:    c.UserID,
		userName:  c.UserName,
		expiresAt: time.Now().Add(h.lockExpiry),
	}
	h.mu.Unlock()

	h.sendTo(c, mustEnvelope(models.ActionLockGranted, models.LockPayload{
		SlideID:      p.SlideID,
		LockedBy:     c.UserID,
		LockedByName: c.UserName,
	}))
	h.broadcast(c.ScheduleID, models.ActionSlideLocked, models.LockPayload{
		TabID:        c.TabID,
		SlideID:      p.SlideID,
		LockedBy:     c.UserID,
		LockedByName: c.UserName,
	})
}

func (h *Hub) handleUnlock(c *client, env models.Envelope) {
	var p models.LockPayload
	if !h.decode(env, &p) || p.SlideID == "" {
		return
	}

	h.mu.Lock()
	slides := h.locks[c.ScheduleID]
	e, held := slides[p.SlideID]
	if !held || e.tabID != c.TabID {
		h.mu.Unlock()
		return
	}
	delete(slides, p.SlideID)
	h.mu.Unlock()

	h.broadcast(c.ScheduleID, models.ActionSlideUnlocked, models.LockPayload{
		TabID:   c.TabID,
		SlideID: p.SlideID,
	})
}

func (h *Hub) handleRefreshLock(c *client, env models.Envelope) {
	var p models.LockPayload
	if !h.decode(env, &p) || p.SlideID == "" {
		return
	}

	h.mu.Lock()
	slides := h.locks[c.ScheduleID]
	e, held := slides[p.SlideID]
	if !held || e.tabID != c.TabID {
		// The lock expired and may be gone or taken; the holder must
		// re-request, not silently keep editing. Holder fields stay empty
		// when nobody holds the lock anymore.
		denied := models.LockPayload{SlideID: p.SlideID}
		if held {
			denied.LockedBy = e.userID
			denied.LockedByName = e.userName
		}
		h.mu.Unlock()
		h.sendTo(c, mustEnvelope(models.ActionLockDenied, denied))
		return
	}
	e.expiresAt = time.Now().Add(h.lockExpiry)
	slides[p.SlideID] = e
	h.mu.Unlock()

	h.broadcast(c.ScheduleID, models.ActionSlideLocked, models.LockPayload{
		TabID:        c.TabID,
		SlideID:      p.SlideID,
		LockedBy:     c.UserID,
		LockedByName: c.UserName,
	})
}

func (h *Hub) handleSlideWrite(c *client, env models.Envelope) {
	var p models.SlidePayload
	if !h.decode(env, &p) || p.Slide == nil {
		return
	}

	slide := h.prepareSlide(c, *p.Slide)
	if err := h.storage.UpsertSlide(slide); err != nil {
		h.log.Error("failed to persist slide", "slideId", slide.ID, "error", err)
		return
	}

	echoAction := models.ActionSlideCreated
	if env.Action == models.ActionUpdateSlide {
		echoAction = models.ActionSlideUpdated
	}
	h.broadcast(c.ScheduleID, echoAction, models.SlidePayload{
		TabID:  c.TabID,
		ByID:   c.UserID,
		ByName: c.UserName,
		Slide:  &slide,
	})
}

func (h *Hub) handleSlideDelete(c *client, env models.Envelope) {
	var p models.SlidePayload
	if !h.decode(env, &p) || p.SlideID == "" {
		return
	}
	if err := h.storage.DeleteSlide(c.ScheduleID, p.SlideID); err != nil {
		h.log.Error("failed to delete slide", "slideId", p.SlideID, "error", err)
		return
	}
	h.broadcast(c.ScheduleID, models.ActionSlideDeleted, models.SlidePayload{
		TabID:   c.TabID,
		ByID:    c.UserID,
		ByName:  c.UserName,
		SlideID: p.SlideID,
	})
}

func (h *Hub) handleBatchWrite(c *client, env models.Envelope) {
	var p models.SlidePayload
	if !h.decode(env, &p) || len(p.Slides) == 0 {
		return
	}

	// One bad slide does not block the rest of the batch.
	persisted := make([]models.Slide, 0, len(p.Slides))
	for _, raw := range p.Slides {
		slide := h.prepareSlide(c, raw)
		if err := h.storage.UpsertSlide(slide); err != nil {
			h.log.Error("failed to persist one slide of batch", "slideId", slide.ID, "error", err)
			continue
		}
		persisted = append(persisted, slide)
	}
	if len(persisted) == 0 {
		return
	}

	echoAction := models.ActionSlidesBatchCreated
	if env.Action == models.ActionBatchUpdateSlides {
		echoAction = models.ActionSlidesBatchUpdated
	}
	h.broadcast(c.ScheduleID, echoAction, models.SlidePayload{
		TabID:  c.TabID,
		ByID:   c.UserID,
		ByName: c.UserName,
		Slides: persisted,
	})
}

func (h *Hub) handleBatchDelete(c *client, env models.Envelope) {
	var p models.SlidePayload
	if !h.decode(env, &p) || len(p.SlideIDs) == 0 {
		return
	}

	deleted := make([]string, 0, len(p.SlideIDs))
	for _, id := range p.SlideIDs {
		if err := h.storage.DeleteSlide(c.ScheduleID, id); err != nil {
			h.log.Error("failed to delete one slide of batch", "slideId", id, "error", err)
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) == 0 {
		return
	}

	h.broadcast(c.ScheduleID, models.ActionSlidesBatchDeleted, models.SlidePayload{
		TabID:    c.TabID,
		ByID:     c.UserID,
		ByName:   c.UserName,
		SlideIDs: deleted,
	})
}

func (h *Hub) handleReorder(c *client, env models.Envelope) {
	var p models.SlidePayload
	if !h.decode(env, &p) || len(p.SlideOrder) == 0 {
		return
	}
	if err := h.storage.ReorderSlides(c.ScheduleID, p.SlideOrder); err != nil {
		h.log.Error("failed to persist reorder", "error", err)
		return
	}
	h.broadcast(c.ScheduleID, models.ActionSlidesReordered, models.SlidePayload{
		TabID:      c.TabID,
		ByID:       c.UserID,
		ByName:     c.UserName,
		SlideOrder: p.SlideOrder,
	})
}

// prepareSlide sanitizes incoming text and assigns a server id on first
// write. The client id stays untouched so the writer can correlate the echo.
func (h *Hub) prepareSlide(c *client, slide models.Slide) models.Slide {
	slide = content.SanitizeSlide(slide)
	slide.ScheduleID = c.ScheduleID
	if slide.ServerID == "" {
		slide.ServerID = uuid.NewString()
	}
	slide.UpdatedAt = time.Now().UTC()
	slide.LastUpdated = slide.UpdatedAt
	slide.SyncState = models.SyncStateSynced
	return slide
}

// rosterLocked snapshots a room's membership, one entry per user even when a
// user has several tabs open. Callers hold h.mu.
func (h *Hub) rosterLocked(scheduleID string) []models.OnlineUser {
	seen := make(map[string]bool)
	var roster []models.OnlineUser
	for _, c := range h.rooms[scheduleID] {
		if seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		roster = append(roster, models.OnlineUser{
			UserID:     c.UserID,
			UserName:   c.UserName,
			Avatar:     c.Avatar,
			ScheduleID: c.ScheduleID,
			Theme:      c.Theme,
			JoinedAt:   c.joinedAt,
		})
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].UserName < roster[j].UserName
	})
	return roster
}

// Broadcast fans a slide event into a room on behalf of the REST API, so
// changes applied over HTTP (queued offline writes being replayed) reach
// connected tabs too.
func (h *Hub) Broadcast(scheduleID string, action models.Action, payload any) {
	h.broadcast(scheduleID, action, payload)
}

func (h *Hub) broadcast(scheduleID string, action models.Action, payload any) {
	h.broadcastRaw(scheduleID, mustEnvelope(action, payload))
}

// broadcastRaw fans an envelope out to every tab in the room, the origin
// included; origins filter their own echoes by tab id.
func (h *Hub) broadcastRaw(scheduleID string, env models.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[scheduleID] {
		h.sendToLocked(c, env)
	}
}

func (h *Hub) sendTo(c *client, env models.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendToLocked(c, env)
}

func (h *Hub) sendToLocked(c *client, env models.Envelope) {
	select {
	case c.ch <- env:
	default:
		h.log.Warn("dropping message for slow client", "tabId", c.TabID, "action", env.Action)
	}
}

func (h *Hub) decode(env models.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		h.log.Warn("dropping message with malformed payload", "action", env.Action, "error", err)
		return false
	}
	return true
}

func mustEnvelope(action models.Action, payload any) models.Envelope {
	env, err := models.NewEnvelope(action, payload)
	if err != nil {
		// Payloads are our own structs; this cannot fail at runtime.
		panic(err)
	}
	return env
}
