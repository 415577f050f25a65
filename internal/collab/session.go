// Package collab consumes transport events and reconciles them into the
// local store: slide CRUD from other collaborators, presence, edit locks,
// and editing markers. It filters out echoes of this session's own writes,
// which already landed locally through the optimistic path.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"slidesync/internal/locks"
	"slidesync/internal/models"
	"slidesync/internal/session"
	"slidesync/internal/store"
	"slidesync/internal/transport"
)

// Sender is the outbound half of the transport.
type Sender interface {
	Send(env models.Envelope) bool
}

// SenderFunc adapts a function to the Sender interface. Callers use it to
// break the construction cycle between the session and the transport that
// delivers to it.
type SenderFunc func(env models.Envelope) bool

func (f SenderFunc) Send(env models.Envelope) bool { return f(env) }

type editorInfo struct {
	UserID   string
	UserName string
}

// Callbacks surface remote activity to whatever renders it. All fields are
// optional.
type Callbacks struct {
	SlideCreated  func(slide models.Slide, byName string)
	SlideUpdated  func(slide models.Slide, byName string)
	SlideDeleted  func(slideID string, byName string)
	SlidesReorder func(order []string)
	SlideEditing  func(slideID, userName string)
	SlideLocked   func(lock models.SlideEditLock)
	SlideUnlocked func(slideID string)
	LockDenied    func(lock models.SlideEditLock)
	UserJoined    func(user models.OnlineUser)
	UserLeft      func(userID, userName string)
	RosterChanged func(users []models.OnlineUser)
	LiveSlide     func(data json.RawMessage)
	AlertChanged  func(action models.Action, data json.RawMessage)
	GaveUp        func()
}

type Config struct {
	Session      *session.Session
	Store        *store.Store
	Sender       Sender
	EditedExpiry time.Duration
	LockConfig   locks.Config
	Logger       *slog.Logger
	Callbacks    Callbacks
}

// Session is one client's view of the shared schedule. It implements
// transport.EventSink; inbound messages are handled synchronously in arrival
// order.
type Session struct {
	sess  *session.Session
	store *store.Store
	send  Sender
	locks *locks.Manager
	log   *slog.Logger
	cb    Callbacks

	cancel context.CancelFunc
	// editing tracks which slides other collaborators are actively editing.
	// Entries expire on their own after EditedExpiry so a missed
	// editing-stopped signal (e.g. a dropped connection) cannot wedge a
	// slide.
	editing geche.Geche[string, editorInfo]

	mu     sync.Mutex
	roster []models.OnlineUser
}

var _ transport.EventSink = (*Session)(nil)

func New(cfg Config) *Session {
	if cfg.EditedExpiry == 0 {
		cfg.EditedExpiry = 35 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	lockCfg := cfg.LockConfig
	lockCfg.Session = cfg.Session
	lockCfg.Sender = cfg.Sender
	lockCfg.Logger = cfg.Logger
	if lockCfg.DeniedCallback == nil {
		lockCfg.DeniedCallback = cfg.Callbacks.LockDenied
	}

	s := &Session{
		sess:    cfg.Session,
		store:   cfg.Store,
		send:    cfg.Sender,
		locks:   locks.NewManager(lockCfg),
		log:     cfg.Logger.With("component", "collab", "tabId", cfg.Session.TabID),
		cb:      cfg.Callbacks,
		cancel:  cancel,
		editing: geche.NewMapTTLCache[string, editorInfo](ctx, cfg.EditedExpiry, time.Second),
	}
	return s
}

// Locks exposes the lock manager for lock requests and state queries.
func (s *Session) Locks() *locks.Manager {
	return s.locks
}

// OnlineUsers returns the current roster snapshot.
func (s *Session) OnlineUsers() []models.OnlineUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OnlineUser, len(s.roster))
	copy(out, s.roster)
	return out
}

// IsSlideBeingEdited reports whether someone else is editing the slide.
func (s *Session) IsSlideBeingEdited(slideID string) bool {
	info, err := s.editing.Get(slideID)
	return err == nil && info.UserID != s.sess.UserID
}

// SlideEditor returns the display name of whoever else is editing the slide.
func (s *Session) SlideEditor(slideID string) (string, bool) {
	info, err := s.editing.Get(slideID)
	if err != nil || info.UserID == s.sess.UserID {
		return "", false
	}
	return info.UserName, true
}

// IsSlideLockedByOther reports whether another session holds the edit lock.
func (s *Session) IsSlideLockedByOther(slideID string) bool {
	return s.locks.IsLockedByOther(slideID)
}

// Cleanup releases any held lock, stops all timers, and clears session
// state. Call it exactly once when the session ends.
func (s *Session) Cleanup() {
	s.locks.Cleanup()
	s.cancel()
	s.mu.Lock()
	s.roster = nil
	s.mu.Unlock()
}

// HandleMessage dispatches one inbound envelope. A malformed or unknown
// message is logged and dropped; nothing that happens in here may take the
// event loop down.
func (s *Session) HandleMessage(env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic while handling message",
				"action", env.Action, "panic", r)
		}
	}()

	switch env.Action {
	case models.ActionConnected, models.ActionOnlineUsers:
		s.handlePresence(env, false)
	case models.ActionUserJoined:
		s.handlePresence(env, true)
	case models.ActionUserLeft:
		s.handleUserLeft(env)

	case models.ActionSlideCreated:
		s.handleSlideCreated(env)
	case models.ActionSlideUpdated:
		s.handleSlideUpdated(env)
	case models.ActionSlideDeleted:
		s.handleSlideDeleted(env)
	case models.ActionSlidesBatchCreated:
		s.handleBatchCreated(env)
	case models.ActionSlidesBatchUpdated:
		s.handleBatchUpdated(env)
	case models.ActionSlidesBatchDeleted:
		s.handleBatchDeleted(env)
	case models.ActionSlidesReordered:
		s.handleReordered(env)

	case models.ActionSlideEditing:
		s.handleEditing(env)
	case models.ActionSlideLocked:
		s.handleLocked(env)
	case models.ActionSlideUnlocked:
		s.handleUnlocked(env)
	case models.ActionLockGranted:
		s.handleLockGranted(env)
	case models.ActionLockDenied:
		s.handleLockDenied(env)

	case models.ActionLiveSlide:
		if s.cb.LiveSlide != nil {
			s.cb.LiveSlide(env.Data)
		}
	case models.ActionAddAlert, models.ActionRemoveAlert,
		models.ActionAddOverlay, models.ActionRemoveOverlay:
		if s.cb.AlertChanged != nil {
			s.cb.AlertChanged(env.Action, env.Data)
		}

	default:
		s.log.Warn("dropping message with unknown action", "action", env.Action)
	}
}

func (s *Session) HandleConnected() {
	s.log.Debug("session connected")
}

func (s *Session) HandleDisconnected() {
	s.log.Debug("session disconnected")
}

func (s *Session) HandleError(err error) {
	s.log.Warn("transport error", "error", err)
}

func (s *Session) HandleMaxRetriesReached() {
	s.log.Warn("transport gave up reconnecting")
	if s.cb.GaveUp != nil {
		s.cb.GaveUp()
	}
}

func (s *Session) handleSlideCreated(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) || p.Slide == nil {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		// Own echo: the content already landed through the optimistic path,
		// but the server id and sync confirmation arrive only here.
		s.confirm(*p.Slide)
		return
	}
	added, err := s.store.AppendRemote(*p.Slide)
	if err != nil {
		s.log.Warn("failed to apply remote create", "slideId", p.Slide.ID, "error", err)
		return
	}
	if added && s.cb.SlideCreated != nil {
		s.cb.SlideCreated(*p.Slide, p.ByName)
	}
}

func (s *Session) handleSlideUpdated(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) || p.Slide == nil {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		s.confirm(*p.Slide)
		return
	}
	merged, found, err := s.store.UpdateRemote(*p.Slide)
	if err != nil {
		s.log.Warn("failed to apply remote update", "slideId", p.Slide.ID, "error", err)
		return
	}
	if found && s.cb.SlideUpdated != nil {
		s.cb.SlideUpdated(merged, p.ByName)
	}
}

func (s *Session) handleSlideDeleted(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) || p.SlideID == "" {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		return
	}
	removed, err := s.store.Remove(p.SlideID)
	if err != nil {
		s.log.Warn("failed to apply remote delete", "slideId", p.SlideID, "error", err)
		return
	}
	if removed && s.cb.SlideDeleted != nil {
		s.cb.SlideDeleted(p.SlideID, p.ByName)
	}
}

func (s *Session) handleBatchCreated(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		for _, slide := range p.Slides {
			s.confirm(slide)
		}
		return
	}
	// Per-item application: one bad slide does not roll back the rest.
	for _, slide := range p.Slides {
		if _, err := s.store.AppendRemote(slide); err != nil {
			s.log.Warn("failed to apply one remote batch create", "slideId", slide.ID, "error", err)
		}
	}
	if len(p.Slides) > 0 && s.cb.SlideCreated != nil {
		for _, slide := range p.Slides {
			s.cb.SlideCreated(slide, p.ByName)
		}
	}
}

func (s *Session) handleBatchUpdated(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		for _, slide := range p.Slides {
			s.confirm(slide)
		}
		return
	}
	for _, slide := range p.Slides {
		merged, found, err := s.store.UpdateRemote(slide)
		if err != nil {
			s.log.Warn("failed to apply one remote batch update", "slideId", slide.ID, "error", err)
			continue
		}
		if found && s.cb.SlideUpdated != nil {
			s.cb.SlideUpdated(merged, p.ByName)
		}
	}
}

func (s *Session) handleBatchDeleted(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		return
	}
	for _, id := range p.SlideIDs {
		removed, err := s.store.Remove(id)
		if err != nil {
			s.log.Warn("failed to apply one remote batch delete", "slideId", id, "error", err)
			continue
		}
		if removed && s.cb.SlideDeleted != nil {
			s.cb.SlideDeleted(id, p.ByName)
		}
	}
}

func (s *Session) handleReordered(env models.Envelope) {
	var p models.SlidePayload
	if !s.decode(env, &p) || len(p.SlideOrder) == 0 {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		return
	}
	if err := s.store.Reorder(p.SlideOrder); err != nil {
		s.log.Warn("failed to apply remote reorder", "error", err)
		return
	}
	if s.cb.SlidesReorder != nil {
		s.cb.SlidesReorder(p.SlideOrder)
	}
}

func (s *Session) handleEditing(env models.Envelope) {
	var p models.EditingPayload
	if !s.decode(env, &p) || p.SlideID == "" {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) || p.UserID == s.sess.UserID {
		return
	}
	// Set refreshes the TTL; repeated editing signals keep the marker alive.
	s.editing.Set(p.SlideID, editorInfo{UserID: p.UserID, UserName: p.UserName})
	if s.cb.SlideEditing != nil {
		s.cb.SlideEditing(p.SlideID, p.UserName)
	}
}

func (s *Session) handleLocked(env models.Envelope) {
	var p models.LockPayload
	if !s.decode(env, &p) || p.SlideID == "" {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		return
	}
	lock := models.SlideEditLock{
		SlideID:      p.SlideID,
		LockedBy:     p.LockedBy,
		LockedByName: p.LockedByName,
	}
	s.locks.HandleLocked(lock)
	if s.cb.SlideLocked != nil {
		s.cb.SlideLocked(lock)
	}
}

func (s *Session) handleUnlocked(env models.Envelope) {
	var p models.LockPayload
	if !s.decode(env, &p) || p.SlideID == "" {
		return
	}
	if s.sess.IsLocalEcho(p.TabID) {
		return
	}
	s.locks.HandleUnlocked(p.SlideID)
	_ = s.editing.Del(p.SlideID)
	if s.cb.SlideUnlocked != nil {
		s.cb.SlideUnlocked(p.SlideID)
	}
}

// Lock grant and denial are addressed responses to this session's own
// request, so they are exempt from echo suppression.
func (s *Session) handleLockGranted(env models.Envelope) {
	var p models.LockPayload
	if !s.decode(env, &p) || p.SlideID == "" {
		return
	}
	s.locks.HandleGranted(p.SlideID)
}

func (s *Session) handleLockDenied(env models.Envelope) {
	var p models.LockPayload
	if !s.decode(env, &p) || p.SlideID == "" {
		return
	}
	s.locks.HandleDenied(models.SlideEditLock{
		SlideID:      p.SlideID,
		LockedBy:     p.LockedBy,
		LockedByName: p.LockedByName,
	})
}

// handlePresence applies a roster snapshot. Presence events are never
// echo-suppressed: every session must observe every membership change,
// including its own join.
func (s *Session) handlePresence(env models.Envelope, joined bool) {
	var p models.PresencePayload
	if !s.decode(env, &p) {
		return
	}
	s.setRoster(p.OnlineUsers)

	if joined && p.UserID != "" && s.cb.UserJoined != nil {
		s.cb.UserJoined(models.OnlineUser{
			UserID:     p.UserID,
			UserName:   p.UserName,
			Avatar:     p.Avatar,
			ScheduleID: p.ScheduleID,
			Theme:      p.Theme,
			JoinedAt:   time.Now().UTC(),
		})
	}
}

func (s *Session) handleUserLeft(env models.Envelope) {
	var p models.PresencePayload
	if !s.decode(env, &p) {
		return
	}
	s.setRoster(p.OnlineUsers)
	if p.UserID != "" && s.cb.UserLeft != nil {
		s.cb.UserLeft(p.UserID, p.UserName)
	}
}

func (s *Session) setRoster(users []models.OnlineUser) {
	s.mu.Lock()
	s.roster = users
	s.mu.Unlock()
	if s.cb.RosterChanged != nil {
		s.cb.RosterChanged(users)
	}
}

func (s *Session) confirm(slide models.Slide) {
	if err := s.store.ConfirmSlide(slide); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.log.Warn("failed to confirm own write", "slideId", slide.ID, "error", err)
	}
}

func (s *Session) decode(env models.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.log.Warn("dropping message with malformed payload",
			"action", env.Action, "error", err)
		return false
	}
	return true
}
