// Package locks mirrors the server's per-slide advisory locks on the client.
// The server is the single source of truth: a lock is only considered held by
// this session after an explicit lock-granted, never optimistically.
package locks

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"slidesync/internal/models"
	"slidesync/internal/session"
)

// State of one slide in the lock state machine.
type State int

const (
	Unlocked State = iota
	// Pending means this session requested the lock and is waiting for the
	// server's grant or denial.
	Pending
	LockedBySelf
	LockedByOther
)

// Sender is the outbound half of the transport.
type Sender interface {
	Send(env models.Envelope) bool
}

type entry struct {
	state State
	lock  models.SlideEditLock
	// expiresAt bounds how long a remote lock is trusted without a refresh;
	// the server re-broadcasts held locks, which pushes this forward.
	expiresAt time.Time
}

// Manager tracks lock state per slide and keeps this session's held locks
// refreshed.
type Manager struct {
	sess            *session.Session
	send            Sender
	log             *slog.Logger
	refreshInterval time.Duration
	expiry          time.Duration

	// DeniedCallback is invoked when the server denies a lock request,
	// carrying who currently holds it.
	DeniedCallback func(lock models.SlideEditLock)

	mu          sync.Mutex
	entries     map[string]*entry
	held        map[string]struct{}
	refreshStop chan struct{}
}

type Config struct {
	Session         *session.Session
	Sender          Sender
	RefreshInterval time.Duration
	Expiry          time.Duration
	Logger          *slog.Logger
	DeniedCallback  func(lock models.SlideEditLock)
}

func NewManager(cfg Config) *Manager {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 15 * time.Second
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = 35 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		sess:            cfg.Session,
		send:            cfg.Sender,
		log:             cfg.Logger.With("component", "locks"),
		refreshInterval: cfg.RefreshInterval,
		expiry:          cfg.Expiry,
		DeniedCallback:  cfg.DeniedCallback,
		entries:         make(map[string]*entry),
		held:            make(map[string]struct{}),
	}
}

// Request asks the server for the edit lock on a slide. The local state moves
// to Pending until the server answers.
func (m *Manager) Request(slideID string) {
	m.mu.Lock()
	e := m.entryLocked(slideID)
	if e.state == LockedBySelf || e.state == Pending {
		m.mu.Unlock()
		return
	}
	e.state = Pending
	m.mu.Unlock()

	env, _ := models.NewEnvelope(models.ActionLockSlide, models.LockPayload{
		TabID:   m.sess.TabID,
		SlideID: slideID,
	})
	m.send.Send(env)
}

// Release gives up the lock on a slide if this session holds or requested it.
func (m *Manager) Release(slideID string) {
	m.mu.Lock()
	e, ok := m.entries[slideID]
	if !ok || (e.state != LockedBySelf && e.state != Pending) {
		m.mu.Unlock()
		return
	}
	delete(m.entries, slideID)
	m.dropHeldLocked(slideID)
	m.mu.Unlock()

	env, _ := models.NewEnvelope(models.ActionUnlockSlide, models.LockPayload{
		TabID:   m.sess.TabID,
		SlideID: slideID,
	})
	m.send.Send(env)
}

// HandleGranted is called when the server granted this session's request.
func (m *Manager) HandleGranted(slideID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(slideID)
	e.state = LockedBySelf
	e.lock = models.SlideEditLock{
		SlideID:      slideID,
		LockedBy:     m.sess.UserID,
		LockedByName: m.sess.UserName,
	}
	e.expiresAt = time.Now().Add(m.expiry)
	m.held[slideID] = struct{}{}
	m.startRefreshLocked()
}

// HandleDenied is called when the server denied a lock request or refuted a
// refresh. Any local claim on the slide is dropped, including a stale
// LockedBySelf whose server-side lock expired while this session was away;
// the holder, if any, is reported through DeniedCallback.
func (m *Manager) HandleDenied(lock models.SlideEditLock) {
	m.mu.Lock()
	delete(m.entries, lock.SlideID)
	m.dropHeldLocked(lock.SlideID)
	cb := m.DeniedCallback
	m.mu.Unlock()

	m.log.Debug("lock denied", "slideId", lock.SlideID, "holder", lock.LockedByName)
	if cb != nil {
		cb(lock)
	}
}

// HandleLocked records a lock broadcast. The session drops this tab's own
// echoes before calling, so a broadcast for a slide in LockedBySelf means the
// server expired our lock and granted it to another session; the stale
// self-lock is superseded, not refreshed.
func (m *Manager) HandleLocked(lock models.SlideEditLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ours := m.held[lock.SlideID]; ours {
		m.log.Warn("held lock taken over", "slideId", lock.SlideID, "holder", lock.LockedByName)
		m.dropHeldLocked(lock.SlideID)
	}
	e := m.entryLocked(lock.SlideID)
	e.state = LockedByOther
	e.lock = lock
	e.expiresAt = time.Now().Add(m.expiry)
}

// HandleUnlocked clears the lock state for a slide.
func (m *Manager) HandleUnlocked(slideID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, slideID)
	m.dropHeldLocked(slideID)
}

// StateOf returns the lock state of a slide. Remote locks past their expiry
// window count as Unlocked; a missed unlock broadcast must not wedge a slide
// forever.
func (m *Manager) StateOf(slideID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[slideID]
	if !ok {
		return Unlocked
	}
	if e.state == LockedByOther && time.Now().After(e.expiresAt) {
		delete(m.entries, slideID)
		return Unlocked
	}
	return e.state
}

// Holder returns the lock record for a slide, if any.
func (m *Manager) Holder(slideID string) (models.SlideEditLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[slideID]
	if !ok || e.state == Unlocked || e.state == Pending {
		return models.SlideEditLock{}, false
	}
	if e.state == LockedByOther && time.Now().After(e.expiresAt) {
		delete(m.entries, slideID)
		return models.SlideEditLock{}, false
	}
	return e.lock, true
}

// IsLockedByOther reports whether someone else holds the slide's lock.
func (m *Manager) IsLockedByOther(slideID string) bool {
	return m.StateOf(slideID) == LockedByOther
}

// Cleanup releases all held locks (best effort, fire and forget) and stops
// the refresh timer.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	held := m.heldLocked()
	m.held = make(map[string]struct{})
	m.stopRefreshLocked()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, slideID := range held {
		env, _ := models.NewEnvelope(models.ActionUnlockSlide, models.LockPayload{
			TabID:   m.sess.TabID,
			SlideID: slideID,
		})
		m.send.Send(env)
	}
}

// heldLocked returns the held slide ids in a stable order.
func (m *Manager) heldLocked() []string {
	ids := make([]string, 0, len(m.held))
	for id := range m.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dropHeldLocked removes a slide from the held set and stops the refresh
// timer once nothing is held anymore.
func (m *Manager) dropHeldLocked(slideID string) {
	if _, ok := m.held[slideID]; !ok {
		return
	}
	delete(m.held, slideID)
	if len(m.held) == 0 {
		m.stopRefreshLocked()
	}
}

func (m *Manager) entryLocked(slideID string) *entry {
	e, ok := m.entries[slideID]
	if !ok {
		e = &entry{}
		m.entries[slideID] = e
	}
	return e
}

// startRefreshLocked re-asserts every held lock each refresh interval so the
// server-side expiry never fires while this session is alive. A single timer
// covers all held locks.
func (m *Manager) startRefreshLocked() {
	if m.refreshStop != nil {
		return
	}
	stop := make(chan struct{})
	m.refreshStop = stop

	go func() {
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				ids := m.heldLocked()
				for _, id := range ids {
					if e, ok := m.entries[id]; ok {
						e.expiresAt = time.Now().Add(m.expiry)
					}
				}
				m.mu.Unlock()
				if len(ids) == 0 {
					return
				}
				for _, id := range ids {
					env, _ := models.NewEnvelope(models.ActionRefreshLock, models.LockPayload{
						TabID:   m.sess.TabID,
						SlideID: id,
					})
					m.send.Send(env)
				}
			}
		}
	}()
}

func (m *Manager) stopRefreshLocked() {
	if m.refreshStop != nil {
		close(m.refreshStop)
		m.refreshStop = nil
	}
}
