package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"slidesync/internal/models"
)

type fakeStorage struct {
	mu       sync.Mutex
	slides   map[string]models.Slide
	deleted  []string
	order    []string
	failNext bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{slides: make(map[string]models.Slide)}
}

func (f *fakeStorage) UpsertSlide(slide models.Slide) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("storage down")
	}
	f.slides[slide.ID] = slide
	return nil
}

func (f *fakeStorage) DeleteSlide(scheduleID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStorage) ReorderSlides(scheduleID string, order []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = order
	return nil
}

func (f *fakeStorage) slide(id string) (models.Slide, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slides[id]
	return s, ok
}

func joinTab(t *testing.T, h *Hub, tabID, userID, userName, scheduleID string) chan models.Envelope {
	t.Helper()
	return h.Join(ClientInfo{
		TabID:      tabID,
		UserID:     userID,
		UserName:   userName,
		ScheduleID: scheduleID,
	})
}

func recv(t *testing.T, ch chan models.Envelope) models.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for message")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return models.Envelope{}
}

func recvAction(t *testing.T, ch chan models.Envelope, action models.Action) models.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %s", action)
			}
			if env.Action == action {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", action)
		}
	}
}

func decodePayload[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decoding %s payload: %v", env.Action, err)
	}
	return p
}

func envelopeFor(t *testing.T, action models.Action, payload any) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(action, payload)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestJoinSendsConnectedAndBroadcastsJoin(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")

	env := recv(t, chA)
	if env.Action != models.ActionConnected {
		t.Fatalf("first message = %s, want connected", env.Action)
	}
	p := decodePayload[models.PresencePayload](t, env)
	if len(p.OnlineUsers) != 1 || p.OnlineUsers[0].UserID != "u1" {
		t.Errorf("roster = %+v", p.OnlineUsers)
	}
	// The joiner also sees its own user-joined broadcast.
	recvAction(t, chA, models.ActionUserJoined)

	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")
	joined := recvAction(t, chA, models.ActionUserJoined)
	p = decodePayload[models.PresencePayload](t, joined)
	if p.UserID != "u2" || len(p.OnlineUsers) != 2 {
		t.Errorf("join broadcast = %+v", p)
	}
	recv(t, chB)
}

func TestRoomsAreIsolatedBySchedule(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched-1")
	recvAction(t, chA, models.ActionUserJoined)

	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched-2")
	recvAction(t, chB, models.ActionUserJoined)

	h.Dispatch("tab-b", envelopeFor(t, models.ActionCreateSlide, models.SlidePayload{
		Slide: &models.Slide{ID: "s1", Type: models.SlideTypeText},
	}))

	recvAction(t, chB, models.ActionSlideCreated)
	select {
	case env := <-chA:
		t.Errorf("tab in another room received %s", env.Action)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveBroadcastsDepartureAndReleasesLocks(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	recvAction(t, chA, models.ActionUserJoined)
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")
	recvAction(t, chA, models.ActionUserJoined)
	recvAction(t, chB, models.ActionUserJoined)

	h.Dispatch("tab-b", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chB, models.ActionLockGranted)
	recvAction(t, chA, models.ActionSlideLocked)

	h.Leave("tab-b")

	unlocked := recvAction(t, chA, models.ActionSlideUnlocked)
	lp := decodePayload[models.LockPayload](t, unlocked)
	if lp.SlideID != "s1" {
		t.Errorf("released slide = %q", lp.SlideID)
	}
	left := recvAction(t, chA, models.ActionUserLeft)
	pp := decodePayload[models.PresencePayload](t, left)
	if pp.UserID != "u2" || len(pp.OnlineUsers) != 1 {
		t.Errorf("leave broadcast = %+v", pp)
	}

	// Leaving twice is a no-op.
	h.Leave("tab-b")
}

func TestLockMutualExclusion(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	granted := recvAction(t, chA, models.ActionLockGranted)
	gp := decodePayload[models.LockPayload](t, granted)
	if gp.SlideID != "s1" || gp.LockedBy != "u1" {
		t.Errorf("grant = %+v", gp)
	}
	locked := recvAction(t, chB, models.ActionSlideLocked)
	lp := decodePayload[models.LockPayload](t, locked)
	if lp.TabID != "tab-a" || lp.LockedByName != "Alice" {
		t.Errorf("lock broadcast = %+v", lp)
	}

	// Second requester is denied and told who holds it.
	h.Dispatch("tab-b", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	denied := recvAction(t, chB, models.ActionLockDenied)
	dp := decodePayload[models.LockPayload](t, denied)
	if dp.LockedBy != "u1" || dp.LockedByName != "Alice" {
		t.Errorf("denial = %+v", dp)
	}

	// Re-requesting your own lock is granted again.
	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chA, models.ActionLockGranted)

	// After release the other tab gets it.
	h.Dispatch("tab-a", envelopeFor(t, models.ActionUnlockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chB, models.ActionSlideUnlocked)
	h.Dispatch("tab-b", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chB, models.ActionLockGranted)
}

func TestUnlockByNonHolderIsIgnored(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chA, models.ActionLockGranted)

	h.Dispatch("tab-b", envelopeFor(t, models.ActionUnlockSlide, models.LockPayload{SlideID: "s1"}))

	// The lock must still be held: a fresh request from tab-b is denied.
	h.Dispatch("tab-b", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chB, models.ActionLockDenied)
}

func TestRefreshExtendsLockAndNonHolderIsDenied(t *testing.T) {
	h := NewHub(newFakeStorage(), 80*time.Millisecond, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chA, models.ActionLockGranted)

	// Keep refreshing past the original expiry.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		h.Dispatch("tab-a", envelopeFor(t, models.ActionRefreshLock, models.LockPayload{SlideID: "s1"}))
		recvAction(t, chA, models.ActionSlideLocked)
	}

	// 160ms after grant the refreshed lock is still held.
	h.Dispatch("tab-b", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chB, models.ActionLockDenied)

	// A refresh from a tab that never held the lock is denied, naming the
	// actual holder.
	h.Dispatch("tab-b", envelopeFor(t, models.ActionRefreshLock, models.LockPayload{SlideID: "s1"}))
	denied := recvAction(t, chB, models.ActionLockDenied)
	dp := decodePayload[models.LockPayload](t, denied)
	if dp.LockedBy != "u1" || dp.LockedByName != "Alice" {
		t.Errorf("denial holder = %+v, want Alice", dp)
	}
}

func TestRefreshOfExpiredLockIsDeniedWithoutHolder(t *testing.T) {
	h := NewHub(newFakeStorage(), 30*time.Millisecond, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chA, models.ActionLockGranted)
	recvAction(t, chA, models.ActionSlideLocked)

	time.Sleep(50 * time.Millisecond)
	h.sweepExpiredLocks(time.Now())
	recvAction(t, chA, models.ActionSlideUnlocked)

	// Nobody holds the lock anymore; the late refresh is denied with no
	// holder so the client treats the lock as lost, not taken.
	h.Dispatch("tab-a", envelopeFor(t, models.ActionRefreshLock, models.LockPayload{SlideID: "s1"}))
	denied := recvAction(t, chA, models.ActionLockDenied)
	dp := decodePayload[models.LockPayload](t, denied)
	if dp.SlideID != "s1" || dp.LockedBy != "" || dp.LockedByName != "" {
		t.Errorf("holderless denial = %+v, want empty holder fields", dp)
	}
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	h := NewHub(newFakeStorage(), 30*time.Millisecond, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chA, models.ActionLockGranted)

	time.Sleep(50 * time.Millisecond)

	h.Dispatch("tab-b", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chB, models.ActionLockGranted)
}

func TestSweepReleasesExpiredLocks(t *testing.T) {
	h := NewHub(newFakeStorage(), 10*time.Millisecond, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	h.Dispatch("tab-a", envelopeFor(t, models.ActionLockSlide, models.LockPayload{SlideID: "s1"}))
	recvAction(t, chA, models.ActionLockGranted)

	time.Sleep(20 * time.Millisecond)
	h.sweepExpiredLocks(time.Now())

	unlocked := recvAction(t, chA, models.ActionSlideUnlocked)
	lp := decodePayload[models.LockPayload](t, unlocked)
	if lp.SlideID != "s1" {
		t.Errorf("swept slide = %q", lp.SlideID)
	}
}

func TestSlideWritePersistsAndEchoesWithOrigin(t *testing.T) {
	storage := newFakeStorage()
	h := NewHub(storage, time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionCreateSlide, models.SlidePayload{
		TabID: "tab-a",
		Slide: &models.Slide{
			ID:       "s1",
			Title:    `New <script>alert(1)</script>song`,
			Type:     models.SlideTypeText,
			Contents: []string{"Line <b>one</b>"},
		},
	}))

	created := recvAction(t, chB, models.ActionSlideCreated)
	p := decodePayload[models.SlidePayload](t, created)
	if p.TabID != "tab-a" || p.ByName != "Alice" {
		t.Errorf("echo origin = %q by %q", p.TabID, p.ByName)
	}
	if p.Slide.ServerID == "" {
		t.Error("no server id assigned")
	}
	if p.Slide.ScheduleID != "sched" {
		t.Errorf("ScheduleID = %q", p.Slide.ScheduleID)
	}
	if p.Slide.SyncState != models.SyncStateSynced {
		t.Errorf("SyncState = %s", p.Slide.SyncState)
	}

	stored, ok := storage.slide("s1")
	if !ok {
		t.Fatal("slide not persisted")
	}
	if stored.Title != "New song" {
		t.Errorf("Title not sanitized: %q", stored.Title)
	}
	if len(stored.Contents) != 1 || stored.Contents[0] != "Line <b>one</b>" {
		t.Errorf("inline markup stripped: %v", stored.Contents)
	}

	// The writer receives its own echo too and filters it client-side.
	mine := recvAction(t, chA, models.ActionSlideCreated)
	mp := decodePayload[models.SlidePayload](t, mine)
	if mp.TabID != "tab-a" {
		t.Errorf("writer's echo origin = %q", mp.TabID)
	}

	// An update keeps the server id.
	update := *p.Slide
	update.Title = "renamed"
	h.Dispatch("tab-a", envelopeFor(t, models.ActionUpdateSlide, models.SlidePayload{
		Slide: &update,
	}))
	updated := recvAction(t, chB, models.ActionSlideUpdated)
	up := decodePayload[models.SlidePayload](t, updated)
	if up.Slide.ServerID != p.Slide.ServerID {
		t.Errorf("server id changed on update: %q -> %q", p.Slide.ServerID, up.Slide.ServerID)
	}
}

func TestSlideWriteStorageFailureIsNotBroadcast(t *testing.T) {
	storage := newFakeStorage()
	storage.failNext = true
	h := NewHub(storage, time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	recvAction(t, chA, models.ActionUserJoined)

	h.Dispatch("tab-a", envelopeFor(t, models.ActionCreateSlide, models.SlidePayload{
		Slide: &models.Slide{ID: "s1", Type: models.SlideTypeText},
	}))

	select {
	case env := <-chA:
		t.Errorf("received %s after storage failure", env.Action)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatchWriteSkipsFailedSlides(t *testing.T) {
	storage := newFakeStorage()
	storage.failNext = true
	h := NewHub(storage, time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionBatchCreateSlides, models.SlidePayload{
		Slides: []models.Slide{
			{ID: "s1", Type: models.SlideTypeText},
			{ID: "s2", Type: models.SlideTypeText},
		},
	}))

	batch := recvAction(t, chA, models.ActionSlidesBatchCreated)
	p := decodePayload[models.SlidePayload](t, batch)
	if len(p.Slides) != 1 || p.Slides[0].ID != "s2" {
		t.Errorf("batch echo = %+v, want only s2", p.Slides)
	}
}

func TestDeleteAndReorder(t *testing.T) {
	storage := newFakeStorage()
	h := NewHub(storage, time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")

	h.Dispatch("tab-a", envelopeFor(t, models.ActionDeleteSlide, models.SlidePayload{SlideID: "srv-1"}))
	deleted := recvAction(t, chA, models.ActionSlideDeleted)
	dp := decodePayload[models.SlidePayload](t, deleted)
	if dp.SlideID != "srv-1" {
		t.Errorf("deleted id = %q", dp.SlideID)
	}

	h.Dispatch("tab-a", envelopeFor(t, models.ActionReorderSlides, models.SlidePayload{
		SlideOrder: []string{"srv-2", "srv-1"},
	}))
	reordered := recvAction(t, chA, models.ActionSlidesReordered)
	rp := decodePayload[models.SlidePayload](t, reordered)
	if len(rp.SlideOrder) != 2 || rp.SlideOrder[0] != "srv-2" {
		t.Errorf("order echo = %v", rp.SlideOrder)
	}
	if len(storage.order) != 2 {
		t.Errorf("order not persisted: %v", storage.order)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)
	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")

	h.Dispatch("tab-a", models.Envelope{Action: models.ActionPing, Data: json.RawMessage(`"heartbeat"`)})
	recvAction(t, chA, models.ActionPong)
}

func TestGetOnlineUsersDedupsMultipleTabs(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	joinTab(t, h, "tab-a1", "u1", "Alice", "sched")
	joinTab(t, h, "tab-a2", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")

	h.Dispatch("tab-b", envelopeFor(t, models.ActionGetOnlineUsers, struct{}{}))
	env := recvAction(t, chB, models.ActionOnlineUsers)
	p := decodePayload[models.PresencePayload](t, env)
	if len(p.OnlineUsers) != 2 {
		t.Fatalf("roster has %d entries, want 2: %+v", len(p.OnlineUsers), p.OnlineUsers)
	}
	if p.OnlineUsers[0].UserName != "Alice" || p.OnlineUsers[1].UserName != "Bob" {
		t.Errorf("roster order = %q, %q", p.OnlineUsers[0].UserName, p.OnlineUsers[1].UserName)
	}
}

func TestEditingAndLiveAreRelayedVerbatim(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)

	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	chB := joinTab(t, h, "tab-b", "u2", "Bob", "sched")
	recvAction(t, chB, models.ActionUserJoined)

	h.Dispatch("tab-a", envelopeFor(t, models.ActionSlideEditing, models.EditingPayload{
		TabID: "tab-a", SlideID: "s1", UserID: "u1", UserName: "Alice",
	}))
	env := recvAction(t, chB, models.ActionSlideEditing)
	p := decodePayload[models.EditingPayload](t, env)
	if p.SlideID != "s1" || p.UserName != "Alice" {
		t.Errorf("relayed editing = %+v", p)
	}

	raw := json.RawMessage(`{"slideId":"s1","theme":"dark"}`)
	h.Dispatch("tab-a", models.Envelope{Action: models.ActionLiveSlide, Data: raw})
	live := recvAction(t, chB, models.ActionLiveSlide)
	if string(live.Data) != string(raw) {
		t.Errorf("live payload rewritten: %s", live.Data)
	}
	recvAction(t, chA, models.ActionLiveSlide)
}

func TestDispatchFromUnknownTabIsIgnored(t *testing.T) {
	h := NewHub(newFakeStorage(), time.Minute, nil)
	chA := joinTab(t, h, "tab-a", "u1", "Alice", "sched")
	recvAction(t, chA, models.ActionUserJoined)

	h.Dispatch("ghost", envelopeFor(t, models.ActionCreateSlide, models.SlidePayload{
		Slide: &models.Slide{ID: "s1"},
	}))

	select {
	case env := <-chA:
		t.Errorf("received %s from unknown tab", env.Action)
	case <-time.After(50 * time.Millisecond):
	}
}
