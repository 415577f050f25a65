// Package store is the local-first state store: the canonical in-memory slide
// and schedule collections, persisted to bbolt so a restarted client picks up
// where it left off. Optimistic local writes are tagged pending and flipped
// to synced once the server confirms them.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"slidesync/internal/models"
)

var (
	bucketSlides    = []byte("slides")
	bucketSchedules = []byte("schedules")
	bucketMeta      = []byte("meta")

	keyLastSynced     = []byte("lastSynced")
	keyActiveSchedule = []byte("activeSchedule")
)

type Store struct {
	db *bbolt.DB

	mu               sync.RWMutex
	slides           []models.Slide
	schedules        map[string]models.Schedule
	activeScheduleID string
	lastSynced       time.Time
}

// Open loads (or creates) the store file and reads any persisted state back
// into memory.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSlides, bucketSchedules, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{db: db, schedules: make(map[string]models.Schedule)}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSlides).ForEach(func(k, v []byte) error {
			var dbSlide DBSlide
			if err := dbSlide.UnmarshalBinary(v); err != nil {
				return err
			}
			s.slides = append(s.slides, fromDBSlide(dbSlide))
			return nil
		}); err != nil {
			return err
		}
		sort.SliceStable(s.slides, func(i, j int) bool {
			return s.slides[i].Index < s.slides[j].Index
		})

		if err := tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var dbSched DBSchedule
			if err := dbSched.UnmarshalBinary(v); err != nil {
				return err
			}
			sched := fromDBSchedule(dbSched)
			s.schedules[sched.ID] = sched
			return nil
		}); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyLastSynced); v != nil {
			if t, err := time.Parse(time.RFC3339, string(v)); err == nil {
				s.lastSynced = t
			}
		}
		s.activeScheduleID = string(meta.Get(keyActiveSchedule))
		return nil
	})
}

// Slides returns a copy of the slide list in display order.
func (s *Store) Slides() []models.Slide {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Slide, len(s.slides))
	copy(out, s.slides)
	return out
}

// Slide finds a slide by client or server id.
func (s *Store) Slide(id string) (models.Slide, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sl := range s.slides {
		if sl.Matches(id, id) {
			return sl, true
		}
	}
	return models.Slide{}, false
}

// ApplyLocal upserts a local mutation optimistically. The record is tagged
// pending until ConfirmSlide flips it.
func (s *Store) ApplyLocal(slide models.Slide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slide.SyncState = models.SyncStatePending
	slide.UpdatedAt = time.Now().UTC()

	idx := s.indexOfLocked(slide.ID, slide.ServerID)
	if idx == -1 {
		slide.Index = len(s.slides)
		s.slides = append(s.slides, slide)
	} else {
		slide.Index = s.slides[idx].Index
		s.slides[idx] = slide
	}
	return s.persistSlideLocked(slide)
}

// ConfirmSlide marks a pending slide as confirmed by the server, adopting the
// server id and sync marker.
func (s *Store) ConfirmSlide(serverSlide models.Slide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(serverSlide.ID, serverSlide.ServerID)
	if idx == -1 {
		return models.ErrNotFound
	}
	merged := mergeSlide(s.slides[idx], serverSlide)
	merged.SyncState = models.SyncStateSynced
	if merged.LastUpdated.IsZero() {
		merged.LastUpdated = time.Now().UTC()
	}
	s.slides[idx] = merged
	return s.persistSlideLocked(merged)
}

// AppendRemote appends a slide created elsewhere, unless it is already known.
func (s *Store) AppendRemote(slide models.Slide) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOfLocked(slide.ID, slide.ServerID) != -1 {
		return false, nil
	}
	slide.SyncState = models.SyncStateSynced
	slide.Index = len(s.slides)
	s.slides = append(s.slides, slide)
	return true, s.persistSlideLocked(slide)
}

// UpdateRemote shallow-merges a remote update onto the matching local slide,
// preserving local-only fields. Unknown slides are ignored: a stale update
// about a slide we no longer hold is not an error.
func (s *Store) UpdateRemote(slide models.Slide) (models.Slide, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(slide.ID, slide.ServerID)
	if idx == -1 {
		return models.Slide{}, false, nil
	}
	merged := mergeSlide(s.slides[idx], slide)
	merged.SyncState = models.SyncStateSynced
	s.slides[idx] = merged
	return merged, true, s.persistSlideLocked(merged)
}

// Remove deletes a slide by id. Removing an absent slide is a no-op.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(id, id)
	if idx == -1 {
		return false, nil
	}
	removed := s.slides[idx]
	s.slides = append(s.slides[:idx], s.slides[idx+1:]...)
	s.reindexLocked()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSlides).Delete([]byte(removed.ID)); err != nil {
			return err
		}
		return s.persistAllSlidesTx(tx)
	})
	return true, err
}

// Reorder rebuilds the slide ordering following the server-provided id
// sequence. Ids no longer present locally are dropped from the sequence;
// local slides the sequence does not mention (typically pending creations the
// server has not seen) keep their relative order at the tail. Index is
// re-derived from position.
func (s *Store) Reorder(idOrder []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[string]int, len(s.slides))
	for i, sl := range s.slides {
		byKey[sl.ID] = i
		if sl.ServerID != "" {
			byKey[sl.ServerID] = i
		}
	}

	picked := make(map[int]bool, len(s.slides))
	reordered := make([]models.Slide, 0, len(s.slides))
	for _, id := range idOrder {
		i, ok := byKey[id]
		if !ok || picked[i] {
			continue
		}
		picked[i] = true
		reordered = append(reordered, s.slides[i])
	}
	for i, sl := range s.slides {
		if !picked[i] {
			reordered = append(reordered, sl)
		}
	}

	s.slides = reordered
	s.reindexLocked()
	return s.db.Update(s.persistAllSlidesTx)
}

// ReplaceSlides swaps in a new slide list wholesale (merge results, initial
// fetch).
func (s *Store) ReplaceSlides(slides []models.Slide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slides = make([]models.Slide, len(slides))
	copy(s.slides, slides)
	s.reindexLocked()

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketSlides); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketSlides); err != nil {
			return err
		}
		return s.persistAllSlidesTx(tx)
	})
}

// UpsertSchedule stores a schedule record.
func (s *Store) UpsertSchedule(sched models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched
	dbSched := toDBSchedule(sched)
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := dbSched.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSchedules).Put(dbSched.Key(), data)
	})
}

// Schedules returns all schedules, unsynced first, then by recency.
func (s *Store) Schedules() []models.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	sortSchedules(out)
	return out
}

// SetActiveSchedule records which schedule this session is on. There is
// exactly one active schedule per session.
func (s *Store) SetActiveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeScheduleID = id
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyActiveSchedule, []byte(id))
	})
}

func (s *Store) ActiveSchedule() (models.Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[s.activeScheduleID]
	return sched, ok
}

func (s *Store) SetLastSynced(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSynced = t
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastSynced, []byte(t.Format(time.RFC3339)))
	})
}

func (s *Store) LastSynced() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSynced
}

func (s *Store) indexOfLocked(id, serverID string) int {
	for i := range s.slides {
		if s.slides[i].Matches(id, serverID) {
			return i
		}
	}
	return -1
}

func (s *Store) reindexLocked() {
	for i := range s.slides {
		s.slides[i].Index = i
	}
}

func (s *Store) persistSlideLocked(slide models.Slide) error {
	dbSlide := toDBSlide(slide)
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := dbSlide.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSlides).Put(dbSlide.Key(), data)
	})
}

func (s *Store) persistAllSlidesTx(tx *bbolt.Tx) error {
	b := tx.Bucket(bucketSlides)
	for _, slide := range s.slides {
		dbSlide := toDBSlide(slide)
		data, err := dbSlide.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbSlide.Key(), data); err != nil {
			return err
		}
	}
	return nil
}
