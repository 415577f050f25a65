package store

import (
	"sort"

	"slidesync/internal/models"
)

// mergeSlide overlays the remote slide's fields onto the local one. Remote
// wins on every field it actually carries; zero-valued remote fields keep the
// local value so partial updates do not wipe state. SyncState is local-only
// and never taken from the wire.
func mergeSlide(local, remote models.Slide) models.Slide {
	out := local

	if remote.ID != "" {
		out.ID = remote.ID
	}
	if remote.ServerID != "" {
		out.ServerID = remote.ServerID
	}
	if remote.Name != "" {
		out.Name = remote.Name
	}
	if remote.Title != "" {
		out.Title = remote.Title
	}
	if remote.Type != "" {
		out.Type = remote.Type
	}
	if remote.Contents != nil {
		out.Contents = remote.Contents
	}
	if remote.SlideStyle != (models.SlideStyle{}) {
		out.SlideStyle = remote.SlideStyle
	}
	if remote.ScheduleID != "" {
		out.ScheduleID = remote.ScheduleID
	}
	if !remote.LastUpdated.IsZero() {
		out.LastUpdated = remote.LastUpdated
	}
	if !remote.UpdatedAt.IsZero() {
		out.UpdatedAt = remote.UpdatedAt
	}
	return out
}

// MergeSlideLists combines a freshly fetched remote list with the local one:
// union by id, remote record preferred on conflict except for local-only
// fields, never-synced records first (pending upload), then recency
// descending. The result is deterministic, and merging a list with itself is
// the identity.
func MergeSlideLists(remote, local []models.Slide) []models.Slide {
	merged := make([]models.Slide, 0, len(remote)+len(local))
	seen := make(map[string]int, len(remote)+len(local))

	for _, r := range remote {
		r.SyncState = models.SyncStateSynced
		seen[r.Key()] = len(merged)
		if r.ServerID != "" && r.ID != "" {
			seen[r.ID] = len(merged)
		}
		merged = append(merged, r)
	}

	for _, l := range local {
		// Remote wins on conflict; a slide the server just returned is synced
		// regardless of what the local copy believed.
		if _, ok := seen[l.Key()]; ok {
			continue
		}
		if l.ID != "" {
			if _, ok := seen[l.ID]; ok {
				continue
			}
		}
		seen[l.Key()] = len(merged)
		merged = append(merged, l)
	}

	sortSlides(merged)
	for i := range merged {
		merged[i].Index = i
	}
	return merged
}

func sortSlides(slides []models.Slide) {
	sort.SliceStable(slides, func(i, j int) bool {
		a, b := slides[i], slides[j]
		// Never-synced records come first: they are pending upload and need
		// attention.
		if a.Synced() != b.Synced() {
			return !a.Synced()
		}
		ta, tb := a.UpdatedAt, b.UpdatedAt
		if ta.IsZero() {
			ta = a.LastUpdated
		}
		if tb.IsZero() {
			tb = b.LastUpdated
		}
		return ta.After(tb)
	})
}

// MergeScheduleLists applies the same union-by-id rule to schedules.
func MergeScheduleLists(remote, local []models.Schedule) []models.Schedule {
	merged := make([]models.Schedule, 0, len(remote)+len(local))
	seen := make(map[string]bool, len(remote)+len(local))

	for _, r := range remote {
		r.SyncState = models.SyncStateSynced
		seen[r.Key()] = true
		if r.ID != "" {
			seen[r.ID] = true
		}
		merged = append(merged, r)
	}
	for _, l := range local {
		if seen[l.Key()] || (l.ID != "" && seen[l.ID]) {
			continue
		}
		seen[l.Key()] = true
		merged = append(merged, l)
	}

	sortSchedules(merged)
	return merged
}

func sortSchedules(schedules []models.Schedule) {
	sort.SliceStable(schedules, func(i, j int) bool {
		a, b := schedules[i], schedules[j]
		if a.Synced() != b.Synced() {
			return !a.Synced()
		}
		ta, tb := a.UpdatedAt, b.UpdatedAt
		if ta.IsZero() {
			ta = a.CreatedAt
		}
		if tb.IsZero() {
			tb = b.CreatedAt
		}
		return ta.After(tb)
	})
}
