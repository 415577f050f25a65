package collab

import (
	"encoding/json"
	"fmt"

	"slidesync/internal/models"
)

// The publish methods implement the local-first write path: the mutation
// lands in the store as pending first, then goes out over the wire. When the
// transport is down the envelope sits in its queue and the slide stays
// pending until the server confirms it.

// CreateSlide records a new slide locally and announces it.
func (s *Session) CreateSlide(slide models.Slide) error {
	if err := s.store.ApplyLocal(slide); err != nil {
		return fmt.Errorf("applying local create: %w", err)
	}
	s.publish(models.ActionCreateSlide, models.SlidePayload{
		TabID:  s.sess.TabID,
		ByID:   s.sess.UserID,
		ByName: s.sess.UserName,
		Slide:  &slide,
	})
	return nil
}

// UpdateSlide records a slide change locally and announces it.
func (s *Session) UpdateSlide(slide models.Slide) error {
	if err := s.store.ApplyLocal(slide); err != nil {
		return fmt.Errorf("applying local update: %w", err)
	}
	s.publish(models.ActionUpdateSlide, models.SlidePayload{
		TabID:  s.sess.TabID,
		ByID:   s.sess.UserID,
		ByName: s.sess.UserName,
		Slide:  &slide,
	})
	return nil
}

// DeleteSlide removes a slide locally and announces the removal.
func (s *Session) DeleteSlide(slideID string) error {
	if _, err := s.store.Remove(slideID); err != nil {
		return fmt.Errorf("applying local delete: %w", err)
	}
	s.publish(models.ActionDeleteSlide, models.SlidePayload{
		TabID:   s.sess.TabID,
		ByID:    s.sess.UserID,
		ByName:  s.sess.UserName,
		SlideID: slideID,
	})
	return nil
}

// CreateSlides records a batch of new slides locally and announces them as
// one message.
func (s *Session) CreateSlides(slides []models.Slide) error {
	for _, slide := range slides {
		if err := s.store.ApplyLocal(slide); err != nil {
			return fmt.Errorf("applying local batch create: %w", err)
		}
	}
	s.publish(models.ActionBatchCreateSlides, models.SlidePayload{
		TabID:  s.sess.TabID,
		ByID:   s.sess.UserID,
		ByName: s.sess.UserName,
		Slides: slides,
	})
	return nil
}

// UpdateSlides records a batch of slide changes locally and announces them.
func (s *Session) UpdateSlides(slides []models.Slide) error {
	for _, slide := range slides {
		if err := s.store.ApplyLocal(slide); err != nil {
			return fmt.Errorf("applying local batch update: %w", err)
		}
	}
	s.publish(models.ActionBatchUpdateSlides, models.SlidePayload{
		TabID:  s.sess.TabID,
		ByID:   s.sess.UserID,
		ByName: s.sess.UserName,
		Slides: slides,
	})
	return nil
}

// DeleteSlides removes a batch of slides locally and announces the removals.
func (s *Session) DeleteSlides(slideIDs []string) error {
	for _, id := range slideIDs {
		if _, err := s.store.Remove(id); err != nil {
			return fmt.Errorf("applying local batch delete: %w", err)
		}
	}
	s.publish(models.ActionBatchDeleteSlides, models.SlidePayload{
		TabID:    s.sess.TabID,
		ByID:     s.sess.UserID,
		ByName:   s.sess.UserName,
		SlideIDs: slideIDs,
	})
	return nil
}

// ReorderSlides applies the new order locally and announces it.
func (s *Session) ReorderSlides(order []string) error {
	if err := s.store.Reorder(order); err != nil {
		return fmt.Errorf("applying local reorder: %w", err)
	}
	s.publish(models.ActionReorderSlides, models.SlidePayload{
		TabID:      s.sess.TabID,
		ByID:       s.sess.UserID,
		ByName:     s.sess.UserName,
		SlideOrder: order,
	})
	return nil
}

// AnnounceEditing signals to other sessions that this user is actively
// editing a slide. The caller re-announces periodically while editing
// continues; the marker on the other side expires on its own.
func (s *Session) AnnounceEditing(slideID string) {
	s.publish(models.ActionSlideEditing, models.EditingPayload{
		TabID:    s.sess.TabID,
		SlideID:  slideID,
		UserID:   s.sess.UserID,
		UserName: s.sess.UserName,
	})
}

// GoLive broadcasts the currently presented slide to every session.
func (s *Session) GoLive(data json.RawMessage) {
	s.send.Send(models.Envelope{Action: models.ActionLiveSlide, Data: data})
}

// RequestOnlineUsers asks the server for a fresh roster snapshot.
func (s *Session) RequestOnlineUsers() {
	s.publish(models.ActionGetOnlineUsers, models.PresencePayload{
		UserID:     s.sess.UserID,
		ScheduleID: s.sess.ScheduleID,
	})
}

func (s *Session) publish(action models.Action, payload any) {
	env, err := models.NewEnvelope(action, payload)
	if err != nil {
		s.log.Error("failed to encode outbound message", "action", action, "error", err)
		return
	}
	s.send.Send(env)
}
