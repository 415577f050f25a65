// Package storage is the server's authoritative persistence for schedules,
// slides, and uploaded file metadata.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"slidesync/internal/models"
)

var (
	bucketSchedules = []byte("schedules")
	bucketSlides    = []byte("slides")
	bucketFiles     = []byte("files")
)

var ErrNotFound = errors.New("not found")

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSchedules); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSlides); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertSchedule stores a new or updated schedule.
func (s *BboltStorage) UpsertSchedule(sched models.Schedule) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		dbSched := &DBSchedule{
			ID:        sched.ServerID,
			Name:      sched.Name,
			ChurchID:  sched.ChurchID,
			Saved:     sched.Saved,
			CreatedAt: unixOrZero(sched.CreatedAt),
			UpdatedAt: unixOrZero(sched.UpdatedAt),
		}
		data, err := dbSched.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSched.Key(), data)
	})
}

// GetSchedule returns one schedule by its server id.
func (s *BboltStorage) GetSchedule(id string) (models.Schedule, error) {
	var sched models.Schedule
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var dbSched DBSchedule
		if err := dbSched.UnmarshalBinary(data); err != nil {
			return err
		}
		sched = fromDBSchedule(dbSched)
		return nil
	})
	return sched, err
}

// ListSchedules returns all schedules belonging to a church, newest first.
func (s *BboltStorage) ListSchedules(churchID string) ([]models.Schedule, error) {
	var schedules []models.Schedule
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var dbSched DBSchedule
			if err := dbSched.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbSched.ChurchID != churchID {
				return nil
			}
			schedules = append(schedules, fromDBSchedule(dbSched))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].UpdatedAt.After(schedules[j].UpdatedAt)
	})
	return schedules, nil
}

// SetScheduleSaved flips the saved flag on a schedule.
func (s *BboltStorage) SetScheduleSaved(id string, saved bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var dbSched DBSchedule
		if err := dbSched.UnmarshalBinary(data); err != nil {
			return err
		}
		dbSched.Saved = saved
		dbSched.UpdatedAt = time.Now().Unix()
		newData, err := dbSched.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSched.Key(), newData)
	})
}

// UpsertSlide stores a slide under its schedule's sub-bucket and bumps the
// schedule's updated timestamp.
func (s *BboltStorage) UpsertSlide(slide models.Slide) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if slide.ScheduleID == "" {
			return errors.New("slide missing scheduleID")
		}
		if slide.ServerID == "" {
			return errors.New("slide missing server id")
		}

		scheduleBucket, err := tx.Bucket(bucketSlides).CreateBucketIfNotExists([]byte(slide.ScheduleID))
		if err != nil {
			return fmt.Errorf("failed to create schedule bucket: %w", err)
		}

		dbSlide := toDBSlide(slide)
		data, err := dbSlide.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal slide: %w", err)
		}
		if err := scheduleBucket.Put(dbSlide.Key(), data); err != nil {
			return fmt.Errorf("failed to put slide: %w", err)
		}

		return touchScheduleTx(tx, slide.ScheduleID)
	})
}

// GetSlide returns one slide by its server id.
func (s *BboltStorage) GetSlide(scheduleID, id string) (models.Slide, error) {
	var slide models.Slide
	err := s.db.View(func(tx *bbolt.Tx) error {
		scheduleBucket := tx.Bucket(bucketSlides).Bucket([]byte(scheduleID))
		if scheduleBucket == nil {
			return ErrNotFound
		}
		data := scheduleBucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var dbSlide DBSlide
		if err := dbSlide.UnmarshalBinary(data); err != nil {
			return err
		}
		slide = fromDBSlide(dbSlide)
		return nil
	})
	return slide, err
}

// ListSlides returns a schedule's slides in presentation order.
func (s *BboltStorage) ListSlides(scheduleID string) ([]models.Slide, error) {
	var slides []models.Slide
	err := s.db.View(func(tx *bbolt.Tx) error {
		scheduleBucket := tx.Bucket(bucketSlides).Bucket([]byte(scheduleID))
		if scheduleBucket == nil {
			return nil
		}
		return scheduleBucket.ForEach(func(k, v []byte) error {
			var dbSlide DBSlide
			if err := dbSlide.UnmarshalBinary(v); err != nil {
				return err
			}
			slides = append(slides, fromDBSlide(dbSlide))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(slides, func(i, j int) bool {
		return slides[i].Index < slides[j].Index
	})
	return slides, nil
}

// DeleteSlide removes one slide. Deleting an absent slide is not an error.
func (s *BboltStorage) DeleteSlide(scheduleID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		scheduleBucket := tx.Bucket(bucketSlides).Bucket([]byte(scheduleID))
		if scheduleBucket == nil {
			return nil
		}
		if err := scheduleBucket.Delete([]byte(id)); err != nil {
			return err
		}
		return touchScheduleTx(tx, scheduleID)
	})
}

// ReorderSlides rewrites the Index of every slide named in order. Slides not
// listed keep their stored index.
func (s *BboltStorage) ReorderSlides(scheduleID string, order []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		scheduleBucket := tx.Bucket(bucketSlides).Bucket([]byte(scheduleID))
		if scheduleBucket == nil {
			return nil
		}
		for i, id := range order {
			data := scheduleBucket.Get([]byte(id))
			if data == nil {
				continue
			}
			var dbSlide DBSlide
			if err := dbSlide.UnmarshalBinary(data); err != nil {
				return err
			}
			dbSlide.Index = i
			newData, err := dbSlide.MarshalBinary()
			if err != nil {
				return err
			}
			if err := scheduleBucket.Put(dbSlide.Key(), newData); err != nil {
				return err
			}
		}
		return touchScheduleTx(tx, scheduleID)
	})
}

// SlideOrder returns the server ids of a schedule's slides in presentation
// order.
func (s *BboltStorage) SlideOrder(scheduleID string) ([]string, error) {
	slides, err := s.ListSlides(scheduleID)
	if err != nil {
		return nil, err
	}
	order := make([]string, len(slides))
	for i, slide := range slides {
		order[i] = slide.ServerID
	}
	return order, nil
}

func touchScheduleTx(tx *bbolt.Tx, scheduleID string) error {
	b := tx.Bucket(bucketSchedules)
	data := b.Get([]byte(scheduleID))
	if data == nil {
		return nil
	}
	var dbSched DBSchedule
	if err := dbSched.UnmarshalBinary(data); err != nil {
		return err
	}
	dbSched.UpdatedAt = time.Now().Unix()
	newData, err := dbSched.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(dbSched.Key(), newData)
}

func toDBSlide(slide models.Slide) DBSlide {
	return DBSlide{
		ID:       slide.ServerID,
		ClientID: slide.ID,
		Index:    slide.Index,
		Name:     slide.Name,
		Title:    slide.Title,
		Type:     string(slide.Type),
		Contents: slide.Contents,
		SlideStyle: DBSlideStyle{
			Font:               slide.SlideStyle.Font,
			FontSize:           slide.SlideStyle.FontSize,
			Alignment:          slide.SlideStyle.Alignment,
			Lettercase:         slide.SlideStyle.Lettercase,
			LineSpacing:        slide.SlideStyle.LineSpacing,
			Blur:               slide.SlideStyle.Blur,
			Brightness:         slide.SlideStyle.Brightness,
			BackgroundType:     slide.SlideStyle.BackgroundType,
			Background:         slide.SlideStyle.Background,
			BackgroundVideoKey: slide.SlideStyle.BackgroundVideoKey,
		},
		ScheduleID: slide.ScheduleID,
		UpdatedAt:  unixOrZero(slide.UpdatedAt),
	}
}

func fromDBSlide(dbSlide DBSlide) models.Slide {
	return models.Slide{
		ID:       dbSlide.ClientID,
		ServerID: dbSlide.ID,
		Index:    dbSlide.Index,
		Name:     dbSlide.Name,
		Title:    dbSlide.Title,
		Type:     models.SlideType(dbSlide.Type),
		Contents: dbSlide.Contents,
		SlideStyle: models.SlideStyle{
			Font:               dbSlide.SlideStyle.Font,
			FontSize:           dbSlide.SlideStyle.FontSize,
			Alignment:          dbSlide.SlideStyle.Alignment,
			Lettercase:         dbSlide.SlideStyle.Lettercase,
			LineSpacing:        dbSlide.SlideStyle.LineSpacing,
			Blur:               dbSlide.SlideStyle.Blur,
			Brightness:         dbSlide.SlideStyle.Brightness,
			BackgroundType:     dbSlide.SlideStyle.BackgroundType,
			Background:         dbSlide.SlideStyle.Background,
			BackgroundVideoKey: dbSlide.SlideStyle.BackgroundVideoKey,
		},
		ScheduleID:  dbSlide.ScheduleID,
		SyncState:   models.SyncStateSynced,
		LastUpdated: timeOrZero(dbSlide.UpdatedAt),
		UpdatedAt:   timeOrZero(dbSlide.UpdatedAt),
	}
}

func fromDBSchedule(dbSched DBSchedule) models.Schedule {
	return models.Schedule{
		ID:          dbSched.ID,
		ServerID:    dbSched.ID,
		Name:        dbSched.Name,
		ChurchID:    dbSched.ChurchID,
		Saved:       dbSched.Saved,
		SyncState:   models.SyncStateSynced,
		LastUpdated: timeOrZero(dbSched.UpdatedAt),
		UpdatedAt:   timeOrZero(dbSched.UpdatedAt),
		CreatedAt:   timeOrZero(dbSched.CreatedAt),
	}
}
