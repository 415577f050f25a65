package store

import (
	"encoding"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"slidesync/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBSlideStyle struct {
	Font               string  `msgpack:"font"`
	FontSize           float64 `msgpack:"fontSize"`
	Alignment          string  `msgpack:"alignment"`
	Lettercase         string  `msgpack:"lettercase"`
	LineSpacing        string  `msgpack:"lineSpacing"`
	Blur               float64 `msgpack:"blur"`
	Brightness         float64 `msgpack:"brightness"`
	BackgroundType     string  `msgpack:"backgroundType"`
	Background         string  `msgpack:"background"`
	BackgroundVideoKey string  `msgpack:"backgroundVideoKey"`
}

type DBSlide struct {
	ID          string       `msgpack:"id"`
	ServerID    string       `msgpack:"serverId"`
	Index       int          `msgpack:"index"`
	Name        string       `msgpack:"name"`
	Title       string       `msgpack:"title"`
	Type        string       `msgpack:"type"`
	Contents    []string     `msgpack:"contents"`
	SlideStyle  DBSlideStyle `msgpack:"slideStyle"`
	ScheduleID  string       `msgpack:"scheduleId"`
	SyncState   string       `msgpack:"syncState"`
	LastUpdated int64        `msgpack:"lastUpdated"`
	UpdatedAt   int64        `msgpack:"updatedAt"`
}

func (s *DBSlide) Key() []byte {
	return []byte(s.ID)
}

func (s *DBSlide) MarshalBinary() (data []byte, err error) {
	type alias DBSlide
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSlide) UnmarshalBinary(data []byte) error {
	type alias DBSlide
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBSchedule struct {
	ID          string `msgpack:"id"`
	ServerID    string `msgpack:"serverId"`
	Name        string `msgpack:"name"`
	ChurchID    string `msgpack:"churchId"`
	Saved       bool   `msgpack:"saved"`
	SyncState   string `msgpack:"syncState"`
	LastUpdated int64  `msgpack:"lastUpdated"`
	UpdatedAt   int64  `msgpack:"updatedAt"`
	CreatedAt   int64  `msgpack:"createdAt"`
	LastSynced  int64  `msgpack:"lastSynced"`
}

func (s *DBSchedule) Key() []byte {
	return []byte(s.ID)
}

func (s *DBSchedule) MarshalBinary() (data []byte, err error) {
	type alias DBSchedule
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSchedule) UnmarshalBinary(data []byte) error {
	type alias DBSchedule
	return msgpack.Unmarshal(data, (*alias)(s))
}

func toDBSlide(s models.Slide) DBSlide {
	return DBSlide{
		ID:          s.ID,
		ServerID:    s.ServerID,
		Index:       s.Index,
		Name:        s.Name,
		Title:       s.Title,
		Type:        string(s.Type),
		Contents:    s.Contents,
		SlideStyle:  DBSlideStyle(s.SlideStyle),
		ScheduleID:  s.ScheduleID,
		SyncState:   string(s.SyncState),
		LastUpdated: unixOrZero(s.LastUpdated),
		UpdatedAt:   unixOrZero(s.UpdatedAt),
	}
}

func fromDBSlide(s DBSlide) models.Slide {
	return models.Slide{
		ID:          s.ID,
		ServerID:    s.ServerID,
		Index:       s.Index,
		Name:        s.Name,
		Title:       s.Title,
		Type:        models.SlideType(s.Type),
		Contents:    s.Contents,
		SlideStyle:  models.SlideStyle(s.SlideStyle),
		ScheduleID:  s.ScheduleID,
		SyncState:   models.SyncState(s.SyncState),
		LastUpdated: timeOrZero(s.LastUpdated),
		UpdatedAt:   timeOrZero(s.UpdatedAt),
	}
}

func toDBSchedule(s models.Schedule) DBSchedule {
	return DBSchedule{
		ID:          s.ID,
		ServerID:    s.ServerID,
		Name:        s.Name,
		ChurchID:    s.ChurchID,
		Saved:       s.Saved,
		SyncState:   string(s.SyncState),
		LastUpdated: unixOrZero(s.LastUpdated),
		UpdatedAt:   unixOrZero(s.UpdatedAt),
		CreatedAt:   unixOrZero(s.CreatedAt),
		LastSynced:  unixOrZero(s.LastSynced),
	}
}

func fromDBSchedule(s DBSchedule) models.Schedule {
	return models.Schedule{
		ID:          s.ID,
		ServerID:    s.ServerID,
		Name:        s.Name,
		ChurchID:    s.ChurchID,
		Saved:       s.Saved,
		SyncState:   models.SyncState(s.SyncState),
		LastUpdated: timeOrZero(s.LastUpdated),
		UpdatedAt:   timeOrZero(s.UpdatedAt),
		CreatedAt:   timeOrZero(s.CreatedAt),
		LastSynced:  timeOrZero(s.LastSynced),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
