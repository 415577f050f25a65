package storage

import (
	"encoding"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBSchedule struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	ChurchID  string `msgpack:"churchId"`
	Saved     bool   `msgpack:"saved"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
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
	ID         string       `msgpack:"id"`
	ClientID   string       `msgpack:"clientId"`
	Index      int          `msgpack:"index"`
	Name       string       `msgpack:"name"`
	Title      string       `msgpack:"title"`
	Type       string       `msgpack:"type"`
	Contents   []string     `msgpack:"contents"`
	SlideStyle DBSlideStyle `msgpack:"slideStyle"`
	ScheduleID string       `msgpack:"scheduleId"`
	UpdatedAt  int64        `msgpack:"updatedAt"`
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

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
