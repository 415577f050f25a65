package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type SlideType string

const (
	SlideTypeText      SlideType = "text"
	SlideTypeMedia     SlideType = "media"
	SlideTypeSong      SlideType = "song"
	SlideTypeHymn      SlideType = "hymn"
	SlideTypeBible     SlideType = "bible"
	SlideTypeCountdown SlideType = "countdown"
)

// SyncState tells whether a locally held record has been confirmed by the
// server. Pending records are optimistic local writes awaiting confirmation.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSynced  SyncState = "synced"
)

// SlideStyle carries the visual attributes of a slide. The values are opaque
// to the sync layer; they only participate in merges.
type SlideStyle struct {
	Font               string  `json:"font,omitempty"`
	FontSize           float64 `json:"fontSize,omitempty"`
	Alignment          string  `json:"alignment,omitempty"`
	Lettercase         string  `json:"lettercase,omitempty"`
	LineSpacing        string  `json:"lineSpacing,omitempty"`
	Blur               float64 `json:"blur,omitempty"`
	Brightness         float64 `json:"brightness,omitempty"`
	BackgroundType     string  `json:"backgroundType,omitempty"`
	Background         string  `json:"background,omitempty"`
	BackgroundVideoKey string  `json:"backgroundVideoKey,omitempty"`
}

// Slide is one projectable unit of a schedule.
//
// ID is generated by the client that created the slide and is stable across
// local/remote roundtrips. ServerID is assigned by the backend once the slide
// is persisted and is authoritative from then on. LastUpdated is the sync
// marker: a zero value means the slide was never confirmed by the server.
type Slide struct {
	ID          string     `json:"id"`
	ServerID    string     `json:"_id,omitempty"`
	Index       int        `json:"index"`
	Name        string     `json:"name,omitempty"`
	Title       string     `json:"title,omitempty"`
	Type        SlideType  `json:"type"`
	Contents    []string   `json:"contents"`
	SlideStyle  SlideStyle `json:"slideStyle"`
	ScheduleID  string     `json:"scheduleId"`
	SyncState   SyncState  `json:"syncState,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated,omitzero"`
	UpdatedAt   time.Time  `json:"updatedAt,omitzero"`
}

// Synced reports whether the slide has ever been confirmed by the server.
func (s *Slide) Synced() bool {
	return !s.LastUpdated.IsZero()
}

// Key returns the preferred identity of the slide: the server id once
// assigned, the client id before that.
func (s *Slide) Key() string {
	if s.ServerID != "" {
		return s.ServerID
	}
	return s.ID
}

// Matches reports whether the given ids refer to this slide, by client or
// server id.
func (s *Slide) Matches(id, serverID string) bool {
	if id != "" && (s.ID == id || s.ServerID == id) {
		return true
	}
	return serverID != "" && s.ServerID == serverID
}

// Schedule is an ordered collection of slides. One schedule is active per
// session.
type Schedule struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"_id,omitempty"`
	Name        string    `json:"name"`
	ChurchID    string    `json:"churchId"`
	Saved       bool      `json:"saved,omitempty"`
	SyncState   SyncState `json:"syncState,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	LastSynced  time.Time `json:"lastSynced,omitzero"`
}

func (s *Schedule) Synced() bool {
	return !s.LastUpdated.IsZero()
}

func (s *Schedule) Key() string {
	if s.ServerID != "" {
		return s.ServerID
	}
	return s.ID
}

// OnlineUser is one connected collaborator on a schedule. The record exists
// only while the corresponding connection is up; it is removed when the
// connection drops or the user leaves.
type OnlineUser struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Avatar     string    `json:"avatar"`
	ScheduleID string    `json:"scheduleId"`
	JoinedAt   time.Time `json:"joinedAt"`
	Theme      string    `json:"theme"`
}

// SlideEditLock mirrors the server-side advisory lock on a slide. At most one
// holder exists per slide; the server is the source of truth and clients only
// cache what it broadcast.
type SlideEditLock struct {
	SlideID      string `json:"slideId"`
	LockedBy     string `json:"lockedBy"`
	LockedByName string `json:"lockedByName"`
}
