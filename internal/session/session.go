// Package session holds the per-process collaboration identity. One Session
// is constructed at startup and injected into every component that needs to
// attribute or filter events; there is no package-level shared state, so a
// single test process can run several sessions side by side.
package session

import (
	"net/url"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Session identifies one running tab/process of the app for one user on one
// schedule.
type Session struct {
	// TabID is generated once per process and attached to every outbound
	// mutation. It is the key for echo suppression.
	TabID string

	UserID     string
	UserName   string
	Avatar     string
	Theme      string
	ChurchID   string
	ScheduleID string
}

// New creates a session with a fresh random tab id.
func New(userID, userName, avatar, theme, churchID, scheduleID string) *Session {
	return &Session{
		TabID:      gonanoid.Must(),
		UserID:     userID,
		UserName:   userName,
		Avatar:     avatar,
		Theme:      theme,
		ChurchID:   churchID,
		ScheduleID: scheduleID,
	}
}

// IsLocalEcho reports whether a broadcast tagged with tabID originated from
// this session and has therefore already been applied locally.
func (s *Session) IsLocalEcho(tabID string) bool {
	return tabID != "" && tabID == s.TabID
}

// ConnectionQuery builds the query string the server uses to attribute
// presence events for this session's connection.
func (s *Session) ConnectionQuery() url.Values {
	q := url.Values{}
	q.Set("tab_id", s.TabID)
	q.Set("schedule_id", s.ScheduleID)
	q.Set("church_id", s.ChurchID)
	q.Set("user_id", s.UserID)
	q.Set("user_name", s.UserName)
	q.Set("avatar", s.Avatar)
	q.Set("theme", s.Theme)
	return q
}
