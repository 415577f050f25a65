package models

import "encoding/json"

// Envelope is the wire format for every websocket message, both directions.
type Envelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given action.
func NewEnvelope(action Action, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Action: action, Data: raw}, nil
}

type Action string

// Client to server actions.
const (
	ActionCreateSlide       Action = "create-slide"
	ActionUpdateSlide       Action = "update-slide"
	ActionDeleteSlide       Action = "delete-slide"
	ActionBatchCreateSlides Action = "batch-create-slides"
	ActionBatchUpdateSlides Action = "batch-update-slides"
	ActionBatchDeleteSlides Action = "batch-delete-slides"
	ActionReorderSlides     Action = "reorder-slides"
	ActionLockSlide         Action = "lock-slide"
	ActionUnlockSlide       Action = "unlock-slide"
	ActionRefreshLock       Action = "refresh-lock"
	ActionSlideEditing      Action = "slide-editing"
	ActionLiveSlide         Action = "live-slide"
	ActionPing              Action = "ping"
	ActionGetOnlineUsers    Action = "get-online-users"
	ActionAddAlert          Action = "add-alert"
	ActionRemoveAlert       Action = "remove-alert"
	ActionAddOverlay        Action = "add-overlay"
	ActionRemoveOverlay     Action = "remove-overlay"
)

// Server to client broadcast actions.
const (
	ActionConnected          Action = "connected"
	ActionSlideCreated       Action = "slide-created"
	ActionSlideUpdated       Action = "slide-updated"
	ActionSlideDeleted       Action = "slide-deleted"
	ActionSlidesBatchCreated Action = "slides-batch-created"
	ActionSlidesBatchUpdated Action = "slides-batch-updated"
	ActionSlidesBatchDeleted Action = "slides-batch-deleted"
	ActionSlidesReordered    Action = "slides-reordered"
	ActionSlideLocked        Action = "slide-locked"
	ActionSlideUnlocked      Action = "slide-unlocked"
	ActionLockGranted        Action = "lock-granted"
	ActionLockDenied         Action = "lock-denied"
	ActionUserJoined         Action = "user-joined"
	ActionUserLeft           Action = "user-left"
	ActionOnlineUsers        Action = "online-users"
	ActionPong               Action = "pong"
)

// SlidePayload carries slide mutations in both directions. TabID is the
// origin session identifier used for echo suppression; the server copies it
// into every broadcast it fans out.
type SlidePayload struct {
	TabID      string   `json:"tabId,omitempty"`
	ByID       string   `json:"byId,omitempty"`
	ByName     string   `json:"byName,omitempty"`
	Slide      *Slide   `json:"slide,omitempty"`
	Slides     []Slide  `json:"slides,omitempty"`
	SlideID    string   `json:"slideId,omitempty"`
	SlideIDs   []string `json:"slideIds,omitempty"`
	SlideOrder []string `json:"slideOrder,omitempty"`
}

// LockPayload carries lock requests and lock state broadcasts.
type LockPayload struct {
	TabID        string `json:"tabId,omitempty"`
	SlideID      string `json:"slideId"`
	LockedBy     string `json:"lockedBy,omitempty"`
	LockedByName string `json:"lockedByName,omitempty"`
}

// EditingPayload announces that a user is actively editing a slide.
type EditingPayload struct {
	TabID    string `json:"tabId,omitempty"`
	SlideID  string `json:"slideId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// PresencePayload carries membership changes. OnlineUsers is the full roster
// snapshot after the change. Presence events are never echo-suppressed: every
// session must observe every join and leave, including its own.
type PresencePayload struct {
	UserID      string       `json:"userId,omitempty"`
	UserName    string       `json:"userName,omitempty"`
	Avatar      string       `json:"avatar,omitempty"`
	ScheduleID  string       `json:"scheduleId,omitempty"`
	Theme       string       `json:"theme,omitempty"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
}
