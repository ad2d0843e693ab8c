package portal

import (
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
	responseMember  = "Response"
	closedMember    = "Closed"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// State is a step of the negotiation state machine
type State int

const (
	StateIdle State = iota
	StateAwaitingSessionHandle
	StateAwaitingSources
	StateAwaitingStreams
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSessionHandle:
		return "awaiting_session_handle"
	case StateAwaitingSources:
		return "awaiting_sources"
	case StateAwaitingStreams:
		return "awaiting_streams"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// RequestKind names the portal method a request was issued for
type RequestKind int

const (
	KindCreateSession RequestKind = iota
	KindSelectSources
	KindStart
)

func (k RequestKind) String() string {
	switch k {
	case KindCreateSession:
		return "CreateSession"
	case KindSelectSources:
		return "SelectSources"
	case KindStart:
		return "Start"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// PendingRequest is one in-flight portal request awaiting its Response
type PendingRequest struct {
	Token       string
	Kind        RequestKind
	RequestPath dbus.ObjectPath
	IssuedAt    time.Time
}

var errHandleReassigned = errors.New("session handle already assigned")

// Session is one negotiation lifecycle. Only the negotiator's message loop
// touches it.
type Session struct {
	handle       dbus.ObjectPath
	handleToken  string
	pending      *PendingRequest
	selectSent   *PendingRequest
	sourcesReady bool
}

// Handle returns the session handle, empty until CreateSession succeeds
func (s *Session) Handle() dbus.ObjectPath {
	return s.handle
}

// setHandle assigns the handle exactly once
func (s *Session) setHandle(h dbus.ObjectPath) error {
	if s.handle != "" {
		return fmt.Errorf("%w: have %s, got %s", errHandleReassigned, s.handle, h)
	}
	if !h.IsValid() {
		return fmt.Errorf("invalid session handle %q", h)
	}
	s.handle = h
	return nil
}
