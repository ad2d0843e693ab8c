package portal

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/bryanchriswhite/portalrec/internal/capture"
	"github.com/bryanchriswhite/portalrec/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Options shape the portal requests
type Options struct {
	// SourceTypes is a bitmask of SourceType* values
	SourceTypes uint32
	// CursorMode is one of the CursorMode* values; zero leaves it unset
	CursorMode   uint32
	Multiple     bool
	ParentWindow string
	// UseRemoteFD calls OpenPipeWireRemote after Start and hands the fd to
	// the capture pipeline alongside the node id.
	UseRemoteFD bool
	// WaitForSelection issues Start only after the SelectSources response,
	// instead of back-to-back with SelectSources.
	WaitForSelection bool
}

// DefaultOptions captures a single monitor with the cursor embedded
func DefaultOptions() Options {
	return Options{
		SourceTypes: SourceTypeMonitor,
		CursorMode:  CursorModeEmbedded,
	}
}

// Handoff receives the negotiated target once the negotiator reaches Ready
type Handoff func(ctx context.Context, target capture.Target) error

// Status is a snapshot of the negotiation, published on every transition
type Status struct {
	State         string       `json:"state"`
	SessionHandle string       `json:"session_handle,omitempty"`
	NodeID        uint32       `json:"node_id,omitempty"`
	RemoteFD      bool         `json:"remote_fd"`
	Streams       []StreamInfo `json:"streams,omitempty"`
	Error         string       `json:"error,omitempty"`
	Denied        bool         `json:"denied"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Negotiator drives CreateSession -> SelectSources -> Start for a single
// session. All state is owned by the goroutine calling Run/Handle.
type Negotiator struct {
	corr    *Correlator
	opts    Options
	handoff Handoff
	session *Session

	mu        sync.RWMutex
	state     State
	err       error
	nodeID    uint32
	remoteFD  bool
	streams   []StreamInfo
	updatedAt time.Time
	listeners []chan Status
	closed    bool
}

// NewNegotiator creates a negotiator in the Idle state
func NewNegotiator(corr *Correlator, opts Options, handoff Handoff) *Negotiator {
	return &Negotiator{
		corr:      corr,
		opts:      opts,
		handoff:   handoff,
		session:   &Session{},
		state:     StateIdle,
		updatedAt: time.Now(),
		listeners: make([]chan Status, 0),
	}
}

// State returns the current state
func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Err returns the failure reason once Failed
func (n *Negotiator) Err() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.err
}

// Session returns the negotiation session
func (n *Negotiator) Session() *Session {
	return n.session
}

// Start issues CreateSession and moves to AwaitingSessionHandle without
// waiting for the Response.
func (n *Negotiator) Start(ctx context.Context) error {
	if n.State() != StateIdle {
		return errors.New("negotiation already started")
	}

	log := logger.WithComponent("negotiator")

	token := n.corr.NewToken()
	sessionToken := n.corr.NewToken()
	n.session.handleToken = sessionToken

	options := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(token),
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}

	pending, err := n.corr.Send(ctx, KindCreateSession, token, options)
	if err != nil {
		n.fail(err)
		return n.Err()
	}
	n.session.pending = pending

	log.Info().
		Str("request_path", string(pending.RequestPath)).
		Msg("Waiting for CreateSession response")
	n.transition(StateAwaitingSessionHandle)
	return nil
}

// Run negotiates until Ready or Failed. It returns nil once the capture
// handoff has succeeded; the session stays open until Close.
func (n *Negotiator) Run(ctx context.Context) error {
	if n.State() == StateIdle {
		if err := n.Start(ctx); err != nil {
			return err
		}
	}

	for !n.State().Terminal() {
		msg, err := n.corr.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				n.Close(context.Background())
				return ctx.Err()
			}
			n.fail(err)
			break
		}
		n.Handle(ctx, msg)
	}

	if n.State() == StateFailed {
		n.Close(context.Background())
		return n.Err()
	}
	return nil
}

// Watch keeps consuming messages after Ready, returning ErrSessionClosed if
// the portal ends the session, or nil when ctx is cancelled.
func (n *Negotiator) Watch(ctx context.Context) error {
	log := logger.WithComponent("negotiator")
	for {
		msg, err := n.corr.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if IsSessionClosed(msg, n.session.handle) {
			log.Warn().Str("session", string(n.session.handle)).Msg("Portal closed the session")
			n.markClosed()
			return ErrSessionClosed
		}
		log.Debug().
			Str("type", msg.Type.String()).
			Str("path", string(msg.Path)).
			Str("member", msg.Member).
			Msg("Ignoring message after ready")
	}
}

// Handle processes one inbound message
func (n *Negotiator) Handle(ctx context.Context, msg Message) {
	log := logger.WithComponent("negotiator")

	switch msg.Type {
	case Signal:
		if IsSessionClosed(msg, n.session.handle) {
			n.markClosed()
			n.fail(ErrSessionClosed)
			return
		}
		if !IsResponse(msg) {
			log.Debug().
				Str("interface", msg.Interface).
				Str("member", msg.Member).
				Msg("Ignoring signal")
			return
		}

		var req *PendingRequest
		switch {
		case Match(n.session.pending, msg):
			req = n.session.pending
		case Match(n.session.selectSent, msg):
			req = n.session.selectSent
		default:
			log.Debug().Str("path", string(msg.Path)).Msg("Ignoring response for another request")
			return
		}

		status, results, err := ParseResponse(msg)
		if err != nil {
			n.fail(err)
			return
		}

		log.Debug().
			Str("request", req.Kind.String()).
			Uint32("status", status).
			Strs("keys", results.Keys()).
			Interface("results", results.Interface()).
			Dur("latency", time.Since(req.IssuedAt)).
			Msg("Received response")

		n.apply(ctx, req, Decode(req.Kind, status, results))

	case MethodReturn:
		log.Debug().Str("sender", msg.Sender).Msg("Method return")

	default:
		log.Debug().Str("type", msg.Type.String()).Msg("Ignoring message")
	}
}

func (n *Negotiator) apply(ctx context.Context, req *PendingRequest, resp Response) {
	log := logger.WithComponent("negotiator")
	state := n.State()

	switch r := resp.(type) {
	case nil:
		log.Debug().Str("request", req.Kind.String()).Msg("Response carries nothing to act on")

	case Denied:
		n.fail(&DeniedError{Step: req.Kind, Code: r.Code})

	case Malformed:
		n.fail(r.Err)

	case SessionCreated:
		if state != StateAwaitingSessionHandle {
			log.Warn().Str("state", state.String()).Msg("Unexpected session_handle, ignoring")
			return
		}
		n.onSessionCreated(ctx, r.Handle)

	case SourcesReady:
		n.onSourcesReady(ctx)

	case StreamsReady:
		if state != StateAwaitingStreams {
			log.Warn().Str("state", state.String()).Msg("Unexpected streams, ignoring")
			return
		}
		n.onStreamsReady(ctx, r)
	}
}

func (n *Negotiator) onSessionCreated(ctx context.Context, handle dbus.ObjectPath) {
	log := logger.WithComponent("negotiator")

	n.mu.Lock()
	err := n.session.setHandle(handle)
	n.mu.Unlock()
	if err != nil {
		n.fail(err)
		return
	}
	n.session.pending = nil

	if expected := n.corr.SessionPath(n.session.handleToken); expected != handle {
		log.Debug().
			Str("expected", string(expected)).
			Str("session", string(handle)).
			Msg("Portal assigned a different session path than predicted")
	}
	log.Info().Str("session", string(handle)).Msg("Created portal session")

	token := n.corr.NewToken()
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
		"types":        dbus.MakeVariant(n.opts.SourceTypes),
		"multiple":     dbus.MakeVariant(n.opts.Multiple),
	}
	if n.opts.CursorMode != 0 {
		options["cursor_mode"] = dbus.MakeVariant(n.opts.CursorMode)
	}

	sel, err := n.corr.Send(ctx, KindSelectSources, token, handle, options)
	if err != nil {
		n.fail(err)
		return
	}
	n.session.selectSent = sel
	n.transition(StateAwaitingSources)

	if n.opts.WaitForSelection {
		n.session.pending = sel
		log.Info().Msg("Waiting for source selection")
		return
	}
	n.sendStart(ctx)
}

func (n *Negotiator) onSourcesReady(ctx context.Context) {
	log := logger.WithComponent("negotiator")

	n.session.sourcesReady = true
	if n.State() != StateAwaitingSources || !n.opts.WaitForSelection {
		log.Debug().Msg("Sources selected")
		return
	}
	log.Info().Msg("Sources selected")
	n.sendStart(ctx)
}

func (n *Negotiator) sendStart(ctx context.Context) {
	log := logger.WithComponent("negotiator")

	token := n.corr.NewToken()
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	pending, err := n.corr.Send(ctx, KindStart, token, n.session.handle, n.opts.ParentWindow, options)
	if err != nil {
		n.fail(err)
		return
	}
	n.session.pending = pending

	log.Info().
		Str("request_path", string(pending.RequestPath)).
		Msg("Waiting for Start response (portal dialog may appear)")
	n.transition(StateAwaitingStreams)
}

func (n *Negotiator) onStreamsReady(ctx context.Context, r StreamsReady) {
	log := logger.WithComponent("negotiator")

	target := capture.NodeTarget(r.NodeID)
	if n.opts.UseRemoteFD {
		body, err := n.corr.Call(ctx, "OpenPipeWireRemote", n.session.handle, map[string]dbus.Variant{})
		if err != nil {
			n.fail(err)
			return
		}
		fd, err := decodeRemoteFD(body)
		if err != nil {
			n.fail(err)
			return
		}
		target.Remote = os.NewFile(uintptr(fd), "pipewire-remote")
	}

	n.session.pending = nil
	n.mu.Lock()
	n.nodeID = r.NodeID
	n.remoteFD = target.Remote != nil
	n.streams = r.Streams
	n.mu.Unlock()

	for _, s := range r.Streams {
		log.Info().
			Uint32("node_id", s.NodeID).
			Uint32("source_type", s.SourceType).
			Int32("width", s.Width).
			Int32("height", s.Height).
			Msg("Stream granted")
	}
	n.transition(StateReady)

	if n.handoff == nil {
		return
	}
	if err := n.handoff(ctx, target); err != nil {
		n.fail(err)
	}
}

// fail moves to Failed, recording the state the failure happened in
func (n *Negotiator) fail(err error) {
	n.mu.Lock()
	if n.state == StateFailed {
		n.mu.Unlock()
		return
	}
	n.err = &FailedError{State: n.state, Err: err}
	n.mu.Unlock()

	logger.WithComponent("negotiator").Error().Err(err).Msg("Negotiation failed")
	n.transition(StateFailed)
}

func (n *Negotiator) transition(to State) {
	n.mu.Lock()
	from := n.state
	n.state = to
	n.updatedAt = time.Now()
	n.mu.Unlock()

	logger.WithComponent("negotiator").Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("session", string(n.session.handle)).
		Msg("State transition")
	n.notifyListeners(n.Status())
}

func (n *Negotiator) markClosed() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

// Close asks the portal to end the session, if one was created
func (n *Negotiator) Close(ctx context.Context) error {
	n.mu.Lock()
	handle := n.session.handle
	if handle == "" || n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := n.corr.CloseSession(ctx, handle); err != nil {
		logger.WithComponent("negotiator").Warn().Err(err).Str("session", string(handle)).Msg("Failed to close portal session")
		return err
	}
	logger.WithComponent("negotiator").Info().Str("session", string(handle)).Msg("Closed portal session")
	return nil
}

// Status returns a snapshot for observers
func (n *Negotiator) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := Status{
		State:         n.state.String(),
		SessionHandle: string(n.session.handle),
		NodeID:        n.nodeID,
		RemoteFD:      n.remoteFD,
		Streams:       n.streams,
		UpdatedAt:     n.updatedAt,
	}
	if n.err != nil {
		s.Error = n.err.Error()
		s.Denied = errors.Is(n.err, ErrDenied)
	}
	return s
}

// Subscribe adds a listener for status changes
func (n *Negotiator) Subscribe() chan Status {
	ch := make(chan Status, 10)
	n.mu.Lock()
	n.listeners = append(n.listeners, ch)
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (n *Negotiator) Unsubscribe(ch chan Status) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, listener := range n.listeners {
		if listener == ch {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (n *Negotiator) notifyListeners(status Status) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, listener := range n.listeners {
		select {
		case listener <- status:
		default:
			// Skip if channel is full
		}
	}
}
