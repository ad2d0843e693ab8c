package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/portalrec/internal/variant"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// Correlator issues portal requests carrying caller-chosen tokens and binds
// later Response signals back to them by request object path.
type Correlator struct {
	bus    Bus
	prefix string
	now    func() time.Time
}

// NewCorrelator wraps a bus. prefix starts every generated token.
func NewCorrelator(bus Bus, prefix string) *Correlator {
	return &Correlator{
		bus:    bus,
		prefix: sanitizeToken(prefix),
		now:    time.Now,
	}
}

// NewToken returns a token unique for the lifetime of the process. Tokens
// become object path elements, so only [A-Za-z0-9_] is used.
func (c *Correlator) NewToken() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if c.prefix == "" {
		return "t" + id
	}
	return c.prefix + "_" + id
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// senderElement converts ":1.42" into "1_42" as the portal does when it
// builds request and session object paths.
func (c *Correlator) senderElement() string {
	name := strings.TrimPrefix(c.bus.UniqueName(), ":")
	return strings.ReplaceAll(name, ".", "_")
}

// RequestPath predicts the Request object path the portal will use for token
func (c *Correlator) RequestPath(token string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/request/%s/%s", portalPath, c.senderElement(), token))
}

// SessionPath predicts the Session object path for a session_handle_token
func (c *Correlator) SessionPath(token string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/session/%s/%s", portalPath, c.senderElement(), token))
}

// Send issues a ScreenCast request with handle_token set to token and returns
// the pending request. The method return carries the Request path; older
// portals may not use the predicted one, so the returned path wins.
func (c *Correlator) Send(ctx context.Context, kind RequestKind, token string, args ...interface{}) (*PendingRequest, error) {
	call := MethodCallSpec{
		Destination: portalService,
		Path:        portalPath,
		Interface:   screenCastIface,
		Member:      kind.String(),
		Args:        args,
	}

	pending := &PendingRequest{
		Token:       token,
		Kind:        kind,
		RequestPath: c.RequestPath(token),
		IssuedAt:    c.now(),
	}

	body, err := c.bus.Call(ctx, call)
	if err != nil {
		return nil, asTransportError(kind.String(), err)
	}
	if len(body) > 0 {
		if v, err := variant.FromDBus(body[0]); err == nil {
			if p, err := v.AsObjectPath(); err == nil && p.IsValid() {
				pending.RequestPath = p
			}
		}
	}
	return pending, nil
}

// Call issues a ScreenCast method that answers directly instead of through
// a Request, such as OpenPipeWireRemote.
func (c *Correlator) Call(ctx context.Context, member string, args ...interface{}) ([]interface{}, error) {
	body, err := c.bus.Call(ctx, MethodCallSpec{
		Destination: portalService,
		Path:        portalPath,
		Interface:   screenCastIface,
		Member:      member,
		Args:        args,
	})
	if err != nil {
		return nil, asTransportError(member, err)
	}
	return body, nil
}

// CloseSession asks the portal to tear down a session
func (c *Correlator) CloseSession(ctx context.Context, handle dbus.ObjectPath) error {
	_, err := c.bus.Call(ctx, MethodCallSpec{
		Destination: portalService,
		Path:        handle,
		Interface:   sessionIface,
		Member:      "Close",
	})
	if err != nil {
		return asTransportError("Session.Close", err)
	}
	return nil
}

func asTransportError(op string, err error) error {
	if _, ok := err.(*TransportError); ok {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Next suspends until the next inbound message arrives
func (c *Correlator) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-c.bus.Messages():
		if !ok {
			return Message{}, &TransportError{Op: "receive", Err: ErrBusClosed}
		}
		return msg, nil
	}
}

// IsResponse reports whether msg is a Request.Response signal
func IsResponse(msg Message) bool {
	return msg.Type == Signal && msg.Interface == requestIface && msg.Member == responseMember
}

// IsSessionClosed reports whether msg is a Session.Closed signal for handle
func IsSessionClosed(msg Message, handle dbus.ObjectPath) bool {
	return msg.Type == Signal &&
		msg.Interface == sessionIface &&
		msg.Member == closedMember &&
		handle != "" &&
		msg.Path == handle
}

// Match reports whether msg is the Response to pending. The portal does not
// echo tokens in Response bodies; the binding is the Request object path.
func Match(pending *PendingRequest, msg Message) bool {
	return pending != nil && IsResponse(msg) && msg.Path == pending.RequestPath
}

// ParseResponse splits a Response body (u, a{sv}) into its status code and
// results dictionary.
func ParseResponse(msg Message) (uint32, variant.Value, error) {
	if len(msg.Body) < 2 {
		return 0, variant.Value{}, &variant.DecodeError{
			Kind: variant.IndexOutOfBounds,
			Path: "body[1]",
			Len:  len(msg.Body),
		}
	}

	body, err := variant.FromDBus(msg.Body)
	if err != nil {
		return 0, variant.Value{}, err
	}

	statusVal, err := body.At(variant.Field(0))
	if err != nil {
		return 0, variant.Value{}, err
	}
	status, err := statusVal.AsUint32()
	if err != nil {
		return 0, variant.Value{}, err
	}

	results, err := body.At(variant.Field(1))
	if err != nil {
		return 0, variant.Value{}, err
	}
	if _, err := results.AsDict(); err != nil {
		return 0, variant.Value{}, err
	}
	return status, results.Root(), nil
}
