package portal

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/bryanchriswhite/portalrec/internal/variant"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenIsUniqueAndPathSafe(t *testing.T) {
	corr := NewCorrelator(newFakeBus(), "portal-rec")
	valid := regexp.MustCompile(`^portal_rec_[0-9a-f]{32}$`)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := corr.NewToken()
		assert.Regexp(t, valid, tok)
		assert.False(t, seen[tok], "token %s issued twice", tok)
		seen[tok] = true
	}
}

func TestNewTokenWithoutPrefix(t *testing.T) {
	corr := NewCorrelator(newFakeBus(), "")
	assert.Regexp(t, `^t[0-9a-f]{32}$`, corr.NewToken())
}

func TestPredictedPaths(t *testing.T) {
	corr := NewCorrelator(newFakeBus(), "")

	assert.Equal(t,
		dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/abc"),
		corr.RequestPath("abc"))
	assert.Equal(t,
		dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_42/abc"),
		corr.SessionPath("abc"))
	assert.True(t, corr.RequestPath("abc").IsValid())
}

func TestSendPrefersReturnedRequestPath(t *testing.T) {
	bus := newFakeBus()
	corr := NewCorrelator(bus, "")

	pending, err := corr.Send(context.Background(), KindCreateSession, "tok1", map[string]dbus.Variant{})
	require.NoError(t, err)
	assert.Equal(t, corr.RequestPath("tok1"), pending.RequestPath)
	assert.Equal(t, KindCreateSession, pending.Kind)
	assert.Equal(t, "tok1", pending.Token)

	returned := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/legacy/7")
	bus.replies["SelectSources"] = []interface{}{returned}
	pending, err = corr.Send(context.Background(), KindSelectSources, "tok2", map[string]dbus.Variant{})
	require.NoError(t, err)
	assert.Equal(t, returned, pending.RequestPath)

	calls := bus.callsTo("SelectSources")
	require.Len(t, calls, 1)
	assert.Equal(t, portalService, calls[0].Destination)
	assert.Equal(t, dbus.ObjectPath(portalPath), calls[0].Path)
	assert.Equal(t, screenCastIface, calls[0].Interface)
}

func TestSendWrapsTransportErrors(t *testing.T) {
	bus := newFakeBus()
	bus.errs["CreateSession"] = errors.New("connection reset")
	corr := NewCorrelator(bus, "")

	_, err := corr.Send(context.Background(), KindCreateSession, "tok", map[string]dbus.Variant{})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "CreateSession", te.Op)
}

func TestCloseSessionTargetsHandle(t *testing.T) {
	bus := newFakeBus()
	corr := NewCorrelator(bus, "")
	handle := dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_42/s")

	require.NoError(t, corr.CloseSession(context.Background(), handle))

	calls := bus.callsTo("Close")
	require.Len(t, calls, 1)
	assert.Equal(t, handle, calls[0].Path)
	assert.Equal(t, sessionIface, calls[0].Interface)
}

func TestMatch(t *testing.T) {
	pending := &PendingRequest{
		Token:       "a",
		Kind:        KindStart,
		RequestPath: "/org/freedesktop/portal/desktop/request/1_42/a",
	}

	assert.True(t, Match(pending, response(pending.RequestPath, 0, nil)))
	assert.False(t, Match(pending, response("/org/freedesktop/portal/desktop/request/1_42/b", 0, nil)))
	assert.False(t, Match(nil, response(pending.RequestPath, 0, nil)))

	notResponse := response(pending.RequestPath, 0, nil)
	notResponse.Member = "Other"
	assert.False(t, Match(pending, notResponse))

	methodReturn := response(pending.RequestPath, 0, nil)
	methodReturn.Type = MethodReturn
	assert.False(t, Match(pending, methodReturn))
}

func TestIsSessionClosed(t *testing.T) {
	handle := dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_42/s")
	msg := Message{Type: Signal, Path: handle, Interface: sessionIface, Member: closedMember}

	assert.True(t, IsSessionClosed(msg, handle))
	assert.False(t, IsSessionClosed(msg, ""))
	assert.False(t, IsSessionClosed(msg, "/org/freedesktop/portal/desktop/session/1_42/other"))
}

func TestParseResponse(t *testing.T) {
	msg := response("/p", 0, sessionCreatedResults("/org/freedesktop/portal/desktop/session/1_42/s"))

	status, results, err := ParseResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), status)
	assert.Equal(t, "", results.Path())
	assert.True(t, results.Has("session_handle"))
}

func TestParseResponseShortBody(t *testing.T) {
	msg := Message{Type: Signal, Interface: requestIface, Member: responseMember, Body: []interface{}{uint32(0)}}

	_, _, err := ParseResponse(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, variant.ErrIndexOutOfBounds)

	var de *variant.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "body[1]", de.Path)
}

func TestParseResponseWrongTypes(t *testing.T) {
	msg := response("/p", 0, nil)
	msg.Body[0] = "zero"
	_, _, err := ParseResponse(msg)
	assert.ErrorIs(t, err, variant.ErrShapeMismatch)

	msg = response("/p", 0, nil)
	msg.Body[1] = uint32(5)
	_, _, err = ParseResponse(msg)
	assert.ErrorIs(t, err, variant.ErrShapeMismatch)
}

func TestNextHonorsContext(t *testing.T) {
	corr := NewCorrelator(newFakeBus(), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := corr.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextReportsClosedStream(t *testing.T) {
	bus := newFakeBus()
	close(bus.messages)
	corr := NewCorrelator(bus, "")

	_, err := corr.Next(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
}
