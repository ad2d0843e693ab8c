package portal

import (
	"testing"

	"github.com/bryanchriswhite/portalrec/internal/variant"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dictOf(t *testing.T, m map[string]dbus.Variant) variant.Value {
	t.Helper()
	v, err := variant.FromDBus(m)
	require.NoError(t, err)
	return v
}

func TestDecodeSessionCreated(t *testing.T) {
	handle := "/org/freedesktop/portal/desktop/session/1_42/s"

	resp := Decode(KindCreateSession, 0, dictOf(t, sessionCreatedResults(handle)))
	assert.Equal(t, SessionCreated{Handle: dbus.ObjectPath(handle)}, resp)
}

func TestDecodeSessionCreatedAcceptsObjectPath(t *testing.T) {
	handle := dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_42/s")
	m := map[string]dbus.Variant{"session_handle": dbus.MakeVariant(handle)}

	resp := Decode(KindCreateSession, 0, dictOf(t, m))
	assert.Equal(t, SessionCreated{Handle: handle}, resp)
}

func TestDecodeSessionCreatedRejectsBadHandle(t *testing.T) {
	resp := Decode(KindCreateSession, 0, dictOf(t, sessionCreatedResults("not a path")))
	require.IsType(t, Malformed{}, resp)

	m := map[string]dbus.Variant{"session_handle": dbus.MakeVariant(uint32(3))}
	resp = Decode(KindCreateSession, 0, dictOf(t, m))
	require.IsType(t, Malformed{}, resp)
	assert.ErrorIs(t, resp.(Malformed).Err, variant.ErrShapeMismatch)
}

func TestDecodeStreams(t *testing.T) {
	resp := Decode(KindStart, 0, dictOf(t, streamsResults(55)))

	require.IsType(t, StreamsReady{}, resp)
	ready := resp.(StreamsReady)
	assert.Equal(t, uint32(55), ready.NodeID)
	require.Len(t, ready.Streams, 1)
	assert.Equal(t, StreamInfo{
		NodeID:     55,
		SourceType: SourceTypeMonitor,
		Width:      2560,
		Height:     1440,
	}, ready.Streams[0])
}

func TestDecodeStreamsUsesFirstNode(t *testing.T) {
	m := map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{
			{uint32(10), map[string]dbus.Variant{"id": dbus.MakeVariant("a")}},
			{uint32(11), map[string]dbus.Variant{}},
		}),
	}

	resp := Decode(KindStart, 0, dictOf(t, m))
	require.IsType(t, StreamsReady{}, resp)
	ready := resp.(StreamsReady)
	assert.Equal(t, uint32(10), ready.NodeID)
	assert.Len(t, ready.Streams, 2)
	assert.Equal(t, "a", ready.Streams[0].ID)
}

func TestDecodeStreamsShapeMismatch(t *testing.T) {
	m := map[string]dbus.Variant{
		"streams": dbus.MakeVariant([]uint32{55}),
	}

	resp := Decode(KindStart, 0, dictOf(t, m))
	require.IsType(t, Malformed{}, resp)

	var de *variant.DecodeError
	require.ErrorAs(t, resp.(Malformed).Err, &de)
	assert.Equal(t, variant.ShapeMismatch, de.Kind)
	assert.Equal(t, "streams[0]", de.Path)
}

func TestDecodeStreamsBadProperty(t *testing.T) {
	m := map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{
			{uint32(55), map[string]dbus.Variant{"size": dbus.MakeVariant("big")}},
		}),
	}

	resp := Decode(KindStart, 0, dictOf(t, m))
	require.IsType(t, Malformed{}, resp)
	assert.ErrorIs(t, resp.(Malformed).Err, variant.ErrShapeMismatch)
}

func TestDecodeEmptyStreams(t *testing.T) {
	m := map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{}),
	}

	resp := Decode(KindStart, 0, dictOf(t, m))
	require.IsType(t, Malformed{}, resp)
	assert.ErrorIs(t, resp.(Malformed).Err, variant.ErrIndexOutOfBounds)
}

func TestDecodeDenied(t *testing.T) {
	resp := Decode(KindStart, ResponseCancelled, dictOf(t, map[string]dbus.Variant{}))
	assert.Equal(t, Denied{Code: 1, Reason: "cancelled by user"}, resp)

	// status wins over payload
	resp = Decode(KindStart, ResponseOther, dictOf(t, streamsResults(55)))
	assert.Equal(t, Denied{Code: 2, Reason: "interaction ended"}, resp)
}

func TestDecodeNothingToActOn(t *testing.T) {
	empty := dictOf(t, map[string]dbus.Variant{})

	assert.Nil(t, Decode(KindCreateSession, 0, empty))
	assert.Nil(t, Decode(KindStart, 0, empty))
	assert.Equal(t, SourcesReady{}, Decode(KindSelectSources, 0, empty))
}

func TestDecodeRemoteFD(t *testing.T) {
	fd, err := decodeRemoteFD([]interface{}{dbus.UnixFD(9)})
	require.NoError(t, err)
	assert.Equal(t, 9, fd)

	_, err = decodeRemoteFD(nil)
	assert.Error(t, err)

	_, err = decodeRemoteFD([]interface{}{uint32(9)})
	assert.ErrorIs(t, err, variant.ErrShapeMismatch)
}

func TestDeniedErrorMatchesSentinel(t *testing.T) {
	err := &FailedError{State: StateAwaitingStreams, Err: &DeniedError{Step: KindStart, Code: 1}}

	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, "negotiation failed while awaiting_streams: Start denied: cancelled by user", err.Error())
}
