package variant

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamsResults mirrors the a{sv} results of a ScreenCast Start response as
// godbus decodes it off the wire.
func streamsResults(nodeID uint32) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{
			{nodeID, map[string]dbus.Variant{
				"source_type": dbus.MakeVariant(uint32(1)),
				"size":        dbus.MakeVariant([]interface{}{int32(1920), int32(1080)}),
			}},
		}),
	}
}

func TestFromDBusStreams(t *testing.T) {
	v, err := FromDBus(streamsResults(1234))
	require.NoError(t, err)
	assert.Equal(t, Dict, v.Kind())
	assert.True(t, v.Has("streams"))

	node, err := v.At(Key("streams"), Index(0), Field(0))
	require.NoError(t, err)
	id, err := node.AsUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), id)
	assert.Equal(t, "streams[0].0", node.Path())

	width, err := v.At(Key("streams"), Index(0), Field(1), Key("size"), Field(0))
	require.NoError(t, err)
	w, err := width.AsInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(1920), w)
}

func TestFromDBusScalars(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		kind Kind
	}{
		{"string", "hello", String},
		{"object path", dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_1/t"), ObjectPath},
		{"uint32", uint32(7), Uint32},
		{"bool", true, Bool},
		{"unix fd", dbus.UnixFD(9), UnixFD},
		{"wrapped variant", dbus.MakeVariant(uint64(3)), Uint64},
		{"typed slice", []string{"a", "b"}, Array},
		{"variant slice", []dbus.Variant{dbus.MakeVariant("a")}, Array},
		{"struct", []interface{}{uint32(1), "x"}, Struct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := FromDBus(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind())
		})
	}
}

func TestFromDBusRejectsUnknownTypes(t *testing.T) {
	_, err := FromDBus(struct{ X int }{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FromDBus(map[int]string{1: "a"})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAtKeyNotFound(t *testing.T) {
	v := NewDict(map[string]Value{"a": NewString("x")})

	_, err := v.At(Key("session_handle"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "session_handle", de.Path)
}

func TestAtIndexOutOfBounds(t *testing.T) {
	v := NewDict(map[string]Value{"streams": NewArray()})

	_, err := v.At(Key("streams"), Index(0))
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "streams[0]", de.Path)
	assert.Equal(t, 0, de.Len)

	_, err = NewStruct(NewUint32(1)).At(Field(2))
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestShapeMismatchNamesOffendingPath(t *testing.T) {
	// streams[0] is a bare uint32 instead of a (u, a{sv}) struct
	v := NewDict(map[string]Value{
		"streams": NewArray(NewUint32(55)),
	})

	_, err := v.At(Key("streams"), Index(0), Field(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.NotErrorIs(t, err, ErrKeyNotFound)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "streams[0]", de.Path)
	assert.Equal(t, "struct", de.Want)
	assert.Equal(t, "uint32", de.Got)
	assert.Contains(t, err.Error(), "streams[0]")
}

func TestNarrowingNeverCoerces(t *testing.T) {
	path := NewObjectPath("/org/freedesktop/portal/desktop/session/1_1/s")

	_, err := path.AsString()
	assert.ErrorIs(t, err, ErrShapeMismatch)

	p, err := path.AsObjectPath()
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_1/s"), p)

	_, err = NewInt32(5).AsUint32()
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewUint32(5).AsUint64()
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Value{}.AsDict()
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRootMismatchRendersRoot(t *testing.T) {
	_, err := NewString("x").At(Key("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<root>")
}

func TestChildrenCarryPaths(t *testing.T) {
	v := NewDict(map[string]Value{
		"streams": NewArray(NewStruct(NewUint32(1), NewDict(nil)), NewStruct(NewUint32(2), NewDict(nil))),
	})

	streams, err := v.At(Key("streams"))
	require.NoError(t, err)
	items, err := streams.AsArray()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "streams[1]", items[1].Path())

	fields, err := items[1].AsStruct()
	require.NoError(t, err)
	assert.Equal(t, "streams[1].1", fields[1].Path())

	dict, err := v.AsDict()
	require.NoError(t, err)
	assert.Equal(t, "streams", dict["streams"].Path())
}

func TestKeysAndInterface(t *testing.T) {
	v := NewDict(map[string]Value{
		"b": NewUint32(2),
		"a": NewArray(NewString("x")),
	})
	assert.Equal(t, []string{"a", "b"}, v.Keys())
	assert.Equal(t, map[string]interface{}{
		"a": []interface{}{"x"},
		"b": uint32(2),
	}, v.Interface())
}
