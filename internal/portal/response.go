package portal

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/portalrec/internal/variant"
	"github.com/godbus/dbus/v5"
)

// Response is the typed interpretation of one Response signal. A nil
// Response means there was nothing to act on.
type Response interface {
	isResponse()
}

// SessionCreated carries the handle assigned by CreateSession
type SessionCreated struct {
	Handle dbus.ObjectPath
}

// SourcesReady acknowledges SelectSources; it has no payload
type SourcesReady struct{}

// StreamsReady carries the streams granted by Start. NodeID is the first
// stream's PipeWire node.
type StreamsReady struct {
	NodeID  uint32
	Streams []StreamInfo
}

// Denied is a non-success response code
type Denied struct {
	Code   uint32
	Reason string
}

// Malformed means the results did not have the expected shape
type Malformed struct {
	Err error
}

func (SessionCreated) isResponse() {}
func (SourcesReady) isResponse()   {}
func (StreamsReady) isResponse()   {}
func (Denied) isResponse()         {}
func (Malformed) isResponse()      {}

// StreamInfo is one (u, a{sv}) element of the streams array
type StreamInfo struct {
	NodeID     uint32 `json:"node_id"`
	ID         string `json:"id,omitempty"`
	SourceType uint32 `json:"source_type,omitempty"`
	X          int32  `json:"x"`
	Y          int32  `json:"y"`
	Width      int32  `json:"width"`
	Height     int32  `json:"height"`
}

// Decode interprets a Response for a request of the given kind. Payload
// keys decide the outcome; kind only distinguishes the payload-less
// SelectSources acknowledgment.
func Decode(kind RequestKind, status uint32, results variant.Value) Response {
	if status != ResponseSuccess {
		denied := &DeniedError{Step: kind, Code: status}
		return Denied{Code: status, Reason: denied.Reason()}
	}

	switch {
	case results.Has("session_handle"):
		return decodeSessionCreated(results)
	case results.Has("streams"):
		return decodeStreamsReady(results)
	case kind == KindSelectSources:
		return SourcesReady{}
	}
	return nil
}

func decodeSessionCreated(results variant.Value) Response {
	v, err := results.At(variant.Key("session_handle"))
	if err != nil {
		return Malformed{Err: err}
	}

	// Documented as a string; some portal backends send an object path
	var handle dbus.ObjectPath
	if s, err := v.AsString(); err == nil {
		handle = dbus.ObjectPath(s)
	} else if p, perr := v.AsObjectPath(); perr == nil {
		handle = p
	} else {
		return Malformed{Err: err}
	}

	if !handle.IsValid() {
		return Malformed{Err: fmt.Errorf("session_handle %q is not a valid object path", handle)}
	}
	return SessionCreated{Handle: handle}
}

func decodeStreamsReady(results variant.Value) Response {
	streams, err := results.At(variant.Key("streams"))
	if err != nil {
		return Malformed{Err: err}
	}
	items, err := streams.AsArray()
	if err != nil {
		return Malformed{Err: err}
	}
	if len(items) == 0 {
		return Malformed{Err: &variant.DecodeError{Kind: variant.IndexOutOfBounds, Path: "streams[0]"}}
	}

	out := StreamsReady{Streams: make([]StreamInfo, 0, len(items))}
	for _, item := range items {
		info, err := decodeStream(item)
		if err != nil {
			return Malformed{Err: err}
		}
		out.Streams = append(out.Streams, info)
	}
	out.NodeID = out.Streams[0].NodeID
	return out
}

func decodeStream(item variant.Value) (StreamInfo, error) {
	fields, err := item.AsStruct()
	if err != nil {
		return StreamInfo{}, err
	}

	node, err := item.At(variant.Field(0))
	if err != nil {
		return StreamInfo{}, err
	}
	nodeID, err := node.AsUint32()
	if err != nil {
		return StreamInfo{}, err
	}
	info := StreamInfo{NodeID: nodeID}

	if len(fields) < 2 {
		return info, nil
	}
	props := fields[1]
	if _, err := props.AsDict(); err != nil {
		return StreamInfo{}, err
	}

	if props.Has("id") {
		if info.ID, err = stringAt(props, "id"); err != nil {
			return StreamInfo{}, err
		}
	}
	if props.Has("source_type") {
		v, _ := props.At(variant.Key("source_type"))
		if info.SourceType, err = v.AsUint32(); err != nil {
			return StreamInfo{}, err
		}
	}
	if props.Has("position") {
		if info.X, info.Y, err = pairAt(props, "position"); err != nil {
			return StreamInfo{}, err
		}
	}
	if props.Has("size") {
		if info.Width, info.Height, err = pairAt(props, "size"); err != nil {
			return StreamInfo{}, err
		}
	}
	return info, nil
}

func stringAt(dict variant.Value, key string) (string, error) {
	v, err := dict.At(variant.Key(key))
	if err != nil {
		return "", err
	}
	return v.AsString()
}

// pairAt decodes an (ii) struct
func pairAt(dict variant.Value, key string) (int32, int32, error) {
	a, err := dict.At(variant.Key(key), variant.Field(0))
	if err != nil {
		return 0, 0, err
	}
	b, err := dict.At(variant.Key(key), variant.Field(1))
	if err != nil {
		return 0, 0, err
	}
	x, err := a.AsInt32()
	if err != nil {
		return 0, 0, err
	}
	y, err := b.AsInt32()
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// decodeRemoteFD reads the h returned by OpenPipeWireRemote
func decodeRemoteFD(body []interface{}) (int, error) {
	if len(body) == 0 {
		return -1, errors.New("OpenPipeWireRemote returned no fd")
	}
	v, err := variant.FromDBus(body[0])
	if err != nil {
		return -1, err
	}
	fd, err := v.AsUnixFD()
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}
