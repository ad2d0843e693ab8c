package portal

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

// fakeBus records calls and lets tests inject inbound messages
type fakeBus struct {
	mu       sync.Mutex
	name     string
	calls    []MethodCallSpec
	replies  map[string][]interface{}
	errs     map[string]error
	onCall   func(call MethodCallSpec)
	messages chan Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		name:     ":1.42",
		replies:  map[string][]interface{}{},
		errs:     map[string]error{},
		messages: make(chan Message, 32),
	}
}

func (b *fakeBus) Call(ctx context.Context, call MethodCallSpec) ([]interface{}, error) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	err := b.errs[call.Member]
	reply := b.replies[call.Member]
	hook := b.onCall
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(call)
	}
	return reply, nil
}

func (b *fakeBus) Messages() <-chan Message { return b.messages }
func (b *fakeBus) UniqueName() string       { return b.name }
func (b *fakeBus) Close() error             { return nil }

func (b *fakeBus) callsTo(member string) []MethodCallSpec {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []MethodCallSpec
	for _, c := range b.calls {
		if c.Member == member {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBus) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// handleToken pulls handle_token out of a request's trailing options map
func handleToken(call MethodCallSpec) string {
	if len(call.Args) == 0 {
		return ""
	}
	opts, ok := call.Args[len(call.Args)-1].(map[string]dbus.Variant)
	if !ok {
		return ""
	}
	tok, _ := opts["handle_token"].Value().(string)
	return tok
}

func response(path dbus.ObjectPath, status uint32, results map[string]dbus.Variant) Message {
	if results == nil {
		results = map[string]dbus.Variant{}
	}
	return Message{
		Type:      Signal,
		Sender:    ":1.7",
		Path:      path,
		Interface: requestIface,
		Member:    responseMember,
		Body:      []interface{}{status, results},
	}
}

func sessionCreatedResults(handle string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"session_handle": dbus.MakeVariant(handle),
	}
}

func streamsResults(nodeID uint32) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{
			{nodeID, map[string]dbus.Variant{
				"source_type": dbus.MakeVariant(uint32(SourceTypeMonitor)),
				"size":        dbus.MakeVariant([]interface{}{int32(2560), int32(1440)}),
				"position":    dbus.MakeVariant([]interface{}{int32(0), int32(0)}),
			}},
		}),
	}
}
