package portal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bryanchriswhite/portalrec/internal/logger"
	"github.com/godbus/dbus/v5"
)

// MessageType is the class of an inbound bus message
type MessageType int

const (
	MethodCall MessageType = iota
	MethodReturn
	Signal
	Error
)

func (t MessageType) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case Signal:
		return "signal"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is one inbound message as the negotiator sees it
type Message struct {
	Type      MessageType
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Body      []interface{}
}

// MethodCallSpec describes one outbound method invocation
type MethodCallSpec struct {
	Destination string
	Path        dbus.ObjectPath
	Interface   string
	Member      string
	Args        []interface{}
}

func (c MethodCallSpec) method() string {
	return c.Interface + "." + c.Member
}

// Bus is the async message transport the negotiator is layered on.
// Call returns once the method's initial acknowledgment (its method return)
// arrives; protocol progress is only observed through Messages.
type Bus interface {
	Call(ctx context.Context, call MethodCallSpec) ([]interface{}, error)
	Messages() <-chan Message
	UniqueName() string
	Close() error
}

// DBusBus is a Bus over a godbus session bus connection
type DBusBus struct {
	conn      *dbus.Conn
	signals   chan *dbus.Signal
	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// ConnectSessionBus connects to the session bus and subscribes to the portal
// Request.Response and Session.Closed signals before any call is made, so no
// response can race the subscription.
func ConnectSessionBus() (*DBusBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	return newDBusBus(conn)
}

func newDBusBus(conn *dbus.Conn) (*DBusBus, error) {
	log := logger.WithComponent("bus")

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember(responseMember),
	); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "add match " + requestIface, Err: err}
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchMember(closedMember),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to add Session.Closed match rule")
	}

	b := &DBusBus{
		conn:     conn,
		signals:  make(chan *dbus.Signal, 16),
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
	}
	conn.Signal(b.signals)
	go b.pump()

	log.Debug().Str("unique_name", b.UniqueName()).Msg("Connected to session bus")
	return b, nil
}

// pump forwards godbus signals into Messages in arrival order
func (b *DBusBus) pump() {
	defer close(b.messages)
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			iface, member := splitName(sig.Name)
			msg := Message{
				Type:      Signal,
				Sender:    sig.Sender,
				Path:      sig.Path,
				Interface: iface,
				Member:    member,
				Body:      sig.Body,
			}
			select {
			case b.messages <- msg:
			case <-b.done:
				return
			}
		}
	}
}

func splitName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// Call invokes a method and waits for its method return
func (b *DBusBus) Call(ctx context.Context, call MethodCallSpec) ([]interface{}, error) {
	obj := b.conn.Object(call.Destination, call.Path)
	res := obj.CallWithContext(ctx, call.method(), 0, call.Args...)
	if res.Err != nil {
		return nil, &TransportError{Op: call.Member, Err: res.Err}
	}
	return res.Body, nil
}

// Messages returns the inbound message stream
func (b *DBusBus) Messages() <-chan Message {
	return b.messages
}

// UniqueName returns the connection's unique bus name, e.g. ":1.42"
func (b *DBusBus) UniqueName() string {
	names := b.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Close stops the pump and closes the connection
func (b *DBusBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.RemoveSignal(b.signals)
		err = b.conn.Close()
	})
	return err
}
