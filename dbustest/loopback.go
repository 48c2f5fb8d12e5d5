// Package dbustest provides an in-process DBus peer for testing code
// that sends and receives messages.
//
// A [Loopback] implements [dbusmsg.Caller]. Every message that passes
// through it is encoded to the DBus wire format and decoded again, so
// that tests exercise the same marshalling paths as a real
// connection.
package dbustest

import (
	"context"
	"fmt"
	"maps"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dbusmsg"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	// ClientName is the sender name stamped on messages sent through
	// a Loopback.
	ClientName = ":1.0"
	// ServerName is the sender name stamped on replies from
	// handlers, for calls that don't name a destination.
	ServerName = ":1.1"
)

// A Handler answers a method call. It returns the reply or error
// message, typically created with [dbusmsg.Message.CreateReply] or
// [dbusmsg.Message.CreateError]. A nil return is an empty reply.
type Handler func(ctx context.Context, call *dbusmsg.Message) *dbusmsg.Message

// Loopback is an in-process DBus peer. Method calls sent through it
// are dispatched to registered Handlers, and signals are delivered
// to its Watchers.
type Loopback struct {
	log *zap.Logger

	mu       sync.Mutex
	reg      *dbusmsg.Registry
	closed   bool
	serial   uint32
	handlers map[string]Handler
	watchers mapset.Set[*Watcher]
}

// New returns a Loopback that logs to t, and is closed when the test
// completes.
func New(t testing.TB) *Loopback {
	ret := NewLoopback(zaptest.NewLogger(t))
	t.Cleanup(func() { ret.Close() })
	return ret
}

// NewLoopback returns a Loopback that logs message traffic at debug
// level to log. A nil log discards logs.
func NewLoopback(log *zap.Logger) *Loopback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loopback{
		log:      log,
		handlers: map[string]Handler{},
		watchers: mapset.New[*Watcher](),
	}
}

// SetRegistry sets the Registry used to decode variants in messages
// received from the loopback. The default is
// [dbusmsg.DefaultRegistry].
func (l *Loopback) SetRegistry(r *dbusmsg.Registry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reg = r
}

// Handle registers h to answer calls to iface.member. It replaces
// any previous handler for the same method.
func (l *Loopback) Handle(iface, member string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[iface+"."+member] = h
}

// Close shuts down the loopback and all its Watchers. Further sends
// and calls fail with [net.ErrClosed].
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ws := maps.Clone(l.watchers)
	clear(l.watchers)
	l.mu.Unlock()

	for w := range ws {
		w.Close()
	}
	return nil
}

// Send implements [dbusmsg.Caller]. Signals are delivered to
// matching Watchers, and method calls are dispatched with their
// replies discarded.
func (l *Loopback) Send(ctx context.Context, m *dbusmsg.Message) error {
	bs, err := l.encode(m)
	if err != nil {
		return err
	}
	switch m.Type() {
	case dbusmsg.TypeSignal:
		l.deliver(bs, m.Files())
		return nil
	case dbusmsg.TypeMethodCall:
		call, err := l.decode(bs, m.Files())
		if err != nil {
			return err
		}
		l.dispatch(ctx, call)
		return nil
	default:
		return fmt.Errorf("loopback cannot route unsolicited %s message", m.Type())
	}
}

// Call implements [dbusmsg.Caller].
func (l *Loopback) Call(ctx context.Context, m *dbusmsg.Message) (*dbusmsg.Message, error) {
	bs, err := l.encode(m)
	if err != nil {
		return nil, err
	}
	call, err := l.decode(bs, m.Files())
	if err != nil {
		return nil, err
	}

	done := make(chan *dbusmsg.Message, 1)
	go func() {
		done <- l.dispatch(ctx, call)
	}()
	var reply *dbusmsg.Message
	select {
	case reply = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if reply.Sender() == "" {
		sender := call.Destination()
		if sender == "" {
			sender = ServerName
		}
		reply.SetSender(sender)
	}
	bs, err = l.encode(reply)
	if err != nil {
		return nil, fmt.Errorf("encoding reply to %s.%s: %w", call.Interface(), call.Member(), err)
	}
	return l.decode(bs, reply.Files())
}

// dispatch runs the handler for call, and returns its reply.
func (l *Loopback) dispatch(ctx context.Context, call *dbusmsg.Message) *dbusmsg.Message {
	l.mu.Lock()
	h := l.handlers[call.Interface()+"."+call.Member()]
	l.mu.Unlock()

	l.log.Debug("dispatching call",
		zap.String("interface", call.Interface()),
		zap.String("member", call.Member()),
		zap.Uint32("serial", call.Serial()),
		zap.Stringer("signature", call.Signature()),
		zap.Bool("handled", h != nil))

	if h == nil {
		return call.CreateError(dbusmsg.ErrorUnknownMethod, fmt.Sprintf("no method %s on interface %s", call.Member(), call.Interface()))
	}
	reply := h(ctx, call)
	if reply == nil {
		reply = call.CreateReply()
	}
	return reply
}

// encode stamps a serial and sender on m if needed, and returns its
// wire encoding.
func (l *Loopback) encode(m *dbusmsg.Message) ([]byte, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, net.ErrClosed
	}
	l.serial++
	serial := l.serial
	l.mu.Unlock()

	if m.Serial() == 0 {
		m.SetSerial(serial)
	}
	if m.Sender() == "" {
		m.SetSender(ClientName)
	}
	bs, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type(), err)
	}
	return bs, nil
}

// decode parses a message received from the loopback.
func (l *Loopback) decode(bs []byte, files []*os.File) (*dbusmsg.Message, error) {
	ret, err := dbusmsg.UnmarshalMessage(bs)
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	l.mu.Lock()
	reg := l.reg
	l.mu.Unlock()
	ret.SetRegistry(reg).SetLogger(l.log).AttachFiles(files...)
	return ret, nil
}

// deliver hands a separately decoded copy of the signal bs to each
// Watcher.
func (l *Loopback) deliver(bs []byte, files []*os.File) {
	l.mu.Lock()
	ws := maps.Clone(l.watchers)
	l.mu.Unlock()

	for w := range ws {
		sig, err := l.decode(bs, files)
		if err != nil {
			l.log.Debug("dropping undecodable signal", zap.Error(err))
			return
		}
		w.deliver(sig)
	}
}
