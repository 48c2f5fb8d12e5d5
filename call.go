package dbusmsg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// A Caller delivers messages to their destination. It is implemented
// by transports.
type Caller interface {
	// Send sends m without waiting for a reply.
	Send(ctx context.Context, m *Message) error
	// Call sends the method call m, and waits for the reply or error
	// message that answers it.
	Call(ctx context.Context, m *Message) (*Message, error)
}

// Send seals m and sends it through c, without waiting for any
// reply. Send reports whether the message was sent. If not, m is
// invalidated with the reason.
func (m *Message) Send(ctx context.Context, c Caller) bool {
	m.flags |= contextCallFlags(ctx)
	m.Seal()
	if m.err != nil {
		return false
	}
	if err := c.Send(ctx, m); err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrTransport, err))
		return false
	}
	return true
}

// Call seals the method call m, sends it through c, and returns the
// reply.
//
// Call always returns a Message. If m is invalid or the call fails
// in transit, Call returns a locally generated error message that
// describes the failure: [ErrorNoReply] if ctx's deadline expired,
// [ErrorDisconnected] if the transport is closed, and [ErrorFailed]
// otherwise. Remote errors are returned as the error message the
// peer sent.
func (m *Message) Call(ctx context.Context, c Caller) *Message {
	m.flags |= contextCallFlags(ctx)
	m.Seal()
	return m.call(ctx, c)
}

func (m *Message) call(ctx context.Context, c Caller) *Message {
	if m.err != nil {
		return m.localError(ErrorFailed, m.err)
	}
	if m.typ != TypeMethodCall {
		return m.localError(ErrorFailed, fmt.Errorf("cannot call a %s message", m.typ))
	}
	reply, err := c.Call(ctx, m)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return m.localError(ErrorNoReply, err)
		case errors.Is(err, net.ErrClosed):
			return m.localError(ErrorDisconnected, err)
		default:
			return m.localError(ErrorFailed, err)
		}
	}
	return reply
}

func (m *Message) localError(name string, err error) *Message {
	m.logger().Debug("dbus call failed",
		zap.String("interface", m.iface),
		zap.String("member", m.member),
		zap.String("error_name", name),
		zap.Error(err))
	ret := m.CreateError(name, err.Error())
	ret.sender = m.destination
	return ret
}

// A Slot is a method call in progress, started by
// [Message.CallAsync].
type Slot struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}
}

// CallAsync is like [Message.Call], but returns immediately. When
// the call completes, fn is called with the reply in a new goroutine,
// unless the call was canceled first.
//
// m must not be used until the returned Slot is done.
func (m *Message) CallAsync(ctx context.Context, c Caller, fn func(reply *Message)) *Slot {
	m.flags |= contextCallFlags(ctx)
	m.Seal()

	ctx, cancel := context.WithCancel(ctx)
	ret := &Slot{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(ret.done)
		defer cancel()
		reply := m.call(ctx, c)
		if ret.canceled.Load() {
			return
		}
		fn(reply)
	}()
	return ret
}

// Cancel abandons the call. If the reply callback has not started
// yet, it will not be called.
func (s *Slot) Cancel() {
	s.canceled.Store(true)
	s.cancel()
}

// Done returns a channel that is closed when the call has completed,
// and the reply callback, if any, has returned.
func (s *Slot) Done() <-chan struct{} {
	return s.done
}
