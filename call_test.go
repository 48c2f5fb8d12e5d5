package dbusmsg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// fakeCaller answers calls with fn, and records sent messages.
type fakeCaller struct {
	sent []*Message
	err  error
	fn   func(ctx context.Context, m *Message) (*Message, error)
}

func (f *fakeCaller) Send(ctx context.Context, m *Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeCaller) Call(ctx context.Context, m *Message) (*Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fn(ctx, m)
}

func echo(ctx context.Context, m *Message) (*Message, error) {
	var s string
	m.Read(&s)
	if err := m.Err(); err != nil {
		return m.CreateError(ErrorInvalidArgs, err.Error()), nil
	}
	return m.CreateReply().Write(s).Seal(), nil
}

func TestCall(t *testing.T) {
	c := &fakeCaller{fn: echo}
	reply := NewMethodCall("x.y", "/x", "x.y", "Echo").SetSerial(1).Write("hello").Call(context.Background(), c)
	if reply.IsError() {
		t.Fatalf("Call returned error %v", reply.AsError())
	}
	var s string
	reply.Read(&s)
	mustValid(t, reply)
	if s != "hello" {
		t.Errorf("reply = %q, want \"hello\"", s)
	}

	reply = NewMethodCall("x.y", "/x", "x.y", "Echo").SetSerial(2).Write(uint32(1)).Call(context.Background(), c)
	if !reply.IsError() || reply.ErrorName() != ErrorInvalidArgs {
		t.Errorf("Call with bad args returned %v %q, want %s", reply.Type(), reply.ErrorName(), ErrorInvalidArgs)
	}
}

func TestCallFailures(t *testing.T) {
	tests := []struct {
		name string
		m    *Message
		err  error
		want string
	}{
		{"invalid message", NewMethodCall("x.y", "/x", "x.y", "Echo").Write(int(1)), nil, ErrorFailed},
		{"not a call", NewSignal("/x", "x.y", "Sig"), nil, ErrorFailed},
		{"timeout", NewMethodCall("x.y", "/x", "x.y", "Echo"), fmt.Errorf("waiting: %w", context.DeadlineExceeded), ErrorNoReply},
		{"closed", NewMethodCall("x.y", "/x", "x.y", "Echo"), net.ErrClosed, ErrorDisconnected},
		{"other", NewMethodCall("x.y", "/x", "x.y", "Echo"), errors.New("boom"), ErrorFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &fakeCaller{fn: echo, err: tc.err}
			reply := tc.m.SetSerial(7).Call(context.Background(), c)
			if !reply.IsError() {
				t.Fatalf("Call returned %v, want error", reply.Type())
			}
			if reply.ErrorName() != tc.want {
				t.Errorf("error name = %q, want %q", reply.ErrorName(), tc.want)
			}
			if reply.ReplySerial() != 7 {
				t.Errorf("local error replies to %d, want 7", reply.ReplySerial())
			}
			if reply.ErrorMessage() == "" {
				t.Error("local error has no explanation")
			} else if testing.Verbose() {
				t.Logf("error: %v", reply.AsError())
			}
		})
	}
}

func TestSend(t *testing.T) {
	c := &fakeCaller{}
	m := NewSignal("/x", "x.y", "Sig").SetSerial(1).Write(uint32(1))
	if !m.Send(context.Background(), c) {
		t.Fatalf("Send failed: %v", m.Err())
	}
	if len(c.sent) != 1 || c.sent[0] != m {
		t.Fatalf("caller got %v, want [%p]", c.sent, m)
	}
	if !m.sealed {
		t.Error("Send did not seal the message")
	}

	c.err = net.ErrClosed
	m = NewSignal("/x", "x.y", "Sig").SetSerial(2)
	if m.Send(context.Background(), c) {
		t.Fatal("Send succeeded through a closed caller")
	}
	if !errors.Is(m.Err(), ErrTransport) || !errors.Is(m.Err(), net.ErrClosed) {
		t.Errorf("Send got err %v, want ErrTransport wrapping net.ErrClosed", m.Err())
	}

	m = NewSignal("/x", "x.y", "Sig").Write(float32(1))
	if m.Send(context.Background(), &fakeCaller{}) {
		t.Error("Send of invalid message succeeded")
	}
}

func TestContextFlagsApplied(t *testing.T) {
	c := &fakeCaller{}
	ctx := WithAllowInteraction(WithNoAutoStart(context.Background()))
	m := NewMethodCall("x.y", "/x", "x.y", "M").SetSerial(1)
	m.Send(ctx, c)
	if !m.NoAutoStart() || !m.CanInteract() {
		t.Errorf("flags not applied: NoAutoStart=%v CanInteract=%v", m.NoAutoStart(), m.CanInteract())
	}
}

func TestCallAsync(t *testing.T) {
	c := &fakeCaller{fn: echo}
	got := make(chan string, 1)
	slot := NewMethodCall("x.y", "/x", "x.y", "Echo").SetSerial(1).Write("async").CallAsync(context.Background(), c, func(reply *Message) {
		var s string
		reply.Read(&s)
		got <- s
	})
	<-slot.Done()
	select {
	case s := <-got:
		if s != "async" {
			t.Errorf("async reply = %q, want \"async\"", s)
		}
	default:
		t.Fatal("callback did not run before Done")
	}
}

func TestCallAsyncCancel(t *testing.T) {
	started := make(chan struct{})
	c := &fakeCaller{fn: func(ctx context.Context, m *Message) (*Message, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	called := false
	slot := NewMethodCall("x.y", "/x", "x.y", "Slow").SetSerial(1).CallAsync(context.Background(), c, func(*Message) {
		called = true
	})
	<-started
	slot.Cancel()
	select {
	case <-slot.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("canceled call did not finish")
	}
	if called {
		t.Error("callback ran after Cancel")
	}
}

func TestCallAsyncTimeout(t *testing.T) {
	c := &fakeCaller{fn: func(ctx context.Context, m *Message) (*Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	got := make(chan *Message, 1)
	slot := NewMethodCall("x.y", "/x", "x.y", "Slow").SetSerial(1).CallAsync(ctx, c, func(reply *Message) {
		got <- reply
	})
	<-slot.Done()
	reply := <-got
	if reply.ErrorName() != ErrorNoReply {
		t.Errorf("timed out call got %q, want %s", reply.ErrorName(), ErrorNoReply)
	}
}
