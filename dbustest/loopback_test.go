package dbustest_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danderson/dbusmsg"
	"github.com/danderson/dbusmsg/dbustest"
	"github.com/google/go-cmp/cmp"
)

type Device struct {
	ID    uint32
	Props map[string]dbusmsg.Variant
}

func TestLoopbackCall(t *testing.T) {
	l := dbustest.New(t)
	l.Handle("org.example.Devices", "List", func(ctx context.Context, call *dbusmsg.Message) *dbusmsg.Message {
		var prefix string
		call.Read(&prefix)
		if err := call.Err(); err != nil {
			return call.CreateError(dbusmsg.ErrorInvalidArgs, err.Error())
		}
		return call.CreateReply().Write([]Device{
			{1, map[string]dbusmsg.Variant{"name": dbusmsg.NewVariant(prefix + "kbd")}},
			{2, map[string]dbusmsg.Variant{"tags": dbusmsg.NewVariant([]string{"usb"})}},
		})
	})

	reply := dbusmsg.NewMethodCall("org.example", "/org/example", "org.example.Devices", "List").
		Write("usb-").
		Call(context.Background(), l)
	if err := reply.AsError(); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if reply.Sender() != "org.example" || reply.Destination() != dbustest.ClientName {
		t.Errorf("reply from %q to %q, want from org.example to %s", reply.Sender(), reply.Destination(), dbustest.ClientName)
	}

	var got []Device
	reply.Read(&got)
	if err := reply.Err(); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	want := []Device{
		{1, map[string]dbusmsg.Variant{"name": dbusmsg.NewVariant("usb-kbd")}},
		{2, map[string]dbusmsg.Variant{"tags": dbusmsg.NewVariant([]string{"usb"})}},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong reply (-got+want):\n%s", diff)
	}

	reply = dbusmsg.NewMethodCall("org.example", "/org/example", "org.example.Devices", "List").
		Write(uint32(4)).
		Call(context.Background(), l)
	if reply.ErrorName() != dbusmsg.ErrorInvalidArgs {
		t.Errorf("List(uint32) got %q, want %s", reply.ErrorName(), dbusmsg.ErrorInvalidArgs)
	}
}

func TestLoopbackUnknownMethod(t *testing.T) {
	l := dbustest.New(t)
	reply := dbusmsg.NewMethodCall("", "/", "org.example.Nope", "Nope").Call(context.Background(), l)
	if reply.ErrorName() != dbusmsg.ErrorUnknownMethod {
		t.Errorf("unknown method got %q, want %s", reply.ErrorName(), dbusmsg.ErrorUnknownMethod)
	}
	if reply.Sender() != dbustest.ServerName {
		t.Errorf("reply sender = %q, want %s", reply.Sender(), dbustest.ServerName)
	}
}

func TestLoopbackRegistry(t *testing.T) {
	type Pair struct {
		N uint32
		S string
	}
	r := dbusmsg.NewRegistry()
	dbusmsg.MustRegisterType[Pair](r)
	r.Freeze()

	l := dbustest.New(t)
	l.SetRegistry(r)
	l.Handle("org.example", "Echo", func(ctx context.Context, call *dbusmsg.Message) *dbusmsg.Message {
		var v dbusmsg.Variant
		call.Read(&v)
		if err := call.Err(); err != nil {
			return call.CreateError(dbusmsg.ErrorInvalidArgs, err.Error())
		}
		return call.CreateReply().Write(v)
	})

	reply := dbusmsg.NewMethodCall("", "/", "org.example", "Echo").
		Write(dbusmsg.NewVariant(Pair{3, "x"})).
		Call(context.Background(), l)
	if err := reply.AsError(); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	var v dbusmsg.Variant
	reply.Read(&v)
	if got, ok := dbusmsg.VariantValue[Pair](v); !ok || got != (Pair{3, "x"}) {
		t.Errorf("Echo returned %v, want Variant({3 x})", v)
	}
}

func TestLoopbackTimeout(t *testing.T) {
	l := dbustest.New(t)
	l.Handle("org.example", "Hang", func(ctx context.Context, call *dbusmsg.Message) *dbusmsg.Message {
		<-ctx.Done()
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	reply := dbusmsg.NewMethodCall("", "/", "org.example", "Hang").Call(ctx, l)
	if reply.ErrorName() != dbusmsg.ErrorNoReply {
		t.Errorf("timed out call got %q, want %s", reply.ErrorName(), dbusmsg.ErrorNoReply)
	}
}

func TestLoopbackClosed(t *testing.T) {
	l := dbustest.New(t)
	w := l.Watch()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-w.Chan(); ok {
		t.Error("watcher channel still open after Close")
	}

	reply := dbusmsg.NewMethodCall("", "/", "org.example", "M").Call(context.Background(), l)
	if reply.ErrorName() != dbusmsg.ErrorDisconnected {
		t.Errorf("call on closed loopback got %q, want %s", reply.ErrorName(), dbusmsg.ErrorDisconnected)
	}

	sig := dbusmsg.NewSignal("/", "org.example", "S")
	if sig.Send(context.Background(), l) {
		t.Fatal("Send on closed loopback succeeded")
	}
	if !errors.Is(sig.Err(), net.ErrClosed) {
		t.Errorf("Send on closed loopback got err %v, want net.ErrClosed", sig.Err())
	}
}

func TestLoopbackSignals(t *testing.T) {
	l := dbustest.New(t)
	all := l.Watch()
	defer all.Close()
	all.Match(dbustest.MatchAllSignals())

	some := l.Watch()
	defer some.Close()
	some.Match(dbustest.MatchSignal("org.example", "Changed").ArgStr(0, "keep"))

	ctx := context.Background()
	for _, arg := range []string{"drop", "keep"} {
		if sig := dbusmsg.NewSignal("/org/example", "org.example", "Changed").Write(arg); !sig.Send(ctx, l) {
			t.Fatalf("Send failed: %v", sig.Err())
		}
	}

	recv := func(w *dbustest.Watcher) string {
		t.Helper()
		select {
		case n := <-w.Chan():
			var s string
			n.Signal.Read(&s)
			if err := n.Signal.Err(); err != nil {
				t.Fatalf("reading signal: %v", err)
			}
			if n.Signal.Sender() != dbustest.ClientName {
				t.Errorf("signal sender = %q, want %s", n.Signal.Sender(), dbustest.ClientName)
			}
			return s
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for signal")
			return ""
		}
	}
	if got := recv(all); got != "drop" {
		t.Errorf("first signal = %q, want drop", got)
	}
	if got := recv(all); got != "keep" {
		t.Errorf("second signal = %q, want keep", got)
	}
	if got := recv(some); got != "keep" {
		t.Errorf("filtered signal = %q, want keep", got)
	}
	select {
	case n := <-some.Chan():
		t.Errorf("unexpected extra signal %v", n)
	default:
	}
}

func TestLoopbackOverflow(t *testing.T) {
	l := dbustest.New(t)
	w := l.Watch()
	defer w.Close()
	remove := w.Match(dbustest.MatchAllSignals())

	ctx := context.Background()
	for i := range 50 {
		dbusmsg.NewSignal("/", "org.example", "Tick").Write(uint32(i)).Send(ctx, l)
	}

	// The queue holds maxWatcherQueue notifications, the pump may
	// hold one more in hand, and everything else is dropped.
	var (
		got      []uint32
		overflow bool
	)
recv:
	for {
		select {
		case n := <-w.Chan():
			var u uint32
			n.Signal.Read(&u)
			got = append(got, u)
			overflow = overflow || n.Overflow
		case <-time.After(100 * time.Millisecond):
			break recv
		}
	}
	if len(got) < 20 || len(got) > 21 {
		t.Errorf("received %d signals, want 20 or 21", len(got))
	}
	if !overflow {
		t.Error("no notification reported overflow")
	}
	for i, u := range got {
		if u != uint32(i) {
			t.Fatalf("signal %d = %d, want %d", i, u, i)
		}
	}

	remove()
	dbusmsg.NewSignal("/", "org.example", "Tick").Write(uint32(99)).Send(ctx, l)
	select {
	case n := <-w.Chan():
		t.Errorf("got signal %v after removing match", n)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestLoopbackSendCall(t *testing.T) {
	l := dbustest.New(t)
	got := make(chan string, 1)
	l.Handle("org.example", "Notify", func(ctx context.Context, call *dbusmsg.Message) *dbusmsg.Message {
		var s string
		call.Read(&s)
		got <- s
		return nil
	})
	m := dbusmsg.NewMethodCall("", "/", "org.example", "Notify").SetNoReplyExpected(true).Write("hi")
	if !m.Send(context.Background(), l) {
		t.Fatalf("Send failed: %v", m.Err())
	}
	if s := <-got; s != "hi" {
		t.Errorf("handler got %q, want hi", s)
	}
}
