package dbustest

import (
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbusmsg"
)

const maxWatcherQueue = 20

// Watch returns a Watcher for signals sent through the loopback.
//
// A newly created Watcher delivers no signals. The caller must use
// [Watcher.Match] to specify which signals the Watcher should
// provide.
func (l *Loopback) Watch() *Watcher {
	w := &Watcher{
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		w.Close()
		return w
	}
	l.watchers.Add(w)
	return w
}

// A Watcher delivers signals sent through a [Loopback] that match its
// filters.
type Watcher struct {
	signals  chan *Notification
	wakePump chan struct{}

	stopOnce    sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Notification]
	matches mapset.Set[*Match]
}

// Notification is a signal received by a [Watcher].
type Notification struct {
	// Signal is the received signal message, ready to read.
	Signal *dbusmsg.Message
	// Overflow reports that the watcher discarded some signals that
	// followed this one, due to the caller not processing delivered
	// notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher, and closes the channel returned by
// [Watcher.Chan].
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stopPump)
	})
	<-w.pumpStopped

	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.matches)
	w.queue.Clear()
}

// Chan returns the channel on which signals are delivered.
//
// The caller must drain this channel promptly, to avoid overflowing
// the Watcher's queue and losing signals. Missing signals due to an
// overflow are indicated by the Overflow field of the [Notification]
// that immediately precedes the discarded signal(s).
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// Match requests delivery of signals that match m.
//
// Matches are additive: a signal is delivered if it matches any of
// the Watcher's matches. The returned function removes the match.
func (w *Watcher) Match(m *Match) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches.Add(m)
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.matches, m)
	}
}

func (w *Watcher) enqueueLocked(n Notification) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(&n)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) deliver(sig *dbusmsg.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		// raced with a Close, this watcher is done.
		return
	default:
	}

	want := func() bool {
		for m := range w.matches {
			if m.Matches(sig) {
				return true
			}
		}
		return false
	}()
	if !want {
		return
	}

	w.enqueueLocked(Notification{Signal: sig})
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
