package run

import (
	"sync"

	"github.com/papforge/pap/pkg/api"
)

// subscriberBuffer bounds how far a consumer may lag behind the live
// stream before it is disconnected. Disconnected consumers resubscribe
// with their last seen sequence and replay from history.
const subscriberBuffer = 1024

// Subscription is one consumer's view of a run's status stream. C closes
// when the run terminates, the consumer lags too far behind, or Cancel is
// called; Lagged distinguishes the second case so consumers can resume.
type Subscription struct {
	C      <-chan api.StatusEvent
	sub    *subscriber
	cancel func()
}

// Cancel detaches the subscription. Idempotent.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Lagged reports whether the stream was cut because the consumer fell
// behind the live run. Meaningful only after C is closed.
func (s *Subscription) Lagged() bool {
	return s.sub.lagged
}

// subscriber pairs the delivery channel with the reason it was closed.
// lagged is written before close(ch), so a reader that observed the close
// sees it without further synchronization.
type subscriber struct {
	ch     chan api.StatusEvent
	lagged bool
}

// broadcaster fans one run's status events out to any number of
// subscribers. It assigns the run-wide sequence, keeps the full history
// for replay, and closes every subscription once the run is terminal.
type broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	history []api.StatusEvent
	subs    map[int]*subscriber
	nextID  int
	closed  bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscriber)}
}

// publish stamps the event with the next sequence number and delivers it.
// Events published after close are dropped.
func (b *broadcaster) publish(ev api.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	ev.Seq = b.seq
	b.history = append(b.history, ev)
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Lagging consumer: drop it rather than stall the run. The
			// lagged flag tells the consumer to resume from its last seq.
			sub.lagged = true
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// subscribe returns a subscription replaying history after afterSeq
// followed by live events.
func (b *broadcaster) subscribe(afterSeq uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []api.StatusEvent
	for _, ev := range b.history {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}

	sub := &subscriber{ch: make(chan api.StatusEvent, len(replay)+subscriberBuffer)}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if b.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, sub: sub}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return &Subscription{C: sub.ch, sub: sub, cancel: cancel}
}

// close ends the stream: every subscriber channel is closed and later
// subscriptions only replay history.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// lastSeq returns the sequence of the most recent event.
func (b *broadcaster) lastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// historySnapshot copies the event history, for archival of terminal runs.
func (b *broadcaster) historySnapshot() []api.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]api.StatusEvent, len(b.history))
	copy(out, b.history)
	return out
}
