package eventbus

import (
	"sync"
	"time"

	"researchd/pkg/logx"
)

// subscriber receives live events on a buffered channel. A subscriber that
// cannot keep up is dropped; it can reconnect and replay from the journal.
type subscriber struct {
	ch chan *Event
}

// sessionStream holds the in-memory tail and live subscribers for a session.
type sessionStream struct {
	nextSeq int64
	history []*Event
	subs    map[*subscriber]struct{}
}

// Bus fans progress events out to live subscribers while journaling every
// event durably. Sequence numbers are assigned under the bus lock so they
// are monotonic and gap-free per session.
type Bus struct {
	mu       sync.Mutex
	journal  *Journal
	sessions map[string]*sessionStream
	logger   *logx.Logger
}

// NewBus creates an event bus backed by the given journal. A nil journal
// keeps events in memory only (tests).
func NewBus(journal *Journal) *Bus {
	return &Bus{
		journal:  journal,
		sessions: make(map[string]*sessionStream),
		logger:   logx.NewLogger("eventbus"),
	}
}

func (b *Bus) stream(sessionID string) *sessionStream {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionStream{
			nextSeq: 1,
			subs:    make(map[*subscriber]struct{}),
		}
		// Recover the tail from the journal so sequence numbers continue
		// after a restart instead of colliding with journaled ones.
		if b.journal != nil {
			if events, err := b.journal.Read(sessionID); err != nil {
				b.logger.Error("journal recovery failed for %s: %v", sessionID, err)
			} else if len(events) > 0 {
				st.history = events
				st.nextSeq = events[len(events)-1].Seq + 1
			}
		}
		b.sessions[sessionID] = st
	}
	return st
}

// Publish appends one event for a session. The durable journal write happens
// before any live delivery; a journal failure is surfaced to the caller and
// the event is not delivered.
func (b *Bus) Publish(sessionID, eventType, payload string) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(sessionID)
	event := &Event{
		SessionID: sessionID,
		Seq:       st.nextSeq,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	if b.journal != nil {
		if err := b.journal.Append(event); err != nil {
			return nil, err
		}
	}

	st.nextSeq++
	st.history = append(st.history, event)

	for sub := range st.subs {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop the live delivery. The journal keeps
			// the record; the client replays on reconnect.
			b.logger.Debug("dropping live event seq=%d for slow subscriber on %s", event.Seq, sessionID)
		}
	}
	return event, nil
}

// Subscribe returns a channel that first replays the full history for the
// session and then carries live events. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe(sessionID string) (<-chan *Event, func()) {
	b.mu.Lock()
	st := b.stream(sessionID)
	replay := make([]*Event, len(st.history))
	copy(replay, st.history)

	sub := &subscriber{ch: make(chan *Event, len(replay)+256)}
	for _, event := range replay {
		sub.ch <- event
	}
	st.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := st.subs[sub]; ok {
			delete(st.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// History returns a copy of all events recorded for a session.
func (b *Bus) History(sessionID string) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(sessionID)
	out := make([]*Event, len(st.history))
	copy(out, st.history)
	return out
}

// CloseSession drops live subscribers and releases the journal handle for a
// session that reached a terminal state.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	if ok {
		for sub := range st.subs {
			delete(st.subs, sub)
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	if b.journal != nil {
		if err := b.journal.CloseSession(sessionID); err != nil {
			b.logger.Warn("failed to close journal for %s: %v", sessionID, err)
		}
	}
}
