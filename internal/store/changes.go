package store

import "sync"

// subscriptionBuffer is the per-subscriber channel capacity. A subscriber
// that falls more than this far behind starts losing its oldest queued
// events; the newest event is always kept, so a consumer that re-queries
// on wake never ends up holding a stale snapshot.
const subscriptionBuffer = 128

// Filter restricts a subscription to changes of matching documents.
type Filter struct {
	// Type matches the document's type discriminator. Empty matches all.
	Type string
}

// Subscription is a cancellable handle on the store's change feed.
//
// Events arrive on C() in commit order. Cancel is idempotent, effective
// immediately for future events, and safe to call after the store has been
// closed.
type Subscription struct {
	st     *Store
	id     int
	filter Filter
	ch     chan Change
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription is
// cancelled or the store is closed.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

// Cancel stops delivery and closes the event channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.st.subsMu.Lock()
		defer s.st.subsMu.Unlock()

		if _, ok := s.st.subs[s.id]; ok {
			delete(s.st.subs, s.id)
			close(s.ch)
		}
	})
}

// Subscribe registers a change-feed consumer. Events for documents matching
// the filter are delivered in commit order until Cancel is called. Local
// writes and replicated writes appear identically, interleaved in the order
// they were committed.
func (st *Store) Subscribe(filter Filter) *Subscription {
	st.subsMu.Lock()
	defer st.subsMu.Unlock()

	sub := &Subscription{
		st:     st,
		id:     st.nextSub,
		filter: filter,
		ch:     make(chan Change, subscriptionBuffer),
	}
	st.nextSub++

	if st.closed {
		// Store already closed: hand back a subscription whose channel is
		// closed so consumers drain immediately instead of hanging.
		close(sub.ch)
		return sub
	}

	st.subs[sub.id] = sub
	return sub
}

// publish fans a committed change out to matching subscribers. Called with
// writeMu held so delivery order matches commit order.
func (st *Store) publish(change Change, docType string) {
	st.subsMu.RLock()
	defer st.subsMu.RUnlock()

	for _, sub := range st.subs {
		if sub.filter.Type != "" && sub.filter.Type != docType {
			continue
		}

		select {
		case sub.ch <- change:
		default:
			// Lagging subscriber: evict the oldest queued event to make
			// room. writeMu serializes publishers, so the retry cannot
			// race another send.
			select {
			case dropped := <-sub.ch:
				st.logger.Printf("Warning: subscriber %d lagging, dropped change seq=%d id=%s", sub.id, dropped.Seq, dropped.ID)
			default:
			}
			select {
			case sub.ch <- change:
			default:
			}
		}
	}
}
