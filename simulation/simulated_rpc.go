// Package simulation provides the in-process transport that stands in for
// network I/O between the servers of a test cluster.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// ErrUnknownPeer is returned when a request targets an id that was never
// added to the transport.
var ErrUnknownPeer = errors.New("unknown peer")

// Call is one request in flight, together with the channel its reply is
// delivered on.
type Call[REQ, REP any] struct {
	ID   uuid.UUID
	From string
	To   string

	request REQ
	replyCh chan REP
	once    sync.Once
}

// Request returns the payload sent by the requestor.
func (c *Call[REQ, REP]) Request() REQ {
	return c.request
}

// Reply hands the reply back to the requestor. Only the first reply counts,
// and replying never blocks even if the requestor already gave up.
func (c *Call[REQ, REP]) Reply(reply REP) {
	c.once.Do(func() {
		c.replyCh <- reply
	})
}

type requestQueue[REQ, REP any] struct {
	calls []*Call[REQ, REP]
	open  bool
	delay time.Duration

	// Closed and replaced whenever the queue changes, waking up takers.
	changed chan struct{}
}

func (q *requestQueue[REQ, REP]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// SimulatedRPC delivers requests of type REQ to per-peer inbound queues and
// replies of type REP straight back to the waiting requestor. Each queue can
// be slowed down with a take delay or closed entirely; neither drops nor
// duplicates requests, they just wait in the queue.
type SimulatedRPC[REQ, REP any] struct {
	name    string
	clock   clock.Clock
	metrics *Metrics

	queues map[string]*requestQueue[REQ, REP]
	mu     sync.Mutex
}

// NewSimulatedRPC creates a transport named name (used for logging and metric
// labels) routing to the given peer ids. metrics may be nil.
func NewSimulatedRPC[REQ, REP any](name string, clk clock.Clock, metrics *Metrics, ids ...string) *SimulatedRPC[REQ, REP] {
	s := &SimulatedRPC[REQ, REP]{
		name:    name,
		clock:   clk,
		metrics: metrics,
		queues:  make(map[string]*requestQueue[REQ, REP]),
	}
	s.AddPeers(ids...)
	return s
}

// Name returns the name the transport was created with.
func (s *SimulatedRPC[REQ, REP]) Name() string {
	return s.name
}

// AddPeers makes the given ids routable. Ids that are already known keep
// their queue and its settings.
func (s *SimulatedRPC[REQ, REP]) AddPeers(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.queues[id]; ok {
			continue
		}
		s.queues[id] = &requestQueue[REQ, REP]{
			open:    true,
			changed: make(chan struct{}),
		}
	}
}

// Peers returns the routable ids, sorted.
func (s *SimulatedRPC[REQ, REP]) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetTakeRequestDelay makes every take from the queue of id last at least d.
func (s *SimulatedRPC[REQ, REP]) SetTakeRequestDelay(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.mustQueue(id)
	q.delay = d
	q.notify()
}

// TakeRequestDelay returns the current take delay of id.
func (s *SimulatedRPC[REQ, REP]) TakeRequestDelay(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mustQueue(id).delay
}

// SetIsOpenForMessage opens or closes the inbound queue of id. Requests sent
// to a closed queue are kept and delivered once it is reopened.
func (s *SimulatedRPC[REQ, REP]) SetIsOpenForMessage(id string, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.mustQueue(id)
	q.open = open
	q.notify()
}

// IsOpenForMessage reports whether the inbound queue of id is open.
func (s *SimulatedRPC[REQ, REP]) IsOpenForMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mustQueue(id).open
}

// Pending returns the number of requests waiting in the queue of id.
func (s *SimulatedRPC[REQ, REP]) Pending(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.mustQueue(id).calls)
}

// SendRequest enqueues req for the peer to and blocks until that peer replies
// or ctx is done.
func (s *SimulatedRPC[REQ, REP]) SendRequest(ctx context.Context, from, to string, req REQ) (REP, error) {
	var zero REP

	s.mu.Lock()
	q, ok := s.queues[to]
	if !ok {
		s.mu.Unlock()
		return zero, fmt.Errorf("%s: send from %s to %s: %w", s.name, from, to, ErrUnknownPeer)
	}
	call := &Call[REQ, REP]{
		ID:      uuid.New(),
		From:    from,
		To:      to,
		request: req,
		replyCh: make(chan REP, 1),
	}
	q.calls = append(q.calls, call)
	q.notify()
	s.mu.Unlock()

	s.metrics.sent(s.name, to)

	select {
	case reply := <-call.replyCh:
		return reply, nil
	case <-ctx.Done():
		s.metrics.timeout(s.name, to)
		return zero, fmt.Errorf("%s: call %s from %s to %s: %w", s.name, call.ID, from, to, ctx.Err())
	}
}

// TakeRequest blocks until a request for id can be delivered: the queue must
// be open and the take delay must have elapsed since the queue last became
// deliverable. The request is only dequeued if ctx is still live, so a caller
// that is shutting down never swallows a request.
func (s *SimulatedRPC[REQ, REP]) TakeRequest(ctx context.Context, id string) (*Call[REQ, REP], error) {
	var start time.Time

	for {
		s.mu.Lock()
		q, ok := s.queues[id]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%s: take for %s: %w", s.name, id, ErrUnknownPeer)
		}
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return nil, err
		}

		changed := q.changed
		ready := q.open && len(q.calls) > 0

		var wait time.Duration
		if !ready {
			// The delay only counts time spent deliverable.
			start = time.Time{}
		} else {
			if start.IsZero() {
				start = s.clock.Now()
			}
			wait = q.delay - s.clock.Since(start)
			if wait <= 0 {
				call := q.calls[0]
				q.calls[0] = nil
				q.calls = q.calls[1:]
				s.mu.Unlock()

				s.metrics.taken(s.name, id)
				return call, nil
			}
		}
		s.mu.Unlock()

		// A nil channel never fires, so a queue that is not ready only
		// wakes up on change or cancellation.
		var timer <-chan time.Time
		if ready {
			timer = s.clock.After(wait)
		}

		select {
		case <-changed:
		case <-timer:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Must be called with s.mu held.
func (s *SimulatedRPC[REQ, REP]) mustQueue(id string) *requestQueue[REQ, REP] {
	q, ok := s.queues[id]
	if !ok {
		panic(fmt.Sprintf("%s: peer %s is not registered", s.name, id))
	}
	return q
}
