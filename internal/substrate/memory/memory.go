// Package memory is an in-process substrate. A Service sequences every
// write into one total order and queues the result for each joined client;
// Flush delivers queued items through each client's dispatcher.
package memory

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/feltcanvas/felt/internal/queue"
	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

type deliveryKind int

const (
	deliverOp deliveryKind = iota
	deliverSignal
	deliverMemberJoined
	deliverMemberLeft
)

type delivery struct {
	kind    deliveryKind
	seq     uint64
	origin  string
	op      streaming.Op
	topic   string
	payload []byte
	member  core.Member
}

// Stats counts sequencer traffic.
type Stats struct {
	Ops            uint64
	DroppedWrites  uint64
	Rejected       uint64
	Signals        uint64
	SignalsDropped uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSignalFilter installs a predicate deciding whether a signal from one
// client reaches another. Returning false drops it.
func WithSignalFilter(fn func(from, to string) bool) Option {
	return func(s *Service) {
		s.signalFilter = fn
	}
}

// Service is the sequencer shared by every client of one session.
type Service struct {
	mu           sync.Mutex
	canonical    *substrate.Replica
	seq          uint64
	clients      []*Client
	stats        Stats
	logger       *slog.Logger
	signalFilter func(from, to string) bool
}

// NewService creates an empty session.
func NewService(opts ...Option) *Service {
	s := &Service{
		canonical: substrate.NewReplica(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join adds a client. When loop is nil deliveries run inline during Flush.
// An empty UserID gets a generated one; ClientID is always assigned here.
func (s *Service) Join(member core.Member, loop *dispatcher.Dispatcher) (*Client, error) {
	if loop == nil {
		var err error
		loop, err = dispatcher.New(s.logger)
		if err != nil {
			return nil, err
		}
	}
	if member.UserID == "" {
		member.UserID = uuid.NewString()
	}
	member.ClientID = uuid.NewString()

	c := &Client{
		svc:     s,
		self:    member,
		loop:    loop,
		replica: substrate.NewReplica(),
		inbox:   queue.New[delivery](),
		signals: make(map[string]*substrate.Listeners[signalEvent]),
		logger:  s.logger.With("client", member.ClientID, "user", member.UserID),
	}
	c.registerHandlers()

	s.mu.Lock()
	c.replica.Seed(s.canonical.All(), s.canonical.Counter(), s.seq)
	c.members = []core.Member{member}
	for _, other := range s.clients {
		c.members = append(c.members, other.self)
		other.inbox.Push(delivery{kind: deliverMemberJoined, member: member})
	}
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	c.logger.Debug("Joined session", "members", len(c.members))
	return c, nil
}

// Flush delivers queued items round-robin, one per client per round, until
// every inbox is empty. Handlers may submit new writes; those are delivered
// in later rounds. It returns the number of items delivered.
func (s *Service) Flush() int {
	delivered := 0
	for {
		s.mu.Lock()
		clients := make([]*Client, len(s.clients))
		copy(clients, s.clients)
		s.mu.Unlock()

		progressed := false
		for _, c := range clients {
			d, ok := c.inbox.TryPop()
			if !ok {
				continue
			}
			c.deliver(d)
			delivered++
			progressed = true
		}
		if !progressed {
			return delivered
		}
	}
}

// Pending returns the number of undelivered items across all clients.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		n += c.inbox.Len()
	}
	return n
}

// Stats returns a snapshot of the traffic counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Members returns the current roster in join order.
func (s *Service) Members() []core.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Member, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.self)
	}
	return out
}

// Snapshot returns the sequenced state.
func (s *Service) Snapshot() ([]core.ShapeRecord, int64) {
	return s.canonical.All(), s.canonical.Counter()
}

func (s *Service) submit(origin *Client, op streaming.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if origin.closed {
		return
	}
	if err := substrate.CheckOrigin(op, origin.self); err != nil {
		s.stats.Rejected++
		s.logger.Warn("Rejected write", "client", origin.self.ClientID, "kind", op.Kind, "id", op.ID, "error", err)
		return
	}

	seq := s.seq + 1
	s.seq = seq
	_, ok, err := s.canonical.Apply(seq, op)
	if err != nil {
		s.stats.Rejected++
		s.logger.Warn("Rejected write", "client", origin.self.ClientID, "kind", op.Kind, "id", op.ID, "error", err)
		return
	}
	if !ok {
		s.stats.DroppedWrites++
		s.logger.Debug("Dropped write to missing shape", "kind", op.Kind, "id", op.ID, "field", op.Field)
		return
	}

	s.stats.Ops++
	s.broadcastLocked(delivery{kind: deliverOp, seq: seq, origin: origin.self.ClientID, op: op})
}

func (s *Service) increment(origin *Client) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := s.canonical.Increment()
	if origin.closed {
		return value
	}
	s.seq++
	s.stats.Ops++
	s.broadcastLocked(delivery{kind: deliverOp, seq: s.seq, origin: origin.self.ClientID, op: streaming.CounterOp(value)})
	return value
}

func (s *Service) signal(origin *Client, topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if origin.closed {
		return
	}

	s.stats.Signals++
	from := origin.self.ClientID
	for _, c := range s.clients {
		if c != origin && s.signalFilter != nil && !s.signalFilter(from, c.self.ClientID) {
			s.stats.SignalsDropped++
			continue
		}
		c.inbox.Push(delivery{kind: deliverSignal, origin: from, topic: topic, payload: payload})
	}
}

func (s *Service) leave(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	dropped := len(c.inbox.Drain())
	s.broadcastLocked(delivery{kind: deliverMemberLeft, member: c.self})
	s.logger.Debug("Client left session", "client", c.self.ClientID, "remaining", len(s.clients), "undelivered", dropped)
}

func (s *Service) broadcastLocked(d delivery) {
	for _, c := range s.clients {
		c.inbox.Push(d)
	}
}
