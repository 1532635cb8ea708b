package progress

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-logr/logr"

	"webrag/src/infrastructure/log"
)

const (
	DefaultRetention = time.Hour

	// maxPending is how many undelivered updates a slow subscriber may queue
	// before intermediate updates are collapsed.
	maxPending = 256
)

type sessionKey struct {
	project string
	session string
}

type sessionState struct {
	update    Update
	updatedAt time.Time
}

// Broadcaster keeps the latest state of every (project, session) and fans
// accepted updates out to the project's subscribers. It is the only consumer
// of the progress topic that talks to clients.
type Broadcaster struct {
	mu          sync.Mutex
	sessions    map[sessionKey]*sessionState
	subscribers map[string]map[*subscriber]struct{}

	retention time.Duration
	now       func() time.Time
	logger    logr.Logger
}

type BroadcasterOption func(b *Broadcaster)

// WithRetention sets how long a terminal state stays queryable before Reap drops it.
func WithRetention(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.retention = d
		}
	}
}

func WithClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		sessions:    make(map[sessionKey]*sessionState),
		subscribers: make(map[string]map[*subscriber]struct{}),
		retention:   DefaultRetention,
		now:         time.Now,
		logger:      log.WithName("progress"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Apply folds u into the session state machine and notifies subscribers.
// It returns the state as stored and whether the update was accepted.
//
// Rejected updates: anything after a terminal state, a status moving
// backwards, a shrinking chunk count, and updates from a job other than the
// session's current one unless they start a new job (idle). A terminal update
// is never rejected for its chunk count; the count is carried forward instead.
func (b *Broadcaster) Apply(u Update) (Update, bool) {
	key := sessionKey{u.ProjectID, u.SessionID}

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.sessions[key]
	if ok {
		cur := state.update
		switch {
		case cur.JobID != u.JobID:
			if u.Status != StatusIdle {
				return cur, false
			}
		case cur.Status.Terminal():
			return cur, false
		case u.Status.rank() < cur.Status.rank():
			return cur, false
		case u.CurrentChunk < cur.CurrentChunk && !u.Status.Terminal():
			return cur, false
		default:
			u.CurrentChunk = max(u.CurrentChunk, cur.CurrentChunk)
			u.PercentComplete = max(u.PercentComplete, cur.PercentComplete)
		}
	}

	u.PercentComplete = min(max(u.PercentComplete, 0), 100)
	if u.Status == StatusCompleted {
		u.PercentComplete = 100
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = b.now().UTC()
	}

	b.sessions[key] = &sessionState{update: u, updatedAt: b.now()}
	for s := range b.subscribers[u.ProjectID] {
		s.enqueue(u)
	}

	if u.Status.Terminal() {
		b.logger.Info("job finished", "project", u.ProjectID, "session", u.SessionID,
			"job", u.JobID, "status", u.Status, "failedRanges", len(u.FailedRanges))
	}
	return u, true
}

// Handle is a watermill handler for the progress topic. Malformed messages
// are logged and dropped.
func (b *Broadcaster) Handle(msg *message.Message) error {
	u, err := Decode(msg)
	if err != nil {
		b.logger.Error(err, "dropping progress message", "uuid", msg.UUID)
		return nil
	}
	if _, ok := b.Apply(u); !ok {
		b.logger.V(1).Info("ignored stale progress update", "project", u.ProjectID,
			"session", u.SessionID, "job", u.JobID, "status", u.Status, "current", u.CurrentChunk)
	}
	return nil
}

// Listen subscribes to topic and applies every message until ctx is done.
// The subscription is established before Listen returns.
func (b *Broadcaster) Listen(ctx context.Context, sub message.Subscriber, topic string) error {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			_ = b.Handle(msg)
			msg.Ack()
		}
	}()
	return nil
}

// Subscribe streams updates for every session of projectID. The current state
// of each known session is delivered first, so a subscriber joining after a
// job finished still sees its terminal state. The channel is closed when ctx
// is done.
func (b *Broadcaster) Subscribe(ctx context.Context, projectID string) <-chan Update {
	s := newSubscriber()

	b.mu.Lock()
	for _, u := range b.snapshotLocked(projectID) {
		s.enqueue(u)
	}
	if b.subscribers[projectID] == nil {
		b.subscribers[projectID] = make(map[*subscriber]struct{})
	}
	b.subscribers[projectID][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		s.pump(ctx)

		b.mu.Lock()
		delete(b.subscribers[projectID], s)
		if len(b.subscribers[projectID]) == 0 {
			delete(b.subscribers, projectID)
		}
		b.mu.Unlock()
	}()

	return s.out
}

// Status returns the latest state of one session.
func (b *Broadcaster) Status(projectID, sessionID string) (Update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.sessions[sessionKey{projectID, sessionID}]
	if !ok {
		return Update{}, false
	}
	return state.update, true
}

// Snapshot returns the latest state of every session of projectID ordered by session id.
func (b *Broadcaster) Snapshot(projectID string) []Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(projectID)
}

func (b *Broadcaster) snapshotLocked(projectID string) []Update {
	var updates []Update
	for key, state := range b.sessions {
		if key.project == projectID {
			updates = append(updates, state.update)
		}
	}
	slices.SortFunc(updates, func(a, b Update) int { return strings.Compare(a.SessionID, b.SessionID) })
	return updates
}

// Reap drops terminal sessions older than the retention window.
func (b *Broadcaster) Reap() int {
	cutoff := b.now().Add(-b.retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	reaped := 0
	for key, state := range b.sessions {
		if state.update.Status.Terminal() && state.updatedAt.Before(cutoff) {
			delete(b.sessions, key)
			reaped++
		}
	}
	return reaped
}

func (b *Broadcaster) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Reap(); n > 0 {
				b.logger.V(1).Info("reaped finished sessions", "count", n)
			}
		}
	}
}

// subscriber decouples the broadcaster from slow readers: enqueue never
// blocks and pump delivers in order.
type subscriber struct {
	mu      sync.Mutex
	pending []Update
	notify  chan struct{}
	out     chan Update
}

func newSubscriber() *subscriber {
	return &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan Update),
	}
}

func (s *subscriber) enqueue(u Update) {
	s.mu.Lock()
	s.pending = append(s.pending, u)
	if len(s.pending) > maxPending {
		s.pending = compact(s.pending)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Update{}, false
	}
	u := s.pending[0]
	s.pending = s.pending[1:]
	return u, true
}

func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)
	for {
		for {
			u, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- u:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

// compact keeps terminal updates and the latest update of each session,
// preserving their relative order.
func compact(pending []Update) []Update {
	last := make(map[sessionKey]int, len(pending))
	for i, u := range pending {
		last[sessionKey{u.ProjectID, u.SessionID}] = i
	}
	kept := pending[:0:0]
	for i, u := range pending {
		if u.Status.Terminal() || last[sessionKey{u.ProjectID, u.SessionID}] == i {
			kept = append(kept, u)
		}
	}
	return kept
}
