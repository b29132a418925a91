package sqlledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/repository"
	"github.com/lib/pq"
)

// notifyChannel carries the id of a market whose pool just changed.
const notifyChannel = "position_updated"

// notifier fans LISTEN/NOTIFY wake-ups out to live subscriptions. Each
// subscription also polls on its own so a dropped listener only adds
// latency.
type notifier struct {
	poll     time.Duration
	logger   *slog.Logger
	listener *pq.Listener

	mu      sync.Mutex
	waiters map[domain.MarketID]map[int]chan struct{}
	next    int
	done    chan struct{}
}

func newNotifier(dsn string, poll time.Duration, logger *slog.Logger) *notifier {
	n := &notifier{
		poll:    poll,
		logger:  logger,
		waiters: make(map[domain.MarketID]map[int]chan struct{}),
		done:    make(chan struct{}),
	}
	if dsn == "" {
		return n
	}
	n.listener = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("notify listener event", "event", ev, "err", err)
		}
	})
	if err := n.listener.Listen(notifyChannel); err != nil {
		logger.Warn("LISTEN failed, falling back to polling", "err", err)
		_ = n.listener.Close()
		n.listener = nil
		return n
	}
	go n.dispatch()
	return n
}

func (n *notifier) dispatch() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-n.done:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				// reconnected: notifications may have been lost
				n.wakeAll()
				continue
			}
			n.wake(domain.MarketID(note.Extra))
		case <-ping.C:
			go func() { _ = n.listener.Ping() }()
		}
	}
}

func (n *notifier) wake(id domain.MarketID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.waiters[id] {
		signal(c)
	}
}

func (n *notifier) wakeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ws := range n.waiters {
		for _, c := range ws {
			signal(c)
		}
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (n *notifier) close() error {
	select {
	case <-n.done:
		return nil
	default:
		close(n.done)
	}
	if n.listener != nil {
		return n.listener.Close()
	}
	return nil
}

// subscribe starts a feed of snapshots recorded after sequence number last.
func (n *notifier) subscribe(id domain.MarketID, last int64, snaps *repository.SnapshotRepository, ch chan<- domain.PositionSnapshot) *subscription {
	wake := make(chan struct{}, 1)
	n.mu.Lock()
	key := n.next
	n.next++
	if n.waiters[id] == nil {
		n.waiters[id] = make(map[int]chan struct{})
	}
	n.waiters[id][key] = wake
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{errc: make(chan error, 1), cancel: cancel}
	s.stop = func() {
		n.mu.Lock()
		delete(n.waiters[id], key)
		if len(n.waiters[id]) == 0 {
			delete(n.waiters, id)
		}
		n.mu.Unlock()
	}
	go s.run(ctx, n.poll, wake, func(ctx context.Context) ([]domain.PositionSnapshot, error) {
		out, seq, err := snaps.ListSince(ctx, id, last)
		if err == nil {
			last = seq
		}
		return out, err
	}, ch)
	return s
}

type subscription struct {
	errc   chan error
	cancel context.CancelFunc
	stop   func()
	once   sync.Once
}

func (s *subscription) run(ctx context.Context, poll time.Duration, wake <-chan struct{}, fetch func(context.Context) ([]domain.PositionSnapshot, error), ch chan<- domain.PositionSnapshot) {
	defer close(s.errc)
	defer s.stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		snaps, err := fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.errc <- fmt.Errorf("sqlledger: subscription: %w: %w", domain.ErrNetwork, err)
			}
			return
		}
		for _, snap := range snaps {
			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
