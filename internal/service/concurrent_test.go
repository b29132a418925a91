package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/shopspring/decimal"
)

// TestConcurrentBids fires 50 goroutines bidding at once through separate
// sessions. The ledger serialises the writes, so the pool must equal the
// exact sum of all stakes.
func TestConcurrentBids(t *testing.T) {
	const workers = 50
	const stakeEach = 10

	env := newEnv(t)
	env.startBidding(t)

	var wg sync.WaitGroup
	var failed int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			side := "LONG"
			if id%2 == 1 {
				side = "SHORT"
			}
			s := env.session(t, domain.Participant(fmt.Sprintf("p%02d", id)), nil)
			if _, err := s.Bid(context.Background(), side, fmt.Sprint(stakeEach)); err != nil {
				atomic.AddInt64(&failed, 1)
			}
		}(i)
	}
	wg.Wait()

	if failed > 0 {
		t.Errorf("expected 0 failed bids, got %d", failed)
	}
	r, _ := env.ledger.Reader(context.Background(), env.id)
	pool, err := r.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.NewFromInt(workers * stakeEach); !pool.Total().Equal(want) {
		t.Errorf("pool total: want %s, got %s", want, pool.Total())
	}
	hist, _ := r.(ledger.EventLog).PositionHistory(context.Background())
	if len(hist) != workers {
		t.Errorf("expected %d snapshots, got %d", workers, len(hist))
	}
}

// TestConcurrentClaimsPayOnce verifies that only one of N simultaneous claims
// by the same winner succeeds; the rest are rejected as already claimed.
func TestConcurrentClaimsPayOnce(t *testing.T) {
	const workers = 20

	env := newEnv(t)
	env.startBidding(t)
	alice := env.session(t, "alice", nil)
	if _, err := alice.Bid(context.Background(), "LONG", "100"); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(time.Hour)
	if _, err := alice.Resolve(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(domain.ExpiryCooldown)
	if _, err := alice.Expire(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wins, already, other int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := env.session(t, "alice", nil)
			_, _, err := s.Claim(context.Background())
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, domain.ErrAlreadyClaimed):
				atomic.AddInt64(&already, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly 1 claim should succeed, got %d", wins)
	}
	if already != workers-1 {
		t.Errorf("expected %d already-claimed rejections, got %d (other errors: %d)", workers-1, already, other)
	}
}
