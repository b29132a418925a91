package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
)

// loggedMarket adds the PositionUpdated event log to a market reader.
type loggedMarket struct{ *market }

var _ ledger.EventLog = (*loggedMarket)(nil)

func (m *market) filter() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(m.p.opts.FromBlock),
		Addresses: []common.Address{m.addr},
		Topics:    [][]common.Hash{{sigPositionUpdated}},
	}
}

// decodePositionUpdated parses the non-indexed event payload.
func (m *market) decodePositionUpdated(l types.Log) (domain.PositionSnapshot, error) {
	if len(l.Topics) == 0 || l.Topics[0] != sigPositionUpdated {
		return domain.PositionSnapshot{}, fmt.Errorf("evm: log %s#%d is not PositionUpdated", l.TxHash.Hex(), l.Index)
	}
	vals, err := parsedABI.Unpack("PositionUpdated", l.Data)
	if err != nil {
		return domain.PositionSnapshot{}, fmt.Errorf("evm: decode PositionUpdated: %w", err)
	}
	dec := m.p.opts.Decimals
	return domain.PositionSnapshot{
		Timestamp: toTime(vals[0].(*big.Int)),
		Long:      toDecimal(vals[1].(*big.Int), dec),
		Short:     toDecimal(vals[2].(*big.Int), dec),
	}, nil
}

// PositionHistory scans every PositionUpdated log since the deploy block.
func (m *loggedMarket) PositionHistory(ctx context.Context) ([]domain.PositionSnapshot, error) {
	if err := m.p.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := m.p.backend.FilterLogs(ctx, m.filter())
	if err != nil {
		return nil, classify("PositionHistory", err)
	}
	out := make([]domain.PositionSnapshot, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		s, err := m.decodePositionUpdated(l)
		if err != nil {
			m.p.logger.Warn("skipping undecodable log", "tx", l.TxHash.Hex(), "err", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// SubscribePositions streams live PositionUpdated logs into ch until
// Unsubscribe or the node drops the subscription.
func (m *loggedMarket) SubscribePositions(ctx context.Context, ch chan<- domain.PositionSnapshot) (ledger.Subscription, error) {
	logs := make(chan types.Log, 64)
	sub, err := m.p.backend.SubscribeFilterLogs(ctx, m.filter(), logs)
	if err != nil {
		return nil, classify("SubscribePositions", err)
	}
	s := &logSubscription{inner: sub, errc: make(chan error, 1), quit: make(chan struct{})}
	go s.loop(m.market, logs, ch)
	return s, nil
}

type logSubscription struct {
	inner ethereum.Subscription
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *logSubscription) loop(m *market, logs <-chan types.Log, ch chan<- domain.PositionSnapshot) {
	defer close(s.errc)
	for {
		select {
		case <-s.quit:
			return
		case err, ok := <-s.inner.Err():
			if ok && err != nil {
				s.errc <- classify("SubscribePositions", err)
			}
			return
		case l := <-logs:
			if l.Removed {
				continue
			}
			snap, err := m.decodePositionUpdated(l)
			if err != nil {
				m.p.logger.Warn("skipping undecodable log", "tx", l.TxHash.Hex(), "err", err)
				continue
			}
			select {
			case ch <- snap:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *logSubscription) Err() <-chan error { return s.errc }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		close(s.quit)
	})
}
