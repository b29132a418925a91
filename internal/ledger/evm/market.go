package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/shopspring/decimal"
)

// market implements ledger.Reader over one contract.
type market struct {
	p    *Provider
	addr common.Address
}

// call performs a view call and unpacks its outputs.
func (m *market) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm.%s: pack: %w", method, err)
	}
	if err := m.p.wait(ctx); err != nil {
		return nil, err
	}
	out, err := m.p.backend.CallContract(ctx, ethereum.CallMsg{To: &m.addr, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	vals, err := parsedABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm.%s: unpack: %w", method, err)
	}
	return vals, nil
}

func (m *market) callBig(ctx context.Context, method string) (*big.Int, error) {
	vals, err := m.call(ctx, method)
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm.%s: unexpected output %T", method, vals[0])
	}
	return v, nil
}

func (m *market) callTime(ctx context.Context, method string) (time.Time, error) {
	v, err := m.callBig(ctx, method)
	if err != nil {
		return time.Time{}, err
	}
	return toTime(v), nil
}

func (m *market) MarketID() domain.MarketID { return marketID(m.addr) }

func (m *market) TradingPair(ctx context.Context) (string, error) {
	vals, err := m.call(ctx, "tradingPair")
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

func (m *market) CurrentPhase(ctx context.Context) (domain.Phase, error) {
	vals, err := m.call(ctx, "currentPhase")
	if err != nil {
		return 0, err
	}
	ph := domain.Phase(vals[0].(uint8))
	if !ph.IsValid() {
		return 0, fmt.Errorf("evm.currentPhase: unknown phase %d", ph)
	}
	return ph, nil
}

func (m *market) Positions(ctx context.Context) (domain.Pool, error) {
	vals, err := m.call(ctx, "positions")
	if err != nil {
		return domain.Pool{}, err
	}
	dec := m.p.opts.Decimals
	return domain.Pool{
		Long:  toDecimal(vals[0].(*big.Int), dec),
		Short: toDecimal(vals[1].(*big.Int), dec),
	}, nil
}

// OracleDetails reads the strike and final price. A zero final price means
// the market is unresolved.
func (m *market) OracleDetails(ctx context.Context) (domain.OracleReading, error) {
	vals, err := m.call(ctx, "oracleDetails")
	if err != nil {
		return domain.OracleReading{}, err
	}
	out := domain.OracleReading{StrikePrice: toDecimal(vals[0].(*big.Int), PriceDecimals)}
	if final := vals[1].(*big.Int); final.Sign() > 0 {
		d := toDecimal(final, PriceDecimals)
		out.FinalPrice = &d
	}
	return out, nil
}

func (m *market) BiddingStartTime(ctx context.Context) (time.Time, error) {
	return m.callTime(ctx, "biddingStartTime")
}

func (m *market) MaturityTime(ctx context.Context) (time.Time, error) {
	return m.callTime(ctx, "maturityTime")
}

func (m *market) ResolveTime(ctx context.Context) (time.Time, error) {
	return m.callTime(ctx, "resolveTime")
}

func (m *market) FeeRate(ctx context.Context) (int64, error) {
	v, err := m.callBig(ctx, "feeRate")
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

func (m *market) Owner(ctx context.Context) (domain.Participant, error) {
	vals, err := m.call(ctx, "owner")
	if err != nil {
		return "", err
	}
	return domain.Participant(vals[0].(common.Address).Hex()), nil
}

// StakeOf reads p's stake. A participant that is not an address has no stake.
func (m *market) StakeOf(ctx context.Context, p domain.Participant) (domain.Position, error) {
	if !common.IsHexAddress(string(p)) {
		return domain.Position{Participant: p, Long: decimal.Zero, Short: decimal.Zero}, nil
	}
	vals, err := m.call(ctx, "stakeOf", common.HexToAddress(string(p)))
	if err != nil {
		return domain.Position{}, err
	}
	dec := m.p.opts.Decimals
	return domain.Position{
		Participant: p,
		Long:        toDecimal(vals[0].(*big.Int), dec),
		Short:       toDecimal(vals[1].(*big.Int), dec),
		Claimed:     vals[2].(bool),
	}, nil
}
