package evm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	sideLong  uint8 = 0
	sideShort uint8 = 1
)

// toDecimal scales an on-chain integer down by decimals.
func toDecimal(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// toChainAmount scales d up by decimals. Amounts finer than the token's
// precision are rejected rather than silently truncated.
func toChainAmount(d decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals: %w", d, decimals, domain.ErrInsufficientStake)
	}
	return scaled.BigInt(), nil
}

// toTime converts unix seconds; zero stays the zero time.
func toTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func encodeSide(s domain.Side) (uint8, error) {
	switch s {
	case domain.SideLong:
		return sideLong, nil
	case domain.SideShort:
		return sideShort, nil
	default:
		return 0, domain.ErrInvalidSide
	}
}
