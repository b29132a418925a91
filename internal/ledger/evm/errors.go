package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/evetabi/strikemarket/internal/domain"
)

// ErrReverted is returned when a mined transaction failed without a
// decodable reason.
var ErrReverted = errors.New("evm: transaction reverted")

// revertTable maps substrings of contract revert reasons to domain errors.
// Order matters: the first match wins.
var revertTable = []struct {
	needle string
	err    error
}{
	{"already claimed", domain.ErrAlreadyClaimed},
	{"not a winner", domain.ErrNotAWinner},
	{"no winning", domain.ErrNotAWinner},
	{"owner", domain.ErrNotOwner},
	{"oracle", domain.ErrOracleUnavailable},
	{"price", domain.ErrOracleUnavailable},
	{"amount", domain.ErrInsufficientStake},
	{"stake", domain.ErrInsufficientStake},
	{"side", domain.ErrInvalidSide},
	{"phase", domain.ErrPhaseViolation},
	{"bidding", domain.ErrPhaseViolation},
	{"maturity", domain.ErrPhaseViolation},
	{"too early", domain.ErrPhaseViolation},
	{"cooldown", domain.ErrPhaseViolation},
}

// classify turns an RPC failure into a domain error. Reverts are matched
// against revertTable; anything that is not a revert is a network failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("evm.%s: %w", op, err)
	}
	reason, reverted := revertReason(err)
	if !reverted {
		return fmt.Errorf("evm.%s: %w: %w", op, domain.ErrNetwork, err)
	}
	lower := strings.ToLower(reason)
	for _, r := range revertTable {
		if strings.Contains(lower, r.needle) {
			return fmt.Errorf("evm.%s: %s: %w", op, reason, r.err)
		}
	}
	return fmt.Errorf("evm.%s: %s: %w", op, reason, ErrReverted)
}

// revertReason extracts the Error(string) payload of a revert, falling back
// to the node's message text.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}

// isNotFound reports whether a receipt lookup should simply be retried.
func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
