package domain

import (
	"errors"
	"fmt"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors: compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Lifecycle errors
var (
	// ErrPhaseViolation is returned when an action is attempted outside the
	// phase that permits it (bidding after Bidding, claiming before Expiry,
	// expiring inside the dispute window).
	ErrPhaseViolation = errors.New("action not permitted in current phase")

	// ErrOracleUnavailable is returned when resolution could not obtain a final
	// price. The market stays in Bidding.
	ErrOracleUnavailable = errors.New("oracle price unavailable")

	// ErrMarketNotFound is returned when no market matches the given identity.
	ErrMarketNotFound = errors.New("market not found")
)

// Claim errors. Both are ineligibility outcomes, not system faults.
var (
	// ErrAlreadyClaimed is returned on a second claim by the same participant.
	ErrAlreadyClaimed = errors.New("reward already claimed")

	// ErrNotAWinner is returned when the participant has no stake on the
	// winning side.
	ErrNotAWinner = errors.New("no stake on the winning side")
)

// Input errors
var (
	// ErrInsufficientStake is returned for a non-positive or unparsable amount.
	ErrInsufficientStake = errors.New("stake must be a positive amount")

	// ErrInvalidSide is returned when the side is neither LONG nor SHORT.
	ErrInvalidSide = errors.New("invalid side: must be LONG or SHORT")
)

// Auth errors
var (
	// ErrNotOwner is returned when a non-owner attempts an owner-only action.
	ErrNotOwner = errors.New("caller is not the market owner")

	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller has no signer for the ledger.
	ErrForbidden = errors.New("forbidden: caller cannot sign for this ledger")
)

// ErrNetwork is returned when a ledger call did not complete (timeout,
// connectivity). It is the only retryable kind.
var ErrNetwork = errors.New("ledger call failed")

// ──────────────────────────────────────────────────────────────────────────────
// Kind taxonomy
// ──────────────────────────────────────────────────────────────────────────────

// Kind classifies an error for the view layer.
type Kind string

const (
	KindUnknown           Kind = "UNKNOWN"
	KindPhaseViolation    Kind = "PHASE_VIOLATION"
	KindOracleUnavailable Kind = "ORACLE_UNAVAILABLE"
	KindAlreadyClaimed    Kind = "ALREADY_CLAIMED"
	KindNotAWinner        Kind = "NOT_A_WINNER"
	KindNetwork           Kind = "NETWORK_ERROR"
	KindInsufficientStake Kind = "INSUFFICIENT_STAKE"
	KindInvalidSide       Kind = "INVALID_SIDE"
	KindNotOwner          Kind = "NOT_OWNER"
	KindNotFound          Kind = "NOT_FOUND"
	KindUnauthorized      Kind = "UNAUTHORIZED"
)

// kindTable is checked in order; the first match wins.
var kindTable = []struct {
	target error
	kind   Kind
}{
	{ErrPhaseViolation, KindPhaseViolation},
	{ErrOracleUnavailable, KindOracleUnavailable},
	{ErrAlreadyClaimed, KindAlreadyClaimed},
	{ErrNotAWinner, KindNotAWinner},
	{ErrInsufficientStake, KindInsufficientStake},
	{ErrInvalidSide, KindInvalidSide},
	{ErrNotOwner, KindNotOwner},
	{ErrMarketNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindUnauthorized},
	{ErrNetwork, KindNetwork},
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *ActionError
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	for _, e := range kindTable {
		if errors.Is(err, e.target) {
			return e.kind
		}
	}
	return KindUnknown
}

// IsRetryable is true only for network failures. Callers still must not
// auto-retry mutating calls.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsIneligible is true for the normal claim ineligibility outcomes.
func IsIneligible(err error) bool {
	k := KindOf(err)
	return k == KindAlreadyClaimed || k == KindNotAWinner
}

// IsNotFound returns true when err is a market lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMarketNotFound)
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	for _, target := range []error{ErrUnauthorized, ErrForbidden, ErrNotOwner} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// ActionError
// ──────────────────────────────────────────────────────────────────────────────

// ActionError is the typed failure a market action reports to the view layer.
type ActionError struct {
	Op   string // startBidding, bid, resolve, expire, claim
	Kind Kind
	Err  error
}

// NewActionError classifies err and wraps it for op. A nil err yields nil.
func NewActionError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}
	return &ActionError{Op: op, Kind: KindOf(err), Err: err}
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
