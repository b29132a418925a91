package evm_test

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/ledger/evm"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contractHex = "0x00000000000000000000000000000000000000aa"

var eth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// revertErr mimics a node's execution-reverted error with Error(string) data.
type revertErr struct{ reason string }

func (e revertErr) Error() string { return "execution reverted" }

func (e revertErr) ErrorData() interface{} {
	strType, _ := abi.NewType("string", "", nil)
	payload, _ := abi.Arguments{{Type: strType}}.Pack(e.reason)
	sel := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(sel, payload...))
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

// fakeBackend is a tiny contract simulator driven by the real ABI.
type fakeBackend struct {
	mu sync.Mutex

	phase        uint8
	long, short  *big.Int
	strike       *big.Int
	final        *big.Int
	maturity     int64
	owner        common.Address
	stakes       map[common.Address][2]*big.Int
	revertReason string
	callErr      error
	receiptMiss  int

	sent  []*types.Transaction
	logs  []types.Log
	subCh chan<- types.Log
	sub   *fakeSub
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		phase:    uint8(domain.PhaseBidding),
		long:     new(big.Int).Mul(big.NewInt(3), eth),
		short:    new(big.Int).Mul(big.NewInt(7), eth),
		strike:   big.NewInt(100_00000000),
		final:    big.NewInt(0),
		maturity: 1_700_003_600,
		owner:    common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		stakes:   make(map[common.Address][2]*big.Int),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	parsed := evm.MarketABI()
	m, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	var out []interface{}
	switch m.Name {
	case "tradingPair":
		out = []interface{}{"BTCUSDT"}
	case "currentPhase":
		out = []interface{}{f.phase}
	case "positions":
		out = []interface{}{f.long, f.short}
	case "oracleDetails":
		out = []interface{}{f.strike, f.final}
	case "biddingStartTime":
		out = []interface{}{big.NewInt(1_700_000_000)}
	case "maturityTime":
		out = []interface{}{big.NewInt(f.maturity)}
	case "resolveTime":
		out = []interface{}{big.NewInt(0)}
	case "feeRate":
		out = []interface{}{big.NewInt(10)}
	case "owner":
		out = []interface{}{f.owner}
	case "stakeOf":
		args, _ := m.Inputs.Unpack(msg.Data[4:])
		st, ok := f.stakes[args[0].(common.Address)]
		if !ok {
			st = [2]*big.Int{big.NewInt(0), big.NewInt(0)}
		}
		out = []interface{}{st[0], st[1], false}
	}
	return m.Outputs.Pack(out...)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revertReason != "" {
		return 0, revertErr{f.revertReason}
	}
	return 50_000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)         { return big.NewInt(1337), nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	parsed := evm.MarketABI()
	m, err := parsed.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	if m.Name == "bid" {
		args, _ := m.Inputs.Unpack(tx.Data()[4:])
		amt := args[1].(*big.Int)
		if args[0].(uint8) == 0 {
			f.long = new(big.Int).Add(f.long, amt)
		} else {
			f.short = new(big.Int).Add(f.short, amt)
		}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptMiss > 0 {
		f.receiptMiss--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h}, nil
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Log(nil), f.logs...), nil
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCh = ch
	f.sub = &fakeSub{errc: make(chan error, 1)}
	return f.sub, nil
}

func positionLog(t *testing.T, ts int64, long, short int64) types.Log {
	t.Helper()
	data, err := evm.MarketABI().Events["PositionUpdated"].Inputs.Pack(
		big.NewInt(ts), new(big.Int).Mul(big.NewInt(long), eth), new(big.Int).Mul(big.NewInt(short), eth))
	require.NoError(t, err)
	return types.Log{Topics: []common.Hash{evm.PositionUpdatedTopic()}, Data: data}
}

func newProvider(t *testing.T, b evm.Backend, subscriptions bool) (*evm.Provider, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, err := evm.NewProvider(b, evm.Options{
		Contracts:     []string{contractHex},
		SignerKeys:    []string{"0x" + hex.EncodeToString(crypto.FromECDSA(key))},
		Decimals:      18,
		ReceiptPoll:   time.Millisecond,
		Subscriptions: subscriptions,
	}, nil)
	require.NoError(t, err)
	return p, crypto.PubkeyToAddress(key.PublicKey)
}

func marketID() domain.MarketID { return domain.MarketID(strings.ToLower(contractHex)) }

func TestProvider_ReadMarket(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	p, _ := newProvider(t, fb, false)

	ids, err := p.Markets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.MarketID{marketID()}, ids)

	r, err := p.Reader(ctx, domain.MarketID(strings.ToUpper(contractHex[2:])))
	assert.ErrorIs(t, err, domain.ErrMarketNotFound, "ids keep their 0x prefix")
	assert.Nil(t, r)

	r, err = p.Reader(ctx, marketID())
	require.NoError(t, err)
	_, isLog := r.(ledger.EventLog)
	assert.False(t, isLog, "http endpoints have no event log capability")

	m, pool, err := ledger.ReadMarket(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", m.TradingPair)
	assert.Equal(t, domain.PhaseBidding, m.Phase)
	assert.True(t, m.StrikePrice.Equal(decimal.NewFromInt(100)))
	assert.Nil(t, m.FinalPrice, "zero final price means unresolved")
	assert.True(t, pool.Long.Equal(decimal.NewFromInt(3)))
	assert.True(t, pool.Short.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, int64(10), m.FeeRateMilli)
	assert.Equal(t, time.Unix(1_700_003_600, 0).UTC(), m.MaturityTime)
	assert.True(t, m.ResolveTime.IsZero())
	assert.True(t, domain.Participant(fb.owner.Hex()).Equal(m.Owner))
}

func TestClient_BidSendsSignedTransaction(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.receiptMiss = 2
	p, signer := newProvider(t, fb, false)

	c, err := p.Client(ctx, marketID(), domain.Participant(signer.Hex()))
	require.NoError(t, err)

	rcpt, err := c.Bid(ctx, domain.SideShort, decimal.RequireFromString("1.5"))
	require.NoError(t, err)

	require.Len(t, fb.sent, 1)
	tx := fb.sent[0]
	assert.Equal(t, tx.Hash().Hex(), rcpt.Ref)
	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer, from)
	assert.Equal(t, uint64(60_000), tx.Gas(), "estimate plus 20%")

	pool, err := c.Positions(ctx)
	require.NoError(t, err)
	assert.True(t, pool.Short.Equal(decimal.RequireFromString("8.5")))
}

func TestClient_RejectsSubUnitAmounts(t *testing.T) {
	fb := newFakeBackend()
	key, _ := crypto.GenerateKey()
	p, err := evm.NewProvider(fb, evm.Options{
		Contracts:  []string{contractHex},
		SignerKeys: []string{hex.EncodeToString(crypto.FromECDSA(key))},
		Decimals:   2,
	}, nil)
	require.NoError(t, err)

	c, err := p.Client(context.Background(), marketID(), domain.Participant(crypto.PubkeyToAddress(key.PublicKey).Hex()))
	require.NoError(t, err)
	_, err = c.Bid(context.Background(), domain.SideLong, decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)
	assert.Empty(t, fb.sent)
}

func TestClient_RevertReasonsMapToDomainErrors(t *testing.T) {
	cases := []struct {
		reason string
		want   error
	}{
		{"Market: not in bidding phase", domain.ErrPhaseViolation},
		{"Reward already claimed", domain.ErrAlreadyClaimed},
		{"Ownable: caller is not the owner", domain.ErrNotOwner},
		{"no winning stake", domain.ErrNotAWinner},
		{"oracle stale", domain.ErrOracleUnavailable},
		{"something else", evm.ErrReverted},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			fb := newFakeBackend()
			fb.revertReason = tc.reason
			p, signer := newProvider(t, fb, false)
			c, err := p.Client(context.Background(), marketID(), domain.Participant(signer.Hex()))
			require.NoError(t, err)

			_, err = c.ClaimReward(context.Background())
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), tc.reason)
			assert.Empty(t, fb.sent, "reverting calls are never broadcast")
		})
	}
}

func TestReader_TransportFailureIsNetworkError(t *testing.T) {
	fb := newFakeBackend()
	fb.callErr = errors.New("dial tcp: connection refused")
	p, _ := newProvider(t, fb, false)
	r, err := p.Reader(context.Background(), marketID())
	require.NoError(t, err)

	_, err = r.CurrentPhase(context.Background())
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.True(t, domain.IsRetryable(err))
}

func TestProvider_ClientNeedsSigningKey(t *testing.T) {
	p, _ := newProvider(t, newFakeBackend(), false)
	_, err := p.Client(context.Background(), marketID(), "0x00000000000000000000000000000000000000cc")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.Client(context.Background(), marketID(), "alice")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestEventLog_HistoryAndLive(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.logs = []types.Log{positionLog(t, 1_700_000_100, 3, 0), positionLog(t, 1_700_000_200, 3, 7)}
	p, _ := newProvider(t, fb, true)

	r, err := p.Reader(ctx, marketID())
	require.NoError(t, err)
	el, ok := r.(ledger.EventLog)
	require.True(t, ok)

	hist, err := el.PositionHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, time.Unix(1_700_000_200, 0).UTC(), hist[1].Timestamp)
	assert.True(t, hist[1].Short.Equal(decimal.NewFromInt(7)))

	ch := make(chan domain.PositionSnapshot, 1)
	sub, err := el.SubscribePositions(ctx, ch)
	require.NoError(t, err)

	fb.mu.Lock()
	logCh := fb.subCh
	fb.mu.Unlock()
	logCh <- positionLog(t, 1_700_000_300, 4, 7)

	select {
	case s := <-ch:
		assert.True(t, s.Long.Equal(decimal.NewFromInt(4)))
	case <-time.After(time.Second):
		t.Fatal("live log not delivered")
	}

	sub.Unsubscribe()
	select {
	case _, open := <-sub.Err():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("Err channel not closed after Unsubscribe")
	}
}
