// Package evm serves markets held by an on-chain market contract. Reads
// are eth_call view calls; writes are signed legacy transactions whose
// receipts are awaited; PositionUpdated logs feed the history reconstructor.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"golang.org/x/time/rate"
)

// PriceDecimals is the fixed-point precision of strike and final prices.
const PriceDecimals int32 = 8

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Options tunes a Provider.
type Options struct {
	Contracts      []string
	SignerKeys     []string // hex, with or without 0x
	ChainID        int64    // 0 = ask the node
	Decimals       int32    // stake token decimals
	RPCRate        float64  // calls per second; 0 = unlimited
	GasLimit       uint64   // upper bound on estimated gas; 0 = no cap
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	FromBlock      uint64
	// Subscriptions enables the EventLog capability. Only meaningful for
	// websocket or IPC endpoints.
	Subscriptions bool
}

// Provider opens contract-backed readers and clients.
type Provider struct {
	backend Backend
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	contracts map[domain.MarketID]common.Address
	signers   map[common.Address]*ecdsa.PrivateKey

	chainMu sync.Mutex
	chainID *big.Int

	// nonceMu serialises writes per signer so pending nonces do not collide.
	nonceMu sync.Map // common.Address → *sync.Mutex
}

var (
	_ ledger.Provider = (*Provider)(nil)
	_ ledger.Lister   = (*Provider)(nil)
)

// Dial connects to cfg.RPCURL and builds a Provider from the ledger config.
func Dial(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (*Provider, *ethclient.Client, error) {
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm.Dial %s: %w", cfg.RPCURL, err)
	}
	scheme := strings.ToLower(strings.SplitN(cfg.RPCURL, ":", 2)[0])
	p, err := NewProvider(cli, Options{
		Contracts:      cfg.Contracts,
		SignerKeys:     cfg.SignerKeys,
		ChainID:        cfg.ChainID,
		Decimals:       cfg.Decimals,
		RPCRate:        cfg.RPCRate,
		GasLimit:       cfg.GasLimit,
		ReceiptTimeout: cfg.ReceiptTimeout,
		FromBlock:      cfg.DeployFromBlock,
		Subscriptions:  scheme == "ws" || scheme == "wss" || !strings.Contains(cfg.RPCURL, "://"),
	}, logger)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return p, cli, nil
}

// NewProvider validates opts and parses signer keys.
func NewProvider(b Backend, opts Options, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Decimals == 0 {
		opts.Decimals = 18
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = time.Second
	}
	p := &Provider{
		backend:   b,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    logger.With("component", "evm"),
		contracts: make(map[domain.MarketID]common.Address, len(opts.Contracts)),
		signers:   make(map[common.Address]*ecdsa.PrivateKey, len(opts.SignerKeys)),
	}
	if opts.RPCRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RPCRate), max(1, int(opts.RPCRate)))
	}
	if opts.ChainID > 0 {
		p.chainID = big.NewInt(opts.ChainID)
	}
	for _, c := range opts.Contracts {
		if !common.IsHexAddress(c) {
			return nil, fmt.Errorf("evm: invalid contract address %q", c)
		}
		addr := common.HexToAddress(c)
		p.contracts[marketID(addr)] = addr
	}
	for i, k := range opts.SignerKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(k), "0x"))
		if err != nil {
			return nil, fmt.Errorf("evm: signer key #%d: %w", i, err)
		}
		p.signers[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return p, nil
}

// marketID is the canonical id of a contract: its lower-case hex address.
func marketID(addr common.Address) domain.MarketID {
	return domain.MarketID(strings.ToLower(addr.Hex()))
}

// Markets lists the configured contracts.
func (p *Provider) Markets(context.Context) ([]domain.MarketID, error) {
	ids := make([]domain.MarketID, 0, len(p.contracts))
	for id := range p.contracts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (p *Provider) lookup(id domain.MarketID) (common.Address, error) {
	addr, ok := p.contracts[domain.MarketID(strings.ToLower(string(id)))]
	if !ok {
		return common.Address{}, fmt.Errorf("evm: %s: %w", id, domain.ErrMarketNotFound)
	}
	return addr, nil
}

// Reader opens a view of the contract at id. With subscriptions enabled the
// reader also serves the PositionUpdated event log.
func (p *Provider) Reader(_ context.Context, id domain.MarketID) (ledger.Reader, error) {
	addr, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	m := &market{p: p, addr: addr}
	if p.opts.Subscriptions {
		return &loggedMarket{m}, nil
	}
	return m, nil
}

// Client binds the contract at id to caller. The server must hold the
// caller's signing key.
func (p *Provider) Client(_ context.Context, id domain.MarketID, caller domain.Participant) (ledger.Client, error) {
	addr, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(string(caller)) {
		return nil, fmt.Errorf("evm.Client: caller %q is not an address: %w", caller, domain.ErrForbidden)
	}
	from := common.HexToAddress(string(caller))
	key, ok := p.signers[from]
	if !ok {
		return nil, fmt.Errorf("evm.Client: no signing key for %s: %w", caller, domain.ErrForbidden)
	}
	return &client{market: market{p: p, addr: addr}, from: from, key: key}, nil
}

// wait blocks until the RPC rate limiter admits another call.
func (p *Provider) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *Provider) chain(ctx context.Context) (*big.Int, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.chainID != nil {
		return p.chainID, nil
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	id, err := p.backend.ChainID(ctx)
	if err != nil {
		return nil, classify("ChainID", err)
	}
	p.chainID = id
	return id, nil
}

func (p *Provider) signerLock(addr common.Address) *sync.Mutex {
	mu, _ := p.nonceMu.LoadOrStore(addr, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
