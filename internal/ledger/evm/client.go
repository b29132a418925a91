package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/shopspring/decimal"
)

// client signs market writes with the caller's key.
type client struct {
	market
	from common.Address
	key  *ecdsa.PrivateKey
}

var _ ledger.Client = (*client)(nil)

func (c *client) Caller() domain.Participant { return domain.Participant(c.from.Hex()) }

func (c *client) StartBidding(ctx context.Context) (ledger.Receipt, error) {
	return c.transact(ctx, "startBidding")
}

func (c *client) Bid(ctx context.Context, side domain.Side, amount decimal.Decimal) (ledger.Receipt, error) {
	s, err := encodeSide(side)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("evm.bid: %w", err)
	}
	if !amount.IsPositive() {
		return ledger.Receipt{}, fmt.Errorf("evm.bid: amount %s: %w", amount, domain.ErrInsufficientStake)
	}
	wei, err := toChainAmount(amount, c.p.opts.Decimals)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("evm.bid: %w", err)
	}
	return c.transact(ctx, "bid", s, wei)
}

func (c *client) ResolveMarket(ctx context.Context) (ledger.Receipt, error) {
	return c.transact(ctx, "resolveMarket")
}

func (c *client) ExpireMarket(ctx context.Context) (ledger.Receipt, error) {
	return c.transact(ctx, "expireMarket")
}

func (c *client) ClaimReward(ctx context.Context) (ledger.Receipt, error) {
	return c.transact(ctx, "claimReward")
}

// transact simulates the call (surfacing revert reasons before any gas is
// spent), signs and sends it, then waits for the receipt. It never retries.
func (c *client) transact(ctx context.Context, method string, args ...interface{}) (ledger.Receipt, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("evm.%s: pack: %w", method, err)
	}
	chainID, err := c.p.chain(ctx)
	if err != nil {
		return ledger.Receipt{}, err
	}

	mu := c.p.signerLock(c.from)
	mu.Lock()
	tx, err := c.signed(ctx, method, chainID, data)
	if err == nil {
		if err = c.p.wait(ctx); err == nil {
			if sendErr := c.p.backend.SendTransaction(ctx, tx); sendErr != nil {
				err = classify(method, sendErr)
			}
		}
	}
	mu.Unlock()
	if err != nil {
		return ledger.Receipt{}, err
	}

	c.p.logger.Info("transaction sent", "method", method, "market", c.MarketID(), "from", c.from.Hex(), "tx", tx.Hash().Hex())
	return c.awaitReceipt(ctx, method, tx.Hash())
}

// signed builds and signs a legacy transaction. Must be called with the
// signer lock held.
func (c *client) signed(ctx context.Context, method string, chainID *big.Int, data []byte) (*types.Transaction, error) {
	msg := ethereum.CallMsg{From: c.from, To: &c.addr, Data: data}
	if err := c.p.wait(ctx); err != nil {
		return nil, err
	}
	gas, err := c.p.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, classify(method, err)
	}
	gas = gas * 12 / 10
	if limit := c.p.opts.GasLimit; limit > 0 && gas > limit {
		gas = limit
	}
	if err := c.p.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := c.p.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, classify(method, err)
	}
	if err := c.p.wait(ctx); err != nil {
		return nil, err
	}
	gasPrice, err := c.p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(method, err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.addr,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("evm.%s: sign: %w", method, err)
	}
	return signedTx, nil
}

// awaitReceipt polls until the transaction is mined or ReceiptTimeout
// elapses. A timeout is reported as a network error: the transaction may
// still land.
func (c *client) awaitReceipt(ctx context.Context, method string, hash common.Hash) (ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.p.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.p.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		if err := c.p.wait(ctx); err != nil {
			return ledger.Receipt{}, fmt.Errorf("evm.%s: waiting for %s: %w: %w", method, hash.Hex(), domain.ErrNetwork, err)
		}
		receipt, err := c.p.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return ledger.Receipt{}, fmt.Errorf("evm.%s: tx %s: %w", method, hash.Hex(), ErrReverted)
			}
			return ledger.Receipt{Ref: hash.Hex(), At: time.Now().UTC()}, nil
		case err != nil && !isNotFound(err):
			c.p.logger.Warn("receipt lookup failed", "tx", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return ledger.Receipt{}, fmt.Errorf("evm.%s: waiting for %s: %w: %w", method, hash.Hex(), domain.ErrNetwork, ctx.Err())
		case <-ticker.C:
		}
	}
}
