// Command marketctl inspects markets straight from a persistent ledger:
// state and gates, bid previews, the reconstructed position history and a
// participant's claimable reward.
//
//	marketctl [flags] list
//	marketctl [flags] show <market>
//	marketctl [flags] preview <market> [amount...]
//	marketctl [flags] series <market>
//	marketctl [flags] claim <market> <participant>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/ledger/evm"
	"github.com/evetabi/strikemarket/internal/ledger/sqlledger"
	"github.com/evetabi/strikemarket/internal/oracle"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/shopspring/decimal"
)

var defaultAmounts = []string{"10", "100", "1000"}

func main() {
	configPath := flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	driver := flag.String("driver", "", "ledger driver: postgres|evm (overrides LEDGER_DRIVER)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: marketctl [flags] list|show|preview|series|claim ...")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *driver != "" {
		cfg.Ledger.Driver = *driver
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, closer, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("ledger setup failed", "err", err)
		os.Exit(1)
	}
	defer closer()

	if err := run(ctx, os.Stdout, provider, time.Now, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "marketctl:", err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("bad usage")

// source is the ledger surface marketctl reads.
type source interface {
	ledger.Provider
	ledger.Lister
}

// run dispatches one subcommand.
func run(ctx context.Context, out io.Writer, src source, now func() time.Time, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	if cmd == "list" {
		ids, err := src.Markets(ctx)
		if err != nil {
			return err
		}
		rows := make([]domain.MarketSummary, 0, len(ids))
		for _, id := range ids {
			m, pool, err := readMarket(ctx, src, id)
			if err != nil {
				return err
			}
			rows = append(rows, domain.Summarize(m, pool, now()))
		}
		printMarkets(out, rows)
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("%s needs a market id: %w", cmd, errUsage)
	}
	id := domain.MarketID(args[0])
	r, err := src.Reader(ctx, id)
	if err != nil {
		return err
	}
	m, pool, err := ledger.ReadMarket(ctx, r)
	if err != nil {
		return err
	}

	switch cmd {
	case "show":
		printMarket(out, domain.Summarize(m, pool, now()))
		return nil

	case "preview":
		raw := args[1:]
		if len(raw) == 0 {
			raw = defaultAmounts
		}
		amounts := make([]decimal.Decimal, 0, len(raw))
		for _, a := range raw {
			d, err := decimal.NewFromString(a)
			if err != nil {
				return fmt.Errorf("amount %q: %w", a, errUsage)
			}
			amounts = append(amounts, d)
		}
		return printPreview(out, pool, m.FeeRateMilli, amounts)

	case "series":
		el, ok := r.(ledger.EventLog)
		if !ok {
			return fmt.Errorf("market %s: ledger has no position event log", id)
		}
		snaps, err := el.PositionHistory(ctx)
		if err != nil {
			return err
		}
		printSeries(out, history.BuildSeries(history.Input{
			Snapshots:    snaps,
			BiddingStart: m.BiddingStartTime,
			Maturity:     m.MaturityTime,
			Live:         pool,
			Now:          now(),
		}))
		return nil

	case "claim":
		if len(args) < 2 {
			return fmt.Errorf("claim needs a participant: %w", errUsage)
		}
		p := domain.Participant(args[1])
		pos, err := r.StakeOf(ctx, p)
		if err != nil {
			return err
		}
		printClaim(out, m, pool, p, pos)
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func readMarket(ctx context.Context, src source, id domain.MarketID) (domain.Market, domain.Pool, error) {
	r, err := src.Reader(ctx, id)
	if err != nil {
		return domain.Market{}, domain.Pool{}, err
	}
	return ledger.ReadMarket(ctx, r)
}

// openLedger opens a persistent ledger read-only. The memory ledger lives
// inside the server process and cannot be inspected from here.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (source, func(), error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		l := sqlledger.New(db, oracle.NewPriceService(cfg.Price), sqlledger.Options{}, logger)
		return l, func() {
			_ = l.Close()
			_ = db.Close()
		}, nil

	case "evm":
		p, cli, err := evm.Dial(ctx, cfg.Ledger, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, cli.Close, nil
	}
	return nil, nil, fmt.Errorf("ledger driver %q cannot be inspected out of process", cfg.Ledger.Driver)
}
