package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/vitos/signal_ladder/internal/config"
	"github.com/vitos/signal_ladder/internal/infrastructure/exchange"
	"github.com/vitos/signal_ladder/internal/infrastructure/notify"
	"github.com/vitos/signal_ladder/internal/infrastructure/storage"
	"github.com/vitos/signal_ladder/internal/usecase"
	"go.uber.org/zap"
)

// exposure prints the actual and projected ladder of one trade, or of every
// trade on a signal.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	tradeID := flag.String("trade", "", "trade id")
	signalID := flag.String("signal", "", "signal id; prints every trade on it")
	flag.Parse()

	if *tradeID == "" && *signalID == "" {
		fmt.Println("Usage: exposure -trade <id> | -signal <id>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLStore(storage.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		fmt.Printf("Failed to init storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	log := zap.NewNop()
	feed := exchange.NewBybitFeed(cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint,
		cfg.Exchange.Category, cfg.Exchange.MaxTickAge, log)
	quotes := usecase.NewQuoteResolver(feed, cfg.Ladder.QuoteLockTTL)
	svc := usecase.NewLadderService(store, store, store, store, quotes, notify.Noop{}, nil, log, time.Second)

	ctx := context.Background()
	ids := []string{*tradeID}
	if *signalID != "" {
		trades, err := store.ListTradesBySignal(ctx, *signalID)
		if err != nil {
			fmt.Printf("Failed to list trades: %v\n", err)
			os.Exit(1)
		}
		ids = ids[:0]
		for _, t := range trades {
			ids = append(ids, t.ID)
		}
		fmt.Printf("Found %d trades on signal %s\n", len(ids), *signalID)
	}

	for _, id := range ids {
		exp, err := svc.TradeExposure(ctx, id)
		if err != nil {
			fmt.Printf("❌ Trade %s: %v\n", id, err)
			continue
		}
		printExposure(exp)
	}
}

func printExposure(exp *usecase.TradeExposure) {
	t, sig := exp.Trade, exp.Signal
	fmt.Printf("\nTrade %s (user %s) on %s %s entry=%g stop=%g [%s, %s]\n",
		t.ID, t.UserID, sig.Direction, sig.Symbol, sig.EntryPrice, sig.StopLoss, sig.MarketMode, sig.Status)
	fmt.Printf("  Result: %s  Stored remaining: %.2f / %.2f  Realized: %.2f\n",
		t.Result, t.RemainingRiskAmount, t.InitialRiskAmount, t.RealizedPnL)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  LABEL\tPRICE\tCLOSE%\tSTATUS\tSOURCE\tRR\tACTUAL LEFT\tPROJECTED LEFT")
	for i, cu := range exp.Ladder {
		actual, projected := stepFor(exp.Actual, cu.Update.ID), stepFor(exp.Projected, cu.Update.ID)
		status := string(cu.Status)
		if cu.Unresolved {
			status += "?"
		}
		fmt.Fprintf(w, "  %s\t%g\t%.2f\t%s\t%s\t%.2f\t%.2f\t%.2f\n",
			labelOr(cu.Update.Label, i), cu.Update.Price, cu.Update.ClosePercent, status, cu.Source,
			projected.RR, actual.RemainingAfter, projected.RemainingAfter)
	}
	w.Flush()

	fmt.Printf("  Actual remaining: %.2f (%.2f%%)  Projected remaining: %.2f (%.2f%%)\n",
		exp.Actual.RemainingRisk, exp.Actual.RemainingPercent, exp.Projected.RemainingRisk, exp.Projected.RemainingPercent)
	if exp.BreakevenProtected {
		fmt.Println("  🛡 Stop at break-even; displayed remaining risk is 0")
	}
	if exp.LegacyInferred > 0 {
		fmt.Printf("  ⚠️ %d rows inferred from stored remaining risk\n", exp.LegacyInferred)
	}
	if exp.LegacyMismatch {
		fmt.Println("  ⚠️ Stored remaining risk matches no ladder prefix")
	}
	if exp.Drift != 0 {
		fmt.Printf("  ⚠️ Drift: %.4f\n", exp.Drift)
	}
}

func stepFor(e usecase.Exposure, updateID string) usecase.LadderStep {
	for _, s := range e.Steps {
		if s.UpdateID == updateID {
			return s
		}
	}
	return usecase.LadderStep{}
}

func labelOr(label string, i int) string {
	if label != "" {
		return label
	}
	return fmt.Sprintf("TP %d", i+1)
}
