package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Panmoni/yapbay-sub000/config"
	"github.com/Panmoni/yapbay-sub000/core/dispatch"
	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
	telemetry "github.com/Panmoni/yapbay-sub000/observability/otel"
	"github.com/Panmoni/yapbay-sub000/services/recon"
)

const defaultConfigPath = "yapbay.toml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage() string {
	return `Usage: escrowd <command> [flags]

Commands:
  apply    submit newline-delimited JSON instructions and print outcomes
  inspect  show an escrow, its bonds and status
  events   print recorded ledger events
  recon    reconcile escrow records against custody balances
  credit   seed a balance (non-production only)`
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	var cmd func(context.Context, []string, io.Reader, io.Writer, io.Writer) error
	switch args[0] {
	case "apply":
		cmd = runApply
	case "inspect":
		cmd = runInspect
	case "events":
		cmd = runEvents
	case "recon":
		cmd = runRecon
	case "credit":
		cmd = runCredit
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if err := cmd(ctx, args[1:], stdin, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newFlagSet(name string, stderr io.Writer) *flagSet {
	fs := &flagSet{FlagSet: newStdFlagSet(name, stderr)}
	fs.StringVar(&fs.configPath, "config", defaultConfigPath, "path to the TOML config file")
	return fs
}

func runApply(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("apply", stderr)
	var (
		inPath  string
		outPath string
		ops     bool
		every   time.Duration
	)
	fs.StringVar(&inPath, "in", "-", "instruction file, - for stdin")
	fs.StringVar(&outPath, "out", "-", "outcome file, - for stdout")
	fs.BoolVar(&ops, "ops", false, "serve /metrics, /healthz and /events until interrupted")
	fs.DurationVar(&every, "recon-every", 0, "with -ops, reconcile on this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := openNode(ctx, fs.configPath, stderr)
	if err != nil {
		return err
	}
	defer n.close()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: n.cfg.Environment,
		Endpoint:    n.cfg.Telemetry.Endpoint,
		Insecure:    n.cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(n.cfg.Telemetry.Headers),
		Traces:      n.cfg.Telemetry.Traces,
		Metrics:     n.cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	in := stdin
	if inPath != "-" {
		f, err := os.Open(inPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	out := stdout
	if outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	opsErr := make(chan error, 1)
	if ops {
		go func() { opsErr <- serveOps(ctx, n, n.cfg.Metrics.ListenAddress) }()
		if every > 0 {
			reconciler, err := newReconciler(n, "", false)
			if err != nil {
				return err
			}
			go recon.NewScheduler(reconciler, every, n.logger).Start(ctx)
		}
	}
	stats, err := n.processor.Apply(ctx, in, out)
	if err != nil {
		return err
	}
	n.logger.Info("apply finished", slog.Int("applied", stats.Applied), slog.Int("rejected", stats.Rejected))
	if ops {
		return <-opsErr
	}
	return nil
}

func runInspect(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("inspect", stderr)
	var ref escrow.Ref
	fs.Uint64Var(&ref.EscrowID, "escrow-id", 0, "escrow identifier")
	fs.Uint64Var(&ref.TradeID, "trade-id", 0, "trade identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := openNode(ctx, fs.configPath, stderr)
	if err != nil {
		return err
	}
	defer n.close()

	status, err := n.engine.Status(ref)
	if err != nil {
		return err
	}
	view := struct {
		Ref    escrow.Ref           `json:"ref"`
		State  string               `json:"state"`
		Escrow *dispatch.EscrowJSON `json:"escrow,omitempty"`
		Bonds  map[string]uint64    `json:"bonds,omitempty"`
	}{Ref: ref, State: status.String()}
	if !status.Terminal() {
		rec, err := n.engine.Escrow(ref)
		if err != nil {
			return err
		}
		view.Escrow = dispatch.FormatEscrow(rec)
		for _, party := range []escrow.Party{escrow.PartyBuyer, escrow.PartySeller} {
			bond, err := n.engine.Bond(ref, party)
			if err != nil {
				continue
			}
			if view.Bonds == nil {
				view.Bonds = make(map[string]uint64)
			}
			view.Bonds[party.String()] = bond.Balance
		}
	}
	return writeIndented(stdout, view)
}

func runEvents(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("events", stderr)
	var (
		after    uint64
		limit    int
		escrowID uint64
		tradeID  uint64
		cursor   string
	)
	fs.Uint64Var(&after, "after", 0, "only events with a higher sequence")
	fs.IntVar(&limit, "limit", 100, "maximum events to print, 0 for all")
	fs.Uint64Var(&escrowID, "escrow-id", 0, "only events of this escrow (with -trade-id)")
	fs.Uint64Var(&tradeID, "trade-id", 0, "trade id paired with -escrow-id")
	fs.StringVar(&cursor, "cursor", "", "named consumer cursor; resumes after it and advances it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := openNode(ctx, fs.configPath, stderr)
	if err != nil {
		return err
	}
	defer n.close()

	if cursor != "" {
		if n.store == nil || escrowID != 0 {
			return fmt.Errorf("-cursor needs the sqlite event store and no -escrow-id")
		}
		if after, err = n.store.Cursor(ctx, cursor); err != nil {
			return err
		}
	}
	var entries []events.Entry
	switch {
	case n.store == nil:
		entries = n.log.Since(after, limit)
	case escrowID != 0:
		entries, err = n.store.ForEscrow(ctx, escrowID, tradeID)
	default:
		entries, err = n.store.Since(ctx, after, limit)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	if cursor != "" && len(entries) > 0 {
		return n.store.SetCursor(ctx, cursor, entries[len(entries)-1].Sequence)
	}
	return nil
}

func runRecon(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("recon", stderr)
	var (
		outDir string
		dryRun bool
	)
	fs.StringVar(&outDir, "out", "", "report directory (default <DataDir>/recon)")
	fs.BoolVar(&dryRun, "dry-run", false, "audit without writing reports")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := openNode(ctx, fs.configPath, stderr)
	if err != nil {
		return err
	}
	defer n.close()

	reconciler, err := newReconciler(n, outDir, dryRun)
	if err != nil {
		return err
	}
	result, err := reconciler.Run(ctx)
	if err != nil {
		return err
	}
	return writeIndented(stdout, map[string]any{
		"runId":       result.RunID.String(),
		"escrows":     len(result.Rows),
		"openBonds":   result.OpenBonds,
		"tracked":     result.Tracked,
		"liveByState": result.LiveByState,
		"anomalies":   result.Anomalies,
		"csv":         result.CSVPath,
		"parquet":     result.ParquetPath,
	})
}

func runCredit(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("credit", stderr)
	var (
		address string
		token   string
		amount  string
	)
	fs.StringVar(&address, "address", "", "bech32 address to credit")
	fs.StringVar(&token, "token", escrow.DefaultToken, "token symbol")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := openNode(ctx, fs.configPath, stderr)
	if err != nil {
		return err
	}
	defer n.close()

	if n.cfg.Environment == config.EnvProduction {
		return fmt.Errorf("credit is disabled in production")
	}
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || value.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive integer")
	}
	balance, err := n.manager.Credit(addr, token, value)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s %s\n", addr, strings.ToUpper(strings.TrimSpace(token)), balance)
	return nil
}

func newReconciler(n *node, outDir string, dryRun bool) (*recon.Reconciler, error) {
	if outDir == "" {
		outDir = filepath.Join(n.cfg.DataDir, "recon")
	}
	params := n.engine.Params()
	return recon.NewReconciler(recon.Config{
		Ledger:    n.manager,
		Token:     params.Token,
		Clock:     params.Clock,
		OutputDir: outDir,
		DryRun:    dryRun,
		Logger:    n.logger,
	})
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
