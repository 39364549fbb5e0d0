package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
	"github.com/Panmoni/yapbay-sub000/observability/metrics"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyCustodyDrift    = "custody_drift"
	AnomalyBondDrift       = "bond_drift"
	AnomalyStateInvariant  = "state_invariant"
	AnomalyOverdueDeposit  = "overdue_deposit"
	AnomalyOverdueFiat     = "overdue_fiat"
	AnomalyOverdueResponse = "overdue_response"
)

// Ledger is the read side of the custody primitive the reconciler audits.
type Ledger interface {
	ForEachEscrow(fn func(*escrow.Escrow) (bool, error)) error
	ForEachBond(fn func(*escrow.BondAccount) (bool, error)) error
	Balance(addr crypto.Address, token string) (*big.Int, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger    Ledger
	Token     string
	Clock     escrow.DeadlineClock
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// Reconciler compares every live escrow and bond record with the balances
// actually held in custody.
type Reconciler struct {
	ledger    Ledger
	token     string
	clock     escrow.DeadlineClock
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a finding requiring operator review.
type Anomaly struct {
	Type     string
	EscrowID uint64
	TradeID  uint64
	Details  string
}

// ReportRow summarises one live escrow.
type ReportRow struct {
	EscrowID        uint64
	TradeID         uint64
	State           string
	Seller          string
	Buyer           string
	Amount          uint64
	Fee             uint64
	Tracked         uint64
	Custody         string
	Drift           string
	BondsHeld       uint64
	FiatPaid        bool
	Overdue         string
	CreatedAt       time.Time
	DepositDeadline int64
	FiatDeadline    int64
}

// Result summarises a reconciliation run.
type Result struct {
	RunID       uuid.UUID
	GeneratedAt time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	LiveByState map[string]int
	Tracked     uint64
	OpenBonds   int
	CSVPath     string
	ParquetPath string
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	if cfg.Token == "" {
		cfg.Token = escrow.DefaultToken
	}
	if err := cfg.Clock.Validate(); err != nil {
		cfg.Clock = escrow.DefaultDeadlineClock()
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("yapbay-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		ledger:    cfg.Ledger,
		token:     cfg.Token,
		clock:     cfg.Clock,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// Run audits the ledger once and, unless in dry-run mode, writes CSV and
// Parquet reports under OutputDir/<date>/.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	result, err := r.run(ctx)
	generated := r.now()
	metrics.Ledger().RecordRun(generated.Unix(), err)
	if err != nil {
		return nil, err
	}
	m := metrics.Ledger()
	m.SetLive(result.LiveByState)
	m.SetTracked(result.Tracked)
	m.SetOpenBonds(result.OpenBonds)
	for _, anomaly := range result.Anomalies {
		m.RecordAnomaly(anomaly.Type)
	}
	return result, nil
}

func (r *Reconciler) run(ctx context.Context) (*Result, error) {
	now := r.now().UTC()
	result := &Result{
		RunID:       uuid.New(),
		GeneratedAt: now,
		LiveByState: make(map[string]int),
	}

	bondsByEscrow := make(map[[32]byte]uint64)
	err := r.ledger.ForEachBond(func(bond *escrow.BondAccount) (bool, error) {
		result.OpenBonds++
		bondsByEscrow[bond.EscrowKey] += bond.Balance
		held, err := r.ledger.Balance(bond.Address(), r.token)
		if err != nil {
			return false, err
		}
		if held.Cmp(new(big.Int).SetUint64(bond.Balance)) != 0 {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyBondDrift,
				Details: fmt.Sprintf("%s bond of %x records %d, holds %s", bond.Party, bond.EscrowKey[:4], bond.Balance, held),
			}))
		}
		return ctx.Err() == nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recon: walk bonds: %w", err)
	}

	err = r.ledger.ForEachEscrow(func(rec *escrow.Escrow) (bool, error) {
		row, anomalies, err := r.audit(now.Unix(), rec)
		if err != nil {
			return false, err
		}
		row.BondsHeld = bondsByEscrow[rec.Key]
		for _, anomaly := range anomalies {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, anomaly))
		}
		result.Rows = append(result.Rows, row)
		result.LiveByState[row.State]++
		result.Tracked += rec.TrackedBalance
		return ctx.Err() == nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recon: walk escrows: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result.Rows, func(i, j int) bool {
		if result.Rows[i].EscrowID != result.Rows[j].EscrowID {
			return result.Rows[i].EscrowID < result.Rows[j].EscrowID
		}
		return result.Rows[i].TradeID < result.Rows[j].TradeID
	})

	r.logger.Info("recon: audit complete",
		slog.String("run_id", result.RunID.String()),
		slog.Int("escrows", len(result.Rows)),
		slog.Int("bonds", result.OpenBonds),
		slog.Int("anomalies", len(result.Anomalies)))

	if r.dryRun || len(result.Rows) == 0 {
		return result, nil
	}
	baseDir := filepath.Join(r.outputDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create output dir: %w", err)
	}
	result.CSVPath = filepath.Join(baseDir, result.RunID.String()+".csv")
	if err := writeCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(baseDir, result.RunID.String()+".parquet")
	if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	r.logger.Info("recon: wrote reports",
		slog.String("csv", result.CSVPath),
		slog.String("parquet", result.ParquetPath))
	return result, nil
}

// audit checks one record against custody and its deadlines.
func (r *Reconciler) audit(now int64, rec *escrow.Escrow) (*ReportRow, []Anomaly, error) {
	custody, err := r.ledger.Balance(rec.Custody(), r.token)
	if err != nil {
		return nil, nil, err
	}
	tracked := new(big.Int).SetUint64(rec.TrackedBalance)
	drift := new(big.Int).Sub(custody, tracked)
	row := &ReportRow{
		EscrowID:        rec.EscrowID,
		TradeID:         rec.TradeID,
		State:           rec.State.String(),
		Seller:          rec.Seller.String(),
		Buyer:           rec.Buyer.String(),
		Amount:          rec.Amount,
		Fee:             rec.Fee,
		Tracked:         rec.TrackedBalance,
		Custody:         custody.String(),
		Drift:           drift.String(),
		FiatPaid:        rec.FiatPaid,
		CreatedAt:       time.Unix(rec.CreatedAt, 0).UTC(),
		DepositDeadline: rec.DepositDeadline,
		FiatDeadline:    rec.FiatDeadline,
	}
	anomaly := func(kind, details string) Anomaly {
		return Anomaly{Type: kind, EscrowID: rec.EscrowID, TradeID: rec.TradeID, Details: details}
	}

	var anomalies []Anomaly
	if drift.Sign() != 0 {
		anomalies = append(anomalies, anomaly(AnomalyCustodyDrift,
			fmt.Sprintf("tracked %d, custody holds %s", rec.TrackedBalance, custody)))
	}
	var expected uint64
	if rec.State == escrow.StateFunded || rec.State == escrow.StateDisputed {
		expected = rec.Amount + rec.Fee
	}
	if rec.TrackedBalance != expected {
		anomalies = append(anomalies, anomaly(AnomalyStateInvariant,
			fmt.Sprintf("state %s tracks %d, expected %d", rec.State, rec.TrackedBalance, expected)))
	}

	switch {
	case rec.State == escrow.StateCreated && escrow.Expired(rec.DepositDeadline, now):
		row.Overdue = AnomalyOverdueDeposit
	case rec.State == escrow.StateFunded && !rec.FiatPaid && escrow.Expired(rec.FiatDeadline, now):
		row.Overdue = AnomalyOverdueFiat
	case rec.State == escrow.StateDisputed && rec.DisputeRespondedAt == 0 &&
		escrow.Expired(r.clock.ResponseDeadline(rec.DisputeInitiatedAt), now):
		row.Overdue = AnomalyOverdueResponse
	}
	if row.Overdue != "" {
		anomalies = append(anomalies, anomaly(row.Overdue, "deadline lapsed without action"))
	}
	return row, anomalies, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Warn("recon alert delivery failed",
			slog.String("kind", anomaly.Type),
			slog.Any("error", err))
	}
	return anomaly
}

var csvHeader = []string{
	"escrow_id", "trade_id", "state", "seller", "buyer", "amount", "fee", "tracked_balance",
	"custody_balance", "drift", "bonds_held", "fiat_paid", "overdue", "created_at",
	"deposit_deadline", "fiat_deadline",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.EscrowID, 10),
			strconv.FormatUint(row.TradeID, 10),
			row.State,
			row.Seller,
			row.Buyer,
			strconv.FormatUint(row.Amount, 10),
			strconv.FormatUint(row.Fee, 10),
			strconv.FormatUint(row.Tracked, 10),
			row.Custody,
			row.Drift,
			strconv.FormatUint(row.BondsHeld, 10),
			strconv.FormatBool(row.FiatPaid),
			row.Overdue,
			row.CreatedAt.Format(time.RFC3339),
			formatUnix(row.DepositDeadline),
			formatUnix(row.FiatDeadline),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	EscrowID        int64  `parquet:"name=escrow_id, type=INT64"`
	TradeID         int64  `parquet:"name=trade_id, type=INT64"`
	State           string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller          string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer           string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount          int64  `parquet:"name=amount, type=INT64"`
	Fee             int64  `parquet:"name=fee, type=INT64"`
	Tracked         int64  `parquet:"name=tracked_balance, type=INT64"`
	Custody         string `parquet:"name=custody_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Drift           string `parquet:"name=drift, type=BYTE_ARRAY, convertedtype=UTF8"`
	BondsHeld       int64  `parquet:"name=bonds_held, type=INT64"`
	FiatPaid        bool   `parquet:"name=fiat_paid, type=BOOLEAN"`
	Overdue         string `parquet:"name=overdue, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	DepositDeadline int64  `parquet:"name=deposit_deadline, type=INT64"`
	FiatDeadline    int64  `parquet:"name=fiat_deadline, type=INT64"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			EscrowID:        int64(row.EscrowID),
			TradeID:         int64(row.TradeID),
			State:           row.State,
			Seller:          row.Seller,
			Buyer:           row.Buyer,
			Amount:          int64(row.Amount),
			Fee:             int64(row.Fee),
			Tracked:         int64(row.Tracked),
			Custody:         row.Custody,
			Drift:           row.Drift,
			BondsHeld:       int64(row.BondsHeld),
			FiatPaid:        row.FiatPaid,
			Overdue:         row.Overdue,
			CreatedAt:       row.CreatedAt.Format(time.RFC3339),
			DepositDeadline: row.DepositDeadline,
			FiatDeadline:    row.FiatDeadline,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
