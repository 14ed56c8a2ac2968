// Package rotation re-encrypts sensitive columns in place, one row at a
// time, under a new master key. The same driver also migrates plaintext
// columns to ciphertext and decrypts columns back to plaintext.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fieldcrypt/crypto"
)

// Mode selects what the driver does to each column.
type Mode int

const (
	// ModeRotate decrypts with the old codec and encrypts with the new one.
	ModeRotate Mode = iota
	// ModeEncrypt encrypts plaintext with the new codec and leaves blobs alone.
	ModeEncrypt
	// ModeDecrypt writes back the plaintext of blobs the old codec can open.
	ModeDecrypt
)

func (m Mode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeDecrypt:
		return "decrypt"
	default:
		return "rotate"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode parses the name returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rotate":
		return ModeRotate, nil
	case "encrypt":
		return ModeEncrypt, nil
	case "decrypt":
		return ModeDecrypt, nil
	default:
		return ModeRotate, fmt.Errorf("unknown mode %q", s)
	}
}

// DefaultBatchSize is the page size used when none is configured.
const DefaultBatchSize = 100

var (
	// ErrNotEncrypted marks a column that holds plaintext where a blob was
	// expected.
	ErrNotEncrypted = errors.New("value is not encrypted")
	// ErrForeignKey marks a blob that none of the driver's codecs can open.
	ErrForeignKey = errors.New("value is encrypted under an unknown key")
)

// Driver walks rotation targets and rewrites their sensitive columns.
type Driver struct {
	store       Store
	old         crypto.Encrypter
	new         crypto.Encrypter
	logger      slog.Logger
	batchSize   int
	concurrency int
	limiter     *rate.Limiter
	checkpoints Checkpointer
	job         string
	mode        Mode
	dryRun      bool
	metrics     *Metrics
}

// Option configures a Driver.
type Option func(*Driver)

func WithLogger(logger slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithBatchSize sets how many rows are fetched per page.
func WithBatchSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithConcurrency sets how many targets are processed at once. Rows of one
// target are always processed sequentially.
func WithConcurrency(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRateLimit caps the number of rows processed per second across all
// targets. Zero disables the limit.
func WithRateLimit(rowsPerSecond float64) Option {
	return func(d *Driver) {
		if rowsPerSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(rowsPerSecond), 1)
		} else {
			d.limiter = nil
		}
	}
}

// WithCheckpointer persists the cursor of each target under job. An empty
// job is derived from the mode and the key ids of both codecs.
func WithCheckpointer(c Checkpointer, job string) Option {
	return func(d *Driver) {
		d.checkpoints = c
		d.job = job
	}
}

func WithMode(m Mode) Option {
	return func(d *Driver) {
		d.mode = m
	}
}

// WithDryRun classifies and counts without writing rows or checkpoints.
func WithDryRun(dryRun bool) Option {
	return func(d *Driver) {
		d.dryRun = dryRun
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// New creates a Driver. oldCodec may be nil in ModeEncrypt and newCodec may
// be nil in ModeDecrypt.
func New(store Store, oldCodec, newCodec crypto.Encrypter, opts ...Option) *Driver {
	d := &Driver{
		store:       store,
		old:         oldCodec,
		new:         newCodec,
		logger:      slog.Make(),
		batchSize:   DefaultBatchSize,
		concurrency: 1,
		mode:        ModeRotate,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.checkpoints != nil && d.job == "" {
		d.job = fmt.Sprintf("%s:%s:%s", d.mode, keyIDOf(d.old), keyIDOf(d.new))
	}
	return d
}

func keyIDOf(e crypto.Encrypter) string {
	if e == nil {
		return "-"
	}
	return e.KeyID()
}

func (d *Driver) validate(targets []Target) error {
	if d.store == nil {
		return errors.New("rotation: store is required")
	}
	switch d.mode {
	case ModeRotate:
		if d.old == nil || d.new == nil {
			return errors.New("rotation: old and new codecs are required")
		}
		if d.old.KeyID() == d.new.KeyID() {
			return errors.New("rotation: old and new codecs have the same key id")
		}
	case ModeEncrypt:
		if d.new == nil {
			return errors.New("rotation: encrypt mode requires the new codec")
		}
	case ModeDecrypt:
		if d.old == nil {
			return errors.New("rotation: decrypt mode requires the old codec")
		}
	}
	for _, t := range targets {
		if t.Table == "" || len(t.Columns) == 0 {
			return fmt.Errorf("rotation: invalid target %q: table and columns are required", t.Table)
		}
	}
	return nil
}

// Rotate processes every target and returns a report of what happened.
//
// Row and column failures are recorded in the report and never stop the
// run. A target whose rows cannot be fetched is marked failed and the
// driver moves on. When ctx is cancelled the driver stops between rows and
// returns the partial report together with the context error.
func (d *Driver) Rotate(ctx context.Context, targets []Target) (*Report, error) {
	if err := d.validate(targets); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Mode:      d.mode,
		DryRun:    d.dryRun,
		StartedAt: time.Now(),
		Targets:   make([]TargetReport, len(targets)),
	}
	for i, t := range targets {
		report.Targets[i] = TargetReport{Table: t.Table, State: StateFetching}
	}

	logger := d.logger.With(slog.F("run_id", report.RunID), slog.F("mode", d.mode.String()))
	logger.Info(ctx, "starting field rotation",
		slog.F("targets", len(targets)),
		slog.F("dry_run", d.dryRun),
		slog.F("concurrency", d.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			return d.rotateTarget(gctx, logger, t, &report.Targets[i])
		})
	}
	err := g.Wait()
	report.FinishedAt = time.Now()

	total := report.Totals()
	logger.Info(ctx, "field rotation finished",
		slog.F("scanned", total.Scanned),
		slog.F("processed", total.Processed),
		slog.F("skipped", total.Skipped),
		slog.F("failed", total.Failed),
		slog.F("field_failures", total.FieldFailures),
		slog.F("already_rotated", total.AlreadyRotated),
		slog.F("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	if err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// rotateTarget only returns context errors. Everything else lands in tr.
func (d *Driver) rotateTarget(ctx context.Context, logger slog.Logger, t Target, tr *TargetReport) error {
	start := time.Now()
	defer func() {
		d.metrics.observe(d.mode, t.Table, time.Since(start).Seconds())
	}()
	logger = logger.With(slog.F("table", t.Table))

	if err := ctx.Err(); err != nil {
		tr.State = StateFailed
		return err
	}

	var cursor string
	if d.checkpoints != nil {
		saved, err := d.checkpoints.Load(ctx, d.job, t.Table)
		if err != nil {
			tr.State = StateFailed
			tr.Err = fmt.Errorf("load checkpoint: %w", err)
			logger.Error(ctx, "load checkpoint", slog.Error(err))
			return nil
		}
		if saved != "" {
			cursor = saved
			tr.ResumedFrom = saved
			logger.Info(ctx, "resuming from checkpoint", slog.F("after", saved))
		}
	}

	// The saved cursor stops at the last row before the first failure so a
	// resumed run retries every row that did not commit.
	held := false
	for {
		if err := ctx.Err(); err != nil {
			tr.State = StateFailed
			return err
		}

		tr.State = StateFetching
		rows, err := d.store.Select(ctx, Query{
			Table:    t.Table,
			IDColumn: t.idColumn(),
			Columns:  t.Columns,
			After:    cursor,
			Limit:    d.batchSize,
		})
		if err != nil {
			tr.State = StateFailed
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			tr.Err = fmt.Errorf("fetch %s: %w", t.Table, err)
			logger.Error(ctx, "fetch rows", slog.F("after", cursor), slog.Error(err))
			return nil
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				tr.State = StateFailed
				return err
			}
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					tr.State = StateFailed
					return err
				}
			}

			if !d.processRow(ctx, logger, t, row, tr) && !held {
				held = true
				logger.Warn(ctx, "holding checkpoint before failed row", slog.F("id", row.ID))
			}
			cursor = row.ID
			if !held {
				d.saveCheckpoint(ctx, logger, t.Table, cursor)
			}
		}

		if len(rows) < d.batchSize {
			break
		}
	}

	tr.State = StateDone
	if d.checkpoints != nil && !d.dryRun && !held {
		if err := d.checkpoints.Clear(context.WithoutCancel(ctx), d.job, t.Table); err != nil {
			logger.Warn(ctx, "clear checkpoint", slog.Error(err))
		}
	}
	logger.Info(ctx, "target done",
		slog.F("scanned", tr.Scanned),
		slog.F("processed", tr.Processed),
		slog.F("skipped", tr.Skipped),
		slog.F("failed", tr.Failed),
		slog.F("field_failures", tr.FieldFailures),
	)
	return nil
}

func (d *Driver) saveCheckpoint(ctx context.Context, logger slog.Logger, table, lastID string) {
	if d.checkpoints == nil || d.dryRun {
		return
	}
	if err := d.checkpoints.Save(context.WithoutCancel(ctx), d.job, table, lastID); err != nil {
		logger.Warn(ctx, "save checkpoint", slog.F("id", lastID), slog.Error(err))
	}
}

// processRow rewrites the columns of a single row with one Update call.
// The write is not cancelled by ctx once it has started. It reports false
// when the row or any of its columns failed.
func (d *Driver) processRow(ctx context.Context, logger slog.Logger, t Target, row Row, tr *TargetReport) bool {
	tr.Scanned++
	updates := make(map[string]string, len(t.Columns))
	ok := true

	for _, col := range t.Columns {
		value := row.Values[col]
		if value == nil {
			continue
		}

		tr.State = StateDecrypting
		out, res := d.transform(*value)
		switch res.outcome {
		case outcomeWrite:
			updates[col] = out
			d.metrics.field(d.mode, t.Table, "rewritten")
		case outcomeCurrent:
			tr.AlreadyRotated++
			d.metrics.field(d.mode, t.Table, "current")
		case outcomeFailed:
			ok = false
			tr.FieldFailures++
			tr.Failures = append(tr.Failures, Failure{ID: row.ID, Column: col, State: res.state, Err: res.err})
			d.metrics.field(d.mode, t.Table, "failed")
			logger.Warn(ctx, "skipping column",
				slog.F("id", row.ID),
				slog.F("column", col),
				slog.F("state", res.state.String()),
				slog.Error(res.err),
			)
		default:
			d.metrics.field(d.mode, t.Table, "empty")
		}
	}

	if len(updates) == 0 {
		tr.Skipped++
		d.metrics.row(d.mode, t.Table, "skipped")
		return ok
	}
	if d.dryRun {
		tr.Processed++
		d.metrics.row(d.mode, t.Table, "processed")
		logger.Debug(ctx, "row would be updated", slog.F("id", row.ID), slog.F("columns", len(updates)))
		return ok
	}

	tr.State = StatePersisting
	if err := d.store.Update(context.WithoutCancel(ctx), t.Table, t.idColumn(), row.ID, updates); err != nil {
		tr.Failed++
		tr.Failures = append(tr.Failures, Failure{ID: row.ID, State: StatePersisting, Err: err})
		d.metrics.row(d.mode, t.Table, "failed")
		logger.Error(ctx, "update row", slog.F("id", row.ID), slog.Error(err))
		return false
	}
	tr.Processed++
	d.metrics.row(d.mode, t.Table, "processed")
	logger.Debug(ctx, "row updated", slog.F("id", row.ID), slog.F("columns", len(updates)))
	return ok
}

type outcome int

const (
	outcomeEmpty outcome = iota
	outcomeWrite
	outcomeCurrent
	outcomeFailed
)

type fieldResult struct {
	outcome outcome
	state   State
	err     error
}

func failed(state State, err error) fieldResult {
	return fieldResult{outcome: outcomeFailed, state: state, err: err}
}

// transform decides what to write for one stored value. Every value goes
// through the classifier first so nothing is ever encrypted twice.
func (d *Driver) transform(value string) (string, fieldResult) {
	switch d.mode {
	case ModeEncrypt:
		return d.encryptPlaintext(value)
	case ModeDecrypt:
		return d.decryptBlob(value)
	default:
		return d.rotateBlob(value)
	}
}

func (d *Driver) rotateBlob(value string) (string, fieldResult) {
	c := d.old.Inspect(value)
	switch c.Kind {
	case crypto.KindEmpty:
		return "", fieldResult{outcome: outcomeEmpty}
	case crypto.KindEncrypted:
		out, err := d.new.Encrypt(c.Plaintext)
		if err != nil {
			return "", failed(StateEncrypting, err)
		}
		return out, fieldResult{outcome: outcomeWrite}
	case crypto.KindPlaintext:
		return "", failed(StateDecrypting, ErrNotEncrypted)
	}

	if d.onNewKey(value, c) {
		return "", fieldResult{outcome: outcomeCurrent}
	}
	return "", failed(StateDecrypting, crypto.ErrDecrypt)
}

// onNewKey reports whether an undecryptable value is already a blob of the
// new key. Sealed blobs are matched by key id, legacy blobs by trial.
func (d *Driver) onNewKey(value string, c crypto.Classification) bool {
	if c.KeyID != "" {
		return c.KeyID == d.new.KeyID()
	}
	return d.new.Inspect(value).Kind == crypto.KindEncrypted
}

func (d *Driver) encryptPlaintext(value string) (string, fieldResult) {
	c := d.new.Inspect(value)
	switch c.Kind {
	case crypto.KindEmpty:
		return "", fieldResult{outcome: outcomeEmpty}
	case crypto.KindEncrypted:
		return "", fieldResult{outcome: outcomeCurrent}
	case crypto.KindUndecryptable:
		return "", failed(StateDecrypting, ErrForeignKey)
	}

	out, err := d.new.Encrypt(value)
	if err != nil {
		return "", failed(StateEncrypting, err)
	}
	return out, fieldResult{outcome: outcomeWrite}
}

func (d *Driver) decryptBlob(value string) (string, fieldResult) {
	c := d.old.Inspect(value)
	switch c.Kind {
	case crypto.KindEncrypted:
		return c.Plaintext, fieldResult{outcome: outcomeWrite}
	case crypto.KindPlaintext:
		return "", fieldResult{outcome: outcomeCurrent}
	case crypto.KindUndecryptable:
		return "", failed(StateDecrypting, crypto.ErrDecrypt)
	default:
		return "", fieldResult{outcome: outcomeEmpty}
	}
}
