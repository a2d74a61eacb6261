package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/policy"
)

// ErrUnexpectedOwner is returned when the item is held by neither identity of the run
var ErrUnexpectedOwner = errors.New("item is owned by neither identity of the run")

// Ledger is the subset of the ledger the harness drives
//
//go:generate mockgen -source=harness.go -destination=../mocks/harness.go -package=mocks -mock_names=Ledger=MockHarnessLedger
type Ledger interface {
	// OwnerOf returns the current owner of an item; false if never issued
	OwnerOf(ctx context.Context, item domain.ItemID) (domain.Identity, bool, error)
	// Transfer proposes a resale and returns the transaction reference. A
	// policy rejection is returned as an error carrying a policy.Reason.
	Transfer(ctx context.Context, from, to domain.Identity, item domain.ItemID) (string, error)
}

// Config holds the configuration of a harness run
type Config struct {
	ItemID     domain.ItemID
	A          domain.Identity
	B          domain.Identity
	Iterations int
}

// Validate checks the run configuration
func (c Config) Validate() error {
	if c.ItemID == "" {
		return fmt.Errorf("%w: item id is required", domain.ErrInvalidConfig)
	}
	if c.A.IsZero() || c.B.IsZero() {
		return fmt.Errorf("%w: both identities are required", domain.ErrInvalidConfig)
	}
	if c.A == c.B {
		return fmt.Errorf("%w: identities must differ", domain.ErrInvalidConfig)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

// RetryPolicy decides which rejections are retried and how long to wait between tries
type RetryPolicy struct {
	// Retryable lists the rejection reasons worth retrying, e.g. CooldownActive
	Retryable []policy.Reason
	// NewBackOff returns the schedule of one attempt's retries; nil disables retries
	NewBackOff func() backoff.BackOff
}

// NoRetry never retries a rejection
var NoRetry = RetryPolicy{}

func (r RetryPolicy) retryable(reason policy.Reason) bool {
	if r.NewBackOff == nil {
		return false
	}
	for _, rr := range r.Retryable {
		if rr == reason {
			return true
		}
	}
	return false
}

// Outcome is the final result of one iteration
type Outcome struct {
	Iteration int             `json:"iteration"`
	From      domain.Identity `json:"from"`
	To        domain.Identity `json:"to"`
	Admitted  bool            `json:"admitted"`
	Reason    policy.Reason   `json:"reason,omitempty"`
	TxRef     string          `json:"txRef,omitempty"`
	Retries   int             `json:"retries"`
}

// Report summarises a run
type Report struct {
	RunID      string `json:"runId"`
	Iterations int    `json:"iterations"`
	// Attempts counts every transfer proposed, retries included
	Attempts int `json:"attempts"`
	Admitted int `json:"admitted"`
	Rejected int `json:"rejected"`
	// ByReason counts every rejected proposal, retries included
	ByReason map[policy.Reason]int `json:"byReason"`
	Outcomes []Outcome             `json:"outcomes"`
}

// Harness alternates an item between two identities to exercise the policy
type Harness struct {
	ledger Ledger
	cfg    Config
	pacing backoff.BackOff
	retry  RetryPolicy
	clock  adapter.Clock
}

// New creates a harness. pacing yields the wait before each iteration after the first.
func New(ledger Ledger, cfg Config, pacing backoff.BackOff, retry RetryPolicy, clock adapter.Clock) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pacing == nil {
		pacing = &backoff.ZeroBackOff{}
	}
	return &Harness{
		ledger: ledger,
		cfg:    cfg,
		pacing: pacing,
		retry:  retry,
		clock:  clock,
	}, nil
}

// Run executes the configured iterations. Rejections are outcomes, not errors;
// Run fails only when the ledger cannot be read or reached.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:    uuid.NewString(),
		ByReason: make(map[policy.Reason]int),
	}

	logger.InfoCtx(ctx, "Starting harness run",
		zap.String("run_id", report.RunID),
		zap.String("item_id", string(h.cfg.ItemID)),
		zap.Int("iterations", h.cfg.Iterations))

	h.pacing.Reset()
	for i := 1; i <= h.cfg.Iterations; i++ {
		if i > 1 {
			d := h.pacing.NextBackOff()
			if d == backoff.Stop {
				logger.InfoCtx(ctx, "Pacing exhausted, stopping run", zap.Int("iteration", i))
				break
			}
			if err := h.wait(ctx, d); err != nil {
				return report, err
			}
		}

		outcome, err := h.iterate(ctx, i, report)
		if err != nil {
			return report, err
		}

		report.Iterations++
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Admitted {
			report.Admitted++
		} else {
			report.Rejected++
		}
	}

	logger.InfoCtx(ctx, "Harness run finished",
		zap.String("run_id", report.RunID),
		zap.Int("attempts", report.Attempts),
		zap.Int("admitted", report.Admitted),
		zap.Int("rejected", report.Rejected))

	return report, nil
}

// iterate proposes one transfer from the current owner and retries retryable rejections
func (h *Harness) iterate(ctx context.Context, iteration int, report *Report) (Outcome, error) {
	var retry backoff.BackOff

	for retries := 0; ; retries++ {
		from, to, err := h.parties(ctx)
		if err != nil {
			return Outcome{}, err
		}

		report.Attempts++
		txRef, err := h.ledger.Transfer(ctx, from, to, h.cfg.ItemID)
		outcome := Outcome{
			Iteration: iteration,
			From:      from,
			To:        to,
			Retries:   retries,
		}

		if err == nil {
			outcome.Admitted = true
			outcome.TxRef = txRef
			logger.InfoCtx(ctx, "Transfer admitted",
				zap.Int("iteration", iteration),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.String("tx", txRef))
			return outcome, nil
		}

		reason := policy.ReasonOf(err)
		if reason == policy.ReasonNone {
			return Outcome{}, fmt.Errorf("transfer failed at iteration %d: %w", iteration, err)
		}
		outcome.Reason = reason
		report.ByReason[reason]++

		logger.InfoCtx(ctx, "Transfer rejected",
			zap.Int("iteration", iteration),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", string(reason)))

		if !h.retry.retryable(reason) {
			return outcome, nil
		}
		if retry == nil {
			retry = h.retry.NewBackOff()
			retry.Reset()
		}
		d := retry.NextBackOff()
		if d == backoff.Stop {
			return outcome, nil
		}

		logger.WarnCtx(ctx, "Transfer rejected, retrying",
			zap.String("reason", string(reason)),
			zap.Int("attempt", retries+1),
			zap.Duration("next_retry_in", d))
		if err := h.wait(ctx, d); err != nil {
			return Outcome{}, err
		}
	}
}

// parties reads the current owner and picks the other identity as recipient
func (h *Harness) parties(ctx context.Context) (domain.Identity, domain.Identity, error) {
	owner, ok, err := h.ledger.OwnerOf(ctx, h.cfg.ItemID)
	if err != nil {
		return "", "", fmt.Errorf("failed to read owner of item %s: %w", h.cfg.ItemID, err)
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", domain.ErrItemNotFound, h.cfg.ItemID)
	}

	switch owner {
	case h.cfg.A:
		return h.cfg.A, h.cfg.B, nil
	case h.cfg.B:
		return h.cfg.B, h.cfg.A, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnexpectedOwner, owner)
	}
}

func (h *Harness) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-h.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
