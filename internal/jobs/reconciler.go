// Package jobs runs the scheduled passes that move transactions forward
// without a user request: tracking checks, due auto-releases and the sweep
// for settlement claims that never finished.
package jobs

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/metrics"
	"SecureEscrow/internal/models"
)

// Lifecycle is the part of the engine the job drives.
type Lifecycle interface {
	CheckTracking(ctx context.Context, id string) (escrow.Outcome, error)
	Release(ctx context.Context, actor escrow.Actor, id string) (*models.Transaction, error)
	FlagStale(ctx context.Context, id string) (bool, error)
}

// Source lists the transactions each pass works on.
type Source interface {
	DueForTrackingCheck(ctx context.Context) ([]models.Transaction, error)
	DueForAutoRelease(ctx context.Context, now time.Time) ([]models.Transaction, error)
	StaleSettlements(ctx context.Context, cutoff time.Time) ([]models.Transaction, error)
}

type Pass string

const (
	PassTracking Pass = "tracking"
	PassRelease  Pass = "release"
	PassStale    Pass = "stale"
)

type Result struct {
	TransactionID string         `json:"transactionId"`
	Pass          Pass           `json:"pass"`
	Outcome       escrow.Outcome `json:"outcome"`
	Error         string         `json:"error,omitempty"`
}

// Report is the outcome of one run. A failing item never stops the others;
// Errors only holds failures to list work at all.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Results   []Result      `json:"results"`
	Errors    []string      `json:"errors,omitempty"`
}

func (r *Report) merge(other Report) {
	r.Results = append(r.Results, other.Results...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Count returns how many results ended with outcome.
func (r Report) Count(outcome escrow.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

type Options struct {
	Workers       int
	Interval      time.Duration
	SettlementTTL time.Duration
	Now           func() time.Time
	Logger        log.FieldLogger
}

type Reconciler struct {
	engine Lifecycle
	source Source
	opts   Options
	log    log.FieldLogger
}

func NewReconciler(engine Lifecycle, source Source, opts Options) *Reconciler {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.SettlementTTL <= 0 {
		opts.SettlementTTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Reconciler{
		engine: engine,
		source: source,
		opts:   opts,
		log:    opts.Logger.WithField("component", "reconciler"),
	}
}

// RunOnce runs the tracking pass, then the release pass, then the stale sweep.
// Tracking goes first so parcels delivered past their deadline are released in
// the same run.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	start := r.opts.Now()
	report := Report{StartedAt: start, Results: []Result{}}

	report.merge(r.RunTracking(ctx))
	report.merge(r.RunReleases(ctx))
	report.merge(r.RunStaleSweep(ctx))

	report.Duration = r.opts.Now().Sub(start)
	metrics.ReconcileRunDuration.Observe(report.Duration.Seconds())

	r.log.WithFields(log.Fields{
		"items":    len(report.Results),
		"released": report.Count(escrow.OutcomeReleased),
		"flagged":  report.Count(escrow.OutcomeFlagged),
		"failed":   report.Count(escrow.OutcomeFailed),
		"duration": report.Duration.String(),
	}).Info("Reconciliation run finished")
	return report
}

// RunTracking polls the carrier for every shipped transaction.
func (r *Reconciler) RunTracking(ctx context.Context) Report {
	txs, err := r.source.DueForTrackingCheck(ctx)
	return r.process(ctx, PassTracking, txs, err, func(ctx context.Context, t models.Transaction) (escrow.Outcome, error) {
		return r.engine.CheckTracking(ctx, t.ID)
	})
}

// RunReleases releases delivered transactions whose deadline has passed.
func (r *Reconciler) RunReleases(ctx context.Context) Report {
	txs, err := r.source.DueForAutoRelease(ctx, r.opts.Now())
	return r.process(ctx, PassRelease, txs, err, func(ctx context.Context, t models.Transaction) (escrow.Outcome, error) {
		if _, err := r.engine.Release(ctx, escrow.SystemActor(), t.ID); err != nil {
			return outcomeOf(err), err
		}
		return escrow.OutcomeReleased, nil
	})
}

// RunStaleSweep flags settlement claims older than the settlement TTL.
func (r *Reconciler) RunStaleSweep(ctx context.Context) Report {
	txs, err := r.source.StaleSettlements(ctx, r.opts.Now().Add(-r.opts.SettlementTTL))
	return r.process(ctx, PassStale, txs, err, func(ctx context.Context, t models.Transaction) (escrow.Outcome, error) {
		flagged, err := r.engine.FlagStale(ctx, t.ID)
		if err != nil {
			return escrow.OutcomeFailed, err
		}
		if flagged {
			return escrow.OutcomeFlagged, nil
		}
		return escrow.OutcomeNotDue, nil
	})
}

func outcomeOf(err error) escrow.Outcome {
	var rerr *escrow.ReconciliationRequiredError
	var cerr *escrow.StateConflictError
	switch {
	case errors.As(err, &rerr):
		return escrow.OutcomeFlagged
	case errors.As(err, &cerr):
		return escrow.OutcomeSkipped
	default:
		return escrow.OutcomeFailed
	}
}

type itemFunc func(ctx context.Context, t models.Transaction) (escrow.Outcome, error)

// process runs fn for every transaction on a bounded pool. fn never fails the
// group, so one bad item cannot cancel the rest.
func (r *Reconciler) process(ctx context.Context, pass Pass, txs []models.Transaction, listErr error, fn itemFunc) Report {
	report := Report{StartedAt: r.opts.Now()}
	if listErr != nil {
		r.log.WithField("pass", pass).WithError(listErr).Error("Failed to list transactions")
		report.Errors = append(report.Errors, string(pass)+": "+listErr.Error())
		return report
	}

	results := make([]Result, len(txs))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)

	for i, t := range txs {
		i, t := i, t
		g.Go(func() error {
			res := Result{TransactionID: t.ID, Pass: pass}
			if ctx.Err() != nil {
				res.Outcome = escrow.OutcomeSkipped
				res.Error = ctx.Err().Error()
				results[i] = res
				return nil
			}

			outcome, err := fn(ctx, t)
			res.Outcome = outcome
			if err != nil {
				res.Error = err.Error()
				entry := r.log.WithFields(log.Fields{"pass": pass, "transaction_id": t.ID, "outcome": outcome})
				if outcome == escrow.OutcomeSkipped {
					entry.WithError(err).Debug("Item skipped")
				} else {
					entry.WithError(err).Warn("Item failed")
				}
			}
			metrics.ReconcileItems.WithLabelValues(string(pass), string(outcome)).Inc()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.Duration = r.opts.Now().Sub(report.StartedAt)
	return report
}

// Start runs RunOnce on every tick until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.opts.Interval.String()).Info("Reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
