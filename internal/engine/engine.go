// Package engine runs a configured set of checkers over a transaction batch
// and aggregates their flags.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/checker"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Config holds engine construction parameters. Store and Bus are optional:
// without a store push-down checkers fail, without a bus no events are
// published.
type Config struct {
	Store      domain.Store
	Relation   string
	Bus        domain.EventBus
	Logger     *slog.Logger
	MaxWorkers int
}

// Engine coordinates checker execution. Configure and Execute may be called
// from different goroutines; the checker list is snapshotted per run.
type Engine struct {
	mu         sync.RWMutex
	checkers   []checker.Checker
	store      domain.Store
	relation   string
	bus        domain.EventBus
	logger     *slog.Logger
	maxWorkers int
}

// New creates an engine with no checkers configured.
func New(cfg Config) (*Engine, error) {
	relation := cfg.Relation
	if relation == "" {
		relation = "transactions"
	}
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	return &Engine{
		store:      cfg.Store,
		relation:   relation,
		bus:        cfg.Bus,
		logger:     logger,
		maxWorkers: maxWorkers,
	}, nil
}

// Configure replaces the checker list. Order is significant: flags are
// reported in checker registration order.
func (e *Engine) Configure(checkers []checker.Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkers = checkers
}

// checkerResult pairs one checker's output with its registration slot.
type checkerResult struct {
	flags []domain.FraudFlag
	err   error
	name  string
}

// Execute runs every configured checker against the batch and returns the
// concatenated flags in registration order, each checker's flags in the
// order it produced them.
//
// Checkers run concurrently under a worker limit. A checker failing on an
// external service is logged and skipped; any other checker error aborts the
// run.
func (e *Engine) Execute(ctx context.Context, txns []domain.Transaction) ([]domain.FraudFlag, error) {
	e.mu.RLock()
	checkers := make([]checker.Checker, len(e.checkers))
	copy(checkers, e.checkers)
	e.mu.RUnlock()

	start := time.Now()
	e.logger.Info("scan started", "checkers", len(checkers), "transactions", len(txns))

	if len(checkers) == 0 {
		e.logger.Info("scan completed", "flags", 0, "duration_ms", time.Since(start).Milliseconds())
		return nil, nil
	}

	results := make([]checkerResult, len(checkers))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, c := range checkers {
		wg.Add(1)
		go func(idx int, c checker.Checker) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			flags, err := e.runChecker(ctx, c, txns)
			results[idx] = checkerResult{flags: flags, err: err, name: c.Name()}
		}(i, c)
	}

	wg.Wait()

	var all []domain.FraudFlag
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, domain.ErrExternalService) {
				e.logger.Warn("checker skipped: external service unavailable",
					"checker", res.name, "error", res.err)
				continue
			}
			return nil, fmt.Errorf("checker %s: %w", res.name, res.err)
		}
		all = append(all, res.flags...)
	}

	e.publishFlags(ctx, all)

	e.logger.Info("scan completed",
		"flags", len(all),
		"duration_ms", time.Since(start).Milliseconds())

	return all, nil
}

// runChecker dispatches one checker by capability: push-down checkers go
// through the store, batch checkers see the in-memory batch. A batch checker
// implementing the DataFetcher hook gets its fetched context rows appended
// to the batch before Check.
func (e *Engine) runChecker(ctx context.Context, c checker.Checker, txns []domain.Transaction) ([]domain.FraudFlag, error) {
	switch impl := c.(type) {
	case checker.PushdownChecker:
		if e.store == nil {
			return nil, fmt.Errorf("%w: checker requires a store and none is configured", domain.ErrConfiguration)
		}
		return impl.CheckWithStore(ctx, e.store, e.relation)
	case checker.BatchChecker:
		batch := txns
		if fetcher, ok := c.(checker.DataFetcher); ok && e.store != nil {
			extra, err := fetcher.FetchRelevantData(ctx, e.store, nil)
			if err != nil {
				return nil, err
			}
			if len(extra) > 0 {
				batch = make([]domain.Transaction, 0, len(txns)+len(extra))
				batch = append(batch, txns...)
				batch = append(batch, extra...)
			}
		}
		return impl.Check(ctx, batch)
	default:
		return nil, fmt.Errorf("%w: checker %s implements no execution capability", domain.ErrConfiguration, c.Name())
	}
}

// publishFlags sends every flag to the event bus. Bus failures are logged,
// not returned: event delivery is best effort and never blocks scoring.
func (e *Engine) publishFlags(ctx context.Context, flags []domain.FraudFlag) {
	if e.bus == nil {
		return
	}
	for _, flag := range flags {
		payload, err := json.Marshal(flag)
		if err != nil {
			e.logger.Warn("failed to encode flag for publishing", "flag_id", flag.ID, "error", err)
			continue
		}
		if err := e.bus.Publish(ctx, domain.TopicFlagRaised, payload); err != nil {
			e.logger.Warn("failed to publish flag", "flag_id", flag.ID, "error", err)
		}
	}

	summary, err := json.Marshal(map[string]any{"flags": len(flags), "timestamp": time.Now().UTC()})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicScanCompleted, summary); err != nil {
		e.logger.Warn("failed to publish scan summary", "error", err)
	}
}
