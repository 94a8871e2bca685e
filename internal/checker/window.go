package checker

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// The window checkers share one shape: a single push-down query computes a
// trailing time-window aggregate per row, any partition containing a row over
// the threshold is flagged whole, and the flagged rows become one flag per
// distinct group key.

type groupKeyFunc func(domain.Transaction) string
type reasonFunc func(key string, txns []domain.Transaction) string

// runWindowQuery executes a window query and folds its rows into flags,
// preserving the first-seen order of group keys.
func runWindowQuery(ctx context.Context, store domain.Store, query, name string,
	key groupKeyFunc, reason reasonFunc, confidence float64) ([]domain.FraudFlag, error) {

	rows, err := store.FetchItems(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	txns, err := rowsToTransactions(rows)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]domain.Transaction)
	var order []string
	for _, tx := range txns {
		k := key(tx)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], tx)
	}

	flags := make([]domain.FraudFlag, 0, len(order))
	for _, k := range order {
		flag, err := domain.NewFlag(groups[k], name, reason(k, groups[k]), confidence)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

// VelocityChecker flags users with more than threshold transactions inside a
// trailing window of N minutes.
type VelocityChecker struct {
	name          string
	windowMinutes int
	threshold     int
}

// NewVelocityChecker creates a velocity checker with the default 10 minute
// window and threshold of 3.
func NewVelocityChecker() *VelocityChecker {
	return &VelocityChecker{name: "VelocityChecker", windowMinutes: 10, threshold: 3}
}

// Name implements Checker.
func (c *VelocityChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *VelocityChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("time_window_minutes", "threshold"); err != nil {
		return err
	}
	if err := opts.intVal("time_window_minutes", &c.windowMinutes); err != nil {
		return err
	}
	return opts.intVal("threshold", &c.threshold)
}

// CheckWithStore implements PushdownChecker.
func (c *VelocityChecker) CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}
	d := store.Dialect()
	epoch := d.EpochExpr("timestamp")
	query := fmt.Sprintf(`
WITH windowed AS (
    SELECT user_id, timestamp, merchant_name, amount,
           COUNT(*) OVER (
               PARTITION BY user_id ORDER BY %s
               RANGE BETWEEN %d PRECEDING AND CURRENT ROW
           ) AS count_in_window
    FROM %s
),
flagged AS (SELECT DISTINCT user_id FROM windowed WHERE count_in_window > %d)
SELECT t.user_id, t.timestamp, t.merchant_name, t.amount
FROM %s t JOIN flagged f ON t.user_id = f.user_id
ORDER BY t.user_id, t.timestamp`,
		epoch, c.windowMinutes*60, relation, c.threshold, relation)

	return runWindowQuery(ctx, store, query, c.name,
		func(tx domain.Transaction) string { return tx.UserID },
		func(key string, txns []domain.Transaction) string {
			return fmt.Sprintf("Velocity spike: >%d transactions in %d min window", c.threshold, c.windowMinutes)
		},
		0.85)
}

// MerchantRepetitionChecker flags user/merchant pairs with more than
// threshold transactions inside a trailing window of N hours.
type MerchantRepetitionChecker struct {
	name        string
	windowHours int
	threshold   int
}

// NewMerchantRepetitionChecker creates a repetition checker with the default
// 24 hour window and threshold of 5.
func NewMerchantRepetitionChecker() *MerchantRepetitionChecker {
	return &MerchantRepetitionChecker{name: "MerchantRepetitionChecker", windowHours: 24, threshold: 5}
}

// Name implements Checker.
func (c *MerchantRepetitionChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *MerchantRepetitionChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("time_window_hours", "threshold"); err != nil {
		return err
	}
	if err := opts.intVal("time_window_hours", &c.windowHours); err != nil {
		return err
	}
	return opts.intVal("threshold", &c.threshold)
}

// CheckWithStore implements PushdownChecker.
func (c *MerchantRepetitionChecker) CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}
	d := store.Dialect()
	epoch := d.EpochExpr("timestamp")
	query := fmt.Sprintf(`
WITH windowed AS (
    SELECT user_id, merchant_name, timestamp, amount,
           COUNT(*) OVER (
               PARTITION BY user_id, merchant_name ORDER BY %s
               RANGE BETWEEN %d PRECEDING AND CURRENT ROW
           ) AS count_in_window
    FROM %s
),
flagged AS (
    SELECT DISTINCT user_id, merchant_name FROM windowed WHERE count_in_window > %d
)
SELECT t.user_id, t.timestamp, t.merchant_name, t.amount
FROM %s t
JOIN flagged f ON t.user_id = f.user_id AND t.merchant_name = f.merchant_name
ORDER BY t.user_id, t.merchant_name, t.timestamp`,
		epoch, c.windowHours*3600, relation, c.threshold, relation)

	return runWindowQuery(ctx, store, query, c.name,
		func(tx domain.Transaction) string { return tx.UserID + "\x00" + tx.MerchantName },
		func(key string, txns []domain.Transaction) string {
			return fmt.Sprintf("Excessive transactions at %s: >%d in %dh window",
				txns[0].MerchantName, c.threshold, c.windowHours)
		},
		0.85)
}

// MerchantDiversityChecker flags users transacting at more than threshold
// distinct merchants inside a trailing window of N minutes. Merchant
// diversity stands in for rapid geographic movement.
type MerchantDiversityChecker struct {
	name          string
	windowMinutes int
	threshold     int
}

// NewMerchantDiversityChecker creates a diversity checker with the default
// 30 minute window and threshold of 2.
func NewMerchantDiversityChecker() *MerchantDiversityChecker {
	return &MerchantDiversityChecker{name: "MerchantDiversityChecker", windowMinutes: 30, threshold: 2}
}

// Name implements Checker.
func (c *MerchantDiversityChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *MerchantDiversityChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("time_window_minutes", "threshold"); err != nil {
		return err
	}
	if err := opts.intVal("time_window_minutes", &c.windowMinutes); err != nil {
		return err
	}
	return opts.intVal("threshold", &c.threshold)
}

// CheckWithStore implements PushdownChecker. A distinct count over a sliding
// window is expressed as a correlated subquery because neither supported
// driver allows DISTINCT inside a window aggregate.
func (c *MerchantDiversityChecker) CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}
	d := store.Dialect()
	outerEpoch := d.EpochExpr("t.timestamp")
	innerEpoch := d.EpochExpr("w.timestamp")
	query := fmt.Sprintf(`
WITH windowed AS (
    SELECT t.user_id, t.timestamp, t.merchant_name, t.amount,
           (SELECT COUNT(DISTINCT w.merchant_name)
            FROM %s w
            WHERE w.user_id = t.user_id
              AND %s BETWEEN %s - %d AND %s
           ) AS distinct_merchants
    FROM %s t
),
flagged AS (SELECT DISTINCT user_id FROM windowed WHERE distinct_merchants > %d)
SELECT t.user_id, t.timestamp, t.merchant_name, t.amount
FROM %s t JOIN flagged f ON t.user_id = f.user_id
ORDER BY t.user_id, t.timestamp`,
		relation, innerEpoch, outerEpoch, c.windowMinutes*60, outerEpoch, relation, c.threshold, relation)

	return runWindowQuery(ctx, store, query, c.name,
		func(tx domain.Transaction) string { return tx.UserID },
		func(key string, txns []domain.Transaction) string {
			return fmt.Sprintf("Rapid merchant shift: >%d merchants in %d min", c.threshold, c.windowMinutes)
		},
		0.85)
}
