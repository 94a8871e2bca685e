package checker

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// The statistical checkers are push-down only: their baselines (medians,
// averages, lifetime merchant counts) span full user history, not the batch.

// HighValueAnomalyChecker flags transactions exceeding the user's median
// amount by a configured multiplier. Users with fewer than two transactions
// have no usable median and are excluded.
type HighValueAnomalyChecker struct {
	name       string
	multiplier float64
}

// NewHighValueAnomalyChecker creates the checker with the default 3x
// multiplier.
func NewHighValueAnomalyChecker() *HighValueAnomalyChecker {
	return &HighValueAnomalyChecker{name: "HighValueAnomalyChecker", multiplier: 3.0}
}

// Name implements Checker.
func (c *HighValueAnomalyChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *HighValueAnomalyChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("multiplier"); err != nil {
		return err
	}
	return opts.floatVal("multiplier", &c.multiplier)
}

// CheckWithStore implements PushdownChecker. The per-user median is computed
// with ranked rows: the middle one or two amounts averaged.
func (c *HighValueAnomalyChecker) CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
WITH ranked AS (
    SELECT user_id, amount,
           ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY amount) AS rn,
           COUNT(*) OVER (PARTITION BY user_id) AS cnt
    FROM %s
),
user_medians AS (
    SELECT user_id, AVG(amount) AS median_amount
    FROM ranked
    WHERE cnt >= 2 AND rn IN ((cnt + 1) / 2, (cnt + 2) / 2)
    GROUP BY user_id
)
SELECT t.user_id, t.timestamp, t.merchant_name, t.amount, um.median_amount
FROM %s t
JOIN user_medians um ON t.user_id = um.user_id
WHERE t.amount > um.median_amount * %g
ORDER BY t.user_id, t.timestamp`,
		relation, relation, c.multiplier)

	rows, err := store.FetchItems(ctx, query)
	if err != nil {
		return nil, err
	}

	return c.groupByUser(rows)
}

func (c *HighValueAnomalyChecker) groupByUser(rows []map[string]any) ([]domain.FraudFlag, error) {
	type group struct {
		txns   []domain.Transaction
		median float64
	}
	groups := make(map[string]*group)
	var order []string

	for _, row := range rows {
		tx, err := domain.TransactionFromRow(row)
		if err != nil {
			return nil, err
		}
		g, seen := groups[tx.UserID]
		if !seen {
			median, err := rowFloat(row, "median_amount")
			if err != nil {
				return nil, err
			}
			g = &group{median: median}
			groups[tx.UserID] = g
			order = append(order, tx.UserID)
		}
		g.txns = append(g.txns, tx)
	}

	flags := make([]domain.FraudFlag, 0, len(order))
	for _, userID := range order {
		g := groups[userID]
		reason := fmt.Sprintf("Transaction exceeds %gx user median ($%.2f)", c.multiplier, g.median)
		flag, err := domain.NewFlag(g.txns, c.name, reason, 0.85)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

// NighttimeChecker flags high-value transactions whose hour-of-day falls in
// [startHour, endHour).
type NighttimeChecker struct {
	name      string
	startHour int
	endHour   int
	minAmount float64
}

// NewNighttimeChecker creates the checker with the default 02:00-05:00 window
// and $1000 floor.
func NewNighttimeChecker() *NighttimeChecker {
	return &NighttimeChecker{name: "NighttimeChecker", startHour: 2, endHour: 5, minAmount: 1000.0}
}

// Name implements Checker.
func (c *NighttimeChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *NighttimeChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("start_hour", "end_hour", "min_amount"); err != nil {
		return err
	}
	if err := opts.intVal("start_hour", &c.startHour); err != nil {
		return err
	}
	if err := opts.intVal("end_hour", &c.endHour); err != nil {
		return err
	}
	return opts.floatVal("min_amount", &c.minAmount)
}

// CheckWithStore implements PushdownChecker.
func (c *NighttimeChecker) CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}
	hour := store.Dialect().HourExpr("timestamp")
	query := fmt.Sprintf(`
SELECT user_id, timestamp, merchant_name, amount
FROM %s
WHERE %s >= %d AND %s < %d AND amount >= %g
ORDER BY user_id, timestamp`,
		relation, hour, c.startHour, hour, c.endHour, c.minAmount)

	reason := fmt.Sprintf("High-value ($%g+) transaction between %02d:00 and %02d:00",
		c.minAmount, c.startHour, c.endHour)

	return runWindowQuery(ctx, store, query, c.name,
		func(tx domain.Transaction) string { return tx.UserID },
		func(key string, txns []domain.Transaction) string { return reason },
		0.88)
}

// UnusualMerchantChecker flags transactions at merchants a user has visited
// exactly once whose amount exceeds the user's lifetime average by a
// configured multiplier.
type UnusualMerchantChecker struct {
	name       string
	multiplier float64
}

// NewUnusualMerchantChecker creates the checker with the default 2x
// multiplier.
func NewUnusualMerchantChecker() *UnusualMerchantChecker {
	return &UnusualMerchantChecker{name: "UnusualMerchantChecker", multiplier: 2.0}
}

// Name implements Checker.
func (c *UnusualMerchantChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *UnusualMerchantChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("multiplier"); err != nil {
		return err
	}
	return opts.floatVal("multiplier", &c.multiplier)
}

// CheckWithStore implements PushdownChecker.
func (c *UnusualMerchantChecker) CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
WITH user_avg AS (
    SELECT user_id, AVG(amount) AS avg_amount
    FROM %s
    GROUP BY user_id
),
new_merchants AS (
    SELECT user_id, merchant_name
    FROM %s
    GROUP BY user_id, merchant_name
    HAVING COUNT(*) = 1
)
SELECT t.user_id, t.timestamp, t.merchant_name, t.amount, ua.avg_amount
FROM %s t
JOIN new_merchants nm ON t.user_id = nm.user_id AND t.merchant_name = nm.merchant_name
JOIN user_avg ua ON t.user_id = ua.user_id
WHERE t.amount > ua.avg_amount * %g
ORDER BY t.user_id, t.timestamp`,
		relation, relation, relation, c.multiplier)

	rows, err := store.FetchItems(ctx, query)
	if err != nil {
		return nil, err
	}

	type group struct {
		txns []domain.Transaction
		avg  float64
	}
	groups := make(map[string]*group)
	var order []string

	for _, row := range rows {
		tx, err := domain.TransactionFromRow(row)
		if err != nil {
			return nil, err
		}
		g, seen := groups[tx.UserID]
		if !seen {
			avg, err := rowFloat(row, "avg_amount")
			if err != nil {
				return nil, err
			}
			g = &group{avg: avg}
			groups[tx.UserID] = g
			order = append(order, tx.UserID)
		}
		g.txns = append(g.txns, tx)
	}

	flags := make([]domain.FraudFlag, 0, len(order))
	for _, userID := range order {
		g := groups[userID]
		reason := fmt.Sprintf("First-time merchant at %gx user average ($%.2f)", c.multiplier, g.avg)
		flag, err := domain.NewFlag(g.txns, c.name, reason, 0.82)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}
