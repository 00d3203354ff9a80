package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/shopspring/decimal"
)

// OrderStats aggregates order count, revenue over the revenue statuses and
// the most recent orders.
func OrderStats(ctx context.Context, db *sql.DB, recentLimit int) (*models.OrderStats, error) {
	stats := &models.OrderStats{}

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&stats.TotalOrders); err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	revenueStatuses := make([]string, 0, len(models.RevenueStatuses()))
	for _, s := range models.RevenueStatuses() {
		revenueStatuses = append(revenueStatuses, string(s))
	}

	var revenue decimal.NullDecimal
	err := db.QueryRowContext(ctx,
		`SELECT SUM(total) FROM orders WHERE status = ANY($1)`,
		pq.Array(revenueStatuses)).Scan(&revenue)
	if err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}
	stats.TotalRevenue = decimal.Zero
	if revenue.Valid {
		stats.TotalRevenue = revenue.Decimal
	}

	recent, err := ListOrders(ctx, db, "", recentLimit)
	if err != nil {
		return nil, err
	}
	stats.RecentOrders = recent

	return stats, nil
}
