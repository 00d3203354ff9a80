package store_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/safar/storefront-orders/internal/store"
	"github.com/safar/storefront-orders/internal/testutil/pgtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProduct(t *testing.T, db *sql.DB, id, name, price string, stock int) *models.Product {
	t.Helper()
	p, err := store.CreateProduct(context.Background(), db, id, name, decimal.RequireFromString(price), stock)
	require.NoError(t, err)
	return p
}

func stockOf(t *testing.T, db *sql.DB, id string) int {
	t.Helper()
	products, err := store.GetProducts(context.Background(), db, []string{id})
	require.NoError(t, err)
	require.Contains(t, products, id)
	return products[id].Stock
}

func seedUser(t *testing.T, db *sql.DB, id string) *models.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), db, id, id+"@example.com", "Test User", false)
	require.NoError(t, err)
	return u
}

func line(p *models.Product, qty int) models.OrderItem {
	return models.OrderItem{ProductID: p.ID, ProductName: p.Name, Quantity: qty, Price: p.Price}
}

func newOrder(userID string, paymentRef *string, items ...models.OrderItem) store.NewOrder {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return store.NewOrder{
		ID:               uuid.NewString(),
		UserID:           userID,
		Items:            items,
		Total:            total,
		Status:           models.InitialStatus(paymentRef),
		ShippingAddress:  "221B Baker Street",
		PaymentProvider:  "razorpay",
		PaymentReference: paymentRef,
	}
}

func ref(s string) *string { return &s }

func TestCreateOrder(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "49.99", 5)
	bolt := seedProduct(t, db, "p-bolt", "Bolt", "0.10", 100)

	order, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_1"), line(widget, 2), line(bolt, 3)))
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.True(t, decimal.RequireFromString("100.28").Equal(order.Total), "total %s", order.Total)
	require.Len(t, order.Items, 2)
	for _, item := range order.Items {
		assert.NotZero(t, item.ID)
		assert.Equal(t, order.ID, item.OrderID)
	}

	assert.Equal(t, 3, stockOf(t, db, widget.ID))

	assert.Equal(t, 97, stockOf(t, db, bolt.ID))

	loaded, err := store.GetOrder(ctx, db, order.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, "pay_1", *loaded.PaymentReference)
	assert.Equal(t, "Widget", loaded.Items[0].ProductName)
}

func TestCreateOrderInsufficientStockRollsBack(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	plenty := seedProduct(t, db, "p-a", "Plenty", "10.00", 10)
	scarce := seedProduct(t, db, "p-b", "Scarce", "5.00", 1)

	_, err := store.CreateOrder(ctx, db, newOrder(user.ID, nil, line(plenty, 4), line(scarce, 2)))
	require.Error(t, err)

	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "Scarce", stockErr.ProductName)
	assert.ErrorIs(t, err, database.ErrInsufficientStock)

	assert.Equal(t, 10, stockOf(t, db, plenty.ID), "earlier line must not stay decremented")

	stats, err := store.OrderStats(ctx, db, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalOrders)
}

func TestGetProductsOmitsUnknownIDs(t *testing.T) {
	db := pgtest.New(t)
	seedProduct(t, db, "p-widget", "Widget", "49.99", 5)
	seedProduct(t, db, "p-bolt", "Bolt", "0.10", 100)

	products, err := store.GetProducts(context.Background(), db, []string{"p-widget", "missing", "p-bolt"})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Widget", products["p-widget"].Name)
	assert.True(t, decimal.RequireFromString("0.10").Equal(products["p-bolt"].Price))
	assert.NotContains(t, products, "missing")
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	db := pgtest.New(t)
	user := seedUser(t, db, "user-1")

	ghost := &models.Product{ID: "missing", Name: "Ghost", Price: decimal.NewFromInt(1)}
	_, err := store.CreateOrder(context.Background(), db, newOrder(user.ID, nil, line(ghost, 1)))
	assert.ErrorIs(t, err, database.ErrProductNotFound)
}

func TestConcurrentOrdersForLastUnit(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	last := seedProduct(t, db, "p-last", "Last One", "20.00", 1)

	const buyers = 8
	var wg sync.WaitGroup
	errs := make(chan error, buyers)

	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateOrder(ctx, db, newOrder(user.ID, nil, line(last, 1)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, database.ErrInsufficientStock), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	assert.Equal(t, 0, stockOf(t, db, last.ID))
}

func TestCreateOrderDuplicatePaymentReference(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "49.99", 5)

	_, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_dup"), line(widget, 1)))
	require.NoError(t, err)

	_, err = store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_dup"), line(widget, 1)))
	assert.ErrorIs(t, err, database.ErrDuplicatePayment)

	assert.Equal(t, 4, stockOf(t, db, widget.ID), "rejected duplicate must not consume stock")
}

func TestListOrdersCursor(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	other := seedUser(t, db, "user-2")
	widget := seedProduct(t, db, "p-widget", "Widget", "1.00", 100)

	created := make(map[string]bool)
	for i := 0; i < 5; i++ {
		o, err := store.CreateOrder(ctx, db, newOrder(user.ID, nil, line(widget, 1)))
		require.NoError(t, err)
		created[o.ID] = true
	}
	_, err := store.CreateOrder(ctx, db, newOrder(other.ID, nil, line(widget, 1)))
	require.NoError(t, err)

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := store.ListOrdersCursor(ctx, db, user.ID, cursor, 2)
		require.NoError(t, err)
		pages++
		for i, o := range page.Items {
			assert.Equal(t, user.ID, o.UserID)
			assert.False(t, seen[o.ID], "order %s returned twice", o.ID)
			seen[o.ID] = true
			assert.Len(t, o.Items, 1)
			if i > 0 {
				assert.False(t, o.CreatedAt.After(page.Items[i-1].CreatedAt), "newest first")
			}
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, created, seen)
}

func TestListOrdersStatusFilter(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "1.00", 100)

	_, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_a"), line(widget, 1)))
	require.NoError(t, err)
	_, err = store.CreateOrder(ctx, db, newOrder(user.ID, nil, line(widget, 1)))
	require.NoError(t, err)

	all, err := store.ListOrders(ctx, db, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := store.ListOrders(ctx, db, models.OrderStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OrderStatusPending, pending[0].Status)

	limited, err := store.ListOrders(ctx, db, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdateOrderStatus(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "1.00", 10)

	order, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_a"), line(widget, 1)))
	require.NoError(t, err)

	updated, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, updated.Status)
	assert.Len(t, updated.Items, 1)

	again, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped)
	require.NoError(t, err)
	assert.True(t, again.UpdatedAt.Equal(updated.UpdatedAt), "same status must not bump updated_at")

	_, err = store.UpdateOrderStatus(ctx, db, uuid.NewString(), models.OrderStatusShipped)
	assert.ErrorIs(t, err, database.ErrOrderNotFound)
}

func TestMarkOrderPaid(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "1.00", 10)

	req := newOrder(user.ID, nil, line(widget, 1))
	req.PaymentOrderRef = ref("order_rzp_1")
	order, err := store.CreateOrder(ctx, db, req)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, order.Status)

	found, err := store.GetOrderByPaymentOrderRef(ctx, db, "order_rzp_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	changed, err := store.MarkOrderPaid(ctx, db, order.ID, "pay_hook")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MarkOrderPaid(ctx, db, order.ID, "pay_hook")
	require.NoError(t, err)
	assert.False(t, changed, "second delivery is a no-op")

	paid, err := store.GetOrderByPaymentReference(ctx, db, "pay_hook")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	assert.Equal(t, "order_rzp_1", *paid.PaymentOrderRef)
}

func TestMarkOrderPaidReferenceInUse(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "1.00", 10)

	_, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_taken"), line(widget, 1)))
	require.NoError(t, err)
	pending, err := store.CreateOrder(ctx, db, newOrder(user.ID, nil, line(widget, 1)))
	require.NoError(t, err)

	_, err = store.MarkOrderPaid(ctx, db, pending.ID, "pay_taken")
	assert.ErrorIs(t, err, database.ErrDuplicatePayment)
}

func TestOrderStats(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user := seedUser(t, db, "user-1")
	widget := seedProduct(t, db, "p-widget", "Widget", "10.00", 10)

	_, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_a"), line(widget, 2)))
	require.NoError(t, err)
	_, err = store.CreateOrder(ctx, db, newOrder(user.ID, nil, line(widget, 1)))
	require.NoError(t, err)
	cancelled, err := store.CreateOrder(ctx, db, newOrder(user.ID, ref("pay_b"), line(widget, 3)))
	require.NoError(t, err)
	_, err = store.UpdateOrderStatus(ctx, db, cancelled.ID, models.OrderStatusCancelled)
	require.NoError(t, err)

	stats, err := store.OrderStats(ctx, db, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalOrders)
	assert.True(t, decimal.RequireFromString("20.00").Equal(stats.TotalRevenue), "revenue %s", stats.TotalRevenue)
	assert.Len(t, stats.RecentOrders, 2)
}

func TestOrderStatsEmpty(t *testing.T) {
	db := pgtest.New(t)

	stats, err := store.OrderStats(context.Background(), db, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalOrders)
	assert.True(t, stats.TotalRevenue.IsZero())
	assert.Empty(t, stats.RecentOrders)
}

func TestRecordWebhookEvent(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	fresh, err := store.RecordWebhookEvent(ctx, db, "stripe", "evt_1", "payment_success")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.RecordWebhookEvent(ctx, db, "stripe", "evt_1", "payment_success")
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = store.RecordWebhookEvent(ctx, db, "razorpay", "evt_1", "payment_success")
	require.NoError(t, err)
	assert.True(t, fresh, "keys are scoped per provider")
}

func TestGetUser(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	seedUser(t, db, "user-1")

	u, err := store.GetUser(ctx, db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1@example.com", u.Email)

	_, err = store.GetUser(ctx, db, "nobody")
	assert.ErrorIs(t, err, database.ErrUserNotFound)
}
