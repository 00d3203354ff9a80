package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/safar/storefront-orders/internal/notify"
	"github.com/safar/storefront-orders/internal/payment"
	"github.com/safar/storefront-orders/internal/store"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Catalog and Repository. CreateOrder holds one
// lock for the whole commit, matching the transactional store.
type memStore struct {
	mu          sync.Mutex
	products    map[string]*models.Product
	orders      map[string]*models.Order
	users       map[string]*models.User
	webhooks    map[string]bool
	productHits int
	nextItemID  int64
}

func newMemStore() *memStore {
	return &memStore{
		products: map[string]*models.Product{},
		orders:   map[string]*models.Order{},
		users:    map[string]*models.User{},
		webhooks: map[string]bool{},
	}
}

func (m *memStore) addProduct(id, name, price string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = &models.Product{ID: id, Name: name, Price: decimal.RequireFromString(price), Stock: stock}
}

func (m *memStore) addUser(id, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &models.User{ID: id, Email: email}
}

func (m *memStore) stock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) GetProducts(_ context.Context, ids []string) (map[string]*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.productHits++
	out := make(map[string]*models.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memStore) CreateOrder(_ context.Context, req store.NewOrder) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.PaymentReference != nil {
		for _, o := range m.orders {
			if o.PaymentReference != nil && *o.PaymentReference == *req.PaymentReference {
				return nil, database.ErrDuplicatePayment
			}
		}
	}
	for _, item := range req.Items {
		p, ok := m.products[item.ProductID]
		if !ok {
			return nil, database.ErrProductNotFound
		}
		if p.Stock < item.Quantity {
			return nil, &store.InsufficientStockError{ProductID: p.ID, ProductName: p.Name}
		}
	}
	for _, item := range req.Items {
		m.products[item.ProductID].Stock -= item.Quantity
	}

	now := time.Now()
	order := &models.Order{
		ID:               req.ID,
		UserID:           req.UserID,
		Total:            req.Total,
		Status:           req.Status,
		ShippingAddress:  req.ShippingAddress,
		PaymentProvider:  req.PaymentProvider,
		PaymentOrderRef:  req.PaymentOrderRef,
		PaymentReference: req.PaymentReference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, item := range req.Items {
		m.nextItemID++
		item.ID = m.nextItemID
		item.OrderID = order.ID
		order.Items = append(order.Items, item)
	}
	m.orders[order.ID] = order

	cp := *order
	return &cp, nil
}

func (m *memStore) find(match func(*models.Order) bool) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, database.ErrOrderNotFound
}

func (m *memStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	return m.find(func(o *models.Order) bool { return o.ID == id })
}

func (m *memStore) GetOrderByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	return m.find(func(o *models.Order) bool { return o.PaymentReference != nil && *o.PaymentReference == ref })
}

func (m *memStore) GetOrderByPaymentOrderRef(_ context.Context, ref string) (*models.Order, error) {
	return m.find(func(o *models.Order) bool { return o.PaymentOrderRef != nil && *o.PaymentOrderRef == ref })
}

func (m *memStore) sorted(match func(*models.Order) bool) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memStore) ListUserOrders(_ context.Context, userID, _ string, limit int) (*store.CursorPage, error) {
	orders := m.sorted(func(o *models.Order) bool { return o.UserID == userID })
	page := &store.CursorPage{Items: orders}
	if len(orders) > limit {
		page.Items = orders[:limit]
		page.HasMore = true
	}
	return page, nil
}

func (m *memStore) ListOrders(_ context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	orders := m.sorted(func(o *models.Order) bool { return status == "" || o.Status == status })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (m *memStore) UpdateOrderStatus(_ context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	if o.Status != status {
		o.Status = status
		o.UpdatedAt = time.Now()
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) MarkOrderPaid(_ context.Context, id, paymentRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusPaid
	if o.PaymentReference == nil {
		o.PaymentReference = &paymentRef
	}
	return true, nil
}

func (m *memStore) OrderStats(_ context.Context, recentLimit int) (*models.OrderStats, error) {
	all := m.sorted(func(*models.Order) bool { return true })
	stats := &models.OrderStats{TotalOrders: int64(len(all)), TotalRevenue: decimal.Zero}
	for _, o := range all {
		for _, s := range models.RevenueStatuses() {
			if o.Status == s {
				stats.TotalRevenue = stats.TotalRevenue.Add(o.Total)
			}
		}
	}
	if len(all) > recentLimit {
		all = all[:recentLimit]
	}
	stats.RecentOrders = all
	return stats, nil
}

func (m *memStore) RecordWebhookEvent(_ context.Context, provider, key, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := provider + "/" + key
	if m.webhooks[k] {
		return false, nil
	}
	m.webhooks[k] = true
	return true, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return u, nil
}

type stubGateway struct {
	mu           sync.Mutex
	verification payment.Verification
	err          error
	verifyCalls  int
	intents      []decimal.Decimal
}

func (g *stubGateway) Name() string           { return payment.ProviderRazorpay }
func (g *stubGateway) Currency() string       { return "INR" }
func (g *stubGateway) MinorUnitFactor() int64 { return 100 }

func (g *stubGateway) CreatePaymentIntent(_ context.Context, amount decimal.Decimal, currency string) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents = append(g.intents, amount)
	return &payment.Intent{Provider: g.Name(), ProviderReference: "order_stub", ClientSecretOrOrderID: "order_stub", Currency: currency}, nil
}

func (g *stubGateway) VerifyPaymentAuthenticity(_ context.Context, proof payment.Proof) (*payment.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.err != nil {
		return nil, g.err
	}
	v := g.verification
	if v.Valid && v.PaymentReference == "" {
		v.PaymentReference = proof.PaymentRef
		v.OrderReference = proof.OrderRef
	}
	return &v, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []string
	shipped   []notify.ShippingUpdate
	emails    []string
}

func (n *recordingNotifier) OrderConfirmed(_ context.Context, email string, order notify.OrderSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, order.OrderID)
	n.emails = append(n.emails, email)
}

func (n *recordingNotifier) ShippingUpdated(_ context.Context, email string, update notify.ShippingUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shipped = append(n.shipped, update)
	n.emails = append(n.emails, email)
}
