package order

import (
	"context"
	"strings"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/models"
	"github.com/shopspring/decimal"
)

// Catalog is the read side of the stock ledger. GetProducts omits unknown
// ids from its result.
type Catalog interface {
	GetProducts(ctx context.Context, ids []string) (map[string]*models.Product, error)
}

type CartItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Assembly is a cart priced from the catalog. Items carry the unit price at
// the time of assembly; Total is their sum.
type Assembly struct {
	Items []models.OrderItem
	Total decimal.Decimal
}

type Assembler struct {
	catalog Catalog
}

func NewAssembler(catalog Catalog) *Assembler {
	return &Assembler{catalog: catalog}
}

// Assemble validates a cart for checkout and prices it. It never changes
// stock; the commit re-checks availability atomically.
func (a *Assembler) Assemble(ctx context.Context, cart []CartItem, shippingAddress string) (*Assembly, error) {
	if len(cart) == 0 {
		return nil, apperror.Validation("Order must contain at least one item")
	}
	if strings.TrimSpace(shippingAddress) == "" {
		return nil, apperror.Validation("Shipping address is required")
	}
	return a.Quote(ctx, cart)
}

// Quote prices a cart and checks stock without requiring checkout details.
func (a *Assembler) Quote(ctx context.Context, cart []CartItem) (*Assembly, error) {
	lines, err := mergeLines(cart)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := a.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, apperror.Internal(err)
	}

	out := &Assembly{Items: make([]models.OrderItem, 0, len(lines)), Total: decimal.Zero}
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, apperror.NotFound("Product not found")
		}

		if product.Stock < line.Quantity {
			return nil, apperror.InsufficientStock(product.Name)
		}

		item := models.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			Price:       product.Price,
		}
		out.Items = append(out.Items, item)
		out.Total = out.Total.Add(item.Subtotal())
	}

	return out, nil
}

// mergeLines folds repeated products into one line, keeping first-seen order.
func mergeLines(cart []CartItem) ([]CartItem, error) {
	if len(cart) == 0 {
		return nil, apperror.Validation("Order must contain at least one item")
	}

	index := make(map[string]int, len(cart))
	lines := make([]CartItem, 0, len(cart))
	for _, item := range cart {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, apperror.Validation("Product id is required")
		}
		if item.Quantity <= 0 {
			return nil, apperror.Validation("Quantity must be greater than zero")
		}

		if i, ok := index[id]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, CartItem{ProductID: id, Quantity: item.Quantity})
	}
	return lines, nil
}
