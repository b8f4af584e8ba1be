// Package cart implements the active-cart operations: adding lines with a
// recomputed total, resetting the cart, and rendering its summary.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// MissingItemName replaces the product name of a line whose menu item is gone.
const MissingItemName = "Item não encontrado"

// EmptyCartSummary is the summary of a cart without lines.
const EmptyCartSummary = "Carrinho vazio"

// ErrCustomerNotFound is returned when the customer id does not resolve.
var ErrCustomerNotFound = errors.New("customer not found")

// Repo is the storage the engine needs.
type Repo interface {
	store.CustomerRepo
	store.OrderRepo
}

// Engine mutates carts. It holds no state of its own.
type Engine struct {
	repo Repo
}

func NewEngine(repo Repo) *Engine {
	return &Engine{repo: repo}
}

// Cart is a read-only view of an order and its lines.
type Cart struct {
	Order *models.Order // nil when the customer has no active cart
	Lines []models.OrderLine
	Total models.Money
}

// Summary renders the cart lines and total.
func (c Cart) Summary() string {
	return RenderSummary(c.Lines)
}

// AddResult is the outcome of AddItem.
type AddResult struct {
	Customer *models.Customer
	Order    *models.Order
	Cart     Cart
	Created  bool // the active order was created by this call
}

// Total sums quantity times unit price over lines.
func Total(lines []models.OrderLine) models.Money {
	var total models.Money
	for _, l := range lines {
		total += l.Subtotal()
	}
	return total
}

// RenderSummary lists "{q}x {name} - R$ {subtotal}" per line followed by the total.
func RenderSummary(lines []models.OrderLine) string {
	if len(lines) == 0 {
		return EmptyCartSummary
	}
	var b strings.Builder
	for _, l := range lines {
		name := l.ProductName
		if name == "" {
			name = MissingItemName
		}
		fmt.Fprintf(&b, "%dx %s - R$ %s\n", l.Quantity, name, l.Subtotal())
	}
	fmt.Fprintf(&b, "\n💰 *Total: R$ %s*", Total(lines))
	return b.String()
}

func (e *Engine) customer(ctx context.Context, customerID string) (*models.Customer, error) {
	if customerID == "" {
		return nil, models.ErrEmptyCustomerID
	}
	c, err := e.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
	}
	return c, nil
}

// GetOrCreateActiveOrder returns the most recent started order, creating an empty one if none exists.
func (e *Engine) GetOrCreateActiveOrder(ctx context.Context, customerID string) (*models.Order, error) {
	o, created, err := e.repo.GetOrCreateActiveOrder(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Engine.GetOrCreateActiveOrder: created cart", "customer_id", customerID, "order_id", o.ID)
	}
	return o, nil
}

// AddItem appends a line to the active cart, recomputes the total from all
// lines and moves the customer to fazendo_pedido.
func (e *Engine) AddItem(ctx context.Context, customerID string, item models.CartItem) (*AddResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	c, err := e.customer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	// Reject before mutating so a stale button cannot add lines to a placed order.
	if _, err := models.NextConversationStatus(c.Status, models.EventItemAdded); err != nil {
		return nil, err
	}

	o, created, err := e.repo.GetOrCreateActiveOrder(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	line := &models.OrderLine{
		OrderID:   o.ID,
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
	}
	if err := e.repo.AddOrderLine(ctx, line); err != nil {
		return nil, err
	}

	cart, err := e.recompute(ctx, o)
	if err != nil {
		return nil, err
	}
	if _, err := store.AdvanceCustomer(ctx, e.repo, c, models.EventItemAdded); err != nil {
		return nil, err
	}
	slog.Info("Engine.AddItem", "customer_id", c.ID, "order_id", o.ID, "product_id", item.ProductID,
		"quantity", item.Quantity, "total", cart.Total)
	return &AddResult{Customer: c, Order: cart.Order, Cart: cart, Created: created}, nil
}

// recompute persists the order total as the sum over its current lines.
func (e *Engine) recompute(ctx context.Context, o *models.Order) (Cart, error) {
	lines, err := e.repo.ListOrderLines(ctx, o.ID)
	if err != nil {
		return Cart{}, err
	}
	total := Total(lines)
	if err := e.repo.SetOrderTotal(ctx, o.ID, total); err != nil {
		return Cart{}, err
	}
	o.Total = total
	return Cart{Order: o, Lines: lines, Total: total}, nil
}

// CancelResult reports what CancelActiveOrder did.
type CancelResult struct {
	Customer *models.Customer
	OrderID  string // empty when there was no active cart
}

// CancelActiveOrder empties the active cart (lines deleted, total zeroed, keyword
// cleared, status left started) and moves the customer back to navegando.
// Without an active cart only the customer status is reset.
func (e *Engine) CancelActiveOrder(ctx context.Context, customerID string) (*CancelResult, error) {
	c, err := e.customer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	o, err := e.repo.GetActiveOrder(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	res := &CancelResult{Customer: c}
	if o != nil {
		if err := e.repo.ResetOrder(ctx, o.ID); err != nil {
			return nil, err
		}
		res.OrderID = o.ID
	} else {
		slog.Warn("Engine.CancelActiveOrder: no active order", "customer_id", c.ID)
	}

	event := models.EventCartCancelled
	if !c.Status.Valid() {
		event = models.EventReset
	}
	if _, err := store.AdvanceCustomer(ctx, e.repo, c, event); err != nil {
		return nil, err
	}
	return res, nil
}

// Snapshot returns the active cart without creating one.
func (e *Engine) Snapshot(ctx context.Context, customerID string) (Cart, error) {
	o, err := e.repo.GetActiveOrder(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	if o == nil {
		return Cart{}, nil
	}
	lines, err := e.repo.ListOrderLines(ctx, o.ID)
	if err != nil {
		return Cart{}, err
	}
	return Cart{Order: o, Lines: lines, Total: Total(lines)}, nil
}
