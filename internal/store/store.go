// Package store provides storage backends for OrderPipe.
//
// Customers, carts, the inbound message log, system configuration, the
// webhook dedup ledger and durable jobs all live behind the Store interface.
// PostgreSQL and SQLite share one SQL implementation; InMemoryStore backs tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrStaleOrderStatus is returned when an order is not in the expected status.
	ErrStaleOrderStatus = errors.New("order is not in the expected status")
	// ErrInvalidStatus is returned when a status outside the known set is written.
	ErrInvalidStatus = errors.New("invalid status")
)

// CustomerRepo persists customers and their conversation state.
type CustomerRepo interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	GetCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error)
	// CreateCustomer inserts a customer unless the phone number is already known.
	// It returns the stored customer and whether this call created it.
	CreateCustomer(ctx context.Context, phone, name string, status models.ConversationStatus) (*models.Customer, bool, error)
	SetCustomerStatus(ctx context.Context, id string, status models.ConversationStatus) error
	// SetCustomerThread stores the model thread id; an empty id clears it.
	SetCustomerThread(ctx context.Context, id, threadID string) error
	SetCustomerThreadAndStatus(ctx context.Context, id, threadID string, status models.ConversationStatus) error
}

// OrderRepo persists carts, order lines and order lifecycle.
type OrderRepo interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// GetActiveOrder returns the most recent started order, or nil.
	GetActiveOrder(ctx context.Context, customerID string) (*models.Order, error)
	// GetOrCreateActiveOrder returns the active order, creating an empty one if needed.
	GetOrCreateActiveOrder(ctx context.Context, customerID string) (*models.Order, bool, error)
	// GetInProgressOrder returns the most recent in_progress order, or nil.
	GetInProgressOrder(ctx context.Context, customerID string) (*models.Order, error)
	AddOrderLine(ctx context.Context, line *models.OrderLine) error
	// ListOrderLines returns lines in insertion order with product names joined from the menu.
	ListOrderLines(ctx context.Context, orderID string) ([]models.OrderLine, error)
	// DeleteOrderLines removes every line of an order without touching its total.
	DeleteOrderLines(ctx context.Context, orderID string) error
	SetOrderTotal(ctx context.Context, orderID string, total models.Money) error
	// ResetOrder deletes all lines, zeroes the total and clears the keyword. Status is unchanged.
	ResetOrder(ctx context.Context, orderID string) error
	// CheckoutOrder moves a started order to in_progress with the given keyword.
	// Any other in_progress order of the same customer is cancelled.
	CheckoutOrder(ctx context.Context, orderID, keyword string) error
	// TransitionOrder applies from -> to only if the order is currently in from.
	TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus) error
}

// MenuRepo reads and seeds the menu.
type MenuRepo interface {
	ListActiveMenuItems(ctx context.Context) ([]models.MenuItem, error)
	UpsertMenuItem(ctx context.Context, item models.MenuItem) error
}

// MessageRepo persists the inbound message log.
type MessageRepo interface {
	AddInboundMessage(ctx context.Context, msg *models.InboundMessage) error
	GetInboundMessage(ctx context.Context, id string) (*models.InboundMessage, error)
	// SetMessageResponse records the reply and marks the message processed.
	SetMessageResponse(ctx context.Context, id, response string) error
}

// ConfigRepo persists system config and prompt configurations.
type ConfigRepo interface {
	// GetConfigValue returns "" when the key is not set.
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
	// GetActivePrompt returns the highest active version for a context, or nil.
	GetActivePrompt(ctx context.Context, promptContext string) (*models.PromptConfig, error)
	SavePrompt(ctx context.Context, p models.PromptConfig) error
}

// LedgerStatus is the processing status of a deduplicated webhook event.
type LedgerStatus string

const (
	LedgerProcessing LedgerStatus = "processing"
	LedgerCompleted  LedgerStatus = "completed"
	LedgerFailed     LedgerStatus = "failed"
)

// LedgerEntry is one row of the webhook dedup ledger.
type LedgerEntry struct {
	MessageID  string          `json:"message_id"`
	EventType  string          `json:"event_type"`
	CustomerID string          `json:"customer_id,omitempty"`
	Status     LedgerStatus    `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LedgerRepo is the compare-and-set ledger behind the webhook dedup gate.
type LedgerRepo interface {
	// AcquireLedger claims the message id for processing. It succeeds when no row
	// exists or the previous attempt failed, and returns false otherwise.
	AcquireLedger(ctx context.Context, entry LedgerEntry) (bool, error)
	CompleteLedger(ctx context.Context, messageID string) error
	FailLedger(ctx context.Context, messageID, errMsg string) error
	GetLedgerEntry(ctx context.Context, messageID string) (*LedgerEntry, error)
	// PruneLedger deletes finished rows last updated before the cutoff.
	PruneLedger(ctx context.Context, before time.Time) (int64, error)
}

// Store aggregates every repository used by OrderPipe.
type Store interface {
	CustomerRepo
	OrderRepo
	MenuRepo
	MessageRepo
	ConfigRepo
	LedgerRepo
	JobRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// key=value form: "host=localhost user=... dbname=..."
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store matching the DSN type.
func New(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
