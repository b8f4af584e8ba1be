// Package models defines the core data structures for OrderPipe.
//
// It includes customers, carts, menu items, inbound message logs and the
// response envelopes shared by the HTTP surface.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultCustomerName is used when a customer has no display name.
const DefaultCustomerName = "cliente"

// Error variables for better error handling and testability
var (
	ErrEmptyCustomerID  = errors.New("customer_id is required")
	ErrEmptyPhoneNumber = errors.New("phone_number is required")
	ErrEmptyProductID   = errors.New("item product id is required")
	ErrInvalidQuantity  = errors.New("item quantity must be positive")
	ErrNegativePrice    = errors.New("item unit price cannot be negative")
)

// Customer is a person talking to the bot, identified by phone number.
type Customer struct {
	ID          string             `json:"id"`
	PhoneNumber string             `json:"phone_number"`
	Name        string             `json:"name"`
	Status      ConversationStatus `json:"conversation_status"`
	ThreadID    string             `json:"thread_id,omitempty"` // current model conversation thread
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// FirstName returns the first word of the display name, or DefaultCustomerName.
func (c *Customer) FirstName() string {
	if c == nil {
		return DefaultCustomerName
	}
	fields := strings.Fields(c.Name)
	if len(fields) == 0 {
		return DefaultCustomerName
	}
	return fields[0]
}

// MenuItem is a product offered to customers. Read-only from the flows' perspective.
type MenuItem struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Price       Money     `json:"price"`
	Active      bool      `json:"is_active"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Order is a customer's cart and, after checkout, the placed order.
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Status     OrderStatus `json:"status"`
	Total      Money       `json:"total_amount"`
	Keyword    string      `json:"one_time_keyword,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// OrderLine is one product entry in an order. Unit price is captured at insertion time.
type OrderLine struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name,omitempty"` // joined from the menu; empty when the product is gone
	Quantity    int       `json:"quantity"`
	UnitPrice   Money     `json:"unit_price"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subtotal returns quantity times unit price.
func (l OrderLine) Subtotal() Money {
	return l.UnitPrice.Mul(l.Quantity)
}

// CartItem is an item being added to a cart.
type CartItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   Money  `json:"unit_price"`
}

// Validate checks the fields required to insert an order line.
func (i CartItem) Validate() error {
	if strings.TrimSpace(i.ProductID) == "" {
		return ErrEmptyProductID
	}
	if i.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if i.UnitPrice < 0 {
		return ErrNegativePrice
	}
	return nil
}

// InboundMessage is the append-only log of user messages (text or transcribed audio).
type InboundMessage struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customer_id"`
	PhoneNumber string     `json:"phone_number"`
	Body        string     `json:"message_text"`
	HasAudio    bool       `json:"has_audio"`
	Response    string     `json:"response,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PromptConfig is a versioned system prompt plus tool schema for one conversation context.
type PromptConfig struct {
	Context      string          `json:"context"`
	Version      int             `json:"version"`
	Instructions string          `json:"instructions"`
	Tools        json.RawMessage `json:"tools,omitempty"` // JSON array of tool definitions
	Active       bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Well-known system config keys.
const (
	ConfigKeyWAMeAPIKey = "wame_api_key"
)

// ErrorResponse is the body of every failed HTTP request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error creates an error response with a message.
func Error(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

// APIResponse is the generic success body for handlers with nothing else to report.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Success creates a successful API response.
func Success(message string) APIResponse {
	return APIResponse{Success: true, Message: message}
}
