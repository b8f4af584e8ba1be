package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/google/uuid"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// newID returns a time-ordered UUID so that ORDER BY created_at, id follows insertion order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var customerColumns = []string{
	"id", "phone_number", "name", "conversation_status", "thread_id", "created_at", "updated_at",
}

func scanCustomer(row rowScanner) (*models.Customer, error) {
	var c models.Customer
	var threadID sql.NullString
	if err := row.Scan(&c.ID, &c.PhoneNumber, &c.Name, &c.Status, &threadID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ThreadID = threadID.String
	return &c, nil
}

var orderColumns = []string{
	"id", "customer_id", "status", "total_cents", "keyword", "created_at", "updated_at",
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var keyword sql.NullString
	if err := row.Scan(&o.ID, &o.CustomerID, &o.Status, &o.Total, &keyword, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Keyword = keyword.String
	return &o, nil
}

var messageColumns = []string{
	"id", "customer_id", "phone_number", "body", "has_audio", "response", "processed_at", "created_at",
}

func scanInboundMessage(row rowScanner) (*models.InboundMessage, error) {
	var m models.InboundMessage
	var response sql.NullString
	var processedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.CustomerID, &m.PhoneNumber, &m.Body, &m.HasAudio, &response, &processedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Response = response.String
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	return &m, nil
}

var ledgerColumns = []string{
	"message_id", "event_type", "customer_id", "status", "metadata_json", "last_error", "created_at", "updated_at",
}

func scanLedgerEntry(row rowScanner) (*LedgerEntry, error) {
	var e LedgerEntry
	var customerID, metadata, lastError sql.NullString
	if err := row.Scan(&e.MessageID, &e.EventType, &customerID, &e.Status, &metadata, &lastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.CustomerID = customerID.String
	e.LastError = lastError.String
	if metadata.Valid && metadata.String != "" {
		e.Metadata = []byte(metadata.String)
	}
	return &e, nil
}

var jobColumns = []string{
	"id", "kind", "run_at", "payload_json", "status", "attempt", "max_attempts",
	"last_error", "locked_at", "dedupe_key", "created_at", "updated_at",
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
