package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/Masterminds/squirrel"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlStore holds the SQL shared by the PostgreSQL and SQLite backends.
// Only the placeholder format and migrations differ between them.
type sqlStore struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
	backend string
}

func newSQLStore(db *sql.DB, backend string, format squirrel.PlaceholderFormat) *sqlStore {
	return &sqlStore{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(format),
		backend: backend,
	}
}

func (s *sqlStore) exec(ctx context.Context, q queryer, b squirrel.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q queryer, b squirrel.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

func (s *sqlStore) query(ctx context.Context, q queryer, b squirrel.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

// execOne runs an update that must affect exactly one row.
func (s *sqlStore) execOne(ctx context.Context, q queryer, b squirrel.Sqlizer) error {
	res, err := s.exec(ctx, q, b)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Store.withTx: rollback failed", "backend", s.backend, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Store.Close: closing database connection", "backend", s.backend)
	err := s.db.Close()
	if err != nil {
		slog.Error("Store.Close: failed to close database", "backend", s.backend, "error", err)
	}
	return err
}

// Customers

func (s *sqlStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	return s.getCustomer(ctx, squirrel.Eq{"id": id})
}

func (s *sqlStore) GetCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	return s.getCustomer(ctx, squirrel.Eq{"phone_number": phone})
}

func (s *sqlStore) getCustomer(ctx context.Context, where squirrel.Eq) (*models.Customer, error) {
	row, err := s.queryRow(ctx, s.db, s.builder.Select(customerColumns...).From("customers").Where(where))
	if err != nil {
		return nil, err
	}
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.getCustomer: query failed", "backend", s.backend, "error", err)
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

func (s *sqlStore) CreateCustomer(ctx context.Context, phone, name string, status models.ConversationStatus) (*models.Customer, bool, error) {
	if phone == "" {
		return nil, false, models.ErrEmptyPhoneNumber
	}
	if !status.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := time.Now().UTC()
	ins := s.builder.Insert("customers").
		Columns("id", "phone_number", "name", "conversation_status", "created_at", "updated_at").
		Values(newID(), phone, name, status, now, now).
		Suffix("ON CONFLICT (phone_number) DO NOTHING")
	res, err := s.exec(ctx, s.db, ins)
	if err != nil {
		slog.Error("Store.CreateCustomer: insert failed", "backend", s.backend, "phone", phone, "error", err)
		return nil, false, fmt.Errorf("failed to create customer: %w", err)
	}
	n, _ := res.RowsAffected()

	c, err := s.GetCustomerByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, fmt.Errorf("customer %s vanished after insert", phone)
	}
	slog.Debug("Store.CreateCustomer succeeded", "backend", s.backend, "customer_id", c.ID, "created", n == 1)
	return c, n == 1, nil
}

func (s *sqlStore) SetCustomerStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	upd := s.builder.Update("customers").
		Set("conversation_status", status).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id})
	if err := s.execOne(ctx, s.db, upd); err != nil {
		slog.Error("Store.SetCustomerStatus failed", "backend", s.backend, "customer_id", id, "error", err)
		return fmt.Errorf("failed to set status for customer %s: %w", id, err)
	}
	slog.Debug("Store.SetCustomerStatus succeeded", "customer_id", id, "status", status)
	return nil
}

func (s *sqlStore) SetCustomerThread(ctx context.Context, id, threadID string) error {
	upd := s.builder.Update("customers").
		Set("thread_id", nilIfEmpty(threadID)).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id})
	if err := s.execOne(ctx, s.db, upd); err != nil {
		slog.Error("Store.SetCustomerThread failed", "backend", s.backend, "customer_id", id, "error", err)
		return fmt.Errorf("failed to set thread for customer %s: %w", id, err)
	}
	slog.Debug("Store.SetCustomerThread succeeded", "customer_id", id, "thread_id", threadID)
	return nil
}

func (s *sqlStore) SetCustomerThreadAndStatus(ctx context.Context, id, threadID string, status models.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	upd := s.builder.Update("customers").
		Set("thread_id", nilIfEmpty(threadID)).
		Set("conversation_status", status).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id})
	if err := s.execOne(ctx, s.db, upd); err != nil {
		slog.Error("Store.SetCustomerThreadAndStatus failed", "backend", s.backend, "customer_id", id, "error", err)
		return fmt.Errorf("failed to update customer %s: %w", id, err)
	}
	slog.Debug("Store.SetCustomerThreadAndStatus succeeded", "customer_id", id, "thread_id", threadID, "status", status)
	return nil
}

// Orders

func (s *sqlStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, s.db, s.builder.Select(orderColumns...).From("orders").Where(squirrel.Eq{"id": id}))
}

func (s *sqlStore) GetActiveOrder(ctx context.Context, customerID string) (*models.Order, error) {
	return s.latestOrder(ctx, customerID, models.OrderStarted)
}

func (s *sqlStore) GetInProgressOrder(ctx context.Context, customerID string) (*models.Order, error) {
	return s.latestOrder(ctx, customerID, models.OrderInProgress)
}

func (s *sqlStore) latestOrder(ctx context.Context, customerID string, status models.OrderStatus) (*models.Order, error) {
	q := s.builder.Select(orderColumns...).From("orders").
		Where(squirrel.Eq{"customer_id": customerID, "status": status}).
		OrderBy("created_at DESC").
		Limit(1)
	return s.getOrder(ctx, s.db, q)
}

func (s *sqlStore) getOrder(ctx context.Context, q queryer, b squirrel.Sqlizer) (*models.Order, error) {
	row, err := s.queryRow(ctx, q, b)
	if err != nil {
		return nil, err
	}
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.getOrder: query failed", "backend", s.backend, "error", err)
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *sqlStore) GetOrCreateActiveOrder(ctx context.Context, customerID string) (*models.Order, bool, error) {
	o, err := s.GetActiveOrder(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if o != nil {
		return o, false, nil
	}

	// The partial unique index on (customer_id) WHERE status = 'started' makes a
	// concurrent insert a no-op; both callers then read the same row.
	now := time.Now().UTC()
	ins := s.builder.Insert("orders").
		Columns("id", "customer_id", "status", "total_cents", "created_at", "updated_at").
		Values(newID(), customerID, models.OrderStarted, 0, now, now).
		Suffix("ON CONFLICT DO NOTHING")
	res, err := s.exec(ctx, s.db, ins)
	if err != nil {
		slog.Error("Store.GetOrCreateActiveOrder: insert failed", "backend", s.backend, "customer_id", customerID, "error", err)
		return nil, false, fmt.Errorf("failed to create order: %w", err)
	}
	n, _ := res.RowsAffected()

	o, err = s.GetActiveOrder(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if o == nil {
		return nil, false, fmt.Errorf("active order for customer %s vanished after insert", customerID)
	}
	slog.Debug("Store.GetOrCreateActiveOrder succeeded", "customer_id", customerID, "order_id", o.ID, "created", n == 1)
	return o, n == 1, nil
}

func (s *sqlStore) AddOrderLine(ctx context.Context, line *models.OrderLine) error {
	if line.Quantity <= 0 {
		return models.ErrInvalidQuantity
	}
	if line.ID == "" {
		line.ID = newID()
	}
	line.CreatedAt = time.Now().UTC()
	// seq numbers lines within their order; timestamps alone can tie.
	nextSeq := squirrel.Expr("(SELECT COALESCE(MAX(seq), 0) + 1 FROM order_lines WHERE order_id = ?)", line.OrderID)
	ins := s.builder.Insert("order_lines").
		Columns("id", "order_id", "product_id", "quantity", "unit_price_cents", "seq", "created_at").
		Values(line.ID, line.OrderID, line.ProductID, line.Quantity, line.UnitPrice, nextSeq, line.CreatedAt)
	if _, err := s.exec(ctx, s.db, ins); err != nil {
		slog.Error("Store.AddOrderLine failed", "backend", s.backend, "order_id", line.OrderID, "error", err)
		return fmt.Errorf("failed to add order line: %w", err)
	}
	slog.Debug("Store.AddOrderLine succeeded", "order_id", line.OrderID, "product_id", line.ProductID, "quantity", line.Quantity)
	return nil
}

func (s *sqlStore) ListOrderLines(ctx context.Context, orderID string) ([]models.OrderLine, error) {
	q := s.builder.Select(
		"l.id", "l.order_id", "l.product_id", "COALESCE(m.name, '')",
		"l.quantity", "l.unit_price_cents", "l.created_at",
	).
		From("order_lines l").
		LeftJoin("menu_items m ON m.id = l.product_id").
		Where(squirrel.Eq{"l.order_id": orderID}).
		OrderBy("l.seq", "l.created_at", "l.id")
	rows, err := s.query(ctx, s.db, q)
	if err != nil {
		slog.Error("Store.ListOrderLines query failed", "backend", s.backend, "order_id", orderID, "error", err)
		return nil, fmt.Errorf("failed to list order lines: %w", err)
	}
	defer rows.Close()

	var lines []models.OrderLine
	for rows.Next() {
		var l models.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order lines: %w", err)
	}
	return lines, nil
}

func (s *sqlStore) SetOrderTotal(ctx context.Context, orderID string, total models.Money) error {
	upd := s.builder.Update("orders").
		Set("total_cents", total).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": orderID})
	if err := s.execOne(ctx, s.db, upd); err != nil {
		slog.Error("Store.SetOrderTotal failed", "backend", s.backend, "order_id", orderID, "error", err)
		return fmt.Errorf("failed to set total for order %s: %w", orderID, err)
	}
	slog.Debug("Store.SetOrderTotal succeeded", "order_id", orderID, "total", total.String())
	return nil
}

func (s *sqlStore) DeleteOrderLines(ctx context.Context, orderID string) error {
	if _, err := s.exec(ctx, s.db, s.builder.Delete("order_lines").Where(squirrel.Eq{"order_id": orderID})); err != nil {
		slog.Error("Store.DeleteOrderLines failed", "backend", s.backend, "order_id", orderID, "error", err)
		return fmt.Errorf("failed to delete order lines: %w", err)
	}
	slog.Debug("Store.DeleteOrderLines succeeded", "order_id", orderID)
	return nil
}

func (s *sqlStore) ResetOrder(ctx context.Context, orderID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, s.builder.Delete("order_lines").Where(squirrel.Eq{"order_id": orderID})); err != nil {
			return fmt.Errorf("failed to delete order lines: %w", err)
		}
		upd := s.builder.Update("orders").
			Set("total_cents", 0).
			Set("keyword", nil).
			Set("updated_at", time.Now().UTC()).
			Where(squirrel.Eq{"id": orderID})
		return s.execOne(ctx, tx, upd)
	})
	if err != nil {
		slog.Error("Store.ResetOrder failed", "backend", s.backend, "order_id", orderID, "error", err)
		return fmt.Errorf("failed to reset order %s: %w", orderID, err)
	}
	slog.Debug("Store.ResetOrder succeeded", "order_id", orderID)
	return nil
}

func (s *sqlStore) CheckoutOrder(ctx context.Context, orderID, keyword string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := s.getOrder(ctx, tx, s.builder.Select(orderColumns...).From("orders").Where(squirrel.Eq{"id": orderID}))
		if err != nil {
			return err
		}
		if o == nil {
			return ErrNotFound
		}
		if o.Status != models.OrderStarted {
			return fmt.Errorf("%w: %s is %s", ErrStaleOrderStatus, orderID, o.Status)
		}
		now := time.Now().UTC()

		// Only one order per customer may await keyword confirmation.
		cancelStale := s.builder.Update("orders").
			Set("status", models.OrderCancelled).
			Set("updated_at", now).
			Where(squirrel.Eq{"customer_id": o.CustomerID, "status": models.OrderInProgress}).
			Where(squirrel.NotEq{"id": orderID})
		if _, err := s.exec(ctx, tx, cancelStale); err != nil {
			return fmt.Errorf("failed to cancel stale in-progress orders: %w", err)
		}

		upd := s.builder.Update("orders").
			Set("status", models.OrderInProgress).
			Set("keyword", keyword).
			Set("updated_at", now).
			Where(squirrel.Eq{"id": orderID, "status": models.OrderStarted})
		if err := s.execOne(ctx, tx, upd); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrStaleOrderStatus
			}
			return err
		}
		return nil
	})
	if err != nil {
		slog.Error("Store.CheckoutOrder failed", "backend", s.backend, "order_id", orderID, "error", err)
		return fmt.Errorf("failed to check out order %s: %w", orderID, err)
	}
	slog.Debug("Store.CheckoutOrder succeeded", "order_id", orderID)
	return nil
}

func (s *sqlStore) TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: order %s -> %s", ErrInvalidStatus, from, to)
	}
	upd := s.builder.Update("orders").
		Set("status", to).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": orderID, "status": from})
	err := s.execOne(ctx, s.db, upd)
	if errors.Is(err, ErrNotFound) {
		o, getErr := s.GetOrder(ctx, orderID)
		if getErr != nil {
			return getErr
		}
		if o != nil {
			err = fmt.Errorf("%w: %s is %s, expected %s", ErrStaleOrderStatus, orderID, o.Status, from)
		}
	}
	if err != nil {
		slog.Error("Store.TransitionOrder failed", "backend", s.backend, "order_id", orderID, "from", from, "to", to, "error", err)
		return fmt.Errorf("failed to move order %s to %s: %w", orderID, to, err)
	}
	slog.Debug("Store.TransitionOrder succeeded", "order_id", orderID, "from", from, "to", to)
	return nil
}

// Menu

func (s *sqlStore) ListActiveMenuItems(ctx context.Context) ([]models.MenuItem, error) {
	q := s.builder.Select("id", "name", "price_cents", "is_active", "description", "created_at").
		From("menu_items").
		Where(squirrel.Eq{"is_active": true}).
		OrderBy("name")
	rows, err := s.query(ctx, s.db, q)
	if err != nil {
		slog.Error("Store.ListActiveMenuItems query failed", "backend", s.backend, "error", err)
		return nil, fmt.Errorf("failed to list menu: %w", err)
	}
	defer rows.Close()

	var items []models.MenuItem
	for rows.Next() {
		var it models.MenuItem
		var desc sql.NullString
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.Active, &desc, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan menu item: %w", err)
		}
		it.Description = desc.String
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate menu items: %w", err)
	}
	return items, nil
}

func (s *sqlStore) UpsertMenuItem(ctx context.Context, item models.MenuItem) error {
	if item.ID == "" {
		item.ID = newID()
	}
	ins := s.builder.Insert("menu_items").
		Columns("id", "name", "price_cents", "is_active", "description", "created_at").
		Values(item.ID, item.Name, item.Price, item.Active, nilIfEmpty(item.Description), time.Now().UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = excluded.name, price_cents = excluded.price_cents, " +
			"is_active = excluded.is_active, description = excluded.description")
	if _, err := s.exec(ctx, s.db, ins); err != nil {
		slog.Error("Store.UpsertMenuItem failed", "backend", s.backend, "id", item.ID, "error", err)
		return fmt.Errorf("failed to upsert menu item %s: %w", item.ID, err)
	}
	slog.Debug("Store.UpsertMenuItem succeeded", "id", item.ID, "name", item.Name)
	return nil
}

// Messages

func (s *sqlStore) AddInboundMessage(ctx context.Context, msg *models.InboundMessage) error {
	if msg.CustomerID == "" {
		return models.ErrEmptyCustomerID
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	msg.CreatedAt = time.Now().UTC()
	ins := s.builder.Insert("inbound_messages").
		Columns("id", "customer_id", "phone_number", "body", "has_audio", "created_at").
		Values(msg.ID, msg.CustomerID, msg.PhoneNumber, msg.Body, msg.HasAudio, msg.CreatedAt)
	if _, err := s.exec(ctx, s.db, ins); err != nil {
		slog.Error("Store.AddInboundMessage failed", "backend", s.backend, "customer_id", msg.CustomerID, "error", err)
		return fmt.Errorf("failed to add inbound message: %w", err)
	}
	slog.Debug("Store.AddInboundMessage succeeded", "message_id", msg.ID, "customer_id", msg.CustomerID, "has_audio", msg.HasAudio)
	return nil
}

func (s *sqlStore) GetInboundMessage(ctx context.Context, id string) (*models.InboundMessage, error) {
	row, err := s.queryRow(ctx, s.db, s.builder.Select(messageColumns...).From("inbound_messages").Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	m, err := scanInboundMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.GetInboundMessage failed", "backend", s.backend, "message_id", id, "error", err)
		return nil, fmt.Errorf("failed to get inbound message: %w", err)
	}
	return m, nil
}

func (s *sqlStore) SetMessageResponse(ctx context.Context, id, response string) error {
	upd := s.builder.Update("inbound_messages").
		Set("response", response).
		Set("processed_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id})
	if err := s.execOne(ctx, s.db, upd); err != nil {
		slog.Error("Store.SetMessageResponse failed", "backend", s.backend, "message_id", id, "error", err)
		return fmt.Errorf("failed to set response for message %s: %w", id, err)
	}
	return nil
}

// Config

func (s *sqlStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	row, err := s.queryRow(ctx, s.db, s.builder.Select("config_value").From("system_config").Where(squirrel.Eq{"config_key": key}))
	if err != nil {
		return "", err
	}
	var value string
	err = row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		slog.Error("Store.GetConfigValue failed", "backend", s.backend, "key", key, "error", err)
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, nil
}

func (s *sqlStore) SetConfigValue(ctx context.Context, key, value string) error {
	ins := s.builder.Insert("system_config").
		Columns("config_key", "config_value", "updated_at").
		Values(key, value, time.Now().UTC()).
		Suffix("ON CONFLICT (config_key) DO UPDATE SET config_value = excluded.config_value, updated_at = excluded.updated_at")
	if _, err := s.exec(ctx, s.db, ins); err != nil {
		slog.Error("Store.SetConfigValue failed", "backend", s.backend, "key", key, "error", err)
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	slog.Debug("Store.SetConfigValue succeeded", "key", key)
	return nil
}

func (s *sqlStore) GetActivePrompt(ctx context.Context, promptContext string) (*models.PromptConfig, error) {
	q := s.builder.Select("prompt_context", "version", "instructions", "tools_json", "is_active", "created_at").
		From("prompt_configs").
		Where(squirrel.Eq{"prompt_context": promptContext, "is_active": true}).
		OrderBy("version DESC").
		Limit(1)
	row, err := s.queryRow(ctx, s.db, q)
	if err != nil {
		return nil, err
	}
	var p models.PromptConfig
	var tools sql.NullString
	err = row.Scan(&p.Context, &p.Version, &p.Instructions, &tools, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.GetActivePrompt failed", "backend", s.backend, "context", promptContext, "error", err)
		return nil, fmt.Errorf("failed to get prompt %s: %w", promptContext, err)
	}
	if tools.Valid && tools.String != "" {
		p.Tools = []byte(tools.String)
	}
	return &p, nil
}

func (s *sqlStore) SavePrompt(ctx context.Context, p models.PromptConfig) error {
	ins := s.builder.Insert("prompt_configs").
		Columns("prompt_context", "version", "instructions", "tools_json", "is_active", "created_at").
		Values(p.Context, p.Version, p.Instructions, nilIfEmpty(string(p.Tools)), p.Active, time.Now().UTC()).
		Suffix("ON CONFLICT (prompt_context, version) DO UPDATE SET instructions = excluded.instructions, " +
			"tools_json = excluded.tools_json, is_active = excluded.is_active")
	if _, err := s.exec(ctx, s.db, ins); err != nil {
		slog.Error("Store.SavePrompt failed", "backend", s.backend, "context", p.Context, "version", p.Version, "error", err)
		return fmt.Errorf("failed to save prompt %s v%d: %w", p.Context, p.Version, err)
	}
	slog.Debug("Store.SavePrompt succeeded", "context", p.Context, "version", p.Version)
	return nil
}

// Ledger

func (s *sqlStore) AcquireLedger(ctx context.Context, entry LedgerEntry) (bool, error) {
	now := time.Now().UTC()
	ins := s.builder.Insert("webhook_ledger").
		Columns("message_id", "event_type", "customer_id", "status", "metadata_json", "created_at", "updated_at").
		Values(entry.MessageID, entry.EventType, nilIfEmpty(entry.CustomerID), LedgerProcessing,
			nilIfEmpty(string(entry.Metadata)), now, now).
		Suffix("ON CONFLICT (message_id) DO UPDATE SET status = excluded.status, customer_id = excluded.customer_id, "+
			"metadata_json = excluded.metadata_json, last_error = NULL, updated_at = excluded.updated_at "+
			"WHERE webhook_ledger.status = ?", LedgerFailed)
	res, err := s.exec(ctx, s.db, ins)
	if err != nil {
		slog.Error("Store.AcquireLedger failed", "backend", s.backend, "message_id", entry.MessageID, "error", err)
		return false, fmt.Errorf("failed to acquire ledger for %s: %w", entry.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	slog.Debug("Store.AcquireLedger", "message_id", entry.MessageID, "acquired", n > 0)
	return n > 0, nil
}

func (s *sqlStore) CompleteLedger(ctx context.Context, messageID string) error {
	return s.finishLedger(ctx, messageID, LedgerCompleted, "")
}

func (s *sqlStore) FailLedger(ctx context.Context, messageID, errMsg string) error {
	return s.finishLedger(ctx, messageID, LedgerFailed, errMsg)
}

func (s *sqlStore) finishLedger(ctx context.Context, messageID string, status LedgerStatus, errMsg string) error {
	upd := s.builder.Update("webhook_ledger").
		Set("status", status).
		Set("last_error", nilIfEmpty(errMsg)).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"message_id": messageID})
	if err := s.execOne(ctx, s.db, upd); err != nil {
		slog.Error("Store.finishLedger failed", "backend", s.backend, "message_id", messageID, "status", status, "error", err)
		return fmt.Errorf("failed to mark ledger %s as %s: %w", messageID, status, err)
	}
	return nil
}

func (s *sqlStore) GetLedgerEntry(ctx context.Context, messageID string) (*LedgerEntry, error) {
	row, err := s.queryRow(ctx, s.db, s.builder.Select(ledgerColumns...).From("webhook_ledger").Where(squirrel.Eq{"message_id": messageID}))
	if err != nil {
		return nil, err
	}
	e, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry %s: %w", messageID, err)
	}
	return e, nil
}

func (s *sqlStore) PruneLedger(ctx context.Context, before time.Time) (int64, error) {
	del := s.builder.Delete("webhook_ledger").
		Where(squirrel.Eq{"status": []string{string(LedgerCompleted), string(LedgerFailed)}}).
		Where(squirrel.Lt{"updated_at": before.UTC()})
	res, err := s.exec(ctx, s.db, del)
	if err != nil {
		slog.Error("Store.PruneLedger failed", "backend", s.backend, "error", err)
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
