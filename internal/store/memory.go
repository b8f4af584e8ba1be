package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in maps. It is used by tests and by local
// runs without a database; nothing survives a restart.
type InMemoryStore struct {
	mu        sync.Mutex
	customers map[string]models.Customer
	orders    map[string]models.Order
	lines     map[string][]models.OrderLine
	menu      map[string]models.MenuItem
	messages  map[string]models.InboundMessage
	config    map[string]string
	prompts   map[string][]models.PromptConfig
	ledger    map[string]LedgerEntry
	jobs      map[string]Job
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		customers: make(map[string]models.Customer),
		orders:    make(map[string]models.Order),
		lines:     make(map[string][]models.OrderLine),
		menu:      make(map[string]models.MenuItem),
		messages:  make(map[string]models.InboundMessage),
		config:    make(map[string]string),
		prompts:   make(map[string][]models.PromptConfig),
		ledger:    make(map[string]LedgerEntry),
		jobs:      make(map[string]Job),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetCustomer(_ context.Context, id string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) GetCustomerByPhone(_ context.Context, phone string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerByPhone(phone), nil
}

func (s *InMemoryStore) customerByPhone(phone string) *models.Customer {
	for _, c := range s.customers {
		if c.PhoneNumber == phone {
			c := c
			return &c
		}
	}
	return nil
}

func (s *InMemoryStore) CreateCustomer(_ context.Context, phone, name string, status models.ConversationStatus) (*models.Customer, bool, error) {
	if phone == "" {
		return nil, false, models.ErrEmptyPhoneNumber
	}
	if !status.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.customerByPhone(phone); c != nil {
		return c, false, nil
	}
	now := time.Now().UTC()
	c := models.Customer{ID: newID(), PhoneNumber: phone, Name: name, Status: status, CreatedAt: now, UpdatedAt: now}
	s.customers[c.ID] = c
	return &c, true, nil
}

func (s *InMemoryStore) updateCustomer(id string, fn func(c *models.Customer)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return ErrNotFound
	}
	fn(&c)
	c.UpdatedAt = time.Now().UTC()
	s.customers[id] = c
	return nil
}

func (s *InMemoryStore) SetCustomerStatus(_ context.Context, id string, status models.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.updateCustomer(id, func(c *models.Customer) { c.Status = status })
}

func (s *InMemoryStore) SetCustomerThread(_ context.Context, id, threadID string) error {
	return s.updateCustomer(id, func(c *models.Customer) { c.ThreadID = threadID })
}

func (s *InMemoryStore) SetCustomerThreadAndStatus(_ context.Context, id, threadID string, status models.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.updateCustomer(id, func(c *models.Customer) {
		c.ThreadID = threadID
		c.Status = status
	})
}

func (s *InMemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *InMemoryStore) latestOrder(customerID string, status models.OrderStatus) *models.Order {
	var found *models.Order
	for _, o := range s.orders {
		if o.CustomerID != customerID || o.Status != status {
			continue
		}
		if found == nil || o.CreatedAt.After(found.CreatedAt) {
			o := o
			found = &o
		}
	}
	return found
}

func (s *InMemoryStore) GetActiveOrder(_ context.Context, customerID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestOrder(customerID, models.OrderStarted), nil
}

func (s *InMemoryStore) GetInProgressOrder(_ context.Context, customerID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestOrder(customerID, models.OrderInProgress), nil
}

func (s *InMemoryStore) GetOrCreateActiveOrder(_ context.Context, customerID string) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.latestOrder(customerID, models.OrderStarted); o != nil {
		return o, false, nil
	}
	now := time.Now().UTC()
	o := models.Order{ID: newID(), CustomerID: customerID, Status: models.OrderStarted, CreatedAt: now, UpdatedAt: now}
	s.orders[o.ID] = o
	return &o, true, nil
}

func (s *InMemoryStore) AddOrderLine(_ context.Context, line *models.OrderLine) error {
	if line.Quantity <= 0 {
		return models.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[line.OrderID]; !ok {
		return fmt.Errorf("failed to add order line: %w", ErrNotFound)
	}
	if line.ID == "" {
		line.ID = newID()
	}
	line.CreatedAt = time.Now().UTC()
	stored := *line
	stored.ProductName = ""
	s.lines[line.OrderID] = append(s.lines[line.OrderID], stored)
	return nil
}

func (s *InMemoryStore) ListOrderLines(_ context.Context, orderID string) ([]models.OrderLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.lines[orderID]
	out := make([]models.OrderLine, 0, len(src))
	for _, l := range src {
		if m, ok := s.menu[l.ProductID]; ok {
			l.ProductName = m.Name
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *InMemoryStore) updateOrder(id string, fn func(o *models.Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&o); err != nil {
		return err
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

func (s *InMemoryStore) SetOrderTotal(_ context.Context, orderID string, total models.Money) error {
	return s.updateOrder(orderID, func(o *models.Order) error {
		o.Total = total
		return nil
	})
}

func (s *InMemoryStore) DeleteOrderLines(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lines, orderID)
	return nil
}

func (s *InMemoryStore) ResetOrder(_ context.Context, orderID string) error {
	return s.updateOrder(orderID, func(o *models.Order) error {
		delete(s.lines, orderID)
		o.Total = 0
		o.Keyword = ""
		return nil
	})
}

func (s *InMemoryStore) CheckoutOrder(_ context.Context, orderID, keyword string) error {
	return s.updateOrder(orderID, func(o *models.Order) error {
		if o.Status != models.OrderStarted {
			return fmt.Errorf("%w: %s is %s", ErrStaleOrderStatus, orderID, o.Status)
		}
		now := time.Now().UTC()
		for id, other := range s.orders {
			if id != orderID && other.CustomerID == o.CustomerID && other.Status == models.OrderInProgress {
				other.Status = models.OrderCancelled
				other.UpdatedAt = now
				s.orders[id] = other
			}
		}
		o.Status = models.OrderInProgress
		o.Keyword = keyword
		return nil
	})
}

func (s *InMemoryStore) TransitionOrder(_ context.Context, orderID string, from, to models.OrderStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: order %s -> %s", ErrInvalidStatus, from, to)
	}
	return s.updateOrder(orderID, func(o *models.Order) error {
		if o.Status != from {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleOrderStatus, orderID, o.Status, from)
		}
		o.Status = to
		return nil
	})
}

func (s *InMemoryStore) ListActiveMenuItems(_ context.Context) ([]models.MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.MenuItem
	for _, it := range s.menu {
		if it.Active {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *InMemoryStore) UpsertMenuItem(_ context.Context, item models.MenuItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = newID()
	}
	if prev, ok := s.menu[item.ID]; ok {
		item.CreatedAt = prev.CreatedAt
	} else {
		item.CreatedAt = time.Now().UTC()
	}
	s.menu[item.ID] = item
	return nil
}

func (s *InMemoryStore) AddInboundMessage(_ context.Context, msg *models.InboundMessage) error {
	if msg.CustomerID == "" {
		return models.ErrEmptyCustomerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = newID()
	}
	msg.CreatedAt = time.Now().UTC()
	s.messages[msg.ID] = *msg
	return nil
}

func (s *InMemoryStore) GetInboundMessage(_ context.Context, id string) (*models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) SetMessageResponse(_ context.Context, id, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	m.Response = response
	m.ProcessedAt = &now
	s.messages[id] = m
	return nil
}

func (s *InMemoryStore) GetConfigValue(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[key], nil
}

func (s *InMemoryStore) SetConfigValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *InMemoryStore) GetActivePrompt(_ context.Context, promptContext string) (*models.PromptConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.PromptConfig
	for _, p := range s.prompts[promptContext] {
		if p.Active && (found == nil || p.Version > found.Version) {
			p := p
			found = &p
		}
	}
	return found, nil
}

func (s *InMemoryStore) SavePrompt(_ context.Context, p models.PromptConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now().UTC()
	list := s.prompts[p.Context]
	for i := range list {
		if list[i].Version == p.Version {
			list[i] = p
			return nil
		}
	}
	s.prompts[p.Context] = append(list, p)
	return nil
}

func (s *InMemoryStore) AcquireLedger(_ context.Context, entry LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	prev, ok := s.ledger[entry.MessageID]
	if ok && prev.Status != LedgerFailed {
		return false, nil
	}
	entry.Status = LedgerProcessing
	entry.LastError = ""
	entry.CreatedAt = now
	if ok {
		entry.CreatedAt = prev.CreatedAt
	}
	entry.UpdatedAt = now
	s.ledger[entry.MessageID] = entry
	return true, nil
}

func (s *InMemoryStore) finishLedger(messageID string, status LedgerStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[messageID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.LastError = errMsg
	e.UpdatedAt = time.Now().UTC()
	s.ledger[messageID] = e
	return nil
}

func (s *InMemoryStore) CompleteLedger(_ context.Context, messageID string) error {
	return s.finishLedger(messageID, LedgerCompleted, "")
}

func (s *InMemoryStore) FailLedger(_ context.Context, messageID, errMsg string) error {
	return s.finishLedger(messageID, LedgerFailed, errMsg)
}

func (s *InMemoryStore) GetLedgerEntry(_ context.Context, messageID string) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[messageID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) PruneLedger(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.ledger {
		if e.Status != LedgerProcessing && e.UpdatedAt.Before(before) {
			delete(s.ledger, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueJob(_ context.Context, spec JobSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec.DedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == spec.DedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j := Job{
		ID:          util.GenerateJobID(),
		Kind:        spec.Kind,
		RunAt:       runAt,
		PayloadJSON: spec.PayloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: maxAttempts,
		DedupeKey:   spec.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&j)
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(_ context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
		} else {
			j.Status = JobStatusQueued
			j.RunAt = nextRunAt
		}
	})
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, j := range s.jobs {
		if j.Status != JobStatusRunning || j.LockedAt == nil || !j.LockedAt.Before(staleBefore) {
			continue
		}
		if j.Attempt+1 >= j.MaxAttempts {
			j.Attempt++
			j.Status = JobStatusFailed
			j.LastError = "abandoned while running"
		} else {
			j.Status = JobStatusQueued
		}
		j.LockedAt = nil
		j.UpdatedAt = now
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) ListFailedJobs(_ context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusFailed {
			failed = append(failed, j)
		}
	}
	sort.Slice(failed, func(i, k int) bool { return failed[i].UpdatedAt.After(failed[k].UpdatedAt) })
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (s *InMemoryStore) PruneJobs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		switch j.Status {
		case JobStatusDone, JobStatusFailed, JobStatusCanceled:
			if j.UpdatedAt.Before(before) {
				delete(s.jobs, id)
				n++
			}
		}
	}
	return n, nil
}
