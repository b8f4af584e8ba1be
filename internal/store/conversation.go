package store

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// AdvanceCustomer applies a conversation event to c through the transition table
// and persists the new status. c.Status is updated in place on success.
func AdvanceCustomer(ctx context.Context, repo CustomerRepo, c *models.Customer, event models.ConversationEvent) (models.Transition, error) {
	t, err := models.NextConversationStatus(c.Status, event)
	if err != nil {
		slog.Warn("AdvanceCustomer: transition rejected", "customer_id", c.ID, "status", c.Status, "event", event)
		return t, err
	}
	if t.To != c.Status {
		if err := repo.SetCustomerStatus(ctx, c.ID, t.To); err != nil {
			return t, err
		}
	}
	slog.Debug("AdvanceCustomer", "customer_id", c.ID, "from", c.Status, "event", event, "to", t.To, "effect", t.Effect)
	c.Status = t.To
	return t, nil
}
