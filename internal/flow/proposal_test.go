package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

func TestNewProposedItemRoundsUnitPrice(t *testing.T) {
	tests := []struct {
		qty       int
		total     models.Money
		wantPrice models.Money
		wantTotal models.Money
	}{
		{2, 8000, 4000, 8000},
		{3, 1000, 333, 999},
		{3, 2000, 667, 2001},
		{0, 500, 0, 500},
	}
	for _, tt := range tests {
		got := NewProposedItem("p", "x", tt.qty, tt.total)
		if got.UnitPrice != tt.wantPrice || got.Total != tt.wantTotal {
			t.Errorf("%d for %s = %s each, %s total; want %s, %s", tt.qty, tt.total, got.UnitPrice, got.Total, tt.wantPrice, tt.wantTotal)
		}
	}
}

func TestConfirmedProposalMatchesOrderTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.customer(t, "5511999990404", models.StatusOrdering)

	// The model quoted R$ 10.00 for three, which does not split into whole cents.
	item := models.ProposedItem{ProductID: "p2", Name: "Refrigerante", Quantity: 3, UnitPrice: 333, Total: 1000}
	prop, err := env.pipeline.Proposals.Propose(ctx, c, item)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.Subtotal != 999 || !strings.Contains(prop.Message.Text, "R$ 3.33 cada = R$ 9.99") {
		t.Fatalf("subtotal = %s, text:\n%s", prop.Subtotal, prop.Message.Text)
	}

	if _, err := env.pipeline.Router.Handle(ctx, messaging.Inbound{
		MessageID: "wamid-confirm-1",
		Phone:     c.PhoneNumber,
		Kind:      messaging.KindButton,
		ButtonID:  prop.Message.Buttons[1].ID,
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	order, err := env.store.GetInProgressOrder(ctx, c.ID)
	if err != nil || order == nil {
		t.Fatalf("GetInProgressOrder: %v, %v", order, err)
	}
	if order.Total != prop.Subtotal {
		t.Errorf("order total = %s, confirmed subtotal = %s", order.Total, prop.Subtotal)
	}
}

func TestComposeIncludesExistingCart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.customer(t, "5511999990401", models.StatusBrowsing)
	if _, err := env.pipeline.Cart.AddItem(ctx, c.ID, models.CartItem{ProductID: "p2", Quantity: 2, UnitPrice: 650}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	prop, err := env.pipeline.Proposals.Compose(ctx, c.ID, *pizza(1))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if prop.Subtotal != 5300 || prop.DeliveryFee != DefaultDeliveryFee || prop.Total != 5800 {
		t.Errorf("totals = %s + %s = %s", prop.Subtotal, prop.DeliveryFee, prop.Total)
	}
	for _, want := range []string{
		"📦 *Itens no carrinho:*",
		"2x Refrigerante\n   R$ 6.50 cada = R$ 13.00",
		"➕ *Novo item:*",
		"1x Pizza Margherita\n   R$ 40.00 cada = R$ 40.00",
		"💰 Subtotal: R$ 53.00\n🚚 Entrega: R$ 5.00",
		"🎯 *TOTAL: R$ 58.00*",
	} {
		if !strings.Contains(prop.Message.Text, want) {
			t.Errorf("proposal text missing %q:\n%s", want, prop.Message.Text)
		}
	}
	if prop.Message.Buttons[2].ID != string(models.ActionCancelProposed) {
		t.Errorf("cancel button id = %q", prop.Message.Buttons[2].ID)
	}
	if len(env.msg.Buttons) != 0 {
		t.Error("Compose must not send")
	}
}

func TestComposeRejectsOversizedPayload(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "5511999990402", models.StatusBrowsing)
	item := NewProposedItem("p1", strings.Repeat("Pizza Gigante ", 30), 1, 4000)

	_, err := env.pipeline.Proposals.Propose(context.Background(), c, item)
	if !errors.Is(err, models.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if len(env.msg.Buttons) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestComposeRejectsInvalidItem(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "5511999990403", models.StatusBrowsing)
	_, err := env.pipeline.Proposals.Compose(context.Background(), c.ID, NewProposedItem("p1", "Pizza", 0, 4000))
	if !errors.Is(err, models.ErrInvalidQuantity) {
		t.Fatalf("err = %v, want ErrInvalidQuantity", err)
	}
}
