package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

const (
	proposalTitle  = "🛒 Confirmar Pedido"
	proposalFooter = "Escolha uma opção:"
	totalsRule     = "━━━━━━━━━━━━━━━━━━━━\n"
)

// Proposal is the confirmation message sent for one proposed item.
type Proposal struct {
	Message     messaging.ButtonMessage `json:"-"`
	Item        models.ProposedItem     `json:"item"`
	Subtotal    models.Money            `json:"subtotal"`
	DeliveryFee models.Money            `json:"delivery_fee"`
	Total       models.Money            `json:"total"`
}

// ProposalComposer sends the three-button confirmation for an item the model identified.
type ProposalComposer struct {
	carts       *cart.Engine
	msg         MessagingService
	deliveryFee models.Money
}

func NewProposalComposer(carts *cart.Engine, msg MessagingService, deliveryFee models.Money) *ProposalComposer {
	return &ProposalComposer{carts: carts, msg: msg, deliveryFee: deliveryFee}
}

// NewProposedItem derives the unit price from a line total, rounding to the
// nearest cent. Total is then restated as quantity times that unit price, the
// amount the cart will record.
func NewProposedItem(productID, name string, quantity int, total models.Money) models.ProposedItem {
	item := models.ProposedItem{ProductID: productID, Name: name, Quantity: quantity, Total: total}
	if quantity > 0 {
		item.UnitPrice = models.Money((int64(total)*2 + int64(quantity)) / (int64(quantity) * 2))
		item.Total = lineTotal(item)
	}
	return item
}

func lineTotal(item models.ProposedItem) models.Money {
	return item.UnitPrice * models.Money(item.Quantity)
}

// Compose builds the proposal without sending it. Button payloads that do not
// fit the channel limit fail here.
func (p *ProposalComposer) Compose(ctx context.Context, customerID string, item models.ProposedItem) (*Proposal, error) {
	if err := item.CartItem().Validate(); err != nil {
		return nil, err
	}
	item.Total = lineTotal(item)
	snap, err := p.carts.Snapshot(ctx, customerID)
	if err != nil {
		return nil, err
	}

	buttons := make([]messaging.Button, 0, 3)
	for _, b := range []struct {
		action models.ButtonAction
		text   string
	}{
		{models.ActionAddAndContinue, "✅ Sim, pedir mais"},
		{models.ActionAddAndFinalize, "✅ Sim, finalizar"},
		{models.ActionCancelProposed, "❌ Cancelar"},
	} {
		payload := models.ButtonPayload{Action: b.action}
		if b.action.RequiresItem() {
			it := item
			payload.Item = &it
		}
		id, err := payload.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s button: %w", b.action, err)
		}
		buttons = append(buttons, messaging.Button{ID: id, Text: b.text})
	}

	subtotal := snap.Total + item.Total
	prop := &Proposal{
		Item:        item,
		Subtotal:    subtotal,
		DeliveryFee: p.deliveryFee,
		Total:       subtotal + p.deliveryFee,
	}
	prop.Message = messaging.ButtonMessage{
		Title:   proposalTitle,
		Text:    renderProposal(snap.Lines, item, prop),
		Footer:  proposalFooter,
		Buttons: buttons,
	}
	return prop, nil
}

// Propose composes and sends the proposal. A send failure is returned.
func (p *ProposalComposer) Propose(ctx context.Context, customer *models.Customer, item models.ProposedItem) (*Proposal, error) {
	prop, err := p.Compose(ctx, customer.ID, item)
	if err != nil {
		slog.Error("ProposalComposer.Propose: compose failed", "customer_id", customer.ID, "error", err)
		return nil, err
	}
	if err := p.msg.SendButtons(ctx, customer.PhoneNumber, prop.Message); err != nil {
		slog.Error("ProposalComposer.Propose: send failed", "customer_id", customer.ID, "error", err)
		return nil, fmt.Errorf("failed to send proposal: %w", err)
	}
	slog.Info("ProposalComposer.Propose: proposal sent", "customer_id", customer.ID,
		"product_id", item.ProductID, "quantity", item.Quantity, "total", prop.Total)
	return prop, nil
}

func renderProposal(lines []models.OrderLine, item models.ProposedItem, prop *Proposal) string {
	var b strings.Builder
	b.WriteString("🛒 *Confirmação de Pedido*\n\n")
	if len(lines) > 0 {
		b.WriteString("📦 *Itens no carrinho:*\n\n")
		for _, l := range lines {
			name := l.ProductName
			if name == "" {
				name = cart.MissingItemName
			}
			fmt.Fprintf(&b, "%dx %s\n   R$ %s cada = R$ %s\n\n", l.Quantity, name, l.UnitPrice, l.Subtotal())
		}
	}
	b.WriteString("➕ *Novo item:*\n\n")
	fmt.Fprintf(&b, "%dx %s\n   R$ %s cada = R$ %s\n\n", item.Quantity, item.Name, item.UnitPrice, item.Total)
	b.WriteString(totalsRule)
	fmt.Fprintf(&b, "💰 Subtotal: R$ %s\n🚚 Entrega: R$ %s\n", prop.Subtotal, prop.DeliveryFee)
	b.WriteString(totalsRule)
	fmt.Fprintf(&b, "🎯 *TOTAL: R$ %s*\n\n", prop.Total)
	b.WriteString("Está correto?")
	return b.String()
}
