package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

const (
	// OrderToolName is the tool the model calls when the customer orders an item.
	OrderToolName = "identify_customer_order"
	// LegacyOrderToolName is the same tool under its earlier Portuguese name.
	LegacyOrderToolName = "identificar_pedido_usuario"
)

// Placeholders replaced by the rendered menu in prompt instructions.
const (
	menuPlaceholder       = "{MENU}"
	legacyMenuPlaceholder = "{CARDAPIO}"
)

const (
	textFinalizing       = "⏳ Processando finalização..."
	textAwaitingDelivery = "🚚 Seu pedido está em preparação!"
	textGreeting         = "Olá! Em que posso ajudar?"
	textNotUnderstood    = "Desculpe, não entendi."
)

// Route names how a turn was answered.
type Route string

const (
	RouteProposal Route = "proposal" // the model identified an item; a proposal was sent
	RouteReply    Route = "reply"    // the model answered in text
	RouteCanned   Route = "canned"   // the status has a fixed answer; the model was not called
)

// TurnResult is the outcome of one orchestrated message.
type TurnResult struct {
	MessageID   string                    `json:"message_id"`
	CustomerID  string                    `json:"customer_id"`
	Route       Route                     `json:"route"`
	Reply       string                    `json:"reply,omitempty"`
	Status      models.ConversationStatus `json:"conversation_status"`
	NewThreadID string                    `json:"new_thread_id,omitempty"`
}

// Orchestrator advances a customer's conversation by one inbound message.
type Orchestrator struct {
	store     store.Store
	model     ModelService
	msg       MessagingService
	proposals *ProposalComposer
	finalizer *Finalizer
	modelName string
	retry     genai.RetryPolicy
}

func NewOrchestrator(st store.Store, model ModelService, msg MessagingService, proposals *ProposalComposer, finalizer *Finalizer, o Opts) *Orchestrator {
	return &Orchestrator{
		store:     st,
		model:     model,
		msg:       msg,
		proposals: proposals,
		finalizer: finalizer,
		modelName: o.Model,
		retry:     o.Retry,
	}
}

// HandleMessage loads the inbound message and its customer, answers according
// to the customer's status and records the reply on the message.
func (o *Orchestrator) HandleMessage(ctx context.Context, messageID string) (*TurnResult, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message_id is required", ErrMessageNotFound)
	}
	msg, err := o.store.GetInboundMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	c, err := o.store.GetCustomer(ctx, msg.CustomerID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", cart.ErrCustomerNotFound, msg.CustomerID)
	}
	slog.Info("Orchestrator.HandleMessage", "message_id", messageID, "customer_id", c.ID, "status", c.Status)

	res := &TurnResult{MessageID: messageID, CustomerID: c.ID}
	switch {
	case c.Status.Chatting():
		if err := o.converse(ctx, c, msg.Body, res); err != nil {
			return nil, err
		}
	case c.Status == models.StatusFinalizing:
		res.Route, res.Reply = RouteCanned, textFinalizing
		o.sendBestEffort(ctx, c, textFinalizing)
	case c.Status == models.StatusAwaitingDelivery:
		res.Route, res.Reply = RouteCanned, textAwaitingDelivery
		o.sendBestEffort(ctx, c, textAwaitingDelivery)
	default:
		slog.Warn("Orchestrator.HandleMessage: unknown status, resetting", "customer_id", c.ID, "status", c.Status)
		if _, err := store.AdvanceCustomer(ctx, o.store, c, models.EventReset); err != nil {
			return nil, err
		}
		res.Route, res.Reply = RouteCanned, textGreeting
		o.sendBestEffort(ctx, c, textGreeting)
	}
	res.Status = c.Status

	if res.Reply != "" {
		if err := o.store.SetMessageResponse(ctx, messageID, res.Reply); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// converse runs one model turn on the customer's thread.
func (o *Orchestrator) converse(ctx context.Context, c *models.Customer, text string, res *TurnResult) error {
	if err := o.ensureThread(ctx, c); err != nil {
		return err
	}

	prompt, err := o.store.GetActivePrompt(ctx, PromptContext)
	if err != nil {
		return err
	}
	if prompt == nil {
		return fmt.Errorf("%w: context %q", ErrPromptNotConfigured, PromptContext)
	}
	menu, err := o.store.ListActiveMenuItems(ctx)
	if err != nil {
		return err
	}

	req := genai.ResponseRequest{
		Model:        o.modelName,
		Conversation: c.ThreadID,
		Instructions: RenderInstructions(prompt.Instructions, menu),
		Input:        text,
		Tools:        prompt.Tools,
	}
	var resp *genai.Response
	err = o.retry.Do(ctx, "Orchestrator.respond", func(ctx context.Context) error {
		r, err := o.model.Respond(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}

	if call, ok := resp.FunctionCall(OrderToolName, LegacyOrderToolName); ok {
		res.Route = RouteProposal
		return o.propose(ctx, c, call, res)
	}

	res.Route = RouteReply
	reply := resp.OutputText()
	if reply == "" {
		res.Reply = textNotUnderstood
		return nil
	}
	o.sendBestEffort(ctx, c, reply)
	res.Reply = reply
	return nil
}

// ensureThread creates and stores a thread for a customer without one. Two
// concurrent turns may both create one; the later write wins.
func (o *Orchestrator) ensureThread(ctx context.Context, c *models.Customer) error {
	if c.ThreadID != "" {
		return nil
	}
	id, err := o.model.CreateThread(ctx, map[string]string{"customer_id": c.ID, "tipo": "delivery"})
	if err != nil {
		return err
	}
	if err := o.store.SetCustomerThread(ctx, c.ID, id); err != nil {
		return err
	}
	c.ThreadID = id
	slog.Debug("Orchestrator.ensureThread: thread created", "customer_id", c.ID, "thread_id", id)
	return nil
}

// propose sends the item proposal and migrates the thread past the tool call.
func (o *Orchestrator) propose(ctx context.Context, c *models.Customer, call genai.ThreadItem, res *TurnResult) error {
	args, err := ParseItemArgs(call.Arguments)
	if err != nil {
		return fmt.Errorf("invalid %s arguments: %w", call.Name, err)
	}
	t, err := models.NextConversationStatus(c.Status, models.EventItemProposed)
	if err != nil {
		return err
	}
	item := args.Proposed()
	slog.Info("Orchestrator.propose: item identified", "customer_id", c.ID, "product_id", item.ProductID,
		"quantity", item.Quantity, "value", item.Total)

	prop, err := o.proposals.Propose(ctx, c, item)
	if err != nil {
		return err
	}
	cartTotal := prop.Subtotal
	fin, err := o.finalizer.Finalize(ctx, FinalizeRequest{
		ThreadID:   c.ThreadID,
		ToolResult: fmt.Sprintf("Cliente pediu: %dx %s. Proposta enviada via WhatsApp aguardando confirmação.", item.Quantity, item.Name),
		Order: &OrderInfo{
			ProductName: item.Name,
			Quantity:    item.Quantity,
			Value:       item.Total,
			CartTotal:   &cartTotal,
		},
	})
	if err != nil {
		return err
	}
	if err := o.store.SetCustomerThreadAndStatus(ctx, c.ID, fin.NewThreadID, t.To); err != nil {
		return err
	}
	slog.Debug("Orchestrator.propose: customer advanced", "customer_id", c.ID, "from", c.Status, "to", t.To, "effect", t.Effect)
	c.ThreadID, c.Status = fin.NewThreadID, t.To
	res.NewThreadID = fin.NewThreadID
	res.Reply = prop.Message.Text
	return nil
}

func (o *Orchestrator) sendBestEffort(ctx context.Context, c *models.Customer, text string) {
	if err := o.msg.SendText(ctx, c.PhoneNumber, text); err != nil {
		slog.Error("Orchestrator: failed to send reply", "customer_id", c.ID, "error", err)
	}
}

// RenderMenu lists active items one per line as "- name (R$ price) [ID: id] - description".
func RenderMenu(items []models.MenuItem) string {
	lines := make([]string, 0, len(items))
	for _, m := range items {
		line := fmt.Sprintf("- %s (R$ %s) [ID: %s]", m.Name, m.Price, m.ID)
		if m.Description != "" {
			line += " - " + m.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderInstructions substitutes the menu into prompt instructions.
func RenderInstructions(instructions string, menu []models.MenuItem) string {
	rendered := RenderMenu(menu)
	instructions = strings.ReplaceAll(instructions, menuPlaceholder, rendered)
	return strings.ReplaceAll(instructions, legacyMenuPlaceholder, rendered)
}
