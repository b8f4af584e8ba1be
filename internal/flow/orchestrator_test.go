package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

func storeMessage(t *testing.T, env *testEnv, c *models.Customer, body string) string {
	t.Helper()
	m := &models.InboundMessage{CustomerID: c.ID, PhoneNumber: c.PhoneNumber, Body: body}
	if err := env.store.AddInboundMessage(context.Background(), m); err != nil {
		t.Fatalf("AddInboundMessage: %v", err)
	}
	return m.ID
}

func TestHandleMessageReply(t *testing.T) {
	env := newTestEnv(t)
	env.model.respondFn = replyWith("Temos pizza e refrigerante!")
	c := env.customer(t, "5511999990001", models.StatusBrowsing)
	id := storeMessage(t, env, c, "o que vocês têm?")

	res, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Route != RouteReply || res.Reply != "Temos pizza e refrigerante!" {
		t.Errorf("unexpected turn result: %+v", res)
	}
	if got := env.msg.TextsTo(c.PhoneNumber); len(got) != 1 || got[0] != res.Reply {
		t.Errorf("texts sent = %q", got)
	}

	updated := env.reload(t, c.ID)
	if updated.ThreadID != "conv_1" {
		t.Errorf("thread id = %q, want conv_1", updated.ThreadID)
	}
	if env.model.metadata["conv_1"]["customer_id"] != c.ID {
		t.Errorf("thread metadata = %v", env.model.metadata["conv_1"])
	}

	req := env.model.requests[0]
	if req.Conversation != "conv_1" || req.Input != "o que vocês têm?" {
		t.Errorf("unexpected request: %+v", req)
	}
	if !strings.Contains(req.Instructions, "- Pizza Margherita (R$ 40.00) [ID: p1]") || strings.Contains(req.Instructions, "{MENU}") {
		t.Errorf("menu not rendered into instructions: %q", req.Instructions)
	}

	msg, _ := env.store.GetInboundMessage(context.Background(), id)
	if msg.Response != res.Reply || msg.ProcessedAt == nil {
		t.Errorf("message response not recorded: %+v", msg)
	}
}

func TestHandleMessageEmptyReply(t *testing.T) {
	env := newTestEnv(t)
	env.model.respondFn = func(genai.ResponseRequest) (*genai.Response, error) {
		return &genai.Response{ID: "resp_1"}, nil
	}
	c := env.customer(t, "5511999990002", models.StatusBrowsing)
	id := storeMessage(t, env, c, "hmm")

	res, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Reply != textNotUnderstood {
		t.Errorf("reply = %q, want %q", res.Reply, textNotUnderstood)
	}
	if got := env.msg.TextsTo(c.PhoneNumber); len(got) != 0 {
		t.Errorf("nothing should be sent, got %q", got)
	}
}

func TestHandleMessageProposesItem(t *testing.T) {
	env := newTestEnv(t)
	env.model.respondFn = callOrderTool(`{"product_id":"p1","product_name":"Pizza Margherita","quantity":2,"value":80}`)
	c := env.customer(t, "5511999990003", models.StatusBrowsing)
	id := storeMessage(t, env, c, "quero 2 pizzas margherita")

	res, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Route != RouteProposal || res.NewThreadID != "conv_2" {
		t.Errorf("unexpected turn result: %+v", res)
	}

	sent, ok := env.msg.LastButtons()
	if !ok {
		t.Fatal("expected a proposal to be sent")
	}
	if sent.To != c.PhoneNumber || sent.Message.Title != proposalTitle || len(sent.Message.Buttons) != 3 {
		t.Errorf("unexpected proposal: %+v", sent)
	}
	if !strings.Contains(sent.Message.Text, "🎯 *TOTAL: R$ 85.00*") {
		t.Errorf("proposal text missing total: %q", sent.Message.Text)
	}
	msg, _ := env.store.GetInboundMessage(context.Background(), id)
	if msg.Response != sent.Message.Text || msg.ProcessedAt == nil || res.Reply != sent.Message.Text {
		t.Errorf("proposal turn not recorded on the message: %+v", msg)
	}
	p, err := models.DecodeButtonPayload(sent.Message.Buttons[0].ID)
	if err != nil {
		t.Fatalf("DecodeButtonPayload: %v", err)
	}
	if p.Action != models.ActionAddAndContinue || p.Item.Quantity != 2 || p.Item.UnitPrice != 4000 {
		t.Errorf("unexpected payload: %+v item %+v", p, p.Item)
	}

	updated := env.reload(t, c.ID)
	if updated.Status != models.StatusOrdering || updated.ThreadID != "conv_2" {
		t.Errorf("customer = %s/%s, want fazendo_pedido/conv_2", updated.Status, updated.ThreadID)
	}
	if env.model.metadata["conv_2"]["migrada_de"] != "conv_1" || env.model.metadata["conv_2"]["tem_pedido_ativo"] != "true" {
		t.Errorf("migrated thread metadata = %v", env.model.metadata["conv_2"])
	}
	if n := len(env.model.threads["conv_2"]); n != 2 {
		t.Errorf("seeded thread has %d items, want 2", n)
	}
	summaryPromptSent := env.model.prompts[len(env.model.prompts)-1]
	for _, want := range []string{"[CLIENTE]: quero 2 pizzas margherita", "[TOOL CHAMADA]: " + OrderToolName, "- Total do Carrinho: R$ 80.00"} {
		if !strings.Contains(summaryPromptSent, want) {
			t.Errorf("summary prompt missing %q", want)
		}
	}

	// nothing is added to the cart until the customer confirms
	snap, err := env.pipeline.Cart.Snapshot(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Order != nil {
		t.Errorf("proposal must not create a cart, got %+v", snap.Order)
	}
}

func TestHandleMessageProposalSendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.model.respondFn = callOrderTool(`{"id_produto":"p1","nome_produto":"Pizza Margherita","quantidade":1,"valor":"40,00"}`)
	env.msg.ButtonsErr = errors.New("gateway down")
	c := env.customer(t, "5511999990004", models.StatusBrowsing)
	id := storeMessage(t, env, c, "uma pizza")

	if _, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id); err == nil {
		t.Fatal("expected the send failure to be returned")
	}
	updated := env.reload(t, c.ID)
	if updated.Status != models.StatusBrowsing {
		t.Errorf("status = %s, want navegando", updated.Status)
	}
	if _, ok := env.model.metadata["conv_2"]; ok {
		t.Error("thread must not be migrated when the proposal was not sent")
	}
}

func TestHandleMessageInvalidToolArguments(t *testing.T) {
	env := newTestEnv(t)
	env.model.respondFn = callOrderTool(`{"product_id":"p1","quantity":"lots"}`)
	c := env.customer(t, "5511999990005", models.StatusBrowsing)
	id := storeMessage(t, env, c, "muitas pizzas")

	if _, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id); err == nil {
		t.Fatal("expected an argument error")
	}
	if _, ok := env.msg.LastButtons(); ok {
		t.Error("no proposal should be sent")
	}
}

func TestHandleMessageWithoutPrompt(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SavePrompt(context.Background(), models.PromptConfig{Context: PromptContext, Version: 1, Instructions: "x"}); err != nil {
		t.Fatalf("SavePrompt: %v", err)
	}
	env.model.respondFn = replyWith("oi")
	c := env.customer(t, "5511999990006", models.StatusBrowsing)
	id := storeMessage(t, env, c, "oi")

	_, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id)
	if !errors.Is(err, ErrPromptNotConfigured) {
		t.Fatalf("err = %v, want ErrPromptNotConfigured", err)
	}
	if env.model.respondCount() != 0 {
		t.Error("model must not be called without a prompt")
	}
}

func TestHandleMessageCannedStatuses(t *testing.T) {
	tests := []struct {
		status models.ConversationStatus
		want   string
	}{
		{models.StatusFinalizing, textFinalizing},
		{models.StatusAwaitingDelivery, textAwaitingDelivery},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			env := newTestEnv(t)
			c := env.customer(t, "5511999990007", tt.status)
			id := storeMessage(t, env, c, "oi")

			res, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), id)
			if err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if res.Route != RouteCanned || res.Reply != tt.want || res.Status != tt.status {
				t.Errorf("unexpected turn result: %+v", res)
			}
			if env.model.respondCount() != 0 {
				t.Error("model must not be called")
			}
			msg, _ := env.store.GetInboundMessage(context.Background(), id)
			if msg.Response != tt.want {
				t.Errorf("response = %q", msg.Response)
			}
		})
	}
}

func TestHandleMessageUnknownID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.Orchestrator.HandleMessage(context.Background(), "missing")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestRenderInstructions(t *testing.T) {
	menu := []models.MenuItem{
		{ID: "p1", Name: "Pizza", Price: 4000, Description: "grande"},
		{ID: "p2", Name: "Suco", Price: 800},
	}
	got := RenderInstructions("A {MENU} B {CARDAPIO}", menu)
	want := "- Pizza (R$ 40.00) [ID: p1] - grande\n- Suco (R$ 8.00) [ID: p2]"
	if got != "A "+want+" B "+want {
		t.Errorf("RenderInstructions = %q", got)
	}
}
