package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

func judgeReturns(text string, err error) func(string, genai.CompletionOptions) (genai.Completion, error) {
	return func(string, genai.CompletionOptions) (genai.Completion, error) {
		return genai.Completion{Text: text}, err
	}
}

func TestValidateKeywordSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, order := env.checkedOut(t, "5511999990201", "RUBI")
	if err := env.store.SetCustomerThread(ctx, c.ID, "conv_9"); err != nil {
		t.Fatalf("SetCustomerThread: %v", err)
	}
	env.model.completeFn = judgeReturns("```json\n{\"valido\": true, \"motivo\": \"contém RUBI\", \"palavra_detectada\": \"rubi\"}\n```", nil)

	res, err := env.pipeline.Validator.Validate(ctx, ValidateRequest{CustomerID: c.ID, Transcript: "é rubi", ThreadID: "conv_9"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Verified || res.OrderID != order.ID || res.Detected != "rubi" || res.After == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.After.OrderStatus != models.OrderDelivered || res.After.CustomerStatus != models.StatusBrowsing || !res.After.WhatsAppSent {
		t.Errorf("unexpected post validation: %+v", res.After)
	}

	got, _ := env.store.GetOrder(ctx, order.ID)
	if got.Status != models.OrderDelivered {
		t.Errorf("order status = %s, want delivered", got.Status)
	}
	updated := env.reload(t, c.ID)
	if updated.Status != models.StatusBrowsing || updated.ThreadID != "" {
		t.Errorf("customer = %s/%q, want navegando with no thread", updated.Status, updated.ThreadID)
	}
	if len(env.model.deleted) != 1 || env.model.deleted[0] != "conv_9" {
		t.Errorf("deleted threads = %v", env.model.deleted)
	}

	texts := env.msg.TextsTo(c.PhoneNumber)
	if len(texts) != 2 {
		t.Fatalf("texts = %q, want confirmation and delivery", texts)
	}
	if !strings.Contains(texts[0], "Validação concluída com sucesso, Ana!") || !strings.Contains(texts[1], "Ana, seu pedido está na porta!") {
		t.Errorf("texts = %q", texts)
	}
}

func TestValidateKeywordRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, order := env.checkedOut(t, "5511999990202", "RUBI")
	env.model.completeFn = judgeReturns(`{"valido": false, "motivo": "palavra diferente", "palavra_detectada": "safira"}`, nil)

	res, err := env.pipeline.Validator.Validate(ctx, ValidateRequest{CustomerID: c.ID, Transcript: "safira"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Verified || res.After != nil {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := env.reload(t, c.ID).Status; got != models.StatusFinalizing {
		t.Errorf("status = %s, want finalizando_pedido", got)
	}
	if got, _ := env.store.GetOrder(ctx, order.ID); got.Status != models.OrderInProgress {
		t.Errorf("order status = %s, want in_progress", got.Status)
	}
	texts := env.msg.TextsTo(c.PhoneNumber)
	if len(texts) != 1 || !strings.Contains(texts[0], "contendo a palavra *RUBI*") {
		t.Errorf("retry text = %q", texts)
	}
}

func TestValidateKeywordFallback(t *testing.T) {
	tests := []struct {
		name       string
		complete   func(string, genai.CompletionOptions) (genai.Completion, error)
		transcript string
		want       bool
	}{
		{"model error, keyword spoken", judgeReturns("", errors.New("timeout")), "a palavra é esméralda", true},
		{"garbage answer, keyword spoken", judgeReturns("sim, está certo", nil), "ESMERALDA", true},
		{"garbage answer, keyword missing", judgeReturns("não sei", nil), "diamante", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			c, _ := env.checkedOut(t, "5511999990203", "ESMERALDA")
			env.model.completeFn = tt.complete

			res, err := env.pipeline.Validator.Validate(context.Background(), ValidateRequest{CustomerID: c.ID, Transcript: tt.transcript})
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if res.Verified != tt.want {
				t.Errorf("Verified = %v, want %v (reason %q)", res.Verified, tt.want, res.Reason)
			}
			if !strings.HasPrefix(res.Reason, "Fallback:") {
				t.Errorf("reason = %q, want a fallback reason", res.Reason)
			}
		})
	}
}

func TestValidateWithoutInProgressOrder(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "5511999990204", models.StatusFinalizing)

	res, err := env.pipeline.Validator.Validate(context.Background(), ValidateRequest{CustomerID: c.ID, Transcript: "rubi"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Verified || res.Reason != reasonNoOrder {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(env.model.prompts) != 0 {
		t.Error("the judge must not be asked without an order")
	}
}

func TestValidateRequiresTranscript(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.checkedOut(t, "5511999990205", "OURO")
	if _, err := env.pipeline.Validator.Validate(context.Background(), ValidateRequest{CustomerID: c.ID, Transcript: "  "}); err == nil {
		t.Fatal("expected an error for an empty transcript")
	}
}

func TestMatchKeyword(t *testing.T) {
	tests := []struct {
		transcript, keyword string
		want                bool
	}{
		{"a palavra é Rubí", "RUBI", true},
		{"ESTEVÃO disse prata", "prata", true},
		{"é diamante", "ESMERALDA", false},
		{"qualquer coisa", "", false},
	}
	for _, tt := range tests {
		if got := MatchKeyword(tt.transcript, tt.keyword); got != tt.want {
			t.Errorf("MatchKeyword(%q, %q) = %v, want %v", tt.transcript, tt.keyword, got, tt.want)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	for in, want := range map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}```":       `{"a":1}`,
		` {"a":1} `:               `{"a":1}`,
	} {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}
