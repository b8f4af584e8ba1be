package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

const (
	judgeSystem    = "Responda somente com JSON válido. Sem comentários."
	judgeMaxTokens = 200

	reasonNoOrder        = "pedido_nao_encontrado"
	reasonMissingKeyword = "palavra_chave_ausente"
	reasonFallbackFound  = "Fallback: palavra encontrada"
	reasonFallbackMissed = "Fallback: palavra não encontrada"

	logNoOrder        = "⚠️ Não encontrei um pedido em andamento para validar sua palavra-chave."
	logMissingKeyword = "⚠️ Não foi possível validar: palavra-chave ausente no pedido."
	logConfirmed      = "✅ Palavra confirmada. Pedido validado e confirmado. ETA: 30 minutos."
	logDelivered      = "🚪 Entrega informada ao cliente: 'seu pedido está na porta'."
)

const judgePromptTemplate = `Você é um assistente de validação de pedidos por voz.
Sua função é confirmar se a transcrição de um áudio do cliente contém corretamente a PALAVRA-CHAVE de confirmação do pedido.

## PALAVRA CHAVE É.  %s
---
Regras:
- Se a transcrição contém claramente a palavra-chave (com pequenas variações) -> válido.
- Se não contém -> inválido.
- Ignore interjeições e ruídos.

Retorne APENAS JSON:
{
  "valido": true | false,
  "motivo": "explicação curta",
  "palavra_detectada": "texto ou vazio"
}

Transcrição do cliente: "%s"`

// ValidateRequest asks whether a transcript speaks the customer's order keyword.
type ValidateRequest struct {
	CustomerID string `json:"customer_id"`
	Transcript string `json:"transcript"`
	ThreadID   string `json:"thread_id,omitempty"` // deleted after a successful validation
}

// PostValidation reports what happened after a positive verdict.
type PostValidation struct {
	DelaySeconds   int                       `json:"delay_seconds"`
	OrderStatus    models.OrderStatus        `json:"order_status"`
	CustomerStatus models.ConversationStatus `json:"customer_status"`
	WhatsAppSent   bool                      `json:"whatsapp_sent"`
}

// ValidationResult is the verdict. A missing order or keyword is a negative
// result, not an error.
type ValidationResult struct {
	Verified bool            `json:"verified"`
	OrderID  string          `json:"order_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Detected string          `json:"detected,omitempty"`
	After    *PostValidation `json:"post_validation,omitempty"`
}

type judgeVerdict struct {
	Valid    bool   `json:"valido"`
	Reason   string `json:"motivo"`
	Detected string `json:"palavra_detectada"`
}

// KeywordValidator confirms the spoken keyword and completes the order.
type KeywordValidator struct {
	store store.Store
	model ModelService
	msg   MessagingService
	delay time.Duration
}

func NewKeywordValidator(st store.Store, model ModelService, msg MessagingService, delay time.Duration) *KeywordValidator {
	return &KeywordValidator{store: st, model: model, msg: msg, delay: delay}
}

// Validate judges the transcript. On success the order goes confirmed, then
// delivered after the delay, and the customer returns to navegando. On failure
// the customer is asked to try again and nothing changes.
func (v *KeywordValidator) Validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	if req.CustomerID == "" {
		return nil, models.ErrEmptyCustomerID
	}
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, fmt.Errorf("transcript is required")
	}
	c, err := v.store.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", cart.ErrCustomerNotFound, req.CustomerID)
	}

	order, err := v.store.GetInProgressOrder(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		slog.Warn("KeywordValidator.Validate: no in-progress order", "customer_id", c.ID)
		v.logMessage(ctx, c, logNoOrder)
		return &ValidationResult{Reason: reasonNoOrder}, nil
	}
	if order.Keyword == "" {
		slog.Warn("KeywordValidator.Validate: order has no keyword", "customer_id", c.ID, "order_id", order.ID)
		v.logMessage(ctx, c, logMissingKeyword)
		return &ValidationResult{OrderID: order.ID, Reason: reasonMissingKeyword}, nil
	}

	verdict := v.judge(ctx, order.Keyword, req.Transcript)
	res := &ValidationResult{Verified: verdict.Valid, OrderID: order.ID, Reason: verdict.Reason, Detected: verdict.Detected}
	slog.Info("KeywordValidator.Validate: verdict", "customer_id", c.ID, "order_id", order.ID,
		"verified", verdict.Valid, "reason", verdict.Reason)

	if !verdict.Valid {
		text := retryText(c.FirstName(), order.Keyword, verdict.Reason)
		v.send(ctx, c, text)
		v.logMessage(ctx, c, text)
		return res, nil
	}

	after, err := v.complete(ctx, c, order, req.ThreadID)
	if err != nil {
		return nil, err
	}
	res.After = after
	return res, nil
}

func (v *KeywordValidator) complete(ctx context.Context, c *models.Customer, order *models.Order, threadID string) (*PostValidation, error) {
	if _, err := store.AdvanceCustomer(ctx, v.store, c, models.EventKeywordVerified); err != nil {
		return nil, err
	}
	if err := v.store.TransitionOrder(ctx, order.ID, models.OrderInProgress, models.OrderConfirmed); err != nil {
		return nil, err
	}
	confirmSent := v.send(ctx, c, fmt.Sprintf(
		"✅ *Validação concluída com sucesso, %s!* \n\n"+
			"🙏 Obrigado por comprar com a gente mais uma vez.\n"+
			"🍽️ Já estamos preparando o seu pedido.\n\n"+
			"⏱️ *Tempo de entrega estimado: 30 minutos.*", c.FirstName()))
	v.logMessage(ctx, c, logConfirmed)

	if err := sleepContext(ctx, v.delay); err != nil {
		return nil, err
	}

	if strings.HasPrefix(threadID, threadIDPrefix) {
		if err := v.model.DeleteThread(ctx, threadID); err != nil {
			slog.Warn("KeywordValidator: thread delete failed", "thread_id", threadID, "error", err)
		}
		if c.ThreadID == threadID {
			if err := v.store.SetCustomerThread(ctx, c.ID, ""); err != nil {
				return nil, err
			}
			c.ThreadID = ""
		}
	}

	if err := v.store.TransitionOrder(ctx, order.ID, models.OrderConfirmed, models.OrderDelivered); err != nil {
		return nil, err
	}
	if _, err := store.AdvanceCustomer(ctx, v.store, c, models.EventOrderDelivered); err != nil {
		return nil, err
	}
	deliverySent := v.send(ctx, c, fmt.Sprintf(
		"🚪 *%s, seu pedido está na porta!*\n\n"+
			"😋 Agora é só saborear.\n\n"+
			"🙏 Obrigado por escolher a gente — até a próxima!", c.FirstName()))
	v.logMessage(ctx, c, logDelivered)

	return &PostValidation{
		DelaySeconds:   int(v.delay / time.Second),
		OrderStatus:    models.OrderDelivered,
		CustomerStatus: c.Status,
		WhatsAppSent:   confirmSent && deliverySent,
	}, nil
}

// judge asks the model for a verdict and falls back to substring matching
// when the call fails or its answer is not the expected JSON.
func (v *KeywordValidator) judge(ctx context.Context, keyword, transcript string) judgeVerdict {
	out, err := v.model.Complete(ctx, fmt.Sprintf(judgePromptTemplate, keyword, transcript), genai.CompletionOptions{
		System:      judgeSystem,
		Temperature: genai.Temperature(0),
		MaxTokens:   judgeMaxTokens,
	})
	if err != nil {
		slog.Warn("KeywordValidator.judge: model call failed, using fallback", "error", err)
		return fallbackVerdict(keyword, transcript)
	}
	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(stripCodeFence(out.Text)), &verdict); err != nil {
		slog.Warn("KeywordValidator.judge: unparseable verdict, using fallback", "raw", out.Text)
		return fallbackVerdict(keyword, transcript)
	}
	return verdict
}

func fallbackVerdict(keyword, transcript string) judgeVerdict {
	if MatchKeyword(transcript, keyword) {
		return judgeVerdict{Valid: true, Reason: reasonFallbackFound}
	}
	return judgeVerdict{Valid: false, Reason: reasonFallbackMissed}
}

// MatchKeyword reports whether the transcript contains the keyword, ignoring
// case and diacritics.
func MatchKeyword(transcript, keyword string) bool {
	k := normalizeKeyword(keyword)
	if k == "" {
		return false
	}
	return strings.Contains(normalizeKeyword(transcript), k)
}

func normalizeKeyword(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, strings.ToUpper(s))
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	return strings.TrimSpace(out)
}

// stripCodeFence removes a ```json ... ``` wrapper around model output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func retryText(firstName, keyword, reason string) string {
	lower := strings.ToLower(reason)
	base := fmt.Sprintf("❌ Palavra não confere. Por favor, envie um áudio contendo a palavra *%s*", keyword)
	if strings.Contains(lower, "não sabe") || strings.Contains(lower, "nao sabe") {
		base = fmt.Sprintf("Envie um áudio com a palavra *%s*", keyword)
	}
	return fmt.Sprintf("⚠️ *%s*, precisamos confirmar sua identidade.\n\n%s\n\n"+
		"Se preferir, diga apenas a palavra-chave devagar e de forma clara. 🙂", firstName, base)
}

// send delivers a message best-effort and reports whether it went out.
func (v *KeywordValidator) send(ctx context.Context, c *models.Customer, text string) bool {
	if err := v.msg.SendText(ctx, c.PhoneNumber, text); err != nil {
		slog.Error("KeywordValidator: send failed", "customer_id", c.ID, "error", err)
		return false
	}
	return true
}

// logMessage records a validator event in the inbound message log.
func (v *KeywordValidator) logMessage(ctx context.Context, c *models.Customer, text string) {
	m := &models.InboundMessage{CustomerID: c.ID, PhoneNumber: c.PhoneNumber, Body: text}
	if err := v.store.AddInboundMessage(ctx, m); err != nil {
		slog.Error("KeywordValidator: failed to log message", "customer_id", c.ID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
