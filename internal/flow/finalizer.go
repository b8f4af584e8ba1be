package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

const (
	threadIDPrefix     = "conv_"
	historyLimit       = 50
	emptyHistory       = "[Conversa iniciada]"
	seedAcknowledgment = "Entendido! Continuando o atendimento."
	summaryTemperature = 0.3
	summaryMaxTokens   = 2000
)

const summaryPrompt = `Você é o encarregado de resumir o histórico de conversa de um sistema de delivery por WhatsApp.

Você receberá um histórico de conversação que precisou ser resumido para a criação de uma nova conversation (devido a limitações técnicas da API Conversations da OpenAI).

INSTRUÇÕES CRÍTICAS:

1. **Organize de forma clara e estruturada** todos os dados relevantes mencionados
2. **Seja resumido mas completo** - a IA deve ter noção de TUDO que foi discutido
3. **Diferencie intenções de ações confirmadas**:
   - ❌ "O cliente perguntou sobre hambúrguer" ≠ Pedido feito
   - ✅ "O cliente adicionou 2x Hambúrguer ao carrinho" = Ação confirmada

4. **Identifique e marque claramente**:
   - 🛒 ITENS NO CARRINHO (produtos confirmados)
   - 💰 VALORES (preços unitários e total)
   - ❓ DÚVIDAS do cliente sobre o cardápio
   - 💬 CONVERSAS gerais (saudações, pedidos de informação)
   - 🔧 TOOLS EXECUTADAS (` + OrderToolName + `)
   - ⚠️ PROBLEMAS relatados pelo cliente

5. **Mantenha valores numéricos exatos**: quantidades, preços, totais
6. **Preserve o contexto**: "agora", "hoje", horários
7. **Inclua o resultado de tools executadas** se houver

FORMATO DE SAÍDA:

Resumo da conversa do delivery:

[Organize em tópicos claros com os dados relevantes]

---

HISTÓRICO A SER RESUMIDO:
`

// OrderInfo describes the item the model just identified.
type OrderInfo struct {
	ProductName string        `json:"product_name"`
	Quantity    int           `json:"quantity"`
	Value       models.Money  `json:"value"`
	CartTotal   *models.Money `json:"cart_total,omitempty"`
}

// FinalizeRequest asks for a thread to be compacted into a fresh one.
type FinalizeRequest struct {
	ThreadID   string     `json:"thread_id"`
	ToolResult string     `json:"tool_result"`
	Order      *OrderInfo `json:"order,omitempty"`
}

// FinalizeResult is the outcome of a thread migration.
type FinalizeResult struct {
	NewThreadID    string      `json:"new_thread_id"`
	OldThreadID    string      `json:"old_thread_id"`
	Summary        string      `json:"summary"`
	ItemsProcessed int         `json:"items_processed"`
	Usage          genai.Usage `json:"usage"`
}

// Finalizer moves a conversation past a tool call by summarizing its thread
// into a new one, since a tool result cannot be injected into the old thread.
type Finalizer struct {
	model ModelService
}

func NewFinalizer(model ModelService) *Finalizer {
	return &Finalizer{model: model}
}

// Finalize runs the migration. Any failed model call aborts it; a thread created
// but not seeded is deleted before returning.
func (f *Finalizer) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if !strings.HasPrefix(req.ThreadID, threadIDPrefix) {
		return nil, fmt.Errorf("%w: expected %sXXX, got %q", ErrInvalidThreadID, threadIDPrefix, req.ThreadID)
	}

	items, err := f.model.ListThreadItems(ctx, req.ThreadID, historyLimit)
	if err != nil {
		return nil, err
	}
	transcript := renderHistory(items, req)

	summary, err := f.model.Complete(ctx, summaryPrompt+transcript+"\n", genai.CompletionOptions{
		Temperature: genai.Temperature(summaryTemperature),
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize thread: %w", err)
	}

	metadata := map[string]string{
		"tipo":             "delivery",
		"migrada_de":       req.ThreadID,
		"tem_pedido_ativo": strconv.FormatBool(req.Order != nil),
	}
	newID, err := f.model.CreateThread(ctx, metadata)
	if err != nil {
		return nil, err
	}
	seed := []genai.ThreadItem{genai.UserText(summary.Text), genai.AssistantText(seedAcknowledgment)}
	if err := f.model.AddThreadItems(ctx, newID, seed); err != nil {
		if delErr := f.model.DeleteThread(ctx, newID); delErr != nil {
			slog.Warn("Finalizer.Finalize: orphaned thread left behind", "thread_id", newID, "error", delErr)
		}
		return nil, err
	}

	slog.Info("Finalizer.Finalize: thread migrated", "old_thread_id", req.ThreadID, "new_thread_id", newID,
		"items", len(items), "tokens", summary.Usage.Total)
	return &FinalizeResult{
		NewThreadID:    newID,
		OldThreadID:    req.ThreadID,
		Summary:        summary.Text,
		ItemsProcessed: len(items),
		Usage:          summary.Usage,
	}, nil
}

// renderHistory renders newest-first thread items oldest-first, followed by the
// tool result and order lines.
func renderHistory(items []genai.ThreadItem, req FinalizeRequest) string {
	var b strings.Builder
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Type == "function_call" {
			writeToolCall(&b, item.Name, item.Arguments)
			continue
		}
		role := "ATENDENTE"
		if item.Role == "user" {
			role = "CLIENTE"
		}
		for _, c := range item.Content {
			switch c.Type {
			case "input_text", "output_text":
				fmt.Fprintf(&b, "\n[%s]: %s\n", role, c.Text)
			case "function_call":
				writeToolCall(&b, c.Name, c.Arguments)
			}
		}
	}
	if req.ToolResult != "" {
		fmt.Fprintf(&b, "\n[TOOL RESULTADO]: %s\n", req.ToolResult)
	}
	if o := req.Order; o != nil {
		cartTotal := "N/A"
		if o.CartTotal != nil {
			cartTotal = o.CartTotal.String()
		}
		b.WriteString("\n[PEDIDO PROCESSADO]:\n")
		fmt.Fprintf(&b, "- Produto: %s\n", o.ProductName)
		fmt.Fprintf(&b, "- Quantidade: %d\n", o.Quantity)
		fmt.Fprintf(&b, "- Valor: R$ %s\n", o.Value)
		fmt.Fprintf(&b, "- Total do Carrinho: R$ %s\n", cartTotal)
	}
	if strings.TrimSpace(b.String()) == "" {
		return emptyHistory
	}
	return b.String()
}

func writeToolCall(b *strings.Builder, name, args string) {
	if name == "" {
		name = "desconhecida"
	}
	fmt.Fprintf(b, "\n[TOOL CHAMADA]: %s\n", name)
	if args != "" {
		fmt.Fprintf(b, "Argumentos: %s\n", args)
	}
}
