package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// CustomerNames are assigned at random to customers seen for the first time.
var CustomerNames = []string{
	"João", "Maria", "Marcio", "Carlos", "Paulo", "Junior", "Elcio", "Luiz", "Estevão",
	"Vinicius", "Ana", "Pedro", "Lucas", "Fernanda", "Rafael", "Juliana", "Ricardo", "Camila",
}

// OrderKeywords is the vocabulary of one-time confirmation keywords.
var OrderKeywords = []string{"SAFIRA", "RUBI", "ESMERALDA", "DIAMANTE", "OURO", "PRATA"}

// Informational outcomes of the inbound router.
const (
	IgnoredGroup       = "ok: group message ignored"
	IgnoredEmptyText   = "ok: empty text message"
	IgnoredEmptyAudio  = "ok: empty audio message"
	IgnoredEmptyButton = "ok: empty button response"
	IgnoredNoMessageID = "ok: no message id"
	IgnoredDuplicate   = "ok: message already processed/processing"
	IgnoredUnsupported = "ok: unsupported message type"

	// AcceptedMessage is the reply to an inbound message that was taken.
	AcceptedMessage = "Mensagem recebida e orquestrador acionado."
)

const (
	presenceTimeout = 10 * time.Second
	cartTitle       = "🛒 Carrinho Atualizado"

	textItemCancelled   = "❌ Item cancelado.\n\nO que você gostaria de fazer agora?"
	textAddMore         = "Ok, pode dizer ou digitar o que mais você gostaria de adicionar."
	textEmptyCart       = "Seu carrinho está vazio. O que gostaria de pedir?"
	textOrderCancelled  = "Sem problemas. Seu pedido anterior foi cancelado.\n\nPode começar um novo. O que gostaria de pedir?"
	textCheckoutAdded   = "✅ Pedido confirmado com sucesso!\n\nPara confirmar sua identidade e continuar, nos envie um *ÁUDIO* com a palavra:\n\n🔑 *%s*"
	textCheckoutCart    = "Perfeito! Para confirmar seu pedido, por favor, me envie uma *MENSAGEM DE ÁUDIO* dizendo apenas o código:\n\n*%s*"
	textKeywordReminder = "🎙️ Para confirmar seu pedido, envie um *ÁUDIO* dizendo a palavra-chave *%s*."
	textAudioReminder   = "🎙️ Para confirmar seu pedido, envie um *ÁUDIO* dizendo a palavra-chave."
	textWelcome         = "Olá, %s! 👋\n\nSeja muito bem-vindo(a) ao nosso delivery! 🍔\n\n" +
		"Estou aqui para te ajudar a fazer seu pedido de forma rápida e fácil.\n\n" +
		"Pode me enviar mensagem de texto ou áudio, como preferir!\n\n" +
		"O que gostaria de pedir hoje? 😊"
)

var nonDigits = regexp.MustCompile(`\D`)

// CartUpdatedMessage is the button message sent after an item lands in the cart.
func CartUpdatedMessage(summary string) messaging.ButtonMessage {
	return messaging.ButtonMessage{
		Title:  cartTitle,
		Text:   "Perfeito! Adicionei ao seu carrinho:\n\n" + summary + "\n\nDeseja adicionar mais algo?",
		Footer: proposalFooter,
		Buttons: []messaging.Button{
			{ID: string(models.ActionFinalizeOrder), Text: "✅ Finalizar Pedido"},
			{ID: string(models.ActionAddMoreItems), Text: "➕ Adicionar Mais"},
			{ID: string(models.ActionCancelOrder), Text: "❌ Cancelar Tudo"},
		},
	}
}

// CancelConfirmation is the reply to a cart cancellation.
func CancelConfirmation(hadOrder bool) string {
	if hadOrder {
		return "Pedido cancelado. Pode começar um novo pedido, o que gostaria?"
	}
	return "Você não tem um pedido em aberto. Pode começar um novo, o que gostaria?"
}

// Outcome describes what the router did with an inbound message.
type Outcome struct {
	// Ignored is set when nothing was done; it is the informational reply.
	Ignored    string              `json:"-"`
	CustomerID string              `json:"customer_id,omitempty"`
	MessageID  string              `json:"message_id,omitempty"`
	JobID      string              `json:"job_id,omitempty"`
	Action     models.ButtonAction `json:"action,omitempty"`
}

// InboundRouter takes a normalized inbound message, makes sure the customer
// exists and routes text, audio and button replies.
type InboundRouter struct {
	store       store.Store
	msg         MessagingService
	carts       *cart.Engine
	dedup       *DedupGate
	jobs        *JobDispatcher
	pickName    func() string
	pickKeyword func() string
}

func NewInboundRouter(st store.Store, msg MessagingService, carts *cart.Engine, dedup *DedupGate, jobs *JobDispatcher) *InboundRouter {
	return &InboundRouter{
		store:       st,
		msg:         msg,
		carts:       carts,
		dedup:       dedup,
		jobs:        jobs,
		pickName:    func() string { return util.RandomChoice(CustomerNames) },
		pickKeyword: func() string { return util.RandomChoice(OrderKeywords) },
	}
}

// HandleWebhook normalizes a gateway webhook and routes it.
func (r *InboundRouter) HandleWebhook(ctx context.Context, ev WebhookEvent) (*Outcome, error) {
	in, err := ev.Normalize()
	if err != nil {
		return nil, err
	}
	return r.Handle(ctx, in)
}

// Handle routes one inbound message. Text and audio are acknowledged once the
// work is queued; button replies run inline under the dedup gate.
func (r *InboundRouter) Handle(ctx context.Context, in messaging.Inbound) (*Outcome, error) {
	if in.IsGroup {
		slog.Debug("InboundRouter.Handle: group message ignored", "message_id", in.MessageID)
		return &Outcome{Ignored: IgnoredGroup}, nil
	}
	phone := nonDigits.ReplaceAllString(in.Phone, "")
	if phone == "" {
		return nil, ErrMissingPhone
	}

	c, err := r.customerFor(ctx, phone)
	if err != nil {
		return nil, err
	}
	r.presence(ctx, phone)
	slog.Info("InboundRouter.Handle", "customer_id", c.ID, "kind", in.Kind, "message_id", in.MessageID)

	out := &Outcome{CustomerID: c.ID}
	switch in.Kind {
	case messaging.KindText:
		return r.handleText(ctx, c, strings.TrimSpace(in.Text), out)
	case messaging.KindAudio:
		if len(in.Audio) == 0 {
			out.Ignored = IgnoredEmptyAudio
			return out, nil
		}
		req := AudioRequest{CustomerID: c.ID, PhoneNumber: phone, AudioBase64: base64.StdEncoding.EncodeToString(in.Audio)}
		jobID, err := r.jobs.DispatchAudio(ctx, req, in.MessageID)
		if err != nil {
			return nil, err
		}
		out.JobID = jobID
		return out, nil
	case messaging.KindButton:
		return r.handleButton(ctx, c, in, out)
	default:
		out.Ignored = IgnoredUnsupported
		return out, nil
	}
}

func (r *InboundRouter) handleText(ctx context.Context, c *models.Customer, text string, out *Outcome) (*Outcome, error) {
	if text == "" {
		out.Ignored = IgnoredEmptyText
		return out, nil
	}
	msg := &models.InboundMessage{CustomerID: c.ID, PhoneNumber: c.PhoneNumber, Body: text}
	if err := r.store.AddInboundMessage(ctx, msg); err != nil {
		return nil, err
	}
	out.MessageID = msg.ID

	// The keyword is only accepted spoken; text gets a reminder and never reaches the model.
	if c.Status == models.StatusFinalizing {
		reminder, err := r.keywordReminder(ctx, c)
		if err != nil {
			return nil, err
		}
		r.send(ctx, c, reminder)
		if err := r.store.SetMessageResponse(ctx, msg.ID, reminder); err != nil {
			return nil, err
		}
		return out, nil
	}

	jobID, err := r.jobs.DispatchOrchestration(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	out.JobID = jobID
	return out, nil
}

func (r *InboundRouter) keywordReminder(ctx context.Context, c *models.Customer) (string, error) {
	o, err := r.store.GetInProgressOrder(ctx, c.ID)
	if err != nil {
		return "", err
	}
	if o == nil || o.Keyword == "" {
		return textAudioReminder, nil
	}
	return fmt.Sprintf(textKeywordReminder, o.Keyword), nil
}

func (r *InboundRouter) handleButton(ctx context.Context, c *models.Customer, in messaging.Inbound, out *Outcome) (*Outcome, error) {
	if strings.TrimSpace(in.ButtonID) == "" {
		out.Ignored = IgnoredEmptyButton
		return out, nil
	}
	if in.MessageID == "" {
		out.Ignored = IgnoredNoMessageID
		return out, nil
	}
	out.MessageID = in.MessageID

	metadata, err := json.Marshal(map[string]string{
		"selectedButtonId":    in.ButtonID,
		"selectedDisplayText": in.ButtonText,
	})
	if err != nil {
		return nil, err
	}
	entry := store.LedgerEntry{
		MessageID:  in.MessageID,
		EventType:  "button_response",
		CustomerID: c.ID,
		Metadata:   metadata,
	}
	ran, err := r.dedup.Run(ctx, entry, func(ctx context.Context) error {
		p, err := models.DecodeButtonPayload(in.ButtonID)
		if err != nil {
			return err
		}
		out.Action = p.Action
		return r.runAction(ctx, c, p)
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		out.Ignored = IgnoredDuplicate
	}
	return out, nil
}

// runAction performs one button action. Replies are best-effort.
func (r *InboundRouter) runAction(ctx context.Context, c *models.Customer, p models.ButtonPayload) error {
	slog.Info("InboundRouter.runAction", "customer_id", c.ID, "action", p.Action)
	switch p.Action {
	case models.ActionAddAndContinue:
		res, err := r.carts.AddItem(ctx, c.ID, p.Item.CartItem())
		if err != nil {
			return err
		}
		if _, err := store.AdvanceCustomer(ctx, r.store, res.Customer, models.EventContinueShopping); err != nil {
			return err
		}
		if err := r.msg.SendButtons(ctx, c.PhoneNumber, CartUpdatedMessage(res.Cart.Summary())); err != nil {
			slog.Error("InboundRouter.runAction: cart message failed", "customer_id", c.ID, "error", err)
		}
		return nil

	case models.ActionAddAndFinalize:
		res, err := r.carts.AddItem(ctx, c.ID, p.Item.CartItem())
		if err != nil {
			return err
		}
		return r.checkout(ctx, res.Customer, res.Order, textCheckoutAdded)

	case models.ActionCancelProposed:
		r.send(ctx, c, textItemCancelled)
		return nil

	case models.ActionFinalizeOrder:
		snap, err := r.carts.Snapshot(ctx, c.ID)
		if err != nil {
			return err
		}
		if snap.Order == nil || len(snap.Lines) == 0 {
			r.send(ctx, c, textEmptyCart)
			return nil
		}
		return r.checkout(ctx, c, snap.Order, textCheckoutCart)

	case models.ActionAddMoreItems:
		if _, err := store.AdvanceCustomer(ctx, r.store, c, models.EventContinueShopping); err != nil {
			return err
		}
		r.send(ctx, c, textAddMore)
		return nil

	case models.ActionCancelOrder:
		if _, err := r.carts.CancelActiveOrder(ctx, c.ID); err != nil {
			return err
		}
		r.send(ctx, c, textOrderCancelled)
		return nil
	}
	return fmt.Errorf("%w: %q", models.ErrUnknownAction, p.Action)
}

// checkout moves the cart to in_progress under a fresh keyword and asks for it spoken.
func (r *InboundRouter) checkout(ctx context.Context, c *models.Customer, order *models.Order, textFormat string) error {
	if _, err := models.NextConversationStatus(c.Status, models.EventCheckout); err != nil {
		return err
	}
	keyword := r.pickKeyword()
	if err := r.store.CheckoutOrder(ctx, order.ID, keyword); err != nil {
		return err
	}
	if _, err := store.AdvanceCustomer(ctx, r.store, c, models.EventCheckout); err != nil {
		return err
	}
	slog.Info("InboundRouter.checkout: awaiting keyword", "customer_id", c.ID, "order_id", order.ID)
	r.send(ctx, c, fmt.Sprintf(textFormat, keyword))
	return nil
}

// customerFor returns the customer for a phone number, creating and greeting a new one.
func (r *InboundRouter) customerFor(ctx context.Context, phone string) (*models.Customer, error) {
	c, err := r.store.GetCustomerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	name := r.pickName()
	c, created, err := r.store.CreateCustomer(ctx, phone, name, models.StatusBrowsing)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("InboundRouter.customerFor: new customer", "customer_id", c.ID, "name", c.Name)
		r.send(ctx, c, fmt.Sprintf(textWelcome, c.Name))
	}
	return c, nil
}

// presence shows the typing indicator without holding up the request.
func (r *InboundRouter) presence(ctx context.Context, phone string) {
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
		defer cancel()
		if err := r.msg.SendPresence(pctx, phone); err != nil {
			slog.Warn("InboundRouter.presence: failed", "phone", phone, "error", err)
		}
	}()
}

func (r *InboundRouter) send(ctx context.Context, c *models.Customer, text string) {
	if err := r.msg.SendText(ctx, c.PhoneNumber, text); err != nil {
		slog.Error("InboundRouter.send: failed", "customer_id", c.ID, "error", err)
	}
}

// WebhookEvent is the api-wa.me inbound webhook body.
type WebhookEvent struct {
	Instance string       `json:"instance"`
	Data     *WebhookData `json:"data"`
}

// WebhookData is the message part of a webhook. The sender may appear under
// remoteJid, from or sender depending on the gateway version.
type WebhookData struct {
	IsGroup      bool            `json:"isGroup"`
	RemoteJID    string          `json:"remoteJid"`
	From         string          `json:"from"`
	Sender       string          `json:"sender"`
	MessageType  string          `json:"messageType"`
	MsgContent   *WebhookContent `json:"msgContent"`
	FileBase64   string          `json:"fileBase64"`
	Text         string          `json:"text"`
	Conversation string          `json:"conversation"`
	MessageID    string          `json:"messageId"`
	Key          struct {
		ID string `json:"id"`
	} `json:"key"`
}

// WebhookContent is the raw WhatsApp message content.
type WebhookContent struct {
	Conversation        string `json:"conversation"`
	Text                string `json:"text"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ButtonsResponseMessage *struct {
		SelectedButtonID    string `json:"selectedButtonId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
}

var (
	ErrMissingInstance = errors.New("instance key is missing")
	ErrMissingData     = errors.New("data object is missing")
)

// Normalize converts the webhook into an inbound message.
func (e WebhookEvent) Normalize() (messaging.Inbound, error) {
	if e.Instance == "" {
		return messaging.Inbound{}, ErrMissingInstance
	}
	d := e.Data
	if d == nil {
		return messaging.Inbound{}, ErrMissingData
	}
	in := messaging.Inbound{IsGroup: d.IsGroup, MessageID: d.Key.ID}
	if in.MessageID == "" {
		in.MessageID = d.MessageID
	}
	if d.IsGroup {
		return in, nil
	}
	in.Phone = firstNonEmpty(d.RemoteJID, d.From, d.Sender)

	switch d.MessageType {
	case "conversation", "extendedTextMessage":
		in.Kind = messaging.KindText
		in.Text = d.text()
	case "audioMessage":
		in.Kind = messaging.KindAudio
		if strings.TrimSpace(d.FileBase64) != "" {
			audio, err := DecodeAudio(d.FileBase64)
			if err != nil && !errors.Is(err, genai.ErrEmptyAudio) {
				return messaging.Inbound{}, err
			}
			in.Audio = audio
		}
	case "messageContextInfo":
		in.Kind = messaging.KindButton
		if c := d.MsgContent; c != nil && c.ButtonsResponseMessage != nil {
			in.ButtonID = c.ButtonsResponseMessage.SelectedButtonID
			in.ButtonText = c.ButtonsResponseMessage.SelectedDisplayText
		}
	default:
		in.Kind = messaging.KindOther
	}
	return in, nil
}

func (d *WebhookData) text() string {
	var candidates []string
	if c := d.MsgContent; c != nil {
		candidates = append(candidates, c.Conversation, c.Text)
		if c.ExtendedTextMessage != nil {
			candidates = append(candidates, c.ExtendedTextMessage.Text)
		}
	}
	candidates = append(candidates, d.Text, d.Conversation)
	return firstNonEmpty(candidates...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
