package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNextConversationStatus(t *testing.T) {
	tests := []struct {
		from   ConversationStatus
		event  ConversationEvent
		to     ConversationStatus
		effect Effect
	}{
		{StatusBrowsing, EventItemProposed, StatusOrdering, EffectSendProposal},
		{StatusOrdering, EventItemAdded, StatusOrdering, EffectNone},
		{StatusOrdering, EventContinueShopping, StatusBrowsing, EffectAskForMore},
		{StatusOrdering, EventCheckout, StatusFinalizing, EffectRequestKeyword},
		{StatusFinalizing, EventCartCancelled, StatusBrowsing, EffectConfirmCancelled},
		{StatusFinalizing, EventKeywordVerified, StatusAwaitingDelivery, EffectConfirmOrder},
		{StatusAwaitingDelivery, EventOrderDelivered, StatusBrowsing, EffectAnnounceDelivery},
		{ConversationStatus("legacy"), EventReset, StatusBrowsing, EffectGreet},
	}
	for _, tt := range tests {
		got, err := NextConversationStatus(tt.from, tt.event)
		if err != nil {
			t.Errorf("%s on %s: %v", tt.event, tt.from, err)
			continue
		}
		if got.To != tt.to || got.Effect != tt.effect {
			t.Errorf("%s on %s = %+v, want %s/%s", tt.event, tt.from, got, tt.to, tt.effect)
		}
	}
}

func TestNextConversationStatusRejects(t *testing.T) {
	rejected := []struct {
		from  ConversationStatus
		event ConversationEvent
	}{
		{StatusFinalizing, EventItemAdded},
		{StatusFinalizing, EventCheckout},
		{StatusAwaitingDelivery, EventItemProposed},
		{StatusBrowsing, EventKeywordVerified},
	}
	for _, tt := range rejected {
		if _, err := NextConversationStatus(tt.from, tt.event); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on %s: err = %v, want ErrInvalidTransition", tt.event, tt.from, err)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	if !OrderStarted.CanTransitionTo(OrderInProgress) || !OrderInProgress.CanTransitionTo(OrderConfirmed) {
		t.Error("forward transitions rejected")
	}
	if OrderConfirmed.CanTransitionTo(OrderStarted) || OrderDelivered.CanTransitionTo(OrderCancelled) {
		t.Error("backward or terminal transition accepted")
	}
	if OrderStatus("pending").Valid() {
		t.Error("unknown order status reported valid")
	}
}

func TestMoney(t *testing.T) {
	parse := []struct {
		in   string
		want Money
	}{
		{"40", 4000},
		{"40.5", 4050},
		{"40,50", 4050},
		{"R$ 6.50", 650},
	}
	for _, tt := range parse {
		got, err := ParseMoney(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMoney(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseMoney("barato"); err == nil {
		t.Error("expected an error for a non-numeric value")
	}

	if s := Money(8500).String(); s != "85.00" {
		t.Errorf("String = %q", s)
	}
	if s := Money(-250).String(); s != "-2.50" {
		t.Errorf("negative String = %q", s)
	}

	var decoded struct {
		A Money `json:"a"`
		B Money `json:"b"`
		C Money `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 80, "b": "12,30", "c": null}`), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.A != 8000 || decoded.B != 1230 || decoded.C != 0 {
		t.Errorf("decoded = %+v", decoded)
	}
	out, _ := json.Marshal(struct {
		Total Money `json:"total"`
	}{Total: 4000})
	if string(out) != `{"total":40.00}` {
		t.Errorf("Marshal = %s", out)
	}
}

func TestCartItemValidate(t *testing.T) {
	tests := []struct {
		item CartItem
		want error
	}{
		{CartItem{ProductID: "p1", Quantity: 1, UnitPrice: 100}, nil},
		{CartItem{Quantity: 1}, ErrEmptyProductID},
		{CartItem{ProductID: "p1"}, ErrInvalidQuantity},
		{CartItem{ProductID: "p1", Quantity: 1, UnitPrice: -1}, ErrNegativePrice},
	}
	for _, tt := range tests {
		if err := tt.item.Validate(); !errors.Is(err, tt.want) {
			t.Errorf("Validate(%+v) = %v, want %v", tt.item, err, tt.want)
		}
	}
}

func TestCustomerFirstName(t *testing.T) {
	var nilCustomer *Customer
	if got := nilCustomer.FirstName(); got != DefaultCustomerName {
		t.Errorf("nil FirstName = %q", got)
	}
	if got := (&Customer{Name: "  Ana Clara "}).FirstName(); got != "Ana" {
		t.Errorf("FirstName = %q", got)
	}
}

func TestButtonPayloadRoundTrip(t *testing.T) {
	item := &ProposedItem{ProductID: "p1", Name: "Pizza Margherita", Quantity: 2, UnitPrice: 4000, Total: 8000}
	id, err := ButtonPayload{Action: ActionAddAndFinalize, Item: item}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(id) > MaxButtonIDBytes {
		t.Errorf("id is %d bytes", len(id))
	}
	p, err := DecodeButtonPayload(id)
	if err != nil {
		t.Fatalf("DecodeButtonPayload: %v", err)
	}
	if p.Action != ActionAddAndFinalize || p.Item == nil || *p.Item != *item || p.Version != ButtonPayloadVersion {
		t.Errorf("decoded = %+v", p)
	}
}

func TestButtonPayloadBareAction(t *testing.T) {
	id, err := ButtonPayload{Action: ActionFinalizeOrder}.Encode()
	if err != nil || id != string(ActionFinalizeOrder) {
		t.Fatalf("Encode = %q, %v", id, err)
	}
	p, err := DecodeButtonPayload(" btn_cancelar_pedido ")
	if err != nil || p.Action != ActionCancelOrder {
		t.Errorf("Decode = %+v, %v", p, err)
	}
}

func TestButtonPayloadErrors(t *testing.T) {
	long := &ProposedItem{ProductID: "p1", Name: strings.Repeat("x", MaxButtonIDBytes), Quantity: 1, UnitPrice: 1, Total: 1}
	if _, err := (ButtonPayload{Action: ActionAddAndContinue, Item: long}).Encode(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversized err = %v", err)
	}

	tests := []struct {
		id   string
		want error
	}{
		{"", ErrEmptyButtonID},
		{"btn_desconhecido", ErrUnknownAction},
		{"add_e_continuar", ErrMissingItem},
		{`{"v":9,"action":"btn_finalizar_pedido"}`, ErrUnsupportedFormat},
		{`{"action":"add_e_finalizar","item":{"id":"p1","qty":0}}`, ErrInvalidQuantity},
	}
	for _, tt := range tests {
		if _, err := DecodeButtonPayload(tt.id); !errors.Is(err, tt.want) {
			t.Errorf("DecodeButtonPayload(%q) = %v, want %v", tt.id, err, tt.want)
		}
	}
}
