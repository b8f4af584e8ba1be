// Package models defines state management structures for OrderPipe conversations.
package models

import (
	"errors"
	"fmt"
)

// ConversationStatus is the customer's position in the ordering conversation.
type ConversationStatus string

const (
	// StatusBrowsing: the customer is talking to the model, no proposal pending.
	StatusBrowsing ConversationStatus = "navegando"
	// StatusOrdering: an item was proposed or added during this conversation.
	StatusOrdering ConversationStatus = "fazendo_pedido"
	// StatusFinalizing: the order is in progress and the spoken keyword is awaited.
	StatusFinalizing ConversationStatus = "finalizando_pedido"
	// StatusAwaitingDelivery: the order was confirmed and is being prepared.
	StatusAwaitingDelivery ConversationStatus = "aguardando_pedido"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusBrowsing, StatusOrdering, StatusFinalizing, StatusAwaitingDelivery:
		return true
	}
	return false
}

// Chatting reports whether messages in this status go to the model dialogue.
func (s ConversationStatus) Chatting() bool {
	return s == StatusBrowsing || s == StatusOrdering
}

// ConversationEvent drives a conversation status transition.
type ConversationEvent string

const (
	EventItemProposed     ConversationEvent = "item_proposed"
	EventItemAdded        ConversationEvent = "item_added"
	EventContinueShopping ConversationEvent = "continue_shopping"
	EventCheckout         ConversationEvent = "checkout"
	EventCartCancelled    ConversationEvent = "cart_cancelled"
	EventKeywordVerified  ConversationEvent = "keyword_verified"
	EventOrderDelivered   ConversationEvent = "order_delivered"
	EventReset            ConversationEvent = "reset"
)

// Effect names the outbound message a transition implies.
type Effect string

const (
	EffectNone             Effect = ""
	EffectSendProposal     Effect = "send_proposal"
	EffectSendCartUpdated  Effect = "send_cart_updated"
	EffectAskForMore       Effect = "ask_for_more"
	EffectRequestKeyword   Effect = "request_keyword"
	EffectConfirmCancelled Effect = "confirm_cancelled"
	EffectConfirmOrder     Effect = "confirm_order"
	EffectAnnounceDelivery Effect = "announce_delivery"
	EffectGreet            Effect = "greet"
)

// ErrInvalidTransition is returned when an event is not allowed in the current status.
var ErrInvalidTransition = errors.New("invalid conversation transition")

type transitionKey struct {
	from  ConversationStatus
	event ConversationEvent
}

// Transition is one row of the conversation transition table.
type Transition struct {
	To     ConversationStatus
	Effect Effect
}

var conversationTransitions = map[transitionKey]Transition{
	{StatusBrowsing, EventItemProposed}: {StatusOrdering, EffectSendProposal},
	{StatusOrdering, EventItemProposed}: {StatusOrdering, EffectSendProposal},

	{StatusBrowsing, EventItemAdded}: {StatusOrdering, EffectNone},
	{StatusOrdering, EventItemAdded}: {StatusOrdering, EffectNone},

	{StatusBrowsing, EventContinueShopping}: {StatusBrowsing, EffectAskForMore},
	{StatusOrdering, EventContinueShopping}: {StatusBrowsing, EffectAskForMore},

	{StatusBrowsing, EventCheckout}: {StatusFinalizing, EffectRequestKeyword},
	{StatusOrdering, EventCheckout}: {StatusFinalizing, EffectRequestKeyword},

	{StatusBrowsing, EventCartCancelled}:         {StatusBrowsing, EffectConfirmCancelled},
	{StatusOrdering, EventCartCancelled}:         {StatusBrowsing, EffectConfirmCancelled},
	{StatusFinalizing, EventCartCancelled}:       {StatusBrowsing, EffectConfirmCancelled},
	{StatusAwaitingDelivery, EventCartCancelled}: {StatusBrowsing, EffectConfirmCancelled},

	{StatusFinalizing, EventKeywordVerified}: {StatusAwaitingDelivery, EffectConfirmOrder},

	{StatusAwaitingDelivery, EventOrderDelivered}: {StatusBrowsing, EffectAnnounceDelivery},
}

// NextConversationStatus returns the transition for event applied in status from.
// EventReset is accepted from any status, including unknown ones.
func NextConversationStatus(from ConversationStatus, event ConversationEvent) (Transition, error) {
	if event == EventReset {
		return Transition{To: StatusBrowsing, Effect: EffectGreet}, nil
	}
	t, ok := conversationTransitions[transitionKey{from, event}]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q on %q", ErrInvalidTransition, event, from)
	}
	return t, nil
}

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	// OrderStarted is the active cart accepting new lines.
	OrderStarted OrderStatus = "started"
	// OrderInProgress awaits keyword confirmation.
	OrderInProgress OrderStatus = "in_progress"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStarted:    {OrderInProgress, OrderCancelled},
	OrderInProgress: {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderDelivered},
}

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStarted, OrderInProgress, OrderConfirmed, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether an order may move from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
