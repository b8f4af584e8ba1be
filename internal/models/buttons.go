package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxButtonIDBytes is the largest button identifier the messaging channel accepts.
const MaxButtonIDBytes = 256

// ButtonPayloadVersion is the current payload schema version.
const ButtonPayloadVersion = 1

// ButtonAction tags a button payload.
type ButtonAction string

const (
	// Proposal buttons.
	ActionAddAndContinue ButtonAction = "add_e_continuar"
	ActionAddAndFinalize ButtonAction = "add_e_finalizar"
	ActionCancelProposed ButtonAction = "cancelar_item_proposto"

	// Cart buttons, sent after an item is added.
	ActionFinalizeOrder ButtonAction = "btn_finalizar_pedido"
	ActionAddMoreItems  ButtonAction = "btn_adicionar_mais_itens"
	ActionCancelOrder   ButtonAction = "btn_cancelar_pedido"
)

var (
	ErrPayloadTooLarge   = errors.New("button payload exceeds size limit")
	ErrUnknownAction     = errors.New("unknown button action")
	ErrMissingItem       = errors.New("button action requires an item")
	ErrEmptyButtonID     = errors.New("button id cannot be empty")
	ErrUnsupportedFormat = errors.New("unsupported button payload version")
)

// RequiresItem reports whether the action carries a proposed item.
func (a ButtonAction) RequiresItem() bool {
	return a == ActionAddAndContinue || a == ActionAddAndFinalize
}

// Valid reports whether a is a known action.
func (a ButtonAction) Valid() bool {
	switch a {
	case ActionAddAndContinue, ActionAddAndFinalize, ActionCancelProposed,
		ActionFinalizeOrder, ActionAddMoreItems, ActionCancelOrder:
		return true
	}
	return false
}

// ProposedItem is the item embedded in a proposal button. Keys are short to fit the size bound.
type ProposedItem struct {
	ProductID string `json:"id"`
	Name      string `json:"name"`
	Quantity  int    `json:"qty"`
	UnitPrice Money  `json:"unit"`
	Total     Money  `json:"total"`
}

// CartItem converts the proposal into a cart line.
func (p ProposedItem) CartItem() CartItem {
	return CartItem{
		ProductID:   p.ProductID,
		ProductName: p.Name,
		Quantity:    p.Quantity,
		UnitPrice:   p.UnitPrice,
	}
}

// ButtonPayload is the document carried in a button's identifier.
type ButtonPayload struct {
	Version int           `json:"v"`
	Action  ButtonAction  `json:"action"`
	Item    *ProposedItem `json:"item,omitempty"`
}

// Validate checks the action and its required item.
func (p ButtonPayload) Validate() error {
	if !p.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}
	if p.Action.RequiresItem() {
		if p.Item == nil {
			return fmt.Errorf("%w: %s", ErrMissingItem, p.Action)
		}
		if err := p.Item.CartItem().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes the payload into a button id, failing if it exceeds MaxButtonIDBytes.
func (p ButtonPayload) Encode() (string, error) {
	if p.Version == 0 {
		p.Version = ButtonPayloadVersion
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	// Bare actions keep the legacy plain-id form so older clients still route them.
	if p.Item == nil && !p.Action.RequiresItem() {
		return string(p.Action), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal button payload: %w", err)
	}
	if len(data) > MaxButtonIDBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), MaxButtonIDBytes)
	}
	return string(data), nil
}

// DecodeButtonPayload parses a selected button id: either a JSON payload or a bare action id.
func DecodeButtonPayload(id string) (ButtonPayload, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ButtonPayload{}, ErrEmptyButtonID
	}

	var p ButtonPayload
	if strings.HasPrefix(id, "{") {
		if err := json.Unmarshal([]byte(id), &p); err != nil {
			return ButtonPayload{}, fmt.Errorf("failed to parse button payload: %w", err)
		}
		if p.Version == 0 {
			p.Version = ButtonPayloadVersion
		}
		if p.Version > ButtonPayloadVersion {
			return ButtonPayload{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, p.Version)
		}
	} else {
		p = ButtonPayload{Version: ButtonPayloadVersion, Action: ButtonAction(id)}
	}

	if err := p.Validate(); err != nil {
		return ButtonPayload{}, err
	}
	return p, nil
}
