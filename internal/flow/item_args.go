package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// ItemArgs is an item as the order tool and the HTTP API describe it. Keys are
// accepted in English or in the Portuguese of the prompt tools, and numbers may
// arrive as JSON strings. Value is the line total for proposals and the unit
// price for direct cart additions.
type ItemArgs struct {
	ProductID   string       `json:"product_id"`
	ProductName string       `json:"product_name"`
	Quantity    int          `json:"quantity"`
	Value       models.Money `json:"value"`
}

var itemArgKeys = map[string][]string{
	"id":    {"product_id", "id_produto"},
	"name":  {"product_name", "nome_produto"},
	"qty":   {"quantity", "quantidade"},
	"value": {"value", "valor", "valor_total", "unit_price"},
}

func (a *ItemArgs) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid item: %w", err)
	}
	pick := func(field string) json.RawMessage {
		for _, k := range itemArgKeys[field] {
			if v, ok := raw[k]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				return v
			}
		}
		return nil
	}

	var out ItemArgs
	if v := pick("id"); v != nil {
		if err := unmarshalLooseString(v, &out.ProductID); err != nil {
			return fmt.Errorf("invalid product id: %w", err)
		}
	}
	if v := pick("name"); v != nil {
		if err := json.Unmarshal(v, &out.ProductName); err != nil {
			return fmt.Errorf("invalid product name: %w", err)
		}
	}
	if v := pick("qty"); v != nil {
		q, err := parseLooseInt(v)
		if err != nil {
			return fmt.Errorf("invalid quantity: %w", err)
		}
		out.Quantity = q
	}
	if v := pick("value"); v != nil {
		if err := out.Value.UnmarshalJSON(v); err != nil {
			return err
		}
	}
	*a = out
	return nil
}

// ParseItemArgs decodes tool-call arguments.
func ParseItemArgs(arguments string) (ItemArgs, error) {
	var a ItemArgs
	if err := json.Unmarshal([]byte(arguments), &a); err != nil {
		return ItemArgs{}, err
	}
	return a, nil
}

// Proposed treats Value as the line total.
func (a ItemArgs) Proposed() models.ProposedItem {
	return NewProposedItem(a.ProductID, a.ProductName, a.Quantity, a.Value)
}

// CartItem treats Value as the unit price.
func (a ItemArgs) CartItem() models.CartItem {
	return models.CartItem{
		ProductID:   a.ProductID,
		ProductName: a.ProductName,
		Quantity:    a.Quantity,
		UnitPrice:   a.Value,
	}
}

func unmarshalLooseString(data json.RawMessage, dst *string) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, dst)
	}
	// numeric ids
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*dst = n.String()
	return nil
}

func parseLooseInt(data json.RawMessage) (int, error) {
	data = bytes.TrimSpace(data)
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(data)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not a whole number", s)
	}
	return int(f), nil
}
