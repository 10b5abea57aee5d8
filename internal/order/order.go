package order

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeDelivery Type = "delivery"
	TypePickup   Type = "pickup"
	TypeDineIn   Type = "dine_in"
)

// ParseType maps the order store's values (French or English) to a Type.
// Unknown values are kept verbatim.
func ParseType(raw string) Type {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "livraison", "delivery":
		return TypeDelivery
	case "emporter", "a_emporter", "takeaway", "takeout", "pickup":
		return TypePickup
	case "sur_place", "surplace", "dine_in", "dine-in":
		return TypeDineIn
	default:
		return Type(strings.TrimSpace(raw))
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Order is a read-only snapshot of a row owned by the external order store.
type Order struct {
	ID                  string
	Number              string
	CustomerName        string
	CustomerPhone       string
	CustomerAddress     string
	CustomerNotes       string
	Items               []Item
	Total               decimal.Decimal
	Type                Type
	Status              Status
	CreatedAt           time.Time
	LoyaltyCardImageURL string

	// Loyalty is the customer's stamp card, attached before rendering when
	// a loyalty lookup is configured. Never decoded from the order row.
	Loyalty *Loyalty
}

type Item struct {
	Quantity      int
	Name          string
	Category      string
	Price         decimal.Decimal
	Customization Customization
	Note          string
}

// Customization holds the optional choices attached to an item.
// Empty groups are omitted when rendering.
type Customization struct {
	Size        string
	Meats       []string
	Sauces      []string
	Garnitures  []string
	Supplements []string
	Cheese      []string
	MenuOption  string
	Note        string
}

// IsPizza reports whether the item's category is size-variant.
func (it Item) IsPizza() bool {
	return strings.Contains(strings.ToLower(it.Category), "pizza")
}

// ---- JSON (PostgREST row) ----

type wireOrder struct {
	ID                  json.RawMessage     `json:"id"`
	OrderNumber         json.RawMessage     `json:"order_number"`
	CustomerName        *string             `json:"customer_name"`
	CustomerPhone       *string             `json:"customer_phone"`
	CustomerAddress     *string             `json:"customer_address"`
	CustomerNotes       *string             `json:"customer_notes"`
	Items               json.RawMessage     `json:"items"`
	Total               decimal.NullDecimal `json:"total"`
	OrderType           *string             `json:"order_type"`
	Status              *string             `json:"status"`
	CreatedAt           time.Time           `json:"created_at"`
	LoyaltyCardImageURL *string             `json:"loyalty_card_image_url"`
}

type wireItem struct {
	Quantity      *int                `json:"quantity"`
	Name          *string             `json:"name"`
	Category      *string             `json:"category"`
	Price         decimal.NullDecimal `json:"price"`
	TotalPrice    decimal.NullDecimal `json:"totalPrice"`
	Calculated    decimal.NullDecimal `json:"calculatedPrice"`
	Note          *string             `json:"note"`
	Customization *wireCustomization  `json:"customization"`
	Item          *struct {
		Name     *string `json:"name"`
		Category *string `json:"category"`
	} `json:"item"`
}

type wireCustomization struct {
	Size              *string  `json:"size"`
	Meats             []string `json:"meats"`
	Meat              *string  `json:"meat"`
	Sauces            []string `json:"sauces"`
	Garnitures        []string `json:"garnitures"`
	Supplements       []string `json:"supplements"`
	CheeseSupplements []string `json:"cheeseSupplements"`
	MenuOption        *string  `json:"menuOption"`
	Note              *string  `json:"note"`
}

func (o *Order) UnmarshalJSON(b []byte) error {
	var w wireOrder
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	items, err := decodeItems(w.Items)
	if err != nil {
		return err
	}
	*o = Order{
		ID:                  scalarString(w.ID),
		Number:              scalarString(w.OrderNumber),
		CustomerName:        deref(w.CustomerName),
		CustomerPhone:       deref(w.CustomerPhone),
		CustomerAddress:     deref(w.CustomerAddress),
		CustomerNotes:       deref(w.CustomerNotes),
		Items:               items,
		Total:               w.Total.Decimal,
		Type:                ParseType(deref(w.OrderType)),
		Status:              Status(strings.ToLower(deref(w.Status))),
		CreatedAt:           w.CreatedAt,
		LoyaltyCardImageURL: deref(w.LoyaltyCardImageURL),
	}
	return nil
}

// DecodeItems parses the items column (a JSON array) of an order row.
func DecodeItems(raw []byte) ([]Item, error) { return decodeItems(raw) }

func decodeItems(raw json.RawMessage) ([]Item, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	// Some rows store items as a JSON-encoded string.
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = json.RawMessage(inner)
	}
	var ws []wireItem
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.toItem())
	}
	return out, nil
}

func (w wireItem) toItem() Item {
	it := Item{Quantity: 1}
	if w.Quantity != nil {
		it.Quantity = *w.Quantity
	}
	it.Name = deref(w.Name)
	it.Category = deref(w.Category)
	if w.Item != nil {
		if it.Name == "" {
			it.Name = deref(w.Item.Name)
		}
		if it.Category == "" {
			it.Category = deref(w.Item.Category)
		}
	}
	switch {
	case w.TotalPrice.Valid:
		it.Price = w.TotalPrice.Decimal
	case w.Calculated.Valid:
		it.Price = w.Calculated.Decimal
	case w.Price.Valid:
		it.Price = w.Price.Decimal
	}
	it.Note = deref(w.Note)
	if c := w.Customization; c != nil {
		meats := c.Meats
		if len(meats) == 0 && strings.TrimSpace(deref(c.Meat)) != "" {
			meats = []string{deref(c.Meat)}
		}
		it.Customization = Customization{
			Size:        deref(c.Size),
			Meats:       meats,
			Sauces:      c.Sauces,
			Garnitures:  c.Garnitures,
			Supplements: c.Supplements,
			Cheese:      c.CheeseSupplements,
			MenuOption:  deref(c.MenuOption),
			Note:        deref(c.Note),
		}
	}
	return it
}

// scalarString accepts a JSON string or number (order_number is numeric in some schemas).
func scalarString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
