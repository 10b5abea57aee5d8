package order

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalFoldsStoreVariants(t *testing.T) {
	raw := `{
		"id": "a1b2",
		"order_number": 101,
		"customer_name": null,
		"customer_phone": "06 12 34 56 78",
		"order_type": "livraison",
		"status": "Preparing",
		"total": "12.50",
		"created_at": "2026-03-01T18:00:00Z",
		"items": [
			{"quantity": 2, "item": {"name": "Margherita", "category": "pizzas"}, "totalPrice": 12.5,
			 "customization": {"size": "mega", "meat": "Poulet", "cheeseSupplements": ["Chevre"], "menuOption": "none"}},
			{"name": "Coca", "price": 2}
		]
	}`
	var o Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if o.Number != "101" || o.ID != "a1b2" {
		t.Fatalf("ids not decoded: %+v", o)
	}
	if o.Type != TypeDelivery || o.Status != StatusPreparing {
		t.Fatalf("type/status = %q/%q", o.Type, o.Status)
	}
	if o.Total.StringFixed(2) != "12.50" {
		t.Fatalf("total = %s", o.Total)
	}
	if len(o.Items) != 2 {
		t.Fatalf("items = %d", len(o.Items))
	}
	first := o.Items[0]
	if first.Name != "Margherita" || !first.IsPizza() || first.Quantity != 2 {
		t.Fatalf("first item: %+v", first)
	}
	if len(first.Customization.Meats) != 1 || first.Customization.Meats[0] != "Poulet" {
		t.Fatalf("meat not folded: %+v", first.Customization)
	}
	if o.Items[1].Quantity != 1 || o.Items[1].Price.StringFixed(2) != "2.00" {
		t.Fatalf("second item defaults: %+v", o.Items[1])
	}
}

func TestDecodeItemsAcceptsEncodedString(t *testing.T) {
	items, err := DecodeItems([]byte(`"[{\"quantity\":1,\"name\":\"Tacos\"}]"`))
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Tacos" {
		t.Fatalf("items = %+v", items)
	}
}

func TestParseType(t *testing.T) {
	tests := map[string]Type{
		"livraison": TypeDelivery,
		"emporter":  TypePickup,
		"sur_place": TypeDineIn,
		"surplace":  TypeDineIn,
		"drone":     Type("drone"),
	}
	for in, want := range tests {
		if got := ParseType(in); got != want {
			t.Fatalf("ParseType(%q) = %q, want %q", in, got, want)
		}
	}
}
