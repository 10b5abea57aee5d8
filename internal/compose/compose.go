// Package compose renders customer-facing notification texts from orders.
//
// Rendering is a pure function of the Order and the Composer's Config:
// identical input always yields byte-identical output.
package compose

import (
	"fmt"
	"net/url"
	"strings"

	"ordernotify/internal/delivery"
	"ordernotify/internal/order"
)

type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindLink         Kind = "link"
	KindReady        Kind = "ready"
)

// Message is one text to deliver to the order's recipient.
type Message struct {
	Kind Kind
	Text string
}

type Config struct {
	Restaurant     string
	CountryCode    string
	Currency       string
	EstimatedDelay string
	// PortalURL receives "?phone=<normalized>". Empty disables the link message.
	PortalURL string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Restaurant) == "" {
		c.Restaurant = "TWIN PIZZA"
	}
	if strings.TrimSpace(c.CountryCode) == "" {
		c.CountryCode = "33"
	}
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = "EUR"
	}
	if strings.TrimSpace(c.EstimatedDelay) == "" {
		c.EstimatedDelay = "15 a 25 minutes"
	}
	return c
}

const (
	fallbackCustomer = "Client"
	fallbackItem     = "Produit"
)

type Composer struct {
	cfg Config
}

func New(cfg Config) *Composer { return &Composer{cfg: cfg.withDefaults()} }

func (c *Composer) Config() Config { return c.cfg }

// Recipient returns the normalized phone of o, or false when o has none.
func (c *Composer) Recipient(o order.Order) (string, bool) {
	return NormalizePhone(o.CustomerPhone, c.cfg.CountryCode)
}

// Compose returns the confirmation message followed by the tracking link
// message when a portal is configured and the order has a usable phone.
// The link is the follow-up text when the order carries no card image.
func (c *Composer) Compose(o order.Order) ([]Message, error) {
	if err := validate(o); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", c.cfg.Restaurant)
	fmt.Fprintf(&b, "Bonjour %s !\n", customerName(o))
	fmt.Fprintf(&b, "Votre commande *%s* est confirmee.\n\n", o.Number)

	b.WriteString("*Detail de la commande :*\n")
	for _, it := range o.Items {
		c.writeItem(&b, it)
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "Mode : %s\n", modeLabel(o.Type))
	if o.Type == order.TypeDelivery && strings.TrimSpace(o.CustomerAddress) != "" {
		fmt.Fprintf(&b, "Adresse : %s\n", strings.TrimSpace(o.CustomerAddress))
	}
	if note := strings.TrimSpace(o.CustomerNotes); note != "" {
		fmt.Fprintf(&b, "Note : %s\n", note)
	}
	fmt.Fprintf(&b, "Total : *%s %s*\n", o.Total.StringFixed(2), c.cfg.Currency)
	fmt.Fprintf(&b, "Delai estime : *%s*\n\n", c.cfg.EstimatedDelay)
	if o.Loyalty != nil {
		writeLoyalty(&b, *o.Loyalty)
	}
	b.WriteString("Merci de votre confiance !")

	out := []Message{{Kind: KindConfirmation, Text: b.String()}}
	if link, ok := c.LinkText(o); ok {
		out = append(out, Message{Kind: KindLink, Text: link})
	}
	return out, nil
}

// LinkText renders the tracking portal message.
func (c *Composer) LinkText(o order.Order) (string, bool) {
	portal := strings.TrimSpace(c.cfg.PortalURL)
	if portal == "" {
		return "", false
	}
	phone, ok := c.Recipient(o)
	if !ok {
		return "", false
	}
	sep := "?"
	if strings.Contains(portal, "?") {
		sep = "&"
	}
	link := portal + sep + "phone=" + url.QueryEscape(phone)
	return "Suivez votre commande et vos points fidelite ici :\n" + link, true
}

// LoyaltyCaption is the caption sent with the loyalty card image.
func (c *Composer) LoyaltyCaption(o order.Order) string {
	return fmt.Sprintf("Votre carte de fidelite %s - commande %s", c.cfg.Restaurant, o.Number)
}

// ComposeReady renders the notification sent when the order becomes ready.
func (c *Composer) ComposeReady(o order.Order) (Message, error) {
	if err := validate(o); err != nil {
		return Message{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", c.cfg.Restaurant)
	fmt.Fprintf(&b, "Bonjour %s !\n", customerName(o))
	fmt.Fprintf(&b, "Votre commande *%s* est *PRETE* !\n\n", o.Number)
	if o.Type == order.TypeDelivery {
		b.WriteString("Notre livreur arrive bientot !")
	} else {
		b.WriteString("Venez la recuperer au restaurant !")
	}
	return Message{Kind: KindReady, Text: b.String()}, nil
}

const rule = "-----------------------------------\n"

func writeLoyalty(b *strings.Builder, l order.Loyalty) {
	souf, pizza := l.SouffletStamps(), l.PizzaStamps()
	b.WriteString(rule)
	b.WriteString("*CARTE DE FIDELITE*\n\n")
	fmt.Fprintf(b, "Soufflets: %s\n", stampRow(souf))
	fmt.Fprintf(b, "(%d/%d - Prochain gratuit dans %d)\n\n", souf, order.StampsPerCard, order.StampsPerCard-souf)
	fmt.Fprintf(b, "Pizzas: %s\n", stampRow(pizza))
	fmt.Fprintf(b, "(%d/%d - Prochaine gratuite dans %d)\n\n", pizza, order.StampsPerCard, order.StampsPerCard-pizza)
	fmt.Fprintf(b, "Total commandes: %d\n", max(0, l.TotalPurchases))
	b.WriteString(rule + "\n")
}

func stampRow(n int) string {
	return strings.Repeat("[X]", n) + strings.Repeat("[ ]", order.StampsPerCard-n)
}

func (c *Composer) writeItem(b *strings.Builder, it order.Item) {
	name := strings.TrimSpace(it.Name)
	if name == "" {
		name = fallbackItem
	}
	fmt.Fprintf(b, "  %dx %s - %s %s\n", it.Quantity, name, it.Price.StringFixed(2), c.cfg.Currency)

	if details := itemDetails(it); len(details) > 0 {
		fmt.Fprintf(b, "    (%s)\n", strings.Join(details, " | "))
	}
	note := strings.TrimSpace(it.Customization.Note)
	if note == "" {
		note = strings.TrimSpace(it.Note)
	}
	if note != "" {
		fmt.Fprintf(b, "    Note: %s\n", note)
	}
}

// itemDetails lists customization groups in their fixed display order.
func itemDetails(it order.Item) []string {
	cz := it.Customization
	var out []string

	if size := strings.ToUpper(strings.TrimSpace(cz.Size)); size != "" && it.IsPizza() {
		if size == "MEGA" {
			size = "*MEGA*"
		}
		out = append(out, size)
	}
	if meats := clean(cz.Meats); len(meats) > 0 {
		label := "Viande"
		if len(meats) > 1 {
			label = "Viandes"
		}
		out = append(out, label+": "+strings.Join(meats, ", "))
	}
	groups := []struct {
		label  string
		values []string
	}{
		{"Sauces", cz.Sauces},
		{"Garnitures", cz.Garnitures},
		{"Supplements", cz.Supplements},
		{"Fromages", cz.Cheese},
	}
	for _, g := range groups {
		if vs := clean(g.values); len(vs) > 0 {
			out = append(out, g.label+": "+strings.Join(vs, ", "))
		}
	}
	if menu := strings.TrimSpace(cz.MenuOption); menu != "" && !strings.EqualFold(menu, "none") {
		out = append(out, "Menu: "+menu)
	}
	return out
}

func clean(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func customerName(o order.Order) string {
	if n := strings.TrimSpace(o.CustomerName); n != "" {
		return n
	}
	return fallbackCustomer
}

func modeLabel(t order.Type) string {
	switch t {
	case order.TypeDelivery:
		return "Livraison"
	case order.TypePickup:
		return "A emporter"
	case order.TypeDineIn:
		return "Sur place"
	default:
		if s := strings.TrimSpace(string(t)); s != "" {
			return s
		}
		return "A emporter"
	}
}

func validate(o order.Order) error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("order without id: %w", delivery.ErrMalformedOrder)
	}
	if strings.TrimSpace(o.Number) == "" {
		return fmt.Errorf("order %s without order number: %w", o.ID, delivery.ErrMalformedOrder)
	}
	for i, it := range o.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("order %s item %d: quantity %d: %w", o.ID, i, it.Quantity, delivery.ErrMalformedOrder)
		}
	}
	return nil
}
