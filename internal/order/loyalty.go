package order

// StampsPerCard is the number of stamps that earns a free item.
const StampsPerCard = 10

// Loyalty is a row of the loyalty_points table, keyed by customer phone.
type Loyalty struct {
	CustomerPhone  string `json:"customer_phone"`
	SouffletCount  int    `json:"soufflet_count"`
	PizzaCount     int    `json:"pizza_count"`
	TotalPurchases int    `json:"total_purchases"`
}

// SouffletStamps is the position on the current soufflet card.
func (l Loyalty) SouffletStamps() int { return stamps(l.SouffletCount) }

// PizzaStamps is the position on the current pizza card.
func (l Loyalty) PizzaStamps() int { return stamps(l.PizzaCount) }

func stamps(n int) int {
	if n <= 0 {
		return 0
	}
	return n % StampsPerCard
}
