package usage

// Catalog maps a store product id to the premium days it grants.
type Catalog map[string]int

// DefaultCatalog returns the products sold in the app.
func DefaultCatalog() Catalog {
	return Catalog{
		"premium_monthly":  30,
		"premium_yearly":   365,
		"premium_lifetime": 36500,
	}
}

// Days returns the premium days for productID.
func (c Catalog) Days(productID string) (int, bool) {
	days, ok := c[productID]
	return days, ok
}
