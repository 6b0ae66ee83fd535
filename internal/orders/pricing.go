package orders

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Pricing holds the flat charges added on top of the cart subtotal.
type Pricing struct {
	Currency      string
	ShippingMinor int64
	TaxRate       decimal.Decimal
}

type Totals struct {
	SubtotalMinor int64
	ShippingMinor int64
	TaxMinor      int64
	TotalMinor    int64
}

// Price captures unit prices from the locked product rows and computes the
// order totals. Tax is subtotal × rate rounded half away from zero to a
// whole minor unit.
func (p Pricing) Price(orderID string, items []CartItem, products map[string]Product) ([]OrderLine, Totals, error) {
	lines := make([]OrderLine, 0, len(items))
	var subtotal int64
	for _, it := range items {
		prod, ok := products[it.ProductID]
		if !ok {
			return nil, Totals{}, &ProductUnavailableError{ProductID: it.ProductID}
		}
		if prod.PriceMinor < 0 {
			return nil, Totals{}, fmt.Errorf("orders: product %s has negative price", prod.ID)
		}
		lineTotal := prod.PriceMinor * int64(it.Quantity)
		lines = append(lines, OrderLine{
			OrderID:         orderID,
			ProductID:       prod.ID,
			VendorID:        prod.VendorID,
			Quantity:        it.Quantity,
			UnitPriceMinor:  prod.PriceMinor,
			TotalPriceMinor: lineTotal,
		})
		subtotal += lineTotal
	}

	tax := decimal.NewFromInt(subtotal).Mul(p.TaxRate).Round(0).IntPart()
	t := Totals{
		SubtotalMinor: subtotal,
		ShippingMinor: p.ShippingMinor,
		TaxMinor:      tax,
	}
	t.TotalMinor = t.SubtotalMinor + t.ShippingMinor + t.TaxMinor
	return lines, t, nil
}
