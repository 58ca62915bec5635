// Package pricing resolves unit prices for cart lines and computes
// discount amounts. It is pure arithmetic over catalog data; all amounts
// are whole rupiah.
package pricing

import (
	"errors"
	"sort"

	"kopsis/backend/internal/domain"
)

var (
	ErrVariantRequired  = errors.New("variant selection required")
	ErrVariantUnknown   = errors.New("unknown variant")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrQuantityExceeds  = errors.New("quantity exceeds available stock")
	ErrInactiveProduct  = errors.New("product is inactive")
	ErrInactiveDiscount = errors.New("discount is inactive")
)

// Quote is the resolved price for one cart line at a given quantity.
type Quote struct {
	UnitPrice   int64
	LineTotal   int64
	TierApplied bool
	// StockCeiling is the stock pool the quantity was checked against:
	// the variant's own stock when a variant is selected, otherwise the
	// product stock.
	StockCeiling int
}

// Resolve computes the unit price for qty units of a product, honoring
// variant price overrides and wholesale tiers. Variant-carrying products
// require a variant selection; the variant's stock is the ceiling for
// the line. Resolve is called afresh on every quantity change so tier
// boundaries are always applied to the full quantity.
func Resolve(p domain.Product, variantID string, qty int) (Quote, error) {
	if qty < 1 {
		return Quote{}, ErrInvalidQuantity
	}
	if !p.Active {
		return Quote{}, ErrInactiveProduct
	}

	if p.HasVariants() {
		if variantID == "" {
			return Quote{}, ErrVariantRequired
		}
		variant, ok := p.Variant(variantID)
		if !ok {
			return Quote{}, ErrVariantUnknown
		}
		if qty > variant.Stock {
			return Quote{}, ErrQuantityExceeds
		}
		price := variant.Price
		if price == 0 {
			price = p.Price
		}
		return Quote{
			UnitPrice:    price,
			LineTotal:    int64(qty) * price,
			StockCeiling: variant.Stock,
		}, nil
	}

	if variantID != "" {
		return Quote{}, ErrVariantUnknown
	}
	if qty > p.Stock {
		return Quote{}, ErrQuantityExceeds
	}

	price := p.Price
	tierApplied := false
	if tier, ok := bestTier(p.Tiers, qty); ok {
		price = tier.Price
		tierApplied = true
	}

	return Quote{
		UnitPrice:    price,
		LineTotal:    int64(qty) * price,
		TierApplied:  tierApplied,
		StockCeiling: p.Stock,
	}, nil
}

// bestTier picks the tier with the highest MinQty not exceeding qty.
func bestTier(tiers []domain.WholesaleTier, qty int) (domain.WholesaleTier, bool) {
	if len(tiers) == 0 {
		return domain.WholesaleTier{}, false
	}
	sorted := make([]domain.WholesaleTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinQty > sorted[j].MinQty })
	for _, tier := range sorted {
		if tier.MinQty <= qty {
			return tier, true
		}
	}
	return domain.WholesaleTier{}, false
}

// DiscountAmount computes the amount a discount takes off a subtotal.
// Flat discounts are clamped to the subtotal; percent discounts floor to
// avoid fractional rupiah. The result is always within [0, subtotal].
func DiscountAmount(d domain.Discount, subtotal int64) (int64, error) {
	if !d.Active {
		return 0, ErrInactiveDiscount
	}
	if subtotal <= 0 || d.Value <= 0 {
		return 0, nil
	}

	var amount int64
	switch d.Kind {
	case domain.DiscountFlat:
		amount = d.Value
	case domain.DiscountPercent:
		amount = subtotal * d.Value / 100
	default:
		return 0, nil
	}

	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount, nil
}

// Total is the final sale total after discount, floored at zero.
func Total(subtotal, discountAmount int64) int64 {
	total := subtotal - discountAmount
	if total < 0 {
		return 0
	}
	return total
}
