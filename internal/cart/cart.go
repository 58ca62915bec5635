// Package cart holds the mutable line items of one in-progress sale.
// A cart is session-local to a single operator and is never shared
// between goroutines.
package cart

import (
	"kopsis/backend/internal/domain"
	"kopsis/backend/internal/pricing"
)

// Cart is an ordered collection of lines keyed by (productID, variantID).
// Adding an existing key merges quantities and re-resolves the price for
// the merged quantity.
type Cart struct {
	lines []domain.CartLine
}

func New() *Cart {
	return &Cart{lines: make([]domain.CartLine, 0, 8)}
}

// Add puts qty units of a product (with optional variant) into the cart.
// The price is re-resolved for the full resulting quantity; the cart is
// left unchanged if pricing rejects the request.
func (c *Cart) Add(p domain.Product, variantID string, qty int) error {
	if qty < 1 {
		return pricing.ErrInvalidQuantity
	}

	idx := c.indexOf(p.ID, variantID)
	newQty := qty
	if idx >= 0 {
		newQty += c.lines[idx].Qty
	}

	quote, err := pricing.Resolve(p, variantID, newQty)
	if err != nil {
		return err
	}

	line := domain.CartLine{
		ProductID:   p.ID,
		VariantID:   variantID,
		Name:        lineName(p, variantID),
		Qty:         newQty,
		UnitPrice:   quote.UnitPrice,
		LineTotal:   quote.LineTotal,
		TierApplied: quote.TierApplied,
	}

	if idx >= 0 {
		c.lines[idx] = line
	} else {
		c.lines = append(c.lines, line)
	}
	return nil
}

// SetQty replaces a line's quantity, re-resolving the price. Qty 0
// removes the line.
func (c *Cart) SetQty(p domain.Product, variantID string, qty int) error {
	idx := c.indexOf(p.ID, variantID)
	if idx < 0 {
		return pricing.ErrInvalidQuantity
	}
	if qty == 0 {
		c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
		return nil
	}

	quote, err := pricing.Resolve(p, variantID, qty)
	if err != nil {
		return err
	}

	c.lines[idx].Qty = qty
	c.lines[idx].UnitPrice = quote.UnitPrice
	c.lines[idx].LineTotal = quote.LineTotal
	c.lines[idx].TierApplied = quote.TierApplied
	return nil
}

// Remove drops a line entirely regardless of quantity.
func (c *Cart) Remove(productID, variantID string) {
	idx := c.indexOf(productID, variantID)
	if idx >= 0 {
		c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	}
}

// Lines returns a copy of the cart lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Empty() bool {
	return len(c.lines) == 0
}

// Subtotal is recomputed from the lines on every call, never cached.
func (c *Cart) Subtotal() int64 {
	subtotal := int64(0)
	for _, line := range c.lines {
		subtotal += line.LineTotal
	}
	return subtotal
}

func (c *Cart) indexOf(productID, variantID string) int {
	for i, line := range c.lines {
		if line.ProductID == productID && line.VariantID == variantID {
			return i
		}
	}
	return -1
}

func lineName(p domain.Product, variantID string) string {
	if variantID == "" {
		return p.Name
	}
	if variant, ok := p.Variant(variantID); ok {
		return p.Name + " " + variant.Name
	}
	return p.Name
}
