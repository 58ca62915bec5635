package pricing

import (
	"errors"
	"testing"

	"kopsis/backend/internal/domain"
)

func tieredProduct() domain.Product {
	return domain.Product{
		ID:     "prd-buku",
		Name:   "Buku Tulis 38 Lembar",
		Price:  1000,
		Stock:  50,
		Active: true,
		Tiers: []domain.WholesaleTier{
			{MinQty: 5, Price: 900},
			{MinQty: 10, Price: 800},
		},
	}
}

func TestResolveBasePriceBelowTier(t *testing.T) {
	quote, err := Resolve(tieredProduct(), "", 3)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if quote.UnitPrice != 1000 {
		t.Fatalf("expected base price 1000, got %d", quote.UnitPrice)
	}
	if quote.TierApplied {
		t.Fatalf("tier should not apply at qty 3")
	}
}

func TestResolvePicksHighestQualifyingTier(t *testing.T) {
	quote, err := Resolve(tieredProduct(), "", 12)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if quote.UnitPrice != 800 {
		t.Fatalf("expected tier price 800 at qty 12, got %d", quote.UnitPrice)
	}
	if !quote.TierApplied {
		t.Fatalf("expected tier to apply")
	}
	if quote.LineTotal != 9600 {
		t.Fatalf("expected line total 9600, got %d", quote.LineTotal)
	}
}

func TestResolveTierBoundary(t *testing.T) {
	quote, err := Resolve(tieredProduct(), "", 5)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if quote.UnitPrice != 900 {
		t.Fatalf("expected tier price 900 exactly at min qty, got %d", quote.UnitPrice)
	}
}

func TestResolveRejectsQuantityOverStock(t *testing.T) {
	_, err := Resolve(tieredProduct(), "", 51)
	if !errors.Is(err, ErrQuantityExceeds) {
		t.Fatalf("expected ErrQuantityExceeds, got %v", err)
	}
}

func TestResolveVariantRequired(t *testing.T) {
	product := domain.Product{
		ID:     "prd-seragam",
		Name:   "Seragam Olahraga",
		Price:  65000,
		Active: true,
		Variants: []domain.ProductVariant{
			{ID: "var-m", Name: "M", Price: 65000, Stock: 8},
			{ID: "var-l", Name: "L", Price: 70000, Stock: 2},
		},
	}

	if _, err := Resolve(product, "", 1); !errors.Is(err, ErrVariantRequired) {
		t.Fatalf("expected ErrVariantRequired, got %v", err)
	}

	quote, err := Resolve(product, "var-l", 2)
	if err != nil {
		t.Fatalf("resolve variant failed: %v", err)
	}
	if quote.UnitPrice != 70000 {
		t.Fatalf("expected variant price override 70000, got %d", quote.UnitPrice)
	}
	if quote.StockCeiling != 2 {
		t.Fatalf("expected variant stock ceiling 2, got %d", quote.StockCeiling)
	}

	if _, err := Resolve(product, "var-l", 3); !errors.Is(err, ErrQuantityExceeds) {
		t.Fatalf("expected variant stock ceiling to reject qty 3, got %v", err)
	}
	if _, err := Resolve(product, "var-xxl", 1); !errors.Is(err, ErrVariantUnknown) {
		t.Fatalf("expected ErrVariantUnknown, got %v", err)
	}
}

func TestResolveVariantInheritsBasePrice(t *testing.T) {
	product := domain.Product{
		ID:     "prd-topi",
		Name:   "Topi Sekolah",
		Price:  15000,
		Active: true,
		Variants: []domain.ProductVariant{
			{ID: "var-abu", Name: "Abu-abu", Stock: 10},
		},
	}

	quote, err := Resolve(product, "var-abu", 1)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if quote.UnitPrice != 15000 {
		t.Fatalf("expected inherited base price 15000, got %d", quote.UnitPrice)
	}
}

func TestDiscountPercentFloors(t *testing.T) {
	discount := domain.Discount{ID: "dsc-10", Kind: domain.DiscountPercent, Value: 10, Active: true}

	amount, err := DiscountAmount(discount, 2500)
	if err != nil {
		t.Fatalf("discount failed: %v", err)
	}
	if amount != 250 {
		t.Fatalf("expected 250, got %d", amount)
	}

	// 10% of 2505 is 250.5; fractional rupiah must floor away.
	amount, err = DiscountAmount(discount, 2505)
	if err != nil {
		t.Fatalf("discount failed: %v", err)
	}
	if amount != 250 {
		t.Fatalf("expected floored 250, got %d", amount)
	}
}

func TestDiscountFlatClampsToSubtotal(t *testing.T) {
	discount := domain.Discount{ID: "dsc-flat", Kind: domain.DiscountFlat, Value: 5000, Active: true}

	amount, err := DiscountAmount(discount, 3000)
	if err != nil {
		t.Fatalf("discount failed: %v", err)
	}
	if amount != 3000 {
		t.Fatalf("expected clamp to subtotal 3000, got %d", amount)
	}
	if Total(3000, amount) != 0 {
		t.Fatalf("expected zero total after full clamp")
	}
}

func TestDiscountInactiveRejected(t *testing.T) {
	discount := domain.Discount{ID: "dsc-off", Kind: domain.DiscountFlat, Value: 500, Active: false}
	if _, err := DiscountAmount(discount, 1000); !errors.Is(err, ErrInactiveDiscount) {
		t.Fatalf("expected ErrInactiveDiscount, got %v", err)
	}
}
