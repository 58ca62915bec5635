package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"kopsis/backend/internal/cart"
	"kopsis/backend/internal/domain"
)

func filledCart(t *testing.T) *cart.Cart {
	t.Helper()
	a := domain.Product{ID: "prd-a", Name: "Buku Gambar", Price: 1000, Stock: 20, Active: true}
	b := domain.Product{ID: "prd-b", Name: "Penghapus", Price: 500, Stock: 20, Active: true}

	c := cart.New()
	if err := c.Add(a, "", 2); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := c.Add(b, "", 1); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	return c
}

func fixedBalance(amount int64) BalanceFunc {
	return func(_ context.Context, _ string) (int64, error) {
		return amount, nil
	}
}

func TestCashCheckoutWithPercentDiscount(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")
	ctx := context.Background()

	if err := session.SetNamedBuyer(domain.BuyerPublic, "Bu Rina", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.ApplyDiscount(domain.Discount{ID: "dsc-10", Kind: domain.DiscountPercent, Value: 10, Active: true}); err != nil {
		t.Fatalf("apply discount failed: %v", err)
	}
	if err := session.SelectPayment(domain.CashPayment{AmountReceived: 3000}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, nil); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	payload, err := session.Payload("sale-1", "idem-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("payload failed: %v", err)
	}
	if payload.Subtotal != 2500 {
		t.Fatalf("expected subtotal 2500, got %d", payload.Subtotal)
	}
	if payload.DiscountAmount != 250 {
		t.Fatalf("expected discount 250, got %d", payload.DiscountAmount)
	}
	if payload.Total != 2250 {
		t.Fatalf("expected total 2250, got %d", payload.Total)
	}
	if payload.Change != 750 {
		t.Fatalf("expected change 750, got %d", payload.Change)
	}
	if session.State() != StateCommitted {
		t.Fatalf("expected committed state, got %s", session.State())
	}
}

func TestCashRejectsShortPayment(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")

	if err := session.SetNamedBuyer(domain.BuyerStaff, "Pak Budi", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.SelectPayment(domain.CashPayment{AmountReceived: 2000}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(context.Background(), nil); !errors.Is(err, ErrShortPayment) {
		t.Fatalf("expected ErrShortPayment, got %v", err)
	}
}

func TestWalletRequiresStudentAndBalance(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")
	ctx := context.Background()

	if err := session.SetNamedBuyer(domain.BuyerPublic, "Umum", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.SelectPayment(domain.WalletPayment{AccountID: "std-1"}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, fixedBalance(100000)); !errors.Is(err, ErrWalletNeedsStudent) {
		t.Fatalf("expected ErrWalletNeedsStudent, got %v", err)
	}

	// Student buyer with a thin wallet: balance 1000 against total 2500.
	session = NewSession(filledCart(t), "kasir")
	if err := session.SetStudentBuyer(domain.Student{ID: "std-1", Name: "Andi", Class: "8A"}); err != nil {
		t.Fatalf("set student failed: %v", err)
	}
	if err := session.SelectPayment(domain.WalletPayment{AccountID: "std-1"}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, fixedBalance(1000)); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
	if session.State() != StatePaymentDetails {
		t.Fatalf("failed validation must not advance state, got %s", session.State())
	}

	// Same session, retried with a sufficient balance.
	if err := session.Validate(ctx, fixedBalance(5000)); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestPublicDebtRequiresPhone(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")
	ctx := context.Background()

	if err := session.SetNamedBuyer(domain.BuyerPublic, "Tamu", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.SelectPayment(domain.DebtPayment{Note: "bayar minggu depan"}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, nil); !errors.Is(err, ErrPhoneRequired) {
		t.Fatalf("expected ErrPhoneRequired, got %v", err)
	}

	session = NewSession(filledCart(t), "kasir")
	if err := session.SetNamedBuyer(domain.BuyerPublic, "Tamu", "0812000111"); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.SelectPayment(domain.DebtPayment{}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, nil); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	payload, err := session.Payload("sale-2", "idem-2", time.Now().UTC())
	if err != nil {
		t.Fatalf("payload failed: %v", err)
	}
	if payload.Status != domain.SaleUnpaid {
		t.Fatalf("debt sale must start unpaid")
	}
	if payload.Outstanding != payload.Total {
		t.Fatalf("outstanding %d must equal total %d", payload.Outstanding, payload.Total)
	}
	if payload.AmountReceived != 0 {
		t.Fatalf("debt sale receives nothing at checkout")
	}
}

func TestFullyDiscountedDebtCommitsAsPaid(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")
	ctx := context.Background()

	if err := session.SetNamedBuyer(domain.BuyerStaff, "Bu Rina", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	// Flat discount above the subtotal clamps to it, leaving total 0.
	if err := session.ApplyDiscount(domain.Discount{ID: "dsc-full", Kind: domain.DiscountFlat, Value: 5000, Active: true}); err != nil {
		t.Fatalf("apply discount failed: %v", err)
	}
	if err := session.SelectPayment(domain.DebtPayment{Note: "gratis"}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, nil); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	payload, err := session.Payload("sale-free", "idem-free", time.Now().UTC())
	if err != nil {
		t.Fatalf("payload failed: %v", err)
	}
	if payload.Total != 0 {
		t.Fatalf("expected total 0, got %d", payload.Total)
	}
	if payload.Status != domain.SalePaid {
		t.Fatalf("zero-total debt sale must commit as paid, got %s", payload.Status)
	}
	if payload.Outstanding != 0 {
		t.Fatalf("expected outstanding 0, got %d", payload.Outstanding)
	}
}

func TestChangeToWalletOnlyForStudents(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")
	ctx := context.Background()

	if err := session.SetNamedBuyer(domain.BuyerStaff, "Pak Budi", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.SelectPayment(domain.CashPayment{AmountReceived: 5000, DepositChange: true}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, nil); err == nil {
		t.Fatalf("expected change deposit to be rejected for staff buyer")
	}

	session = NewSession(filledCart(t), "kasir")
	if err := session.SetStudentBuyer(domain.Student{ID: "std-2", Name: "Sari"}); err != nil {
		t.Fatalf("set student failed: %v", err)
	}
	if err := session.SelectPayment(domain.CashPayment{AmountReceived: 5000, DepositChange: true}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(ctx, nil); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	payload, err := session.Payload("sale-3", "idem-3", time.Now().UTC())
	if err != nil {
		t.Fatalf("payload failed: %v", err)
	}
	if !payload.ChangeToWallet || payload.WalletAccountID != "std-2" {
		t.Fatalf("expected change-to-wallet routed to the student account")
	}
	if payload.Change != 2500 {
		t.Fatalf("expected change 2500, got %d", payload.Change)
	}
}

func TestAbortAllowedBeforeCommitOnly(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")
	if err := session.Abort(); err != nil {
		t.Fatalf("abort from initial state failed: %v", err)
	}
	if session.State() != StateAborted {
		t.Fatalf("expected aborted state")
	}

	session = NewSession(filledCart(t), "kasir")
	if err := session.SetNamedBuyer(domain.BuyerStaff, "Pak Budi", ""); err != nil {
		t.Fatalf("set buyer failed: %v", err)
	}
	if err := session.SelectPayment(domain.NonCashPayment{Reference: "QRIS-778"}); err != nil {
		t.Fatalf("select payment failed: %v", err)
	}
	if err := session.Validate(context.Background(), nil); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if _, err := session.Payload("sale-4", "idem-4", time.Now().UTC()); err != nil {
		t.Fatalf("payload failed: %v", err)
	}
	if err := session.Abort(); !errors.Is(err, ErrWrongState) {
		t.Fatalf("abort after commit must fail, got %v", err)
	}
}

func TestStateOrderEnforced(t *testing.T) {
	session := NewSession(filledCart(t), "kasir")

	if err := session.SelectPayment(domain.CashPayment{AmountReceived: 5000}); !errors.Is(err, ErrWrongState) {
		t.Fatalf("payment before buyer must fail, got %v", err)
	}
	if err := session.Validate(context.Background(), nil); !errors.Is(err, ErrWrongState) {
		t.Fatalf("validate before payment must fail, got %v", err)
	}
	if _, err := session.Payload("sale-x", "idem-x", time.Now().UTC()); !errors.Is(err, ErrWrongState) {
		t.Fatalf("payload before validation must fail, got %v", err)
	}
}
