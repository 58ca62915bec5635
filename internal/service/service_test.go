package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kopsis/backend/internal/cache"
	"kopsis/backend/internal/domain"
	"kopsis/backend/internal/store"
	"kopsis/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopCatalogCache{}, 30*time.Second), repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func TestCheckoutCashWithPercentDiscount(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-cash",
		BuyerKind:      "public",
		BuyerName:      "Umum",
		DiscountID:     "dsc-anggota",
		PaymentMethod:  "cash",
		AmountReceived: 6000,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-buku-38", Qty: 2},
			{ProductID: "prd-air", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// 2x1000 + 4000 = 6000 subtotal, 10% member discount = 600.
	sale := resp.Sale
	if sale.Subtotal != 6000 {
		t.Fatalf("subtotal = %d, want 6000", sale.Subtotal)
	}
	if sale.DiscountAmount != 600 {
		t.Fatalf("discount = %d, want 600", sale.DiscountAmount)
	}
	if sale.Total != 5400 {
		t.Fatalf("total = %d, want 5400", sale.Total)
	}
	if sale.Change != 600 {
		t.Fatalf("change = %d, want 600", sale.Change)
	}
	if sale.Status != domain.SalePaid {
		t.Fatalf("status = %s, want paid", sale.Status)
	}
}

func TestCheckoutNonCashWithoutReference(t *testing.T) {
	svc, _ := newTestService()

	// QRIS sales are often keyed without a reference note.
	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-qris",
		BuyerKind:      "public",
		BuyerName:      "Umum",
		PaymentMethod:  "noncash",
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-air", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	sale := resp.Sale
	if sale.Status != domain.SalePaid {
		t.Fatalf("status = %s, want paid", sale.Status)
	}
	if sale.AmountReceived != sale.Total || sale.Change != 0 {
		t.Fatalf("unexpected amounts: %+v", sale)
	}
	if sale.Reference != "" {
		t.Fatalf("reference = %q, want empty", sale.Reference)
	}
}

func TestCheckoutAppliesWholesaleTier(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-tier",
		BuyerKind:      "public",
		BuyerName:      "Umum",
		PaymentMethod:  "cash",
		AmountReceived: 20000,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-buku-38", Qty: 12},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	sale := resp.Sale
	if sale.Subtotal != 9600 {
		t.Fatalf("subtotal = %d, want 9600 (12 x 800 tier price)", sale.Subtotal)
	}
	if len(sale.Lines) != 1 || !sale.Lines[0].TierApplied {
		t.Fatalf("expected tier applied on the single line: %+v", sale.Lines)
	}
	if sale.Change != 10400 {
		t.Fatalf("change = %d, want 10400", sale.Change)
	}
}

func TestCheckoutIdempotencyReturnsDuplicate(t *testing.T) {
	svc, _ := newTestService()

	req := domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-dup",
		BuyerKind:      "public",
		BuyerName:      "Umum",
		PaymentMethod:  "cash",
		AmountReceived: 5000,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-roti", Qty: 1},
		},
	}

	first, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first checkout flagged duplicate")
	}

	second, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay not flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay produced a different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}
}

func TestCheckoutWalletInsufficientLeavesNoTrace(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	// std-2102 has 10000 seeded; try to spend 12000.
	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-wallet-short",
		BuyerKind:      "student",
		BuyerID:        "std-2102",
		PaymentMethod:  "wallet",
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-keripik", Qty: 2},
		},
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if balance, _ := repo.WalletBalance(ctx, "std-2102"); balance != 10000 {
		t.Fatalf("wallet mutated on failed checkout: %d", balance)
	}
	p, _ := repo.GetProduct(ctx, "prd-keripik")
	if p.Stock != 50 {
		t.Fatalf("stock mutated on failed checkout: %d", p.Stock)
	}
	if sales, _ := repo.ListSales(ctx, 0); len(sales) != 0 {
		t.Fatalf("sale recorded on failed checkout")
	}

	// A fresh request for an affordable amount succeeds.
	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-wallet-ok",
		BuyerKind:      "student",
		BuyerID:        "std-2102",
		PaymentMethod:  "wallet",
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-keripik", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("retry checkout: %v", err)
	}
	if resp.Sale.Total != 6000 {
		t.Fatalf("total = %d, want 6000", resp.Sale.Total)
	}
	if balance, _ := repo.WalletBalance(ctx, "std-2102"); balance != 4000 {
		t.Fatalf("balance = %d, want 4000", balance)
	}
}

func TestCheckoutDebtThenSettleOnce(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-debt",
		BuyerKind:      "public",
		BuyerName:      "Pak Joko",
		BuyerPhone:     "081234567890",
		PaymentMethod:  "debt",
		DebtNote:       "bayar minggu depan",
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-dasi", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("debt checkout: %v", err)
	}
	if resp.Sale.Status != domain.SaleUnpaid || resp.Sale.Outstanding != 12000 {
		t.Fatalf("unexpected debt sale: %+v", resp.Sale)
	}

	// Debt checkout writes no cash inflow.
	if ledger, _ := svc.CashLedger(ctx, 10); ledger.Balance != 0 {
		t.Fatalf("cash balance = %d, want 0 before settlement", ledger.Balance)
	}

	settled, err := svc.SettleDebt(adminCtx(), domain.SettleDebtRequest{SaleID: resp.Sale.ID, Method: "cash"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Sale.Status != domain.SalePaid || settled.Sale.Outstanding != 0 {
		t.Fatalf("unexpected settled sale: %+v", settled.Sale)
	}

	if _, err := svc.SettleDebt(adminCtx(), domain.SettleDebtRequest{SaleID: resp.Sale.ID, Method: "cash"}); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("second settle err = %v, want ErrAlreadySettled", err)
	}

	entries, _ := repo.ListCashEntries(ctx, 0)
	if len(entries) != 1 || entries[0].Category != domain.CashCategorySettlement {
		t.Fatalf("expected exactly one settlement entry, got %+v", entries)
	}
}

func TestCheckoutPublicDebtRequiresPhone(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-debt-nophone",
		BuyerKind:      "public",
		BuyerName:      "Tanpa Telepon",
		PaymentMethod:  "debt",
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-dasi", Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCheckoutInactiveStudentRejected(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-inactive",
		BuyerKind:      "student",
		BuyerID:        "std-2105",
		PaymentMethod:  "cash",
		AmountReceived: 5000,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-roti", Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for inactive student", err)
	}
}

func TestCheckoutChangeToWalletForStudent(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-change",
		BuyerKind:      "student",
		BuyerID:        "std-2101",
		PaymentMethod:  "cash",
		AmountReceived: 10000,
		DepositChange:  true,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-air", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Sale.Change != 6000 {
		t.Fatalf("change = %d, want 6000", resp.Sale.Change)
	}

	// 25000 seed + 6000 change.
	if balance, _ := repo.WalletBalance(ctx, "std-2101"); balance != 31000 {
		t.Fatalf("wallet balance = %d, want 31000", balance)
	}
}

func TestWalletDepositWithdrawHistory(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	if _, err := svc.WalletDeposit(ctx, domain.WalletDepositRequest{AccountID: "std-2103", Amount: 15000, Note: "setoran"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.WalletWithdraw(ctx, domain.WalletWithdrawRequest{AccountID: "std-2103", Amount: 5000}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := svc.WalletWithdraw(ctx, domain.WalletWithdrawRequest{AccountID: "std-2103", Amount: 10001}); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("overdraw err = %v, want ErrInsufficientBalance", err)
	}

	history, err := svc.WalletHistory(ctx, "std-2103", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.Account.Balance != 10000 {
		t.Fatalf("balance = %d, want 10000", history.Account.Balance)
	}
	if len(history.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(history.Entries))
	}
	if history.Entries[0].BalanceAfter != 10000 {
		t.Fatalf("latest balance_after = %d, want 10000", history.Entries[0].BalanceAfter)
	}
}

func TestAdjustStockRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.AdjustStock(cashierCtx(), domain.StockAdjustmentRequest{ProductID: "prd-pensil", QtyDelta: 10})
	if err == nil {
		t.Fatalf("expected cashier stock adjustment to be rejected")
	}

	movement, err := svc.AdjustStock(adminCtx(), domain.StockAdjustmentRequest{ProductID: "prd-pensil", QtyDelta: 10, Note: "restock"})
	if err != nil {
		t.Fatalf("admin adjust: %v", err)
	}
	if movement.StockAfter != 130 {
		t.Fatalf("stock after = %d, want 130", movement.StockAfter)
	}
}

func TestCheckoutStockConservation(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	before, _ := repo.GetProduct(ctx, "prd-pulpen")

	if _, err := svc.Checkout(ctx, domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-conserve",
		BuyerKind:      "public",
		BuyerName:      "Umum",
		PaymentMethod:  "cash",
		AmountReceived: 50000,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-pulpen", Qty: 12},
		},
	}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	after, _ := repo.GetProduct(ctx, "prd-pulpen")
	movements, _ := repo.ListStockMovements(ctx, "prd-pulpen", 0)

	sold := 0
	for _, m := range movements {
		sold += -m.QtyDelta
	}
	if after.Stock+sold != before.Stock {
		t.Fatalf("stock not conserved: before=%d after=%d moved=%d", before.Stock, after.Stock, sold)
	}
}

func TestAuditLogWrittenOnCheckout(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey: "idem-svc-audit",
		BuyerKind:      "public",
		BuyerName:      "Umum",
		PaymentMethod:  "cash",
		AmountReceived: 5000,
		Lines: []domain.CheckoutLineRequest{
			{ProductID: "prd-roti", Qty: 1},
		},
	}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != "checkout" || logs[0].ActorUsername != "cashier" {
		t.Fatalf("unexpected audit trail: %+v", logs)
	}
}
