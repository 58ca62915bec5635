package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"kopsis/backend/internal/domain"
)

func TestSettleDebtFromWalletIntegration(t *testing.T) {
	databaseURL := os.Getenv("KOPSIS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KOPSIS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-settle-it-%d", stamp)
	studentID := fmt.Sprintf("std-settle-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-settle-it-%d", stamp)

	var createdSaleID string
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM wallet_entries WHERE account_id = $1`, studentID)
		if createdSaleID != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_ledger_entries WHERE note LIKE '%' || $1 || '%'`, createdSaleID)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE idempotency_key = $1`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, studentID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, stock, active, created_at, updated_at)
		VALUES ($1, 'Produk Settle IT', 'alat tulis', 5000, 10, true, now(), now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, class, status)
		VALUES ($1, 'Siswa Settle IT', '8A', 'active')
	`, studentID); err != nil {
		t.Fatalf("insert student: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.WalletDeposit(ctx, studentID, 20000, "setoran awal", "", now); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	sale, err := s.CommitSale(ctx, domain.SalePayload{
		IdempotencyKey: idempotencyKey,
		BuyerKind:      domain.BuyerStudent,
		BuyerID:        studentID,
		BuyerName:      "Siswa Settle IT",
		Lines: []domain.SaleLine{
			{ProductID: productID, Name: "Produk Settle IT", Qty: 2, UnitPrice: 5000, LineTotal: 10000},
		},
		Subtotal:    10000,
		Total:       10000,
		Method:      domain.PayDebt,
		Status:      domain.SaleUnpaid,
		Outstanding: 10000,
		Cashier:     "cashier",
		CreatedAt:   now,
	})
	if err != nil {
		t.Fatalf("commit debt sale: %v", err)
	}
	createdSaleID = sale.ID

	var stock int
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if stock != 8 {
		t.Fatalf("expected stock 8 after debt sale, got %d", stock)
	}

	settled, err := s.SettleDebt(ctx, sale.ID, domain.PayWallet, "admin", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("settle debt: %v", err)
	}
	if settled.Status != domain.SalePaid || settled.Outstanding != 0 {
		t.Fatalf("unexpected settled sale: %+v", settled)
	}
	if settled.SettledMethod != domain.PayWallet || settled.SettledAt == nil {
		t.Fatalf("settlement metadata missing: %+v", settled)
	}

	balance, err := s.WalletBalance(ctx, studentID)
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	if balance != 10000 {
		t.Fatalf("expected wallet balance 10000 after settlement, got %d", balance)
	}

	var settlementEntries int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM cash_ledger_entries
		WHERE category = $1 AND note LIKE '%' || $2 || '%'
	`, domain.CashCategorySettlement, sale.ID).Scan(&settlementEntries); err != nil {
		t.Fatalf("query cash entries: %v", err)
	}
	if settlementEntries != 1 {
		t.Fatalf("expected 1 settlement cash entry, got %d", settlementEntries)
	}
}
