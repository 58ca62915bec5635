package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kopsis/backend/internal/domain"
	"kopsis/backend/internal/store"
	"kopsis/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price, stock, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachVariantsAndTiers(ctx, products, ids); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price, stock, active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	products := []domain.Product{p}
	if err := s.attachVariantsAndTiers(ctx, products, []string{p.ID}); err != nil {
		return nil, err
	}
	return &products[0], nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price, stock, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, len(ids))
	found := make([]string, 0, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
		found = append(found, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachVariantsAndTiers(ctx, products, found); err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) attachVariantsAndTiers(ctx context.Context, products []domain.Product, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	index := make(map[string]int, len(products))
	for i, p := range products {
		index[p.ID] = i
	}

	variantRows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, name, COALESCE(price, 0), stock
		FROM product_variants
		WHERE product_id = ANY($1)
		ORDER BY product_id, name
	`, ids)
	if err != nil {
		return err
	}
	for variantRows.Next() {
		var v domain.ProductVariant
		var productID string
		if err := variantRows.Scan(&v.ID, &productID, &v.Name, &v.Price, &v.Stock); err != nil {
			_ = variantRows.Close()
			return err
		}
		if i, ok := index[productID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	if err := variantRows.Err(); err != nil {
		_ = variantRows.Close()
		return err
	}
	_ = variantRows.Close()

	tierRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, min_qty, price
		FROM wholesale_tiers
		WHERE product_id = ANY($1)
		ORDER BY product_id, min_qty
	`, ids)
	if err != nil {
		return err
	}
	defer tierRows.Close()
	for tierRows.Next() {
		var t domain.WholesaleTier
		var productID string
		if err := tierRows.Scan(&productID, &t.MinQty, &t.Price); err != nil {
			return err
		}
		if i, ok := index[productID]; ok {
			products[i].Tiers = append(products[i].Tiers, t)
		}
	}
	return tierRows.Err()
}

func (s *Store) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, value, active
		FROM discounts
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	discounts := make([]domain.Discount, 0, 16)
	for rows.Next() {
		var d domain.Discount
		if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.Value, &d.Active); err != nil {
			return nil, err
		}
		discounts = append(discounts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return discounts, nil
}

func (s *Store) GetDiscount(ctx context.Context, id string) (*domain.Discount, error) {
	var d domain.Discount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, value, active
		FROM discounts
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Kind, &d.Value, &d.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListStudents(ctx context.Context) ([]domain.Student, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, class, status
		FROM students
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	students := make([]domain.Student, 0, 128)
	for rows.Next() {
		var st domain.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Class, &st.Status); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return students, nil
}

func (s *Store) GetStudent(ctx context.Context, id string) (*domain.Student, error) {
	var st domain.Student
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, class, status
		FROM students
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Name, &st.Class, &st.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetStoreProfile(ctx context.Context) (*domain.StoreProfile, error) {
	var profile domain.StoreProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT name, address, receipt_footer
		FROM store_profile
		LIMIT 1
	`).Scan(&profile.Name, &profile.Address, &profile.ReceiptFooter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &profile, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID, variantID string, qtyDelta int, reference string, at time.Time) (*domain.StockMovement, error) {
	if productID == "" || qtyDelta == 0 {
		return nil, store.ErrValidation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var before int
	var hasVariants bool
	err = tx.QueryRowContext(ctx, `
		SELECT stock, EXISTS (SELECT 1 FROM product_variants WHERE product_id = products.id)
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&before, &hasVariants)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var after int
	if variantID != "" {
		var variantBefore int
		err = tx.QueryRowContext(ctx, `
			SELECT stock
			FROM product_variants
			WHERE id = $1 AND product_id = $2
			FOR UPDATE
		`, variantID, productID).Scan(&variantBefore)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		after = variantBefore + qtyDelta
		if after < 0 || before+qtyDelta < 0 {
			return nil, store.ErrInsufficientStock
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE product_variants SET stock = stock + $2, updated_at = now() WHERE id = $1
		`, variantID, qtyDelta); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
		`, productID, qtyDelta); err != nil {
			return nil, err
		}
		before = variantBefore
	} else {
		if hasVariants {
			return nil, fmt.Errorf("%w: product %s requires a variant", store.ErrValidation, productID)
		}
		after = before + qtyDelta
		if after < 0 {
			return nil, store.ErrInsufficientStock
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
		`, productID, qtyDelta); err != nil {
			return nil, err
		}
	}

	movement := domain.StockMovement{
		ID:          xid.New("mov"),
		ProductID:   productID,
		VariantID:   variantID,
		CreatedAt:   at,
		Kind:        domain.MovementAdjustment,
		QtyDelta:    qtyDelta,
		StockBefore: before,
		StockAfter:  after,
		Reference:   reference,
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, variant_id, kind, qty_delta, stock_before, stock_after, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ID, m.ProductID, nullIfEmpty(m.VariantID), m.Kind, m.QtyDelta, m.StockBefore, m.StockAfter, nullIfEmpty(m.Reference), m.CreatedAt)
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(variant_id,''), kind, qty_delta, stock_before, stock_after, COALESCE(reference,''), created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.VariantID, &m.Kind, &m.QtyDelta, &m.StockBefore, &m.StockAfter, &m.Reference, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// CommitSale applies the whole sale inside one serializable transaction:
// stock rows are locked and re-checked, the wallet or cash ledger moves,
// and movement rows reference the created sale. A unique violation on
// the idempotency key means a concurrent duplicate; the winner's sale
// is returned instead.
func (s *Store) CommitSale(ctx context.Context, payload domain.SalePayload) (*domain.Sale, error) {
	if payload.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	if existing, err := s.FindSaleByIdempotency(ctx, payload.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	saleID := payload.SaleID
	if saleID == "" {
		saleID = xid.New("sale")
	}
	at := payload.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := uniqueProductIDs(payload.Lines)
	stockMap, variantStock, hasVariantsMap, err := lockStock(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}

	for _, line := range payload.Lines {
		if line.VariantID != "" {
			key := line.ProductID + "/" + line.VariantID
			remaining, ok := variantStock[key]
			if !ok {
				return nil, fmt.Errorf("%w: variant %s unavailable", store.ErrValidation, line.VariantID)
			}
			if remaining < line.Qty {
				return nil, store.ErrInsufficientStock
			}
			variantStock[key] = remaining - line.Qty
		} else if hasVariantsMap[line.ProductID] {
			return nil, fmt.Errorf("%w: product %s requires a variant", store.ErrValidation, line.ProductID)
		}
		remaining, ok := stockMap[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, line.ProductID)
		}
		if remaining < line.Qty {
			return nil, store.ErrInsufficientStock
		}
		stockMap[line.ProductID] = remaining - line.Qty
	}

	if payload.Method == domain.PayWallet {
		if payload.WalletAccountID == "" {
			return nil, store.ErrValidation
		}
		balance, err := walletBalanceTx(ctx, tx, payload.WalletAccountID)
		if err != nil {
			return nil, err
		}
		if balance < payload.Total {
			return nil, store.ErrInsufficientBalance
		}
	}
	if payload.ChangeToWallet && (payload.WalletAccountID == "" || payload.Change < 1) {
		return nil, store.ErrValidation
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, idempotency_key, buyer_kind, buyer_id, buyer_name, buyer_phone,
			subtotal, discount_id, discount_amount, total, method, amount_received,
			change, reference, status, outstanding, cashier, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, saleID, payload.IdempotencyKey, payload.BuyerKind, nullIfEmpty(payload.BuyerID),
		payload.BuyerName, nullIfEmpty(payload.BuyerPhone), payload.Subtotal,
		nullIfEmpty(payload.DiscountID), payload.DiscountAmount, payload.Total,
		payload.Method, payload.AmountReceived, payload.Change,
		nullIfEmpty(payload.Reference), payload.Status, payload.Outstanding,
		payload.Cashier, at)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, payload.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, line := range payload.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, variant_id, name, qty, unit_price, line_total, tier_applied)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, saleID, line.ProductID, nullIfEmpty(line.VariantID), line.Name, line.Qty, line.UnitPrice, line.LineTotal, line.TierApplied)
		if err != nil {
			return nil, err
		}

		var before, after int
		if line.VariantID != "" {
			err = tx.QueryRowContext(ctx, `
				UPDATE product_variants
				SET stock = stock - $3, updated_at = now()
				WHERE id = $1 AND product_id = $2
				RETURNING stock + $3, stock
			`, line.VariantID, line.ProductID, line.Qty).Scan(&before, &after)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1
			`, line.ProductID, line.Qty); err != nil {
				return nil, err
			}
		} else {
			err = tx.QueryRowContext(ctx, `
				UPDATE products
				SET stock = stock - $2, updated_at = now()
				WHERE id = $1
				RETURNING stock + $2, stock
			`, line.ProductID, line.Qty).Scan(&before, &after)
			if err != nil {
				return nil, err
			}
		}

		if err := insertMovement(ctx, tx, domain.StockMovement{
			ID:          xid.New("mov"),
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			CreatedAt:   at,
			Kind:        domain.MovementSale,
			QtyDelta:    -line.Qty,
			StockBefore: before,
			StockAfter:  after,
			Reference:   saleID,
		}); err != nil {
			return nil, err
		}
	}

	if payload.Method == domain.PayWallet {
		if err := appendWalletEntryTx(ctx, tx, payload.WalletAccountID, domain.WalletDebit, payload.Total, "pembelian koperasi", saleID, at); err != nil {
			return nil, err
		}
	}
	if payload.Method == domain.PayCash || payload.Method == domain.PayNonCash {
		if err := appendCashEntryTx(ctx, tx, domain.CashIn, domain.CashCategorySale, payload.Total, payload.Cashier, saleID, at); err != nil {
			return nil, err
		}
	}
	if payload.ChangeToWallet {
		if err := appendWalletEntryTx(ctx, tx, payload.WalletAccountID, domain.WalletCredit, payload.Change, "kembalian masuk saldo", saleID, at); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sale := &domain.Sale{
		ID:             saleID,
		CreatedAt:      at,
		BuyerKind:      payload.BuyerKind,
		BuyerID:        payload.BuyerID,
		BuyerName:      payload.BuyerName,
		BuyerPhone:     payload.BuyerPhone,
		Lines:          append([]domain.SaleLine(nil), payload.Lines...),
		Subtotal:       payload.Subtotal,
		DiscountID:     payload.DiscountID,
		DiscountAmount: payload.DiscountAmount,
		Total:          payload.Total,
		Method:         payload.Method,
		AmountReceived: payload.AmountReceived,
		Change:         payload.Change,
		Reference:      payload.Reference,
		Status:         payload.Status,
		Outstanding:    payload.Outstanding,
		Cashier:        payload.Cashier,
	}
	return sale, nil
}

func validatePayload(payload domain.SalePayload) error {
	if len(payload.Lines) == 0 {
		return fmt.Errorf("%w: empty sale", store.ErrValidation)
	}
	var lineSum int64
	for _, line := range payload.Lines {
		if line.Qty < 1 || line.UnitPrice < 0 {
			return store.ErrValidation
		}
		if line.LineTotal != int64(line.Qty)*line.UnitPrice {
			return fmt.Errorf("%w: line total mismatch for %s", store.ErrValidation, line.ProductID)
		}
		lineSum += line.LineTotal
	}
	if lineSum != payload.Subtotal {
		return fmt.Errorf("%w: subtotal mismatch", store.ErrValidation)
	}
	if payload.DiscountAmount < 0 || payload.DiscountAmount > payload.Subtotal {
		return fmt.Errorf("%w: discount out of range", store.ErrValidation)
	}
	expected := payload.Subtotal - payload.DiscountAmount
	if expected < 0 {
		expected = 0
	}
	if payload.Total != expected {
		return fmt.Errorf("%w: total mismatch", store.ErrValidation)
	}
	switch payload.Method {
	case domain.PayCash:
		if payload.AmountReceived < payload.Total {
			return fmt.Errorf("%w: short cash payment", store.ErrValidation)
		}
	case domain.PayNonCash, domain.PayWallet:
		if payload.AmountReceived != payload.Total || payload.Change != 0 {
			return store.ErrValidation
		}
	case domain.PayDebt:
		// Unpaid always implies a positive outstanding equal to the
		// total; a zero-total debt sale must arrive already paid.
		if payload.Total == 0 {
			if payload.Status != domain.SalePaid || payload.Outstanding != 0 {
				return store.ErrValidation
			}
		} else if payload.Status != domain.SaleUnpaid || payload.Outstanding != payload.Total {
			return store.ErrValidation
		}
	default:
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, payload.Method)
	}
	if payload.Method != domain.PayDebt && payload.Status != domain.SalePaid {
		return store.ErrValidation
	}
	return nil
}

func lockStock(ctx context.Context, tx *sql.Tx, productIDs []string) (map[string]int, map[string]int, map[string]bool, error) {
	stockMap := make(map[string]int, len(productIDs))
	hasVariantsMap := make(map[string]bool, len(productIDs))

	rows, err := tx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE active = true AND id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var id string
		var stock int
		if err := rows.Scan(&id, &stock); err != nil {
			_ = rows.Close()
			return nil, nil, nil, err
		}
		stockMap[id] = stock
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, nil, err
	}
	_ = rows.Close()

	variantStock := make(map[string]int)
	variantRows, err := tx.QueryContext(ctx, `
		SELECT product_id, id, stock
		FROM product_variants
		WHERE product_id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	defer variantRows.Close()
	for variantRows.Next() {
		var productID, variantID string
		var stock int
		if err := variantRows.Scan(&productID, &variantID, &stock); err != nil {
			return nil, nil, nil, err
		}
		variantStock[productID+"/"+variantID] = stock
		hasVariantsMap[productID] = true
	}
	if err := variantRows.Err(); err != nil {
		return nil, nil, nil, err
	}
	return stockMap, variantStock, hasVariantsMap, nil
}

func walletBalanceTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	// Locking the student row serializes concurrent ledger appends for
	// the same account.
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT true FROM students WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_after
		FROM wallet_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func appendWalletEntryTx(ctx context.Context, tx *sql.Tx, accountID string, kind domain.WalletEntryKind, amount int64, note, reference string, at time.Time) error {
	balance, err := walletBalanceTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if kind == domain.WalletCredit {
		balance += amount
	} else {
		balance -= amount
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, account_id, kind, amount, balance_after, note, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, xid.New("wal"), accountID, kind, amount, balance, nullIfEmpty(note), nullIfEmpty(reference), at)
	return err
}

func appendCashEntryTx(ctx context.Context, tx *sql.Tx, kind domain.CashEntryKind, category string, amount int64, responsible, note string, at time.Time) error {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_after
		FROM cash_ledger_entries
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if kind == domain.CashIn {
		balance += amount
	} else {
		balance -= amount
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_ledger_entries (id, kind, category, amount, balance_after, responsible, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, xid.New("cash"), kind, category, amount, balance, responsible, nullIfEmpty(note), at)
	return err
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`
		SELECT id, buyer_kind, COALESCE(buyer_id,''), buyer_name, COALESCE(buyer_phone,''),
			subtotal, COALESCE(discount_id,''), discount_amount, total, method,
			amount_received, change, COALESCE(reference,''), status, outstanding,
			COALESCE(settled_method,''), settled_at, cashier, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	var sale domain.Sale
	var settledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.BuyerKind,
		&sale.BuyerID,
		&sale.BuyerName,
		&sale.BuyerPhone,
		&sale.Subtotal,
		&sale.DiscountID,
		&sale.DiscountAmount,
		&sale.Total,
		&sale.Method,
		&sale.AmountReceived,
		&sale.Change,
		&sale.Reference,
		&sale.Status,
		&sale.Outstanding,
		&sale.SettledMethod,
		&settledAt,
		&sale.Cashier,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		sale.SettledAt = &at
	}

	lines, err := s.saleLines(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Lines = lines[sale.ID]
	return &sale, nil
}

func (s *Store) saleLines(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	result := make(map[string][]domain.SaleLine, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, COALESCE(variant_id,''), name, qty, unit_price, line_total, tier_applied
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := rows.Scan(&saleID, &line.ProductID, &line.VariantID, &line.Name, &line.Qty, &line.UnitPrice, &line.LineTotal, &line.TierApplied); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.listSales(ctx, `
		SELECT id, buyer_kind, COALESCE(buyer_id,''), buyer_name, COALESCE(buyer_phone,''),
			subtotal, COALESCE(discount_id,''), discount_amount, total, method,
			amount_received, change, COALESCE(reference,''), status, outstanding,
			COALESCE(settled_method,''), settled_at, cashier, created_at
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
}

func (s *Store) ListUnpaidSales(ctx context.Context) ([]domain.Sale, error) {
	return s.listSales(ctx, `
		SELECT id, buyer_kind, COALESCE(buyer_id,''), buyer_name, COALESCE(buyer_phone,''),
			subtotal, COALESCE(discount_id,''), discount_amount, total, method,
			amount_received, change, COALESCE(reference,''), status, outstanding,
			COALESCE(settled_method,''), settled_at, cashier, created_at
		FROM sales
		WHERE status = $1
		ORDER BY created_at ASC
	`, domain.SaleUnpaid)
}

func (s *Store) listSales(ctx context.Context, query string, arg any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		var sale domain.Sale
		var settledAt sql.NullTime
		if err := rows.Scan(
			&sale.ID,
			&sale.BuyerKind,
			&sale.BuyerID,
			&sale.BuyerName,
			&sale.BuyerPhone,
			&sale.Subtotal,
			&sale.DiscountID,
			&sale.DiscountAmount,
			&sale.Total,
			&sale.Method,
			&sale.AmountReceived,
			&sale.Change,
			&sale.Reference,
			&sale.Status,
			&sale.Outstanding,
			&sale.SettledMethod,
			&settledAt,
			&sale.Cashier,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		if settledAt.Valid {
			at := settledAt.Time.UTC()
			sale.SettledAt = &at
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := s.saleLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = lines[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) SettleDebt(ctx context.Context, saleID string, method domain.PaymentMethod, responsible string, at time.Time) (*domain.Sale, error) {
	if method != domain.PayCash && method != domain.PayWallet {
		return nil, fmt.Errorf("%w: unsupported settlement method %q", store.ErrValidation, method)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.SaleStatus
	var outstanding int64
	var buyerKind domain.BuyerKind
	var buyerID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, outstanding, buyer_kind, buyer_id
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status, &outstanding, &buyerKind, &buyerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleUnpaid {
		return nil, store.ErrAlreadySettled
	}

	if method == domain.PayWallet {
		if buyerKind != domain.BuyerStudent || !buyerID.Valid {
			return nil, fmt.Errorf("%w: wallet settlement requires a student buyer", store.ErrValidation)
		}
		balance, err := walletBalanceTx(ctx, tx, buyerID.String)
		if err != nil {
			return nil, err
		}
		if balance < outstanding {
			return nil, store.ErrInsufficientBalance
		}
		if err := appendWalletEntryTx(ctx, tx, buyerID.String, domain.WalletDebit, outstanding, "pelunasan kasbon", saleID, at); err != nil {
			return nil, err
		}
	}

	if err := appendCashEntryTx(ctx, tx, domain.CashIn, domain.CashCategorySettlement, outstanding, responsible, fmt.Sprintf("%s (%s)", saleID, method), at); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, outstanding = 0, settled_method = $3, settled_at = $4
		WHERE id = $1 AND status = $5
	`, saleID, domain.SalePaid, method, at, domain.SaleUnpaid)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrAlreadySettled
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetSale(ctx, saleID)
}

func (s *Store) WalletBalance(ctx context.Context, accountID string) (int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT true FROM students WHERE id = $1
	`, accountID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}

	var balance int64
	err = s.db.QueryRowContext(ctx, `
		SELECT balance_after
		FROM wallet_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func (s *Store) WalletDeposit(ctx context.Context, accountID string, amount int64, note, reference string, at time.Time) (*domain.WalletEntry, error) {
	return s.walletMutation(ctx, accountID, domain.WalletCredit, amount, note, reference, at)
}

func (s *Store) WalletWithdraw(ctx context.Context, accountID string, amount int64, note string, at time.Time) (*domain.WalletEntry, error) {
	return s.walletMutation(ctx, accountID, domain.WalletDebit, amount, note, "", at)
}

func (s *Store) walletMutation(ctx context.Context, accountID string, kind domain.WalletEntryKind, amount int64, note, reference string, at time.Time) (*domain.WalletEntry, error) {
	if amount < 1 {
		return nil, store.ErrValidation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := walletBalanceTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if kind == domain.WalletDebit && balance < amount {
		return nil, store.ErrInsufficientBalance
	}
	if kind == domain.WalletCredit {
		balance += amount
	} else {
		balance -= amount
	}

	entry := domain.WalletEntry{
		ID:           xid.New("wal"),
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balance,
		CreatedAt:    at,
		Note:         note,
		Reference:    reference,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, account_id, kind, amount, balance_after, note, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.AccountID, entry.Kind, entry.Amount, entry.BalanceAfter, nullIfEmpty(entry.Note), nullIfEmpty(entry.Reference), entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ListWalletEntries(ctx context.Context, accountID string, limit int) ([]domain.WalletEntry, error) {
	if limit < 1 {
		limit = 100
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT true FROM students WHERE id = $1
	`, accountID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, balance_after, COALESCE(note,''), COALESCE(reference,''), created_at
		FROM wallet_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.WalletEntry, 0, limit)
	for rows.Next() {
		var entry domain.WalletEntry
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount, &entry.BalanceAfter, &entry.Note, &entry.Reference, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListWalletAccounts(ctx context.Context) ([]domain.WalletAccount, error) {
	// Every active roster member has a custodial account whether or not
	// it has history yet; accounts with entries stay listed even after
	// the member leaves the roster.
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.name, COALESCE(latest.balance_after, 0)
		FROM students st
		LEFT JOIN LATERAL (
			SELECT we.balance_after
			FROM wallet_entries we
			WHERE we.account_id = st.id
			ORDER BY we.created_at DESC, we.id DESC
			LIMIT 1
		) latest ON true
		WHERE st.status = 'active' OR latest.balance_after IS NOT NULL
		ORDER BY st.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.WalletAccount, 0, 64)
	for rows.Next() {
		var account domain.WalletAccount
		if err := rows.Scan(&account.PersonID, &account.PersonName, &account.Balance); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) RecordCashEntry(ctx context.Context, kind domain.CashEntryKind, category string, amount int64, responsible, note string, at time.Time) (*domain.CashLedgerEntry, error) {
	if kind != domain.CashIn && kind != domain.CashOut {
		return nil, store.ErrValidation
	}
	if amount < 1 || strings.TrimSpace(category) == "" {
		return nil, store.ErrValidation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendCashEntryTx(ctx, tx, kind, category, amount, responsible, note, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	entries, err := s.ListCashEntries(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	entry := entries[0]
	return &entry, nil
}

func (s *Store) ListCashEntries(ctx context.Context, limit int) ([]domain.CashLedgerEntry, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, category, amount, balance_after, responsible, COALESCE(note,''), created_at
		FROM cash_ledger_entries
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CashLedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.CashLedgerEntry
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Category, &entry.Amount, &entry.BalanceAfter, &entry.Responsible, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CashBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after
		FROM cash_ledger_entries
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueProductIDs(lines []domain.SaleLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
