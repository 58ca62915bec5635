package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kopsis/backend/internal/domain"
	"kopsis/backend/internal/store"
	"kopsis/backend/internal/xid"
)

// Store is an in-memory repository for development and tests. One RW
// mutex serializes every multi-record mutation, which trivially gives
// the all-or-nothing commit contract: validation happens fully before
// the first write.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productOrder    []string
	students        map[string]domain.Student
	discounts       map[string]domain.Discount
	profile         domain.StoreProfile
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	saleOrder       []string
	movements       []domain.StockMovement
	walletEntries   map[string][]domain.WalletEntry
	cashEntries     []domain.CashLedgerEntry
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// hardcoded dev defaults are used with a warning when unset. Production
// deployments use PostgreSQL (DATABASE_URL) and never hit this path.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{
			ID: "prd-buku-38", Name: "Buku Tulis 38 Lembar", Category: "alat tulis",
			Price: 1000, Stock: 200, Active: true,
			Tiers: []domain.WholesaleTier{{MinQty: 5, Price: 900}, {MinQty: 10, Price: 800}},
		},
		{
			ID: "prd-pulpen", Name: "Pulpen Hitam", Category: "alat tulis",
			Price: 2000, Stock: 150, Active: true,
			Tiers: []domain.WholesaleTier{{MinQty: 12, Price: 1700}},
		},
		{ID: "prd-pensil", Name: "Pensil 2B", Category: "alat tulis", Price: 1500, Stock: 120, Active: true},
		{ID: "prd-penggaris", Name: "Penggaris 30cm", Category: "alat tulis", Price: 3000, Stock: 40, Active: true},
		{
			ID: "prd-seragam-olahraga", Name: "Seragam Olahraga", Category: "seragam",
			Price: 65000, Stock: 26, Active: true,
			Variants: []domain.ProductVariant{
				{ID: "var-s", Name: "S", Stock: 6},
				{ID: "var-m", Name: "M", Stock: 10},
				{ID: "var-l", Name: "L", Price: 70000, Stock: 8},
				{ID: "var-xl", Name: "XL", Price: 72000, Stock: 2},
			},
		},
		{
			ID: "prd-topi", Name: "Topi Upacara", Category: "seragam",
			Price: 15000, Stock: 30, Active: true,
			Variants: []domain.ProductVariant{
				{ID: "var-anak", Name: "Anak", Stock: 18},
				{ID: "var-dewasa", Name: "Dewasa", Stock: 12},
			},
		},
		{ID: "prd-dasi", Name: "Dasi Sekolah", Category: "seragam", Price: 12000, Stock: 45, Active: true},
		{ID: "prd-air", Name: "Air Mineral 600ml", Category: "minuman", Price: 4000, Stock: 90, Active: true},
		{ID: "prd-roti", Name: "Roti Coklat", Category: "makanan", Price: 5000, Stock: 60, Active: true},
		{ID: "prd-keripik", Name: "Keripik Singkong", Category: "makanan", Price: 6000, Stock: 50, Active: true},
	}

	students := []domain.Student{
		{ID: "std-2101", Name: "Andi Pratama", Class: "8A", Status: "active"},
		{ID: "std-2102", Name: "Sari Wulandari", Class: "8A", Status: "active"},
		{ID: "std-2103", Name: "Budi Santoso", Class: "8B", Status: "active"},
		{ID: "std-2104", Name: "Dewi Lestari", Class: "9A", Status: "active"},
		{ID: "std-2105", Name: "Rizky Hidayat", Class: "9C", Status: "inactive"},
	}

	discounts := []domain.Discount{
		{ID: "dsc-anggota", Name: "Diskon Anggota 10%", Kind: domain.DiscountPercent, Value: 10, Active: true},
		{ID: "dsc-guru", Name: "Diskon Guru 5%", Kind: domain.DiscountPercent, Value: 5, Active: true},
		{ID: "dsc-kilat", Name: "Potongan Kilat", Kind: domain.DiscountFlat, Value: 500, Active: true},
		{ID: "dsc-lama", Name: "Promo Lama", Kind: domain.DiscountFlat, Value: 1000, Active: false},
	}

	productMap := make(map[string]domain.Product, len(products))
	order := make([]string, 0, len(products))
	for _, p := range products {
		productMap[p.ID] = p
		order = append(order, p.ID)
	}
	studentMap := make(map[string]domain.Student, len(students))
	for _, st := range students {
		studentMap[st.ID] = st
	}
	discountMap := make(map[string]domain.Discount, len(discounts))
	for _, d := range discounts {
		discountMap[d.ID] = d
	}

	s := &Store{
		products:     productMap,
		productOrder: order,
		students:     studentMap,
		discounts:    discountMap,
		profile: domain.StoreProfile{
			Name:          "Koperasi Siswa Tunas Harapan",
			Address:       "Jl. Pendidikan No. 17, Yogyakarta",
			ReceiptFooter: "Terima kasih telah berbelanja di koperasi.",
		},
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]*domain.Sale),
		saleOrder:       make([]string, 0, 64),
		movements:       make([]domain.StockMovement, 0, 128),
		walletEntries:   make(map[string][]domain.WalletEntry),
		cashEntries:     make([]domain.CashLedgerEntry, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}

	// Seed wallet balances through the ledger so balances always derive
	// from entry history.
	now := time.Now().UTC()
	for _, seed := range []struct {
		accountID string
		amount    int64
	}{
		{"std-2101", 25000},
		{"std-2102", 10000},
		{"std-2104", 50000},
	} {
		s.walletEntries[seed.accountID] = []domain.WalletEntry{{
			ID:           xid.New("wal"),
			AccountID:    seed.accountID,
			Kind:         domain.WalletCredit,
			Amount:       seed.amount,
			BalanceAfter: seed.amount,
			CreatedAt:    now,
			Note:         "setoran awal",
		}}
	}

	return s
}

// NewEmpty returns a store with reference data but no wallet seed
// entries, for tests that need exact ledger control.
func NewEmpty() *Store {
	s := NewSeeded()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walletEntries = make(map[string][]domain.WalletEntry)
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		p := s.products[id]
		if !p.Active {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cloneProduct(p)
	return &cp, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) ListDiscounts(_ context.Context) ([]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	discounts := make([]domain.Discount, 0, len(s.discounts))
	for _, d := range s.discounts {
		discounts = append(discounts, d)
	}
	slices.SortFunc(discounts, func(a, b domain.Discount) int {
		return strings.Compare(a.ID, b.ID)
	})
	return discounts, nil
}

func (s *Store) GetDiscount(_ context.Context, id string) (*domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.discounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := d
	return &copied, nil
}

func (s *Store) ListStudents(_ context.Context) ([]domain.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	students := make([]domain.Student, 0, len(s.students))
	for _, st := range s.students {
		students = append(students, st)
	}
	slices.SortFunc(students, func(a, b domain.Student) int {
		return strings.Compare(a.ID, b.ID)
	})
	return students, nil
}

func (s *Store) GetStudent(_ context.Context, id string) (*domain.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.students[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := st
	return &copied, nil
}

func (s *Store) GetStoreProfile(_ context.Context) (*domain.StoreProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile := s.profile
	return &profile, nil
}

func (s *Store) AdjustStock(_ context.Context, productID, variantID string, qtyDelta int, reference string, at time.Time) (*domain.StockMovement, error) {
	if productID == "" || qtyDelta == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	var before, after int
	if variantID != "" {
		idx := variantIndex(p, variantID)
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		before = p.Variants[idx].Stock
		after = before + qtyDelta
		// Both levels are checked before either is written; the variant
		// slice shares its backing array with the stored product.
		if after < 0 || p.Stock+qtyDelta < 0 {
			return nil, store.ErrInsufficientStock
		}
		p.Variants[idx].Stock = after
		p.Stock += qtyDelta
	} else {
		if p.HasVariants() {
			return nil, fmt.Errorf("%w: product %s requires a variant", store.ErrValidation, productID)
		}
		before = p.Stock
		after = before + qtyDelta
		if after < 0 {
			return nil, store.ErrInsufficientStock
		}
		p.Stock = after
	}

	s.products[productID] = p

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
	s.movements = append(s.movements, movement)

	created := movement
	return &created, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if productID != "" && s.movements[i].ProductID != productID {
			continue
		}
		result = append(result, s.movements[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// CommitSale validates the payload fully, then applies sale record,
// stock decrements, movements and ledger entries under a single lock.
// Nothing is written until every check has passed.
func (s *Store) CommitSale(_ context.Context, payload domain.SalePayload) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	if existing, ok := s.salesByIdem[payload.IdempotencyKey]; ok {
		return cloneSale(existing), nil
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	// Pass 1: check stock and wallet without mutating.
	type stockPlan struct {
		productID string
		variantID string
		qty       int
		before    int
		after     int
	}
	plans := make([]stockPlan, 0, len(payload.Lines))
	variantTotals := make(map[string]int)
	productTotals := make(map[string]int)
	for _, line := range payload.Lines {
		p, ok := s.products[line.ProductID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, line.ProductID)
		}
		if line.VariantID != "" {
			idx := variantIndex(p, line.VariantID)
			if idx < 0 {
				return nil, fmt.Errorf("%w: variant %s unavailable", store.ErrValidation, line.VariantID)
			}
			variantTotals[line.ProductID+"/"+line.VariantID] += line.Qty
			if variantTotals[line.ProductID+"/"+line.VariantID] > p.Variants[idx].Stock {
				return nil, store.ErrInsufficientStock
			}
			plans = append(plans, stockPlan{
				productID: line.ProductID,
				variantID: line.VariantID,
				qty:       line.Qty,
				before:    p.Variants[idx].Stock,
			})
		} else {
			if p.HasVariants() {
				return nil, fmt.Errorf("%w: product %s requires a variant", store.ErrValidation, line.ProductID)
			}
			plans = append(plans, stockPlan{
				productID: line.ProductID,
				qty:       line.Qty,
				before:    p.Stock,
			})
		}
		productTotals[line.ProductID] += line.Qty
		if productTotals[line.ProductID] > p.Stock {
			return nil, store.ErrInsufficientStock
		}
	}

	if payload.Method == domain.PayWallet {
		if payload.WalletAccountID == "" {
			return nil, store.ErrValidation
		}
		if s.walletBalanceLocked(payload.WalletAccountID) < payload.Total {
			return nil, store.ErrInsufficientBalance
		}
	}
	if payload.ChangeToWallet {
		if payload.WalletAccountID == "" || payload.Change < 1 {
			return nil, store.ErrValidation
		}
		if _, ok := s.students[payload.WalletAccountID]; !ok {
			return nil, fmt.Errorf("%w: wallet account %s", store.ErrNotFound, payload.WalletAccountID)
		}
	}

	// Pass 2: apply. Every mutation below is already validated.
	saleID := payload.SaleID
	if saleID == "" {
		saleID = xid.New("sale")
	}
	at := payload.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for i, plan := range plans {
		p := s.products[plan.productID]
		if plan.variantID != "" {
			idx := variantIndex(p, plan.variantID)
			// before was captured pre-merge; recompute from current state
			// so duplicate (product,variant) lines chain correctly.
			plans[i].before = p.Variants[idx].Stock
			plans[i].after = p.Variants[idx].Stock - plan.qty
			p.Variants[idx].Stock = plans[i].after
			p.Stock -= plan.qty
		} else {
			plans[i].before = p.Stock
			plans[i].after = p.Stock - plan.qty
			p.Stock = plans[i].after
		}
		s.products[plan.productID] = p

		s.movements = append(s.movements, domain.StockMovement{
			ID:          xid.New("mov"),
			ProductID:   plan.productID,
			VariantID:   plan.variantID,
			CreatedAt:   at,
			Kind:        domain.MovementSale,
			QtyDelta:    -plan.qty,
			StockBefore: plans[i].before,
			StockAfter:  plans[i].after,
			Reference:   saleID,
		})
	}

	if payload.Method == domain.PayWallet {
		s.appendWalletEntryLocked(payload.WalletAccountID, domain.WalletDebit, payload.Total, "pembelian koperasi", saleID, at)
	}
	if payload.Method == domain.PayCash || payload.Method == domain.PayNonCash {
		s.appendCashEntryLocked(domain.CashIn, domain.CashCategorySale, payload.Total, payload.Cashier, saleID, at)
	}
	if payload.ChangeToWallet {
		s.appendWalletEntryLocked(payload.WalletAccountID, domain.WalletCredit, payload.Change, "kembalian masuk saldo", saleID, at)
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
	s.salesByID[sale.ID] = sale
	s.salesByIdem[payload.IdempotencyKey] = sale
	s.saleOrder = append(s.saleOrder, sale.ID)

	return cloneSale(sale), nil
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

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		result = append(result, *cloneSale(s.salesByID[s.saleOrder[i]]))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListUnpaidSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 16)
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if sale.Status == domain.SaleUnpaid {
			result = append(result, *cloneSale(sale))
		}
	}
	return result, nil
}

// SettleDebt flips an unpaid sale to paid, debiting the buyer's wallet
// when settled from saldo and always recording the cash-ledger inflow.
// All three records change under one lock or not at all.
func (s *Store) SettleDebt(_ context.Context, saleID string, method domain.PaymentMethod, responsible string, at time.Time) (*domain.Sale, error) {
	if method != domain.PayCash && method != domain.PayWallet {
		return nil, fmt.Errorf("%w: unsupported settlement method %q", store.ErrValidation, method)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleUnpaid {
		return nil, store.ErrAlreadySettled
	}

	if method == domain.PayWallet {
		if sale.BuyerKind != domain.BuyerStudent || sale.BuyerID == "" {
			return nil, fmt.Errorf("%w: wallet settlement requires a student buyer", store.ErrValidation)
		}
		if s.walletBalanceLocked(sale.BuyerID) < sale.Outstanding {
			return nil, store.ErrInsufficientBalance
		}
		s.appendWalletEntryLocked(sale.BuyerID, domain.WalletDebit, sale.Outstanding, "pelunasan kasbon", sale.ID, at)
	}

	s.appendCashEntryLocked(domain.CashIn, domain.CashCategorySettlement, sale.Outstanding, responsible, fmt.Sprintf("%s (%s)", sale.ID, method), at)

	settledAt := at
	sale.Status = domain.SalePaid
	sale.Outstanding = 0
	sale.SettledMethod = method
	sale.SettledAt = &settledAt

	return cloneSale(sale), nil
}

func (s *Store) WalletBalance(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.students[accountID]; !ok {
		return 0, store.ErrNotFound
	}
	return s.walletBalanceLocked(accountID), nil
}

func (s *Store) WalletDeposit(_ context.Context, accountID string, amount int64, note, reference string, at time.Time) (*domain.WalletEntry, error) {
	if amount < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.students[accountID]; !ok {
		return nil, store.ErrNotFound
	}
	entry := s.appendWalletEntryLocked(accountID, domain.WalletCredit, amount, note, reference, at)
	return &entry, nil
}

func (s *Store) WalletWithdraw(_ context.Context, accountID string, amount int64, note string, at time.Time) (*domain.WalletEntry, error) {
	if amount < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.students[accountID]; !ok {
		return nil, store.ErrNotFound
	}
	if s.walletBalanceLocked(accountID) < amount {
		return nil, store.ErrInsufficientBalance
	}
	entry := s.appendWalletEntryLocked(accountID, domain.WalletDebit, amount, note, "", at)
	return &entry, nil
}

func (s *Store) ListWalletEntries(_ context.Context, accountID string, limit int) ([]domain.WalletEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.students[accountID]; !ok {
		return nil, store.ErrNotFound
	}
	entries := s.walletEntries[accountID]
	result := make([]domain.WalletEntry, 0, limit)
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListWalletAccounts(_ context.Context) ([]domain.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Every active roster member has a custodial account whether or not
	// it has history yet; accounts with entries stay listed even after
	// the member leaves the roster.
	accounts := make([]domain.WalletAccount, 0, len(s.students))
	listed := make(map[string]bool, len(s.students))
	for id, st := range s.students {
		if st.Status != "active" {
			continue
		}
		listed[id] = true
		accounts = append(accounts, domain.WalletAccount{
			PersonID:   id,
			PersonName: st.Name,
			Balance:    s.walletBalanceLocked(id),
		})
	}
	for accountID := range s.walletEntries {
		if listed[accountID] {
			continue
		}
		name := accountID
		if st, ok := s.students[accountID]; ok {
			name = st.Name
		}
		accounts = append(accounts, domain.WalletAccount{
			PersonID:   accountID,
			PersonName: name,
			Balance:    s.walletBalanceLocked(accountID),
		})
	}
	slices.SortFunc(accounts, func(a, b domain.WalletAccount) int {
		return strings.Compare(a.PersonID, b.PersonID)
	})
	return accounts, nil
}

func (s *Store) RecordCashEntry(_ context.Context, kind domain.CashEntryKind, category string, amount int64, responsible, note string, at time.Time) (*domain.CashLedgerEntry, error) {
	if kind != domain.CashIn && kind != domain.CashOut {
		return nil, store.ErrValidation
	}
	if amount < 1 || strings.TrimSpace(category) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.appendCashEntryLocked(kind, category, amount, responsible, note, at)
	return &entry, nil
}

func (s *Store) ListCashEntries(_ context.Context, limit int) ([]domain.CashLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashLedgerEntry, 0, limit)
	for i := len(s.cashEntries) - 1; i >= 0; i-- {
		result = append(result, s.cashEntries[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CashBalance(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.cashEntries) == 0 {
		return 0, nil
	}
	return s.cashEntries[len(s.cashEntries)-1].BalanceAfter, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		result = append(result, s.auditLogs[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := user
	return &copied, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) walletBalanceLocked(accountID string) int64 {
	entries := s.walletEntries[accountID]
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].BalanceAfter
}

func (s *Store) appendWalletEntryLocked(accountID string, kind domain.WalletEntryKind, amount int64, note, reference string, at time.Time) domain.WalletEntry {
	balance := s.walletBalanceLocked(accountID)
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
	s.walletEntries[accountID] = append(s.walletEntries[accountID], entry)
	return entry
}

func (s *Store) appendCashEntryLocked(kind domain.CashEntryKind, category string, amount int64, responsible, note string, at time.Time) domain.CashLedgerEntry {
	balance := int64(0)
	if len(s.cashEntries) > 0 {
		balance = s.cashEntries[len(s.cashEntries)-1].BalanceAfter
	}
	if kind == domain.CashIn {
		balance += amount
	} else {
		balance -= amount
	}
	entry := domain.CashLedgerEntry{
		ID:           xid.New("cash"),
		CreatedAt:    at,
		Kind:         kind,
		Category:     category,
		Amount:       amount,
		BalanceAfter: balance,
		Responsible:  responsible,
		Note:         note,
	}
	s.cashEntries = append(s.cashEntries, entry)
	return entry
}

func variantIndex(p domain.Product, variantID string) int {
	for i, v := range p.Variants {
		if v.ID == variantID {
			return i
		}
	}
	return -1
}

func cloneProduct(p domain.Product) domain.Product {
	cp := p
	cp.Variants = append([]domain.ProductVariant(nil), p.Variants...)
	cp.Tiers = append([]domain.WholesaleTier(nil), p.Tiers...)
	return cp
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	cp := *sale
	cp.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	if sale.SettledAt != nil {
		at := *sale.SettledAt
		cp.SettledAt = &at
	}
	return &cp
}
