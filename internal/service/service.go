package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"kopsis/backend/internal/cache"
	"kopsis/backend/internal/cart"
	"kopsis/backend/internal/checkout"
	"kopsis/backend/internal/domain"
	"kopsis/backend/internal/pricing"
	"kopsis/backend/internal/store"
	"kopsis/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const catalogCacheKey = "catalog:products"

type Service struct {
	repo       store.Repository
	catalog    cache.CatalogCache
	catalogTTL time.Duration
}

func New(repo store.Repository, catalog cache.CatalogCache, catalogTTL time.Duration) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if catalogTTL < 1 {
		catalogTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		catalog:    catalog,
		catalogTTL: catalogTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if cached, ok, err := s.catalog.Get(ctx, catalogCacheKey); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: catalog cache read failed: %v", err)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, catalogCacheKey, products, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed: %v", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (s *Service) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.repo.ListDiscounts(ctx)
}

func (s *Service) ListStudents(ctx context.Context) ([]domain.Student, error) {
	return s.repo.ListStudents(ctx)
}

func (s *Service) GetStoreProfile(ctx context.Context) (domain.StoreProfile, error) {
	profile, err := s.repo.GetStoreProfile(ctx)
	if err != nil {
		return domain.StoreProfile{}, err
	}
	return *profile, nil
}

// Checkout replays the full sale flow for one request: cart assembly
// with tier pricing, buyer identification, payment validation, then one
// atomic commit. Reusing an idempotency key returns the original sale.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	if len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: empty cart", store.ErrValidation)
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.CheckoutResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	basket, err := s.buildCart(ctx, req.Lines)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	session := checkout.NewSession(basket, actor.Username)
	if err := s.setBuyer(ctx, session, req); err != nil {
		return domain.CheckoutResponse{}, err
	}

	if req.DiscountID != "" {
		discount, err := s.repo.GetDiscount(ctx, req.DiscountID)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		if err := session.ApplyDiscount(*discount); err != nil {
			return domain.CheckoutResponse{}, wrapCheckoutErr(err)
		}
	}

	payment, err := paymentFromRequest(req)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if err := session.SelectPayment(payment); err != nil {
		return domain.CheckoutResponse{}, wrapCheckoutErr(err)
	}
	if err := session.Validate(ctx, s.repo.WalletBalance); err != nil {
		return domain.CheckoutResponse{}, wrapCheckoutErr(err)
	}

	payload, err := session.Payload(xid.New("sale"), req.IdempotencyKey, time.Now().UTC())
	if err != nil {
		return domain.CheckoutResponse{}, wrapCheckoutErr(err)
	}

	sale, err := s.repo.CommitSale(ctx, payload)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidate failed: %v", err)
	}
	s.logAudit(ctx, "checkout", "sale", sale.ID,
		fmt.Sprintf("total=%d,method=%s,buyer=%s,status=%s", sale.Total, sale.Method, sale.BuyerKind, sale.Status))

	return domain.CheckoutResponse{Sale: *sale}, nil
}

func (s *Service) buildCart(ctx context.Context, lines []domain.CheckoutLineRequest) (*cart.Cart, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, fmt.Errorf("%w: product id required", store.ErrValidation)
		}
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	basket := cart.New()
	for _, line := range lines {
		product, exists := products[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, line.ProductID)
		}
		if err := basket.Add(product, line.VariantID, line.Qty); err != nil {
			return nil, fmt.Errorf("%w: %s", store.ErrValidation, err)
		}
	}
	return basket, nil
}

func (s *Service) setBuyer(ctx context.Context, session *checkout.Session, req domain.CheckoutRequest) error {
	switch domain.BuyerKind(req.BuyerKind) {
	case domain.BuyerStudent:
		if req.BuyerID == "" {
			return fmt.Errorf("%w: student buyer requires an id", store.ErrValidation)
		}
		student, err := s.repo.GetStudent(ctx, req.BuyerID)
		if err != nil {
			return err
		}
		if student.Status != "active" {
			return fmt.Errorf("%w: student %s is not active", store.ErrValidation, student.ID)
		}
		if err := session.SetStudentBuyer(*student); err != nil {
			return wrapCheckoutErr(err)
		}
	case domain.BuyerStaff, domain.BuyerPublic:
		if err := session.SetNamedBuyer(domain.BuyerKind(req.BuyerKind), req.BuyerName, req.BuyerPhone); err != nil {
			return wrapCheckoutErr(err)
		}
	default:
		return fmt.Errorf("%w: unsupported buyer kind %q", store.ErrValidation, req.BuyerKind)
	}
	return nil
}

func paymentFromRequest(req domain.CheckoutRequest) (domain.PaymentDetails, error) {
	switch domain.PaymentMethod(req.PaymentMethod) {
	case domain.PayCash:
		return domain.CashPayment{AmountReceived: req.AmountReceived, DepositChange: req.DepositChange}, nil
	case domain.PayNonCash:
		// The reference note is optional; operators often key QRIS sales
		// without one.
		return domain.NonCashPayment{Reference: strings.TrimSpace(req.Reference)}, nil
	case domain.PayWallet:
		return domain.WalletPayment{AccountID: req.BuyerID}, nil
	case domain.PayDebt:
		return domain.DebtPayment{Note: req.DebtNote}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}
}

// wrapCheckoutErr maps session and pricing failures onto the store
// sentinels so the transport layer renders them as client errors.
func wrapCheckoutErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrInsufficientBalance):
		return err
	case errors.Is(err, pricing.ErrQuantityExceeds):
		return fmt.Errorf("%w: %s", store.ErrInsufficientStock, err)
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrBuyerRequired),
		errors.Is(err, checkout.ErrPhoneRequired),
		errors.Is(err, checkout.ErrPaymentRequired),
		errors.Is(err, checkout.ErrShortPayment),
		errors.Is(err, checkout.ErrWalletNeedsStudent),
		errors.Is(err, checkout.ErrWrongState),
		errors.Is(err, pricing.ErrVariantRequired),
		errors.Is(err, pricing.ErrVariantUnknown),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrInactiveProduct),
		errors.Is(err, pricing.ErrInactiveDiscount):
		return fmt.Errorf("%w: %s", store.ErrValidation, err)
	default:
		return err
	}
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) ListUnpaidSales(ctx context.Context) (domain.DebtListResponse, error) {
	sales, err := s.repo.ListUnpaidSales(ctx)
	if err != nil {
		return domain.DebtListResponse{}, err
	}
	return domain.DebtListResponse{Sales: sales}, nil
}

func (s *Service) SettleDebt(ctx context.Context, req domain.SettleDebtRequest) (domain.SettleDebtResponse, error) {
	if req.SaleID == "" {
		return domain.SettleDebtResponse{}, fmt.Errorf("%w: sale id required", store.ErrValidation)
	}
	method := domain.PaymentMethod(req.Method)
	if method != domain.PayCash && method != domain.PayWallet {
		return domain.SettleDebtResponse{}, fmt.Errorf("%w: settle with cash or wallet", store.ErrValidation)
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	sale, err := s.repo.SettleDebt(ctx, req.SaleID, method, actor.Username, time.Now().UTC())
	if err != nil {
		return domain.SettleDebtResponse{}, err
	}

	s.logAudit(ctx, "debt_settle", "sale", sale.ID, fmt.Sprintf("amount=%d,method=%s", sale.Total, method))
	return domain.SettleDebtResponse{Sale: *sale}, nil
}

func (s *Service) WalletDeposit(ctx context.Context, req domain.WalletDepositRequest) (domain.WalletEntryResponse, error) {
	if req.AccountID == "" || req.Amount < 1 {
		return domain.WalletEntryResponse{}, fmt.Errorf("%w: account and positive amount required", store.ErrValidation)
	}

	entry, err := s.repo.WalletDeposit(ctx, req.AccountID, req.Amount, strings.TrimSpace(req.Note), "", time.Now().UTC())
	if err != nil {
		return domain.WalletEntryResponse{}, err
	}

	s.logAudit(ctx, "wallet_deposit", "wallet", req.AccountID, fmt.Sprintf("amount=%d", req.Amount))
	return domain.WalletEntryResponse{Entry: *entry}, nil
}

func (s *Service) WalletWithdraw(ctx context.Context, req domain.WalletWithdrawRequest) (domain.WalletEntryResponse, error) {
	if req.AccountID == "" || req.Amount < 1 {
		return domain.WalletEntryResponse{}, fmt.Errorf("%w: account and positive amount required", store.ErrValidation)
	}

	entry, err := s.repo.WalletWithdraw(ctx, req.AccountID, req.Amount, strings.TrimSpace(req.Note), time.Now().UTC())
	if err != nil {
		return domain.WalletEntryResponse{}, err
	}

	s.logAudit(ctx, "wallet_withdraw", "wallet", req.AccountID, fmt.Sprintf("amount=%d", req.Amount))
	return domain.WalletEntryResponse{Entry: *entry}, nil
}

func (s *Service) WalletHistory(ctx context.Context, accountID string, limit int) (domain.WalletHistoryResponse, error) {
	if accountID == "" {
		return domain.WalletHistoryResponse{}, fmt.Errorf("%w: account id required", store.ErrValidation)
	}
	if limit < 1 {
		limit = 50
	}

	student, err := s.repo.GetStudent(ctx, accountID)
	if err != nil {
		return domain.WalletHistoryResponse{}, err
	}
	balance, err := s.repo.WalletBalance(ctx, accountID)
	if err != nil {
		return domain.WalletHistoryResponse{}, err
	}
	entries, err := s.repo.ListWalletEntries(ctx, accountID, limit)
	if err != nil {
		return domain.WalletHistoryResponse{}, err
	}

	return domain.WalletHistoryResponse{
		Account: domain.WalletAccount{PersonID: student.ID, PersonName: student.Name, Balance: balance},
		Entries: entries,
	}, nil
}

func (s *Service) ListWalletAccounts(ctx context.Context) ([]domain.WalletAccount, error) {
	return s.repo.ListWalletAccounts(ctx)
}

func (s *Service) RecordCashEntry(ctx context.Context, req domain.CashRecordRequest) (domain.CashLedgerEntry, error) {
	kind := domain.CashEntryKind(req.Kind)
	if kind != domain.CashIn && kind != domain.CashOut {
		return domain.CashLedgerEntry{}, fmt.Errorf("%w: kind must be in or out", store.ErrValidation)
	}
	if req.Amount < 1 || strings.TrimSpace(req.Category) == "" {
		return domain.CashLedgerEntry{}, fmt.Errorf("%w: category and positive amount required", store.ErrValidation)
	}

	responsible := strings.TrimSpace(req.Responsible)
	if responsible == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			responsible = actor.Username
		}
	}

	entry, err := s.repo.RecordCashEntry(ctx, kind, strings.TrimSpace(req.Category), req.Amount, responsible, strings.TrimSpace(req.Note), time.Now().UTC())
	if err != nil {
		return domain.CashLedgerEntry{}, err
	}

	s.logAudit(ctx, "cash_record", "cash_ledger", entry.ID, fmt.Sprintf("kind=%s,category=%s,amount=%d", kind, req.Category, req.Amount))
	return *entry, nil
}

func (s *Service) CashLedger(ctx context.Context, limit int) (domain.CashLedgerResponse, error) {
	if limit < 1 {
		limit = 50
	}
	balance, err := s.repo.CashBalance(ctx)
	if err != nil {
		return domain.CashLedgerResponse{}, err
	}
	entries, err := s.repo.ListCashEntries(ctx, limit)
	if err != nil {
		return domain.CashLedgerResponse{}, err
	}
	return domain.CashLedgerResponse{Balance: balance, Entries: entries}, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockMovement{}, fmt.Errorf("admin role required")
	}
	if req.ProductID == "" || req.QtyDelta == 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: product id and non-zero delta required", store.ErrValidation)
	}

	movement, err := s.repo.AdjustStock(ctx, req.ProductID, req.VariantID, req.QtyDelta, strings.TrimSpace(req.Note), time.Now().UTC())
	if err != nil {
		return domain.StockMovement{}, err
	}

	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidate failed: %v", err)
	}
	s.logAudit(ctx, "stock_adjust", "product", req.ProductID, fmt.Sprintf("variant=%s,delta=%d,note=%s", req.VariantID, req.QtyDelta, req.Note))
	return *movement, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListStockMovements(ctx, productID, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
