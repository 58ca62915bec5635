package store

import (
	"context"
	"errors"
	"time"

	"kopsis/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrAlreadySettled      = errors.New("sale already settled")
	ErrConflict            = errors.New("conflicting concurrent update")
)

// Repository is the persistence boundary for the cooperative store core.
// CommitSale and SettleDebt are the two multi-record operations; both
// must apply all of their records or none of them, and must serialize
// stock and wallet mutations so no reader ever observes a negative
// stock level or wallet balance.
type Repository interface {
	// Catalog / roster reference data (read-only from the core's view,
	// except for stock which sales and adjustments mutate).
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListDiscounts(ctx context.Context) ([]domain.Discount, error)
	GetDiscount(ctx context.Context, id string) (*domain.Discount, error)
	ListStudents(ctx context.Context) ([]domain.Student, error)
	GetStudent(ctx context.Context, id string) (*domain.Student, error)
	GetStoreProfile(ctx context.Context) (*domain.StoreProfile, error)

	// Stock.
	AdjustStock(ctx context.Context, productID, variantID string, qtyDelta int, reference string, at time.Time) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	// Sales.
	CommitSale(ctx context.Context, payload domain.SalePayload) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	ListUnpaidSales(ctx context.Context) ([]domain.Sale, error)
	SettleDebt(ctx context.Context, saleID string, method domain.PaymentMethod, responsible string, at time.Time) (*domain.Sale, error)

	// Wallet ledger.
	WalletBalance(ctx context.Context, accountID string) (int64, error)
	WalletDeposit(ctx context.Context, accountID string, amount int64, note, reference string, at time.Time) (*domain.WalletEntry, error)
	WalletWithdraw(ctx context.Context, accountID string, amount int64, note string, at time.Time) (*domain.WalletEntry, error)
	ListWalletEntries(ctx context.Context, accountID string, limit int) ([]domain.WalletEntry, error)
	ListWalletAccounts(ctx context.Context) ([]domain.WalletAccount, error)

	// Cash ledger.
	RecordCashEntry(ctx context.Context, kind domain.CashEntryKind, category string, amount int64, responsible, note string, at time.Time) (*domain.CashLedgerEntry, error)
	ListCashEntries(ctx context.Context, limit int) ([]domain.CashLedgerEntry, error)
	CashBalance(ctx context.Context) (int64, error)

	// Operational.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
