// Package checkout drives a single sale from buyer collection through
// payment validation to a committable payload. A session is local to one
// operator; nothing here touches shared state until the payload reaches
// the repository.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kopsis/backend/internal/cart"
	"kopsis/backend/internal/domain"
	"kopsis/backend/internal/pricing"
	"kopsis/backend/internal/store"
)

type State string

const (
	StateCollectingBuyer  State = "collecting_buyer"
	StateSelectingPayment State = "selecting_payment"
	StatePaymentDetails   State = "payment_details"
	StateValidated        State = "validated"
	StateCommitted        State = "committed"
	StateAborted          State = "aborted"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrBuyerRequired      = errors.New("buyer information required")
	ErrPhoneRequired      = errors.New("phone number required for public debt")
	ErrPaymentRequired    = errors.New("payment details required")
	ErrShortPayment       = errors.New("amount received is less than total")
	ErrWalletNeedsStudent = errors.New("wallet payment requires a student buyer")
	ErrWrongState         = errors.New("operation not allowed in current state")
)

// BalanceFunc reads the current wallet balance for an account. It is
// only consulted when the selected payment method is wallet.
type BalanceFunc func(ctx context.Context, accountID string) (int64, error)

// Session is the checkout state machine. Transitions:
//
//	CollectingBuyer -> SelectingPayment -> PaymentDetails -> Validated -> Committed
//
// Abort is allowed from any non-committed state and has no side effects.
type Session struct {
	state    State
	cart     *cart.Cart
	cashier  string
	buyer    buyer
	discount *domain.Discount
	payment  domain.PaymentDetails

	// Derived by Validate.
	subtotal       int64
	discountAmount int64
	total          int64
	amountReceived int64
	change         int64
	outstanding    int64
}

type buyer struct {
	kind  domain.BuyerKind
	id    string
	name  string
	phone string
}

func NewSession(c *cart.Cart, cashier string) *Session {
	return &Session{
		state:   StateCollectingBuyer,
		cart:    c,
		cashier: cashier,
	}
}

func (s *Session) State() State { return s.state }

// SetStudentBuyer identifies the buyer from the roster. Only active
// roster entries may buy on their own wallet or on credit.
func (s *Session) SetStudentBuyer(student domain.Student) error {
	if s.state != StateCollectingBuyer {
		return ErrWrongState
	}
	if student.ID == "" || student.Name == "" {
		return ErrBuyerRequired
	}
	s.buyer = buyer{kind: domain.BuyerStudent, id: student.ID, name: student.Name}
	s.state = StateSelectingPayment
	return nil
}

// SetNamedBuyer records a staff or public buyer by free-text name. The
// phone number is optional here; debt payment for public buyers enforces
// it at validation.
func (s *Session) SetNamedBuyer(kind domain.BuyerKind, name, phone string) error {
	if s.state != StateCollectingBuyer {
		return ErrWrongState
	}
	if kind != domain.BuyerStaff && kind != domain.BuyerPublic {
		return ErrBuyerRequired
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrBuyerRequired
	}
	s.buyer = buyer{kind: kind, name: name, phone: strings.TrimSpace(phone)}
	s.state = StateSelectingPayment
	return nil
}

// ApplyDiscount selects at most one discount for the sale. Passing it
// before payment selection mirrors the operator flow; a nil-equivalent
// (inactive) discount is rejected.
func (s *Session) ApplyDiscount(d domain.Discount) error {
	if s.state != StateSelectingPayment {
		return ErrWrongState
	}
	if !d.Active {
		return pricing.ErrInactiveDiscount
	}
	selected := d
	s.discount = &selected
	return nil
}

// SelectPayment records the tagged payment details and advances to
// PaymentDetails. Invalid method/field combinations are unrepresentable;
// cross-field rules are enforced by Validate.
func (s *Session) SelectPayment(p domain.PaymentDetails) error {
	if s.state != StateSelectingPayment && s.state != StatePaymentDetails {
		return ErrWrongState
	}
	if p == nil {
		return ErrPaymentRequired
	}
	s.payment = p
	s.state = StatePaymentDetails
	return nil
}

// Validate checks buyer/payment constraints and derives the payment
// fields. On success the session is Validated and a payload can be
// produced. Validation never mutates shared state; balance is consulted
// read-only for wallet payments.
func (s *Session) Validate(ctx context.Context, balance BalanceFunc) error {
	if s.state != StatePaymentDetails {
		return ErrWrongState
	}
	if s.cart.Empty() {
		return ErrEmptyCart
	}

	s.subtotal = s.cart.Subtotal()
	s.discountAmount = 0
	if s.discount != nil {
		amount, err := pricing.DiscountAmount(*s.discount, s.subtotal)
		if err != nil {
			return err
		}
		s.discountAmount = amount
	}
	s.total = pricing.Total(s.subtotal, s.discountAmount)

	switch payment := s.payment.(type) {
	case domain.CashPayment:
		if payment.AmountReceived < s.total {
			return ErrShortPayment
		}
		s.amountReceived = payment.AmountReceived
		s.change = payment.AmountReceived - s.total
		if payment.DepositChange && (s.buyer.kind != domain.BuyerStudent || s.change == 0) {
			return fmt.Errorf("%w: change deposit requires a student buyer and positive change", ErrPaymentRequired)
		}
	case domain.NonCashPayment:
		s.amountReceived = s.total
		s.change = 0
	case domain.WalletPayment:
		if s.buyer.kind != domain.BuyerStudent {
			return ErrWalletNeedsStudent
		}
		if payment.AccountID != s.buyer.id {
			return fmt.Errorf("%w: wallet account does not match buyer", ErrWalletNeedsStudent)
		}
		if balance == nil {
			return ErrPaymentRequired
		}
		current, err := balance(ctx, payment.AccountID)
		if err != nil {
			return err
		}
		if current < s.total {
			return fmt.Errorf("%w: have %d, need %d", store.ErrInsufficientBalance, current, s.total)
		}
		s.amountReceived = s.total
		s.change = 0
	case domain.DebtPayment:
		if s.buyer.kind == domain.BuyerPublic && s.buyer.phone == "" {
			return ErrPhoneRequired
		}
		s.amountReceived = 0
		s.change = 0
		s.outstanding = s.total
	default:
		return ErrPaymentRequired
	}

	s.state = StateValidated
	return nil
}

// Payload produces the committable sale. Only valid once; committing the
// payload is the repository's job, after which the session is terminal.
func (s *Session) Payload(saleID, idempotencyKey string, at time.Time) (domain.SalePayload, error) {
	if s.state != StateValidated {
		return domain.SalePayload{}, ErrWrongState
	}

	lines := s.cart.Lines()
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		saleLines = append(saleLines, domain.SaleLine{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			Name:        line.Name,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
			LineTotal:   line.LineTotal,
			TierApplied: line.TierApplied,
		})
	}

	payload := domain.SalePayload{
		SaleID:         saleID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      at,
		BuyerKind:      s.buyer.kind,
		BuyerID:        s.buyer.id,
		BuyerName:      s.buyer.name,
		BuyerPhone:     s.buyer.phone,
		Lines:          saleLines,
		Subtotal:       s.subtotal,
		DiscountAmount: s.discountAmount,
		Total:          s.total,
		Method:         s.payment.Method(),
		AmountReceived: s.amountReceived,
		Change:         s.change,
		Status:         domain.SalePaid,
		Outstanding:    0,
		Cashier:        s.cashier,
	}
	if s.discount != nil {
		payload.DiscountID = s.discount.ID
	}

	switch payment := s.payment.(type) {
	case domain.CashPayment:
		if payment.DepositChange && s.change > 0 {
			payload.ChangeToWallet = true
			payload.WalletAccountID = s.buyer.id
		}
	case domain.NonCashPayment:
		payload.Reference = strings.TrimSpace(payment.Reference)
	case domain.WalletPayment:
		payload.WalletAccountID = payment.AccountID
	case domain.DebtPayment:
		// A fully discounted sale leaves nothing owed, so it never enters
		// the debt registry; unpaid always implies a positive outstanding.
		if s.outstanding > 0 {
			payload.Status = domain.SaleUnpaid
			payload.Outstanding = s.outstanding
		}
		payload.Reference = strings.TrimSpace(payment.Note)
	}

	s.state = StateCommitted
	return payload, nil
}

// Abort cancels the session with zero side effects. Allowed from any
// state except Committed.
func (s *Session) Abort() error {
	if s.state == StateCommitted {
		return ErrWrongState
	}
	s.state = StateAborted
	return nil
}
