// Package sizing computes order quantities and protective stop levels from
// canonical alerts. When an alert carries no explicit quantity the order is
// sized as a fraction of the selected account's available equity.
package sizing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davefell/capitalflow/internal/alert"
	"github.com/davefell/capitalflow/internal/broker"
	"github.com/davefell/capitalflow/internal/util"
)

// quantityDecimals is the default rounding precision for derived quantities.
const quantityDecimals = 6

// ErrMissingPrice means the alert omitted the price needed to derive a
// quantity or stop level.
var ErrMissingPrice = errors.New("price missing in alert message")

// ErrZeroNotional means equity times cash fraction left nothing to deploy.
var ErrZeroNotional = errors.New("computed notional is 0; check cash_pct and available balance")

// AccountSource supplies the equity account used when an alert omits quantity.
type AccountSource interface {
	PickSizingAccount(ctx context.Context) (*broker.Account, error)
}

// Rounder adjusts a derived quantity to an instrument-acceptable increment.
// The default rounds to six decimal places; callers with per-instrument
// minimum size or step rules supply their own.
type Rounder func(quantity float64) float64

// DefaultRounder rounds to six decimal places.
func DefaultRounder(quantity float64) float64 {
	return util.RoundDecimals(quantity, quantityDecimals)
}

// Sizer turns alerts into order quantities and stop levels.
type Sizer struct {
	accounts AccountSource
	rounder  Rounder
}

// NewSizer creates a Sizer backed by the given account source.
func NewSizer(accounts AccountSource) *Sizer {
	return &Sizer{accounts: accounts, rounder: DefaultRounder}
}

// WithRounder overrides the quantity rounding policy.
func (s *Sizer) WithRounder(r Rounder) *Sizer {
	if r != nil {
		s.rounder = r
	}
	return s
}

// SizeOrder resolves the order quantity and stop level for an alert. An
// explicit alert quantity is used unchanged; otherwise the quantity is
// notional/price where notional = max(0, available equity) * cash fraction.
// The stop is always derived from price and the stop-loss fraction, direction
// aware, so risk policy stays consistent regardless of what the sender put in
// the payload.
func (s *Sizer) SizeOrder(ctx context.Context, a *alert.Alert) (quantity, stopLevel float64, err error) {
	if a.Price == nil {
		return 0, 0, ErrMissingPrice
	}
	price := *a.Price

	if a.Quantity != nil {
		quantity = *a.Quantity
	} else {
		account, err := s.accounts.PickSizingAccount(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to get account balance: %w", err)
		}
		available := account.Balance.Available
		if available < 0 {
			available = 0
		}
		notional := available * a.CashFraction
		if notional <= 0 {
			return 0, 0, ErrZeroNotional
		}
		quantity = s.rounder(notional / price)
	}

	if a.Side == alert.SideBuy {
		stopLevel = price * (1 - a.StopLossFraction)
	} else {
		stopLevel = price * (1 + a.StopLossFraction)
	}
	return quantity, stopLevel, nil
}
