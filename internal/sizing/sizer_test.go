package sizing

import (
	"context"
	"errors"
	"testing"

	"github.com/davefell/capitalflow/internal/alert"
	"github.com/davefell/capitalflow/internal/broker"
	"github.com/davefell/capitalflow/internal/util"
)

type fakeAccounts struct {
	account *broker.Account
	err     error
	calls   int
}

func (f *fakeAccounts) PickSizingAccount(context.Context) (*broker.Account, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

func ptr(f float64) *float64 { return &f }

func buyAlert(price *float64, qty *float64) *alert.Alert {
	return &alert.Alert{
		Symbol:           "US.AAPL",
		Side:             alert.SideBuy,
		Price:            price,
		Quantity:         qty,
		CashFraction:     0.10,
		StopLossFraction: 0.10,
	}
}

func TestSizeOrder_ExplicitQuantityBypassesAccount(t *testing.T) {
	accounts := &fakeAccounts{account: &broker.Account{Balance: broker.AccountBalance{Available: 1}}}
	sizer := NewSizer(accounts)

	qty, stop, err := sizer.SizeOrder(context.Background(), buyAlert(ptr(100), ptr(7.5)))
	if err != nil {
		t.Fatalf("SizeOrder() error = %v", err)
	}
	if qty != 7.5 {
		t.Fatalf("quantity = %v, want 7.5 unchanged regardless of balance", qty)
	}
	if stop != 90.0 {
		t.Fatalf("stop = %v, want 90.0", stop)
	}
	if accounts.calls != 0 {
		t.Fatal("account must not be queried when quantity is explicit")
	}
}

func TestSizeOrder_DerivesQuantityFromEquity(t *testing.T) {
	accounts := &fakeAccounts{account: &broker.Account{
		AccountID: "2",
		Balance:   broker.AccountBalance{Available: 10000},
	}}
	sizer := NewSizer(accounts)

	qty, stop, err := sizer.SizeOrder(context.Background(), buyAlert(ptr(225.0), nil))
	if err != nil {
		t.Fatalf("SizeOrder() error = %v", err)
	}
	// 10000 * 0.10 / 225 rounded to six decimals
	if qty != 4.444444 {
		t.Fatalf("quantity = %v, want 4.444444", qty)
	}
	if stop != 202.5 {
		t.Fatalf("stop = %v, want 202.5", stop)
	}
}

func TestSizeOrder_StopLevels(t *testing.T) {
	tests := []struct {
		name string
		side alert.Side
		want float64
	}{
		{"buy stop below price", alert.SideBuy, 90.0},
		{"sell stop above price", alert.SideSell, 110.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := buyAlert(ptr(100), ptr(1))
			a.Side = tt.side
			_, stop, err := NewSizer(&fakeAccounts{}).SizeOrder(context.Background(), a)
			if err != nil {
				t.Fatalf("SizeOrder() error = %v", err)
			}
			if stop != tt.want {
				t.Fatalf("stop = %v, want %v", stop, tt.want)
			}
		})
	}
}

func TestSizeOrder_MissingPrice(t *testing.T) {
	_, _, err := NewSizer(&fakeAccounts{}).SizeOrder(context.Background(), buyAlert(nil, nil))
	if !errors.Is(err, ErrMissingPrice) {
		t.Fatalf("SizeOrder() error = %v, want ErrMissingPrice", err)
	}
}

func TestSizeOrder_ZeroNotional(t *testing.T) {
	tests := []struct {
		name      string
		available float64
	}{
		{"zero equity", 0},
		{"negative equity clamped", -250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &fakeAccounts{account: &broker.Account{
				Balance: broker.AccountBalance{Available: tt.available},
			}}
			_, _, err := NewSizer(accounts).SizeOrder(context.Background(), buyAlert(ptr(100), nil))
			if !errors.Is(err, ErrZeroNotional) {
				t.Fatalf("SizeOrder() error = %v, want ErrZeroNotional", err)
			}
		})
	}
}

func TestSizeOrder_AccountFailurePropagates(t *testing.T) {
	accounts := &fakeAccounts{err: broker.ErrNoAccount}
	_, _, err := NewSizer(accounts).SizeOrder(context.Background(), buyAlert(ptr(100), nil))
	if !errors.Is(err, broker.ErrNoAccount) {
		t.Fatalf("SizeOrder() error = %v, want wrapped ErrNoAccount", err)
	}
}

func TestSizeOrder_CustomRounder(t *testing.T) {
	accounts := &fakeAccounts{account: &broker.Account{
		Balance: broker.AccountBalance{Available: 10000},
	}}
	// Instrument with a 0.5 lot step.
	sizer := NewSizer(accounts).WithRounder(func(q float64) float64 {
		return util.RoundToStep(q, 0.5)
	})

	qty, _, err := sizer.SizeOrder(context.Background(), buyAlert(ptr(225.0), nil))
	if err != nil {
		t.Fatalf("SizeOrder() error = %v", err)
	}
	if qty != 4.5 {
		t.Fatalf("quantity = %v, want 4.5 with half-lot rounding", qty)
	}
}
