// Package pipeline wires the alert-to-order flow: normalize the inbound body,
// ensure a broker session, size the position, and execute the order. It is
// invoked once per inbound alert as a short sequential chain of blocking
// calls; concurrent invocations are safe because the only shared state is the
// broker session, which manages its own refresh.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/davefell/capitalflow/internal/alert"
	"github.com/davefell/capitalflow/internal/broker"
	"github.com/davefell/capitalflow/internal/sizing"
)

// Config contains pipeline tuning knobs.
type Config struct {
	// CallTimeout bounds each individual broker call. No operation is
	// cancellable mid-flight; this is the only bound on worst-case latency.
	CallTimeout time.Duration
}

// DefaultConfig is the default pipeline configuration.
var DefaultConfig = Config{
	CallTimeout: 20 * time.Second,
}

// Result is the structured success payload returned to the edge layer.
type Result struct {
	Symbol       string               `json:"symbol"`
	Direction    broker.Direction     `json:"direction"`
	Quantity     float64              `json:"sized_qty"`
	EntryPrice   float64              `json:"entry_price"`
	StopLevel    float64              `json:"stop_level"`
	Confirmation *broker.Confirmation `json:"confirm"`
}

// Pipeline executes inbound alerts against the broker.
type Pipeline struct {
	broker   broker.Broker
	sizer    *sizing.Sizer
	defaults alert.Defaults
	logger   *logrus.Logger
	config   Config
}

// New creates a Pipeline. The sizer draws equity from the same broker the
// orders go to.
func New(b broker.Broker, defaults alert.Defaults, logger *logrus.Logger, config ...Config) *Pipeline {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		broker:   b,
		sizer:    sizing.NewSizer(b),
		defaults: defaults,
		logger:   logger,
		config:   cfg,
	}
}

// WithSizer overrides the position sizer, e.g. to install an instrument-aware
// quantity rounder.
func (p *Pipeline) WithSizer(s *sizing.Sizer) *Pipeline {
	if s != nil {
		p.sizer = s
	}
	return p
}

// HandleAlert runs one inbound notification through the full pipeline and
// returns either a structured result or a tagged *Error.
func (p *Pipeline) HandleAlert(ctx context.Context, raw []byte, contentType string) (*Result, error) {
	log := p.logger.WithField("request_id", uuid.NewString())

	fields := alert.Normalize(raw, contentType)
	a, err := alert.FromFields(fields, p.defaults)
	if err != nil {
		log.WithError(err).Warn("alert rejected")
		return nil, failure(KindValidation, "alert rejected", err)
	}
	log = log.WithFields(logrus.Fields{"symbol": a.Symbol, "side": a.Side})

	if err := p.withTimeout(ctx, func(callCtx context.Context) error {
		return p.broker.EnsureSession(callCtx, false)
	}); err != nil {
		log.WithError(err).Error("broker auth failed")
		return nil, failure(KindAuth, "broker auth failed", err)
	}

	var quantity, stopLevel float64
	if err := p.withTimeout(ctx, func(callCtx context.Context) error {
		var sizeErr error
		quantity, stopLevel, sizeErr = p.sizer.SizeOrder(callCtx, a)
		return sizeErr
	}); err != nil {
		if errors.Is(err, sizing.ErrMissingPrice) || errors.Is(err, sizing.ErrZeroNotional) {
			log.WithError(err).Warn("alert not sizable")
			return nil, failure(KindValidation, "alert not sizable", err)
		}
		log.WithError(err).Error("sizing failed")
		return nil, failure(KindBroker, "sizing failed", err)
	}

	direction := broker.DirectionBuy
	if a.Side == alert.SideSell {
		direction = broker.DirectionSell
	}
	intent := broker.OrderIntent{
		Epic:        a.Symbol,
		Direction:   direction,
		Size:        quantity,
		StopLevel:   &stopLevel,
		ProfitLevel: a.TakeProfit,
	}

	var confirmation *broker.Confirmation
	if err := p.withTimeout(ctx, func(callCtx context.Context) error {
		var placeErr error
		confirmation, placeErr = p.broker.OpenPosition(callCtx, intent)
		return placeErr
	}); err != nil {
		if errors.Is(err, broker.ErrNotAuthenticated) {
			log.WithError(err).Error("order attempted without session")
			return nil, failure(KindAuth, "order attempted without session", err)
		}
		log.WithError(err).Error("order failed")
		return nil, failure(KindBroker, "order failed", err)
	}

	log.WithFields(logrus.Fields{
		"sized_qty":  quantity,
		"stop_level": stopLevel,
		"deal_ref":   confirmation.DealReference,
		"deal_state": confirmation.Status,
	}).Info("order executed")

	return &Result{
		Symbol:       a.Symbol,
		Direction:    direction,
		Quantity:     quantity,
		EntryPrice:   *a.Price,
		StopLevel:    stopLevel,
		Confirmation: confirmation,
	}, nil
}

func (p *Pipeline) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
