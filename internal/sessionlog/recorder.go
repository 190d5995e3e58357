package sessionlog

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
)

// writeTimeout bounds each log write so a wedged database cannot stall the
// event stream for long.
const writeTimeout = 5 * time.Second

// Recorder derives the session log from the charger event stream. Write
// failures degrade accounting but never break the stream.
type Recorder struct {
	store  *Store
	holder func() string // current lock holder at event time
	logger *zap.Logger
}

// NewRecorder wires a store to the arbiter's holder view.
func NewRecorder(store *Store, holder func() string, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, holder: holder, logger: logger}
}

// Run consumes the event stream until the subscription closes.
func (r *Recorder) Run(sub *events.Subscription) {
	for ev := range sub.C {
		switch ev.Type {
		case events.TypeTransactionStarted:
			r.opened(ev)
		case events.TypeTransactionEnded:
			r.closed(ev)
		}
	}
}

func (r *Recorder) opened(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id, err := r.store.OpenSession(ctx, r.holder(), ev.TransactionID, roundWh(ev.MeterWh), ev.Timestamp)
	if err != nil {
		r.logger.Error("session log write failed",
			zap.String("code", string(events.ErrLogWriteFailed)),
			zap.String("transaction_id", ev.TransactionID),
			zap.Error(err))
		return
	}
	metrics.SessionsOpened.Inc()
	r.logger.Info("session opened",
		zap.Int64("session_id", id),
		zap.String("transaction_id", ev.TransactionID),
		zap.String("backend_id", r.holder()),
		zap.Int64("start_meter_wh", roundWh(ev.MeterWh)))
}

func (r *Recorder) closed(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := r.store.CloseOpenSession(ctx, ev.TransactionID, roundWh(ev.MeterWh), ev.Timestamp, ev.StopReason)
	if err != nil {
		r.logger.Error("session log write failed",
			zap.String("code", string(events.ErrLogWriteFailed)),
			zap.String("transaction_id", ev.TransactionID),
			zap.Error(err))
		return
	}
	r.logger.Info("session closed",
		zap.String("transaction_id", ev.TransactionID),
		zap.Int64("stop_meter_wh", roundWh(ev.MeterWh)),
		zap.String("reason", ev.StopReason))
}

func roundWh(wh float64) int64 {
	return int64(math.Round(wh))
}
