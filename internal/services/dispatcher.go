package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/internal/repository"
	"github.com/matrix-org/sygnal/pkg/metrics"
)

// Dispatch timing defaults.
const (
	DefaultDeviceTimeout  = 15 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// DispatchResult aggregates the per-device outcomes of one notification.
type DispatchResult struct {
	// Rejected holds the pushkeys the homeserver should remove.
	Rejected []string
	// Delivered is true when at least one device was delivered to.
	Delivered bool
	// Retryable is true when at least one device failed transiently.
	Retryable bool
	// RetryAfter is the largest upstream-requested retry delay, if any.
	RetryAfter time.Duration
}

// Dispatcher fans a notification out to its devices' pushkins and aggregates
// the outcomes.
type Dispatcher struct {
	registry *Registry
	cache    *repository.RejectedPushkeyCache // optional
	logger   *slog.Logger
	metrics  *metrics.Metrics

	deviceTimeout  time.Duration
	requestTimeout time.Duration
}

func NewDispatcher(registry *Registry, cache *repository.RejectedPushkeyCache, logr *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		cache:          cache,
		logger:         logr,
		metrics:        m,
		deviceTimeout:  DefaultDeviceTimeout,
		requestTimeout: DefaultRequestTimeout,
	}
}

// dispatchUnit is one upstream interaction: a single device, or a batch of
// devices for a pushkin that supports batching.
type dispatchUnit struct {
	reg     *registration
	indexes []int
	devices []*models.Device
}

type indexedOutcome struct {
	index   int
	outcome models.Outcome
}

// Dispatch delivers the notification to every device and aggregates the
// outcomes. It returns when all devices have completed, the request deadline
// elapses, or ctx is cancelled (e.g. the homeserver went away); devices still
// pending at that point count as retryable.
func (dp *Dispatcher) Dispatch(ctx context.Context, n *models.Notification) *DispatchResult {
	ctx, cancel := context.WithTimeout(ctx, dp.requestTimeout)
	defer cancel()

	outcomes := make([]models.Outcome, len(n.Devices))
	pending := make(map[int]struct{})
	var units []*dispatchUnit
	unitsByReg := make(map[*registration]*dispatchUnit)

	for i := range n.Devices {
		d := &n.Devices[i]
		reg := dp.registry.find(d.AppID)
		if reg == nil {
			dp.logger.Warn("notification for unknown app ID", slog.String("app_id", d.AppID))
			outcomes[i] = models.Rejected("no pushkin configured")
			continue
		}
		if dp.suppressed(ctx, d) {
			dp.logger.Info("pushkey was recently rejected upstream; rejecting locally",
				slog.String("app_id", d.AppID))
			outcomes[i] = models.Rejected("recently rejected upstream")
			continue
		}

		pending[i] = struct{}{}
		if _, batch := reg.pushkin.(BatchPushkin); batch {
			unit := unitsByReg[reg]
			if unit == nil {
				unit = &dispatchUnit{reg: reg}
				unitsByReg[reg] = unit
				units = append(units, unit)
			}
			unit.indexes = append(unit.indexes, i)
			unit.devices = append(unit.devices, d)
		} else {
			units = append(units, &dispatchUnit{reg: reg, indexes: []int{i}, devices: []*models.Device{d}})
		}
	}

	results := make(chan indexedOutcome, len(n.Devices))
	for _, unit := range units {
		unit := unit
		go dp.runUnit(ctx, n, unit, results)
	}

	for len(pending) > 0 {
		select {
		case res := <-results:
			outcomes[res.index] = res.outcome
			delete(pending, res.index)
		case <-ctx.Done():
			for i := range pending {
				outcomes[i] = models.Retryable("request deadline exceeded")
			}
			pending = nil
		}
	}
	return dp.aggregate(n, outcomes)
}

func (dp *Dispatcher) runUnit(ctx context.Context, n *models.Notification, unit *dispatchUnit, results chan<- indexedOutcome) {
	emitAll := func(outcome models.Outcome) {
		for _, index := range unit.indexes {
			results <- indexedOutcome{index: index, outcome: outcome}
		}
	}

	if unit.reg.breaker.Degraded() {
		emitAll(models.Retryable("pushkin temporarily degraded after a credential rejection"))
		return
	}
	if !unit.reg.limiter.TryAcquire() {
		dp.logger.Warn("too many in-flight requests for this pushkin; dropping",
			slog.String("pushkin", unit.reg.pushkin.Name()))
		emitAll(models.Retryable("too many in-flight requests for this pushkin"))
		return
	}
	defer unit.reg.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, dp.deviceTimeout)
	defer cancel()

	if batch, isBatch := unit.reg.pushkin.(BatchPushkin); isBatch && len(unit.devices) > 1 {
		outcomes := batch.DispatchBatch(ctx, n, unit.devices)
		for i, index := range unit.indexes {
			results <- indexedOutcome{index: index, outcome: outcomes[i]}
		}
		return
	}
	results <- indexedOutcome{
		index:   unit.indexes[0],
		outcome: unit.reg.pushkin.Dispatch(ctx, n, unit.devices[0]),
	}
}

func (dp *Dispatcher) suppressed(ctx context.Context, d *models.Device) bool {
	if dp.cache == nil {
		return false
	}
	rejected, err := dp.cache.IsRejected(ctx, d.AppID, d.Pushkey, d.PushkeyTS)
	if err != nil {
		dp.logger.Warn("rejected-pushkey cache lookup failed", slog.Any("error", err))
		return false
	}
	return rejected
}

func (dp *Dispatcher) aggregate(n *models.Notification, outcomes []models.Outcome) *DispatchResult {
	result := &DispatchResult{Rejected: []string{}}
	for i, outcome := range outcomes {
		d := &n.Devices[i]
		pushkinName := "unknown"
		if reg := dp.registry.find(d.AppID); reg != nil {
			pushkinName = reg.pushkin.Name()
		}
		dp.metrics.Dispatches.WithLabelValues(pushkinName, outcome.Kind.String()).Inc()

		switch outcome.Kind {
		case models.OutcomeDelivered:
			result.Delivered = true
		case models.OutcomeRejected:
			result.Rejected = append(result.Rejected, d.Pushkey)
			dp.recordRejection(d)
		case models.OutcomeRetryable:
			result.Retryable = true
			if outcome.RetryAfter > result.RetryAfter {
				result.RetryAfter = outcome.RetryAfter
			}
		}
	}
	return result
}

func (dp *Dispatcher) recordRejection(d *models.Device) {
	if dp.cache == nil {
		return
	}
	// Best effort with its own deadline; the response must not wait on redis.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dp.cache.MarkRejected(ctx, d.AppID, d.Pushkey); err != nil {
		dp.logger.Warn("cannot record rejected pushkey", slog.Any("error", err))
	}
}
