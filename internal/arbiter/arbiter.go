// Package arbiter implements the control-lock state machine: which backend,
// if any, may command the charger, under the configured policy.
package arbiter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
)

// State is the lock state.
type State string

const (
	StateFree      State = "Free"
	StateHeld      State = "Held"
	StateSuspended State = "Suspended"
)

// CommandSender forwards a command to the charger. Implemented by the
// charger manager.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd events.Command) (events.CommandResult, error)
}

// Notifier receives lock transitions. Implemented by the backend registry,
// which turns them into control frames.
type Notifier interface {
	ControlGranted(backendID string)
	ControlRevoked(backendID string, reason events.ErrorCode)
}

// PresenceSource reports whether somebody is home. See the homeassistant
// package for the concrete bindings.
type PresenceSource interface {
	IsPresent() bool
}

// commandMargin is added to the charger call timeout for scheduling slack.
const commandMargin = time.Second

// commandTimeout bounds a backend-submitted command end to end.
const commandTimeout = 30*time.Second + commandMargin

// Engine arbitrates the control lock. All mutations serialize through its
// mutex; policy gates are evaluated in a fixed order (see Request).
type Engine struct {
	policy   config.Policy
	charger  CommandSender
	presence PresenceSource
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	holder      string
	since       time.Time
	override    bool
	lastRequest map[string]time.Time
	grantCtx    context.Context
	grantCancel context.CancelFunc
	notifier    Notifier
	now         func() time.Time
}

// New creates an engine with the lock Free.
func New(policy config.Policy, charger CommandSender, presence PresenceSource, logger *zap.Logger) *Engine {
	return &Engine{
		policy:      policy,
		charger:     charger,
		presence:    presence,
		logger:      logger,
		state:       StateFree,
		lastRequest: make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetNotifier wires the registry in after construction (the registry needs
// the engine too; this breaks the cycle).
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// Snapshot returns the lock state for the status surface.
func (e *Engine) Snapshot() (state State, holder string, override bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.holder, e.override
}

// Holder returns the current lock holder id, or "".
func (e *Engine) Holder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder
}

// Request asks for the control lock on behalf of backendID. A nil return
// means granted; otherwise the ProxyError carries the policy verdict.
// Grant/revoke notifications are emitted through the Notifier.
func (e *Engine) Request(backendID string) error {
	e.mu.Lock()

	// The rate-limit clock advances on every attempt, accepted or not, so
	// a hammering backend never gets in.
	now := e.now()
	last, seen := e.lastRequest[backendID]
	e.lastRequest[backendID] = now

	if err := func() *events.ProxyError {
		if e.override {
			return events.NewError(events.ErrUserOverride, "administrative override is active")
		}
		if e.state == StateSuspended {
			return events.NewError(events.ErrChargerFaulted, "charger is faulted")
		}
		if !e.policy.AllowSharedCharging && backendID != e.policy.PreferredProvider {
			return events.NewError(events.ErrProviderNotAllowed, "shared charging is disabled")
		}
		for _, blocked := range e.policy.DisallowedProviders {
			if blocked == backendID {
				return events.NewError(events.ErrProviderBlocked, "provider %s is blocked", backendID)
			}
		}
		if len(e.policy.AllowedProviders) > 0 {
			allowed := false
			for _, a := range e.policy.AllowedProviders {
				if a == backendID {
					allowed = true
					break
				}
			}
			if !allowed {
				return events.NewError(events.ErrProviderNotAllowed, "provider %s is not on the allow list", backendID)
			}
		}
		if seen && e.policy.RateLimitSeconds > 0 &&
			now.Sub(last) < time.Duration(e.policy.RateLimitSeconds)*time.Second {
			return events.NewError(events.ErrRateLimited, "retry after %ds", e.policy.RateLimitSeconds)
		}
		if e.presence != nil && e.policy.PresenceSensor != "" &&
			backendID != e.policy.PreferredProvider && e.presence.IsPresent() {
			return events.NewError(events.ErrPresenceBlocked, "owner is home")
		}
		if e.state == StateHeld {
			if backendID == e.policy.PreferredProvider && e.holder != e.policy.PreferredProvider {
				return nil // preemption
			}
			return events.NewError(events.ErrAlreadyHeld, "lock held by %s", e.holder)
		}
		return nil
	}(); err != nil {
		e.mu.Unlock()
		e.logger.Info("control request denied",
			zap.String("backend_id", backendID),
			zap.String("code", string(err.Code)))
		return err
	}

	previous := ""
	if e.state == StateHeld && e.holder != backendID {
		previous = e.holder
		e.cancelGrantLocked()
	}
	e.grantLocked(backendID, now)
	notifier := e.notifier
	e.mu.Unlock()

	if notifier != nil {
		if previous != "" {
			notifier.ControlRevoked(previous, events.ErrPreempted)
		}
		notifier.ControlGranted(backendID)
	}
	e.logger.Info("control granted",
		zap.String("backend_id", backendID),
		zap.String("preempted", previous))
	return nil
}

// Release gives the lock up voluntarily.
func (e *Engine) Release(backendID string) error {
	e.mu.Lock()
	if e.state != StateHeld || e.holder != backendID {
		e.mu.Unlock()
		return events.NewError(events.ErrNotLockHolder, "%s does not hold the lock", backendID)
	}
	e.cancelGrantLocked()
	e.releaseLocked()
	notifier := e.notifier
	e.mu.Unlock()

	if notifier != nil {
		notifier.ControlRevoked(backendID, "Released")
	}
	e.logger.Info("control released", zap.String("backend_id", backendID))
	return nil
}

// Command submits an internal command on behalf of backendID. Holder
// identity is checked on every call; preemption while the charger call is
// in flight surfaces as Preempted.
func (e *Engine) Command(backendID string, cmd events.Command) (events.CommandResult, error) {
	e.mu.Lock()
	if e.override {
		e.mu.Unlock()
		return events.CommandResult{}, events.NewError(events.ErrUserOverride, "administrative override is active")
	}
	if e.state != StateHeld || e.holder != backendID {
		e.mu.Unlock()
		return events.CommandResult{}, events.NewError(events.ErrNotLockHolder, "%s does not hold the lock", backendID)
	}
	grantCtx := e.grantCtx
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(grantCtx, commandTimeout)
	defer cancel()

	res, err := e.charger.SendCommand(ctx, cmd)
	// A revoked grant cancels ctx mid-call; the failure may come back as a
	// top-level error or inside CommandResult.Err depending on where the
	// call died. Either way the cause is the revocation.
	if (err != nil || res.Err != nil) && grantCtx.Err() != nil {
		return events.CommandResult{}, events.NewError(events.ErrPreempted, "control was revoked while %s was in flight", cmd.Type)
	}
	if err != nil {
		return events.CommandResult{}, err
	}
	return res, nil
}

// SetOverride toggles the administrative override. Activation revokes the
// current holder and cancels its in-flight commands.
func (e *Engine) SetOverride(active bool) {
	e.mu.Lock()
	if e.override == active {
		e.mu.Unlock()
		return
	}
	e.override = active
	revoked := ""
	if active && e.state == StateHeld {
		revoked = e.holder
		e.cancelGrantLocked()
		e.releaseLocked()
	}
	notifier := e.notifier
	e.mu.Unlock()

	if revoked != "" && notifier != nil {
		notifier.ControlRevoked(revoked, events.ErrUserOverride)
	}
	e.logger.Info("administrative override changed", zap.Bool("active", active))
}

// Override reports whether the administrative override is active.
func (e *Engine) Override() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.override
}

// BackendGone releases the lock when its holder disconnects.
func (e *Engine) BackendGone(backendID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastRequest, backendID)
	if e.state == StateHeld && e.holder == backendID {
		e.cancelGrantLocked()
		e.releaseLocked()
		e.logger.Info("lock released, holder disconnected", zap.String("backend_id", backendID))
	}
}

// ObserveEvent applies a charger event to the lock state: faults suspend
// the lock, recovery frees it, charger disconnect releases it. The registry
// calls this before fanning the event out, so revocation frames reach a
// backend before the event that caused them.
func (e *Engine) ObserveEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeStatusChanged:
		if ev.Status == events.StatusFaulted {
			e.suspend()
		} else {
			e.resume()
		}
	case events.TypeChargerDisconnected:
		e.chargerLost()
	}
}

func (e *Engine) suspend() {
	e.mu.Lock()
	if e.state == StateSuspended {
		e.mu.Unlock()
		return
	}
	revoked := ""
	if e.state == StateHeld {
		revoked = e.holder
		e.cancelGrantLocked()
	}
	e.state = StateSuspended
	e.holder = ""
	notifier := e.notifier
	e.mu.Unlock()

	if revoked != "" && notifier != nil {
		notifier.ControlRevoked(revoked, events.ErrChargerFaulted)
	}
	e.logger.Warn("lock suspended, charger faulted", zap.String("revoked", revoked))
}

func (e *Engine) resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSuspended {
		e.state = StateFree
		e.logger.Info("charger recovered, lock free")
	}
}

func (e *Engine) chargerLost() {
	e.mu.Lock()
	revoked := ""
	if e.state == StateHeld {
		revoked = e.holder
		e.cancelGrantLocked()
	}
	e.state = StateFree
	e.holder = ""
	notifier := e.notifier
	e.mu.Unlock()

	if revoked != "" && notifier != nil {
		notifier.ControlRevoked(revoked, events.ErrConnectionLost)
	}
}

func (e *Engine) grantLocked(backendID string, now time.Time) {
	e.state = StateHeld
	e.holder = backendID
	e.since = now
	e.grantCtx, e.grantCancel = context.WithCancel(context.Background())
}

func (e *Engine) releaseLocked() {
	e.state = StateFree
	e.holder = ""
}

func (e *Engine) cancelGrantLocked() {
	if e.grantCancel != nil {
		e.grantCancel()
		e.grantCancel = nil
	}
}
