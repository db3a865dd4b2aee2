// Package context holds the in-memory runtime state of datwall, including:
//   - the purchase channel (USSD or MiCubacel) and the firewall flags
//   - per-SIM locks that serialize ledger and traffic mutations
//   - the last eligibility refresh per SIM slot
//   - shutdown flags and basic lifecycle helpers.
//
// Note: This package is named "context", so we alias the standard library
// "context" package to avoid name collisions.
package context

import (
	stdctx "context"
	"fmt"
	"sync"
	"time"

	"github.com/smartsolutions/datwall/internal/logger"
)

// BuyMode is the channel used to purchase packages.
type BuyMode string

const (
	BuyModeUSSD      BuyMode = "ussd"
	BuyModeMiCubacel BuyMode = "micubacel"
)

// ParseBuyMode validates a configured buy mode.
func ParseBuyMode(value string) (BuyMode, error) {
	switch BuyMode(value) {
	case BuyModeUSSD, BuyModeMiCubacel:
		return BuyMode(value), nil
	default:
		return "", fmt.Errorf("unknown buy mode %q", value)
	}
}

// LockDomain names an independent family of per-SIM locks.
type LockDomain string

const (
	// LockLedger serializes read-modify-write cycles on the ledger rows of a SIM.
	LockLedger LockDomain = "ledger"
	// LockTraffic serializes compaction and ingestion of the traffic rows of a SIM.
	LockTraffic LockDomain = "traffic"
)

// Flags is an immutable copy of the user-facing switches.
type Flags struct {
	BuyMode            BuyMode `json:"buyMode"`
	FirewallEnabled    bool    `json:"firewallEnabled"`
	BubbleFloatEnabled bool    `json:"bubbleFloatEnabled"`
}

// RuntimeContext provides concurrency-safe accessors to the runtime flags,
// per-SIM locks and lifecycle state.
type RuntimeContext interface {
	// ---- Flags ----

	// GetFlags returns a snapshot of the current switches.
	GetFlags() Flags

	// SetBuyMode changes the purchase channel.
	SetBuyMode(ctx stdctx.Context, mode BuyMode) error

	// SetFirewallEnabled toggles the firewall switch.
	SetFirewallEnabled(ctx stdctx.Context, enabled bool)

	// SetBubbleFloatEnabled toggles the floating usage bubble switch.
	SetBubbleFloatEnabled(ctx stdctx.Context, enabled bool)

	// ---- Per-SIM locks ----

	// LockSim blocks until the lock of (domain, simID) is held and returns
	// the function releasing it.
	LockSim(domain LockDomain, simID string) (unlock func())

	// ---- Eligibility refresh bookkeeping ----

	// RecordEligibilityRefresh stores when the menu of a slot was last parsed.
	RecordEligibilityRefresh(slot int, at time.Time)

	// LastEligibilityRefresh returns the last refresh time of slot, or the zero time.
	LastEligibilityRefresh(slot int) time.Time

	// ---- Shutdown flag ----

	// SetShutdownRequested marks whether a graceful shutdown has been requested.
	SetShutdownRequested(ctx stdctx.Context, requested bool)

	// IsShutdownRequested returns true if shutdown has been requested.
	IsShutdownRequested() bool
}

type simLockKey struct {
	domain LockDomain
	simID  string
}

// runtimeContextImpl is the concrete implementation of RuntimeContext.
// It keeps all state in memory guarded by a RWMutex per concern.
type runtimeContextImpl struct {
	mutexForFlags sync.RWMutex
	flags         Flags

	mutexForSimLocks sync.Mutex
	simLocks         map[simLockKey]*sync.Mutex

	mutexForRefresh   sync.RWMutex
	refreshedAtBySlot map[int]time.Time

	mutexForShutdown  sync.RWMutex
	shutdownRequested bool
}

// NewRuntimeContext creates a RuntimeContext with the initial flags.
func NewRuntimeContext(initial Flags) RuntimeContext {
	if initial.BuyMode == "" {
		initial.BuyMode = BuyModeUSSD
	}
	return &runtimeContextImpl{
		flags:             initial,
		simLocks:          make(map[simLockKey]*sync.Mutex),
		refreshedAtBySlot: make(map[int]time.Time),
	}
}

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

// GetFlags implements RuntimeContext.GetFlags.
func (runtime *runtimeContextImpl) GetFlags() Flags {
	runtime.mutexForFlags.RLock()
	defer runtime.mutexForFlags.RUnlock()
	return runtime.flags
}

// SetBuyMode implements RuntimeContext.SetBuyMode.
func (runtime *runtimeContextImpl) SetBuyMode(ctx stdctx.Context, mode BuyMode) error {
	if _, err := ParseBuyMode(string(mode)); err != nil {
		return err
	}

	runtime.mutexForFlags.Lock()
	defer runtime.mutexForFlags.Unlock()
	runtime.flags.BuyMode = mode

	logger.ContextLog.Infof("buy mode set to %s", mode)
	return nil
}

// SetFirewallEnabled implements RuntimeContext.SetFirewallEnabled.
func (runtime *runtimeContextImpl) SetFirewallEnabled(ctx stdctx.Context, enabled bool) {
	runtime.mutexForFlags.Lock()
	defer runtime.mutexForFlags.Unlock()
	runtime.flags.FirewallEnabled = enabled

	logger.ContextLog.Infof("firewall enabled=%t", enabled)
}

// SetBubbleFloatEnabled implements RuntimeContext.SetBubbleFloatEnabled.
func (runtime *runtimeContextImpl) SetBubbleFloatEnabled(ctx stdctx.Context, enabled bool) {
	runtime.mutexForFlags.Lock()
	defer runtime.mutexForFlags.Unlock()
	runtime.flags.BubbleFloatEnabled = enabled

	logger.ContextLog.Infof("bubble float enabled=%t", enabled)
}

// -----------------------------------------------------------------------------
// Per-SIM locks
// -----------------------------------------------------------------------------

// LockSim implements RuntimeContext.LockSim. Locks are created lazily and
// never removed; the number of SIMs on a device is tiny.
func (runtime *runtimeContextImpl) LockSim(domain LockDomain, simID string) func() {
	key := simLockKey{domain: domain, simID: simID}

	runtime.mutexForSimLocks.Lock()
	simLock, exists := runtime.simLocks[key]
	if !exists {
		simLock = &sync.Mutex{}
		runtime.simLocks[key] = simLock
	}
	runtime.mutexForSimLocks.Unlock()

	simLock.Lock()
	return simLock.Unlock
}

// -----------------------------------------------------------------------------
// Eligibility refresh bookkeeping
// -----------------------------------------------------------------------------

// RecordEligibilityRefresh implements RuntimeContext.RecordEligibilityRefresh.
func (runtime *runtimeContextImpl) RecordEligibilityRefresh(slot int, at time.Time) {
	runtime.mutexForRefresh.Lock()
	defer runtime.mutexForRefresh.Unlock()
	runtime.refreshedAtBySlot[slot] = at

	logger.ContextLog.Debugf("eligibility refreshed slot=%d at=%s", slot, at.Format(time.RFC3339Nano))
}

// LastEligibilityRefresh implements RuntimeContext.LastEligibilityRefresh.
func (runtime *runtimeContextImpl) LastEligibilityRefresh(slot int) time.Time {
	runtime.mutexForRefresh.RLock()
	defer runtime.mutexForRefresh.RUnlock()
	return runtime.refreshedAtBySlot[slot]
}

// -----------------------------------------------------------------------------
// Shutdown flag
// -----------------------------------------------------------------------------

// SetShutdownRequested implements RuntimeContext.SetShutdownRequested.
func (runtime *runtimeContextImpl) SetShutdownRequested(
	ctx stdctx.Context,
	requested bool,
) {
	runtime.mutexForShutdown.Lock()
	defer runtime.mutexForShutdown.Unlock()
	runtime.shutdownRequested = requested

	logger.ContextLog.Infof("shutdown requested=%t", requested)
}

// IsShutdownRequested implements RuntimeContext.IsShutdownRequested.
func (runtime *runtimeContextImpl) IsShutdownRequested() bool {
	runtime.mutexForShutdown.RLock()
	defer runtime.mutexForShutdown.RUnlock()
	return runtime.shutdownRequested
}
