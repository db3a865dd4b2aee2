package context

import (
	stdctx "context"
	"sync"
	"testing"
	"time"
)

func TestFlagsDefaultsAndUpdates(t *testing.T) {
	runtime := NewRuntimeContext(Flags{})
	if runtime.GetFlags().BuyMode != BuyModeUSSD {
		t.Fatalf("default buy mode = %q", runtime.GetFlags().BuyMode)
	}

	ctx := stdctx.Background()
	if err := runtime.SetBuyMode(ctx, BuyModeMiCubacel); err != nil {
		t.Fatal(err)
	}
	if err := runtime.SetBuyMode(ctx, BuyMode("carrier-pigeon")); err == nil {
		t.Fatalf("expected invalid buy mode error")
	}
	runtime.SetFirewallEnabled(ctx, true)
	runtime.SetBubbleFloatEnabled(ctx, true)

	flags := runtime.GetFlags()
	if flags.BuyMode != BuyModeMiCubacel || !flags.FirewallEnabled || !flags.BubbleFloatEnabled {
		t.Fatalf("unexpected flags %+v", flags)
	}
}

func TestLockSimSerializesSameKey(t *testing.T) {
	runtime := NewRuntimeContext(Flags{})

	var (
		waitGroup sync.WaitGroup
		counter   int
	)
	for i := 0; i < 50; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			unlock := runtime.LockSim(LockLedger, "sim-1")
			defer unlock()
			current := counter
			time.Sleep(time.Microsecond)
			counter = current + 1
		}()
	}
	waitGroup.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, lost updates under LockSim", counter)
	}
}

func TestLockSimDomainsAreIndependent(t *testing.T) {
	runtime := NewRuntimeContext(Flags{})
	unlockLedger := runtime.LockSim(LockLedger, "sim-1")
	defer unlockLedger()

	done := make(chan struct{})
	go func() {
		unlock := runtime.LockSim(LockTraffic, "sim-1")
		unlock()
		unlock = runtime.LockSim(LockLedger, "sim-2")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("locks of other domains or SIMs must not block")
	}
}

func TestEligibilityRefreshAndShutdown(t *testing.T) {
	runtime := NewRuntimeContext(Flags{BuyMode: BuyModeUSSD})
	if !runtime.LastEligibilityRefresh(1).IsZero() {
		t.Fatalf("expected zero refresh time")
	}
	at := time.Date(2024, time.April, 2, 9, 0, 0, 0, time.UTC)
	runtime.RecordEligibilityRefresh(1, at)
	if !runtime.LastEligibilityRefresh(1).Equal(at) || !runtime.LastEligibilityRefresh(2).IsZero() {
		t.Fatalf("refresh bookkeeping mismatch")
	}

	runtime.SetShutdownRequested(stdctx.Background(), true)
	if !runtime.IsShutdownRequested() {
		t.Fatalf("shutdown flag not set")
	}
}
