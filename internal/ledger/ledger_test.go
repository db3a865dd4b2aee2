package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/catalog"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/pkg/factory"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Set(now time.Time) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = now
}

type fixture struct {
	ledger *Ledger
	clock  *fakeClock
	sims   *sim.StaticProvider
	broker *northbound.Broker
}

func newFixture(t *testing.T, options Options) fixture {
	t.Helper()

	store, err := storage.NewStoreFromConfig(factory.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	sims, err := sim.NewStaticProvider([]model.Sim{
		{ID: "A", Slot: 1, Network: model.Generation4G},
		{ID: "B", Slot: 2, Network: model.Generation3G},
	}, "A", "A")
	if err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{now: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.Local)}
	options.Now = clock.Now
	broker := northbound.NewBroker(nil)
	runtime := datwallctx.NewRuntimeContext(datwallctx.Flags{})

	return fixture{
		ledger: NewLedger(store, runtime, sims, broker, options),
		clock:  clock,
		sims:   sims,
		broker: broker,
	}
}

func mustFind(t *testing.T, id string) model.DataPackage {
	t.Helper()
	dataPackage, ok := catalog.Find(id)
	if !ok {
		t.Fatalf("package %s not in catalog", id)
	}
	return dataPackage
}

func row(t *testing.T, ledger *Ledger, simID string, dataType model.DataType) model.UserDataBytes {
	t.Helper()
	found, err := ledger.ByType(context.Background(), simID, dataType)
	if err != nil {
		t.Fatal(err)
	}
	if found == nil {
		t.Fatalf("row %s/%s missing", simID, dataType)
	}
	return *found
}

func TestAddDataBytesOnAbsentRowsCreatesUnstartedQuota(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	combined := mustFind(t, catalog.PackageID("Combinado básico", 125))

	if err := f.ledger.AddDataBytes(ctx, combined, "A"); err != nil {
		t.Fatal(err)
	}

	all := row(t, f.ledger, "A", model.DataTypeAllNetworks)
	if all.Quota != combined.BytesAllNetworks || !all.StartTime.IsZero() || all.Consumed != 0 {
		t.Fatalf("unexpected all-networks row:\n%s", spew.Sdump(all))
	}
	lte := row(t, f.ledger, "A", model.DataTypeLteOnly)
	if lte.Quota != combined.BytesLteOnly || lte.Validity != 30*24*time.Hour {
		t.Fatalf("unexpected lte row:\n%s", spew.Sdump(lte))
	}
	bonus := row(t, f.ledger, "A", model.DataTypeBonus)
	if bonus.Quota != combined.BonusBytes {
		t.Fatalf("unexpected bonus row:\n%s", spew.Sdump(bonus))
	}

	event, ok := f.broker.Latest(northbound.TopicLedger)
	if !ok || event.Payload.(Snapshot).SimID != "A" || len(event.Payload.(Snapshot).Rows) != 3 {
		t.Fatalf("ledger snapshot not published: %+v", event)
	}
}

func TestAddDataBytesAccumulatesBeforeExpiry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	lteOnly := mustFind(t, catalog.PackageID("Paquete 1 GB LTE", 100))

	if err := f.ledger.AddDataBytes(ctx, lteOnly, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.RegisterTraffic(ctx, "A", 100*model.MB, 0); err != nil {
		t.Fatal(err)
	}
	started := row(t, f.ledger, "A", model.DataTypeLteOnly).StartTime

	f.clock.Set(f.clock.Now().Add(48 * time.Hour))
	if err := f.ledger.AddDataBytes(ctx, lteOnly, "A"); err != nil {
		t.Fatal(err)
	}

	lte := row(t, f.ledger, "A", model.DataTypeLteOnly)
	if lte.Quota != 2*model.GB || lte.Consumed != 100*model.MB || !lte.StartTime.Equal(started) {
		t.Fatalf("re-credit must accumulate without restarting the clock:\n%s", spew.Sdump(lte))
	}
}

func TestAddDataBytesResetsExpiredRow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	daily := mustFind(t, catalog.DailyBagID)

	if err := f.ledger.AddDataBytes(ctx, daily, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.RegisterTraffic(ctx, "A", 10*model.MB, 0); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(f.clock.Now().Add(25 * time.Hour))
	if err := f.ledger.AddDataBytes(ctx, daily, "A"); err != nil {
		t.Fatal(err)
	}

	lte := row(t, f.ledger, "A", model.DataTypeLteOnly)
	if lte.Quota != 200*model.MB || lte.Consumed != 0 || !lte.StartTime.IsZero() {
		t.Fatalf("expired row must be reset by a new credit:\n%s", spew.Sdump(lte))
	}
}

func TestAddPromoBonus(t *testing.T) {
	f := newFixture(t, Options{PromoBonusBytes: 500 * model.MB})
	if err := f.ledger.AddPromoBonus(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	bonus := row(t, f.ledger, "A", model.DataTypeBonus)
	if bonus.Quota != 500*model.MB || bonus.Validity != 30*24*time.Hour {
		t.Fatalf("unexpected bonus row:\n%s", spew.Sdump(bonus))
	}
	if lte, _ := f.ledger.ByType(context.Background(), "A", model.DataTypeLteOnly); lte != nil {
		t.Fatalf("promo bonus must only credit the bonus class")
	}
}

func TestRegisterTrafficPriorityAndClamping(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	combined := mustFind(t, catalog.PackageID("Combinado básico", 125))
	if err := f.ledger.AddDataBytes(ctx, combined, "A"); err != nil {
		t.Fatal(err)
	}

	// 4G: LTE first, overflow into all-networks, then bonus, then dropped.
	total := combined.BytesLteOnly + combined.BytesAllNetworks + combined.BonusBytes
	debit, err := f.ledger.RegisterTraffic(ctx, "A", total, 7*model.MB)
	if err != nil {
		t.Fatal(err)
	}
	if debit.Absorbed != total || debit.Dropped != 7*model.MB {
		t.Fatalf("unexpected debit %+v", debit)
	}

	rows, _ := f.ledger.All(ctx, "A")
	for _, current := range rows {
		if current.Consumed > current.Quota {
			t.Fatalf("consumed above quota:\n%s", spew.Sdump(current))
		}
		if current.Consumed != current.Quota || current.StartTime.IsZero() {
			t.Fatalf("row not fully used:\n%s", spew.Sdump(current))
		}
	}
}

func TestRegisterTrafficRejectsOverflowingCounters(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	daily := mustFind(t, catalog.DailyBagID)
	if err := f.ledger.AddDataBytes(ctx, daily, "A"); err != nil {
		t.Fatal(err)
	}

	debit, err := f.ledger.RegisterTraffic(ctx, "A", math.MaxInt64, 1)
	if !errors.Is(err, ErrTrafficOverflow) {
		t.Fatalf("expected ErrTrafficOverflow, got %v (%+v)", err, debit)
	}
	lte := row(t, f.ledger, "A", model.DataTypeLteOnly)
	if lte.Consumed != 0 || !lte.StartTime.IsZero() {
		t.Fatalf("row touched by rejected traffic:\n%s", spew.Sdump(lte))
	}

	// The largest representable total is absorbed up to the quota, never beyond.
	debit, err = f.ledger.RegisterTraffic(ctx, "A", math.MaxInt64-1, 1)
	if err != nil {
		t.Fatal(err)
	}
	lte = row(t, f.ledger, "A", model.DataTypeLteOnly)
	if debit.Absorbed != lte.Quota || debit.Absorbed < 0 || lte.Consumed != lte.Quota || lte.Remaining() != 0 {
		t.Fatalf("unexpected debit %+v:\n%s", debit, spew.Sdump(lte))
	}
}

func TestRegisterTrafficUnder3GSkipsLteOnly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	combined := mustFind(t, catalog.PackageID("Combinado básico", 125))
	if err := f.ledger.AddDataBytes(ctx, combined, "B"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.ledger.RegisterTraffic(ctx, "B", 5*model.MB, 5*model.MB); err != nil {
		t.Fatal(err)
	}
	if lte := row(t, f.ledger, "B", model.DataTypeLteOnly); lte.Consumed != 0 || !lte.StartTime.IsZero() {
		t.Fatalf("lte row must be untouched under 3G:\n%s", spew.Sdump(lte))
	}
	if all := row(t, f.ledger, "B", model.DataTypeAllNetworks); all.Consumed != 10*model.MB {
		t.Fatalf("all-networks row must absorb 3G traffic:\n%s", spew.Sdump(all))
	}
}

// Each row keeps its own clock: rows of the same package that absorb nothing
// stay unstarted.
func TestRegisterTrafficStartsOnlyAbsorbingRows(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	combined := mustFind(t, catalog.PackageID("Combinado básico", 125))
	if err := f.ledger.AddDataBytes(ctx, combined, "A"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.ledger.RegisterTraffic(ctx, "A", 8*model.MB, 2*model.MB); err != nil {
		t.Fatal(err)
	}
	if lte := row(t, f.ledger, "A", model.DataTypeLteOnly); lte.Consumed != 10*model.MB || !lte.StartTime.Equal(f.clock.Now()) {
		t.Fatalf("lte row must absorb and start:\n%s", spew.Sdump(lte))
	}
	for _, dataType := range []model.DataType{model.DataTypeAllNetworks, model.DataTypeBonus} {
		if untouched := row(t, f.ledger, "A", dataType); untouched.Consumed != 0 || !untouched.StartTime.IsZero() {
			t.Fatalf("%s row must stay unstarted:\n%s", dataType, spew.Sdump(untouched))
		}
	}
}

func TestRegisterTrafficWithoutQuotaDropsEverything(t *testing.T) {
	f := newFixture(t, Options{})
	debit, err := f.ledger.RegisterTraffic(context.Background(), "A", 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if debit.Absorbed != 0 || debit.Dropped != 7 {
		t.Fatalf("unexpected debit %+v", debit)
	}
	if _, err := f.ledger.RegisterTraffic(context.Background(), "", 1, 1); !errors.Is(err, ErrEmptySim) {
		t.Fatalf("expected ErrEmptySim, got %v", err)
	}
	if _, err := f.ledger.RegisterTraffic(context.Background(), "A", -1, 1); err == nil {
		t.Fatalf("expected error on negative traffic")
	}
}

// The daily bag lasts 24 hours from its first use. The expiry instant itself
// is still valid; anything after it finds the row reset.
func TestDailyBagEndToEnd(t *testing.T) {
	t.Run("at the expiry instant bytes accumulate", func(t *testing.T) {
		f := newFixture(t, Options{})
		ctx := context.Background()
		daily := mustFind(t, catalog.DailyBagID)
		start := f.clock.Now()

		if err := f.ledger.AddDataBytes(ctx, daily, "A"); err != nil {
			t.Fatal(err)
		}
		if lte := row(t, f.ledger, "A", model.DataTypeLteOnly); lte.Quota != 200*1024*1024 {
			t.Fatalf("daily bag quota = %d", lte.Quota)
		}

		if _, err := f.ledger.RegisterTraffic(ctx, "A", 50*1024*1024, 0); err != nil {
			t.Fatal(err)
		}
		lte := row(t, f.ledger, "A", model.DataTypeLteOnly)
		if lte.Consumed != 50*1024*1024 || !lte.StartTime.Equal(start) {
			t.Fatalf("after first use:\n%s", spew.Sdump(lte))
		}

		f.clock.Set(start.Add(24 * time.Hour))
		debit, err := f.ledger.RegisterTraffic(ctx, "A", 160*1024*1024, 0)
		if err != nil {
			t.Fatal(err)
		}
		lte = row(t, f.ledger, "A", model.DataTypeLteOnly)
		if lte.Consumed != 200*1024*1024 || debit.Dropped != 10*1024*1024 {
			t.Fatalf("at expiry instant (debit %+v):\n%s", debit, spew.Sdump(lte))
		}
	})

	t.Run("after the expiry instant the row resets", func(t *testing.T) {
		f := newFixture(t, Options{})
		ctx := context.Background()
		daily := mustFind(t, catalog.DailyBagID)
		start := f.clock.Now()

		if err := f.ledger.AddDataBytes(ctx, daily, "A"); err != nil {
			t.Fatal(err)
		}
		if _, err := f.ledger.RegisterTraffic(ctx, "A", 50*1024*1024, 0); err != nil {
			t.Fatal(err)
		}

		f.clock.Set(start.Add(24*time.Hour + time.Second))
		debit, err := f.ledger.RegisterTraffic(ctx, "A", 160*1024*1024, 0)
		if err != nil {
			t.Fatal(err)
		}
		lte := row(t, f.ledger, "A", model.DataTypeLteOnly)
		if lte.Quota != 0 || lte.Consumed != 0 || !lte.StartTime.IsZero() {
			t.Fatalf("expired row must be reset:\n%s", spew.Sdump(lte))
		}
		if debit.Absorbed != 0 || debit.Dropped != 160*1024*1024 {
			t.Fatalf("unexpected debit %+v", debit)
		}
	})
}

func TestDiscountHoursAreNotDebited(t *testing.T) {
	f := newFixture(t, Options{DiscountHours: true})
	ctx := context.Background()
	if err := f.ledger.AddDataBytes(ctx, mustFind(t, catalog.DailyBagID), "A"); err != nil {
		t.Fatal(err)
	}

	night := time.Date(2024, time.March, 11, 3, 0, 0, 0, time.Local)
	f.clock.Set(night)
	debit, err := f.ledger.RegisterTraffic(ctx, "A", model.MB, 0)
	if err != nil || !debit.Discounted {
		t.Fatalf("expected discounted debit, got %+v (%v)", debit, err)
	}
	if lte := row(t, f.ledger, "A", model.DataTypeLteOnly); lte.Consumed != 0 {
		t.Fatalf("discounted traffic must not be debited")
	}
}

func TestConcurrentTrafficIsNotLost(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if err := f.ledger.AddDataBytes(ctx, mustFind(t, catalog.PackageID("Paquete 1 GB LTE", 100)), "A"); err != nil {
		t.Fatal(err)
	}

	var waitGroup sync.WaitGroup
	for i := 0; i < 40; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := f.ledger.RegisterTraffic(ctx, "A", model.MB, 0); err != nil {
				t.Error(err)
			}
		}()
	}
	waitGroup.Wait()

	if lte := row(t, f.ledger, "A", model.DataTypeLteOnly); lte.Consumed != 40*model.MB {
		t.Fatalf("lost updates: consumed %d", lte.Consumed)
	}
}

func TestExpireAll(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	daily := mustFind(t, catalog.DailyBagID)
	if err := f.ledger.AddDataBytes(ctx, daily, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.RegisterTraffic(ctx, "A", model.MB, 0); err != nil {
		t.Fatal(err)
	}

	count, err := f.ledger.ExpireAll(ctx, f.clock.Now().Add(time.Hour))
	if err != nil || count != 0 {
		t.Fatalf("nothing should expire yet: %d %v", count, err)
	}
	count, err = f.ledger.ExpireAll(ctx, f.clock.Now().Add(25*time.Hour))
	if err != nil || count != 1 {
		t.Fatalf("expected one expired row, got %d %v", count, err)
	}
	if lte := row(t, f.ledger, "A", model.DataTypeLteOnly); lte.Exists() {
		t.Fatalf("expired row must be reset:\n%s", spew.Sdump(lte))
	}
}
