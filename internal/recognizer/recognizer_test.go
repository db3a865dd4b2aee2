package recognizer

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/catalog"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/ledger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/pkg/factory"
)

var receivedAt = time.Date(2024, time.June, 1, 10, 0, 0, 0, time.Local)

var (
	lteOneGB      = catalog.PackageID("Paquete 1 GB LTE", 100)
	lteTwoHalfGB  = catalog.PackageID("Paquete 2.5 GB LTE", 200)
	combinadoBase = catalog.PackageID("Combinado básico", 125)
)

type fixture struct {
	store      storage.Store
	ledger     *ledger.Ledger
	recognizer *Recognizer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := storage.NewStoreFromConfig(factory.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertDataPackages(context.Background(), catalog.Packages()); err != nil {
		t.Fatal(err)
	}
	sims, err := sim.NewStaticProvider([]model.Sim{{ID: "A", Slot: 1}, {ID: "B", Slot: 2}}, "A", "B")
	if err != nil {
		t.Fatal(err)
	}
	runtime := datwallctx.NewRuntimeContext(datwallctx.Flags{})
	broker := northbound.NewBroker(nil)
	ledgerInstance := ledger.NewLedger(store, runtime, sims, broker, ledger.Options{
		Now: func() time.Time { return receivedAt },
	})
	return fixture{
		store:  store,
		ledger: ledgerInstance,
		recognizer: NewRecognizer(store, ledgerInstance, sims, broker, Options{
			CarrierShortName: "Cubacel",
			Now:              func() time.Time { return receivedAt },
		}),
	}
}

func (f fixture) quota(t *testing.T, simID string, dataType model.DataType) int64 {
	t.Helper()
	row, err := f.ledger.ByType(context.Background(), simID, dataType)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		return 0
	}
	return row.Quota
}

func TestRecognizedPackageIsCredited(t *testing.T) {
	f := newFixture(t)

	result, err := f.recognizer.HandleMessage(context.Background(), model.InboundSms{
		SimID:      "A",
		Sender:     "CUBACEL",
		Body:       "Usted ha comprado el paquete de 1GB solo LTE. Vigencia 30 dias.",
		ReceivedAt: receivedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Matched || result.DataPackageID != lteOneGB || !result.Recorded {
		t.Fatalf("unexpected result %+v", result)
	}
	if quota := f.quota(t, "A", model.DataTypeLteOnly); quota != model.GB {
		t.Fatalf("LTE quota = %d", quota)
	}

	history, _ := f.store.ListPurchasedPackages(context.Background(), storage.PurchaseQuery{})
	if len(history) != 1 || history[0].Origin != model.OriginSMS || history[0].SimID != "A" {
		t.Fatalf("unexpected history:\n%s", spew.Sdump(history))
	}
}

func TestFirstCatalogKeyWins(t *testing.T) {
	f := newFixture(t)

	result, err := f.recognizer.HandleMessage(context.Background(), model.InboundSms{
		SimID:      "A",
		Sender:     "Cubacel",
		Body:       "Promo: 2.5GB solo LTE al precio de 1GB solo LTE",
		ReceivedAt: receivedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.DataPackageID != lteOneGB {
		t.Fatalf("expected the earlier catalog entry, got %s", result.DataPackageID)
	}
	if quota := f.quota(t, "A", model.DataTypeLteOnly); quota != model.GB {
		t.Fatalf("only one package may be credited, LTE quota = %d", quota)
	}
	if result.DataPackageID == lteTwoHalfGB {
		t.Fatalf("later key credited")
	}
}

func TestOtherSendersAreIgnored(t *testing.T) {
	f := newFixture(t)

	result, err := f.recognizer.HandleMessage(context.Background(), model.InboundSms{
		SimID:  "A",
		Sender: "+5355555555",
		Body:   "1GB solo LTE",
	})
	if err != nil || result.Matched {
		t.Fatalf("unexpected result %+v (%v)", result, err)
	}
	if quota := f.quota(t, "A", model.DataTypeLteOnly); quota != 0 {
		t.Fatalf("foreign sender credited %d", quota)
	}
}

func TestUnrecognizedTextIsSilent(t *testing.T) {
	f := newFixture(t)
	result, err := f.recognizer.HandleMessage(context.Background(), model.InboundSms{
		Sender: "Cubacel",
		Body:   "Su saldo es 12.50 CUP",
	})
	if err != nil || result.Matched {
		t.Fatalf("unexpected result %+v (%v)", result, err)
	}
}

func TestDuplicateDeliveryCreditsOnce(t *testing.T) {
	f := newFixture(t)
	message := model.InboundSms{
		SimID:      "A",
		Sender:     "Cubacel",
		Body:       "Compra exitosa: 600MB +800MB LTE",
		ReceivedAt: receivedAt,
	}

	if _, err := f.recognizer.HandleMessage(context.Background(), message); err != nil {
		t.Fatal(err)
	}
	result, err := f.recognizer.HandleMessage(context.Background(), message)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Duplicate {
		t.Fatalf("second delivery not flagged: %+v", result)
	}
	if quota := f.quota(t, "A", model.DataTypeAllNetworks); quota != 600*model.MB {
		t.Fatalf("credited twice: %d", quota)
	}

	// Same text later is a new purchase.
	message.ReceivedAt = receivedAt.Add(2 * time.Hour)
	if _, err := f.recognizer.HandleMessage(context.Background(), message); err != nil {
		t.Fatal(err)
	}
	if quota := f.quota(t, "A", model.DataTypeAllNetworks); quota != 1200*model.MB {
		t.Fatalf("second purchase not credited: %d", quota)
	}
}

func TestPromoBonus(t *testing.T) {
	f := newFixture(t)

	result, err := f.recognizer.HandleMessage(context.Background(), model.InboundSms{
		SimID:  "A",
		Sender: "Cubacel",
		Body:   catalog.PromoBonusKey + " con 300MB",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.PromoBonus || f.quota(t, "A", model.DataTypeBonus) != 300*model.MB {
		t.Fatalf("promo not credited: %+v", result)
	}
	history, _ := f.store.ListPurchasedPackages(context.Background(), storage.PurchaseQuery{})
	if len(history) != 0 {
		t.Fatalf("promo must not appear in the purchase history")
	}
}

func TestEmptySimUsesDefaultDataSim(t *testing.T) {
	f := newFixture(t)
	if _, err := f.recognizer.HandleMessage(context.Background(), model.InboundSms{
		Sender: "Cubacel",
		Body:   "1GB solo LTE",
	}); err != nil {
		t.Fatal(err)
	}
	if f.quota(t, "B", model.DataTypeLteOnly) != model.GB || f.quota(t, "A", model.DataTypeLteOnly) != 0 {
		t.Fatalf("credit did not land on the default data sim")
	}
}

func TestTransportPurchaseIsNotDuplicatedInHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bought := model.PurchasedPackage{
		Date:          receivedAt.Add(-5 * time.Minute),
		Origin:        model.OriginUSSD,
		DataPackageID: combinadoBase,
		SimID:         "A",
	}
	if err := f.store.CreatePurchasedPackage(ctx, &bought); err != nil {
		t.Fatal(err)
	}

	result, err := f.recognizer.HandleMessage(ctx, model.InboundSms{
		SimID:      "A",
		Sender:     "Cubacel",
		Body:       "600MB +800MB LTE",
		ReceivedAt: receivedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Matched || result.Recorded {
		t.Fatalf("unexpected result %+v", result)
	}
	history, _ := f.store.ListPurchasedPackages(ctx, storage.PurchaseQuery{})
	if len(history) != 1 || history[0].Origin != model.OriginUSSD {
		t.Fatalf("unexpected history:\n%s", spew.Sdump(history))
	}
	if f.quota(t, "A", model.DataTypeAllNetworks) != 600*model.MB {
		t.Fatalf("ledger must still be credited")
	}
}

type failingCrediter struct {
	calls int
}

func (crediter *failingCrediter) AddDataBytes(context.Context, model.DataPackage, string) error {
	crediter.calls++
	return errors.New("store offline")
}

func (crediter *failingCrediter) AddPromoBonus(context.Context, string) error {
	crediter.calls++
	return errors.New("store offline")
}

func TestFailedCreditCanBeRetried(t *testing.T) {
	f := newFixture(t)
	crediter := &failingCrediter{}
	sims, _ := sim.NewStaticProvider([]model.Sim{{ID: "A", Slot: 1}}, "", "")
	recognizer := NewRecognizer(f.store, crediter, sims, nil, Options{})
	message := model.InboundSms{SimID: "A", Sender: "Cubacel", Body: "1GB solo LTE", ReceivedAt: receivedAt}

	for i := 0; i < 2; i++ {
		if _, err := recognizer.HandleMessage(context.Background(), message); err == nil {
			t.Fatalf("expected credit error")
		}
	}
	if crediter.calls != 2 {
		t.Fatalf("retry was treated as duplicate: %d calls", crediter.calls)
	}
}
