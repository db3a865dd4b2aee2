package sbi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/smartsolutions/datwall/internal/aggregator"
	"github.com/smartsolutions/datwall/internal/catalog"
	"github.com/smartsolutions/datwall/internal/compactor"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/eligibility"
	"github.com/smartsolutions/datwall/internal/ledger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/internal/timewindow"
	"github.com/smartsolutions/datwall/pkg/factory"
)

const carrierMenu = "Seleccione una opcion:\n1-Bolsa Diaria\n2-Paquetes\n3-PAQUETES LTE\n4-Planes"

type fakeUssd struct {
	codes []string
}

func (fake *fakeUssd) SendUssd(ctx context.Context, code string) (string, error) {
	fake.codes = append(fake.codes, code)
	return carrierMenu, nil
}

type apiFixture struct {
	handler http.Handler
	ussd    *fakeUssd
	runtime datwallctx.RuntimeContext
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	store, err := storage.NewStoreFromConfig(factory.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	sims, err := sim.NewStaticProvider([]model.Sim{{ID: "A", Slot: 1, Network: model.Generation4G}}, "A", "A")
	if err != nil {
		t.Fatal(err)
	}
	runtime := datwallctx.NewRuntimeContext(datwallctx.Flags{BuyMode: datwallctx.BuyModeUSSD})
	broker := northbound.NewBroker(nil)
	ussd := &fakeUssd{}

	ledgerInstance := ledger.NewLedger(store, runtime, sims, broker, ledger.Options{})
	resolver := eligibility.NewResolver(store, runtime, sims, ussd, nil, broker, eligibility.Options{})
	if err := resolver.SeedCatalog(context.Background()); err != nil {
		t.Fatal(err)
	}
	aggregatorInstance := aggregator.NewAggregator(store, runtime, sims, ledgerInstance,
		timewindow.NewCalculator(ledgerInstance, sims))
	compactorInstance := compactor.NewCompactor(store, runtime, sims, broker, compactor.Policy{})

	server := NewNorthboundServer(resolver, ledgerInstance, aggregatorInstance, compactorInstance, broker, sims, runtime)
	return apiFixture{handler: server.Handler(), ussd: ussd, runtime: runtime}
}

func (f apiFixture) call(t *testing.T, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
}

func TestBuyRequiresConfiguration(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.call(t, http.MethodPost, "/datwall/v1/packages/"+catalog.DailyBagID+"/buy", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(f.ussd.codes) != 0 {
		t.Fatalf("dialed %v before configuration", f.ussd.codes)
	}

	recorder = f.call(t, http.MethodGet, "/datwall/v1/history", "")
	var history []model.PurchasedPackage
	decodeBody(t, recorder, &history)
	if len(history) != 0 {
		t.Fatalf("history must stay empty:\n%s", spew.Sdump(history))
	}
}

func TestConfigureBuyAndHistory(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.call(t, http.MethodPost, "/datwall/v1/packages/configure", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("configure status %d: %s", recorder.Code, recorder.Body.String())
	}
	var configured configureResponse
	decodeBody(t, recorder, &configured)
	if configured.SimsIndex.DailyBag(1) != 1 || len(configured.Packages) != len(catalog.Packages()) {
		t.Fatalf("unexpected configuration:\n%s", spew.Sdump(configured))
	}
	if len(f.ussd.codes) != 1 || f.ussd.codes[0] != "*133*1#" {
		t.Fatalf("menu not probed: %v", f.ussd.codes)
	}

	recorder = f.call(t, http.MethodPost, "/datwall/v1/packages/"+catalog.DailyBagID+"/buy", "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("buy status %d: %s", recorder.Code, recorder.Body.String())
	}
	if last := f.ussd.codes[len(f.ussd.codes)-1]; last != "*133*1*1#" {
		t.Fatalf("dialed %s", last)
	}

	recorder = f.call(t, http.MethodGet, "/datwall/v1/history?simId=A", "")
	var history []model.PurchasedPackage
	decodeBody(t, recorder, &history)
	if len(history) != 1 || history[0].DataPackageID != catalog.DailyBagID || history[0].Origin != model.OriginUSSD {
		t.Fatalf("unexpected history:\n%s", spew.Sdump(history))
	}

	recorder = f.call(t, http.MethodGet, "/datwall/v1/events/history/latest", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("history event status %d", recorder.Code)
	}

	recorder = f.call(t, http.MethodDelete, "/datwall/v1/history", "")
	var cleared clearResponse
	decodeBody(t, recorder, &cleared)
	if cleared.Cleared != 1 {
		t.Fatalf("cleared %d", cleared.Cleared)
	}
}

func TestConfigureFromPostedMenu(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.call(t, http.MethodPost, "/datwall/v1/packages/configure", `{"menu":"1-Bolsa Diaria\n2-Planes"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d: %s", recorder.Code, recorder.Body.String())
	}
	var configured configureResponse
	decodeBody(t, recorder, &configured)
	if len(configured.Packages) != 1 || configured.Packages[0].ID != catalog.DailyBagID {
		t.Fatalf("unexpected packages:\n%s", spew.Sdump(configured.Packages))
	}
	if len(f.ussd.codes) != 0 {
		t.Fatalf("posted menu must not dial: %v", f.ussd.codes)
	}

	recorder = f.call(t, http.MethodGet, "/datwall/v1/packages?all=true", "")
	var all []model.DataPackage
	decodeBody(t, recorder, &all)
	if len(all) != len(catalog.Packages()) {
		t.Fatalf("all=true returned %d packages", len(all))
	}
}

func TestUnknownPackage(t *testing.T) {
	f := newAPIFixture(t)
	if recorder := f.call(t, http.MethodPost, "/datwall/v1/packages/nope/buy", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("status %d", recorder.Code)
	}
}

func TestSimEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	if recorder := f.call(t, http.MethodGet, "/datwall/v1/sims/Z/ledger", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown sim ledger status %d", recorder.Code)
	}

	recorder := f.call(t, http.MethodGet, "/datwall/v1/sims/A/ledger", "")
	var rows []model.UserDataBytes
	decodeBody(t, recorder, &rows)
	if recorder.Code != http.StatusOK || len(rows) != 0 {
		t.Fatalf("status %d rows %d", recorder.Code, len(rows))
	}

	if recorder := f.call(t, http.MethodGet, "/datwall/v1/sims/A/usage?period=fortnight", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("unknown period status %d", recorder.Code)
	}

	recorder = f.call(t, http.MethodGet, "/datwall/v1/sims/A/usage?period=week", "")
	var usage aggregator.Usage
	decodeBody(t, recorder, &usage)
	if recorder.Code != http.StatusOK || usage.Period != "week" || usage.TotalBytes != 0 {
		t.Fatalf("unexpected usage:\n%s", spew.Sdump(usage))
	}
}

func TestCompactionAndEvents(t *testing.T) {
	f := newAPIFixture(t)

	if recorder := f.call(t, http.MethodGet, "/datwall/v1/events/compaction/latest", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("status %d before any compaction", recorder.Code)
	}
	if recorder := f.call(t, http.MethodPost, "/datwall/v1/compaction", ""); recorder.Code != http.StatusOK {
		t.Fatalf("compaction status %d", recorder.Code)
	}
	if recorder := f.call(t, http.MethodGet, "/datwall/v1/events/compaction/latest", ""); recorder.Code != http.StatusOK {
		t.Fatalf("status %d after compaction", recorder.Code)
	}
	if recorder := f.call(t, http.MethodGet, "/datwall/v1/events/weather/latest", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("unknown topic status %d", recorder.Code)
	}
}

func TestBuyModeFlag(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.call(t, http.MethodPut, "/datwall/v1/flags/buy-mode", `{"buyMode":"micubacel"}`)
	var flags datwallctx.Flags
	decodeBody(t, recorder, &flags)
	if recorder.Code != http.StatusOK || flags.BuyMode != datwallctx.BuyModeMiCubacel {
		t.Fatalf("status %d flags %+v", recorder.Code, flags)
	}
	if f.runtime.GetFlags().BuyMode != datwallctx.BuyModeMiCubacel {
		t.Fatalf("runtime not updated")
	}

	if recorder := f.call(t, http.MethodPut, "/datwall/v1/flags/buy-mode", `{"buyMode":"carrier-pigeon"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("invalid mode status %d", recorder.Code)
	}
}

func TestBuyWithoutShopTransport(t *testing.T) {
	f := newAPIFixture(t)
	f.call(t, http.MethodPost, "/datwall/v1/packages/configure", "")
	f.call(t, http.MethodPut, "/datwall/v1/flags/buy-mode", `{"buyMode":"micubacel"}`)

	recorder := f.call(t, http.MethodPost, "/datwall/v1/packages/"+catalog.DailyBagID+"/buy", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", recorder.Code, recorder.Body.String())
	}
}
