// Package app wires together all major datwall components:
//   - configuration
//   - logging
//   - runtime context and installed SIMs
//   - storage backend
//   - event broker and its external sink
//   - ledger, compactor, eligibility resolver and purchase recognizer
//   - southbound handset receiver
//   - northbound HTTP API
//   - scheduler for the nightly maintenance.
//
// cmd/main.go creates an App from the loaded Config and calls Start/Stop
// without knowing internal details.
package app

import (
	stdctx "context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/aggregator"
	"github.com/smartsolutions/datwall/internal/compactor"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/eligibility"
	"github.com/smartsolutions/datwall/internal/ledger"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/recognizer"
	"github.com/smartsolutions/datwall/internal/sbi"
	"github.com/smartsolutions/datwall/internal/scheduler"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/southbound"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/internal/timewindow"
	"github.com/smartsolutions/datwall/pkg/factory"
)

// App is the high-level interface implemented by datwall.
type App interface {
	// Start seeds the catalog, starts the event broker, both HTTP servers and
	// the scheduler.
	Start(ctx stdctx.Context) error

	// Stop marks shutdown requested, then stops the scheduler, the HTTP
	// servers, the broker and the store, in that order.
	Stop(ctx stdctx.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config

	runtimeContext datwallctx.RuntimeContext
	storageStore   storage.Store
	broker         *northbound.Broker
	resolver       *eligibility.Resolver
	scheduler      scheduler.Scheduler

	southboundServer *http.Server
	northboundServer *http.Server

	startStopMutex sync.Mutex
	started        bool
}

// NewApp constructs a new App from a validated configuration. It creates
// the internal components but does not start any listener; that is
// handled by Start().
func NewApp(config *factory.Config) (App, error) {
	if config == nil {
		return nil, errors.New("config must not be nil")
	}

	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v",
			config.Logging.Level, initError)
	}

	logger.MainLog.Infof(
		"Starting datwall version=%s description=%q",
		config.Info.Version, config.Info.Description,
	)

	buyMode, err := datwallctx.ParseBuyMode(config.Carrier.BuyMode)
	if err != nil {
		return nil, errors.Wrap(err, "carrier.buyMode")
	}
	runtimeContext := datwallctx.NewRuntimeContext(datwallctx.Flags{
		BuyMode:            buyMode,
		FirewallEnabled:    config.Carrier.FirewallEnabled,
		BubbleFloatEnabled: config.Carrier.BubbleFloatEnabled,
	})

	sims, err := newSimProvider(config.Sims)
	if err != nil {
		return nil, errors.Wrap(err, "sims")
	}

	storageStore, err := storage.NewStoreFromConfig(config.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "create storage backend")
	}

	sink, err := northbound.NewSinkFromConfig(stdctx.Background(), config.Events)
	if err != nil {
		closeQuietly(storageStore)
		return nil, errors.Wrap(err, "create event sink")
	}
	broker := northbound.NewBroker(sink)

	ledgerInstance := ledger.NewLedger(storageStore, runtimeContext, sims, broker, ledger.Options{
		PromoBonusBytes: int64(config.Carrier.PromoBonusMB) * model.MB,
		DiscountHours:   config.Carrier.DiscountHours,
	})

	compactorInstance := compactor.NewCompactor(storageStore, runtimeContext, sims, broker, compactor.Policy{
		MonthlyAfterDays: config.Compaction.MonthlyAfterDays,
	})

	transportTimeout := time.Duration(config.Transport.TimeoutSec) * time.Second
	var (
		ussdTransport      eligibility.UssdTransport
		micubacelTransport eligibility.MiCubacelTransport
	)
	if config.Transport.UssdGatewayURL != "" {
		ussdTransport = sbi.NewUssdClient(config.Transport.UssdGatewayURL, transportTimeout)
	}
	if config.Transport.MiCubacelURL != "" {
		micubacelTransport = sbi.NewMiCubacelClient(config.Transport.MiCubacelURL, transportTimeout)
	}

	resolver := eligibility.NewResolver(
		storageStore,
		runtimeContext,
		sims,
		ussdTransport,
		micubacelTransport,
		broker,
		eligibility.Options{
			MenuUssdCode:   config.Carrier.MenuUssdCode,
			UssdCodePrefix: config.Transport.UssdCodePrefix,
		},
	)

	recognizerInstance := recognizer.NewRecognizer(storageStore, ledgerInstance, sims, broker, recognizer.Options{
		CarrierShortName: config.Carrier.ShortName,
		MergeWindow:      time.Duration(config.Carrier.PurchaseMergeMin) * time.Minute,
	})

	aggregatorInstance := aggregator.NewAggregator(
		storageStore,
		runtimeContext,
		sims,
		ledgerInstance,
		timewindow.NewCalculator(ledgerInstance, sims),
	)

	var prober scheduler.MenuProber
	if config.Carrier.ProbeMenuOnRun && ussdTransport != nil {
		prober = resolver
	}
	schedulerInstance := scheduler.NewScheduler(ledgerInstance, compactorInstance, prober, scheduler.Options{
		RunAtHour: config.Compaction.RunAtHour,
		Interval:  time.Duration(config.Compaction.IntervalHours) * time.Hour,
	})

	southboundReceiver := southbound.NewHandsetReceiver(recognizerInstance, aggregatorInstance)
	northboundAPI := sbi.NewNorthboundServer(
		resolver,
		ledgerInstance,
		aggregatorInstance,
		compactorInstance,
		broker,
		sims,
		runtimeContext,
	)

	return &appImpl{
		config:           config,
		runtimeContext:   runtimeContext,
		storageStore:     storageStore,
		broker:           broker,
		resolver:         resolver,
		scheduler:        schedulerInstance,
		southboundServer: southboundReceiver.NewServer(config.Southbound.ListenAddr),
		northboundServer: northboundAPI.NewServer(config.Northbound.ListenAddr),
	}, nil
}

// Start implements App.Start.
func (app *appImpl) Start(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if app.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	app.runtimeContext.SetShutdownRequested(ctx, false)

	if err := app.resolver.SeedCatalog(ctx); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := app.broker.Start(ctx); err != nil {
		return errors.Wrap(err, "start event broker")
	}

	serve(app.southboundServer, "southbound")
	serve(app.northboundServer, "northbound")

	if err := app.scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}

	app.started = true
	logger.MainLog.Infof("datwall successfully started")
	return nil
}

// Stop implements App.Stop.
func (app *appImpl) Stop(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if !app.started {
		return nil
	}

	logger.MainLog.Infof("datwall shutdown requested")
	app.runtimeContext.SetShutdownRequested(ctx, true)

	var firstError error
	keep := func(err error, what string) {
		if err == nil {
			return
		}
		logger.MainLog.Warnf("%s: %v", what, err)
		if firstError == nil {
			firstError = errors.Wrap(err, what)
		}
	}

	keep(app.scheduler.Stop(ctx), "stop scheduler")
	keep(app.southboundServer.Shutdown(ctx), "shutdown southbound server")
	keep(app.northboundServer.Shutdown(ctx), "shutdown northbound server")
	keep(app.broker.Stop(ctx), "stop event broker")
	keep(app.storageStore.Close(), "close storage")

	app.started = false
	logger.MainLog.Infof("datwall shutdown completed")
	return firstError
}

// serve runs server in its own goroutine until Shutdown is called.
func serve(server *http.Server, name string) {
	go func() {
		logger.MainLog.Infof("starting %s server on %s", name, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.MainLog.Errorf("%s server stopped with error: %v", name, err)
		}
	}()
}

// newSimProvider builds the static SIM provider from the sims section.
func newSimProvider(configured []factory.SimConfig) (*sim.StaticProvider, error) {
	sims := make([]model.Sim, 0, len(configured))
	var defaultVoice, defaultData string
	for _, item := range configured {
		sims = append(sims, model.Sim{
			ID:      item.ID,
			Slot:    item.Slot,
			Network: model.NetworkGeneration(strings.ToUpper(item.Network)),
		})
		if item.DefaultVoice {
			defaultVoice = item.ID
		}
		if item.DefaultData {
			defaultData = item.ID
		}
	}
	return sim.NewStaticProvider(sims, defaultVoice, defaultData)
}

func closeQuietly(store storage.Store) {
	if err := store.Close(); err != nil {
		logger.MainLog.Debugf("closing storage: %v", err)
	}
}
