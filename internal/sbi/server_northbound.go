// Package sbi provides the HTTP surfaces of datwall. This file implements the
// northbound HTTP API consumed by the UI.
//
// Exposed endpoints:
//
//	GET    /datwall/v1/packages                 - active packages (?all=true for the catalog)
//	GET    /datwall/v1/packages/index           - configured menu indices per slot
//	POST   /datwall/v1/packages/configure       - apply a menu text, or probe the carrier menu
//	POST   /datwall/v1/packages/{packageId}/buy - buy a package through the current buy mode
//	GET    /datwall/v1/sims/{simId}/ledger      - ledger rows of a SIM
//	GET    /datwall/v1/sims/{simId}/usage       - usage per app (?period=today|yesterday|week|month|year|package)
//	GET    /datwall/v1/history                  - purchase history (?simId=&packageId=&since=&until=)
//	DELETE /datwall/v1/history                  - clear the purchase history
//	POST   /datwall/v1/compaction               - compact every SIM now
//	GET    /datwall/v1/events/{topic}/latest    - last published snapshot of a topic
//	GET    /datwall/v1/flags                    - runtime switches
//	PUT    /datwall/v1/flags/buy-mode           - change the purchase channel
package sbi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/aggregator"
	"github.com/smartsolutions/datwall/internal/compactor"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/eligibility"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/internal/timewindow"
)

// PackageService is the package side of the API, served by the eligibility
// resolver.
type PackageService interface {
	Packages(ctx context.Context) ([]model.DataPackage, error)
	AllPackages(ctx context.Context) ([]model.DataPackage, error)
	SimsIndex(ctx context.Context) model.SimsIndex
	ConfigureFromMenu(ctx context.Context, menuText string) (model.SimsIndex, error)
	ProbeAndConfigure(ctx context.Context) (model.SimsIndex, error)
	BuyDataPackage(ctx context.Context, packageID string) (model.PurchasedPackage, error)
	History(ctx context.Context, query storage.PurchaseQuery) ([]model.PurchasedPackage, error)
	ClearHistory(ctx context.Context) (int, error)
}

// LedgerReader exposes the ledger rows of a SIM.
type LedgerReader interface {
	All(ctx context.Context, simID string) ([]model.UserDataBytes, error)
}

// Compacter compacts the traffic of every SIM.
type Compacter interface {
	CompactAll(ctx context.Context, now time.Time) (compactor.Report, error)
}

// EventSource returns the latest snapshot of a topic.
type EventSource interface {
	Latest(topic northbound.Topic) (northbound.Event, bool)
}

// NorthboundServer serves the datwall HTTP API.
type NorthboundServer struct {
	packages       PackageService
	ledger         LedgerReader
	aggregator     aggregator.Aggregator
	compacter      Compacter
	events         EventSource
	sims           sim.Provider
	runtimeContext datwallctx.RuntimeContext
	now            func() time.Time

	maxRequestBodyLen int64
}

type configureRequest struct {
	Menu string `json:"menu"`
}

type configureResponse struct {
	SimsIndex model.SimsIndex     `json:"simsIndex"`
	Packages  []model.DataPackage `json:"packages"`
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

type buyModeRequest struct {
	BuyMode string `json:"buyMode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewNorthboundServer creates a new northbound server.
func NewNorthboundServer(
	packages PackageService,
	ledger LedgerReader,
	aggregatorInstance aggregator.Aggregator,
	compacter Compacter,
	events EventSource,
	sims sim.Provider,
	runtimeContext datwallctx.RuntimeContext,
) *NorthboundServer {
	return &NorthboundServer{
		packages:          packages,
		ledger:            ledger,
		aggregator:        aggregatorInstance,
		compacter:         compacter,
		events:            events,
		sims:              sims,
		runtimeContext:    runtimeContext,
		now:               time.Now,
		maxRequestBodyLen: 64 << 10, // 64 KiB, menus are short
	}
}

// Routes registers the northbound handlers on the given router.
func (server *NorthboundServer) Routes(router *mux.Router) {
	api := router.PathPrefix("/datwall/v1").Subrouter()

	api.HandleFunc("/packages", server.handleListPackages).Methods(http.MethodGet)
	api.HandleFunc("/packages/index", server.handleSimsIndex).Methods(http.MethodGet)
	api.HandleFunc("/packages/configure", server.handleConfigure).Methods(http.MethodPost)
	api.HandleFunc("/packages/{packageId}/buy", server.handleBuy).Methods(http.MethodPost)

	api.HandleFunc("/sims/{simId}/ledger", server.handleLedger).Methods(http.MethodGet)
	api.HandleFunc("/sims/{simId}/usage", server.handleUsage).Methods(http.MethodGet)

	api.HandleFunc("/history", server.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history", server.handleClearHistory).Methods(http.MethodDelete)

	api.HandleFunc("/compaction", server.handleCompaction).Methods(http.MethodPost)
	api.HandleFunc("/events/{topic}/latest", server.handleLatestEvent).Methods(http.MethodGet)

	api.HandleFunc("/flags", server.handleFlags).Methods(http.MethodGet)
	api.HandleFunc("/flags/buy-mode", server.handleBuyMode).Methods(http.MethodPut)
}

// Handler returns a router serving only the northbound endpoints.
func (server *NorthboundServer) Handler() http.Handler {
	router := mux.NewRouter()
	server.Routes(router)
	return router
}

// NewServer builds the HTTP server of the northbound endpoints.
func (server *NorthboundServer) NewServer(listenAddr string) *http.Server {
	logger.NorthboundLog.Infof("Northbound API configured on %s", listenAddr)
	return &http.Server{
		Addr:    listenAddr,
		Handler: server.Handler(),
		// Purchases wait for the carrier, which may take a while.
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

func (server *NorthboundServer) handleListPackages(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		packages []model.DataPackage
		err      error
	)
	if all, _ := strconv.ParseBool(request.URL.Query().Get("all")); all {
		packages, err = server.packages.AllPackages(request.Context())
	} else {
		packages, err = server.packages.Packages(request.Context())
	}
	if err != nil {
		server.writeError(responseWriter, "list packages", err)
		return
	}
	if packages == nil {
		packages = []model.DataPackage{}
	}
	writeJSON(responseWriter, http.StatusOK, packages)
}

func (server *NorthboundServer) handleSimsIndex(responseWriter http.ResponseWriter, request *http.Request) {
	writeJSON(responseWriter, http.StatusOK, server.packages.SimsIndex(request.Context()))
}

// handleConfigure applies the posted menu text. An empty body, or an empty
// menu, dials the menu code instead.
func (server *NorthboundServer) handleConfigure(responseWriter http.ResponseWriter, request *http.Request) {
	var configure configureRequest
	if request.ContentLength != 0 {
		if !server.decode(responseWriter, request, &configure) {
			return
		}
	}

	var (
		index model.SimsIndex
		err   error
	)
	if configure.Menu == "" {
		index, err = server.packages.ProbeAndConfigure(request.Context())
	} else {
		index, err = server.packages.ConfigureFromMenu(request.Context(), configure.Menu)
	}
	if err != nil {
		server.writeError(responseWriter, "configure packages", err)
		return
	}

	packages, err := server.packages.Packages(request.Context())
	if err != nil {
		server.writeError(responseWriter, "list packages", err)
		return
	}
	if packages == nil {
		packages = []model.DataPackage{}
	}
	writeJSON(responseWriter, http.StatusOK, configureResponse{SimsIndex: index, Packages: packages})
}

func (server *NorthboundServer) handleBuy(responseWriter http.ResponseWriter, request *http.Request) {
	packageID := mux.Vars(request)["packageId"]

	purchase, err := server.packages.BuyDataPackage(request.Context(), packageID)
	if err != nil {
		server.writeError(responseWriter, "buy package "+packageID, err)
		return
	}
	writeJSON(responseWriter, http.StatusCreated, purchase)
}

func (server *NorthboundServer) handleLedger(responseWriter http.ResponseWriter, request *http.Request) {
	simID := mux.Vars(request)["simId"]
	if _, err := server.sims.Sim(simID); err != nil {
		server.writeError(responseWriter, "ledger", err)
		return
	}

	rows, err := server.ledger.All(request.Context(), simID)
	if err != nil {
		server.writeError(responseWriter, "ledger of sim "+simID, err)
		return
	}
	if rows == nil {
		rows = []model.UserDataBytes{}
	}
	writeJSON(responseWriter, http.StatusOK, rows)
}

func (server *NorthboundServer) handleUsage(responseWriter http.ResponseWriter, request *http.Request) {
	simID := mux.Vars(request)["simId"]
	if _, err := server.sims.Sim(simID); err != nil {
		server.writeError(responseWriter, "usage", err)
		return
	}

	period := request.URL.Query().Get("period")
	if period == "" {
		period = timewindow.Today.String()
	}
	kind, err := timewindow.ParseKind(period)
	if err != nil {
		server.writeError(responseWriter, "usage", err)
		return
	}

	usage, err := server.aggregator.UsageByPeriod(request.Context(), simID, kind, server.now())
	if err != nil {
		server.writeError(responseWriter, "usage of sim "+simID, err)
		return
	}
	writeJSON(responseWriter, http.StatusOK, usage)
}

func (server *NorthboundServer) handleHistory(responseWriter http.ResponseWriter, request *http.Request) {
	values := request.URL.Query()
	query := storage.PurchaseQuery{
		SimID:         values.Get("simId"),
		DataPackageID: values.Get("packageId"),
	}
	for name, target := range map[string]**time.Time{"since": &query.Since, "until": &query.Until} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(responseWriter, http.StatusBadRequest, errorResponse{Error: name + " must be RFC3339"})
			return
		}
		*target = &parsed
	}

	history, err := server.packages.History(request.Context(), query)
	if err != nil {
		server.writeError(responseWriter, "history", err)
		return
	}
	if history == nil {
		history = []model.PurchasedPackage{}
	}
	writeJSON(responseWriter, http.StatusOK, history)
}

func (server *NorthboundServer) handleClearHistory(responseWriter http.ResponseWriter, request *http.Request) {
	cleared, err := server.packages.ClearHistory(request.Context())
	if err != nil {
		server.writeError(responseWriter, "clear history", err)
		return
	}
	writeJSON(responseWriter, http.StatusOK, clearResponse{Cleared: cleared})
}

func (server *NorthboundServer) handleCompaction(responseWriter http.ResponseWriter, request *http.Request) {
	report, err := server.compacter.CompactAll(request.Context(), server.now())
	if err != nil {
		server.writeError(responseWriter, "compaction", err)
		return
	}
	writeJSON(responseWriter, http.StatusOK, report)
}

func (server *NorthboundServer) handleLatestEvent(responseWriter http.ResponseWriter, request *http.Request) {
	topic := northbound.Topic(mux.Vars(request)["topic"])

	known := false
	for _, candidate := range northbound.Topics {
		if candidate == topic {
			known = true
			break
		}
	}
	if !known {
		writeJSON(responseWriter, http.StatusBadRequest, errorResponse{Error: "unknown topic " + string(topic)})
		return
	}

	event, ok := server.events.Latest(topic)
	if !ok {
		writeJSON(responseWriter, http.StatusNotFound, errorResponse{Error: "nothing published on " + string(topic)})
		return
	}
	writeJSON(responseWriter, http.StatusOK, event)
}

func (server *NorthboundServer) handleFlags(responseWriter http.ResponseWriter, request *http.Request) {
	writeJSON(responseWriter, http.StatusOK, server.runtimeContext.GetFlags())
}

func (server *NorthboundServer) handleBuyMode(responseWriter http.ResponseWriter, request *http.Request) {
	var change buyModeRequest
	if !server.decode(responseWriter, request, &change) {
		return
	}
	mode, err := datwallctx.ParseBuyMode(change.BuyMode)
	if err != nil {
		writeJSON(responseWriter, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := server.runtimeContext.SetBuyMode(request.Context(), mode); err != nil {
		server.writeError(responseWriter, "set buy mode", err)
		return
	}
	writeJSON(responseWriter, http.StatusOK, server.runtimeContext.GetFlags())
}

func (server *NorthboundServer) decode(responseWriter http.ResponseWriter, request *http.Request, target interface{}) bool {
	limitedReader := http.MaxBytesReader(responseWriter, request.Body, server.maxRequestBodyLen)
	defer func() {
		if closeErr := limitedReader.Close(); closeErr != nil {
			logger.NorthboundLog.Debugf("failed to close request body reader: %v", closeErr)
		}
	}()

	if err := json.NewDecoder(limitedReader).Decode(target); err != nil {
		logger.NorthboundLog.Warnf("failed to decode %s body: %v", request.URL.Path, err)
		writeJSON(responseWriter, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// writeError logs err and answers with the status it maps to.
func (server *NorthboundServer) writeError(responseWriter http.ResponseWriter, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.NorthboundLog.Errorf("%s: %v", operation, err)
	} else {
		logger.NorthboundLog.Infof("%s: %v", operation, err)
	}
	writeJSON(responseWriter, status, errorResponse{Error: errors.Cause(err).Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, eligibility.ErrPackageNotFound),
		errors.Is(err, eligibility.ErrProductNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, sim.ErrUnknownSim),
		errors.Is(err, sim.ErrNoSim):
		return http.StatusNotFound
	case errors.Is(err, eligibility.ErrPackagesNotConfigured),
		errors.Is(err, eligibility.ErrPackageNotActive):
		return http.StatusConflict
	case errors.Is(err, timewindow.ErrUnknownPeriod):
		return http.StatusBadRequest
	case errors.Is(err, eligibility.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(responseWriter http.ResponseWriter, status int, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(status)
	if err := json.NewEncoder(responseWriter).Encode(payload); err != nil {
		logger.NorthboundLog.Debugf("failed to write response: %v", err)
	}
}
