// Package southbound exposes the HTTP endpoints where datwall receives events
// from the handset agent: inbound SMS and per-app traffic polling rounds.
//
// Expected URL patterns:
//
//	POST /datwall/v1/inbound/sms
//	POST /datwall/v1/inbound/traffic
//
// This receiver:
//   - Decodes the JSON payload into model.InboundSms or model.TrafficReport
//   - Performs lightweight validation
//   - Hands the event over to the PurchaseRecognizer or the Aggregator
package southbound

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/aggregator"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/recognizer"
	"github.com/smartsolutions/datwall/internal/sim"
)

// MessageHandler consumes inbound SMS.
type MessageHandler interface {
	HandleMessage(ctx context.Context, message model.InboundSms) (recognizer.Result, error)
}

// HandsetReceiver handles incoming events from the handset agent.
type HandsetReceiver struct {
	messages        MessageHandler
	aggregator      aggregator.Aggregator
	maxRequestBytes int64
}

// NewHandsetReceiver creates a new receiver that forwards SMS to messages
// and traffic reports to targetAggregator.
func NewHandsetReceiver(messages MessageHandler, targetAggregator aggregator.Aggregator) *HandsetReceiver {
	return &HandsetReceiver{
		messages:        messages,
		aggregator:      targetAggregator,
		maxRequestBytes: 1 << 20, // 1 MiB limit for event payloads
	}
}

// Routes registers the southbound handlers on the given router.
func (receiver *HandsetReceiver) Routes(router *mux.Router) {
	inbound := router.PathPrefix("/datwall/v1/inbound").Subrouter()
	inbound.HandleFunc("/sms", receiver.HandleSms).Methods(http.MethodPost)
	inbound.HandleFunc("/traffic", receiver.HandleTraffic).Methods(http.MethodPost)
}

// Handler returns a router serving only the southbound endpoints.
func (receiver *HandsetReceiver) Handler() http.Handler {
	router := mux.NewRouter()
	receiver.Routes(router)
	return router
}

// NewServer builds the HTTP server of the southbound endpoints.
func (receiver *HandsetReceiver) NewServer(listenAddr string) *http.Server {
	logger.SouthboundLog.Infof("Southbound handset receiver configured on %s", listenAddr)
	return &http.Server{
		Addr:         listenAddr,
		Handler:      receiver.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// HandleSms processes one inbound SMS. It answers 200 with the
// recognizer.Result; an unrecognized message is not an error.
func (receiver *HandsetReceiver) HandleSms(responseWriter http.ResponseWriter, request *http.Request) {
	var message model.InboundSms
	if !receiver.decode(responseWriter, request, &message) {
		return
	}
	if message.Sender == "" || message.Body == "" {
		http.Error(responseWriter, "sender and body are required", http.StatusBadRequest)
		return
	}

	result, err := receiver.messages.HandleMessage(request.Context(), message)
	if err != nil {
		logger.SouthboundLog.Errorf("failed to handle sms from %s: %v", message.Sender, err)
		http.Error(responseWriter, http.StatusText(statusFor(err)), statusFor(err))
		return
	}
	writeJSON(responseWriter, http.StatusOK, result)
}

// HandleTraffic processes one traffic polling round. Empty rounds answer
// 204 No Content; rounds stored but not debited answer 202 Accepted.
func (receiver *HandsetReceiver) HandleTraffic(responseWriter http.ResponseWriter, request *http.Request) {
	var report model.TrafficReport
	if !receiver.decode(responseWriter, request, &report) {
		return
	}
	if report.SimID == "" {
		http.Error(responseWriter, "simId is required", http.StatusBadRequest)
		return
	}
	if len(report.Samples) == 0 {
		logger.SouthboundLog.Debugf("received empty traffic report for sim=%s", report.SimID)
		responseWriter.WriteHeader(http.StatusNoContent)
		return
	}

	result, err := receiver.aggregator.IngestTraffic(request.Context(), report)
	if errors.Is(err, aggregator.ErrNotDebited) {
		// Stored: a retry would count the samples twice.
		logger.SouthboundLog.Warnf("traffic of sim=%s stored without debit: %v", report.SimID, err)
		writeJSON(responseWriter, http.StatusAccepted, result)
		return
	}
	if err != nil {
		logger.SouthboundLog.Errorf("failed to ingest traffic of sim=%s: %v", report.SimID, err)
		http.Error(responseWriter, http.StatusText(statusFor(err)), statusFor(err))
		return
	}

	logger.SouthboundLog.Debugf(
		"ingested %d sample(s) of sim=%s (%d skipped)",
		result.Accepted, report.SimID, result.Skipped,
	)
	writeJSON(responseWriter, http.StatusOK, result)
}

func (receiver *HandsetReceiver) decode(responseWriter http.ResponseWriter, request *http.Request, target interface{}) bool {
	limitedReader := http.MaxBytesReader(responseWriter, request.Body, receiver.maxRequestBytes)
	defer func() {
		if closeErr := limitedReader.Close(); closeErr != nil {
			logger.SouthboundLog.Debugf("failed to close request body reader: %v", closeErr)
		}
	}()

	if err := json.NewDecoder(limitedReader).Decode(target); err != nil {
		logger.SouthboundLog.Warnf("failed to decode %s body: %v", request.URL.Path, err)
		http.Error(responseWriter, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sim.ErrUnknownSim), errors.Is(err, sim.ErrNoSim):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(responseWriter http.ResponseWriter, status int, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(status)
	if err := json.NewEncoder(responseWriter).Encode(payload); err != nil {
		logger.SouthboundLog.Debugf("failed to write response: %v", err)
	}
}
