// Package logger provides structured loggers for the different components of
// datwall. It wraps logrus and exposes category-specific log entries such as
// MainLog, LedgerLog, CompactorLog, etc. The logging level and caller
// reporting can be adjusted at runtime via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleNameDatwall = "DATWALL"
)

var (
	initOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog = newCategoryLog("MAIN")

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog = newCategoryLog("CFG")

	// StorageLog is for persistence-related logs (memory/sqlite/postgres).
	StorageLog = newCategoryLog("STORAGE")

	// LedgerLog is for quota crediting, traffic debiting and expiry of
	// user data bytes.
	LedgerLog = newCategoryLog("LEDGER")

	// CompactorLog is for traffic bucket merging.
	CompactorLog = newCategoryLog("COMPACTOR")

	// EligibilityLog is for USSD menu parsing, package activation and purchases.
	EligibilityLog = newCategoryLog("ELIGIBILITY")

	// RecognizerLog is for inbound carrier SMS recognition.
	RecognizerLog = newCategoryLog("RECOGNIZER")

	// AggregatorLog is for raw traffic ingestion and usage queries.
	AggregatorLog = newCategoryLog("AGGREGATOR")

	// SchedulerLog is for periodic maintenance tasks.
	SchedulerLog = newCategoryLog("SCHEDULER")

	// ContextLog is for runtime context changes (buy mode, feature flags,
	// shutdown flag).
	ContextLog = newCategoryLog("CONTEXT")

	// SouthboundLog is for events received from the handset agent.
	SouthboundLog = newCategoryLog("SOUTHBOUND")

	// NorthboundLog is for event publication toward UI / notification sinks.
	NorthboundLog = newCategoryLog("NORTHBOUND")

	// SbiLog is for the HTTP API and the outgoing USSD / MiCubacel clients.
	SbiLog = newCategoryLog("SBI")
)

func newCategoryLog(category string) *log.Entry {
	return log.WithFields(log.Fields{
		"module":   moduleNameDatwall,
		"category": category,
	})
}

// InitLog configures the global logrus settings. It is safe to call multiple
// times; the formatter is installed once and subsequent calls update the log
// level and reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	initOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
		log.SetLevel(log.InfoLevel)
	})

	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		// Fallback to info if parsing fails, but still return an error
		log.SetLevel(log.InfoLevel)
		CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
