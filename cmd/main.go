// cmd/main.go
//
// Entry point of datwall. Responsibilities:
//   - Parse command-line flags (config path).
//   - Initialise a temporary logger so config loading has a logger.
//   - Load and validate configuration from YAML.
//   - Construct the App (wires all internal components).
//   - Start the App and block until SIGINT/SIGTERM.
//   - Trigger a bounded graceful shutdown on signal.
package main

import (
	stdctx "context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/pkg/app"
	"github.com/smartsolutions/datwall/pkg/factory"
)

func main() {
	configPath := flag.String("c", factory.DatwallDefaultConfigPath, "path to datwall config file (YAML)")
	flag.Parse()

	// NewApp calls InitLog again with the configured level.
	_ = logger.InitLog("info", false)

	logger.MainLog.Infof("datwall starting, configPath=%s", *configPath)

	config, readError := factory.ReadConfig(*configPath)
	if readError != nil {
		logger.MainLog.Errorf("failed to read config: %v", readError)
		os.Exit(1)
	}

	datwallApp, appError := app.NewApp(config)
	if appError != nil {
		logger.MainLog.Errorf("failed to create datwall app: %v", appError)
		os.Exit(1)
	}

	rootContext, rootCancel := stdctx.WithCancel(stdctx.Background())
	if startError := datwallApp.Start(rootContext); startError != nil {
		logger.MainLog.Errorf("failed to start datwall: %v", startError)
		rootCancel()
		os.Exit(1)
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	receivedSignal := <-signalChannel
	logger.MainLog.Infof("received signal=%s, initiating shutdown", receivedSignal.String())
	rootCancel()

	shutdownTimeout := 10 * time.Second
	shutdownContext, shutdownCancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopError := datwallApp.Stop(shutdownContext); stopError != nil {
		logger.MainLog.Warnf("datwall shutdown encountered error: %v", stopError)
	} else {
		logger.MainLog.Infof("datwall shutdown completed within %s", shutdownTimeout)
	}
}
