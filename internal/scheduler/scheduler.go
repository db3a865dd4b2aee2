// Package scheduler runs the periodic maintenance of datwall.
//
// The scheduler is responsible for:
//   - Resetting ledger rows whose validity elapsed
//   - Compacting the traffic rows of every SIM
//   - Optionally re-reading the carrier package menu
//
// The first run happens at the configured local hour, later runs every
// configured interval. A failed task is logged and retried at the next run.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/smartsolutions/datwall/internal/compactor"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
)

// Scheduler controls the periodic maintenance loop.
type Scheduler interface {
	// Start launches the scheduler loop in a background goroutine. It returns
	// immediately after successful start. The provided context is used only
	// for initialisation; cancellation should be signalled via Stop().
	Start(ctx context.Context) error

	// Stop requests the scheduler to stop and waits for the background loop
	// to exit. It is safe to call Stop() multiple times.
	Stop(ctx context.Context) error

	// RunOnce executes every maintenance task immediately.
	RunOnce(ctx context.Context, now time.Time) RunReport
}

// Expirer resets expired ledger rows.
type Expirer interface {
	ExpireAll(ctx context.Context, now time.Time) (int, error)
}

// TrafficCompacter compacts the traffic of every SIM.
type TrafficCompacter interface {
	CompactAll(ctx context.Context, now time.Time) (compactor.Report, error)
}

// MenuProber refreshes the package eligibility from the carrier menu.
type MenuProber interface {
	ProbeAndConfigure(ctx context.Context) (model.SimsIndex, error)
}

// Options configure the run times.
type Options struct {
	// RunAtHour is the local hour of the first run.
	RunAtHour int
	// Interval separates two runs.
	Interval time.Duration
	// TickInterval controls how often the loop checks whether a run is due.
	TickInterval time.Duration
	Now          func() time.Time
}

// RunReport summarizes one maintenance run.
type RunReport struct {
	At         time.Time        `json:"at"`
	Expired    int              `json:"expired"`
	Compaction compactor.Report `json:"compaction"`
	Probed     bool             `json:"probed"`
	Errors     []string         `json:"errors,omitempty"`
}

// schedulerImpl is the concrete implementation of Scheduler.
type schedulerImpl struct {
	expirer   Expirer
	compacter TrafficCompacter
	prober    MenuProber
	options   Options

	mutexForNextRun sync.Mutex
	nextRun         time.Time

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewScheduler creates a new Scheduler instance. prober may be nil.
func NewScheduler(
	expirer Expirer,
	compacter TrafficCompacter,
	prober MenuProber,
	options Options,
) Scheduler {
	if options.Interval <= 0 {
		options.Interval = 24 * time.Hour
	}
	if options.TickInterval <= 0 {
		options.TickInterval = time.Minute
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &schedulerImpl{
		expirer:        expirer,
		compacter:      compacter,
		prober:         prober,
		options:        options,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// Start implements Scheduler.Start.
func (schedulerInstance *schedulerImpl) Start(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if schedulerInstance.started {
		logger.SchedulerLog.Warn("Scheduler.Start called more than once; ignoring subsequent call")
		return nil
	}

	schedulerInstance.started = true
	schedulerInstance.setNextRun(firstRunAt(schedulerInstance.options.Now(), schedulerInstance.options.RunAtHour))

	go schedulerInstance.runLoop()

	logger.SchedulerLog.Infof("Scheduler started, first run at %s", schedulerInstance.getNextRun().Format(time.RFC3339))
	return nil
}

// Stop implements Scheduler.Stop.
func (schedulerInstance *schedulerImpl) Stop(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if !schedulerInstance.started {
		return nil
	}

	select {
	case <-schedulerInstance.stopChannel:
	default:
		close(schedulerInstance.stopChannel)
	}

	select {
	case <-schedulerInstance.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.SchedulerLog.Info("Scheduler stopped")
	return nil
}

// runLoop checks every tick whether a run is due until stopChannel is closed.
func (schedulerInstance *schedulerImpl) runLoop() {
	defer close(schedulerInstance.stoppedChannel)

	ticker := time.NewTicker(schedulerInstance.options.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-schedulerInstance.stopChannel:
			return
		case <-ticker.C:
			schedulerInstance.processTick()
		}
	}
}

func (schedulerInstance *schedulerImpl) processTick() {
	now := schedulerInstance.options.Now()
	nextRun := schedulerInstance.getNextRun()
	if now.Before(nextRun) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-schedulerInstance.stopChannel:
			cancel()
		case <-ctx.Done():
		}
	}()
	schedulerInstance.RunOnce(ctx, now)
	cancel()

	for !nextRun.After(now) {
		nextRun = nextRun.Add(schedulerInstance.options.Interval)
	}
	schedulerInstance.setNextRun(nextRun)
	logger.SchedulerLog.Debugf("next maintenance run at %s", nextRun.Format(time.RFC3339))
}

// RunOnce implements Scheduler.RunOnce.
func (schedulerInstance *schedulerImpl) RunOnce(ctx context.Context, now time.Time) RunReport {
	report := RunReport{At: now}

	expired, err := schedulerInstance.expirer.ExpireAll(ctx, now)
	if err != nil {
		logger.SchedulerLog.Errorf("ledger expiry failed: %v", err)
		report.Errors = append(report.Errors, err.Error())
	}
	report.Expired = expired

	compaction, err := schedulerInstance.compacter.CompactAll(ctx, now)
	if err != nil {
		logger.SchedulerLog.Errorf("traffic compaction failed: %v", err)
		report.Errors = append(report.Errors, err.Error())
	}
	report.Compaction = compaction

	if schedulerInstance.prober != nil {
		if _, err := schedulerInstance.prober.ProbeAndConfigure(ctx); err != nil {
			logger.SchedulerLog.Warnf("menu probe failed: %v", err)
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Probed = true
		}
	}

	logger.SchedulerLog.Infof(
		"maintenance run done: %d expired row(s), %d sim(s) compacted, %d error(s)",
		report.Expired, len(report.Compaction.Results), len(report.Errors),
	)
	return report
}

func (schedulerInstance *schedulerImpl) getNextRun() time.Time {
	schedulerInstance.mutexForNextRun.Lock()
	defer schedulerInstance.mutexForNextRun.Unlock()
	return schedulerInstance.nextRun
}

func (schedulerInstance *schedulerImpl) setNextRun(nextRun time.Time) {
	schedulerInstance.mutexForNextRun.Lock()
	defer schedulerInstance.mutexForNextRun.Unlock()
	schedulerInstance.nextRun = nextRun
}

// firstRunAt returns the next occurrence of hour:00 strictly after now.
func firstRunAt(now time.Time, hour int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
