package sweeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// parseCronExpressionUTC parses expr with the standard five-field format
// and rejects timezone prefixes: schedules here run against the store's
// UTC timestamps, not a host-local clock.
func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("sweeper: cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("sweeper: cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("sweeper: invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Schedule drives a Sweeper on an in-process cron trigger, for hosts that
// would rather not wire an external job runner. §4.5 treats the Sweeper
// itself as not long-running; Schedule is the optional long-running
// wrapper around it.
type Schedule struct {
	sweeper  *Sweeper
	schedule cron.Schedule
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSchedule builds a Schedule that runs s according to expr, a standard
// five-field UTC-only cron expression.
func NewSchedule(s *Sweeper, expr string) (*Schedule, error) {
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return nil, err
	}
	return &Schedule{sweeper: s, schedule: schedule}, nil
}

// Start launches the trigger loop in a background goroutine.
func (sc *Schedule) Start() {
	sc.stopCh = make(chan struct{})
	sc.doneCh = make(chan struct{})
	go sc.loop()
}

// Stop signals the trigger loop to exit and waits for it to finish. It
// does not cancel an in-flight Run.
func (sc *Schedule) Stop() {
	close(sc.stopCh)
	<-sc.doneCh
}

func (sc *Schedule) loop() {
	defer close(sc.doneCh)

	now := time.Now().UTC()
	next := sc.schedule.Next(now)

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-sc.stopCh:
			timer.Stop()
			return
		case fired := <-timer.C:
			if err := sc.sweeper.Run(context.Background()); err != nil {
				sc.sweeper.cfg.Logger.Error("sweeper: scheduled run failed", "error", err)
			}
			next = sc.schedule.Next(fired.UTC())
		}
	}
}
