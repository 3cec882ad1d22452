// Package trigger computes run trigger times from trigger specifications.
package trigger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextTime evaluates a trigger spec against a base instant and returns the
// resulting trigger time in Unix milliseconds.
func NextTime(spec domain.TriggerSpec, from time.Time) (int64, error) {
	switch spec.Type {
	case domain.TriggerCron:
		schedule, err := cronParser.Parse(spec.Value)
		if err != nil {
			return 0, fmt.Errorf("%w: bad cron expression %q: %v", domain.ErrInvalidInput, spec.Value, err)
		}
		return schedule.Next(from).UnixMilli(), nil
	case domain.TriggerFixedRate:
		seconds, err := strconv.ParseInt(spec.Value, 10, 64)
		if err != nil || seconds <= 0 {
			return 0, fmt.Errorf("%w: bad fixed-rate interval %q", domain.ErrInvalidInput, spec.Value)
		}
		return from.Add(time.Duration(seconds) * time.Second).UnixMilli(), nil
	case domain.TriggerManual, domain.TriggerAPI, "":
		return from.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("%w: unknown trigger type %q", domain.ErrInvalidInput, spec.Type)
	}
}

// Validate rejects specs that could not be evaluated at trigger time.
func Validate(spec domain.TriggerSpec) error {
	_, err := NextTime(spec, time.Now())
	return err
}

// ForJob computes a job run's trigger time.
//
// A job with its own trigger spec evaluates it against the workflow's trigger
// time. A job without one defers until its parents complete when it has
// upstream dependencies, and inherits the workflow's trigger time otherwise.
func ForJob(job domain.Job, workflowTriggerTime int64, hasDependency bool) (int64, error) {
	if !job.Trigger.IsZero() {
		return NextTime(job.Trigger, time.UnixMilli(workflowTriggerTime))
	}
	if hasDependency {
		return domain.DeferredTriggerTime, nil
	}
	return workflowTriggerTime, nil
}
