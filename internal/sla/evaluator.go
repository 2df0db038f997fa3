// Package sla classifies pending approval tasks against their stage SLA.
//
// Everything here is pure. The caller supplies now; no function reads the
// wall clock.
package sla

import (
	"math"
	"time"

	"github.com/pitabwire/escalator/model"
)

// Defaults holds the engine-wide values a stage falls back to when it
// leaves its own SLA or warning threshold unset.
type Defaults struct {
	SLAHours              float64
	WarningThresholdHours float64
}

// Evaluate classifies a task that entered its stage at stageEnteredAt.
//
// BREACHED iff elapsed >= slaHours. WARNING iff not breached and
// slaHours-elapsed <= warningThresholdHours. Otherwise OK. A non-positive or
// non-finite slaHours means no SLA and always yields OK. Negative elapsed
// time is clamped to zero.
func Evaluate(now, stageEnteredAt time.Time, slaHours, warningThresholdHours float64) model.SLAStatus {
	if !validSLA(slaHours) || stageEnteredAt.IsZero() {
		return model.SLAStatusOK
	}
	warn := warningThresholdHours
	if math.IsNaN(warn) || math.IsInf(warn, 0) || warn < 0 {
		warn = 0
	}

	elapsed := elapsedHours(now, stageEnteredAt)
	if elapsed >= slaHours {
		return model.SLAStatusBreached
	}
	if slaHours-elapsed <= warn {
		return model.SLAStatusWarning
	}
	return model.SLAStatusOK
}

// Remaining returns the time left before the SLA expires. It is negative
// once breached and zero when no SLA is configured.
func Remaining(now, stageEnteredAt time.Time, slaHours float64) time.Duration {
	if !validSLA(slaHours) || stageEnteredAt.IsZero() {
		return 0
	}
	left := slaHours - elapsedHours(now, stageEnteredAt)
	return hoursToDuration(left)
}

// EvaluateStage resolves the stage's effective SLA and warning threshold
// against defaults and classifies the task.
func EvaluateStage(now time.Time, task model.WorkflowInstance, defaults Defaults) model.SLAStatus {
	slaHours, warnHours := Effective(task.Stage, defaults)
	return Evaluate(now, task.StageEnteredAt, slaHours, warnHours)
}

// Effective returns the SLA and warning threshold that apply to stage.
// Zero values fall back to defaults. A negative stage SLA stays negative so
// the stage remains explicitly disabled.
func Effective(stage model.StageDefinition, defaults Defaults) (slaHours, warningThresholdHours float64) {
	slaHours = stage.SLAHours
	if slaHours == 0 {
		slaHours = defaults.SLAHours
	}
	warningThresholdHours = stage.WarningThresholdHours
	if warningThresholdHours == 0 {
		warningThresholdHours = defaults.WarningThresholdHours
	}
	return slaHours, warningThresholdHours
}

func validSLA(h float64) bool {
	return h > 0 && !math.IsNaN(h) && !math.IsInf(h, 0)
}

func elapsedHours(now, enteredAt time.Time) float64 {
	d := now.Sub(enteredAt)
	if d < 0 {
		return 0
	}
	return d.Hours()
}

func hoursToDuration(h float64) time.Duration {
	ns := h * float64(time.Hour)
	switch {
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	case ns <= math.MinInt64:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ns)
}
