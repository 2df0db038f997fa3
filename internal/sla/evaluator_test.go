package sla

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/pitabwire/escalator/model"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestEvaluate_knownCases(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		sla     float64
		warn    float64
		want    model.SLAStatus
	}{
		{"breached after 25h", 25 * time.Hour, 24, 2, model.SLAStatusBreached},
		{"warning at 23h", 23 * time.Hour, 24, 2, model.SLAStatusWarning},
		{"ok at 1h", 1 * time.Hour, 24, 2, model.SLAStatusOK},
		{"exactly at sla is breached", 24 * time.Hour, 24, 2, model.SLAStatusBreached},
		{"exactly at warning edge", 22 * time.Hour, 24, 2, model.SLAStatusWarning},
		{"just before warning edge", 22*time.Hour - time.Second, 24, 2, model.SLAStatusOK},
		{"zero warning never warns", 23*time.Hour + 59*time.Minute, 24, 0, model.SLAStatusOK},
		{"negative warning treated as zero", 23 * time.Hour, 24, -5, model.SLAStatusOK},
		{"warning larger than sla", 0, 4, 8, model.SLAStatusWarning},
		{"fractional sla", 90 * time.Minute, 1.5, 0, model.SLAStatusBreached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(base, base.Add(-tt.elapsed), tt.sla, tt.warn)
			if got != tt.want {
				t.Errorf("Evaluate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluate_noSLAConfigured(t *testing.T) {
	entered := base.Add(-1000 * time.Hour)
	for _, sla := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := Evaluate(base, entered, sla, 2); got != model.SLAStatusOK {
			t.Errorf("Evaluate(sla=%v) = %s, want OK", sla, got)
		}
	}
}

func TestEvaluate_clockSkew(t *testing.T) {
	future := base.Add(3 * time.Hour)
	if got := Evaluate(base, future, 24, 2); got != model.SLAStatusOK {
		t.Errorf("Evaluate() with future entry = %s, want OK", got)
	}
}

func TestEvaluate_missingEntryTime(t *testing.T) {
	if got := Evaluate(base, time.Time{}, 24, 2); got != model.SLAStatusOK {
		t.Errorf("Evaluate() with zero entry = %s, want OK", got)
	}
}

func TestEvaluate_nonFiniteWarning(t *testing.T) {
	entered := base.Add(-23 * time.Hour)
	for _, warn := range []float64{math.NaN(), math.Inf(1)} {
		if got := Evaluate(base, entered, 24, warn); got != model.SLAStatusOK {
			t.Errorf("Evaluate(warn=%v) = %s, want OK", warn, got)
		}
	}
}

func TestEvaluate_properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		elapsed := time.Duration(rng.Int63n(int64(200*time.Hour))) - 10*time.Hour
		sla := rng.Float64()*120 - 10
		warn := rng.Float64()*30 - 5

		got := Evaluate(base, base.Add(-elapsed), sla, warn)

		clamped := elapsed.Hours()
		if clamped < 0 {
			clamped = 0
		}
		switch got {
		case model.SLAStatusBreached:
			if sla <= 0 || clamped < sla {
				t.Fatalf("BREACHED with elapsed=%v sla=%v", clamped, sla)
			}
		case model.SLAStatusWarning:
			if clamped >= sla || sla-clamped > warn {
				t.Fatalf("WARNING with elapsed=%v sla=%v warn=%v", clamped, sla, warn)
			}
		case model.SLAStatusOK:
			if sla > 0 && clamped >= sla {
				t.Fatalf("OK with elapsed=%v sla=%v", clamped, sla)
			}
		default:
			t.Fatalf("unexpected status %q", got)
		}
	}
}

func TestRemaining(t *testing.T) {
	if got := Remaining(base, base.Add(-20*time.Hour), 24); got != 4*time.Hour {
		t.Errorf("Remaining() = %v, want 4h", got)
	}
	if got := Remaining(base, base.Add(-30*time.Hour), 24); got != -6*time.Hour {
		t.Errorf("Remaining() = %v, want -6h", got)
	}
	if got := Remaining(base, base.Add(-30*time.Hour), 0); got != 0 {
		t.Errorf("Remaining() without SLA = %v, want 0", got)
	}
}

func TestEvaluateStage_defaults(t *testing.T) {
	defaults := Defaults{SLAHours: 48, WarningThresholdHours: 4}
	task := model.WorkflowInstance{StageEnteredAt: base.Add(-45 * time.Hour)}

	if got := EvaluateStage(base, task, defaults); got != model.SLAStatusWarning {
		t.Errorf("EvaluateStage() with defaults = %s, want WARNING", got)
	}

	task.Stage.SLAHours = 24
	if got := EvaluateStage(base, task, defaults); got != model.SLAStatusBreached {
		t.Errorf("EvaluateStage() with stage SLA = %s, want BREACHED", got)
	}

	task.Stage.SLAHours = -1
	if got := EvaluateStage(base, task, defaults); got != model.SLAStatusOK {
		t.Errorf("EvaluateStage() with disabled SLA = %s, want OK", got)
	}
}
