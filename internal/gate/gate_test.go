package gate_test

import (
	"testing"

	"github.com/releasegate/releasegate/internal/gate"
	"github.com/releasegate/releasegate/internal/window"
)

func healthyWindow(name string, n int) window.Window {
	values := make([]float64, n)
	for i := range values {
		values[i] = (float64(i) + 0.5) / float64(n)
	}
	return window.Window{Name: name, Values: values}
}

// marginalWindow has five distinct values, each repeated four times: the
// unique ratio lands between the fail and pass boundaries while the KS
// p-value, spread, and count all clear their pass clauses.
func marginalWindow(name string) window.Window {
	var values []float64
	for _, v := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		for i := 0; i < 4; i++ {
			values = append(values, v)
		}
	}
	return window.Window{Name: name, Values: values}
}

// boundaryWindow spreads total samples round-robin over distinct evenly
// spaced values so the unique ratio lands exactly on distinct/total while the
// KS p-value stays comfortably above the pass threshold.
func boundaryWindow(name string, distinct, total int) window.Window {
	values := make([]float64, 0, total)
	for i := 0; i < total; i++ {
		j := i % distinct
		values = append(values, (float64(j)+0.5)/float64(distinct))
	}
	return window.Window{Name: name, Values: values}
}

// TestEvaluateBoundaries pins the comparison direction on each threshold:
// a window sitting exactly on the pass boundary passes, and one sitting
// exactly on the fail boundary is marginal, not failing.
func TestEvaluateBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		win       window.Window
		wantRatio float64
		want      gate.Level
	}{
		{"unique ratio at pass boundary", boundaryWindow("w", 12, 40), 0.30, gate.LevelPass},
		{"unique ratio at fail boundary", boundaryWindow("w", 20, 100), 0.20, gate.LevelMarginal},
		{"unique ratio below fail boundary", boundaryWindow("w", 19, 100), 0.19, gate.LevelFail},
		{"count at pass boundary", healthyWindow("w", 12), 1.0, gate.LevelPass},
		{"count below pass boundary", healthyWindow("w", 11), 1.0, gate.LevelMarginal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := gate.NewEvaluator(gate.DefaultThresholds())
			v := e.Evaluate(map[string]window.Window{"w": tc.win})
			ev := v.Evidence["w"]
			if ev.UniqueRatio != tc.wantRatio {
				t.Fatalf("unique ratio = %v, want %v", ev.UniqueRatio, tc.wantRatio)
			}
			if v.Level != tc.want {
				t.Fatalf("level = %s, want %s (evidence %+v)", v.Level, tc.want, ev)
			}
		})
	}
}

func TestEvaluatePass(t *testing.T) {
	e := gate.NewEvaluator(gate.DefaultThresholds())
	v := e.Evaluate(map[string]window.Window{"24h": healthyWindow("24h", 20)})
	if v.Level != gate.LevelPass {
		t.Fatalf("level = %s, want pass (evidence %+v)", v.Level, v.Evidence["24h"])
	}
	if v.DataGap {
		t.Fatal("unexpected data gap")
	}
	if v.Streak != 1 {
		t.Fatalf("streak = %d, want 1", v.Streak)
	}
}

func TestEvaluateMarginal(t *testing.T) {
	e := gate.NewEvaluator(gate.DefaultThresholds())
	v := e.Evaluate(map[string]window.Window{"24h": marginalWindow("24h")})
	if v.Level != gate.LevelMarginal {
		t.Fatalf("level = %s, want marginal (evidence %+v)", v.Level, v.Evidence["24h"])
	}
	ev := v.Evidence["24h"]
	if ev.UniqueRatio != 0.25 {
		t.Fatalf("unique ratio = %v, want 0.25", ev.UniqueRatio)
	}
}

func TestEvaluateFailClauses(t *testing.T) {
	repeated := func(v float64, n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	cases := []struct {
		name   string
		values []float64
	}{
		{"low unique ratio", append(repeated(0.5, 10), repeated(0.6, 10)...)},
		{"collapsed p-value", []float64{
			0.980, 0.981, 0.982, 0.983, 0.984, 0.985, 0.986, 0.987, 0.988, 0.989,
			0.990, 0.991, 0.992, 0.993, 0.994, 0.995, 0.996, 0.997, 0.998, 0.999,
		}},
		{"too few samples", []float64{0.2, 0.4, 0.6, 0.8}},
		{"zero spread", repeated(0.5, 5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := gate.NewEvaluator(gate.DefaultThresholds())
			v := e.Evaluate(map[string]window.Window{"w": {Name: "w", Values: tc.values}})
			if v.Level != gate.LevelFail {
				t.Fatalf("level = %s, want fail (evidence %+v)", v.Level, v.Evidence["w"])
			}
		})
	}
}

func TestEvaluateWorstWindowWins(t *testing.T) {
	e := gate.NewEvaluator(gate.DefaultThresholds())
	v := e.Evaluate(map[string]window.Window{
		"2h":  healthyWindow("2h", 20),
		"24h": {Name: "24h", Values: []float64{0.5, 0.5, 0.5, 0.5, 0.5}},
	})
	if v.Level != gate.LevelFail {
		t.Fatalf("level = %s, want fail when any window fails", v.Level)
	}
}

func TestEvaluateDataGap(t *testing.T) {
	e := gate.NewEvaluator(gate.DefaultThresholds())

	v := e.Evaluate(map[string]window.Window{})
	if !v.DataGap || v.Level != gate.LevelFail || v.Streak != 0 {
		t.Fatalf("empty windows: got level=%s gap=%v streak=%d", v.Level, v.DataGap, v.Streak)
	}

	v = e.Evaluate(map[string]window.Window{"24h": {Name: "24h"}})
	if !v.DataGap || v.Streak != 0 {
		t.Fatalf("empty window: got gap=%v streak=%d, want gap with zero streak", v.DataGap, v.Streak)
	}
}

func TestStreakTracking(t *testing.T) {
	e := gate.NewEvaluator(gate.DefaultThresholds())
	pass := map[string]window.Window{"24h": healthyWindow("24h", 20)}

	if v := e.Evaluate(pass); v.Streak != 1 {
		t.Fatalf("first pass streak = %d, want 1", v.Streak)
	}
	if v := e.Evaluate(pass); v.Streak != 2 {
		t.Fatalf("second pass streak = %d, want 2", v.Streak)
	}

	// Level change resets to 1.
	if v := e.Evaluate(map[string]window.Window{"24h": marginalWindow("24h")}); v.Streak != 1 {
		t.Fatalf("streak after level change = %d, want 1", v.Streak)
	}

	// A data gap zeroes the streak entirely: no-data cycles never extend a run.
	if v := e.Evaluate(map[string]window.Window{}); v.Streak != 0 {
		t.Fatalf("streak after data gap = %d, want 0", v.Streak)
	}

	level, streak := e.Streak()
	if level != gate.LevelFail || streak != 0 {
		t.Fatalf("Streak() = (%s, %d), want (fail, 0)", level, streak)
	}
}
