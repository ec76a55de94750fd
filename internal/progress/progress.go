// Package progress converts elapsed time and agent-reported counters into a
// percent-complete figure and a projected time remaining. Estimation is
// deliberately a pure function recomputed on every tick: probe runs last
// seconds, and smoothing would only add perceived latency.
package progress

import (
	"math"
	"time"
)

// Input carries everything known about a session's advancement at one tick.
type Input struct {
	// Elapsed is the time since the session started.
	Elapsed time.Duration
	// ReportedPercent is the percentage the push channel reported
	// directly, nil when absent.
	ReportedPercent *float64
	// ScannedCount and TotalCount are unit counters from progress events;
	// zero TotalCount means no unit count is known.
	ScannedCount int
	TotalCount   int
	// DeclaredDuration is the fixed scan window declared at session start
	// for tools without a unit count (WiFi and device discovery).
	DeclaredDuration time.Duration
}

// Snapshot is the derived progress view frozen into the session.
type Snapshot struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ScannedCount   int     `json:"scanned_count,omitempty"`
	TotalCount     int     `json:"total_count,omitempty"`
	Percent        float64 `json:"percent"`
	ETASeconds     float64 `json:"eta_seconds"`
}

// Estimate derives percent and ETA from the input. Precedence: a directly
// reported percentage wins, then the scanned/total ratio, then linear
// elapsed-over-declared-window for fixed-duration scans. With none of the
// three available the percent stays at zero; the ETA extrapolation floors
// percent at one so early ticks still project from elapsed time instead of
// dividing by zero.
func Estimate(in Input) Snapshot {
	snap := Snapshot{
		ElapsedSeconds: in.Elapsed.Seconds(),
		ScannedCount:   in.ScannedCount,
		TotalCount:     in.TotalCount,
	}

	switch {
	case in.ReportedPercent != nil:
		snap.Percent = clampPercent(*in.ReportedPercent)
	case in.TotalCount > 0:
		snap.Percent = clampPercent(100 * float64(in.ScannedCount) / float64(in.TotalCount))
	case in.DeclaredDuration > 0:
		snap.Percent = math.Min(100, 100*float64(in.Elapsed)/float64(in.DeclaredDuration))
	}

	snap.ETASeconds = eta(in.Elapsed, snap.Percent)
	return snap
}

// eta extrapolates linearly from elapsed-time-per-percent, flooring percent
// at one so a session that has not advanced yet projects a finite figure.
func eta(elapsed time.Duration, percent float64) float64 {
	elapsedMS := float64(elapsed.Milliseconds())
	remaining := (elapsedMS / math.Max(percent, 1)) * (100 - percent) / 1000
	return math.Max(0, remaining)
}

// Completed returns the terminal snapshot for a successful session.
func Completed(elapsed time.Duration, scanned, total int) Snapshot {
	return Snapshot{
		ElapsedSeconds: elapsed.Seconds(),
		ScannedCount:   scanned,
		TotalCount:     total,
		Percent:        100,
		ETASeconds:     0,
	}
}

// Frozen returns the terminal snapshot for a failed or cancelled session,
// keeping the last known percent and zeroing the ETA.
func Frozen(last Snapshot, elapsed time.Duration) Snapshot {
	last.ElapsedSeconds = elapsed.Seconds()
	last.ETASeconds = 0
	return last
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
