// Package session implements the scan session lifecycle: the state machine
// that owns one session per tool, routes push/pull events through the
// record fold, derives progress, and classifies failures.
package session

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/probelab/netdash/internal/errors"
	"github.com/probelab/netdash/internal/progress"
)

// ToolKind identifies one diagnostics tool instance.
type ToolKind string

const (
	ToolPing            ToolKind = "ping"
	ToolTraceroute      ToolKind = "traceroute"
	ToolPortScan        ToolKind = "port_scan"
	ToolSubnetScan      ToolKind = "subnet_scan"
	ToolDeviceDiscovery ToolKind = "device_discovery"
	ToolWifiScan        ToolKind = "wifi_scan"
	ToolPacketCapture   ToolKind = "packet_capture"
	ToolSyslog          ToolKind = "syslog"
)

// Tools lists every known tool kind.
var Tools = []ToolKind{
	ToolPing, ToolTraceroute, ToolPortScan, ToolSubnetScan,
	ToolDeviceDiscovery, ToolWifiScan, ToolPacketCapture, ToolSyslog,
}

// Valid reports whether t names a known tool.
func (t ToolKind) Valid() bool {
	for _, known := range Tools {
		if t == known {
			return true
		}
	}
	return false
}

// Stream returns the push channel event stream name for the tool.
func (t ToolKind) Stream() string {
	return string(t)
}

// PullPath returns the pull channel request path for the tool.
func (t ToolKind) PullPath() string {
	return "/api/v1/" + strings.ReplaceAll(string(t), "_", "-")
}

// fixedDuration reports whether the tool runs over a declared scan window
// instead of a unit count.
func (t ToolKind) fixedDuration() bool {
	switch t {
	case ToolWifiScan, ToolDeviceDiscovery, ToolPacketCapture, ToolSyslog:
		return true
	default:
		return false
	}
}

// needsTarget reports whether the tool requires a target host or CIDR.
func (t ToolKind) needsTarget() bool {
	switch t {
	case ToolWifiScan, ToolDeviceDiscovery:
		return false
	default:
		return true
	}
}

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRateLimited Status = "rate_limited"
)

// Terminal reports whether the status is final for its session instance.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRateLimited:
		return true
	default:
		return false
	}
}

// Session is the snapshot of one scan run exposed to consumers. All fields
// are value types; snapshots are safe to hand out across goroutines.
type Session struct {
	ID              string            `json:"id"`
	Tool            ToolKind          `json:"tool"`
	Status          Status            `json:"status"`
	Target          string            `json:"target,omitempty"`
	StartedAt       time.Time         `json:"started_at_utc"`
	TotalUnits      int               `json:"total_units,omitempty"`
	CompletedUnits  int               `json:"completed_units,omitempty"`
	Progress        progress.Snapshot `json:"progress"`
	CooldownSeconds float64           `json:"cooldown_seconds,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// ScanSpec describes what a session should scan. It is validated before any
// network call; a spec that fails validation never leaves Idle.
type ScanSpec struct {
	Tool        ToolKind      `json:"tool" validate:"required"`
	Target      string        `json:"target,omitempty"`
	Ports       []int         `json:"ports,omitempty" validate:"omitempty,max=4096,dive,min=1,max=65535"`
	Duration    time.Duration `json:"duration,omitempty" validate:"min=0"`
	Concurrency int           `json:"concurrency,omitempty" validate:"min=0,max=1024"`
	Timeout     time.Duration `json:"timeout,omitempty" validate:"min=0"`
}

var validate = validator.New()

// Validate checks the spec's shape and per-tool target requirements.
func (s *ScanSpec) Validate() error {
	if !s.Tool.Valid() {
		return errors.NewSessionError(errors.CodeValidation,
			fmt.Sprintf("unknown tool %q", s.Tool))
	}
	if err := validate.Struct(s); err != nil {
		return errors.WrapSessionError(errors.CodeValidation, "invalid scan spec", err)
	}
	if s.Tool.needsTarget() {
		if s.Target == "" {
			return errors.NewSessionErrorWithTool(errors.CodeValidation, "target is required", string(s.Tool))
		}
		if err := validateTarget(s.Tool, s.Target); err != nil {
			return err
		}
	}
	if s.Tool == ToolPortScan && len(s.Ports) == 0 {
		return errors.NewSessionErrorWithTool(errors.CodeValidation, "port list is required", string(s.Tool))
	}
	return nil
}

// validateTarget accepts an IP, a CIDR for subnet scans, or a plausible
// hostname. DNS resolution failures are an agent-side concern (they come
// back as remote errors), so only the textual shape is checked here.
func validateTarget(tool ToolKind, target string) error {
	if tool == ToolSubnetScan {
		if _, _, err := net.ParseCIDR(target); err == nil {
			return nil
		}
	}
	if net.ParseIP(target) != nil {
		return nil
	}
	if isHostname(target) {
		return nil
	}
	return errors.ErrInvalidTarget(string(tool), target)
}

func isHostname(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
	}
	return true
}
