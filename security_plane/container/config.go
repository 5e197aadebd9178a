package container

import (
	"fmt"

	"github.com/plugsentry/PlugSentry/security_plane/resource"
)

// Network modes for an execution context.
const (
	NetworkModeNone    = "none"    // no network interface at all
	NetworkModeLimited = "limited" // egress through the access controller only
	NetworkModeFull    = "full"    // reserved for platform-internal plugins
)

// ContextConfig is the configuration handed to the runtime when a context
// is created. The filesystem is always read-only with a bounded scratch
// mount, privileges are always dropped and the context never runs as root;
// those are not knobs.
type ContextConfig struct {
	CPUCores       float64 `json:"cpu_cores"`
	MemoryMB       int64   `json:"memory_mb"`
	TimeoutSeconds int64   `json:"timeout_seconds"`
	NetworkMode    string  `json:"network_mode"`
	ReadOnlyRoot   bool    `json:"read_only_root"`
	ScratchMB      int64   `json:"scratch_mb"`
	DropPrivileges bool    `json:"drop_privileges"`
}

// ConfigForTier derives the hard ceilings for a context from the instance's
// resource tier. The runtime enforces these even if the monitor loop never
// observes a sample.
func ConfigForTier(tier, networkMode string) (ContextConfig, error) {
	limits, err := resource.LimitsForTier(tier)
	if err != nil {
		return ContextConfig{}, err
	}
	switch networkMode {
	case NetworkModeNone, NetworkModeLimited, NetworkModeFull:
	default:
		return ContextConfig{}, fmt.Errorf("unknown network mode %q", networkMode)
	}
	return ContextConfig{
		CPUCores:       limits.CPUPercent / 100,
		MemoryMB:       limits.MemoryBytes >> 20,
		TimeoutSeconds: int64(limits.ExecutionSeconds),
		NetworkMode:    networkMode,
		ReadOnlyRoot:   true,
		ScratchMB:      64,
		DropPrivileges: true,
	}, nil
}
