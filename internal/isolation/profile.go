package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Profile bundles every isolation decision into one declarative value.
// Backends translate it to their own enforcement mechanism; callers pick
// a named tier and optionally tighten individual fields.
type Profile struct {
	Name string `json:"name" yaml:"name"`

	// NetworkEnabled gates all egress. AllowedHosts and BlockedHosts
	// refine it when enabled; deny wins on overlap.
	NetworkEnabled bool     `json:"network_enabled" yaml:"network_enabled"`
	AllowedHosts   []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
	BlockedHosts   []string `json:"blocked_hosts,omitempty" yaml:"blocked_hosts,omitempty"`

	CPUCores int `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryGB int `json:"memory_gb" yaml:"memory_gb"`
	DiskGB   int `json:"disk_gb" yaml:"disk_gb"`

	// SharedPaths are host directories exposed read-write inside the
	// environment; ReadOnlyPaths are exposed but immutable. BlockedPaths
	// are never exposed; deny wins when a path appears in more than one
	// list.
	SharedPaths   []string `json:"shared_paths,omitempty" yaml:"shared_paths,omitempty"`
	ReadOnlyPaths []string `json:"read_only_paths,omitempty" yaml:"read_only_paths,omitempty"`
	BlockedPaths  []string `json:"blocked_paths,omitempty" yaml:"blocked_paths,omitempty"`

	ClipboardSync bool `json:"clipboard_sync" yaml:"clipboard_sync"`
	GPUEnabled    bool `json:"gpu_enabled" yaml:"gpu_enabled"`
}

// PathBlocked reports whether path falls inside any of the profile's
// blocked paths.
func (p Profile) PathBlocked(path string) bool {
	cleaned := filepath.Clean(path)
	for _, blocked := range p.BlockedPaths {
		blocked = filepath.Clean(blocked)
		if cleaned == blocked || strings.HasPrefix(cleaned, blocked+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Named tiers, loosest to strictest.
const (
	ProfileOpen       = "open"
	ProfileBalanced   = "balanced"
	ProfileRestricted = "restricted"
	ProfileIsolated   = "isolated"
)

// ProfileByName returns the named tier. Unknown names get a
// ValidationError so a typo in config surfaces at startup, not mid-task.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProfileOpen:
		return Profile{
			Name:           ProfileOpen,
			NetworkEnabled: true,
			CPUCores:       4,
			MemoryGB:       8,
			DiskGB:         20,
			ClipboardSync:  true,
			GPUEnabled:     true,
		}, nil
	case ProfileBalanced, "":
		return Profile{
			Name:           ProfileBalanced,
			NetworkEnabled: true,
			CPUCores:       2,
			MemoryGB:       4,
			DiskGB:         10,
			ClipboardSync:  true,
		}, nil
	case ProfileRestricted:
		return Profile{
			Name:           ProfileRestricted,
			NetworkEnabled: true,
			AllowedHosts:   []string{"api.anthropic.com"},
			CPUCores:       1,
			MemoryGB:       2,
			DiskGB:         5,
		}, nil
	case ProfileIsolated:
		return Profile{
			Name:           ProfileIsolated,
			NetworkEnabled: false,
			CPUCores:       1,
			MemoryGB:       1,
			DiskGB:         2,
		}, nil
	default:
		return Profile{}, &ValidationError{Field: "profile", Reason: fmt.Sprintf("unknown profile %q", name)}
	}
}

// Validate rejects profiles no backend could enforce.
func (p Profile) Validate() error {
	if p.CPUCores < 1 {
		return &ValidationError{Field: "cpu_cores", Reason: "must be at least 1"}
	}
	if p.MemoryGB < 1 {
		return &ValidationError{Field: "memory_gb", Reason: "must be at least 1"}
	}
	if p.DiskGB < 1 {
		return &ValidationError{Field: "disk_gb", Reason: "must be at least 1"}
	}
	if !p.NetworkEnabled && len(p.AllowedHosts) > 0 {
		return &ValidationError{Field: "allowed_hosts", Reason: "set while network is disabled"}
	}
	return nil
}

// ProfilePatch is a partial profile update. Nil fields are untouched.
type ProfilePatch struct {
	NetworkEnabled *bool     `json:"network_enabled,omitempty"`
	AllowedHosts   *[]string `json:"allowed_hosts,omitempty"`
	BlockedHosts   *[]string `json:"blocked_hosts,omitempty"`
	BlockedPaths   *[]string `json:"blocked_paths,omitempty"`
	CPUCores       *int      `json:"cpu_cores,omitempty"`
	MemoryGB       *int      `json:"memory_gb,omitempty"`
	DiskGB         *int      `json:"disk_gb,omitempty"`
	ClipboardSync  *bool     `json:"clipboard_sync,omitempty"`
	GPUEnabled     *bool     `json:"gpu_enabled,omitempty"`
}

// UpdateReport says which patch fields took effect live and which are
// recorded but only apply after the session restarts.
type UpdateReport struct {
	Applied         []string `json:"applied,omitempty"`
	RequiresRestart []string `json:"requires_restart,omitempty"`
}

// Apply merges the patch into p and reports what changed. liveUpdatable
// names the fields the calling backend can change without a restart;
// everything else lands in RequiresRestart.
func (patch ProfilePatch) Apply(p *Profile, liveUpdatable map[string]bool) *UpdateReport {
	rep := &UpdateReport{}
	record := func(field string) {
		if liveUpdatable[field] {
			rep.Applied = append(rep.Applied, field)
		} else {
			rep.RequiresRestart = append(rep.RequiresRestart, field)
		}
	}
	if patch.NetworkEnabled != nil && *patch.NetworkEnabled != p.NetworkEnabled {
		p.NetworkEnabled = *patch.NetworkEnabled
		record("network_enabled")
	}
	if patch.AllowedHosts != nil {
		p.AllowedHosts = append([]string(nil), (*patch.AllowedHosts)...)
		record("allowed_hosts")
	}
	if patch.BlockedHosts != nil {
		p.BlockedHosts = append([]string(nil), (*patch.BlockedHosts)...)
		record("blocked_hosts")
	}
	if patch.BlockedPaths != nil {
		p.BlockedPaths = append([]string(nil), (*patch.BlockedPaths)...)
		record("blocked_paths")
	}
	if patch.CPUCores != nil && *patch.CPUCores != p.CPUCores {
		p.CPUCores = *patch.CPUCores
		record("cpu_cores")
	}
	if patch.MemoryGB != nil && *patch.MemoryGB != p.MemoryGB {
		p.MemoryGB = *patch.MemoryGB
		record("memory_gb")
	}
	if patch.DiskGB != nil && *patch.DiskGB != p.DiskGB {
		p.DiskGB = *patch.DiskGB
		record("disk_gb")
	}
	if patch.ClipboardSync != nil && *patch.ClipboardSync != p.ClipboardSync {
		p.ClipboardSync = *patch.ClipboardSync
		record("clipboard_sync")
	}
	if patch.GPUEnabled != nil && *patch.GPUEnabled != p.GPUEnabled {
		p.GPUEnabled = *patch.GPUEnabled
		record("gpu_enabled")
	}
	return rep
}
