package isolation

import (
	"errors"
	"testing"
)

func TestProfileByName_Tiers(t *testing.T) {
	names := []string{ProfileOpen, ProfileBalanced, ProfileRestricted, ProfileIsolated}
	var prev *Profile
	for _, name := range names {
		p, err := ProfileByName(name)
		if err != nil {
			t.Fatalf("ProfileByName(%s) failed: %v", name, err)
		}
		if p.Name != name {
			t.Errorf("expected name %s, got %s", name, p.Name)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("built-in profile %s does not validate: %v", name, err)
		}
		// Tiers get monotonically stricter on resources.
		if prev != nil {
			if p.CPUCores > prev.CPUCores || p.MemoryGB > prev.MemoryGB || p.DiskGB > prev.DiskGB {
				t.Errorf("profile %s is looser than %s", name, prev.Name)
			}
		}
		prev = &p
	}
}

func TestProfileByName_EdgeTiers(t *testing.T) {
	open, _ := ProfileByName(ProfileOpen)
	if !open.NetworkEnabled || !open.GPUEnabled || !open.ClipboardSync {
		t.Errorf("open tier should enable network, gpu and clipboard: %+v", open)
	}

	isolated, _ := ProfileByName(ProfileIsolated)
	if isolated.NetworkEnabled || isolated.GPUEnabled || isolated.ClipboardSync {
		t.Errorf("isolated tier should disable network, gpu and clipboard: %+v", isolated)
	}
}

func TestProfileByName_DefaultsToBalanced(t *testing.T) {
	p, err := ProfileByName("")
	if err != nil {
		t.Fatalf("empty name should default: %v", err)
	}
	if p.Name != ProfileBalanced {
		t.Errorf("expected balanced default, got %s", p.Name)
	}
}

func TestProfileByName_Unknown(t *testing.T) {
	_, err := ProfileByName("paranoid")
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestProfileValidate(t *testing.T) {
	p, _ := ProfileByName(ProfileBalanced)
	p.CPUCores = 0
	if p.Validate() == nil {
		t.Error("zero cpu cores should not validate")
	}

	p, _ = ProfileByName(ProfileIsolated)
	p.AllowedHosts = []string{"example.com"}
	if p.Validate() == nil {
		t.Error("allowlist with network disabled should not validate")
	}
}

func TestProfilePatch_Apply(t *testing.T) {
	p, _ := ProfileByName(ProfileBalanced)
	cpus := 1
	network := false
	patch := ProfilePatch{
		CPUCores:       &cpus,
		NetworkEnabled: &network,
	}

	rep := patch.Apply(&p, map[string]bool{"cpu_cores": true})

	if p.CPUCores != 1 || p.NetworkEnabled {
		t.Errorf("patch did not apply: %+v", p)
	}
	if !containsField(rep.Applied, "cpu_cores") {
		t.Errorf("cpu_cores should be live-applied, report: %+v", rep)
	}
	if !containsField(rep.RequiresRestart, "network_enabled") {
		t.Errorf("network_enabled should require restart, report: %+v", rep)
	}
}

func TestProfilePatch_NoopFieldsNotReported(t *testing.T) {
	p, _ := ProfileByName(ProfileBalanced)
	same := p.CPUCores
	rep := ProfilePatch{CPUCores: &same}.Apply(&p, map[string]bool{"cpu_cores": true})
	if len(rep.Applied) != 0 || len(rep.RequiresRestart) != 0 {
		t.Errorf("unchanged field should not be reported: %+v", rep)
	}
}

func TestProfilePathBlocked(t *testing.T) {
	p := Profile{BlockedPaths: []string{"/home/user/.ssh", "/etc/secrets"}}

	cases := []struct {
		path    string
		blocked bool
	}{
		{"/home/user/.ssh", true},
		{"/home/user/.ssh/id_rsa", true},
		{"/etc/secrets/../secrets/db.yaml", true},
		{"/home/user/.sshd", false},
		{"/home/user/docs", false},
		{"/workspace", false},
	}
	for _, tc := range cases {
		if got := p.PathBlocked(tc.path); got != tc.blocked {
			t.Errorf("PathBlocked(%q) = %v, want %v", tc.path, got, tc.blocked)
		}
	}
}

func TestProfilePatch_BlockedPaths(t *testing.T) {
	p, _ := ProfileByName(ProfileBalanced)
	blocked := []string{"/home/user/.ssh"}
	rep := ProfilePatch{BlockedPaths: &blocked}.Apply(&p, nil)

	if len(p.BlockedPaths) != 1 || p.BlockedPaths[0] != "/home/user/.ssh" {
		t.Errorf("blocked paths not applied: %+v", p.BlockedPaths)
	}
	if !containsField(rep.RequiresRestart, "blocked_paths") {
		t.Errorf("blocked_paths should require restart, report: %+v", rep)
	}
}
