package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func testAllowlist(t *testing.T, root string) *MountAllowlist {
	t.Helper()
	return &MountAllowlist{
		AllowedRoots: []AllowedRoot{
			{Path: root, AllowReadWrite: true},
		},
		BlockedPatterns: append([]string{}, defaultBlockedPatterns...),
		NonMainReadOnly: true,
	}
}

func TestValidateMount_AllowedPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sub := filepath.Join(root, "project")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	vm, err := testAllowlist(t, root).ValidateMount(AdditionalMount{HostPath: sub}, true)
	if err != nil {
		t.Fatalf("ValidateMount: %v", err)
	}
	if vm.ContainerPath != "/workspace/extra/project" {
		t.Errorf("container path = %q", vm.ContainerPath)
	}
	if !vm.ReadOnly {
		t.Error("default should be read-only")
	}
}

func TestValidateMount_OutsideAllowedRoots(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()

	_, err := testAllowlist(t, root).ValidateMount(AdditionalMount{HostPath: outside}, true)
	if err == nil {
		t.Fatal("expected refusal for path outside allowed roots")
	}
}

func TestValidateMount_BlockedPattern(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ssh := filepath.Join(root, ".ssh")
	if err := os.MkdirAll(ssh, 0o700); err != nil {
		t.Fatal(err)
	}

	_, err := testAllowlist(t, root).ValidateMount(AdditionalMount{HostPath: ssh}, true)
	if err == nil {
		t.Fatal("expected refusal for .ssh")
	}
}

func TestValidateMount_BadContainerPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tests := []string{"../escape", "/absolute", ""}
	for _, containerPath := range tests {
		mount := AdditionalMount{HostPath: root, ContainerPath: containerPath}
		if containerPath == "" {
			// Empty falls back to the basename, which is valid.
			continue
		}
		if _, err := testAllowlist(t, root).ValidateMount(mount, true); err == nil {
			t.Errorf("container path %q should be refused", containerPath)
		}
	}
}

func TestValidateMount_NonMainForcedReadOnly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sub := filepath.Join(root, "data")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	rw := false
	vm, err := testAllowlist(t, root).ValidateMount(
		AdditionalMount{HostPath: sub, ReadOnly: &rw}, false)
	if err != nil {
		t.Fatalf("ValidateMount: %v", err)
	}
	if !vm.ReadOnly {
		t.Error("non-main group should be forced read-only")
	}

	// Main group with the same request keeps write access.
	vm, err = testAllowlist(t, root).ValidateMount(
		AdditionalMount{HostPath: sub, ReadOnly: &rw}, true)
	if err != nil {
		t.Fatalf("ValidateMount: %v", err)
	}
	if vm.ReadOnly {
		t.Error("main group should keep write access under a rw root")
	}
}

func TestValidateMount_BlockedPrefix(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blocked := filepath.Join(root, "vault")
	if err := os.MkdirAll(blocked, 0o755); err != nil {
		t.Fatal(err)
	}

	a := testAllowlist(t, root)
	a.blockedPrefixes = []string{blocked}
	if _, err := a.ValidateMount(AdditionalMount{HostPath: blocked}, true); err == nil {
		t.Fatal("expected refusal for configured blocked prefix")
	}
}

func TestValidFolderName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		folder string
		want   bool
	}{
		{"main", true},
		{"team-eng", true},
		{"team.eng_2", true},
		{"", false},
		{"../escape", false},
		{"Has Spaces", false},
		{"/absolute", false},
		{".hidden", false},
	}

	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			t.Parallel()
			if got := ValidFolderName(tt.folder); got != tt.want {
				t.Errorf("ValidFolderName(%q) = %v, want %v", tt.folder, got, tt.want)
			}
		})
	}
}

func TestContainerName(t *testing.T) {
	t.Parallel()

	name := ContainerName("team.eng/special")
	if want := "agent-team-eng-special-"; len(name) <= len(want) || name[:len(want)] != want {
		t.Errorf("container name = %q, want prefix %q", name, want)
	}
}

func TestBuildDockerArgs(t *testing.T) {
	t.Parallel()

	mounts := []Mount{
		{HostPath: "/home/u/project", ContainerPath: "/workspace/project", ReadOnly: true, Exclude: []string{"node_modules"}},
		{HostPath: "/home/u/group", ContainerPath: "/workspace/group"},
	}
	args := buildDockerArgs(mounts, "agent-main-1", "sandclaw-agent:latest", "UTC")

	want := map[string]bool{
		"-i": false, "--rm": false, "agent-main-1": false,
		"TZ=UTC": false,
		"/home/u/project:/workspace/project:ro": false,
		"/home/u/group:/workspace/group":        false,
		"type=tmpfs,destination=/workspace/project/node_modules,tmpfs-size=0": false,
	}
	for _, a := range args {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("missing arg %q in %v", k, args)
		}
	}
	if args[len(args)-1] != "sandclaw-agent:latest" {
		t.Errorf("image should be last arg, got %q", args[len(args)-1])
	}
}
