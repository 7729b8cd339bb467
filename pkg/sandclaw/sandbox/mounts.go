package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Mount is one volume binding for a sandbox invocation.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool

	// Exclude names subdirectories hidden via tmpfs overlay.
	Exclude []string
}

// GroupInfo is what the mount builder needs to know about a group.
type GroupInfo struct {
	Folder  string
	Name    string
	Sandbox GroupSandboxConfig
}

// ipcSubdirs are the per-group IPC namespace directories.
var ipcSubdirs = []string{"input", "messages", "tasks", "queries", "responses"}

// BuildMounts constructs the volume list for one invocation:
//   - main: project root (ro) + its group folder (rw)
//   - non-main: its group folder (rw) + shared global context (ro)
//   - all: IPC namespace (rw), runner source for the runtime (ro, hot reload)
//   - additional mounts from group config, validated against the allowlist
func BuildMounts(group *GroupInfo, isMain bool, runtime string, projectRoot, groupsDir, dataRoot string, allowlist *MountAllowlist) []Mount {
	var mounts []Mount
	groupDir := filepath.Join(groupsDir, group.Folder)
	_ = os.MkdirAll(filepath.Join(groupDir, "logs"), 0o755)

	if isMain {
		mounts = append(mounts, Mount{
			HostPath:      projectRoot,
			ContainerPath: "/workspace/project",
			ReadOnly:      true,
		})
	}
	mounts = append(mounts, Mount{
		HostPath:      groupDir,
		ContainerPath: "/workspace/group",
	})
	if !isMain {
		globalDir := filepath.Join(groupsDir, "global")
		if _, err := os.Stat(globalDir); err == nil {
			mounts = append(mounts, Mount{
				HostPath:      globalDir,
				ContainerPath: "/workspace/global",
				ReadOnly:      true,
			})
		}
	}

	// Per-group session directory, cleared on /reset.
	sessionsDir := filepath.Join(dataRoot, "sessions", group.Folder)
	_ = os.MkdirAll(sessionsDir, 0o755)
	mounts = append(mounts, Mount{
		HostPath:      sessionsDir,
		ContainerPath: "/workspace/.sessions",
	})

	// Per-group IPC namespace.
	ipcDir := filepath.Join(dataRoot, "ipc", group.Folder)
	for _, sub := range ipcSubdirs {
		_ = os.MkdirAll(filepath.Join(ipcDir, sub), 0o755)
	}
	mounts = append(mounts, Mount{
		HostPath:      ipcDir,
		ContainerPath: "/workspace/ipc",
	})

	// Runner source for hot reload during development.
	runnerSrc := filepath.Join(projectRoot, "agents", runtime, "src")
	if _, err := os.Stat(runnerSrc); err == nil {
		mounts = append(mounts, Mount{
			HostPath:      runnerSrc,
			ContainerPath: "/app/src",
			ReadOnly:      true,
		})
	}

	if len(group.Sandbox.AdditionalMounts) > 0 && allowlist != nil {
		for _, vm := range allowlist.ValidateMounts(group.Sandbox.AdditionalMounts, group.Name, isMain, nil) {
			mounts = append(mounts, Mount{
				HostPath:      vm.HostPath,
				ContainerPath: vm.ContainerPath,
				ReadOnly:      vm.ReadOnly,
				Exclude:       vm.Exclude,
			})
		}
	}

	return mounts
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// ContainerName builds the deterministic process name
// "agent-{folder}-{epoch_ms}" used for stop and log correlation.
func ContainerName(groupFolder string) string {
	safe := unsafeNameChars.ReplaceAllString(groupFolder, "-")
	return fmt.Sprintf("agent-%s-%d", safe, time.Now().UnixMilli())
}

// containerNamePrefix matches orphans from previous runs.
const containerNamePrefix = "agent-"

// safeFolderName reports whether a group folder name is safe to use as a
// path component and container name fragment.
var safeFolderName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidFolderName validates a group folder name against the safe-path rule.
func ValidFolderName(folder string) bool {
	if folder == "" || len(folder) > 64 {
		return false
	}
	if strings.Contains(folder, "..") {
		return false
	}
	return safeFolderName.MatchString(folder)
}

// buildDockerArgs constructs the docker run argument vector.
func buildDockerArgs(mounts []Mount, containerName, image, timezone string) []string {
	args := []string{"run", "-i", "--rm", "--name", containerName, "-e", "TZ=" + timezone}

	for _, m := range mounts {
		if m.ReadOnly {
			args = append(args, "-v", fmt.Sprintf("%s:%s:ro", m.HostPath, m.ContainerPath))
		} else {
			args = append(args, "-v", fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath))
		}
		for _, sub := range m.Exclude {
			args = append(args, "--mount",
				fmt.Sprintf("type=tmpfs,destination=%s/%s,tmpfs-size=0", m.ContainerPath, sub))
		}
	}

	return append(args, image)
}
