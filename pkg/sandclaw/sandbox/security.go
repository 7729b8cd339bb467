package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// defaultBlockedPatterns are path components that may never be mounted,
// regardless of allowlist contents.
var defaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".gpg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	"credentials",
	".env",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_ed25519",
	"private_key",
	".secret",
}

// MountAllowlist is the external mount policy. It lives outside the project
// root so sandboxed agents cannot rewrite it.
type MountAllowlist struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`

	// blockedPrefixes come from daemon config, merged at load time.
	blockedPrefixes []string
}

// AllowedRoot is a directory tree that group config may request mounts under.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

// AdditionalMount is a mount request from group configuration.
type AdditionalMount struct {
	HostPath      string   `json:"hostPath"`
	ContainerPath string   `json:"containerPath,omitempty"`
	ReadOnly      *bool    `json:"readonly,omitempty"`
	Exclude       []string `json:"exclude,omitempty"`
}

// GroupSandboxConfig is the per-group sandbox options blob stored with the
// group registration.
type GroupSandboxConfig struct {
	AdditionalMounts []AdditionalMount `json:"additionalMounts,omitempty"`
	TimeoutMs        int64             `json:"timeout,omitempty"`
}

// ParseGroupSandboxConfig decodes the raw JSON stored on a group. An empty
// string yields an empty config.
func ParseGroupSandboxConfig(raw string) (GroupSandboxConfig, error) {
	var cfg GroupSandboxConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("parse sandbox config: %w", err)
	}
	return cfg, nil
}

// LoadAllowlist reads the external allowlist. A missing or unparsable file
// returns nil, which blocks all additional mounts.
func LoadAllowlist(path string, extraBlockedPrefixes []string, logger *slog.Logger) *MountAllowlist {
	if logger == nil {
		logger = slog.Default()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("mount allowlist not readable, additional mounts blocked",
			"path", path, "error", err)
		return nil
	}

	var allowlist MountAllowlist
	if err := json.Unmarshal(content, &allowlist); err != nil {
		logger.Warn("mount allowlist not parsable, additional mounts blocked",
			"path", path, "error", err)
		return nil
	}

	merged := append([]string{}, defaultBlockedPatterns...)
	for _, p := range allowlist.BlockedPatterns {
		if !contains(merged, p) {
			merged = append(merged, p)
		}
	}
	allowlist.BlockedPatterns = merged
	allowlist.blockedPrefixes = extraBlockedPrefixes

	logger.Info("mount allowlist loaded",
		"path", path,
		"allowed_roots", len(allowlist.AllowedRoots),
		"blocked_patterns", len(allowlist.BlockedPatterns))
	return &allowlist
}

// ValidatedMount is a mount request that passed policy checks.
type ValidatedMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
	Exclude       []string
}

// ValidateMount checks one additional mount against the allowlist. The
// returned error is the human-readable refusal reason.
func (a *MountAllowlist) ValidateMount(mount AdditionalMount, isMain bool) (*ValidatedMount, error) {
	containerPath := mount.ContainerPath
	if containerPath == "" {
		containerPath = filepath.Base(mount.HostPath)
	}
	if !validContainerPath(containerPath) {
		return nil, fmt.Errorf("invalid container path %q: must be relative, non-empty, and free of \"..\"", containerPath)
	}

	expanded := expandPath(mount.HostPath)
	for _, prefix := range a.blockedPrefixes {
		if expanded == prefix || strings.HasPrefix(expanded, prefix+string(os.PathSeparator)) {
			return nil, fmt.Errorf("path %q is blocked by policy", expanded)
		}
	}

	real, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return nil, fmt.Errorf("host path does not exist: %q", mount.HostPath)
	}

	if pattern := matchBlockedPattern(real, a.BlockedPatterns); pattern != "" {
		return nil, fmt.Errorf("path %q matches blocked pattern %q", real, pattern)
	}

	root := a.findAllowedRoot(real)
	if root == nil {
		return nil, fmt.Errorf("path %q is not under any allowed root", real)
	}

	readOnly := true
	if mount.ReadOnly != nil {
		readOnly = *mount.ReadOnly
	}
	// Requests for write access only go through when the root allows it,
	// and non-main groups can be forced read-only by policy.
	if !readOnly {
		if !root.AllowReadWrite {
			readOnly = true
		}
		if a.NonMainReadOnly && !isMain {
			readOnly = true
		}
	}

	return &ValidatedMount{
		HostPath:      real,
		ContainerPath: "/workspace/extra/" + containerPath,
		ReadOnly:      readOnly,
		Exclude:       mount.Exclude,
	}, nil
}

// ValidateMounts filters a mount list, logging each refusal.
func (a *MountAllowlist) ValidateMounts(mounts []AdditionalMount, groupName string, isMain bool, logger *slog.Logger) []ValidatedMount {
	if logger == nil {
		logger = slog.Default()
	}
	var out []ValidatedMount
	for _, m := range mounts {
		vm, err := a.ValidateMount(m, isMain)
		if err != nil {
			logger.Warn("additional mount refused",
				"group", groupName, "host_path", m.HostPath, "reason", err)
			continue
		}
		out = append(out, *vm)
	}
	return out
}

func (a *MountAllowlist) findAllowedRoot(real string) *AllowedRoot {
	for i := range a.AllowedRoots {
		expanded := expandPath(a.AllowedRoots[i].Path)
		realRoot, err := filepath.EvalSymlinks(expanded)
		if err != nil {
			continue
		}
		if real == realRoot || strings.HasPrefix(real, realRoot+string(os.PathSeparator)) {
			return &a.AllowedRoots[i]
		}
	}
	return nil
}

// matchBlockedPattern returns the first pattern matched by any component of
// the path, or "".
func matchBlockedPattern(path string, patterns []string) string {
	components := strings.Split(path, string(os.PathSeparator))
	for _, pattern := range patterns {
		for _, part := range components {
			if part == pattern || strings.Contains(part, pattern) {
				return pattern
			}
		}
	}
	return ""
}

// validContainerPath rejects absolute paths and traversal.
func validContainerPath(p string) bool {
	return p != "" && !strings.Contains(p, "..") && !strings.HasPrefix(p, "/")
}

// expandPath resolves a leading ~ to the home directory.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
