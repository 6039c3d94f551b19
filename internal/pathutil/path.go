package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands shell-style path components in p.
// It supports:
//   - environment variable tokens via os.ExpandEnv (for example $HOME, ${HOME})
//   - leading "~/" or "~\" to the current user's home directory
//
// The returned path is not normalized to absolute form; callers retain control
// over relative-path handling.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// ProfileEnv overrides the per-user profile directory.
const ProfileEnv = "REPORTSYNC_PROFILE_DIR"

// ProfileDir returns the directory holding lock files and the CLI config,
// $HOME/.reportsync unless ProfileEnv is set. The result is absolute.
func ProfileDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(ProfileEnv)); override != "" {
		expanded, err := ExpandUserAndEnv(override)
		if err != nil {
			return "", err
		}
		return filepath.Abs(expanded)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".reportsync"), nil
}

// ResolveProfileDir expands dir, falling back to ProfileDir when empty.
func ResolveProfileDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return ProfileDir()
	}
	expanded, err := ExpandUserAndEnv(dir)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}
