// Package platform answers questions about the host the installer runs on.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Current returns the runtime.GOOS value ("darwin", "linux", …).
func Current() string {
	return runtime.GOOS
}

// Supported reports whether the installer knows how to plan for goos.
func Supported(goos string) bool {
	return goos == "linux" || goos == "darwin"
}

// SystemdRoot is the directory that exists only when systemd is PID 1.
var SystemdRoot = "/run/systemd/system"

// HasSystemd reports whether the host is booted with systemd.
func HasSystemd() bool {
	info, err := os.Stat(SystemdRoot)
	return err == nil && info.IsDir()
}

// ExpandPath expands a leading "~" and $VARS in path, looking variables up
// through getenv (os.Getenv when nil).
func ExpandPath(path string, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home := getenv("HOME")
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		if home != "" {
			path = filepath.Join(home, path[1:])
		}
	}
	return os.Expand(path, getenv)
}

// ShellProfiles returns the system-wide shell rc files the installer hooks
// into on goos, most specific first.
func ShellProfiles(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"/etc/bashrc", "/etc/zshrc"}
	default:
		return []string{"/etc/bashrc", "/etc/bash.bashrc", "/etc/zshrc", "/etc/zsh/zshrc"}
	}
}

// ProfileScriptDir is where login shells pick up drop-in scripts.
func ProfileScriptDir(goos string) string {
	if goos == "darwin" {
		return ""
	}
	return "/etc/profile.d"
}

// RootHome is root's home directory on goos.
func RootHome(goos string) string {
	if goos == "darwin" {
		return "/var/root"
	}
	return "/root"
}
