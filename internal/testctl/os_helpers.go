package testctl

import (
	"context"
	"os"
	"runtime"
	"strings"
)

// isArchLike returns true if running on an Arch Linux or Arch-like distro.
func isArchLike() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return false
	}
	return osReleaseIsArch(string(data))
}

func osReleaseIsArch(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "ID=") || strings.HasPrefix(line, "ID_LIKE=") {
			if strings.Contains(strings.ToLower(line), "arch") {
				return true
			}
		}
	}
	return false
}

// runMaybeSudo runs name directly as root, otherwise through sudo.
func runMaybeSudo(name string, args ...string) error {
	if os.Geteuid() == 0 {
		return runCmdVerbose(context.Background(), name, args...)
	}
	return runCmdVerbose(context.Background(), "sudo", append([]string{name}, args...)...)
}
