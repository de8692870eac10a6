// Package attribution names the operator behind entities added from the
// command line.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

var (
	cachedName string
	once       sync.Once
)

// DetectOperator returns who is running the command. It checks AIE_OPERATOR,
// then git config user.name, then USER, and falls back to "unknown". The
// result is cached after the first call.
func DetectOperator() string {
	once.Do(func() {
		cachedName = detectOperatorUncached()
	})
	return cachedName
}

func detectOperatorUncached() string {
	if name := strings.TrimSpace(os.Getenv("AIE_OPERATOR")); name != "" {
		return name
	}
	if name := gitUserName(); name != "" {
		return name
	}
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return name
	}
	return "unknown"
}

// gitUserName returns `git config --get user.name`, or "" on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
