//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var insecureACLs = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
	"users",
}

// PermissionWarning returns a warning if the file at path may be readable
// by other users, judged from icacls output.
func PermissionWarning(path, what string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))

	for _, principal := range insecureACLs {
		if !strings.Contains(acl, principal) {
			continue
		}
		return fmt.Sprintf(
			"WARNING: %s file '%s' grants access to %q\n"+
				"         Other users may be able to read the database password or the state key.\n"+
				"         Run in PowerShell to secure:\n"+
				"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
			what, path, principal, path,
		)
	}
	return ""
}
