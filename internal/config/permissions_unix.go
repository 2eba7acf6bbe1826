//go:build unix

package config

import (
	"fmt"
	"os"
)

// PermissionWarning returns a warning if the file at path is readable by
// group or others. what names the file in the message ("Config", "Env").
func PermissionWarning(path, what string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: %s file '%s' has insecure permissions (%04o)\n"+
			"         Other users may be able to read the database password or the state key.\n"+
			"         Run: chmod 600 %s\n\n",
		what, path, mode, path,
	)
}
