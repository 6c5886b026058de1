package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvSocketPath overrides the socket location entirely. Tests and harnesses
// set it to a temp path.
const EnvSocketPath = "QUICKSHELL_POLKIT_SOCKET"

const socketName = "quickshell-polkit"

// ResolveSocketPath picks the socket location, in order: the explicit
// override variable, the service manager's RUNTIME_DIRECTORY, the user
// runtime directory, and finally a uid-keyed directory under /tmp. The
// socket's parent directory is created with owner-only permissions before
// anything binds to it.
func ResolveSocketPath() (string, error) {
	if custom := os.Getenv(EnvSocketPath); custom != "" {
		return custom, nil
	}

	if runtimeDir := os.Getenv("RUNTIME_DIRECTORY"); runtimeDir != "" {
		// systemd created this directory for us with the right ownership.
		return filepath.Join(runtimeDir, socketName), nil
	}

	var dir string
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		dir = filepath.Join(xdg, socketName)
	} else {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", socketName, os.Getuid()))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating socket directory: %w", err)
	}
	return filepath.Join(dir, socketName), nil
}
