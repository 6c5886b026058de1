// Package presence answers one question: is a security-key reader attached
// to this machine right now? The agent consults it once per session to
// decide whether the passive factor is worth attempting.
package presence

import (
	"os"
	"path/filepath"
	"strings"
)

// Detector reports whether a security-key reader is present.
type Detector interface {
	Present() bool
}

// Static is a fixed-answer detector for tests and for forcing a mode from
// configuration.
type Static struct {
	Val bool
}

func (s Static) Present() bool { return s.Val }

// knownReaderVendors are USB vendor IDs of common security-key and NFC
// reader hardware (Yubico, Nitrokey, SoloKeys, ACS, Identiv).
var knownReaderVendors = map[string]bool{
	"1050": true, // Yubico
	"20a0": true, // Nitrokey
	"0483": true, // SoloKeys
	"072f": true, // ACS
	"04e6": true, // Identiv / SCM
}

// USBDetector scans sysfs for an attached reader. The zero value scans the
// host's real USB tree.
type USBDetector struct {
	// Root overrides the sysfs device directory, for tests.
	Root string
}

func (d USBDetector) Present() bool {
	root := d.Root
	if root == "" {
		root = "/sys/bus/usb/devices"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "idVendor"))
		if err != nil {
			continue
		}
		if knownReaderVendors[strings.TrimSpace(string(data))] {
			return true
		}
	}
	return false
}
