package presence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	assert.True(t, Static{Val: true}.Present())
	assert.False(t, Static{Val: false}.Present())
}

func writeDevice(t *testing.T, root, name, vendor string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "idVendor"), []byte(vendor+"\n"), 0o644))
}

func TestUSBDetector(t *testing.T) {
	t.Run("known vendor", func(t *testing.T) {
		root := t.TempDir()
		writeDevice(t, root, "1-1", "04d9") // keyboard
		writeDevice(t, root, "1-2", "1050") // yubikey
		assert.True(t, USBDetector{Root: root}.Present())
	})

	t.Run("no reader attached", func(t *testing.T) {
		root := t.TempDir()
		writeDevice(t, root, "1-1", "04d9")
		assert.False(t, USBDetector{Root: root}.Present())
	})

	t.Run("empty tree", func(t *testing.T) {
		assert.False(t, USBDetector{Root: t.TempDir()}.Present())
	})

	t.Run("missing root", func(t *testing.T) {
		assert.False(t, USBDetector{Root: "/nonexistent/usb"}.Present())
	})

	t.Run("device without idVendor skipped", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "usb1"), 0o755))
		writeDevice(t, root, "1-3", "20a0")
		assert.True(t, USBDetector{Root: root}.Present())
	})
}
