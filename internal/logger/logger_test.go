package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "uidscope.log")
	require.NoError(t, Init(Config{Level: "debug", File: file, MaxSizeMB: 1, MaxFiles: 1}))
	t.Cleanup(func() { globalLogger = nil })

	Info("capture started", "uid", 1000)
	Named("controller").Warn("pid missing", "path", "/tmp/pcapd.pid")
	Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"capture started"`)
	assert.Contains(t, string(data), `"logger":"controller"`)
}

func TestUninitializedLoggerIsNoop(t *testing.T) {
	globalLogger = nil
	assert.NotPanics(t, func() {
		Debug("noop")
		Named("x").Error("noop")
		Sync()
	})
}
