package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickproject/uidscope/internal/aggregator"
)

func sampleReport() *Report {
	overall := aggregator.Overall{
		Apps:          2,
		TotalBytes:    240,
		UplinkBytes:   80,
		DownlinkBytes: 160,
		Packets:       4,
		Histogram:     map[uint32]int{60: 1, 40: 2, 100: 1},
	}
	entries := []aggregator.TrafficEntry{
		{UID: 1000, Name: "Android 系统", Package: "android", System: true, TotalBytes: 140, UplinkBytes: 80, DownlinkBytes: 60, Packets: 3},
		{UID: 10999, Name: "UID: 10999", Package: "unknown.uid.10999", TotalBytes: 100, DownlinkBytes: 100, Packets: 1},
	}
	return NewReport("", time.Now().Add(-time.Minute), overall, entries)
}

func TestNewReport(t *testing.T) {
	r := sampleReport()
	_, err := uuid.Parse(r.SessionID)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, r.Duration, time.Minute)
	assert.Equal(t, []aggregator.Bin{{Size: 40, Count: 2}, {Size: 60, Count: 1}, {Size: 100, Count: 1}}, r.Histogram)

	r = NewReport("fixed", time.Time{}, aggregator.Overall{}, nil)
	assert.Equal(t, "fixed", r.SessionID)
	assert.Zero(t, r.Duration)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(sampleReport(), &buf, FormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, 240, decoded["total_bytes"])
	assert.Len(t, decoded["entries"], 2)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(sampleReport(), &buf, FormatCSV))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "uid", rows[0][0])
	assert.Equal(t, []string{"1000", "Android 系统", "android", "true", "0", "0", "140", "80", "60", "3"}, rows[1])
}

func TestExportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, Export(sampleReport(), path, FormatJSON))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id"`)

	assert.Error(t, Export(sampleReport(), path, ExportFormat("xml")))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}
