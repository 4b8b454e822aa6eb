package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nickproject/uidscope/internal/aggregator"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Report 导出报告
type Report struct {
	SessionID     string                    `json:"session_id"`
	Timestamp     time.Time                 `json:"timestamp"`
	Duration      time.Duration             `json:"duration"`
	TotalBytes    uint64                    `json:"total_bytes"`
	UplinkBytes   uint64                    `json:"uplink_bytes"`
	DownlinkBytes uint64                    `json:"downlink_bytes"`
	Packets       uint64                    `json:"packets"`
	Apps          int                       `json:"apps"`
	DaemonDrops   uint32                    `json:"daemon_drops"`
	Histogram     []aggregator.Bin          `json:"histogram"`
	Entries       []aggregator.TrafficEntry `json:"entries"`
}

// NewReport 由汇总和条目生成报告，sessionID 为空时生成新的
func NewReport(sessionID string, started time.Time, overall aggregator.Overall, entries []aggregator.TrafficEntry) *Report {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now()
	var d time.Duration
	if !started.IsZero() {
		d = now.Sub(started)
	}
	return &Report{
		SessionID:     sessionID,
		Timestamp:     now,
		Duration:      d,
		TotalBytes:    overall.TotalBytes,
		UplinkBytes:   overall.UplinkBytes,
		DownlinkBytes: overall.DownlinkBytes,
		Packets:       overall.Packets,
		Apps:          overall.Apps,
		Histogram:     aggregator.Bins(overall.Histogram),
		Entries:       entries,
	}
}

// Export 导出数据到文件
func Export(report *Report, filename string, format ExportFormat) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	defer file.Close()

	return Write(report, file, format)
}

// Write 按格式写出报告
func Write(report *Report, w io.Writer, format ExportFormat) error {
	switch format {
	case FormatJSON:
		return exportJSON(report, w)
	case FormatCSV:
		return exportCSV(report, w)
	default:
		return fmt.Errorf("不支持的格式: %s", format)
	}
}

func exportJSON(report *Report, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func exportCSV(report *Report, w io.Writer) error {
	writer := csv.NewWriter(w)

	// 写入头部
	headers := []string{
		"uid",
		"name",
		"package",
		"system",
		"uplink_rate_bytes_s",
		"downlink_rate_bytes_s",
		"total_bytes",
		"uplink_bytes",
		"downlink_bytes",
		"packets",
	}
	if err := writer.Write(headers); err != nil {
		return err
	}

	// 写入数据行
	for _, entry := range report.Entries {
		row := []string{
			strconv.FormatInt(int64(entry.UID), 10),
			entry.Name,
			entry.Package,
			strconv.FormatBool(entry.System),
			strconv.FormatUint(entry.UplinkRate, 10),
			strconv.FormatUint(entry.DownlinkRate, 10),
			strconv.FormatUint(entry.TotalBytes, 10),
			strconv.FormatUint(entry.UplinkBytes, 10),
			strconv.FormatUint(entry.DownlinkBytes, 10),
			strconv.FormatUint(entry.Packets, 10),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// ParseFormat 解析格式字符串
func ParseFormat(s string) (ExportFormat, error) {
	switch s {
	case "json", "JSON":
		return FormatJSON, nil
	case "csv", "CSV":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("不支持的格式: %s (支持: json, csv)", s)
	}
}
