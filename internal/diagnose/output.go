package diagnose

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// CheckStatus 检查状态
type CheckStatus string

const (
	StatusPass    CheckStatus = "pass"
	StatusFail    CheckStatus = "fail"
	StatusWarning CheckStatus = "warning"
	StatusSkipped CheckStatus = "skipped"
)

// CheckResult 单项检查结果
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details any         `json:"details,omitempty"`
}

// DiagnoseReport 诊断报告
type DiagnoseReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Status    CheckStatus   `json:"status"`
	Summary   string        `json:"summary"`
	Checks    []CheckResult `json:"checks"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Kernel     string   `json:"kernel"`
	Arch       string   `json:"arch"`
	Hostname   string   `json:"hostname"`
	Interfaces []string `json:"interfaces,omitempty"`
	UID        int      `json:"uid"`
	EUID       int      `json:"euid"`
	SELinux    string   `json:"selinux"`
}

// NewDiagnoseReport 创建诊断报告
func NewDiagnoseReport() *DiagnoseReport {
	return &DiagnoseReport{
		Timestamp: time.Now(),
		Status:    StatusPass,
		Checks:    make([]CheckResult, 0),
	}
}

// AddCheck 添加检查结果
func (r *DiagnoseReport) AddCheck(name string, status CheckStatus, message string) {
	r.AddCheckWithDetails(name, status, message, nil)
}

// AddCheckWithError 添加带错误的检查结果
func (r *DiagnoseReport) AddCheckWithError(name string, status CheckStatus, message string, err error) {
	check := CheckResult{
		Name:    name,
		Status:  status,
		Message: message,
	}
	if err != nil {
		check.Error = err.Error()
	}
	r.Checks = append(r.Checks, check)
	r.updateOverallStatus(status)
}

// AddCheckWithDetails 添加带详细信息的检查结果
func (r *DiagnoseReport) AddCheckWithDetails(name string, status CheckStatus, message string, details any) {
	r.Checks = append(r.Checks, CheckResult{
		Name:    name,
		Status:  status,
		Message: message,
		Details: details,
	})
	r.updateOverallStatus(status)
}

// Check 按名称查找检查结果
func (r *DiagnoseReport) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

func (r *DiagnoseReport) updateOverallStatus(status CheckStatus) {
	if status == StatusFail {
		r.Status = StatusFail
	} else if status == StatusWarning && r.Status != StatusFail {
		r.Status = StatusWarning
	}
}

// SetSummary 设置摘要
func (r *DiagnoseReport) SetSummary(summary string) {
	r.Summary = summary
}

func (r *DiagnoseReport) summarize() {
	failCount := 0
	warnCount := 0
	for _, check := range r.Checks {
		switch check.Status {
		case StatusFail:
			failCount++
		case StatusWarning:
			warnCount++
		}
	}

	switch {
	case failCount == 0 && warnCount == 0:
		r.SetSummary("所有检查通过，可以开始抓包")
	case failCount == 0:
		r.SetSummary(fmt.Sprintf("运行环境基本正常，有 %d 项警告", warnCount))
	default:
		r.SetSummary(fmt.Sprintf("运行环境存在 %d 项问题，请检查失败项", failCount))
	}
}

// OutputJSON 输出 JSON 格式
func (r *DiagnoseReport) OutputJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// OutputJSONToFile 输出 JSON 到文件
func (r *DiagnoseReport) OutputJSONToFile(filepath string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// OutputText 输出简要文本
func (r *DiagnoseReport) OutputText(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("══════════════════════════════════════════════════════════\n")
	sb.WriteString("  uidscope 运行环境诊断\n")
	sb.WriteString("══════════════════════════════════════════════════════════\n")

	if r.System != nil {
		fmt.Fprintf(&sb, "[内核] %s (%s)\n", shortKernel(r.System.Kernel), r.System.Arch)
		fmt.Fprintf(&sb, "[权限] UID=%d, EUID=%d, SELinux=%s\n", r.System.UID, r.System.EUID, r.System.SELinux)
	}
	sb.WriteString("\n")

	for _, c := range r.Checks {
		fmt.Fprintf(&sb, "%s %-14s %s", statusMark(c.Status), c.Name, c.Message)
		if c.Error != "" {
			fmt.Fprintf(&sb, " (%s)", c.Error)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\n%s\n", r.Summary)

	_, err := io.WriteString(w, sb.String())
	return err
}

func statusMark(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusFail:
		return "✗"
	case StatusWarning:
		return "!"
	default:
		return "-"
	}
}

func shortKernel(version string) string {
	if len(version) > 50 {
		if parts := strings.Fields(version); len(parts) >= 3 {
			return parts[2]
		}
	}
	return version
}
