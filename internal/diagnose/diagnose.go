// Package diagnose 检查抓包运行环境：提权工具、root 权限、守护进程、
// 缓存目录、应用列表和网卡。
package diagnose

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/nickproject/uidscope/internal/appinfo"
	"github.com/nickproject/uidscope/internal/capture"
	"github.com/nickproject/uidscope/internal/config"
	"github.com/nickproject/uidscope/internal/logger"
	"github.com/nickproject/uidscope/internal/privilege"
)

var log = logger.Named("diagnose")

// maxSocketPath sockaddr_un.sun_path 的长度，含结尾 NUL
const maxSocketPath = 108

// Options 诊断参数
type Options struct {
	Config   *config.Config
	Executor capture.Executor // 为空时使用 Config 中的 su
}

// Run 执行全部检查
func Run(ctx context.Context, opts Options) *DiagnoseReport {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	report := NewDiagnoseReport()
	report.System = CollectSystemInfo()

	suOK := checkSU(report, cfg.Privilege.SuPath)

	executor := opts.Executor
	if executor == nil && suOK {
		executor = privilege.NewSU(cfg.Privilege.SuPath)
	}
	checkRoot(ctx, report, executor, cfg)

	checkDaemon(report, cfg.Daemon.Path)
	checkCacheDir(report, cfg.Daemon.CacheDir)
	checkSocketPath(report, capture.NewPaths(cfg.Daemon.CacheDir).Socket)
	checkPackagesList(ctx, report, cfg.Apps.PackagesList)
	checkInterfaces(report, cfg.Daemon.Interface)
	report.AddCheck("selinux", StatusPass, "SELinux: "+report.System.SELinux)

	report.summarize()
	log.Info("环境诊断完成", "status", report.Status, "summary", report.Summary)
	return report
}

func checkSU(report *DiagnoseReport, suPath string) bool {
	path, err := exec.LookPath(suPath)
	if err != nil {
		report.AddCheckWithError("su", StatusFail, "找不到 su，设备可能未 root", err)
		return false
	}
	report.AddCheck("su", StatusPass, path)
	return true
}

func checkRoot(ctx context.Context, report *DiagnoseReport, executor capture.Executor, cfg *config.Config) {
	if executor == nil {
		report.AddCheck("root", StatusSkipped, "su 不可用，跳过 root 检查")
		return
	}
	checker := privilege.NewChecker(executor, cfg.Privilege.CheckTimeout)
	if checker.CheckAccess(ctx) {
		report.AddCheck("root", StatusPass, "已获得 root 权限")
		return
	}
	report.AddCheck("root", StatusFail,
		fmt.Sprintf("su -c id 失败或超时 (%v)，请在 root 管理器中授权", cfg.Privilege.CheckTimeout))
}

func checkDaemon(report *DiagnoseReport, path string) {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		report.AddCheckWithError("daemon", StatusFail, "找不到抓包守护进程 "+path, err)
	case info.IsDir():
		report.AddCheck("daemon", StatusFail, path+" 是目录")
	case info.Mode().Perm()&0o111 == 0:
		report.AddCheck("daemon", StatusFail, path+" 没有可执行权限")
	default:
		report.AddCheckWithDetails("daemon", StatusPass, path,
			map[string]any{"size": info.Size(), "mode": info.Mode().String()})
	}
}

func checkCacheDir(report *DiagnoseReport, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		report.AddCheckWithError("cache_dir", StatusFail, "无法创建缓存目录 "+dir, err)
		return
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		report.AddCheckWithError("cache_dir", StatusFail, "缓存目录不可写 "+dir, err)
		return
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	report.AddCheck("cache_dir", StatusPass, dir)
}

func checkSocketPath(report *DiagnoseReport, path string) {
	if len(path) >= maxSocketPath {
		report.AddCheck("socket_path", StatusFail,
			fmt.Sprintf("socket 路径过长 (%d 字节，上限 %d)，请缩短缓存目录", len(path), maxSocketPath-1))
		return
	}
	report.AddCheck("socket_path", StatusPass, path)
}

func checkPackagesList(ctx context.Context, report *DiagnoseReport, path string) {
	apps, err := appinfo.NewPackagesList(path).List(ctx)
	if err != nil {
		report.AddCheckWithError("packages_list", StatusWarning,
			"无法读取应用列表，应用将显示为 UID", err)
		return
	}
	report.AddCheckWithDetails("packages_list", StatusPass,
		fmt.Sprintf("%s (%d 个应用)", path, len(apps)), map[string]any{"apps": len(apps)})
}

func checkInterfaces(report *DiagnoseReport, arg string) {
	names, err := capture.DiscoverInterfaces(arg)
	if err != nil {
		report.AddCheckWithError("interfaces", StatusWarning, "无法枚举网卡", err)
		return
	}
	if len(names) == 0 {
		report.AddCheck("interfaces", StatusWarning, "没有发现已联网的网卡")
		return
	}
	report.AddCheckWithDetails("interfaces", StatusPass,
		strings.Join(names, ", "), map[string]any{"arg": arg, "count": len(names)})
}

// CollectSystemInfo 收集系统信息
func CollectSystemInfo() *SystemInfo {
	hostname, _ := os.Hostname()
	info := &SystemInfo{
		Kernel:   collectKernelVersion(),
		Arch:     runtime.GOARCH,
		Hostname: hostname,
		UID:      os.Getuid(),
		EUID:     os.Geteuid(),
		SELinux:  collectSELinux(),
	}

	if ifaces, err := capture.ListInterfaces(); err == nil {
		for _, iface := range ifaces {
			status := "DOWN"
			if iface.Up {
				status = "UP"
			}
			info.Interfaces = append(info.Interfaces, fmt.Sprintf("%s(%s)", iface.Name, status))
		}
	}
	return info
}

// KernelVersion 返回内核版本号，例如 5.15.0
func KernelVersion() string {
	parts := strings.Fields(collectKernelVersion())
	if len(parts) >= 3 {
		return parts[2]
	}
	return "unknown"
}

func collectKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func collectSELinux() string {
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return "未启用"
	}
	if strings.TrimSpace(string(data)) == "1" {
		return "enforcing"
	}
	return "permissive"
}
