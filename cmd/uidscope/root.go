package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nickproject/uidscope/internal/aggregator"
	"github.com/nickproject/uidscope/internal/capture"
	"github.com/nickproject/uidscope/internal/config"
	"github.com/nickproject/uidscope/internal/diagnose"
	"github.com/nickproject/uidscope/internal/export"
	"github.com/nickproject/uidscope/internal/logger"
	"github.com/nickproject/uidscope/internal/monitor"
	"github.com/nickproject/uidscope/internal/tui"
)

var (
	cfgFile      string
	cfg          *config.Config
	runDiagnose  bool
	diagnoseJSON bool
	listApps     bool
)

var rootCmd = &cobra.Command{
	Use:   "uidscope",
	Short: "按应用 (UID) 统计流量的抓包监控工具",
	Long: `uidscope 通过 su 启动特权抓包守护进程，从 unix socket 接收包头，
按应用 UID 实时统计上下行流量和包大小分布，并通过 TUI 展示。

其他模式:
  --diagnose     检查运行环境（su、root 权限、守护进程、缓存目录、网卡等）
  --list-apps    列出已安装应用及其 UID`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMain,
}

func init() {
	cobra.OnInitialize(initConfig)

	// 基础选项
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")
	rootCmd.Flags().String("daemon", "", "抓包守护进程路径")
	rootCmd.Flags().String("cache-dir", "", "socket/pid/日志所在目录")
	rootCmd.Flags().StringP("interface", "i", "", "抓包网卡 (@inet 表示所有联网网卡，多个用逗号分隔)")
	rootCmd.Flags().String("su", "", "su 路径")
	rootCmd.Flags().DurationP("refresh", "r", time.Second, "刷新间隔")
	rootCmd.Flags().Int("window", 0, "每个应用保留的包大小样本数")

	// 过滤选项
	rootCmd.Flags().StringSlice("include", nil, "应用白名单，匹配应用名、包名或 UID (支持通配符)")
	rootCmd.Flags().StringSlice("exclude", nil, "应用黑名单")
	rootCmd.Flags().Bool("include-system", false, "--list-apps 时包含系统应用")

	// 输出选项
	rootCmd.Flags().DurationP("duration", "d", 0, "运行时长后退出")
	rootCmd.Flags().StringP("output", "o", "", "导出文件路径")
	rootCmd.Flags().String("format", "json", "导出格式 (json|csv)")
	rootCmd.Flags().Bool("no-tui", false, "禁用 TUI")

	// 日志选项
	rootCmd.Flags().String("log-file", "", "日志文件路径")
	rootCmd.Flags().String("log-level", "warn", "日志级别 (debug|info|warn|error)")

	// 其他模式
	rootCmd.Flags().BoolVar(&runDiagnose, "diagnose", false, "运行环境诊断")
	rootCmd.Flags().BoolVar(&diagnoseJSON, "json", false, "诊断结果以 JSON 输出")
	rootCmd.Flags().BoolVar(&listApps, "list-apps", false, "列出已安装应用")

	// 绑定到 viper
	viper.BindPFlag("daemon.path", rootCmd.Flags().Lookup("daemon"))
	viper.BindPFlag("daemon.cache_dir", rootCmd.Flags().Lookup("cache-dir"))
	viper.BindPFlag("daemon.interface", rootCmd.Flags().Lookup("interface"))
	viper.BindPFlag("privilege.su_path", rootCmd.Flags().Lookup("su"))
	viper.BindPFlag("display.refresh", rootCmd.Flags().Lookup("refresh"))
	viper.BindPFlag("aggregate.window_size", rootCmd.Flags().Lookup("window"))
	viper.BindPFlag("apps.include", rootCmd.Flags().Lookup("include"))
	viper.BindPFlag("apps.exclude", rootCmd.Flags().Lookup("exclude"))
	viper.BindPFlag("apps.include_system", rootCmd.Flags().Lookup("include-system"))
	viper.BindPFlag("output.duration", rootCmd.Flags().Lookup("duration"))
	viper.BindPFlag("output.file", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("output.format", rootCmd.Flags().Lookup("format"))
	viper.BindPFlag("output.no_tui", rootCmd.Flags().Lookup("no-tui"))
	viper.BindPFlag("logging.file", rootCmd.Flags().Lookup("log-file"))
	viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
}

func initConfig() {
	cfg = config.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.config/uidscope")
		}
		viper.AddConfigPath("/data/local/tmp/uidscope")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("UIDSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "读取配置文件错误: %v\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "解析配置错误: %v\n", err)
		os.Exit(1)
	}
	applyFlagDefaults(cfg)
}

// applyFlagDefaults 未设置的字符串/数值参数会把零值写进配置，这里恢复默认值
func applyFlagDefaults(c *config.Config) {
	def := config.Default()
	if c.Daemon.Path == "" {
		c.Daemon.Path = def.Daemon.Path
	}
	if c.Daemon.CacheDir == "" {
		c.Daemon.CacheDir = def.Daemon.CacheDir
	}
	if c.Daemon.Interface == "" {
		c.Daemon.Interface = def.Daemon.Interface
	}
	if c.Privilege.SuPath == "" {
		c.Privilege.SuPath = def.Privilege.SuPath
	}
	if c.Aggregate.WindowSize <= 0 {
		c.Aggregate.WindowSize = def.Aggregate.WindowSize
	}
	if c.Logging.File == "" {
		c.Logging.File = def.Logging.File
	}
}

// runMain 主入口，根据参数决定运行模式
func runMain(cmd *cobra.Command, args []string) error {
	if err := initLogger(); err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	switch {
	case runDiagnose:
		return runDiagnoseMode()
	case listApps:
		return runListApps()
	}
	return runMonitor()
}

func initLogger() error {
	logCfg := logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		ToStderr:  cfg.Output.NoTUI,
	}
	if err := logger.Init(logCfg); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	return nil
}

// signalContext 收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("收到退出信号")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// runDiagnoseMode 运行环境诊断
func runDiagnoseMode() error {
	ctx, cancel := signalContext()
	defer cancel()

	report := diagnose.Run(ctx, diagnose.Options{Config: cfg})
	var err error
	if diagnoseJSON {
		err = report.OutputJSON(os.Stdout)
	} else {
		err = report.OutputText(os.Stdout)
	}
	if err != nil {
		return err
	}
	if report.Status == diagnose.StatusFail {
		return fmt.Errorf("运行环境检查未通过")
	}
	return nil
}

// runListApps 打印已安装应用，按名称排序
func runListApps() error {
	ctx, cancel := signalContext()
	defer cancel()

	mon := monitor.New(cfg, monitor.Deps{})
	defer mon.Close()

	apps, err := mon.Apps(ctx, cfg.Apps.IncludeSystem)
	if err != nil {
		return fmt.Errorf("读取应用列表失败: %w", err)
	}
	for _, app := range apps {
		sys := ""
		if app.System {
			sys = " [system]"
		}
		fmt.Printf("%7d  %s  %s%s\n", app.UID, tui.PadRight(tui.TruncateString(app.Name, 24), 24), app.Package, sys)
	}
	fmt.Printf("\n共 %d 个应用\n", len(apps))
	return nil
}

func runMonitor() error {
	format, err := export.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	// 如果设置了 duration，添加超时
	if cfg.Output.Duration > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, cfg.Output.Duration)
		defer timeoutCancel()
	}

	mon := monitor.New(cfg, monitor.Deps{})
	defer mon.Close()

	if !mon.CheckAccess(ctx) {
		return fmt.Errorf("未获得 root 权限，请确认设备已 root 并在 root 管理器中授权 %s", cfg.Privilege.SuPath)
	}

	startTime := time.Now()
	if err := mon.StartCapture(ctx); err != nil {
		return fmt.Errorf("启动抓包失败: %w", err)
	}
	var sessionID string
	if sess := mon.Status().Session; sess != nil {
		sessionID = sess.ID
		startTime = sess.StartedAt
	}

	entriesChan := make(chan []aggregator.TrafficEntry, 10)
	go func() {
		mon.Publish(ctx, cfg.Display.Refresh, aggregator.SortByRate, entriesChan)
		close(entriesChan)
	}()

	if cfg.Output.NoTUI {
		runHeadless(ctx, mon, entriesChan)
	} else {
		hostname, _ := os.Hostname()
		ifaces, _ := capture.DiscoverInterfaces(cfg.Daemon.Interface)
		tuiCfg := tui.Config{
			Hostname:      hostname,
			KernelVersion: diagnose.KernelVersion(),
			Interfaces:    ifaces,
			SessionID:     sessionID,
			MaxRows:       cfg.Display.MaxRows,
			Stats: func(uid int32) *aggregator.SessionTrafficStats {
				return mon.Snapshot()[uid]
			},
		}
		if err := tui.Run(tuiCfg, entriesChan); err != nil {
			cancel()
			mon.StopCapture(context.Background())
			return fmt.Errorf("TUI 错误: %w", err)
		}
	}
	cancel()

	// 停止后统计保留，用于导出
	mon.StopCapture(context.Background())
	status := mon.Status()
	logger.Info("抓包结束",
		"received", status.Received, "skipped", status.Skipped,
		"processed", status.Processed, "daemon_drops", status.DaemonDrops, "apps", status.Apps,
		"lookups", status.Lookups, "cached_apps", status.CachedApps)

	if cfg.Output.File == "" {
		return nil
	}
	report := export.NewReport(sessionID, startTime, mon.Overall(), mon.Entries())
	report.DaemonDrops = status.DaemonDrops
	if err := export.Export(report, cfg.Output.File, format); err != nil {
		return fmt.Errorf("导出失败: %w", err)
	}
	logger.Info("数据已导出", "file", cfg.Output.File)
	return nil
}

// runHeadless 非 TUI 模式：消费刷新数据直到超时或退出，周期性记录前几名
func runHeadless(ctx context.Context, mon *monitor.Monitor, entriesChan <-chan []aggregator.TrafficEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entries, ok := <-entriesChan:
			if !ok {
				return
			}
			for i, e := range entries {
				if i >= 5 {
					break
				}
				logger.Debug("流量排行", "rank", i+1, "uid", e.UID, "app", e.Name,
					"up_rate", e.UplinkRate, "down_rate", e.DownlinkRate, "total", e.TotalBytes)
			}
			logger.Debug("监控状态", "apps", len(entries), "published", mon.Status().Published)
		}
	}
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}
