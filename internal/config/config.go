package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 应用配置
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Privilege PrivilegeConfig `mapstructure:"privilege"`
	Bus       BusConfig       `mapstructure:"bus"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Apps      AppsConfig      `mapstructure:"apps"`
	Display   DisplayConfig   `mapstructure:"display"`
	Logging   LogConfig       `mapstructure:"logging"`
	Output    OutputConfig    `mapstructure:"output"`
}

// DaemonConfig 抓包守护进程配置
type DaemonConfig struct {
	Path        string        `mapstructure:"path"`      // pcapd 可执行文件
	CacheDir    string        `mapstructure:"cache_dir"` // socket/pid/log 所在目录
	Interface   string        `mapstructure:"interface"` // -i 参数，@inet 表示所有联网网卡
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

// PrivilegeConfig 提权配置
type PrivilegeConfig struct {
	SuPath       string        `mapstructure:"su_path"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// AggregateConfig 聚合配置
type AggregateConfig struct {
	WindowSize int `mapstructure:"window_size"` // 包大小滑动窗口容量
}

// AppsConfig 应用信息配置
type AppsConfig struct {
	PackagesList  string   `mapstructure:"packages_list"`
	IncludeSystem bool     `mapstructure:"include_system"`
	Include       []string `mapstructure:"include"`
	Exclude       []string `mapstructure:"exclude"`
}

// DisplayConfig 显示配置
type DisplayConfig struct {
	Refresh time.Duration `mapstructure:"refresh"`
	MaxRows int           `mapstructure:"max_rows"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Duration time.Duration `mapstructure:"duration"`
	File     string        `mapstructure:"file"`
	Format   string        `mapstructure:"format"`
	NoTUI    bool          `mapstructure:"no_tui"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Path:        "/data/local/tmp/libpcapd.so",
			CacheDir:    filepath.Join(os.TempDir(), "uidscope"),
			Interface:   "@inet",
			SettleDelay: 1500 * time.Millisecond,
			KillGrace:   300 * time.Millisecond,
		},
		Privilege: PrivilegeConfig{
			SuPath:       "su",
			CheckTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			Capacity: 512,
		},
		Aggregate: AggregateConfig{
			WindowSize: 10000,
		},
		Apps: AppsConfig{
			PackagesList:  "/data/system/packages.list",
			IncludeSystem: false,
		},
		Display: DisplayConfig{
			Refresh: time.Second,
			MaxRows: 50,
		},
		Logging: LogConfig{
			Level:     "warn",
			File:      filepath.Join(os.TempDir(), "uidscope", "uidscope.log"),
			MaxSizeMB: 10,
			MaxFiles:  3,
		},
		Output: OutputConfig{
			Duration: 0, // 0 表示持续运行
			Format:   "json",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Daemon.Path == "" {
		errs = append(errs, errors.New("daemon.path 不能为空"))
	}
	if c.Daemon.CacheDir == "" {
		errs = append(errs, errors.New("daemon.cache_dir 不能为空"))
	}
	if c.Daemon.SettleDelay < 0 || c.Daemon.KillGrace < 0 {
		errs = append(errs, errors.New("daemon 延迟不能为负数"))
	}
	if c.Privilege.CheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("privilege.check_timeout 必须为正: %v", c.Privilege.CheckTimeout))
	}
	if c.Bus.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("bus.capacity 必须为正: %d", c.Bus.Capacity))
	}
	if c.Aggregate.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("aggregate.window_size 必须为正: %d", c.Aggregate.WindowSize))
	}
	if c.Display.Refresh <= 0 {
		errs = append(errs, fmt.Errorf("display.refresh 必须为正: %v", c.Display.Refresh))
	}
	return errors.Join(errs...)
}
