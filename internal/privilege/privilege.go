// Package privilege 通过 su 以 root 身份执行命令，并记录 root 授权状态。
package privilege

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/nickproject/uidscope/internal/capture"
	"github.com/nickproject/uidscope/internal/logger"
	"github.com/nickproject/uidscope/internal/state"
)

var log = logger.Named("privilege")

// 测试中替换
var commandContext = exec.CommandContext

// DefaultCheckTimeout 检查 root 权限的默认超时
const DefaultCheckTimeout = 5 * time.Second

// Status root 授权状态
type Status int32

const (
	StatusUnknown Status = iota
	StatusGranted
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// SU 使用 `su -c` 执行命令，只关心退出码
type SU struct {
	path string
}

// NewSU 创建执行器，path 为空时使用 PATH 中的 su
func NewSU(path string) *SU {
	if path == "" {
		path = "su"
	}
	return &SU{path: path}
}

// Path su 可执行文件
func (s *SU) Path() string {
	return s.path
}

// Execute 执行命令，退出码为 0 返回 true。ctx 取消时强制结束子进程。
func (s *SU) Execute(ctx context.Context, command string) bool {
	cmd := commandContext(ctx, s.path, "-c", command)
	// su 可能留下持有管道的子进程，限制等待时间
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			log.Warn("特权命令超时或被取消", "command", command, "error", ctx.Err())
		case errors.As(err, &exitErr):
			log.Debug("特权命令返回非零", "command", command, "code", exitErr.ExitCode(),
				"output", strings.TrimSpace(string(out)))
		default:
			log.Error("无法执行特权命令", "command", command, "error", err)
		}
		return false
	}
	return true
}

// Checker 检查并记录 root 授权状态
type Checker struct {
	exec    capture.Executor
	timeout time.Duration
	status  *state.Value[Status]
}

// NewChecker 创建检查器
func NewChecker(exec capture.Executor, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Checker{
		exec:    exec,
		timeout: timeout,
		status:  state.NewValue(StatusUnknown),
	}
}

// CheckAccess 执行 `id` 确认 root 权限，超时视为拒绝
func (c *Checker) CheckAccess(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	granted := c.exec.Execute(ctx, "id")
	log.Debug("root 权限检查完成", "granted", granted, "elapsed", time.Since(start))

	next := StatusDenied
	if granted {
		next = StatusGranted
	}
	if prev := c.status.Load(); prev != next {
		log.Info("root 授权状态变化", "from", prev, "to", next)
	}
	c.status.Store(next)
	return granted
}

// Status 当前状态
func (c *Checker) Status() Status {
	return c.status.Load()
}

// Granted 实现 capture.PrivilegeSource
func (c *Checker) Granted() bool {
	return c.Status() == StatusGranted
}

// Watch 订阅授权状态
func (c *Checker) Watch(ctx context.Context) <-chan Status {
	return c.status.Watch(ctx)
}
