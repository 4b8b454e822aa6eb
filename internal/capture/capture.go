package capture

import (
	"context"
	"errors"
)

// Executor 以特权身份执行命令行，只返回成功与否
type Executor interface {
	Execute(ctx context.Context, command string) bool
}

// Bridge 接收守护进程输出并解码为事件的监听端
type Bridge interface {
	// StartListener 在 path 上开始监听守护进程连接
	StartListener(path string) error
	// StopListener 停止监听并等待读取协程退出，可重复调用
	StopListener()
	// Close 释放全部资源，之后不可再启动
	Close() error
}

// PrivilegeSource 记录当前是否已获得特权
type PrivilegeSource interface {
	Granted() bool
}

// State 抓包会话状态
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var (
	// ErrPrivilegeDenied 未获得 root 权限
	ErrPrivilegeDenied = errors.New("未获得 root 权限")
	// ErrListenerStartFailed 事件监听启动失败
	ErrListenerStartFailed = errors.New("事件监听启动失败")
	// ErrDaemonLaunchFailed 守护进程启动失败
	ErrDaemonLaunchFailed = errors.New("守护进程启动失败")
	// ErrProcessNotResponding 无法确认或终止守护进程
	ErrProcessNotResponding = errors.New("守护进程无响应")
	// ErrSessionBusy 正在启动或停止
	ErrSessionBusy = errors.New("抓包会话正在切换状态")
	// ErrClosed 控制器已清理
	ErrClosed = errors.New("抓包控制器已关闭")
)
