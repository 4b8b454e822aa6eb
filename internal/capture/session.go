package capture

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 缓存目录下的固定文件名
const (
	SocketFile = "pcapsock"
	PIDFile    = "pcapd.pid"
	LogFile    = "pcapd.log"
)

// Paths 会话相关文件路径
type Paths struct {
	CacheDir string
	Socket   string
	PID      string
	Log      string
}

// NewPaths 根据缓存目录生成路径
func NewPaths(cacheDir string) Paths {
	return Paths{
		CacheDir: cacheDir,
		Socket:   filepath.Join(cacheDir, SocketFile),
		PID:      filepath.Join(cacheDir, PIDFile),
		Log:      filepath.Join(cacheDir, LogFile),
	}
}

// removeRuntimeFiles 删除 socket 和 pid 文件，忽略不存在的情况
func (p Paths) removeRuntimeFiles() {
	for _, f := range []string{p.Socket, p.PID} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.Debug("删除文件失败", "file", f, "error", err)
		}
	}
}

// Session 一次抓包会话
type Session struct {
	ID        string
	PID       int // 0 表示未知
	Paths     Paths
	StartedAt time.Time
}

func newSession(paths Paths) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Paths:     paths,
		StartedAt: time.Now(),
	}
}

// ReadPID 读取守护进程写入的 PID，无效时返回 0
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, strconv.ErrRange
	}
	return pid, nil
}
