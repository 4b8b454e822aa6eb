package bridge

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nickproject/uidscope/internal/capture"
	"github.com/nickproject/uidscope/internal/logger"
)

var log = logger.Named("bridge")

var (
	// ErrListening 已经在监听
	ErrListening = errors.New("已在监听")
	// ErrClosed 监听端已释放
	ErrClosed = errors.New("监听端已关闭")
)

// Handler 每解码一个包头调用一次，必须立即返回
type Handler func(capture.PacketHeaderEvent)

// Listener 在 unix socket 上等待守护进程连接并解码其输出
type Listener struct {
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	conn   net.Conn
	path   string
	closed bool
	wg     sync.WaitGroup

	received     atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewListener 创建监听端
func NewListener(h Handler) *Listener {
	return &Listener{handler: h}
}

// Received 已解码的记录数
func (l *Listener) Received() uint64 {
	return l.received.Load()
}

// DecodeErrors 被跳过的记录数
func (l *Listener) DecodeErrors() uint64 {
	return l.decodeErrors.Load()
}

// StartListener 在 path 上监听，已存在的旧 socket 文件会被删除
func (l *Listener) StartListener(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.ln != nil {
		return ErrListening
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}

	l.ln = ln
	l.path = path
	l.wg.Add(1)
	go l.serve(ln)

	log.Info("开始监听", "socket", path)
	return nil
}

// StopListener 关闭监听和当前连接，等待读取协程退出
func (l *Listener) StopListener() {
	l.mu.Lock()
	ln, conn := l.ln, l.conn
	l.ln, l.conn = nil, nil
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	l.wg.Wait()

	if ln != nil {
		log.Info("停止监听", "socket", l.path, "received", l.Received(), "decode_errors", l.DecodeErrors())
	}
}

// Close 释放资源，之后不能再启动
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.StopListener()
	return nil
}

func (l *Listener) serve(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn("接受连接失败", "error", err)
			}
			return
		}

		l.mu.Lock()
		if l.ln != ln {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.conn = conn
		l.mu.Unlock()

		log.Info("守护进程已连接")
		l.read(conn)

		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		_ = conn.Close()
	}
}

func (l *Listener) read(conn net.Conn) {
	dec := NewDecoder(conn)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, ErrDecode) {
				l.decodeErrors.Add(1)
				log.Debug("跳过无效记录", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info("守护进程连接已断开")
			} else {
				log.Warn("读取守护进程输出失败", "error", err)
			}
			return
		}
		l.received.Add(1)
		l.handler(ev)
	}
}
