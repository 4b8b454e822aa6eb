// Package state 提供可观察的进程内共享状态。
//
// Value 的写入通过互斥锁串行化，读取无锁；订阅者只关心最新值，
// 中间状态可能被合并。
package state

import (
	"context"
	"sync"
	"sync/atomic"
)

// Value 可观察值
type Value[T any] struct {
	mu       sync.Mutex
	cur      atomic.Pointer[T]
	version  atomic.Uint64
	watchers map[*watcher]struct{}
}

type watcher struct {
	notify chan struct{}
}

// NewValue 创建初始值为 v 的可观察值
func NewValue[T any](v T) *Value[T] {
	val := &Value[T]{watchers: make(map[*watcher]struct{})}
	val.cur.Store(&v)
	return val
}

// Load 返回当前值
func (v *Value[T]) Load() T {
	return *v.cur.Load()
}

// currentVersion 每次写入递增
func (v *Value[T]) currentVersion() uint64 {
	return v.version.Load()
}

// Store 替换当前值并通知订阅者
func (v *Value[T]) Store(x T) {
	v.Update(func(T) T { return x })
}

// Update 基于最新值计算新值，整个读-改-写过程串行化，不会丢失并发更新
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	next := fn(*v.cur.Load())
	v.cur.Store(&next)
	v.version.Add(1)
	for w := range v.watchers {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	v.mu.Unlock()
	return next
}

// Watch 先发送当前值，之后每次变化发送最新值；ctx 取消后关闭通道。
// 慢消费者只会看到最新值，不会阻塞写入方。
func (v *Value[T]) Watch(ctx context.Context) <-chan T {
	w := &watcher{notify: make(chan struct{}, 1)}
	v.mu.Lock()
	v.watchers[w] = struct{}{}
	v.mu.Unlock()

	out := make(chan T)
	go func() {
		defer close(out)
		defer func() {
			v.mu.Lock()
			delete(v.watchers, w)
			v.mu.Unlock()
		}()

		for {
			select {
			case out <- v.Load():
			case <-ctx.Done():
				return
			}
			select {
			case <-w.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
