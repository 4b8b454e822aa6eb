package appinfo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/nickproject/uidscope/internal/logger"
)

var log = logger.Named("appinfo")

// Resolver 带缓存的 UID 解析器。
// 命中结果和未找到的占位都会永久缓存，同一 UID 同时只有一次目录查询。
type Resolver struct {
	dir   Directory
	group singleflight.Group

	mu    sync.RWMutex
	cache map[int32]AppInfo

	lookups atomic.Uint64
}

// NewResolver 创建解析器
func NewResolver(dir Directory) *Resolver {
	return &Resolver{
		dir:   dir,
		cache: make(map[int32]AppInfo),
	}
}

// Lookups 累计目录查询次数
func (r *Resolver) Lookups() uint64 {
	return r.lookups.Load()
}

// Cached 只读缓存
func (r *Resolver) Cached(uid int32) (AppInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.cache[uid]
	return info, ok
}

// Len 缓存条目数
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) store(uid int32, info AppInfo) {
	r.mu.Lock()
	if _, ok := r.cache[uid]; !ok {
		r.cache[uid] = info
	}
	r.mu.Unlock()
}

// Resolve 返回 UID 对应的应用信息。
// 只有 ctx 取消时返回错误，这种情况不会写入缓存。
func (r *Resolver) Resolve(ctx context.Context, uid int32) (AppInfo, error) {
	if info, ok := r.Cached(uid); ok {
		return info, nil
	}

	v, err, shared := r.group.Do(strconv.FormatInt(int64(uid), 10), func() (any, error) {
		// 上一次查询可能刚写入缓存
		if info, ok := r.Cached(uid); ok {
			return info, nil
		}

		r.lookups.Add(1)
		info, err := r.dir.Lookup(ctx, uid)
		switch {
		case err == nil:
			info.UID = uid
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case errors.Is(err, ErrNotFound):
			log.Debug("UID 无对应应用", "uid", uid)
			info = Placeholder(uid)
		default:
			log.Warn("查询应用信息失败，按未找到处理", "uid", uid, "error", err)
			info = Placeholder(uid)
		}
		r.store(uid, info)
		return info, nil
	})
	if err != nil {
		return AppInfo{}, err
	}
	if shared {
		log.Debug("合并并发查询", "uid", uid)
	}
	return v.(AppInfo), nil
}

// Preload 用完整应用列表预热缓存
func (r *Resolver) Preload(ctx context.Context) (int, error) {
	apps, err := r.dir.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, app := range apps {
		r.store(app.UID, app)
	}
	log.Info("应用信息已预加载", "count", len(apps))
	return len(apps), nil
}

// Apps 返回应用列表，按名称（不区分大小写）排序
func (r *Resolver) Apps(ctx context.Context, includeSystem bool) ([]AppInfo, error) {
	all, err := r.dir.List(ctx)
	if err != nil {
		return nil, err
	}

	apps := make([]AppInfo, 0, len(all))
	for _, app := range all {
		if app.System && !includeSystem {
			continue
		}
		apps = append(apps, app)
	}

	sort.SliceStable(apps, func(i, j int) bool {
		a, b := strings.ToLower(apps[i].Name), strings.ToLower(apps[j].Name)
		if a != b {
			return a < b
		}
		return apps[i].Package < apps[j].Package
	})
	return apps, nil
}
