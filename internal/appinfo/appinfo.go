// Package appinfo 将 UID 解析为应用信息，并缓存结果。
package appinfo

import (
	"context"
	"errors"
	"fmt"
)

// 系统 UID 上限和多用户偏移，与 Android 一致
const (
	FirstApplicationUID = 10000
	PerUserRange        = 100000
)

// ErrNotFound UID 没有对应的应用
var ErrNotFound = errors.New("未找到 UID 对应的应用")

// AppInfo 应用信息
type AppInfo struct {
	UID      int32  `json:"uid"`
	Name     string `json:"name"`
	Package  string `json:"package"`
	Icon     string `json:"icon,omitempty"` // 图标资源句柄，可能为空
	System   bool   `json:"system"`
	NotFound bool   `json:"not_found,omitempty"`
}

// Placeholder 查询不到时缓存的占位信息
func Placeholder(uid int32) AppInfo {
	return AppInfo{
		UID:      uid,
		Name:     fmt.Sprintf("UID: %d", uid),
		Package:  fmt.Sprintf("unknown.uid.%d", uid),
		System:   IsSystemUID(uid),
		NotFound: true,
	}
}

// AppID 去掉多用户偏移后的 UID
func AppID(uid int32) int32 {
	if uid < 0 {
		return uid
	}
	return uid % PerUserRange
}

// IsSystemUID 是否为系统 UID
func IsSystemUID(uid int32) bool {
	id := AppID(uid)
	return id >= 0 && id < FirstApplicationUID
}

// Directory 应用目录服务
type Directory interface {
	// Lookup 查询 UID 对应的应用，不存在时返回 ErrNotFound
	Lookup(ctx context.Context, uid int32) (AppInfo, error)
	// List 列出全部已安装应用
	List(ctx context.Context) ([]AppInfo, error)
}
