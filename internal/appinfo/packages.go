package appinfo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultPackagesList Android 记录包名与 UID 对应关系的文件
const DefaultPackagesList = "/data/system/packages.list"

// 常见系统 AID，packages.list 中没有这些条目
var wellKnownAIDs = map[int32]AppInfo{
	0:    {Name: "root", Package: "system.root"},
	1000: {Name: "Android 系统", Package: "android"},
	1001: {Name: "radio", Package: "system.radio"},
	1002: {Name: "bluetooth", Package: "system.bluetooth"},
	1010: {Name: "wifi", Package: "system.wifi"},
	1013: {Name: "media", Package: "system.media"},
	1021: {Name: "gps", Package: "system.gps"},
	1051: {Name: "dns", Package: "system.dns"},
	1073: {Name: "network_stack", Package: "com.android.networkstack"},
	2000: {Name: "shell", Package: "com.android.shell"},
	9999: {Name: "nobody", Package: "system.nobody"},
}

// PackagesList 基于 packages.list 的目录实现。
// 每行格式: <package> <uid> <debuggable> <dataDir> <seinfo> <gids>
type PackagesList struct {
	path string
}

// NewPackagesList 创建目录，path 为空时使用默认路径
func NewPackagesList(path string) *PackagesList {
	if path == "" {
		path = DefaultPackagesList
	}
	return &PackagesList{path: path}
}

// Path 文件路径
func (p *PackagesList) Path() string {
	return p.path
}

// Lookup 实现 Directory。共享 UID 的多个包取第一个。
func (p *PackagesList) Lookup(ctx context.Context, uid int32) (AppInfo, error) {
	if uid < 0 {
		return AppInfo{}, ErrNotFound
	}
	id := AppID(uid)
	if info, ok := wellKnownAIDs[id]; ok {
		info.UID = uid
		info.System = true
		return info, nil
	}

	apps, err := p.read(ctx)
	if err != nil {
		return AppInfo{}, err
	}
	for _, app := range apps {
		if app.UID == id {
			app.UID = uid
			return app, nil
		}
	}
	return AppInfo{}, ErrNotFound
}

// List 实现 Directory
func (p *PackagesList) List(ctx context.Context) ([]AppInfo, error) {
	return p.read(ctx)
}

func (p *PackagesList) read(ctx context.Context) ([]AppInfo, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("打开 %s 失败: %w", p.path, err)
	}
	defer f.Close()

	var apps []AppInfo
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if line%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		app, ok := parsePackagesLine(scanner.Text())
		if !ok {
			continue
		}
		apps = append(apps, app)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", p.path, err)
	}
	return apps, nil
}

func parsePackagesLine(line string) (AppInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return AppInfo{}, false
	}
	uid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil || uid < 0 {
		return AppInfo{}, false
	}
	return AppInfo{
		UID:     int32(uid),
		Name:    labelFromPackage(fields[0]),
		Package: fields[0],
		System:  IsSystemUID(int32(uid)),
	}, true
}

// labelFromPackage packages.list 没有应用名，取包名最后一段并首字母大写
func labelFromPackage(pkg string) string {
	name := pkg
	if i := strings.LastIndexByte(pkg, '.'); i >= 0 && i < len(pkg)-1 {
		name = pkg[i+1:]
	}
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return pkg
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
