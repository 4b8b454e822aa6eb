package appinfo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePackagesList = `com.android.chrome 10123 0 /data/user/0/com.android.chrome default:targetSdkVersion=34 3003
org.telegram.messenger 10200 0 /data/user/0/org.telegram.messenger default:targetSdkVersion=33 3003,3002
com.android.settings 1000 0 /data/user_de/0/com.android.settings platform:privapp none
broken-line
com.example.bad notanumber 0 /data
com.whatsapp 10050 0 /data/user/0/com.whatsapp default 3003
`

func writePackages(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packages.list")
	require.NoError(t, os.WriteFile(path, []byte(samplePackagesList), 0o644))
	return path
}

func TestPackagesListLookup(t *testing.T) {
	dir := NewPackagesList(writePackages(t))
	ctx := context.Background()

	info, err := dir.Lookup(ctx, 10123)
	require.NoError(t, err)
	assert.Equal(t, AppInfo{UID: 10123, Name: "Chrome", Package: "com.android.chrome"}, info)

	// 工作资料 (user 10) 折叠到同一个应用
	info, err = dir.Lookup(ctx, 1010123)
	require.NoError(t, err)
	assert.Equal(t, int32(1010123), info.UID)
	assert.Equal(t, "com.android.chrome", info.Package)

	info, err = dir.Lookup(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, "android", info.Package)
	assert.True(t, info.System)

	info, err = dir.Lookup(ctx, 1051)
	require.NoError(t, err)
	assert.Equal(t, "dns", info.Name)

	_, err = dir.Lookup(ctx, 10999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = dir.Lookup(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPackagesListMissingFile(t *testing.T) {
	dir := NewPackagesList(filepath.Join(t.TempDir(), "absent"))
	_, err := dir.List(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, DefaultPackagesList, NewPackagesList("").Path())
}

func TestLabelFromPackage(t *testing.T) {
	assert.Equal(t, "Messenger", labelFromPackage("org.telegram.messenger"))
	assert.Equal(t, "Android", labelFromPackage("android"))
	assert.Equal(t, "Foo.", labelFromPackage("foo."))
}

func TestSystemUID(t *testing.T) {
	assert.True(t, IsSystemUID(1000))
	assert.True(t, IsSystemUID(101000))
	assert.False(t, IsSystemUID(10123))
	assert.False(t, IsSystemUID(-1))
	assert.Equal(t, int32(10123), AppID(1010123))
}

func TestPlaceholder(t *testing.T) {
	p := Placeholder(42)
	assert.Equal(t, "UID: 42", p.Name)
	assert.Equal(t, "unknown.uid.42", p.Package)
	assert.True(t, p.NotFound)
}

// blockingDir 在 release 关闭前阻塞查询
type blockingDir struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	info    AppInfo
	err     error
	apps    []AppInfo
}

func newBlockingDir() *blockingDir {
	return &blockingDir{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (d *blockingDir) Lookup(ctx context.Context, uid int32) (AppInfo, error) {
	d.calls.Add(1)
	d.entered <- struct{}{}
	select {
	case <-d.release:
	case <-ctx.Done():
		return AppInfo{}, ctx.Err()
	}
	return d.info, d.err
}

func (d *blockingDir) List(context.Context) ([]AppInfo, error) {
	return d.apps, d.err
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	dir := newBlockingDir()
	dir.info = AppInfo{Name: "Answer", Package: "com.example.answer"}
	r := NewResolver(dir)

	var wg sync.WaitGroup
	results := make([]AppInfo, 5)
	resolve := func(i int) {
		defer wg.Done()
		info, err := r.Resolve(context.Background(), 42)
		assert.NoError(t, err)
		results[i] = info
	}

	wg.Add(1)
	go resolve(0)
	<-dir.entered

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go resolve(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(dir.release)
	wg.Wait()

	assert.Equal(t, int32(1), dir.calls.Load())
	assert.Equal(t, uint64(1), r.Lookups())
	for _, info := range results {
		assert.Equal(t, "com.example.answer", info.Package)
		assert.Equal(t, int32(42), info.UID)
	}

	// 之后全部命中缓存
	_, err := r.Resolve(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dir.calls.Load())
}

func TestResolveCachesNegativeResults(t *testing.T) {
	for name, lookupErr := range map[string]error{
		"not found": ErrNotFound,
		"io error":  errors.New("permission denied"),
	} {
		t.Run(name, func(t *testing.T) {
			dir := newBlockingDir()
			dir.err = lookupErr
			close(dir.release)
			r := NewResolver(dir)

			info, err := r.Resolve(context.Background(), 10999)
			require.NoError(t, err)
			assert.Equal(t, Placeholder(10999), info)

			info, err = r.Resolve(context.Background(), 10999)
			require.NoError(t, err)
			assert.True(t, info.NotFound)
			assert.Equal(t, int32(1), dir.calls.Load())
		})
	}
}

func TestResolveDoesNotCacheCancellation(t *testing.T) {
	dir := newBlockingDir()
	r := NewResolver(dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, 7)
		done <- err
	}()
	<-dir.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, ok := r.Cached(7)
	assert.False(t, ok)

	dir.info = AppInfo{Name: "Later"}
	close(dir.release)
	info, err := r.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Later", info.Name)
	assert.Equal(t, int32(2), dir.calls.Load())
}

func TestAppsSortedAndFiltered(t *testing.T) {
	r := NewResolver(NewPackagesList(writePackages(t)))

	apps, err := r.Apps(context.Background(), false)
	require.NoError(t, err)
	var names []string
	for _, a := range apps {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"Chrome", "Messenger", "Whatsapp"}, names)

	apps, err = r.Apps(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, apps, 4)
	assert.Equal(t, "com.android.settings", apps[2].Package)
}

func TestPreload(t *testing.T) {
	r := NewResolver(NewPackagesList(writePackages(t)))
	n, err := r.Preload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, r.Len())

	info, err := r.Resolve(context.Background(), 10200)
	require.NoError(t, err)
	assert.Equal(t, "org.telegram.messenger", info.Package)
	assert.Zero(t, r.Lookups())
}
