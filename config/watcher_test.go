package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []FileEvent
}

func (r *eventRecorder) record(e FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FileEvent(nil), r.events...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fastWatcher(t *testing.T, paths ...string) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(paths,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond),
		WithWatcherLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	return w
}

// --- 构造 ---

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	writeFile(t, f, "key: val")

	w, err := NewFileWatcher([]string{f, f})
	require.NoError(t, err)
	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_MissingPath(t *testing.T) {
	w, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "absent.yaml")})
	require.NoError(t, err)
	assert.Len(t, w.Paths(), 1)
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}

// --- 路径管理 ---

func TestFileWatcher_AddRemovePath(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml")
	writeFile(t, a, "a")
	writeFile(t, b, "b")

	w, err := NewFileWatcher([]string{a})
	require.NoError(t, err)

	require.NoError(t, w.AddPath(b))
	require.NoError(t, w.AddPath(b))
	assert.Equal(t, []string{a, b}, w.Paths())

	require.NoError(t, w.RemovePath(a))
	assert.Equal(t, []string{b}, w.Paths())
	assert.Error(t, w.RemovePath(a))
}

// --- 生命周期 ---

func TestFileWatcher_Lifecycle(t *testing.T) {
	f := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, f, "a: 1")

	w := fastWatcher(t, f)
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())

	// 停止后可以再次启动
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	f := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, f, "a: 1")

	w := fastWatcher(t, f)
	rec := &eventRecorder{}
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "a: 22")

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	evt := rec.snapshot()[0]
	assert.Equal(t, f, evt.Path)
	assert.Equal(t, FileOpWrite, evt.Op)
}

func TestFileWatcher_DetectsCreateAndRemove(t *testing.T) {
	f := filepath.Join(t.TempDir(), "late.yaml")

	w := fastWatcher(t, f)
	rec := &eventRecorder{}
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "a: 1")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, FileOpCreate, rec.snapshot()[0].Op)

	require.NoError(t, os.Remove(f))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, FileOpRemove, rec.snapshot()[1].Op)
}

func TestFileWatcher_DebounceCoalesces(t *testing.T) {
	f := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, f, "v: 0")

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(5*time.Millisecond),
		WithDebounceDelay(300*time.Millisecond),
	)
	require.NoError(t, err)
	rec := &eventRecorder{}
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "v: 1")
	time.Sleep(30 * time.Millisecond)
	writeFile(t, f, "v: 22")

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestFileWatcher_ContextCancelStopsLoop(t *testing.T) {
	f := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, f, "a: 1")

	w := fastWatcher(t, f)
	rec := &eventRecorder{}
	w.OnChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	time.Sleep(50 * time.Millisecond)

	writeFile(t, f, "a: 2")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	require.NoError(t, w.Stop())
}
