// 配置文件变更监听器实现。
//
// 轮询文件的修改时间与内容摘要，去抖后触发回调。
package config

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher 监听配置文件变更
type FileWatcher struct {
	mu sync.RWMutex

	// 配置
	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	// 状态
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// 回调
	callbacks []func(event FileEvent)

	logger *zap.Logger

	// 每个文件最近一次观察到的状态
	states map[string]fileState
}

type fileState struct {
	modTime time.Time
	size    int64
	sum     uint64
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件被创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件内容被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String 返回操作名称
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置去抖延迟
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWatcherLogger 设置日志记录器
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher 创建文件监听器，路径会被解析为绝对路径
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		states:        make(map[string]fileState),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
			}
			w.logger.Warn("config file does not exist, will watch for creation", zap.String("path", abs))
		}
		if !slices.Contains(w.paths, abs) {
			w.paths = append(w.paths, abs)
		}
	}
	return w, nil
}

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听，ctx 结束或调用 Stop 后停止
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, p := range w.paths {
		if st, ok := readFileState(p); ok {
			w.states[p] = st
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop 停止监听并等待后台 goroutine 退出
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

// loop 轮询文件并在去抖窗口结束后分发事件。
// 同一路径在窗口内的多个事件只保留最后一个。
func (w *FileWatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events := w.checkFiles()
			if len(events) == 0 {
				continue
			}
			for _, e := range events {
				pending[e.Path] = e
			}
			debounce = time.After(w.debounceDelay)
		case <-debounce:
			debounce = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

func (w *FileWatcher) dispatch(events map[string]FileEvent) {
	w.mu.RLock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.RUnlock()

	for _, evt := range events {
		w.logger.Debug("dispatching file event",
			zap.String("path", evt.Path),
			zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}

// checkFiles 比较所有路径的当前状态与上次记录
func (w *FileWatcher) checkFiles() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	now := time.Now()
	for _, p := range w.paths {
		st, ok := readFileState(p)
		prev, seen := w.states[p]
		switch {
		case !ok && seen:
			delete(w.states, p)
			events = append(events, FileEvent{Path: p, Op: FileOpRemove, Timestamp: now})
		case ok && !seen:
			w.states[p] = st
			events = append(events, FileEvent{Path: p, Op: FileOpCreate, Timestamp: now})
		case ok && st != prev:
			w.states[p] = st
			events = append(events, FileEvent{Path: p, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

func readFileState(path string) (fileState, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, false
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fileState{modTime: info.ModTime(), size: info.Size(), sum: h.Sum64()}, true
}

// AddPath 添加监听路径
func (w *FileWatcher) AddPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.paths, abs) {
		return nil
	}
	w.paths = append(w.paths, abs)
	if st, ok := readFileState(abs); ok {
		w.states[abs] = st
	}
	w.logger.Info("added path to watcher", zap.String("path", abs))
	return nil
}

// RemovePath 移除监听路径
func (w *FileWatcher) RemovePath(path string) error {
	abs, _ := filepath.Abs(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	i := slices.Index(w.paths, abs)
	if i < 0 {
		return fmt.Errorf("path not found: %s", path)
	}
	w.paths = slices.Delete(w.paths, i, i+1)
	delete(w.states, abs)
	w.logger.Info("removed path from watcher", zap.String("path", abs))
	return nil
}

// Paths 返回监听路径列表
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.paths)
}

// IsRunning 报告监听器是否在运行
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
