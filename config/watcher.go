// 配置文件变更监听。
//
// fsnotify 监听文件所在目录（编辑器常用 rename 覆盖保存），另有低频 stat
// 轮询兜底。触发后防抖，再比对内容摘要：仅 touch 不改内容时不产生事件。
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileOp 文件变化类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

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

// FileEvent 一次（防抖后的）文件变化
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Checksum  string    `json:"checksum,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// statSig 一次 stat 的结果；exists 为 false 表示文件不存在
type statSig struct {
	exists  bool
	modTime time.Time
	size    int64
}

func (s statSig) same(o statSig) bool {
	return s.exists == o.exists && s.size == o.size && s.modTime.Equal(o.modTime)
}

func statFile(path string) (statSig, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return statSig{}, nil
	}
	if err != nil {
		return statSig{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return statSig{exists: true, modTime: info.ModTime(), size: info.Size()}, nil
}

// fileState 上一次确认过的文件状态
type fileState struct {
	statSig
	sum string
}

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置防抖时间
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounce = d }
}

// WithPollInterval 设置兜底轮询间隔，负数关闭轮询
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// FileWatcher 监听一个配置文件
type FileWatcher struct {
	path     string
	debounce time.Duration
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	state    fileState
	onChange func(FileEvent)
	stop     chan struct{}
	done     chan struct{}
}

// NewFileWatcher 创建监听器。文件不存在时仍然可以创建，出现后产生 CREATE 事件。
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	w := &FileWatcher{
		path:     abs,
		debounce: 100 * time.Millisecond,
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := readState(abs)
	if err != nil {
		return nil, err
	}
	if !st.exists {
		w.logger.Warn("config file does not exist yet", zap.String("path", abs))
	}
	w.state = st
	return w, nil
}

// Path 返回被监听文件的绝对路径
func (w *FileWatcher) Path() string { return w.path }

// OnChange 设置变化回调，回调在监听 goroutine 上同步执行
func (w *FileWatcher) OnChange(fn func(FileEvent)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Start 开始监听，ctx 结束或 Stop 时退出
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return errors.New("watcher already running")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(ctx, fsw, w.stop, w.done)

	w.logger.Info("watching config file",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.interval),
		zap.Duration("debounce", w.debounce))
	return nil
}

// Stop 停止监听并等待退出，可重复调用
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// IsRunning 是否在监听
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stop != nil
}

func (w *FileWatcher) run(ctx context.Context, fsw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer fsw.Close()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	w.mu.Lock()
	seen := w.state.statSig
	w.mu.Unlock()

	var fire <-chan time.Time
	arm := func() {
		debounce.Reset(w.debounce)
		fire = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
				continue
			}
			arm()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-tick:
			sig, err := statFile(w.path)
			if err != nil || sig.same(seen) {
				continue
			}
			seen = sig
			arm()
		case <-fire:
			fire = nil
			if evt, ok := w.poll(); ok {
				w.emit(evt)
			}
			w.mu.Lock()
			seen = w.state.statSig
			w.mu.Unlock()
		}
	}
}

func (w *FileWatcher) emit(evt FileEvent) {
	w.mu.Lock()
	fn := w.onChange
	w.mu.Unlock()

	w.logger.Debug("config file changed",
		zap.String("op", evt.Op.String()),
		zap.String("checksum", evt.Checksum))
	if fn != nil {
		fn(evt)
	}
}

// poll 读取当前状态并与上次确认的状态比较，有变化时返回事件
func (w *FileWatcher) poll() (FileEvent, bool) {
	w.mu.Lock()
	prev := w.state
	w.mu.Unlock()

	if prev.exists {
		if sig, err := statFile(w.path); err == nil && sig.same(prev.statSig) {
			return FileEvent{}, false
		}
	}

	cur, err := readState(w.path)
	if err != nil {
		w.logger.Warn("read config file", zap.Error(err))
		return FileEvent{}, false
	}

	w.mu.Lock()
	w.state = cur
	w.mu.Unlock()

	evt := FileEvent{Path: w.path, Checksum: cur.sum, Timestamp: time.Now()}
	switch {
	case !prev.exists && cur.exists:
		evt.Op = FileOpCreate
	case prev.exists && !cur.exists:
		evt.Op = FileOpRemove
	case cur.exists && cur.sum != prev.sum:
		evt.Op = FileOpWrite
	default:
		return FileEvent{}, false
	}
	return evt, true
}

func readState(path string) (fileState, error) {
	sig, err := statFile(path)
	if err != nil || !sig.exists {
		return fileState{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileState{}, nil
	}
	if err != nil {
		return fileState{}, fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return fileState{statSig: sig, sum: hex.EncodeToString(sum[:])}, nil
}
