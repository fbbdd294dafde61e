package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// 🔄 连接配置重载
// =============================================================================

// ConnectionChange 描述一次重载中连接配置的差异
type ConnectionChange struct {
	// Added 新出现的连接名
	Added []string
	// Changed 配置发生变化的连接名
	Changed []string
	// Removed 被移除的连接名
	Removed []string
}

// Empty 没有任何差异
func (c ConnectionChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// ReloadCallback 在新配置生效后调用；返回错误时保留旧配置
type ReloadCallback func(ctx context.Context, cfg *Config, change ConnectionChange) error

// Reloader 监听配置文件，只对 connections 段做增量应用。
// 其它段（server、log 等）需要重启才能生效。
type Reloader struct {
	mu       sync.Mutex
	loader   *Loader
	current  *Config
	watcher  *FileWatcher
	callback ReloadCallback
	logger   *zap.Logger
}

// NewReloader 创建重载器；loader 必须带配置文件路径
func NewReloader(loader *Loader, current *Config, callback ReloadCallback, logger *zap.Logger) (*Reloader, error) {
	if loader == nil || loader.configPath == "" {
		return nil, fmt.Errorf("reloader requires a config path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config_reloader"))

	return &Reloader{
		loader:   loader,
		current:  current,
		callback: callback,
		logger:   logger,
	}, nil
}

// Start 开始监听文件变化
func (r *Reloader) Start(ctx context.Context, opts ...WatcherOption) error {
	opts = append([]WatcherOption{WithWatcherLogger(r.logger)}, opts...)
	w, err := NewFileWatcher(r.loader.configPath, opts...)
	if err != nil {
		return err
	}
	w.OnChange(func(evt FileEvent) {
		if evt.Op == FileOpRemove {
			return
		}
		if _, err := r.Reload(ctx); err != nil {
			r.logger.Warn("config reload failed", zap.Error(err))
		}
	})

	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return w.Start(ctx)
}

// Stop 停止监听
func (r *Reloader) Stop() error {
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload 重新加载文件并应用连接差异
func (r *Reloader) Reload(ctx context.Context) (ConnectionChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.loader.Load()
	if err != nil {
		return ConnectionChange{}, err
	}
	if err := next.Validate(); err != nil {
		return ConnectionChange{}, err
	}

	change := DiffConnections(r.current, next)
	if change.Empty() {
		return change, nil
	}

	if r.callback != nil {
		if err := r.callback(ctx, next, change); err != nil {
			return change, fmt.Errorf("apply reloaded config: %w", err)
		}
	}

	r.logger.Info("connections reloaded",
		zap.Strings("added", change.Added),
		zap.Strings("changed", change.Changed),
		zap.Strings("removed", change.Removed))
	r.current = next
	return change, nil
}

// DiffConnections 比较两份配置中的 connections 段，结果按名称排序
func DiffConnections(oldCfg, newCfg *Config) ConnectionChange {
	var change ConnectionChange
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	for _, name := range newCfg.ConnectionNames() {
		prev, ok := oldCfg.Connections[name]
		switch {
		case !ok:
			change.Added = append(change.Added, name)
		case !reflect.DeepEqual(prev, newCfg.Connections[name]):
			change.Changed = append(change.Changed, name)
		}
	}
	for _, name := range oldCfg.ConnectionNames() {
		if _, ok := newCfg.Connections[name]; !ok {
			change.Removed = append(change.Removed, name)
		}
	}
	return change
}
