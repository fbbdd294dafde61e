// Package config 提供 connpool 的配置管理功能。
//
// 配置按 默认值 → YAML/TOML 文件 → CONNPOOL_* 环境变量 的顺序叠加。
// connections 段可以在运行时通过 Reloader 增量重载：FileWatcher 用
// fsnotify 监听文件，内容摘要变化后才触发。
package config
