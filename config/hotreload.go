// 配置热重载管理器实现。
//
// 监听配置文件，校验后原子地替换当前配置，记录变更日志与历史快照，
// 应用回调失败时自动回滚。
package config

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// --- 热重载类型定义 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string
	envPrefix  string

	// 回滚支持
	previousConfig *Config
	history        []ConfigSnapshot
	maxHistorySize int
	validateFunc   ValidateFunc

	watcher      *FileWatcher
	watcherOpts  []WatcherOption
	changeLog    []ConfigChange
	maxChangeLog int

	changeCallbacks   []ChangeCallback
	reloadCallbacks   []ReloadCallback
	rollbackCallbacks []RollbackCallback

	logger  *zap.Logger
	running bool
}

// ChangeCallback 每个已应用的字段变更调用一次
type ChangeCallback func(change ConfigChange)

// ReloadCallback 新配置生效后调用，返回错误会触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// RollbackCallback 回滚后调用
type RollbackCallback func(event RollbackEvent)

// ValidateFunc 在 Config.Validate 之后执行的额外校验
type ValidateFunc func(newConfig *Config) error

// ConfigChange 单个字段的变更记录
type ConfigChange struct {
	Timestamp time.Time `json:"timestamp"`
	// 来源: file, api, rollback
	Source string `json:"source"`
	// 字段路径，例如 "Engine.MaxConcurrency"
	Path     string `json:"path"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
	// 该字段需要重启服务才能生效
	RequiresRestart bool   `json:"requires_restart"`
	Applied         bool   `json:"applied"`
	Error           string `json:"error,omitempty"`
}

// ConfigSnapshot 历史快照
type ConfigSnapshot struct {
	Config    *Config   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// RollbackEvent 回滚事件
type RollbackEvent struct {
	Timestamp      time.Time
	Reason         string
	FailedConfig   *Config
	RestoredConfig *Config
	Version        int
	Error          error
}

// HotReloadableField 描述一个配置字段的重载属性
type HotReloadableField struct {
	Path            string
	Description     string
	RequiresRestart bool
	Sensitive       bool
}

// --- 字段注册表 ---

var hotReloadableFields = map[string]HotReloadableField{}

func registerField(path, description string, requiresRestart, sensitive bool) {
	hotReloadableFields[path] = HotReloadableField{
		Path:            path,
		Description:     description,
		RequiresRestart: requiresRestart,
		Sensitive:       sensitive,
	}
}

func init() {
	// 运行时生效
	registerField("Log.Level", "Log level (debug, info, warn, error)", false, false)
	registerField("Engine.MaxConcurrency", "Maximum concurrently running steps per run", false, false)
	registerField("Engine.FailurePolicy", "Failure policy (drain, cancel)", false, false)
	registerField("Engine.StrictRegistration", "Reject duplicate step registrations", false, false)
	registerField("Engine.RunTimeout", "Timeout of a single run", false, false)
	registerField("Research.InitialQueries", "Number of initial search queries", false, false)
	registerField("Research.MaxLoops", "Maximum research loops", false, false)
	registerField("Research.SearchRPS", "Search steps per second", false, false)
	registerField("Research.SearchRetries", "Search retries", false, false)
	registerField("Research.SearchTimeout", "Timeout of a single search attempt", false, false)
	registerField("Research.BreakerThreshold", "Consecutive search failures before the breaker opens", false, false)
	registerField("Research.BreakerCooldown", "Time an open breaker waits before probing", false, false)

	// 进程启动时读取
	registerField("Log.Format", "Log format (json, console)", true, false)
	registerField("Log.OutputPaths", "Log output paths", true, false)
	registerField("Log.EnableCaller", "Annotate entries with the caller", true, false)
	registerField("Log.EnableStacktrace", "Attach stack traces to error entries", true, false)
	registerField("Telemetry.Enabled", "Enable tracing", true, false)
	registerField("Telemetry.OTLPEndpoint", "OTLP endpoint", true, false)
	registerField("Telemetry.Insecure", "Plaintext OTLP connection", true, false)
	registerField("Telemetry.ServiceName", "Service name", true, false)
	registerField("Telemetry.Environment", "Deployment environment", true, false)
	registerField("Telemetry.SampleRate", "Trace sample rate", true, false)
	registerField("Telemetry.ExportInterval", "Metric export interval", true, false)
	registerField("Metrics.Enabled", "Collect Prometheus metrics", true, false)
	registerField("Metrics.Namespace", "Prometheus namespace", true, false)
	registerField("Metrics.Addr", "Metrics listen address", true, false)
	registerField("Metrics.Path", "Metrics path", true, false)
	registerField("Engine.HistoryEnabled", "Record execution histories", true, false)
	registerField("Engine.HistoryLimit", "Retained execution histories", true, false)
	registerField("Server.Addr", "HTTP listen address", true, false)
	registerField("Server.ReadTimeout", "HTTP read timeout", true, false)
	registerField("Server.WriteTimeout", "HTTP write timeout", true, false)
	registerField("Server.ShutdownTimeout", "Graceful shutdown timeout", true, false)
	registerField("Server.TLSCertFile", "TLS certificate file", true, false)
	registerField("Server.TLSKeyFile", "TLS private key file", true, false)
	registerField("Server.APIKeys", "Accepted API keys", true, true)
	registerField("Server.AllowQueryAPIKey", "Accept the api_key query parameter", true, false)
	registerField("Server.RateLimitRPS", "Per-client request rate", true, false)
	registerField("Server.RateLimitBurst", "Per-client burst", true, false)
	registerField("Server.CORSAllowedOrigins", "Allowed CORS origins", true, false)
	registerField("Server.JWT.Secret", "HS256 secret", true, true)
	registerField("Server.JWT.PublicKey", "RS256 public key", true, false)
	registerField("Server.JWT.Issuer", "Expected JWT issuer", true, false)
	registerField("Server.JWT.Audience", "Expected JWT audience", true, false)
}

// GetHotReloadableFields 返回字段注册表的副本
func GetHotReloadableFields() map[string]HotReloadableField {
	out := make(map[string]HotReloadableField, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		out[k] = v
	}
	return out
}

// IsHotReloadable 报告字段是否无需重启即可生效
func IsHotReloadable(path string) bool {
	field, known := hotReloadableFields[path]
	return known && !field.RequiresRestart
}

// --- 选项 ---

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置日志记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfigPath 设置被监听的配置文件
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithReloadEnvPrefix 设置重载时使用的环境变量前缀
func WithReloadEnvPrefix(prefix string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.envPrefix = prefix
	}
}

// WithMaxHistorySize 设置保留的快照数
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置额外的校验钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) {
		m.validateFunc = fn
	}
}

// WithWatcherOptions 传递给内部 FileWatcher 的选项
func WithWatcherOptions(opts ...WatcherOption) HotReloadOption {
	return func(m *HotReloadManager) {
		m.watcherOpts = append(m.watcherOpts, opts...)
	}
}

// --- 实现 ---

// NewHotReloadManager 以 config 作为版本 1 创建管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         config,
		envPrefix:      "STEPFLOW",
		maxHistorySize: 10,
		maxChangeLog:   100,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_hotreload"))
	m.pushHistory(config, "init")
	return m
}

// Start 开始监听配置文件；未设置路径时只标记为运行
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	if m.configPath != "" {
		opts := append([]WatcherOption{
			WithWatcherLogger(m.logger),
			WithDebounceDelay(500 * time.Millisecond),
		}, m.watcherOpts...)
		watcher, err := NewFileWatcher([]string{m.configPath}, opts...)
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		watcher.OnChange(m.handleFileChange)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		m.watcher = watcher
	}

	m.running = true
	m.logger.Info("hot reload manager started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止监听
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	// 回调可能正持有 m.mu，需在锁外等待监听器退出
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}
	m.logger.Info("hot reload manager stopped")
	return nil
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	m.logger.Info("configuration file changed",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))
	if event.Op == FileOpRemove {
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("failed to reload configuration", zap.Error(err))
	}
}

// ReloadFromFile 重新加载配置文件（叠加环境变量）并应用
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	newConfig, err := NewLoader().
		WithConfigPath(m.configPath).
		WithEnvPrefix(m.envPrefix).
		Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 校验并应用新配置。
// 校验失败时当前配置保持不变；重载回调失败时回滚到旧配置并返回错误。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			return fmt.Errorf("config rejected: %w", err)
		}
	}

	m.mu.Lock()
	oldConfig := m.config
	changes := detectChanges(oldConfig, newConfig)
	if len(changes) == 0 {
		m.mu.Unlock()
		m.logger.Debug("configuration unchanged", zap.String("source", source))
		return nil
	}

	now := time.Now()
	for i := range changes {
		changes[i].Timestamp = now
		changes[i].Source = source
		changes[i].Applied = true
		changes[i].RequiresRestart = !IsHotReloadable(changes[i].Path)
	}
	m.previousConfig = oldConfig
	m.config = newConfig
	m.pushHistory(newConfig, source)
	m.appendChangeLog(redactChanges(changes)...)
	changeCallbacks := append([]ChangeCallback(nil), m.changeCallbacks...)
	reloadCallbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	for _, c := range changes {
		m.logChange(c)
	}

	if err := notifyReload(reloadCallbacks, oldConfig, newConfig); err != nil {
		m.mu.Lock()
		restored := m.rollbackLocked(oldConfig, "reload callback failed", err)
		m.mu.Unlock()
		// 已执行的回调需要恢复到旧配置
		if rerr := notifyReload(reloadCallbacks, newConfig, restored); rerr != nil {
			m.logger.Error("failed to restore previous configuration", zap.Error(rerr))
		}
		return fmt.Errorf("apply config: %w", err)
	}
	for _, cb := range changeCallbacks {
		for _, c := range changes {
			cb(c)
		}
	}
	return nil
}

func notifyReload(callbacks []ReloadCallback, oldConfig, newConfig *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reload callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

// Rollback 恢复上一个生效的配置并通知重载回调
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	if m.previousConfig == nil {
		m.mu.Unlock()
		return fmt.Errorf("no previous config available for rollback")
	}
	failed := m.config
	restored := m.rollbackLocked(m.previousConfig, "manual rollback", nil)
	callbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()
	return notifyReload(callbacks, failed, restored)
}

// RollbackToVersion 恢复历史中的指定版本并通知重载回调
func (m *HotReloadManager) RollbackToVersion(version int) error {
	m.mu.Lock()
	for _, snapshot := range m.history {
		if snapshot.Version == version {
			failed := m.config
			restored := m.rollbackLocked(snapshot.Config, fmt.Sprintf("rollback to version %d", version), nil)
			callbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
			m.mu.Unlock()
			return notifyReload(callbacks, failed, restored)
		}
	}
	m.mu.Unlock()
	return fmt.Errorf("config version %d not found in history", version)
}

// rollbackLocked 调用方必须持有写锁，返回恢复后的配置
func (m *HotReloadManager) rollbackLocked(target *Config, reason string, cause error) *Config {
	failed := m.config
	restored := deepCopyConfig(target)
	m.config = restored
	m.previousConfig = nil

	version := 0
	sum := computeConfigChecksum(target)
	for _, snapshot := range m.history {
		if snapshot.Checksum == sum {
			version = snapshot.Version
			break
		}
	}

	change := ConfigChange{
		Timestamp: time.Now(),
		Source:    "rollback",
		Path:      "(rollback)",
		Applied:   true,
		Error:     reason,
	}
	if cause != nil {
		change.Error = reason + ": " + cause.Error()
	}
	m.appendChangeLog(change)

	event := RollbackEvent{
		Timestamp:      change.Timestamp,
		Reason:         reason,
		FailedConfig:   failed,
		RestoredConfig: restored,
		Version:        version,
		Error:          cause,
	}
	for _, cb := range m.rollbackCallbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("rollback callback panicked", zap.Any("panic", r))
				}
			}()
			cb(event)
		}()
	}

	m.logger.Warn("configuration rolled back",
		zap.String("reason", reason),
		zap.Int("restored_version", version),
		zap.Error(cause))
	return restored
}

// OnChange 注册字段变更回调
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// OnRollback 注册回滚回调
func (m *HotReloadManager) OnRollback(callback RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCallbacks = append(m.rollbackCallbacks, callback)
}

// GetConfig 返回当前配置，调用方不得修改
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigHistory 返回历史快照，旧的在前
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}

// GetCurrentVersion 返回最近一次快照的版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return 0
	}
	return m.history[len(m.history)-1].Version
}

// GetChangeLog 返回最近 limit 条变更，limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.changeLog
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]ConfigChange(nil), log...)
}

// SanitizedConfig 返回按 YAML 字段名展开、敏感值已脱敏的当前配置
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil
	}
	redactSensitiveFields(out)
	return out
}

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "api_key", "apikey", "secret", "token", "credential"}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// redactSensitiveFields 原地替换敏感键的非空值
func redactSensitiveFields(data map[string]any) {
	for key, value := range data {
		if nested, ok := value.(map[string]any); ok {
			redactSensitiveFields(nested)
			continue
		}
		if !isSensitiveKey(key) {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				data[key] = redacted
			}
		case []any:
			if len(v) > 0 {
				data[key] = redacted
			}
		}
	}
}

func redactChanges(changes []ConfigChange) []ConfigChange {
	out := make([]ConfigChange, len(changes))
	for i, c := range changes {
		if f, ok := hotReloadableFields[c.Path]; ok && f.Sensitive {
			c.OldValue, c.NewValue = redacted, redacted
		}
		out[i] = c
	}
	return out
}

func (m *HotReloadManager) appendChangeLog(changes ...ConfigChange) {
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > m.maxChangeLog {
		m.changeLog = m.changeLog[len(m.changeLog)-m.maxChangeLog:]
	}
}

func (m *HotReloadManager) logChange(c ConfigChange) {
	fields := []zap.Field{
		zap.String("path", c.Path),
		zap.String("source", c.Source),
		zap.Bool("requires_restart", c.RequiresRestart),
	}
	if f, ok := hotReloadableFields[c.Path]; !ok || !f.Sensitive {
		fields = append(fields, zap.Any("old_value", c.OldValue), zap.Any("new_value", c.NewValue))
	}
	if c.RequiresRestart {
		m.logger.Warn("configuration changed, restart required", fields...)
		return
	}
	m.logger.Info("configuration changed", fields...)
}

func (m *HotReloadManager) pushHistory(config *Config, source string) {
	version := 1
	if n := len(m.history); n > 0 {
		version = m.history[n-1].Version + 1
	}
	m.history = append(m.history, ConfigSnapshot{
		Config:    deepCopyConfig(config),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  computeConfigChecksum(config),
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
}

// detectChanges 递归比较两个配置，返回叶子字段的差异
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct {
			compareStructs(path, o, n, changes)
			continue
		}
		// nil 与空切片视为相同
		if o.Kind() == reflect.Slice && o.Len() == 0 && n.Len() == 0 {
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			*changes = append(*changes, ConfigChange{
				Path:     path,
				OldValue: o.Interface(),
				NewValue: n.Interface(),
			})
		}
	}
}

func deepCopyConfig(config *Config) *Config {
	data, err := yaml.Marshal(config)
	if err != nil {
		return config
	}
	var copied Config
	if err := yaml.Unmarshal(data, &copied); err != nil {
		return config
	}
	return &copied
}

func computeConfigChecksum(config *Config) string {
	data, err := yaml.Marshal(config)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
