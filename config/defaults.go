// =============================================================================
// 📦 StepFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
		Engine:    DefaultEngineConfig(),
		Research:  DefaultResearchConfig(),
		Server:    DefaultServerConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "stepflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "stepflow",
		Addr:      "",
		Path:      "/metrics",
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrency:     0,
		FailurePolicy:      "drain",
		StrictRegistration: false,
		HistoryEnabled:     true,
		HistoryLimit:       100,
		RunTimeout:         5 * time.Minute,
	}
}

// DefaultResearchConfig 返回默认研究流程配置
func DefaultResearchConfig() ResearchConfig {
	return ResearchConfig{
		InitialQueries: 3,
		MaxLoops:       2,
		SearchRPS:      0,
		SearchRetries:  2,
		SearchTimeout:  30 * time.Second,

		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// DefaultServerConfig 返回默认 HTTP 服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}
