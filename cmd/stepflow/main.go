// =============================================================================
// StepFlow 主入口
// =============================================================================
// 使用方法:
//
//	stepflow serve                              # 启动 HTTP 服务
//	stepflow serve --config stepflow.yaml       # 指定配置文件（支持热更新）
//	stepflow run --question "go concurrency"    # 本地执行一次调研
//	stepflow describe --format yaml             # 输出调研图结构
//	stepflow health --addr http://localhost:8080
//	stepflow version
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/examples/research"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/internal/tlsutil"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// envPrefix 环境变量前缀，例如 STEPFLOW_LOG_LEVEL
const envPrefix = "STEPFLOW"

// errUsage 表示参数错误，已输出用法说明
var errUsage = errors.New("invalid usage")

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:], stderr)
	case "run":
		err = runOnce(args[1:], stdout, stderr)
	case "describe":
		err = runDescribe(args[1:], stdout, stderr)
	case "health":
		err = runHealthCheck(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	corpusPath := fs.String("corpus", "", "Path to a YAML search corpus")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, level := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting StepFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	searcher, err := openSearcher(*corpusPath)
	if err != nil {
		return err
	}
	res := research.NewResources(research.NewTemplateModel(), searcher)

	srv, err := NewServer(cfg, *configPath, logger, level, res)
	if err != nil {
		return err
	}
	if err := srv.Start(context.Background()); err != nil {
		srv.Close()
		return fmt.Errorf("failed to start server: %w", err)
	}

	waitErr := srv.WaitForShutdown(context.Background())

	if otelProviders != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}

	logger.Info("StepFlow stopped")
	return waitErr
}

// =============================================================================
// 🔬 run 命令
// =============================================================================

func runOnce(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	question := fs.String("question", "", "Research question (defaults to the positional arguments)")
	queries := fs.Int("queries", 0, "Initial search query count (0 uses research.initial_queries)")
	loops := fs.Int("loops", 0, "Maximum research loops (0 uses research.max_loops)")
	corpusPath := fs.String("corpus", "", "Path to a YAML search corpus")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := *question
	if q == "" {
		q = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(q) == "" {
		fmt.Fprintln(stderr, "run: a question is required")
		fs.Usage()
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	g, err := compileResearch(cfg, logger)
	if err != nil {
		return err
	}
	searcher, err := openSearcher(*corpusPath)
	if err != nil {
		return err
	}
	res := research.NewResources(research.NewTemplateModel(), searcher)

	ctx := context.Background()
	if cfg.Engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Engine.RunTimeout)
		defer cancel()
	}

	state, err := research.Run(ctx, g, res, research.Input{
		Question:         q,
		InitialQueries:   *queries,
		MaxResearchLoops: *loops,
	})
	if err != nil {
		if step, ok := workflow.FailedStep(err); ok {
			return fmt.Errorf("research failed at step %s: %w", step, err)
		}
		return fmt.Errorf("research failed: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

// =============================================================================
// 📋 describe 命令
// =============================================================================

func runDescribe(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	format := fs.String("format", "json", "Output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	g, err := compileResearch(cfg, zap.NewNop())
	if err != nil {
		return err
	}

	var out string
	switch *format {
	case "json":
		out, err = g.Describe().ToJSON()
	case "yaml":
		out, err = g.Describe().ToYAML()
	default:
		return fmt.Errorf("unknown format %q (supported: json, yaml)", *format)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, strings.TrimRight(out, "\n"))
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := tlsutil.SecureHTTPClient(5*time.Second, *insecure)
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Fprintln(stdout, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "StepFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `StepFlow - concurrent step graph engine

Usage:
  stepflow <command> [options]

Commands:
  serve     Start the HTTP API server
  run       Run the research workflow once and print the final state
  describe  Print the structure of the research graph
  health    Check server health
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML, watched for changes)
  --corpus <path>   Path to a YAML search corpus

Options for 'run':
  --config <path>   Path to configuration file (YAML)
  --question <q>    Research question (or pass it as arguments)
  --queries <n>     Initial search query count
  --loops <n>       Maximum research loops
  --corpus <path>   Path to a YAML search corpus

Examples:
  stepflow serve --config /etc/stepflow/config.yaml
  stepflow run "how do goroutines work"
  stepflow describe --format yaml
  stepflow health --addr http://localhost:8080
  stepflow version`)
}

// =============================================================================
// 🔧 配置、日志与引擎初始化
// =============================================================================

// loadConfig 按 默认值 → YAML → 环境变量 的顺序加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().
		WithEnvPrefix(envPrefix).
		WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initLogger 根据日志配置构建 logger，返回的 AtomicLevel 供热更新调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}

// engineOptions 将 engine 配置段映射为编译选项
func engineOptions(cfg config.EngineConfig, logger *zap.Logger) ([]workflow.CompileOption, error) {
	policy, err := workflow.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	opts := []workflow.CompileOption{
		workflow.WithFailurePolicy(policy),
		workflow.WithMaxConcurrency(cfg.MaxConcurrency),
		workflow.WithLogger(logger),
	}
	if cfg.StrictRegistration {
		opts = append(opts, workflow.WithStrictRegistration())
	}
	return opts, nil
}

// compileResearch 按配置编译调研图，extra 追加在引擎选项之后
func compileResearch(cfg *config.Config, logger *zap.Logger, extra ...workflow.CompileOption) (*research.CompiledGraph, error) {
	opts := research.OptionsFromConfig(cfg.Research)
	opts.Logger = logger
	copts, err := engineOptions(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	copts = append(copts, extra...)
	g, err := research.Compile(opts, copts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile research graph: %w", err)
	}
	return g, nil
}

func openSearcher(corpusPath string) (research.Searcher, error) {
	if corpusPath == "" {
		return research.DefaultCorpus(), nil
	}
	corpus, err := research.LoadCorpus(corpusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	return corpus, nil
}
