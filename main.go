package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bonusperme/swcache/internal/cache"
	"github.com/bonusperme/swcache/internal/config"
	"github.com/bonusperme/swcache/internal/host"
	"github.com/bonusperme/swcache/internal/logging"
	"github.com/bonusperme/swcache/internal/proxy"
	"github.com/bonusperme/swcache/internal/server"
	"github.com/bonusperme/swcache/internal/server/routes"
	"github.com/bonusperme/swcache/internal/telemetry"
	"github.com/bonusperme/swcache/internal/version"
	"github.com/bonusperme/swcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_name"] = cfg.Worker.CacheName
		fields["origin"] = cfg.Worker.Origin
		fields["precache"] = len(cfg.Worker.Precache)
		fields["passthrough"] = config.PassthroughDomains(cfg.Passthrough)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, opts.configPath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "启动失败: %v\n", err)
		return 1
	}
	defer svc.close()

	if err := svc.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// service 持有进程生命周期内共享的组件。
type service struct {
	cfg        *config.Config
	configPath string
	logger     *logrus.Logger
	reloadMu   sync.Mutex

	storage      cache.Storage
	origins      *server.OriginRegistry
	network      *server.UpstreamFetcher
	registration *host.Registration
	app          *fiber.App

	shutdownTracing func(context.Context) error
}

// newService 按“配置 → 追踪 → 存储 → 网络栈 → worker 注册 → Fiber app”的顺序组装，
// 所有请求共享同一份 registration 与存储实例。
func newService(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) (*service, error) {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Global.TracingEndpoint)
	if err != nil {
		return nil, fmt.Errorf("初始化追踪失败: %w", err)
	}

	svc := &service{
		cfg:             cfg,
		configPath:      configPath,
		logger:          logger,
		shutdownTracing: shutdownTracing,
	}

	svc.storage, err = cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	svc.origins, err = server.NewOriginRegistry(cfg)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("构建来源注册表失败: %w", err)
	}
	svc.network = server.NewUpstreamFetcher(server.NewUpstreamClient(cfg), svc.origins)
	svc.registration = host.NewRegistration(logger)

	fields := logging.BaseFields("startup", configPath)
	fields["cache_name"] = cfg.Worker.CacheName
	fields["origin"] = cfg.Worker.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["passthrough"] = config.PassthroughDomains(cfg.Passthrough)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装失败不阻止启动：没有 active worker 时请求全部直连，等待下一次配置热加载。
	if err := svc.registerWorker(ctx, cfg.Worker); err != nil {
		logger.WithFields(logging.WorkerFields("startup", cfg.Worker.CacheName, string(worker.StateRedundant))).
			WithError(err).Error("worker_register_failed")
	}

	svc.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   svc.origins,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(svc.registration, svc.network, logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		svc.close()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(svc.app, routes.Dependencies{
		Registration: svc.registration,
		Storage:      svc.storage,
		Origins:      svc.origins,
		Logger:       logger,
	})

	if cfg.Global.WatchConfig {
		if err := config.Watch(ctx, configPath, svc.reload, svc.reloadFailed); err != nil {
			logger.WithFields(logging.BaseFields("watch_config", configPath)).
				WithError(err).Warn("config_watch_failed")
		}
	}
	return svc, nil
}

func (s *service) registerWorker(ctx context.Context, wc config.WorkerConfig) error {
	opts, err := worker.OptionsFromConfig(wc)
	if err != nil {
		return err
	}
	w, err := worker.New(opts, s.storage, s.network, s.logger)
	if err != nil {
		return err
	}
	return s.registration.Register(ctx, w)
}

// reload 只响应 [Worker] 版本变化；来源与上游映射在启动时固定，修改需要重启。
func (s *service) reload(next *config.Config) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	current := s.cfg.Worker
	if next.Worker.Equal(current) {
		return
	}
	fields := logging.BaseFields("reload", s.configPath)
	fields["from"] = current.CacheName
	fields["to"] = next.Worker.CacheName

	if next.Worker.Origin != current.Origin || next.Worker.Upstream != current.Upstream {
		s.logger.WithFields(fields).Warn("origin_change_requires_restart")
		return
	}
	// 无论成败都记住这一版配置，避免同一份文件反复触发安装。
	s.cfg.Worker = next.Worker
	if err := s.registerWorker(context.Background(), next.Worker); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("worker_reload_failed")
		return
	}
	s.logger.WithFields(fields).Info("worker_reloaded")
}

func (s *service) reloadFailed(err error) {
	s.logger.WithFields(logging.BaseFields("reload", s.configPath)).
		WithError(err).Warn("config_reload_failed")
}

// serve 监听端口直到 ctx 取消，随后等待在途缓存写入完成。
func (s *service) serve(ctx context.Context) error {
	port := s.cfg.Global.ListenPort
	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务停止")
	shutdownErr := s.app.ShutdownWithTimeout(shutdownTimeout)
	s.registration.Wait()
	if err := <-errCh; err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}

func (s *service) close() {
	if s.registration != nil {
		s.registration.Wait()
	}
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.logger.WithError(err).Warn("storage_close_failed")
		}
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Warn("tracing_shutdown_failed")
		}
	}
}
