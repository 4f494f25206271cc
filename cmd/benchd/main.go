// Command benchd starts the benchmark submission server: HTTP intake,
// background worker pool and launcher backends for GPU compute resources.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kernelboard/benchd/cmd/benchd/config"
	"github.com/kernelboard/benchd/cmd/benchd/restapi"
	"github.com/kernelboard/benchd/cmd/benchd/version"
	"github.com/kernelboard/benchd/cmd/benchd/wsapi"
	"github.com/kernelboard/benchd/codestore"
	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/jobstore/pgstore"
	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/launcher/agentqueue"
	"github.com/kernelboard/benchd/launcher/cibuild"
	"github.com/kernelboard/benchd/launcher/fnserver"
	"github.com/kernelboard/benchd/manager"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/orchestrator"
	"github.com/kernelboard/benchd/report"
)

var logger *zap.Logger

func main() {
	conf := loadConf()
	if conf.Version {
		fmt.Println(version.Version)
		return
	}
	initLogger(conf)
	defer logger.Sync()
	if ce := logger.Check(zap.InfoLevel, "Config loaded"); ce != nil {
		ce.Write(zap.String("config", fmt.Sprintf("%+v", conf)))
	}

	tasks, err := model.LoadTasks(conf.TaskDir)
	if err != nil {
		logger.Fatal("load task definitions failed", zap.Error(err))
	}
	if len(tasks) == 0 {
		logger.Warn("no task definitions found", zap.String("dir", conf.TaskDir))
	}

	code := newCodeStore(conf)
	store, storeCleanUp := newJobStore(conf)
	registry, queues := newRegistry(conf)
	hub := report.NewHub()
	rep := newReporter(conf, hub, store)

	orch := orchestrator.New(registry, tasks, code, store, logger)
	mgr := manager.New(conf.Pool, store, orch, rep, logger)
	mgr.Start()
	if conf.EnableMetrics {
		registerPoolMetrics(mgr, store)
	}
	logger.Info("Worker pool started",
		zap.Int("minWorkers", conf.Pool.MinWorkers),
		zap.Int("maxWorkers", conf.Pool.MaxWorkers),
		zap.Strings("resources", registry.Resources()))

	servers := []initFunc{
		cleanUpManager(mgr),
		cleanUpStore(storeCleanUp),
		initHTTPServer(conf, tasks, store, code, registry, queues, hub),
		initMonitorHTTPServer(conf),
	}

	// Gracefully shutdown, with signal / HTTP server / Monitor HTTP server
	sig := make(chan os.Signal, 1+len(servers))

	stops := []stopFunc{}
	for _, s := range servers {
		start, stop := s()
		if start != nil {
			go func() {
				start()
				sig <- os.Interrupt
			}()
		}
		if stop != nil {
			stops = append(stops, stop)
		}
	}

	// Graceful shutdown...
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Shutting Down...")

	ctx, cancel := context.WithTimeout(context.TODO(), time.Second*10)
	defer cancel()

	var eg errgroup.Group
	for _, s := range stops {
		eg.Go(func() error {
			return s(ctx)
		})
	}

	go func() {
		logger.Info("Shutdown Finished", zap.Error(eg.Wait()))
		cancel()
	}()
	<-ctx.Done()
}

func loadConf() *config.Config {
	var conf config.Config
	if err := conf.Load(); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalln("load config failed ", err)
	}
	return &conf
}

type (
	stopFunc func(ctx context.Context) error
	initFunc func() (start func(), cleanUp stopFunc)
)

func cleanUpManager(mgr *manager.Manager) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return nil, func(ctx context.Context) error {
			err := mgr.Shutdown(ctx)
			logger.Info("Worker pool shutdown", zap.Error(err))
			return err
		}
	}
}

func cleanUpStore(cleanUp func() error) initFunc {
	return func() (start func(), stop stopFunc) {
		if cleanUp == nil {
			return nil, nil
		}
		return nil, func(ctx context.Context) error {
			err := cleanUp()
			logger.Info("Job store closed")
			return err
		}
	}
}

func initHTTPServer(conf *config.Config, tasks map[string]*model.Task, store jobstore.Store, code codestore.Store, registry *launcher.Registry, queues restapi.QueueStatuser, hub *report.Hub) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		r := initHTTPMux(conf, tasks, store, code, registry, queues, hub)
		srv := http.Server{
			Addr:    conf.HTTPAddr,
			Handler: r,
		}

		return func() {
				logger.Info("Starting http server", zap.String("addr", conf.HTTPAddr))
				if err := srv.ListenAndServe(); errors.Is(err, http.ErrServerClosed) {
					logger.Info("Http server stopped", zap.Error(err))
				} else {
					logger.Error("Http server stopped", zap.Error(err))
				}
			}, func(ctx context.Context) error {
				logger.Info("Http server shutting down")
				return srv.Shutdown(ctx)
			}
	}
}

func initMonitorHTTPServer(conf *config.Config) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		mr := initMonitorHTTPMux(conf)
		if mr == nil {
			return nil, nil
		}
		msrv := http.Server{
			Addr:    conf.MonitorAddr,
			Handler: mr,
		}
		return func() {
				logger.Info("Starting monitoring http server", zap.String("addr", conf.MonitorAddr))
				logger.Info("Monitoring http server stopped", zap.Error(msrv.ListenAndServe()))
			}, func(ctx context.Context) error {
				logger.Info("Monitoring http server shutdown")
				return msrv.Shutdown(ctx)
			}
	}
}

func initLogger(conf *config.Config) {
	if conf.Silent {
		logger = zap.NewNop()
		return
	}

	var err error
	if conf.Release {
		logger, err = zap.NewProduction()
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.Level.SetLevel(zap.InfoLevel)
		logger, err = config.Build()
	}
	if err != nil {
		log.Fatalln("init logger failed ", err)
	}
}

func initHTTPMux(conf *config.Config, tasks map[string]*model.Task, store jobstore.Store, code codestore.Store, registry *launcher.Registry, queues restapi.QueueStatuser, hub *report.Hub) http.Handler {
	var r *gin.Engine
	if conf.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r = gin.New()
	r.Use(ginzap.Ginzap(logger, "", false))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	// Metrics Handle
	if conf.EnableMetrics {
		initGinMetrics(r)
	}

	// Version handle
	r.GET("/version", handleVersion)

	// Config handle
	r.GET("/config", generateHandleConfig(conf, registry))

	// Add auth token
	if conf.AuthToken != "" {
		r.Use(tokenAuth(conf.AuthToken))
		logger.Info("Attach token auth")
	}

	// Rest Handle
	subHandle := restapi.NewSubmissionHandle(store, code, tasks, registry, queues, logger)
	subHandle.Register(r)
	eventsHandle := restapi.NewEventsHandle(store, hub, logger)
	eventsHandle.Register(r)

	// WebSocket Handle
	wsHandle := wsapi.New(store, hub, logger)
	wsHandle.Register(r)

	return r
}

func initMonitorHTTPMux(conf *config.Config) http.Handler {
	if !conf.EnableMetrics && !conf.EnableDebug {
		return nil
	}
	mux := http.NewServeMux()
	if conf.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if conf.EnableDebug {
		initDebugRoute(mux)
	}
	return mux
}

func initDebugRoute(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func initGinMetrics(r *gin.Engine) {
	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	r.Use(p.HandlerFunc())
}

func tokenAuth(token string) gin.HandlerFunc {
	const bearer = "Bearer "
	return func(c *gin.Context) {
		reqToken := c.GetHeader("Authorization")
		if strings.HasPrefix(reqToken, bearer) && reqToken[len(bearer):] == token {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func newCodeStore(conf *config.Config) codestore.Store {
	const timeoutCheckInterval = 15 * time.Second

	var cs codestore.Store
	if conf.CodeDir == "" {
		cs = codestore.NewMemoryStore()
	} else {
		if err := os.MkdirAll(conf.CodeDir, 0o755); err != nil {
			logger.Fatal("create code store dir failed", zap.Error(err))
		}
		cs = codestore.NewLocalStore(conf.CodeDir)
	}
	if conf.CodeTimeout > 0 {
		cs = codestore.NewTimeout(cs, conf.CodeTimeout, timeoutCheckInterval)
	}
	return cs
}

func newJobStore(conf *config.Config) (jobstore.Store, func() error) {
	if conf.PostgresDSN == "" {
		logger.Info("Using in-memory job store")
		return jobstore.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := pgstore.New(ctx, conf.PostgresDSN)
	if err != nil {
		logger.Fatal("connect job store failed", zap.Error(err))
	}
	logger.Info("Using postgres job store")
	return s, s.Close
}

func newReporter(conf *config.Config, hub *report.Hub, store jobstore.Store) report.Reporter {
	reps := report.Multi{hub}
	if conf.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
		rs := report.NewRedisStream(rdb, conf.RedisStream, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.EnsureGroup(ctx, "benchd-relay"); err != nil {
			logger.Fatal("ensure redis stream group failed", zap.Error(err))
		}
		reps = append(reps, rs)
		logger.Info("Redis progress stream attached",
			zap.String("addr", conf.RedisAddr), zap.String("stream", conf.RedisStream))
	}
	if conf.EnableMetrics {
		return newMetricsReporter(reps, store)
	}
	return reps
}

// newRegistry builds the launcher registry from configured credentials.
// A backend with no configuration simply does not register.
func newRegistry(conf *config.Config) (*launcher.Registry, restapi.QueueStatuser) {
	registry := launcher.NewRegistry()
	var queues restapi.QueueStatuser

	if eps := mustPairs(conf.FnEndpoints, "fnEndpoints"); len(eps) > 0 {
		l := fnserver.New(fnserver.Config{
			Endpoints: eps,
			Token:     conf.FnToken,
		}, logger)
		if err := registry.Register(l); err != nil {
			logger.Fatal("register function backend failed", zap.Error(err))
		}
		logger.Info("Function backend registered", zap.Strings("resources", l.Resources()))
	}

	if addrs := mustPairs(conf.CIAddresses, "ciAddresses"); len(addrs) > 0 {
		l := cibuild.New(cibuild.Config{
			API:       conf.CIAPI,
			Org:       conf.CIOrg,
			Pipeline:  conf.CIPipeline,
			Token:     conf.CIToken,
			Addresses: addrs,
		}, logger)
		if err := registry.Register(l); err != nil {
			logger.Fatal("register build backend failed", zap.Error(err))
		}
		logger.Info("Build backend registered", zap.Strings("resources", l.Resources()))
	}

	if qs := mustPairs(conf.AgentQueues, "agentQueues"); len(qs) > 0 {
		l := agentqueue.New(agentqueue.Config{
			Config: cibuild.Config{
				API:      conf.CIAPI,
				Org:      conf.CIOrg,
				Pipeline: conf.CIPipeline,
				Token:    conf.CIToken,
			},
			Queues: qs,
		}, logger)
		if err := registry.Register(l); err != nil {
			logger.Fatal("register agent-queue backend failed", zap.Error(err))
		}
		queues = l
		logger.Info("Agent-queue backend registered", zap.Strings("resources", l.Resources()))
	}

	if len(registry.Resources()) == 0 {
		logger.Warn("no launcher backend configured, submissions will be rejected")
	}
	return registry, queues
}

func mustPairs(s, name string) map[string]string {
	m, err := config.ParsePairs(s)
	if err != nil {
		logger.Fatal("parse "+name+" failed", zap.Error(err))
	}
	return m
}

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"buildVersion": version.Version,
		"goVersion":    runtime.Version(),
		"platform":     runtime.GOARCH,
		"os":           runtime.GOOS,
	})
}

func generateHandleConfig(conf *config.Config, registry *launcher.Registry) func(*gin.Context) {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"taskDir":     conf.TaskDir,
			"resources":   registry.Resources(),
			"minWorkers":  conf.Pool.MinWorkers,
			"maxWorkers":  conf.Pool.MaxWorkers,
			"redisStream": conf.RedisAddr != "",
		})
	}
}
