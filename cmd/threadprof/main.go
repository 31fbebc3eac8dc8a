package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/threadprof/internal/agent"
	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/httputil"
	"github.com/getsentry/threadprof/internal/ingest"
	"github.com/getsentry/threadprof/internal/logutil"
	"github.com/getsentry/threadprof/internal/metrics"
)

type environment struct {
	config ServiceConfig

	host       *hostenv.Memory
	agent      *agent.Agent
	dispatcher *ingest.Dispatcher
	registry   *prometheus.Registry

	consumer *ingest.Consumer
	cron     *cron.Cron
}

var release string

func newEnvironment(cfg ServiceConfig) (*environment, error) {
	e := environment{
		config:   cfg,
		host:     hostenv.NewMemory(),
		registry: prometheus.NewRegistry(),
	}
	engine := metrics.NewEngine()
	var err error
	e.agent, err = agent.New(e.host, agent.Options{
		ID:              cfg.AgentID,
		MethodCacheSize: cfg.MethodCacheSize,
		TraceEnabled:    cfg.TraceEnabled,
		Metrics:         engine,
	})
	if err != nil {
		return nil, err
	}
	e.dispatcher = ingest.NewDispatcher(e.agent, e.host)

	err = engine.Register(e.registry, e.agent.Resolver(), e.agent.Arena().Len)
	if err != nil {
		return nil, err
	}
	err = e.registry.Register(collectors.NewGoCollector())
	if err != nil {
		return nil, err
	}

	if len(cfg.KafkaBrokers) > 0 {
		e.consumer = ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, e.dispatcher)
	}

	if cfg.DumpSchedule != "" {
		e.cron = cron.New()
		_, err = e.cron.AddFunc(cfg.DumpSchedule, e.dumpTrees)
		if err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (e *environment) dumpTrees() {
	var b strings.Builder
	if err := e.agent.RenderAllTrees(&b, true); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("can't render call trees")
		return
	}
	log.Info().Str("agent_id", e.agent.ID).Int("trees", e.agent.Arena().Len()).Msg("call trees\n" + b.String())
}

func (e *environment) shutdown() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	if e.consumer != nil {
		if err := e.consumer.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	e.agent.Detach()
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodGet, "/trees", e.getTrees},
		{http.MethodDelete, "/trees", e.deleteTrees},
		{http.MethodGet, "/threads", e.getThreads},
		{http.MethodGet, "/threads/:thread_id/tree", e.getThreadTree},
		{http.MethodGet, "/stacks", e.getStacks},
		{http.MethodGet, "/functions", e.getFunctions},
		{http.MethodGet, "/pprof", e.getPprof},
		{http.MethodGet, "/speedscope", e.getSpeedscope},
		{http.MethodPost, "/events", e.postEvents},
		{http.MethodPost, "/trace/:state", e.postTrace},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.AnonymizeTransactionName(route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	return router, nil
}

func main() {
	cfg, err := loadConfig()
	logutil.ConfigureLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("can't read configuration")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:                   cfg.SentryDSN,
		EnableTracing:         true,
		Environment:           cfg.Environment,
		Release:               release,
		TracesSampleRate:      1.0,
		BeforeSendTransaction: httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	env, err := newEnvironment(cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if env.consumer != nil {
		go func() {
			if err := env.consumer.Run(ctx); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}
	if cfg.SampleInterval > 0 {
		go func() {
			_ = env.agent.Run(ctx, cfg.SampleInterval)
		}()
	}
	if env.cron != nil {
		env.cron.Start()
	}

	server := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("port", cfg.Port).Str("agent_id", env.agent.ID).Msg("listening")
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Stop consuming events before the agent is detached
	cancel()
	env.shutdown()
}
