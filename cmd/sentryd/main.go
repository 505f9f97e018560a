package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/riftwaf/sentry/internal/clientip"
	"github.com/riftwaf/sentry/internal/expr"
	"github.com/riftwaf/sentry/internal/logging"
	"github.com/riftwaf/sentry/internal/metrics"
	"github.com/riftwaf/sentry/internal/policy"
	"github.com/riftwaf/sentry/internal/server"
	"github.com/riftwaf/sentry/internal/templates"
	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
	"github.com/riftwaf/sentry/internal/waf/contentfilter"
	"github.com/riftwaf/sentry/internal/waf/counterstore"
	"github.com/riftwaf/sentry/internal/waf/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to process configuration file")
		envPrefix  = flag.String("env-prefix", "SENTRY", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := policy.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store, err := counterstore.NewValkeyStore(counterstore.Config{Address: cfg.Counters.Address})
	if err != nil {
		logger.Error("counter store unavailable, continuing fail-open", slog.Any("error", err))
	}
	defer func() {
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Error("counter store shutdown failed", slog.Any("error", err))
			}
		}
	}()

	var evaluator *expr.HybridEvaluator
	if folder := strings.TrimSpace(cfg.Templates.Folder); folder != "" {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			logger.Warn("template sandbox root unavailable", slog.String("folder", folder), slog.Any("error", err))
		} else if sandbox, err := templates.NewSandbox(folder, cfg.Templates.AllowEnv, cfg.Templates.Allowed); err != nil {
			logger.Warn("template sandbox setup failed", slog.String("folder", folder), slog.Any("error", err))
		} else {
			renderer := templates.NewRenderer(sandbox)
			hybrid, err := expr.NewHybridEvaluator(renderer)
			if err != nil {
				logger.Warn("hybrid evaluator setup failed", slog.Any("error", err))
			} else {
				evaluator = hybrid
			}
		}
	}

	celEnv, err := expr.NewEnvironment()
	if err != nil {
		logger.Error("CEL environment setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	policyStore := policy.NewStore()
	watcher, err := policy.Watch(ctx, cfg.Bundle.File, func(policies map[string]*waf.SecurityPolicy) {
		policyStore.Replace(policies)
		logger.Info("security policy bundle reloaded", slog.Int("policies", len(policies)))
	}, func(err error) {
		logger.Error("policy bundle watch error", slog.Any("error", err))
	})
	if err != nil {
		logger.Error("policy bundle watch setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer watcher.Stop()

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	pipe := &pipeline.Pipeline{
		Detector:  botdetector.Dummy{},
		Store:     store,
		RuleDB:    contentfilter.NewRuleDB(),
		Evaluator: evaluator,
		CELEnv:    celEnv,
		Logger:    logger,
	}

	handler := &server.AnalyzeHandler{
		Pipeline:          pipe,
		Policies:          policyStore,
		ClientIP:          clientip.NewResolver(nil),
		Logger:            logger,
		Metrics:           recorder,
		CorrelationHeader: cfg.Logging.CorrelationHeader,
	}

	mux := server.NewPipelineHandler(handler, recorder.Handler())

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}
