package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"

	"github.com/alertflow/alertflow/internal/api"
	"github.com/alertflow/alertflow/internal/config"
	"github.com/alertflow/alertflow/internal/dispatch"
	"github.com/alertflow/alertflow/internal/metrics"
	"github.com/alertflow/alertflow/internal/notify"
	"github.com/alertflow/alertflow/internal/rules"
	"github.com/alertflow/alertflow/internal/scrape"
	"github.com/alertflow/alertflow/internal/silence"
	"github.com/alertflow/alertflow/internal/store"
	"github.com/alertflow/alertflow/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("alertflow starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.HTTPPort,
		"eval_interval", cfg.EvalInterval,
		"retention", cfg.Retention,
		"rules", len(cfg.Rules),
		"receivers", len(cfg.Receivers),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	st := store.New(time.Duration(cfg.Retention))
	silences := silence.NewSilences()

	// The inhibitor reads firing alerts from the evaluator, which in
	// turn feeds the dispatcher; the closure breaks the wiring cycle.
	var evaluator *rules.Evaluator
	inhibitor := silence.NewInhibitor(func() []model.LabelSet {
		firing := evaluator.Alerts(nil, rules.StateFiring)
		out := make([]model.LabelSet, 0, len(firing))
		for _, a := range firing {
			out = append(out, a.Labels)
		}
		return out
	})

	mutes := func(ls model.LabelSet, now time.Time) bool {
		return silences.Mutes(ls, now) || inhibitor.Mutes(ls)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Workers:        cfg.Delivery.Workers,
		AttemptTimeout: time.Duration(cfg.Delivery.AttemptTimeout),
		MaxAttempts:    cfg.Delivery.AttemptCap(),
	}, mutes, m)

	evaluator = rules.New(st, time.Duration(cfg.EvalInterval),
		time.Duration(cfg.ResolvedRetention), dispatcher.OnAlerts, m)

	client := notify.NewClient(time.Duration(cfg.Delivery.AttemptTimeout))
	if err := applyConfig(cfg, evaluator, dispatcher, inhibitor, client); err != nil {
		slog.Error("failed to apply config", "err", err)
		os.Exit(1)
	}

	hub := ws.New(evaluator, dispatcher, 5*time.Second)

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(st, evaluator, dispatcher, silences, m))
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { st.Run(gctx); return nil })
	g.Go(func() error { evaluator.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { silences.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })

	if len(cfg.Scrape.Targets) > 0 {
		targets := make([]scrape.Target, 0, len(cfg.Scrape.Targets))
		for _, t := range cfg.Scrape.Targets {
			targets = append(targets, scrape.Target{URL: t.URL, Labels: t.Labels})
		}
		ingester := scrape.New(targets, time.Duration(cfg.Scrape.Interval), st, m)
		g.Go(func() error { ingester.Run(gctx); return nil })
		slog.Info("scrape ingester enabled", "targets", len(targets))
	}

	g.Go(func() error {
		return config.Watch(gctx, *configPath, func(next *config.Config) {
			// Rule set, routing tree, receivers and inhibition swap
			// atomically; port, retention and scrape targets need a
			// restart.
			if err := applyConfig(next, evaluator, dispatcher, inhibitor, client); err != nil {
				slog.Error("config: reload rejected", "err", err)
			}
		})
	})

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("alertflow stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("alertflow shut down")
}

// applyConfig swaps the reloadable parts of a validated configuration
// into the running subsystems. All compile steps run before any swap so
// a failure leaves every generation untouched.
func applyConfig(cfg *config.Config, ev *rules.Evaluator, d *dispatch.Dispatcher, inh *silence.Inhibitor, client *http.Client) error {
	ruleSet, err := cfg.CompileRules()
	if err != nil {
		return err
	}
	route, err := cfg.CompileRoute()
	if err != nil {
		return err
	}
	receivers, err := cfg.CompileReceivers(client)
	if err != nil {
		return err
	}
	inhibitRules, err := cfg.CompileInhibitRules()
	if err != nil {
		return err
	}

	d.SetReceivers(receivers)
	d.SetRoute(route)
	inh.SetRules(inhibitRules)
	ev.SetRules(ruleSet)
	return nil
}
