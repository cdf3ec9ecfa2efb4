package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpadapter "aegis/internal/adapters/http"
	"aegis/internal/adapters/influx"
	"aegis/internal/adapters/mapbox"
	"aegis/internal/adapters/memory"
	"aegis/internal/adapters/mqtt"
	pg "aegis/internal/adapters/postgres"
	"aegis/internal/adapters/slack"
	"aegis/internal/adapters/weaviate"
	"aegis/internal/config"
	"aegis/internal/events"
	"aegis/internal/metrics"
	"aegis/internal/ports"
	"aegis/internal/services/approvals"
	"aegis/internal/services/auditor"
	"aegis/internal/services/pipeline"
	"aegis/internal/services/procurement"
	"aegis/internal/services/proposals"
	"aegis/internal/services/reliability"
	"aegis/internal/services/watcher"
)

// stores groups the storage ports so either backend can fill them.
type stores struct {
	hazards     ports.HazardStore
	locations   ports.LocationStore
	candidates  ports.CandidateStore
	sla         ports.SLAStore
	proposals   ports.ProposalRepository
	reliability ports.ReliabilityRepository
	delays      ports.DelaySource
	anomalies   ports.AnomalySource
	history     ports.DeliveryHistory
}

type app struct {
	pipeline *pipeline.Service
	http     *httpadapter.Server
	bus      *events.Bus
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a.bus = events.NewBus(events.DefaultBuffer, logger, m)
	a.closers = append(a.closers, a.bus.Close)
	if cfg.MQTTBroker != "" {
		sink, err := mqtt.Connect(ctx, mqtt.Config{Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic}, logger)
		if err != nil {
			logger.Warn("mqtt disabled", "err", err)
		} else {
			fwdCtx, stop := context.WithCancel(context.Background())
			done := a.bus.Forward(fwdCtx, "mqtt", sink.Publish)
			a.closers = append(a.closers, func() { stop(); <-done; sink.Disconnect() })
		}
	}

	var semantic ports.SemanticSLASearch
	if cfg.WeaviateURL != "" {
		s, err := weaviate.New(cfg.WeaviateURL)
		if err != nil {
			return nil, fmt.Errorf("weaviate: %w", err)
		}
		semantic = s
	}

	var router ports.Router
	if cfg.MapboxToken != "" {
		mcfg := mapbox.DefaultConfig()
		mcfg.AccessToken = cfg.MapboxToken
		mcfg.BaseURL = cfg.MapboxBaseURL
		mcfg.RPS = cfg.RoutingRPS
		router = mapbox.New(mcfg, nil, logger)
	} else {
		logger.Warn("MAPBOX_ACCESS_TOKEN not set, drive times use lead-time estimates")
	}

	var notifier ports.Notifier
	if cfg.SlackWebhookURL != "" || len(cfg.NotifyURLs) > 0 {
		n, err := slack.New(slack.Config{WebhookURL: cfg.SlackWebhookURL, NotifyURLs: cfg.NotifyURLs}, nil, logger)
		if err != nil {
			return nil, err
		}
		notifier = n
	}

	relCfg := reliability.DefaultConfig()
	relCfg.RewardFactor = cfg.RewardFactor
	relCfg.PenaltyFactor = cfg.PenaltyFactor
	rel := reliability.New(st.reliability, relCfg, logger, m)

	audCfg := auditor.DefaultConfig()
	audCfg.HITLCostThreshold = cfg.HITLCostThreshold
	audCfg.PenaltyFactor = cfg.PenaltyFactor

	a.pipeline = pipeline.New(pipeline.Deps{
		Detector:  watcher.New(st.delays, st.anomalies, st.hazards, st.locations, watcher.DefaultConfig(), logger),
		Proposer:  procurement.New(st.candidates, st.sla, semantic, router, procurement.DefaultConfig(), logger),
		Auditor:   auditor.New(st.history, rel, audCfg, logger),
		Hazards:   st.hazards,
		Locations: st.locations,
		Proposals: st.proposals,
		Notifier:  notifier,
		Events:    a.bus,
		Metrics:   m,
		Logger:    logger,
	})
	a.http = httpadapter.New(httpadapter.Deps{
		Runner:        a.pipeline,
		Proposals:     proposals.New(st.proposals),
		Approvals:     approvals.New(st.proposals, rel, logger),
		Outcomes:      rel,
		Bus:           a.bus,
		Gatherer:      reg,
		APIKey:        cfg.APIKey,
		SigningSecret: cfg.SlackSigningSecret,
		Logger:        logger,
		Lifetime:      ctx,
	})
	ok = true
	return a, nil
}

func (a *app) openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	if cfg.StorageBackend == "memory" {
		logger.Warn("using in-memory storage; state is lost on exit")
		m := memory.New()
		return stores{m, m, m, m, m, m, m, m, m}, nil
	}
	if cfg.DatabaseURL == "" {
		return stores{}, fmt.Errorf("DATABASE_URL is required for the postgres backend")
	}
	db, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("db connect error: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	ts, err := influx.New(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	if err != nil {
		return stores{}, err
	}
	a.closers = append(a.closers, ts.Close)
	return stores{
		hazards:     db,
		locations:   db,
		candidates:  db,
		sla:         db,
		proposals:   db,
		reliability: db,
		delays:      ts,
		anomalies:   ts,
		history:     ts,
	}, nil
}
