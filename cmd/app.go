package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/health"
)

// app bundles the components every consolidation command needs.
type app struct {
	logger       *zap.Logger
	store        store
	registry     *prometheus.Registry
	monitor      *health.Monitor
	consolidator *consolidate.Consolidator
}

func newApp(ctx context.Context) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	v := viper.GetViper()

	st, err := openStore(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coll, err := health.NewCollectors(reg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	monitor := health.NewMonitor(healthConfig(v),
		health.WithLogger(logger.Named("health")),
		health.WithCollectors(coll))

	c, err := consolidate.New(st, consolidationConfig(v),
		consolidate.WithLogger(logger.Named("consolidate")),
		consolidate.WithMonitor(monitor))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create consolidator: %w", err)
	}

	return &app{
		logger:       logger,
		store:        st,
		registry:     reg,
		monitor:      monitor,
		consolidator: c,
	}, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync()
	return a.store.Close()
}
