package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/cloud-fleet/internal/cloud/digitalocean"
	"github.com/Sh00ty/cloud-fleet/internal/controller"
	"github.com/Sh00ty/cloud-fleet/internal/gossip"
	"github.com/Sh00ty/cloud-fleet/internal/identity"
	"github.com/Sh00ty/cloud-fleet/internal/journal"
	"github.com/Sh00ty/cloud-fleet/internal/metrics"
	"github.com/Sh00ty/cloud-fleet/internal/registry"
	"github.com/Sh00ty/cloud-fleet/internal/transport"
)

const (
	subElectionInterval = 3 * time.Second
	subElectionTimeout  = 10 * time.Second
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	FleetKey string `envconfig:"FLEET_KEY"`
	FleetTag string `envconfig:"FLEET_TAG"`

	GossipPort        int           `envconfig:"GOSSIP_PORT,default=12345"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL,default=10s"`
	LivenessTimeout   time.Duration `envconfig:"LIVENESS_TIMEOUT,default=60s"`

	GroupsFile string `envconfig:"GROUPS_FILE,optional"`

	MetadataURL       string        `envconfig:"METADATA_URL,optional"`
	ProviderAPIURL    string        `envconfig:"DO_API_URL,optional"`
	CloudCallTimeout  time.Duration `envconfig:"CLOUD_CALL_TIMEOUT,default=30s"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL,default=60s"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`
	QueueAddr  string `envconfig:"QUEUE_ADDR,optional"`
	QueueTopic string `envconfig:"QUEUE_EVENTS_TOPIC,optional"`
	ProbeAddr  string `envconfig:"PROBE_ADDR,default=0.0.0.0:8080"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	groups, err := loadGroups(appCfg.GroupsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load group definitions")
	}

	selfProvider := identity.NewMetadataProvider(appCfg.MetadataURL)
	selfID, err := selfProvider.InstanceID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to learn own instance id, can't join the fleet")
	}
	log.Warn().Msgf("running agent on node %s, fleet tag %s", selfID, appCfg.FleetTag)

	provider := digitalocean.NewClient(digitalocean.Config{
		Token:       appCfg.FleetKey,
		BaseURL:     appCfg.ProviderAPIURL,
		CallTimeout: appCfg.CloudCallTimeout,
	})

	reg := registry.New(appCfg.FleetTag)
	instances, err := provider.List(ctx, appCfg.FleetTag)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list the fleet")
	}
	for _, instance := range instances {
		reg.Upsert(instance.ToNode())
	}
	self, exists := reg.Get(selfID)
	if !exists {
		log.Fatal().Msgf("own instance %s is not part of fleet %s", selfID, appCfg.FleetTag)
	}
	log.Info().Msgf("bootstrapped registry with %d nodes", reg.Len())

	seeds := make([]string, 0, reg.Len())
	for _, node := range reg.List() {
		if node.ID == selfID || !node.Reachable() {
			continue
		}
		seeds = append(seeds, fmt.Sprintf("%s:%d", node.Addr(), appCfg.GossipPort))
	}

	udp, err := transport.ListenUDP(ctx, fmt.Sprintf("0.0.0.0:%d", appCfg.GossipPort), 256)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open gossip socket")
	}
	defer udp.Close()

	engine := gossip.New(gossip.Config{
		SelfID:        selfID,
		AdvertiseAddr: fmt.Sprintf("%s:%d", self.Addr(), appCfg.GossipPort),
		Seeds:         seeds,
		Interval:      appCfg.HeartbeatInterval,
		Timeout:       appCfg.LivenessTimeout,
	}, udp)

	var m metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		m = metrics.NewStatsd(selfID.String(), "apps.fleet.", appCfg.StatsdAddr)
	}
	var j journal.Journal = journal.Nop{}
	if appCfg.QueueAddr != "" {
		kafkaJournal := journal.NewKafka(appCfg.QueueAddr, appCfg.QueueTopic)
		defer kafkaJournal.Close()
		j = kafkaJournal
	}

	subFactory := func(bindAddr string, peers []string) (controller.SubElection, error) {
		subTransport, err := transport.ListenUDP(ctx, bindAddr, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to open sub-election socket %s: %w", bindAddr, err)
		}
		return gossip.New(gossip.Config{
			SelfID:        selfID,
			AdvertiseAddr: bindAddr,
			Seeds:         peers,
			Interval:      subElectionInterval,
			Timeout:       subElectionTimeout,
		}, subTransport), nil
	}

	ctrl := controller.New(
		controller.Config{
			SelfID:            selfID,
			FleetTag:          appCfg.FleetTag,
			GossipPort:        appCfg.GossipPort,
			BindHost:          self.Addr(),
			ReconcileInterval: appCfg.ReconcileInterval,
		},
		provider,
		reg,
		engine,
		m,
		j,
		subFactory,
	)
	for _, group := range groups {
		err = ctrl.Register(ctx, group)
		if err != nil {
			log.Fatal().Err(err).Msgf("failed to register group %s", group.Name)
		}
	}

	ready := &atomic.Bool{}
	serverClose := startProbeServer(appCfg.ProbeAddr, ready)
	defer serverClose()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		engine.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		return ctrl.Run(egCtx)
	})
	ready.Store(true)

	err = eg.Wait()
	if err != nil {
		log.Fatal().Err(err).Msg("agent stopped with error")
	}
	log.Warn().Msg("agent stopped")
}

func startProbeServer(addr string, ready *atomic.Bool) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    addr,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start probe server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
