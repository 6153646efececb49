// Command client runs one Byzantine-robust federated-learning client: it
// registers with a replica, then loops fetch/aggregate/train/submit/vote
// rounds until canceled. Generalizes the teacher's cmd/server entrypoint
// style (construct components, wire an optional gorilla/mux admin
// surface, block) onto the FL client domain.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defl-net/client/internal/aggregator"
	"github.com/defl-net/client/internal/checkpoint"
	"github.com/defl-net/client/internal/clientconfig"
	"github.com/defl-net/client/internal/committer"
	"github.com/defl-net/client/internal/epoch"
	"github.com/defl-net/client/internal/metrics"
	"github.com/defl-net/client/internal/model"
	"github.com/defl-net/client/internal/poison"
	"github.com/defl-net/client/internal/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if len(os.Args) < 2 {
		log.Error("usage: client [-check] <config.json>")
		os.Exit(1)
	}

	check := false
	configPath := os.Args[1]
	if configPath == "-check" {
		if len(os.Args) < 3 {
			log.Error("usage: client -check <config.json>")
			os.Exit(1)
		}
		check = true
		configPath = os.Args[2]
	}

	if err := run(log, configPath, check); err != nil {
		log.Error("client exited with error", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string, check bool) error {
	cfg, err := clientconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = uuid.NewString()
	}

	host, port, err := cfg.SplitHost()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := committer.New(committer.Config{
		ClientName: clientName,
		ServerHost: host,
		ServerPort: port,
		ObsidoPort: cfg.ObsidoPort,
	}, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrapCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Bootstrap(bootstrapCtx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer c.Close()

	if check {
		return c.FetchWLast(ctx)
	}

	shape := model.Shape{128} // placeholder single-layer shape; a real
	// model runtime would introspect init_model_path instead.
	rt := model.NewInMemory(shape, seedFromName(clientName), cfg.Attack == clientconfig.AttackLabel)

	var p poison.Poisoner = poison.None{}
	switch cfg.Attack {
	case clientconfig.AttackGaussian:
		p = poison.NewGaussianNoise(cfg.GaussianAttackFactor, seedFromName(clientName))
	case clientconfig.AttackSign:
		p = poison.SignFlip{Sigma: cfg.SignflipAttackFactor}
	}

	agg := aggregator.New(toAggregatorKind(cfg.Aggregator), cfg.MultiKrumFactor)

	var store *checkpoint.Store
	if cfg.CheckpointDir != "" {
		store, err = checkpoint.New(cfg.CheckpointDir)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}

	var hub *telemetry.Hub
	if cfg.AdminAddr != "" {
		hub = telemetry.New(log)
		stopHub := make(chan struct{})
		go hub.Run(stopHub)
		defer close(stopHub)

		go serveAdmin(cfg.AdminAddr, reg, hub, log)
	}

	loop := epoch.New(c, agg, rt, p, epoch.Params{
		FetchTimeout:    time.Duration(cfg.FetchMillis) * time.Millisecond,
		GSTTimeout:      time.Duration(cfg.GSTMillis) * time.Millisecond,
		SaveFreq:        cfg.SaveFreq,
		LocalTrainSteps: cfg.LocalTrainSteps,
		NumByzantine:    cfg.NumByzantine,
	}, store, hub, m, log)

	err = loop.Run(ctx)
	if ctx.Err() != nil {
		log.Info("shutting down")
		return nil
	}
	return err
}

func toAggregatorKind(a clientconfig.Aggregator) aggregator.Kind {
	switch a {
	case clientconfig.AggregatorKrum:
		return aggregator.KindKrum
	case clientconfig.AggregatorMultiKrum:
		return aggregator.KindMultiKrum
	default:
		return aggregator.KindMean
	}
}

func seedFromName(name string) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis
	for _, b := range []byte(name) {
		h ^= int64(b)
		h *= 1099511628211 // FNV prime
	}
	return h
}

func serveAdmin(addr string, reg *prometheus.Registry, hub *telemetry.Hub, log *slog.Logger) {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/ws", hub.ServeWS)

	log.Info("admin surface listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("admin surface stopped", "err", err)
	}
}
