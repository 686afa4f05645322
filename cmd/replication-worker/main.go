/*
Copyright 2025 Guided Traffic.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guided-traffic/replication-worker/internal/approval"
	"github.com/guided-traffic/replication-worker/internal/config"
	"github.com/guided-traffic/replication-worker/internal/kv"
	"github.com/guided-traffic/replication-worker/internal/metrics"
	"github.com/guided-traffic/replication-worker/internal/model"
	"github.com/guided-traffic/replication-worker/internal/pg"
	"github.com/guided-traffic/replication-worker/internal/queue"
	"github.com/guided-traffic/replication-worker/internal/syncqueue"
	"github.com/guided-traffic/replication-worker/internal/worker"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the worker's YAML config file")
	metricsAddr := flag.String("metrics-bind-address", ":8443", "address the /metrics endpoint binds to")
	flag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)

	if err := run(*configPath, *metricsAddr, log); err != nil {
		log.Error(err, "replication worker exited with error")
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, log logr.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgPool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pgPool.Close()

	if err := pg.Migrate(cfg.Postgres.DSN); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	gateway := pg.NewPgxGateway(pgPool)
	store := kv.NewRedisStore(redisClient)
	oracle := approval.NewHTTPOracle(cfg.Approval.BaseURL, &http.Client{Timeout: 10 * time.Second})
	enqueuer := syncqueue.NewRedisEnqueuer(redisClient)

	w := worker.New(gateway, store, oracle, enqueuer, log, recorder,
		cfg.Worker.LockTTL, cfg.Worker.LockWait, cfg.Worker.IdempotencyTTL)

	runtime := queue.NewRuntime()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server stopped unexpectedly")
		}
	}()

	go func() {
		for failure := range runtime.Failed() {
			log.Error(failure.Err, "replication job failed", "jobId", jobIDOf(failure.Job))
		}
	}()

	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go runtime.Run(ctx, w.ProcessJob)
	}

	<-ctx.Done()
	log.Info("shutting down replication worker")
	runtime.ShutDown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}

func jobIDOf(job *model.ReplicationJob) string {
	if job == nil {
		return ""
	}
	return job.JobID
}
