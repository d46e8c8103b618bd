// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main runs the log ingestion daemon.
//
// The daemon is a pipeline with one durability boundary in the middle:
//
//	HTTP producers -> coalescer -> Redis Stream -> worker pool -> analytics sink
//
// A producer's request resolves once its entry is durably appended to the
// stream; everything after that is at-least-once with idempotent writes, so a
// crash anywhere downstream loses nothing and duplicates nothing.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"logpipe/internal/ingest/api"
	"logpipe/internal/ingest/coalesce"
	"logpipe/internal/ingest/config"
	"logpipe/internal/ingest/retry"
	"logpipe/internal/ingest/sink"
	"logpipe/internal/ingest/stream"
	"logpipe/internal/ingest/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (optional; defaults apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)
	log.WithFields(logrus.Fields{
		"instance": cfg.InstanceID,
		"stream":   cfg.Stream.Key,
		"group":    cfg.Stream.Group,
		"sink":     cfg.Sink.Type,
		"workers":  cfg.Workers.Count,
	}).Info("starting ingestd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Redis client, shared by the stream queue handles and the durable
	// retry store.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Stream.RedisAddr,
		Password: cfg.Stream.RedisPassword,
		DB:       cfg.Stream.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}
	defer rdb.Close()

	queueCfg := stream.QueueConfig{
		Key:          cfg.Stream.Key,
		Group:        cfg.Stream.Group,
		BatchSize:    cfg.Workers.BatchSize,
		Block:        cfg.Stream.Block(),
		ClaimMinIdle: cfg.Stream.ClaimMinIdle(),
		ApproxMaxLen: cfg.Stream.ApproxMaxLen,
	}

	// 2. Producer side: append queue, stream producer, coalescer.
	appendQueue := stream.NewQueue(rdb, queueCfg, log)
	producer := stream.NewProducer(appendQueue, cfg.Server.EnqueueTimeout(), log)
	coalescer := coalesce.New(coalesce.Config{
		Enabled:      cfg.Coalescer.Enabled,
		MaxBatchSize: cfg.Coalescer.MaxBatchSize,
		MaxWaitTime:  cfg.Coalescer.MaxWaitTime(),
	}, producer, log)

	// 3. Consumer side: sink, retry strategy, worker pool.
	analyticsSink, err := sink.Build(ctx, cfg.Sink.Type, sink.Options{
		ClickHouse: sink.ClickHouseConfig{
			URL:      cfg.Sink.ClickHouse.URL,
			Database: cfg.Sink.ClickHouse.Database,
			Table:    cfg.Sink.ClickHouse.Table,
			User:     cfg.Sink.ClickHouse.User,
			Password: cfg.Sink.ClickHouse.Password,
		},
		PostgresDSN: cfg.Sink.Postgres.DSN,
		Timeout:     time.Duration(cfg.Workers.SinkTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		log.WithError(err).Fatal("sink construction failed")
	}

	backoff := retry.Backoff{Base: cfg.Retry.BaseDelay(), Max: cfg.Retry.MaxDelay()}
	var retryStrategy retry.Strategy
	switch cfg.Retry.Strategy {
	case "redis":
		retryStrategy = retry.NewRedis(rdb, cfg.Retry.Key, analyticsSink, appendQueue, backoff, cfg.Retry.MaxAttempts, log)
	default:
		retryStrategy = retry.NewMemory(analyticsSink, appendQueue, backoff, cfg.Retry.MaxAttempts, log)
	}

	workerCfg := worker.Config{
		BatchSize:       cfg.Workers.BatchSize,
		MaxBatchSize:    cfg.Workers.MaxBatchSize,
		MaxWaitTime:     time.Duration(cfg.Workers.MaxWaitTimeMS) * time.Millisecond,
		PollInterval:    time.Duration(cfg.Workers.PollIntervalMS) * time.Millisecond,
		RetryQueueLimit: cfg.Workers.RetryQueueLimit,
		ClaimInterval:   time.Duration(cfg.Workers.ClaimIntervalMS) * time.Millisecond,
		RetryInterval:   time.Duration(cfg.Workers.RetryIntervalMS) * time.Millisecond,
		FlushGrace:      time.Duration(cfg.Workers.FlushGraceMS) * time.Millisecond,
		SinkTimeout:     time.Duration(cfg.Workers.SinkTimeoutMS) * time.Millisecond,
	}
	pool := worker.NewPool(worker.PoolConfig{
		Count:          cfg.Workers.Count,
		InstanceID:     cfg.InstanceID,
		HealthInterval: time.Duration(cfg.Workers.HealthIntervalMS) * time.Millisecond,
		ShutdownGrace:  workerCfg.FlushGrace + 5*time.Second,
	}, func(consumer string) (*worker.Worker, error) {
		qc := queueCfg
		qc.Consumer = consumer
		q := stream.NewQueue(rdb, qc, log)
		return worker.New(consumer, workerCfg, q, analyticsSink, retryStrategy, log), nil
	}, log)
	pool.Start(ctx)

	// 4. HTTP front end.
	auth, err := api.NewAuthService(cfg.Auth.Secret, cfg.Auth.TokenExpiry())
	if err != nil {
		log.WithError(err).Fatal("auth configuration invalid")
	}
	apiServer := api.NewServer(api.ServerConfig{
		EnqueueTimeout: cfg.Server.EnqueueTimeout(),
	}, coalescer, auth, func() any { return pool.Status() }, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}
	go func() {
		log.WithField("addr", httpServer.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	// 5. Wait for a signal, then unwind in dependency order: stop accepting
	// requests, flush the coalescer so accepted entries reach the stream, then
	// drain the workers.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := coalescer.Shutdown(10 * time.Second); err != nil {
		log.WithError(err).Warn("coalescer shutdown incomplete")
	}
	pool.Stop()
	if closer, ok := analyticsSink.(interface{ Close() }); ok {
		closer.Close()
	}
	log.Info("ingestd stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
