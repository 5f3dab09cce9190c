package main

import (
	"context"
	"github.com/go-redis/redis/v7"
	"github.com/labstack/gommon/log"
	"os"
	"os/signal"
	"syscall"
	"time"
	"zcoder.me/api"
	"zcoder.me/auth"
	"zcoder.me/config"
	"zcoder.me/coordinator"
	"zcoder.me/persistence"
	"zcoder.me/pkg/msgbroker"
	"zcoder.me/sandbox"
	"zcoder.me/storage"
)

func main() {
	// APP configuration
	c := config.Get()
	log.SetLevel(c.Lvl())

	// Redis client
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	err := rdb.Ping().Err()
	if err != nil {
		log.Fatal(err)
	}

	// Code snapshots
	s := storage.New(rdb, c.SnapshotTTL)
	// Message broker
	mb := msgbroker.NewRedisBroker(rdb)

	// Room coordination
	router := coordinator.NewRouter(coordinator.Options{
		API:            persistence.New(c.PersistenceURL, 10*time.Second),
		Store:          s,
		Executor:       sandbox.New(c.SandboxURL),
		Broker:         mb,
		MaxWorkers:     c.MaxWorkers,
		SandboxTimeout: c.SandboxTimeout,
	})
	flusher := coordinator.NewFlusher(router, c.SnapshotInterval)
	flusher.Start()

	// API
	a := api.New(c, s, router, auth.NewVerifier(c.JWTSecret), mb)

	go func() {
		// Starting API
		if err := a.Start(); err != nil {
			log.Warn(err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	// waiting for signals
	quit := <-signals
	log.Infof("signal %s received, stopping server...", quit)
	// Stopping server
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	if err = a.Close(ctx); err != nil {
		log.Error(err)
	}
	cancel()

	flusher.Stop()
	// flushes every active room
	router.Close()

	if err = mb.Close(); err != nil {
		log.Error(err)
	}
	if err = rdb.Close(); err != nil {
		log.Error(err)
	}
}
