// Command authcore-maintenance runs the periodic cleanup sweep against
// a live deployment: expired token records are removed and expired
// sessions are closed out. Run it from cron or as a sidecar loop.
//
//	authcore-maintenance -config authcore.yaml -redis-addr localhost:6379
//	authcore-maintenance -config authcore.yaml -redis-addr localhost:6379 -interval 10m
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	authcore "github.com/harborline/authcore"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the authcore YAML config")
		redisAddr  = flag.String("redis-addr", "", "redis address; REDIS_ADDR env is used when empty")
		redisPass  = flag.String("redis-password", "", "redis password; REDIS_PASSWORD env is used when empty")
		interval   = flag.Duration("interval", 0, "sweep repeatedly at this interval; sweep once when 0")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-config is required")
		os.Exit(2)
	}

	cfg, err := authcore.LoadConfigFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		fmt.Fprintln(os.Stderr, "-redis-addr or REDIS_ADDR is required")
		os.Exit(2)
	}
	pass := *redisPass
	if pass == "" {
		pass = os.Getenv("REDIS_PASSWORD")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: pass,
	})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := authcore.New().WithConfig(cfg).WithRedis(client).Build(ctx)
	if err != nil {
		log.Fatal("build engine: ", err)
	}

	sweep := func() {
		started := time.Now()
		report, err := engine.RunMaintenance(ctx)
		if err != nil {
			log.Print("sweep failed: ", err)
			return
		}
		log.Printf("sweep done in %s: %d token records removed, %d sessions ended",
			time.Since(started).Round(time.Millisecond),
			report.ExpiredTokensRemoved, report.ExpiredSessionsEnded)
	}

	sweep()
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("shutting down")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
