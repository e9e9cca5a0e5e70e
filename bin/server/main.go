package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/zond/tilehub/server"
	"gopkg.in/natefinch/lumberjack.v2"
)

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func main() {
	config := server.DefaultConfig()

	flag.StringVar(&config.HTTPAddr, "http", config.HTTPAddr, "Where to listen to HTTP and websocket connections.")
	flag.StringVar(&config.SSHAddr, "ssh", config.SSHAddr, "Where to listen to operator console connections. Empty disables the console.")
	flag.StringVar(&config.Dir, "dir", config.Dir, "Where to save the world, notes, history and logs.")
	flag.StringVar(&config.AuthURL, "auth", envOr("AUTH_URL", config.AuthURL), "Base URL of the auth service, for the player directory.")
	flag.StringVar(&config.RedisAddr, "redis", envOr("REDIS_ADDR", config.RedisAddr), "Redis address to publish presence to. Empty disables presence.")
	flag.Float64Var(&config.CommandRate, "rate", config.CommandRate, "Commands per second one connection may send. 0 disables the limit.")
	flag.IntVar(&config.CommandBurst, "burst", config.CommandBurst, "Commands one connection may send in a burst.")
	logMaxSize := flag.Int("log_max_mb", 100, "Size in megabytes after which the log file is rotated.")

	flag.Parse()

	config.JWTSecret = envOr("AUTH_JWT_SECRET", config.JWTSecret)

	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		log.Fatal(err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(config.Dir, "tilehub.log"),
		MaxSize:    *logMaxSize,
		MaxBackups: 5,
		Compress:   true,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, config)
	if err != nil {
		log.Fatal(err)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		log.Printf("shutting down")
		if err := srv.Close(); err != nil {
			log.Print(err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	<-closed
}
