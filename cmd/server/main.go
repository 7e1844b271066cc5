package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sparkflow/sparkflow/pkg/api"
	"github.com/sparkflow/sparkflow/pkg/auth"
	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/kv"
	"github.com/sparkflow/sparkflow/pkg/realtime"
	"github.com/sparkflow/sparkflow/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "sparkflow.sqlite3", "path to the sqlite database")
	flag.Parse()

	// .env is optional, real deployments set the environment directly.
	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET_KEY")
	if secret == "" {
		return errors.New("JWT_SECRET_KEY must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", *dbVar)
	flows, err := flow.Open(*dbVar)
	if err != nil {
		return err
	}
	defer flows.Close()

	var store kv.Store
	if url := os.Getenv("REDIS_URL"); url != "" {
		redisStore, err := kv.NewRedis(ctx, url)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
		slog.Info("Connected to redis")
	} else {
		slog.Warn("REDIS_URL not set, session state is process-local")
		store = kv.NewMemory()
	}

	authn := auth.New(flows, store, []byte(secret), os.Getenv("TEST_MODE") == "true")
	sessions := session.NewManager(flows, store)
	registry := realtime.NewRegistry()
	router := realtime.NewRouter(sessions, registry)
	ws := realtime.NewHandler(authn, sessions, registry, router)
	server := api.NewServer(flows, authn, sessions, ws)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 30)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				activeFlows, connections := registry.Counts()
				if connections > 0 {
					slog.Info("live sessions", "flows", activeFlows, "connections", connections)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: server.Routes()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // buffer size 1 so the notifier is not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}
