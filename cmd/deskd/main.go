package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/zhouzirui/deskline/internal/cache"
	"github.com/zhouzirui/deskline/internal/config"
	"github.com/zhouzirui/deskline/internal/handler"
	"github.com/zhouzirui/deskline/internal/service/api"
	"github.com/zhouzirui/deskline/internal/service/auth"
	"github.com/zhouzirui/deskline/internal/service/desk"
	"github.com/zhouzirui/deskline/internal/service/inbox"
	"github.com/zhouzirui/deskline/internal/service/realtime"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	addr := pflag.String("addr", "", "listen address, overrides PORT")
	noRealtime := pflag.Bool("no-realtime", false, "do not open the realtime channel")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("warning: failed to load %s: %v", *envFile, err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	client, err := api.NewClient(api.Config{
		BaseURL:        cfg.Desk.BaseURL,
		RequestTimeout: cfg.Desk.RequestTimeout,
		RefreshTimeout: cfg.Desk.RefreshTimeout,
	}, auth.NewCredentials())
	if err != nil {
		log.Fatalf("failed to create api client: %v", err)
	}

	// The store outlives the signal context so the snapshot can be saved
	// after the server stops.
	storeCtx, cancelStore := context.WithCancel(context.Background())
	defer cancelStore()
	store := inbox.NewStore()
	go func() {
		if err := store.Run(storeCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[inbox] store stopped: %v", err)
		}
	}()

	var channel desk.Channel
	if cfg.Realtime.Enabled && !*noRealtime {
		ch, err := realtime.NewChannel(&realtime.Options{
			URL:           cfg.Realtime.URL,
			BackoffBase:   cfg.Realtime.BackoffBase,
			BackoffCap:    cfg.Realtime.BackoffCap,
			JitterPercent: cfg.Realtime.JitterPercent,
			PingInterval:  cfg.Realtime.PingInterval,
			ReadTimeout:   cfg.Realtime.ReadTimeout,
		}, client.Credentials(), client.Coordinator(), store.Ingest)
		if err != nil {
			log.Fatalf("failed to create realtime channel: %v", err)
		}
		channel = ch
		log.Printf("realtime channel configured for %s", cfg.Realtime.URL)
	} else {
		log.Println("REALTIME_URL 未配置，跳过实时通道")
	}

	snapshots, err := newSnapshotStore(cfg.Snapshot)
	if err != nil {
		log.Fatalf("failed to initialize snapshot cache: %v", err)
	}
	defer snapshots.Close()

	deskSvc := desk.NewService(client, store, channel, snapshots, desk.Options{
		BusinessID: cfg.Desk.BusinessID,
		PageSize:   cfg.Desk.PageSize,
	})
	go func() {
		_ = deskSvc.Run(storeCtx)
	}()

	bootstrapSession(ctx, deskSvc, cfg.Desk)

	router := handler.NewRouter(deskSvc)
	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	deskSvc.Shutdown(shutdownCtx)
}

func newSnapshotStore(cfg config.SnapshotConfig) (cache.Store, error) {
	storeType := cache.StoreType(cfg.Driver)
	opts := []cache.StoreOption{cache.WithTTL(cfg.TTL)}
	if storeType == cache.StoreTypeRedis {
		client, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cache.WithRedisClient(client))
	}
	store, err := cache.NewStore(storeType, opts...)
	if err != nil {
		return nil, err
	}
	log.Printf("snapshot cache: %s (ttl %s)", storeType, cfg.TTL)
	return store, nil
}

// bootstrapSession logs in with configured credentials, or tries to resume
// the previous session through the refresh cookie.
func bootstrapSession(ctx context.Context, deskSvc *desk.Service, cfg config.DeskConfig) {
	loginCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	if cfg.HasCredentials() {
		sess, err := deskSvc.Login(loginCtx, cfg.Email, cfg.Password)
		if err != nil {
			log.Printf("warning: auto login failed (%s): %v", api.Classify(err), err)
			return
		}
		log.Printf("[desk] signed in as %s", sess.UserID())
		return
	}

	if _, err := deskSvc.Restore(loginCtx); err != nil {
		log.Printf("no stored session, waiting for POST /api/session: %v", err)
		return
	}
	log.Println("[desk] session restored")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("deskline listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
