package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/auth"
	"github.com/pliu/duochat/internal/config"
	"github.com/pliu/duochat/internal/conversations"
	"github.com/pliu/duochat/internal/handlers"
	"github.com/pliu/duochat/internal/identity"
	"github.com/pliu/duochat/internal/messages"
	"github.com/pliu/duochat/internal/middleware"
	"github.com/pliu/duochat/internal/rooms"
	"github.com/pliu/duochat/internal/session"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/memstore"
	"github.com/pliu/duochat/internal/store/natsstore"
	"github.com/pliu/duochat/internal/store/redisstore"
	"github.com/pliu/duochat/internal/store/sqlstore"
	"github.com/pliu/duochat/internal/telemetry"
	"github.com/pliu/duochat/internal/ws"
)

var (
	addr      = flag.String("addr", "", "http service address, overrides ADDR")
	staticDir = flag.String("static", "static", "directory with the web client")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log = log.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	users, chats, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	accounts := identity.NewAccounts(users)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.SessionTTL)
	services := session.Services{
		Rooms:         rooms.NewManager(chats, log),
		Messages:      messages.NewService(chats, log, messages.WithRetryDelay(cfg.RecencyRetryDelay)),
		Conversations: conversations.NewService(chats, log),
	}

	// Initialize WebSocket Hub
	hub := ws.NewHub(log)
	go hub.Run()
	defer hub.Shutdown()

	authHandler := &handlers.AuthHandler{Accounts: accounts, Issuer: issuer, Log: log}
	chatHandler := &handlers.ChatHandler{
		Accounts:      accounts,
		Rooms:        services.Rooms,
		Messages:      services.Messages,
		Conversations: services.Conversations,
		Hub:           hub,
		Log:           log,
	}
	wsDeps := ws.Deps{Accounts: accounts, Issuer: issuer, Services: services, Log: log}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	// API Endpoints
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/logout", authHandler.Logout).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(issuer))
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/me", authHandler.Me).Methods("GET")
	api.HandleFunc("/me", authHandler.UpdateProfile).Methods("PUT")
	api.HandleFunc("/me/password", authHandler.ChangePassword).Methods("PUT")
	api.HandleFunc("/rooms", chatHandler.OpenRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}/messages", chatHandler.GetRoomMessages).Methods("GET")
	api.HandleFunc("/rooms/{id}/messages", chatHandler.SendMessage).Methods("POST")
	api.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")

	// WebSocket Endpoint. Connections without a session start signed out.
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, wsDeps, w, r)
	})

	r.PathPrefix("/").Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Disable caching for CSS and JS files in development
		if strings.HasSuffix(r.URL.Path, ".css") || strings.HasSuffix(r.URL.Path, ".js") {
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		}
		http.FileServer(http.Dir(*staticDir)).ServeHTTP(w, r)
	}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Msg("Starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are closed by the hub, not by Shutdown.
	return srv.Shutdown(sctx)
}

// openStores picks the chat backend. Users live in SQL unless everything is
// kept in memory.
func openStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.UserStore, store.ChatStore, func(), error) {
	if cfg.Backend == "memory" {
		m := memstore.New(log)
		return m, m, func() { m.Close() }, nil
	}

	sqlStore, err := sqlstore.New(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", cfg.DBDriver, err)
	}

	var chats store.ChatStore
	switch cfg.Backend {
	case "sql":
		chats = sqlStore
	case "redis":
		chats, err = redisstore.New(ctx, cfg.RedisURL, log)
	case "nats":
		chats, err = natsstore.New(ctx, cfg.NATSURL, log)
	}
	if err != nil {
		sqlStore.Close()
		return nil, nil, nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	closeAll := func() {
		if chats != store.ChatStore(sqlStore) {
			if err := chats.Close(); err != nil {
				log.Warn().Err(err).Msg("close chat store")
			}
		}
		if err := sqlStore.Close(); err != nil {
			log.Warn().Err(err).Msg("close sql store")
		}
	}
	return sqlStore, chats, closeAll, nil
}
