package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ilnaes/gopad-rebase/internal/config"
	"github.com/ilnaes/gopad-rebase/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Router routes the server's endpoints. Everything but /token needs a token.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/token", s.token).Methods(http.MethodPost)
	r.HandleFunc("/ws/{docid}", s.middleware(s.ws))
	r.HandleFunc("/history/{docid}", s.middleware(s.history)).Methods(http.MethodGet)
	r.HandleFunc("/doc/{docid}", s.middleware(s.doc)).Methods(http.MethodGet)
	return r
}

func openStore(ctx context.Context, cfg config.Config) (store.HistoryStore, error) {
	switch cfg.Store {
	case config.StoreMongo:
		return store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.StorePostgres:
		return store.ConnectPostgres(ctx, cfg.PostgresURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	hs, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Close(closeCtx); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()

	var (
		broadcaster Broadcaster
		lease       Lease
	)
	if cfg.RedisAddr != "" {
		if broadcaster, err = NewRedisBroadcaster(ctx, cfg.RedisAddr, logger); err != nil {
			return err
		}
		rl, err := NewRedisLease(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rl.Close()
		lease = rl
	}

	server := NewServer(ctx, Options{
		Secret:      []byte(cfg.Secret),
		TokenTTL:    cfg.TokenTTL,
		Store:       hs,
		Broadcaster: broadcaster,
		Lease:       lease,
		NodeID:      cfg.NodeID,
		Logger:      logger,
	})
	defer server.Close()

	srv := &http.Server{
		Handler: server.Router(),
		Addr:    cfg.ListenAddr(),
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "store", cfg.Store, "redis", cfg.RedisAddr != "", "node", cfg.NodeID)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shut down")
	return nil
}
