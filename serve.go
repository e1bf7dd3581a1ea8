package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"

	"github.com/alimasry/go-patch-history/config"
	"github.com/alimasry/go-patch-history/history"
	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/server"
	"github.com/alimasry/go-patch-history/store"
)

const documentsCollection = "documents"

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the document API and patch feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", ".", "config file or directory containing config.yaml")
	return cmd
}

// backends holds the stores built from the storage config and the cleanups
// to run on shutdown, in reverse order.
type backends struct {
	docs    store.DocumentStore
	patches store.PatchBackend
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (*backends, error) {
	b := &backends{}
	switch cfg.Backend {
	case "memory":
		b.docs = store.NewMemoryStore()
		b.patches = store.NewMemoryBackend()
	case "pebble":
		db, err := store.OpenPebble(cfg.Pebble.Dir, nil)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := db.Close(); err != nil {
				log.Error("close pebble", "error", err)
			}
		})
		b.docs = db.Documents(documentsCollection)
		b.patches = db
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.Project)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		b.closers = append(b.closers, func() { client.Close() })
		b.docs = store.NewFirestoreStore(client, documentsCollection)
		b.patches = store.FirestoreBackend{Client: client}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if cfg.Postgres.DSN != "" {
		pool, err := store.ConnectPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.patches = store.PostgresBackend{Pool: pool}
	}

	if cfg.CacheTTL > 0 {
		cached := store.NewCachedBackend(b.patches, cfg.CacheTTL)
		b.closers = append(b.closers, cached.Close)
		b.patches = cached
	}
	return b, nil
}

func newModel(ctx context.Context, cfg config.Config, b *backends, log *slog.Logger) (*history.Model, error) {
	snap := patch.DefaultSnapshotter()
	snap.TimestampFields = cfg.History.TimestampFields

	h, err := history.New(ctx, history.Options{
		Name:                  cfg.History.Name,
		Backend:               b.patches,
		RetainPatchesOnDelete: cfg.History.RetainPatchesOnDelete,
		Includes:              cfg.History.Includes,
		Snapshot:              &snap,
		Logger:                log,
	})
	if err != nil {
		return nil, err
	}
	return history.NewModel(b.docs, h), nil
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	b, err := openBackends(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer b.close()

	model, err := newModel(ctx, cfg, b, log)
	if err != nil {
		return err
	}

	hub := server.NewHub(model, log)
	go hub.Run()
	defer hub.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewHandler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Server.Addr, "backend", cfg.Storage.Backend, "collection", model.History().Collection())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
