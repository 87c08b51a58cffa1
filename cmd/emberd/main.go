// emberd is a minimal Matrix federation homeserver core.
//
// It reads configuration from ember.json in the working directory (or
// the path given as the first argument), opens the tree store backend,
// and serves the /_matrix/key and /_matrix/federation APIs.
//
// Usage:
//
//	./emberd                  # reads ./ember.json, starts server
//	./emberd /etc/ember.json
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ember-hs/ember/internal/config"
	"github.com/ember-hs/ember/internal/event"
	"github.com/ember-hs/ember/internal/federation"
	"github.com/ember-hs/ember/internal/keyserver"
	"github.com/ember-hs/ember/internal/roomgraph"
	"github.com/ember-hs/ember/internal/server"
	"github.com/ember-hs/ember/internal/treestore"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.Info("emberd starting")

	configPath := "ember.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	// Generate and persist a signing key on first boot. The key pair is
	// held for the process lifetime; rotating it requires a restart.
	if cfg.SigningKeySeed == "" {
		seed, err := event.GenerateKey()
		if err != nil {
			log.WithError(err).Fatal("failed to generate signing key")
		}
		cfg.SigningKeySeed = seed
		if err := cfg.Save(configPath); err != nil {
			log.WithError(err).Fatal("failed to persist signing key")
		}
		log.WithField("key_id", event.KeyID(cfg.KeyName)).Info("generated signing key")
	}
	priv, err := event.ParseKey(cfg.SigningKeySeed)
	if err != nil {
		log.WithError(err).Fatal("failed to parse signing key")
	}
	keyID := event.KeyID(cfg.KeyName)

	log.WithFields(logrus.Fields{
		"server_name":  cfg.ServerName,
		"listen":       cfg.ListenAddr,
		"key_id":       keyID,
		"room_version": cfg.RoomVersion,
		"storage":      cfg.StorageBackend,
	}).Info("config loaded")

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	var backend treestore.Backend
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		backend, err = treestore.OpenPostgres(ctx, cfg.ConnString())
	default:
		backend, err = treestore.OpenBadger(cfg.BadgerPath)
	}
	if err != nil {
		log.WithError(err).Fatal("failed to open tree store")
	}

	store := treestore.New(backend)
	defer store.Close()

	graph := roomgraph.New(store)
	fed := federation.New(graph, cfg.ServerName, keyID, priv, cfg.RoomVersion, log)
	keys := keyserver.New(cfg.ServerName, keyID, priv)

	srv := server.New(cfg, fed, keys, log)
	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("server error")
	}

	log.Info("emberd stopped")
}
