// Command airweave-sync runs the sync-core process: it loads configuration,
// wires storage and transport clients, and starts the workflow runtime's
// schedulers and queue pollers until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"github.com/evalgo/airweave-sync/credentials"
	"github.com/evalgo/airweave-sync/dag"
	"github.com/evalgo/airweave-sync/destination"
	"github.com/evalgo/airweave-sync/destination/boltstore"
	"github.com/evalgo/airweave-sync/destination/pgvector"
	"github.com/evalgo/airweave-sync/destination/s3archive"
	"github.com/evalgo/airweave-sync/internal/apiauth"
	"github.com/evalgo/airweave-sync/internal/config"
	"github.com/evalgo/airweave-sync/internal/logging"
	"github.com/evalgo/airweave-sync/ledger"
	"github.com/evalgo/airweave-sync/orchestrator"
	"github.com/evalgo/airweave-sync/pubsub"
	"github.com/evalgo/airweave-sync/queue/redis"
	"github.com/evalgo/airweave-sync/source"
	"github.com/evalgo/airweave-sync/source/couchsource"
	"github.com/evalgo/airweave-sync/source/forgesource"
	"github.com/evalgo/airweave-sync/source/msgraphsource"
	"github.com/evalgo/airweave-sync/transformer"
	"github.com/evalgo/airweave-sync/workflowruntime"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dagPath := flag.String("dag", "", "path to a YAML DAG definition, overrides config dag.definitions_path")
	flag.Parse()

	if err := run(*configPath, *dagPath); err != nil {
		logging.Logger.WithError(err).Fatal("airweave-sync exited with error")
	}
}

func run(configPath, dagOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(logging.Config{
		Level:   cfg.Service.LogLevel,
		Format:  cfg.Service.LogFormat,
		Service: cfg.Service.Name,
	}).WithField("service", cfg.Service.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	led := ledger.New(pool)
	if err := led.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating ledger: %w", err)
	}
	cursors := ledger.NewCursorStore(led)
	if err := cursors.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating cursor store: %w", err)
	}

	jobs := workflowruntime.NewJobStore(pool, "sync_job_events")
	if err := jobs.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating sync_job table: %w", err)
	}

	progress, err := pubsub.NewBroker(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("connecting progress broker: %w", err)
	}
	defer progress.Close()

	keyEnv := os.Getenv(cfg.Credentials.EncryptionKeyEnv)
	cipher := credentials.NewCipher(keyEnv)
	credStore, err := credentials.OpenStore(cfg.Postgres.DSN, cipher)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	var oauthCatalog *credentials.Catalog
	if cfg.Credentials.CatalogPath != "" {
		oauthCatalog, err = credentials.LoadCatalog(cfg.Credentials.CatalogPath)
		if err != nil {
			return fmt.Errorf("loading oauth catalog: %w", err)
		}
	}

	dests, err := buildDestinations(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building destinations: %w", err)
	}
	defer func() {
		for _, d := range dests {
			if err := d.Close(); err != nil {
				log.WithError(err).Warn("error closing destination")
			}
		}
	}()

	definitionsPath := cfg.DAG.DefinitionsPath
	if dagOverride != "" {
		definitionsPath = dagOverride
	}
	graph, err := loadGraph(definitionsPath)
	if err != nil {
		return fmt.Errorf("loading dag: %w", err)
	}

	transformers := transformer.DefaultRegistry(transformer.ChunkConfig{})

	sources := source.NewRegistry()
	sources.Register("couch", func(rawCfg map[string]any) (source.Adapter, error) {
		return couchsource.New(couchsource.Config{
			DSN:      stringField(rawCfg, "dsn"),
			Database: stringField(rawCfg, "database"),
		})
	})
	sources.Register("msgraph_mail", func(rawCfg map[string]any) (source.Adapter, error) {
		return msgraphsource.New(msgraphsource.Config{Mode: msgraphsource.ModeMail, TokenSource: tokenSourceField(rawCfg)})
	})
	sources.Register("msgraph_drive", func(rawCfg map[string]any) (source.Adapter, error) {
		return msgraphsource.New(msgraphsource.Config{Mode: msgraphsource.ModeDrive, TokenSource: tokenSourceField(rawCfg)})
	})
	sources.Register("forge_gitea", func(rawCfg map[string]any) (source.Adapter, error) {
		return forgesource.New(forgesource.Config{
			Kind:    forgesource.KindGitea,
			BaseURL: stringField(rawCfg, "base_url"),
			Token:   stringField(rawCfg, "token"),
			Owner:   stringField(rawCfg, "owner"),
			Repo:    stringField(rawCfg, "repo"),
		})
	})
	sources.Register("forge_gitlab", func(rawCfg map[string]any) (source.Adapter, error) {
		return forgesource.New(forgesource.Config{
			Kind:      forgesource.KindGitLab,
			BaseURL:   stringField(rawCfg, "base_url"),
			Token:     stringField(rawCfg, "token"),
			ProjectID: stringField(rawCfg, "project_id"),
		})
	})

	registry := orchestrator.NewRegistry(256)

	jobEvents := workflowruntime.NewCancelListener(pool, "sync_job_events", log)
	jobEvents.OnEvent(func(event workflowruntime.JobEvent) {
		if event.Type != "cancel_requested" {
			return
		}
		if ok := registry.Cancel(event.SyncJobID); ok {
			log.WithField("sync_job_id", event.SyncJobID).Info("cancel delivered to local job")
		}
	})
	jobEvents.Start(ctx)
	defer jobEvents.Stop()

	queueClient, err := redis.NewQueue(ctx, redis.Config{RedisURL: cfg.Redis.URL, KeyPrefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return fmt.Errorf("connecting queue: %w", err)
	}
	defer queueClient.Close()

	resolver := func(resolveCtx context.Context, req workflowruntime.SyncRequest) (workflowruntime.Deps, error) {
		node, ok := graph.Node(req.SourceNodeID)
		if !ok {
			return workflowruntime.Deps{}, fmt.Errorf("resolving source node %s: not found in dag", req.SourceNodeID)
		}
		adapterName := node.AdapterName
		if adapterName == "" {
			adapterName = "couch"
		}

		var adapter source.Adapter
		switch adapterName {
		case "msgraph_mail", "msgraph_drive":
			ts, err := oauthTokenSource(resolveCtx, credStore, oauthCatalog, "msgraph", req.SourceConnID)
			if err != nil {
				return workflowruntime.Deps{}, err
			}
			adapter, err = sources.Build(adapterName, map[string]any{"token_source": ts})
			if err != nil {
				return workflowruntime.Deps{}, err
			}
		case "forge_gitea", "forge_gitlab":
			apiKey, err := credStore.GetAPIKey(resolveCtx, req.SourceConnID)
			if err != nil {
				return workflowruntime.Deps{}, fmt.Errorf("loading credentials for %s: %w", req.SourceConnID, err)
			}
			adapter, err = sources.Build(adapterName, map[string]any{
				"token":      apiKey,
				"base_url":   node.AdapterConfig["base_url"],
				"owner":      node.AdapterConfig["owner"],
				"repo":       node.AdapterConfig["repo"],
				"project_id": node.AdapterConfig["project_id"],
			})
			if err != nil {
				return workflowruntime.Deps{}, err
			}
		default:
			apiKey, err := credStore.GetAPIKey(resolveCtx, req.SourceConnID)
			if err != nil {
				return workflowruntime.Deps{}, fmt.Errorf("loading credentials for %s: %w", req.SourceConnID, err)
			}
			adapter, err = sources.Build("couch", map[string]any{"dsn": apiKey, "database": req.SourceConnID})
			if err != nil {
				return workflowruntime.Deps{}, err
			}
		}
		return workflowruntime.Deps{
			Adapter:      adapter,
			Graph:        graph,
			Transformers: transformers,
			Destinations: dests,
			Ledger:       led,
			Cursors:      cursors,
			Progress:     progress,
			Registry:     registry,
			Jobs:         jobs,
			Logger:       log,
		}, nil
	}

	pollers := workflowruntime.NewPollerPool(queueClient, resolver, workflowruntime.DefaultPollerConfig(), log)
	pollers.Start(ctx)
	defer pollers.Stop()

	e := echo.New()
	e.HideBanner = true

	progressGroup := e.Group("")
	if key := os.Getenv(cfg.Auth.JWTSigningKeyEnv); key != "" {
		progressGroup.Use(apiauth.NewTokenService(key, cfg.Auth.JWTExpiration).Middleware())
	} else if cfg.Auth.OIDCIssuerURL != "" {
		verifier, err := apiauth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuerURL, cfg.Auth.OIDCClientID)
		if err != nil {
			return fmt.Errorf("configuring oidc verifier: %w", err)
		}
		progressGroup.Use(verifier.Middleware())
	} else {
		log.Warn("progress gateway running without authentication, set auth.jwt_signing_key_env or auth.oidc_issuer_url")
	}
	pubsub.NewGateway(progress).RegisterRoutes(progressGroup)
	go func() {
		if err := e.Start(":8080"); err != nil {
			log.WithError(err).Info("progress gateway stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight syncs")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func buildDestinations(ctx context.Context, cfg *config.AppConfig) (map[string]destination.Destination, error) {
	dests := map[string]destination.Destination{}

	if cfg.Postgres.DSN != "" {
		pgDest, err := pgvector.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening pgvector destination: %w", err)
		}
		dests[pgDest.Name()] = pgDest
	}

	if cfg.Bolt.Path != "" {
		boltDest, err := boltstore.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, fmt.Errorf("opening bolt destination: %w", err)
		}
		dests[boltDest.Name()] = boltDest
	}

	if cfg.S3.Bucket != "" {
		s3Dest, err := s3archive.Open(ctx, s3archive.Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("opening s3 archive destination: %w", err)
		}
		dests[s3Dest.Name()] = s3Dest
	}

	return dests, nil
}

func loadGraph(path string) (*dag.Graph, error) {
	if path == "" {
		return nil, fmt.Errorf("no dag definition path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dag definition %s: %w", path, err)
	}
	return dag.Parse(data)
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func tokenSourceField(m map[string]any) oauth2.TokenSource {
	if ts, ok := m["token_source"].(oauth2.TokenSource); ok {
		return ts
	}
	return nil
}

// oauthTokenSource refreshes a source connection's stored OAuth credential
// against the catalog's configured token endpoint (§4.9, §4.10 step 1) and
// wraps the result in an auto-refreshing oauth2.TokenSource so the adapter
// never has to reason about expiry itself.
func oauthTokenSource(ctx context.Context, credStore *credentials.Store, catalog *credentials.Catalog, integrationShortName, sourceConnID string) (oauth2.TokenSource, error) {
	if catalog == nil {
		return nil, fmt.Errorf("oauth catalog not configured, cannot authenticate %s", integrationShortName)
	}
	entry, ok := catalog.Lookup(integrationShortName)
	if !ok {
		return nil, fmt.Errorf("oauth catalog has no entry for %q", integrationShortName)
	}
	if entry.OAuthType == credentials.OAuthDirect {
		return nil, fmt.Errorf("integration %q is not an oauth integration", integrationShortName)
	}

	oauthCfg, err := entry.OAuth2Config(nil)
	if err != nil {
		return nil, fmt.Errorf("building oauth config for %q: %w", integrationShortName, err)
	}

	refreshed, err := credStore.Refresh(ctx, sourceConnID, oauthCfg)
	if err != nil {
		return nil, fmt.Errorf("refreshing oauth credential for %s: %w", sourceConnID, err)
	}

	tok := &oauth2.Token{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		TokenType:    refreshed.TokenType,
		Expiry:       refreshed.ExpiresAt,
	}
	return oauthCfg.TokenSource(ctx, tok), nil
}
