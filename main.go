// Command vitalbase runs the resource server: PostgreSQL persistence with
// search indexing, the REST API, transactional bundles and websocket
// subscription fan-out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/vitalbase/vitalbase/audit"
	"github.com/vitalbase/vitalbase/bundle"
	"github.com/vitalbase/vitalbase/cache"
	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/config"
	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/queue"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/rest"
	"github.com/vitalbase/vitalbase/search"
	"github.com/vitalbase/vitalbase/security"
	"github.com/vitalbase/vitalbase/storage"
	"github.com/vitalbase/vitalbase/subscriptions"
)

func main() {
	cfgFile := flag.String("config", "", "path to config.yaml (default: standard search paths)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	common.ConfigureLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		common.Logger.WithError(err).Fatal("server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pg, err := db.NewPostgresDB(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer pg.Close()

	registry, err := search.DefaultRegistry(cfg.Search.DefinitionFiles...)
	if err != nil {
		return err
	}
	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx, pg, db.NewModel(registry)); err != nil {
			return err
		}
	}

	var resourceCache cache.ResourceCache
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			return err
		}
		resourceCache = redisCache
	}

	repository := repo.NewRepository(pg, registry, resourceCache, search.Options{
		Registry:     registry,
		Strict:       cfg.Search.Strict,
		DefaultCount: cfg.Search.DefaultCount,
		MaxCount:     cfg.Search.MaxCount,
	})

	deps := rest.Dependencies{
		Resources: repository,
		Bundles:   bundle.NewProcessor(repository),
	}

	if cfg.Audit.Enabled {
		trail, err := audit.NewTrail(cfg.Database.URL, cfg.Audit.Buffer)
		if err != nil {
			return err
		}
		defer trail.Close()
		deps.Trail = trail
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	deps.Blobs = blobs

	validator, err := buildValidator(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	deps.Validator = validator

	if cfg.Subscriptions.Enabled {
		engine := subscriptions.NewEngine(repository, subscriptions.NewHub(cfg.Subscriptions.SendBuffer))
		if err := engine.LoadActive(ctx, repo.Scope{}); err != nil {
			return err
		}
		repository.OnWrite(engine.Evaluate)
		deps.Stream = engine.Hub()
		defer engine.Hub().Close()

		if err := wireRelays(ctx, cfg, pg, engine); err != nil {
			return err
		}
	}

	server := rest.NewServer(cfg.Server, deps)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	common.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildValidator selects the capability-token verifier; mode "none" leaves
// the API open.
func buildValidator(ctx context.Context, cfg config.AuthConfig) (security.Validator, error) {
	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "hs256":
		return security.HS256Validator(security.NewTokenService(cfg.Secret)), nil
	case "oidc":
		provider, err := security.NewOIDCProvider(ctx, security.OIDCConfig{
			IssuerURL: cfg.Issuer,
			ClientID:  cfg.ClientID,
		})
		if err != nil {
			return nil, err
		}
		return security.OIDCValidator(provider), nil
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}

// wireRelays connects the subscription engine to the optional cross-instance
// and AMQP change channels. Relaying is best-effort; a failure is logged and
// never fails the committed write.
func wireRelays(ctx context.Context, cfg *config.Config, pg *db.PostgresDB, engine *subscriptions.Engine) error {
	var publisher queue.ChangePublisher
	if cfg.Events.Enabled {
		relay, err := queue.NewRelay(cfg.Events.URL, cfg.Events.Queue)
		if err != nil {
			return err
		}
		publisher = relay
	}

	crossInstance := cfg.Subscriptions.CrossInstance
	channel := cfg.Database.NotifyChannel

	if crossInstance || publisher != nil {
		engine.OnEvent(func(ctx context.Context, event db.ChangeEvent) {
			if crossInstance {
				if err := db.Notify(ctx, pg, channel, event); err != nil {
					common.Logger.WithError(err).Warn("failed to notify peers of change")
				}
			}
			if publisher != nil {
				if err := publisher.PublishChange(event); err != nil {
					common.Logger.WithError(err).Warn("failed to relay change event")
				}
			}
		})
	}

	if crossInstance {
		listener := db.NewListener(pg.Pool(), channel)
		listener.OnEvent(engine.HandleRemote)
		listener.Start()
		go func() {
			<-ctx.Done()
			listener.Stop()
		}()
	}
	return nil
}
