package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/cache"
	"github.com/goldroute/goldroute/internal/chain/ethereum"
	"github.com/goldroute/goldroute/internal/config"
	"github.com/goldroute/goldroute/internal/exchange/bitfinex"
	"github.com/goldroute/goldroute/internal/httpapi"
	"github.com/goldroute/goldroute/internal/metrics"
	"github.com/goldroute/goldroute/internal/portfolio"
	"github.com/goldroute/goldroute/internal/security"
	"github.com/goldroute/goldroute/internal/trading"
	"github.com/goldroute/goldroute/internal/venue"
)

const bootTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		cfg.Server.Dev = true
	}

	log := newLogger(cfg.LogLevel)
	log.Info().Str("version", version).Msg("goldroute starting")

	journal, err := openJournal(cfg, log)
	if err != nil {
		return err
	}
	defer journal.Close()

	if _, err := journal.Append(audit.Event{
		Kind:    audit.KindConfigChange,
		Subject: "configuration loaded",
		Details: map[string]any{
			"exchanges": len(cfg.Exchanges),
			"chains":    len(cfg.Chains),
			"devMode":   cfg.Server.Dev,
		},
	}); err != nil {
		return fmt.Errorf("journal unavailable at boot: %w", err)
	}

	m := metrics.New()
	reg := venue.NewRegistry(journal, log)
	reg.SetCallObserver(m.ObserveVenueCall)

	sec, err := security.New(cfg.Security, journal, log)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), bootTimeout)
	defer cancelBoot()

	if err := registerVenues(bootCtx, cfg, reg, sec, log); err != nil {
		return err
	}

	store := config.NewStore(cfg)
	agg := portfolio.New(cfg.Portfolio, reg, cache.NewFromConfig(cfg.Cache, log), log)
	eng := trading.New(cfg.Trading, reg, journal, log)

	srv := httpapi.New(cfg.Server, httpapi.Deps{
		Registry:  reg,
		Portfolio: agg,
		Engine:    eng,
		Journal:   journal,
		Metrics:   m,
		OnThresholdChange: func(n uint64) {
			store.SetChainThreshold(n)
		},
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	disconnectVenues(shutdownCtx, reg, log)
	log.Info().Msg("shutdown complete")
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func openJournal(cfg *config.Config, log zerolog.Logger) (*audit.Journal, error) {
	if cfg.Audit.Path == "" {
		log.Warn().Msg("audit journal is in-memory only, records will not survive restart")
		return audit.New(log), nil
	}
	j, err := audit.Open(cfg.Audit.Path, cfg.Audit.Fsync, log)
	if err != nil {
		return nil, fmt.Errorf("audit journal: %w", err)
	}
	return j, nil
}

// registerVenues wires every configured adapter into the registry, seeds
// first-boot credentials, and authenticates exchanges. An exchange that
// fails authentication stays registered; its envelope reports the failure
// through /health rather than blocking boot.
func registerVenues(ctx context.Context, cfg *config.Config, reg *venue.Registry, sec *security.Manager, log zerolog.Logger) error {
	for i, ex := range cfg.Exchanges {
		adapter := bitfinex.New(ex.Bitfinex, nil, log)
		entry, err := reg.Register(adapter, ex.Envelope)
		if err != nil {
			return fmt.Errorf("exchanges[%d]: %w", i, err)
		}
		venueID := adapter.Info().ID

		if !ex.Credentials.Empty() {
			has, err := sec.Has(venueID)
			if err != nil {
				return fmt.Errorf("exchanges[%d]: %w", i, err)
			}
			if !has {
				if err := sec.Store(venueID, venue.Credentials{
					Key:    ex.Credentials.Key,
					Secret: ex.Credentials.Secret,
				}, ex.Credentials.Permissions); err != nil {
					return fmt.Errorf("exchanges[%d]: storing credentials: %w", i, err)
				}
			}
		}

		has, err := sec.Has(venueID)
		if err != nil {
			return fmt.Errorf("exchanges[%d]: %w", i, err)
		}
		if !has {
			log.Warn().Str("venue", venueID).Msg("no credentials stored, venue is read-only until rotated in")
			continue
		}

		guarded, ok := entry.Exchange()
		if !ok {
			return fmt.Errorf("exchanges[%d]: %s does not expose the exchange contract", i, venueID)
		}
		if err := sec.WithCredentials(venueID, func(c venue.Credentials) error {
			return guarded.Authenticate(ctx, c)
		}); err != nil {
			log.Error().Err(err).Str("venue", venueID).Msg("venue authentication failed")
		}
	}

	for i, ch := range cfg.Chains {
		adapter, err := ethereum.Dial(ctx, ch.Ethereum, log)
		if err != nil {
			return fmt.Errorf("chains[%d]: %w", i, err)
		}
		if _, err := reg.Register(adapter, ch.Envelope); err != nil {
			return fmt.Errorf("chains[%d]: %w", i, err)
		}
	}
	return nil
}

func disconnectVenues(ctx context.Context, reg *venue.Registry, log zerolog.Logger) {
	for _, e := range reg.List() {
		var err error
		if ex, ok := e.Exchange(); ok {
			err = ex.Disconnect(ctx)
		} else if ch, ok := e.Chain(); ok {
			err = ch.Disconnect(ctx)
		}
		if err != nil {
			log.Warn().Err(err).Str("venue", e.Info().ID).Msg("disconnect failed")
		}
	}
}
