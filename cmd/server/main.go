// Package main runs the realm aggregator: it refreshes lending realm
// summaries from chain and serves them to dashboards.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yourorg/realm-aggregator/internal/aggregate"
	"github.com/yourorg/realm-aggregator/internal/circuitbreaker"
	"github.com/yourorg/realm-aggregator/internal/config"
	"github.com/yourorg/realm-aggregator/internal/fetch"
	"github.com/yourorg/realm-aggregator/internal/otel"
	"github.com/yourorg/realm-aggregator/internal/publish"
	"github.com/yourorg/realm-aggregator/internal/refresh"
	"github.com/yourorg/realm-aggregator/internal/security"
)

var rootCmd = &cobra.Command{
	Use:   "realmd",
	Short: "lending realm market aggregator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "refresh realms on a schedule and serve them over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}

		shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
		defer shutdownTracer()

		app, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.service.Start(); err != nil {
			return err
		}
		defer app.service.Stop()

		server := NewServer(cfg, ServerDeps{
			Realms:   app.realms,
			Service:  app.service,
			Hub:      app.hub,
			Exporter: app.exporter,
			Signer:   app.signer,
			Registry: app.registry,
		})
		return server.Start(ctx)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "read one realm once and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		realmID, _ := cmd.Flags().GetString("realm")
		signed, _ := cmd.Flags().GetBool("signed")

		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}

		app, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		summary, report, err := app.service.Snapshot(cmd.Context(), realmID)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"realm":    realmID,
			"markets":  report.Markets,
			"missing":  report.Missing,
			"expected": report.Expected,
		}).Info("Snapshot read")

		var out interface{} = summary
		if signed {
			if out, err = app.signer.Sign(summary); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, snapshotCmd)

	snapshotCmd.Flags().String("realm", "", "realm id to read")
	snapshotCmd.Flags().Bool("signed", false, "wrap the summary in a signed envelope")
	_ = snapshotCmd.MarkFlagRequired("realm")
}

// app holds the wired components shared by the commands
type app struct {
	realms   *config.Registry
	client   *fetch.MultiChainClient
	service  *refresh.Service
	hub      *publish.Hub
	exporter *publish.Exporter
	signer   *security.Signer
	registry *prometheus.Registry
}

func buildApp(cfg config.Config) (*app, error) {
	realms, err := config.LoadRealms(cfg.RealmsFile)
	if err != nil {
		return nil, err
	}

	var account common.Address
	if cfg.Account != "" {
		if !common.IsHexAddress(cfg.Account) {
			return nil, fmt.Errorf("invalid ACCOUNT %q", cfg.Account)
		}
		account = common.HexToAddress(cfg.Account)
	}

	signer, err := security.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		exporter *publish.Exporter
		sinks    []publish.Sink
	)
	if cfg.WebhookURL != "" {
		exporter = publish.NewExporter(publish.ExporterConfig{
			WebhookURL:     cfg.WebhookURL,
			WebhookAPIKey:  cfg.WebhookAPIKey,
			BatchSize:      cfg.ExportBatchSize,
			ExportInterval: cfg.ExportInterval,
		})
		sinks = append(sinks, exporter)
	}
	hub := publish.NewHub(sinks...)

	client := fetch.NewMultiChainClient(cfg.Chain, cfg.RequestTimeout)
	service := refresh.New(
		realms,
		fetch.NewCachedRegistry(client, cfg.MarketsCacheTTL),
		client,
		hub,
		refresh.Options{
			Account:  account,
			Interval: cfg.RefreshInterval,
			Timeout:  cfg.RequestTimeout,
			Aggregate: aggregate.Options{
				APYModel:      aggregate.APYModel(cfg.APYModel),
				BlocksPerYear: cfg.BlocksPerYear,
			},
			Thresholds: circuitbreaker.Thresholds{
				MaxMissingRatio: cfg.MaxMissingRatio,
				MaxTVLChange:    cfg.MaxTVLChange,
				MinMarkets:      cfg.MinMarkets,
			},
			ResetDelay: cfg.CircuitResetDelay,
		},
		registry,
	)

	return &app{
		realms:   realms,
		client:   client,
		service:  service,
		hub:      hub,
		exporter: exporter,
		signer:   signer,
		registry: registry,
	}, nil
}

func (a *app) close() {
	if a.exporter != nil {
		a.exporter.Stop()
	}
	a.client.Close()
}

// main is the entry point for the application
func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
