// pricestreamd is the real-time price distribution daemon. It holds a single
// upstream streaming connection, keeps a shared price cache reconciled
// against a REST quote source and fans updates out to downstream websocket
// clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/peakwatch/pricestream/config"
	"github.com/peakwatch/pricestream/gateway"
	"github.com/peakwatch/pricestream/log"
	"github.com/peakwatch/pricestream/quote"
	"github.com/peakwatch/pricestream/session"
	"github.com/peakwatch/pricestream/stream"
	"github.com/peakwatch/pricestream/subscription"
	"github.com/peakwatch/pricestream/ticker"
)

const shutdownGrace = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "pricestreamd",
		Usage: "real-time price distribution service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override the gateway listen address",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Gateway.ListenAddr = c.String("listen")
	}
	if c.Bool("verbose") {
		log.SetGlobalLevel("DEBUG|INFO|WARN|ERROR")
	} else {
		log.SetGlobalLevel(cfg.Log.Level)
	}

	registry := subscription.NewRegistry()
	cache := ticker.NewCache()

	mgr, err := stream.NewManager(&stream.ManagerSetup{
		URL:                   cfg.Stream.URL,
		APIKey:                cfg.Stream.APIKey,
		Cache:                 cache,
		GenerateSubscriptions: registry.Desired,
		MaxRetries:            cfg.Stream.MaxRetries,
		BackoffBase:           cfg.Stream.BackoffBase,
		BackoffCeiling:        cfg.Stream.BackoffCeiling,
		HeartbeatInterval:     cfg.Stream.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	var quotes session.QuoteFetcher
	if cfg.ReconcileEnabled() {
		qc, err := quote.NewClient(cfg.Quote.BaseURL, cfg.Quote.APIKey, cfg.Quote.Timeout, cfg.Quote.RequestsPerSecond)
		if err != nil {
			return err
		}
		quotes = qc
	} else {
		log.Warnln(log.Global, "pricestreamd: no quote source configured, reconciliation disabled")
	}

	sess, err := session.NewSession(&session.Setup{
		Registry:          registry,
		Cache:             cache,
		Stream:            mgr,
		Quotes:            quotes,
		ReconcileInterval: cfg.Reconcile.Interval,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.New(sess)
	if err != nil {
		return err
	}
	sess.SetUpdateHandler(gw.BroadcastUpdate)

	if err := sess.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		log.Infof(log.Global, "pricestreamd: gateway listening on %s", cfg.Gateway.ListenAddr)
		errC <- srv.ListenAndServe()
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-interrupt:
		log.Infof(log.Global, "pricestreamd: received %v, shutting down", sig)
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(log.Global, "pricestreamd: gateway server: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf(log.Global, "pricestreamd: gateway shutdown: %v", err)
	}
	if err := sess.Stop(); err != nil && !errors.Is(err, session.ErrNotStarted) {
		log.Warnf(log.Global, "pricestreamd: session stop: %v", err)
	}
	log.Infoln(log.Global, "pricestreamd: exited cleanly")
	return nil
}
