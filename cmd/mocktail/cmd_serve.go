package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"mocktail/pkg/api"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a reverse proxy that rewrites upstream responses",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Proxy listen address")
	serveCmd.Flags().String("upstream", "", "Upstream base URL, e.g. https://api.example.com")
	serveCmd.Flags().String("metrics-listen", "", "Prometheus metrics listen address (disabled when empty)")
	serveCmd.Flags().String("rules-file", "", "Read rules from a YAML/JSON file instead of the database")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Proxy.Upstream == "" {
		return ErrMissingUpstream
	}
	ctx := cmd.Context()

	svc := api.NewService(cfg, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	proxy, err := svc.ProxyHandler(cfg.Proxy.Upstream)
	if err != nil {
		return err
	}

	go func() {
		if err := svc.WatchRules(ctx.Done()); err != nil {
			log.Err(err, "规则文件监听退出")
		}
	}()

	servers := []*http.Server{{Addr: cfg.Proxy.Listen, Handler: proxy}}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.MetricsHandler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Listen, Handler: mux})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("开始监听", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%w: %s: %w", ErrServe, srv.Addr, err)
			}
		}(srv)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "proxying %s -> %s\n", cfg.Proxy.Listen, cfg.Proxy.Upstream)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
