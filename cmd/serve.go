package main

import (
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geocode-proxy/internal/admin"
	"github.com/sells-group/geocode-proxy/internal/metrics"
	"github.com/sells-group/geocode-proxy/internal/proxy"
)

var (
	serveAddress string
	servePort    uint16
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the geocoding proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := ""
		if cmd.Flags().Changed("port") {
			port = strconv.Itoa(int(servePort))
		}
		addr, err := cfg.ListenAddr(serveAddress, port)
		if err != nil {
			return err
		}

		collector := metrics.NewCollector(nil)
		cascade, err := newCascade(cfg, collector)
		if err != nil {
			return err
		}

		acceptor, err := proxy.Listen(addr, proxy.ServiceConfig{Locator: cascade, Observer: collector})
		if err != nil {
			return err
		}
		zap.L().Info("geocoding service starting",
			zap.String("addr", acceptor.Addr().String()),
			zap.Int("backends", cascade.Backends()),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return acceptor.Serve(gctx)
		})
		if cfg.Admin.Addr != "" {
			g.Go(func() error {
				return admin.Run(gctx, cfg.Admin.Addr, admin.NewRouter(collector.Registry(), cascade.Backends()))
			})
		}

		err = g.Wait()
		zap.L().Info("geocoding service stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddress, "address", "a", "", "IP address to start service on (overrides sock_addr)")
	serveCmd.Flags().Uint16VarP(&servePort, "port", "p", 0, "port to start service on (overrides sock_addr)")
	rootCmd.AddCommand(serveCmd)
}
