// Command tracethingd answers traceroute probes for a chain of virtual
// IPv6 routers.
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

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Doridian/tracething/internal/adapters/netio"
	"github.com/Doridian/tracething/internal/app"
	"github.com/Doridian/tracething/internal/config"
	"github.com/Doridian/tracething/internal/logging"
	"github.com/Doridian/tracething/internal/metrics"
	"github.com/Doridian/tracething/internal/proto"
)

// Version is set at build time.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracethingd",
		Short: "Virtual traceroute responder",
		Long: `tracethingd captures ICMPv6 echo requests sent into a reserved prefix and
answers them as if they had crossed a chain of virtual routers.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(explainCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		iface      string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if iface != "" {
				cfg.Interface = iface
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tracething.yaml", "Path to config file")
	cmd.Flags().StringVarP(&iface, "interface", "i", "", "Override the capture interface")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level")

	return cmd
}

func run(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	space, err := cfg.AddressSpace()
	if err != nil {
		return err
	}

	info, err := netio.NewLocalInfo(cfg.Interface)
	if err != nil {
		return fmt.Errorf("interface: %w", err)
	}
	if !info.Up {
		logger.Warn("interface is down", logging.KeyInterface, info.Name)
	}
	logger.Info("interface", logging.KeyInterface, info.Name, "mac", info.MAC.String(), "addrs", info.Addrs)

	capture, err := netio.NewCapture(cfg)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	defer capture.Close()

	m := metrics.New()
	if cfg.MetricsAddress != "" {
		srv := &http.Server{Addr: cfg.MetricsAddress, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", logging.KeyError, err)
			}
		}()
		defer srv.Close()
	}

	r := &app.Responder{
		Space:     space,
		Policy:    cfg.Policy(),
		Build:     proto.Options{HopLimit: uint8(cfg.ReplyHopLimit)},
		Capture:   capture,
		QueueSize: cfg.QueueSize,
		Metrics:   m,
		Logger:    logger.With(logging.KeyComponent, "responder", logging.KeyInterface, cfg.Interface),
	}
	if cfg.ErrorRateLimit > 0 {
		r.ErrorLimiter = rate.NewLimiter(rate.Limit(cfg.ErrorRateLimit), cfg.ErrorBurst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		logger.Error("responder failed", logging.KeyError, err)
		return err
	}
	return nil
}
