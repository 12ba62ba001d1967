package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ketolab/ketorank/internal/output"
)

// defaultMetricsAddr is used when neither --metrics-addr nor server.metrics_addr is set.
const defaultMetricsAddr = "127.0.0.1:9464"

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Long: `Open the configured stores and expose /metrics in the Prometheus
text format. The address comes from --metrics-addr, then
server.metrics_addr, then ` + defaultMetricsAddr + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, cfg, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			addr := cfg.Server.MetricsAddr
			if addr == "" {
				addr = defaultMetricsAddr
			}
			output.New(cmd.OutOrStdout()).Statusf("📈", "Serving metrics on http://%s/metrics", addr)
			return svc.Metrics().Serve(ctx, addr)
		},
	}
}
