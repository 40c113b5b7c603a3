package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/servicebus/internal/dashboard"
)

func topCmd() *cobra.Command {
	var addr string
	var interval time.Duration

	c := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running kernel",
		RunE: func(_ *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: interval}
			return dashboard.Run(dashboard.HTTPFetcher(client, baseURL(addr)), interval)
		},
	}

	c.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Admin API address")
	c.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Refresh interval")
	return c
}
