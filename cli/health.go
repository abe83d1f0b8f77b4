package cli

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var healthURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the running relay's /health endpoint",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthURL, "url", "", "Health URL (default from callback host/port)")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := healthURL
	if url == "" {
		cfg, err := loadRawConfig()
		if err != nil {
			return err
		}
		host := cfg.Callback.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		url = fmt.Sprintf("http://%s:%d/health", host, cfg.Callback.Port)
	}

	resp, err := resty.New().SetTimeout(5 * time.Second).R().
		SetContext(cmd.Context()).
		Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	body := resp.Body()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", gjson.GetBytes(body, "status").String())
	gjson.GetBytes(body, "components").ForEach(func(key, value gjson.Result) bool {
		fmt.Fprintf(out, "  %-14s %s\n", key.String(), value.Raw)
		return true
	})
	if resp.StatusCode() != 200 {
		return fmt.Errorf("relay unhealthy: status %d", resp.StatusCode())
	}
	return nil
}
