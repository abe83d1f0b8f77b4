package cli

import (
	"net/url"

	"github.com/smallnest/wegram/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "******"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRawConfig()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(redact(*cfg))
	},
}

func init() {
	configCmd.AddCommand(configDumpCmd)
	rootCmd.AddCommand(configCmd)
}

// loadRawConfig 只加载不做完整校验，管理命令不需要 token 等字段
func loadRawConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// redact 返回隐藏了密钥的副本
func redact(cfg config.Config) config.Config {
	if cfg.Telegram.Token != "" {
		cfg.Telegram.Token = redacted
	}
	if cfg.Callback.Secret != "" {
		cfg.Callback.Secret = redacted
	}
	if cfg.Telegram.Webhook.Secret != "" {
		cfg.Telegram.Webhook.Secret = redacted
	}
	if u, err := url.Parse(cfg.RabbitMQ.URL); err == nil {
		cfg.RabbitMQ.URL = u.Redacted()
	}
	if cfg.Store.RedisPassword != "" {
		cfg.Store.RedisPassword = redacted
	}
	return cfg
}
