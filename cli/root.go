// Package cli 命令行入口
package cli

import (
	"fmt"
	"os"

	"github.com/smallnest/wegram/config"
	"github.com/spf13/cobra"
)

// Version 由构建时 -ldflags 注入
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wegram",
	Short: "WeChat <-> Telegram message relay",
	Long: `wegram relays messages between a WeChat account (through an automation
backend) and Telegram chats, in both directions.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wegram %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ~/.wegram/config.json)")
	rootCmd.AddCommand(versionCmd)
}

// Execute 执行根命令
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// loadConfig 加载并校验配置
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
