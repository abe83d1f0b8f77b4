package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/smallnest/wegram/mapper"
	"github.com/spf13/cobra"
)

var bindingsCmd = &cobra.Command{
	Use:   "bindings",
	Short: "Manage WeChat <-> Telegram chat bindings",
}

var bindingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bindings",
	RunE:  runBindingsList,
}

var bindingsAddCmd = &cobra.Command{
	Use:   "add <wxid> <telegram-chat-id>",
	Short: "Bind a WeChat chat to a Telegram chat (use -- before negative ids)",
	Args:  cobra.ExactArgs(2),
	RunE:  runBindingsAdd,
}

var bindingsRemoveCmd = &cobra.Command{
	Use:     "remove <telegram-chat-id>",
	Aliases: []string{"rm"},
	Short:   "Remove the binding of a Telegram chat",
	Args:    cobra.ExactArgs(1),
	RunE:    runBindingsRemove,
}

func init() {
	bindingsCmd.AddCommand(bindingsListCmd, bindingsAddCmd, bindingsRemoveCmd)
	rootCmd.AddCommand(bindingsCmd)
}

// openMapper 打开配置的存储并返回 mapper 与关闭函数
func openMapper(cmd *cobra.Command) (*mapper.Mapper, func() error, error) {
	cfg, err := loadRawConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStores(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return mapper.New(st.mappings, mapper.RejectProvisioner{}), st.Close, nil
}

func runBindingsList(cmd *cobra.Command, args []string) error {
	m, closeFn, err := openMapper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := m.List(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WECHAT\tTELEGRAM\tSOURCE\tCREATED")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", b.WeChatID, b.TelegramChatID, b.Source, b.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runBindingsAdd(cmd *cobra.Command, args []string) error {
	chatID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", args[1], err)
	}
	m, closeFn, err := openMapper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Bind(cmd.Context(), args[0], chatID, "cli"); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bound %s to %d\n", args[0], chatID)
	return nil
}

func runBindingsRemove(cmd *cobra.Command, args []string) error {
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", args[0], err)
	}
	m, closeFn, err := openMapper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Unbind(cmd.Context(), chatID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unbound %d\n", chatID)
	return nil
}
