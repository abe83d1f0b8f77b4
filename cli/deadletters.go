package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	deadLettersLimit int
	deadLettersJSON  bool
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect undeliverable messages",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent dead letters",
	RunE:  runDeadLettersList,
}

func init() {
	deadLettersListCmd.Flags().IntVarP(&deadLettersLimit, "limit", "n", 20, "Maximum number of entries")
	deadLettersListCmd.Flags().BoolVar(&deadLettersJSON, "json", false, "Output in JSON format")
	deadLettersCmd.AddCommand(deadLettersListCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

func runDeadLettersList(cmd *cobra.Command, args []string) error {
	cfg, err := loadRawConfig()
	if err != nil {
		return err
	}
	st, err := openStores(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	total, err := st.dead.CountDeadLetters(cmd.Context())
	if err != nil {
		return err
	}
	items, err := st.dead.ListDeadLetters(cmd.Context(), deadLettersLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if deadLettersJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	fmt.Fprintf(out, "%d dead letters, showing %d\n", total, len(items))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCHAT\tMESSAGE\tKIND\tREASON\tATTEMPTS\tERROR")
	for _, dl := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			dl.CreatedAt.Format("2006-01-02 15:04:05"), dl.ChatKey, dl.MessageID, dl.Kind, dl.Reason, dl.Attempts, dl.Error)
	}
	return tw.Flush()
}
