package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-voice/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		conv      string
		broadcast bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored messages and their delivery status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			msgs, err := db.ByConversation(conv, broadcast)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tID\tFROM\tSTATUS\tLISTENED BY")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					m.CreatedAt.Local().Format(time.DateTime), m.ID, m.Sender, m.Status, strings.Join(m.ListenedBy, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&conv, "conv", store.BroadcastConv, "conversation id (participant ids joined by |)")
	cmd.Flags().BoolVar(&broadcast, "with-broadcast", false, "mix in broadcast messages")
	return cmd
}
