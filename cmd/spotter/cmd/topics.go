package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spotter/messenger/internal/messaging"
	"github.com/spotter/messenger/internal/presence"
)

var topicsFormat string

type topicInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// clientTopics lists every change-feed topic the client publishes.
func clientTopics() []topicInfo {
	return []topicInfo{
		{messaging.TopicConversation.Name(), messaging.TopicConversation.Description()},
		{presence.TopicStatusChanged.Name(), presence.TopicStatusChanged.Description()},
		{presence.TopicConnectionChanged.Name(), presence.TopicConnectionChanged.Description()},
	}
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the client's change-feed topics",
	Long: `List the topics a UI can subscribe to on the client's change feed.

Examples:
  spotter topics
  spotter topics --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics := clientTopics()
		switch topicsFormat {
		case "json":
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(topics)
		case "table":
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			fmt.Fprintln(tw, "----\t-----------")
			for _, t := range topics {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
			}
			return tw.Flush()
		default:
			return fmt.Errorf("unknown format %q (use table or json)", topicsFormat)
		}
	},
}

func init() {
	topicsCmd.Flags().StringVarP(&topicsFormat, "format", "f", "table", "output format (table, json)")
	rootCmd.AddCommand(topicsCmd)
}
