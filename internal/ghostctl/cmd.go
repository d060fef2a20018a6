package ghostctl

import (
	"fmt"
	"os"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
)

type globalFlags struct {
	server     string
	authToken  string
	operatorID string
	externalID string
}

// NewCommand builds the ghostctl root command.
func NewCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "ghostctl",
		Short:        "chat with a ghost and watch its background jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.server, "server", "http://127.0.0.1:11788", "ghostd gateway address")
	root.PersistentFlags().StringVar(&flags.authToken, "token", os.Getenv("GHOSTMESH_TOKEN"), "gateway auth token")
	root.PersistentFlags().StringVar(&flags.operatorID, "operator", "", "operator id (overrides external-id binding)")
	root.PersistentFlags().StringVar(&flags.externalID, "external-id", defaultExternalID(), "platform identity for operator binding")

	root.AddCommand(newChatCommand(flags))
	root.AddCommand(newJobsCommand(flags))
	return root
}

func defaultExternalID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func (f *globalFlags) client() *Client {
	return NewClient(f.server, f.authToken, f.operatorID, f.externalID)
}

func newChatCommand(flags *globalFlags) *cobra.Command {
	var ghost string
	var oneShot string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "chat with a ghost (TUI by default, -m for single-shot)",
		RunE: func(_ *cobra.Command, _ []string) error {
			client := flags.client()
			if oneShot != "" {
				msgs, err := client.Chat(ghost, oneShot)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					printOutbound(m)
				}
				return nil
			}
			return runChatTUI(client, ghost)
		},
	}
	cmd.Flags().StringVarP(&ghost, "ghost", "g", "", "ghost name")
	cmd.Flags().StringVarP(&oneShot, "message", "m", "", "send one message and exit")
	cmd.MarkFlagRequired("ghost")
	return cmd
}

func newJobsCommand(flags *globalFlags) *cobra.Command {
	var ghost string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "list recent background job runs",
		RunE: func(_ *cobra.Command, _ []string) error {
			jobs, err := flags.client().Jobs(ghost, limit)
			if err != nil {
				return err
			}
			tbl := uitable.New()
			tbl.MaxColWidth = 60
			tbl.AddRow("ID", "KIND", "STARTED", "STATUS", "PREVIEW")
			for _, j := range jobs {
				status := j.Status
				if j.InProgress {
					status = "in progress"
				}
				tbl.AddRow(j.ID, j.Kind, j.StartedAt, status, j.Preview)
			}
			fmt.Println(tbl.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&ghost, "ghost", "g", "", "filter by ghost name")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max rows")
	return cmd
}

func printOutbound(m outbound.Message) {
	switch m.Kind {
	case "table":
		if m.Table != nil {
			fmt.Println(m.Table.Render())
			return
		}
	case "approval":
		fmt.Printf("approval required (token %s):\n", m.Token)
		for _, tc := range m.ToolCalls {
			fmt.Printf("  %s %s\n", tc.Name, tc.Input)
		}
		fmt.Println(strings.TrimSpace(m.Text))
		return
	case "error":
		fmt.Fprintln(os.Stderr, "error: "+m.Text)
		return
	}
	if m.Text != "" {
		fmt.Println(m.Text)
	}
}
