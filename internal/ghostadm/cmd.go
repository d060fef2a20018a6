// Package ghostadm is the admin CLI: operator approval, ghost
// management, and job-log inspection against a running ghostd.
package ghostadm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

type adminClient struct {
	server string
	token  string
	http   *http.Client
}

func (c *adminClient) call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// NewCommand builds the ghostadm root command.
func NewCommand() *cobra.Command {
	client := &adminClient{http: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:          "ghostadm",
		Short:        "administer operators, ghosts, and job logs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&client.server, "server", "http://127.0.0.1:11788", "ghostd gateway address")
	root.PersistentFlags().StringVar(&client.token, "token", os.Getenv("GHOSTMESH_TOKEN"), "gateway auth token")

	root.AddCommand(newOperatorsCommand(client))
	root.AddCommand(newGhostsCommand(client))
	root.AddCommand(newJobsCommand(client))
	return root
}

func newOperatorsCommand(client *adminClient) *cobra.Command {
	cmd := &cobra.Command{Use: "operators", Short: "manage operators"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "list operators",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := "/v1/operators"
			if status != "" {
				path += "?status=" + status
			}
			var resp struct {
				Data []struct {
					ID          string `json:"id"`
					DisplayName string `json:"display_name"`
					Platform    string `json:"platform"`
					Status      string `json:"status"`
					AccessLevel string `json:"access_level"`
				} `json:"data"`
			}
			if err := client.call(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tbl := uitable.New()
			tbl.AddRow("ID", "NAME", "PLATFORM", "STATUS", "ACCESS")
			for _, op := range resp.Data {
				tbl.AddRow(op.ID, op.DisplayName, op.Platform, op.Status, op.AccessLevel)
			}
			fmt.Println(tbl.String())
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending/approved/denied)")

	setStatus := func(use, status string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <operator-id>",
			Short: use + " an operator",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := client.call(http.MethodPost, "/v1/operators/"+args[0]+"/status",
					map[string]string{"status": status}, nil); err != nil {
					return err
				}
				fmt.Printf("operator %s %s\n", args[0], status)
				return nil
			},
		}
	}

	cmd.AddCommand(list, setStatus("approve", "approved"), setStatus("deny", "denied"))
	return cmd
}

func newGhostsCommand(client *adminClient) *cobra.Command {
	cmd := &cobra.Command{Use: "ghosts", Short: "manage ghosts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "list ghosts",
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp struct {
				Data []struct {
					ID    string `json:"id"`
					Name  string `json:"name"`
					Owner string `json:"owner"`
				} `json:"data"`
			}
			if err := client.call(http.MethodGet, "/v1/ghosts", nil, &resp); err != nil {
				return err
			}
			tbl := uitable.New()
			tbl.AddRow("ID", "NAME", "OWNER")
			for _, g := range resp.Data {
				tbl.AddRow(g.ID, g.Name, g.Owner)
			}
			fmt.Println(tbl.String())
			return nil
		},
	}

	var operatorID string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "create a ghost",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var resp struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			if err := client.call(http.MethodPost, "/v1/ghosts",
				map[string]string{"name": args[0], "operator_id": operatorID}, &resp); err != nil {
				return err
			}
			fmt.Printf("created ghost %s (%s)\n", resp.Name, resp.ID)
			return nil
		},
	}
	create.Flags().StringVar(&operatorID, "operator", "", "owning operator id")
	create.MarkFlagRequired("operator")

	cmd.AddCommand(list, create)
	return cmd
}

func newJobsCommand(client *adminClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "list recent job-log runs",
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp struct {
				Data []struct {
					ID         int64  `json:"id"`
					GhostID    string `json:"ghost_id"`
					Kind       string `json:"kind"`
					StartedAt  string `json:"started_at"`
					Status     string `json:"status"`
					InProgress bool   `json:"in_progress"`
				} `json:"data"`
			}
			if err := client.call(http.MethodGet, fmt.Sprintf("/v1/jobs?limit=%d", limit), nil, &resp); err != nil {
				return err
			}
			tbl := uitable.New()
			tbl.AddRow("ID", "GHOST", "KIND", "STARTED", "STATUS")
			for _, j := range resp.Data {
				status := j.Status
				if j.InProgress {
					status = "in progress"
				}
				tbl.AddRow(j.ID, j.GhostID, j.Kind, j.StartedAt, status)
			}
			fmt.Println(tbl.String())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max rows")
	return cmd
}
