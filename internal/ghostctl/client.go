// Package ghostctl is the operator-facing chat client: a single-shot
// mode for scripting and a bubbletea TUI for interactive chat sessions.
package ghostctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
)

// Client talks to the ghostd gateway.
type Client struct {
	BaseURL    string
	AuthToken  string
	OperatorID string
	ExternalID string

	http *http.Client
}

func NewClient(baseURL, authToken, operatorID, externalID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		AuthToken:  authToken,
		OperatorID: operatorID,
		ExternalID: externalID,
		http:       &http.Client{Timeout: 180 * time.Second},
	}
}

// Chat sends one operator message and returns the outbound list.
func (c *Client) Chat(ghost, text string) ([]outbound.Message, error) {
	body := map[string]string{
		"ghost":       ghost,
		"text":        text,
		"platform":    "cli",
		"external_id": c.ExternalID,
	}
	var resp struct {
		Messages []outbound.Message `json:"messages"`
	}
	if err := c.post("/v1/chat", body, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// JobSummaryView is one row of the jobs listing.
type JobSummaryView struct {
	ID         int64  `json:"id"`
	GhostID    string `json:"ghost_id"`
	Kind       string `json:"kind"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	InProgress bool   `json:"in_progress"`
	Status     string `json:"status"`
	Preview    string `json:"preview"`
}

// Jobs fetches the recent job-log listing, optionally for one ghost.
func (c *Client) Jobs(ghost string, limit int) ([]JobSummaryView, error) {
	url := fmt.Sprintf("/v1/jobs?limit=%d", limit)
	if ghost != "" {
		url += "&ghost=" + ghost
	}
	var resp struct {
		Data []JobSummaryView `json:"data"`
	}
	if err := c.get(url, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if c.OperatorID != "" {
		req.Header.Set("X-Operator-Id", c.OperatorID)
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
