// Package routerclient is the agent-side transport to the router: a
// retrying HTTP client for the registry endpoints and a reconnecting
// websocket for the message relay.
package routerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

const (
	httpAttempts   = 5
	httpMinBackoff = 1 * time.Second
	httpMaxBackoff = 10 * time.Second
)

// Client calls the router's HTTP endpoints. Every call retries
// transient failures with exponential backoff before surfacing.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (c *Client) post(ctx context.Context, path string, body, dst any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("routerclient: marshal %s: %w", path, err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Warn("router call failed, retrying", "path", path, "error", err)
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("router returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
			if resp.StatusCode == http.StatusBadRequest {
				return backoff.Permanent(err)
			}
			c.logger.Warn("router call failed, retrying", "path", path, "status", resp.StatusCode)
			return err
		}
		if dst != nil {
			if err := json.Unmarshal(raw, dst); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
			}
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = httpMinBackoff
	eb.MaxInterval = httpMaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, httpAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("routerclient: %s: %w", path, err)
	}
	return nil
}

// HealthCheck pings the router.
func (c *Client) HealthCheck(ctx context.Context) error {
	var status string
	if err := c.post(ctx, "/health_check", struct{}{}, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("routerclient: health check returned %q", status)
	}
	return nil
}

// Register announces this agent to the registry.
func (c *Client) Register(ctx context.Context, info protocol.AgentInfo) error {
	return c.post(ctx, "/register", info, nil)
}

// Retrieve searches the registry by capability descriptions.
func (c *Client) Retrieve(ctx context.Context, sender string, capabilities []string) ([]protocol.AgentInfo, error) {
	var out []protocol.AgentInfo
	err := c.post(ctx, "/retrieve_assistant", protocol.RetrieveParam{
		Sender:       sender,
		Capabilities: capabilities,
	}, &out)
	return out, err
}

// Query looks up agents by exact name; unknown names come back nil.
func (c *Client) Query(ctx context.Context, names []string) ([]*protocol.AgentInfo, error) {
	var out []*protocol.AgentInfo
	err := c.post(ctx, "/query_assistant", protocol.QueryParam{
		Name: protocol.NameList(names),
	}, &out)
	return out, err
}

// QueryOne looks up a single agent by name.
func (c *Client) QueryOne(ctx context.Context, name string) (*protocol.AgentInfo, error) {
	var out *protocol.AgentInfo
	err := c.post(ctx, "/query_assistant", protocol.QueryParam{
		Name: protocol.Name(name),
	}, &out)
	return out, err
}

// Teamup asks the router to form a session.
func (c *Client) Teamup(ctx context.Context, sender string, agentNames []string, teamName string) (protocol.TeamupResult, error) {
	var out protocol.TeamupResult
	err := c.post(ctx, "/teamup", protocol.TeamupParam{
		Sender:     sender,
		AgentNames: agentNames,
		TeamName:   teamName,
	}, &out)
	return out, err
}

// ListAllAgents fetches the full registry.
func (c *Client) ListAllAgents(ctx context.Context) (map[string]protocol.AgentEntry, error) {
	var out map[string]protocol.AgentEntry
	err := c.post(ctx, "/list_all_agents", struct{}{}, &out)
	return out, err
}

// FetchChatRecords fetches archived transcripts; nil ids fetch all.
func (c *Client) FetchChatRecords(ctx context.Context, commIDs []string) (map[string]protocol.ChatRecord, error) {
	param := protocol.ChatRecordFetchParam{}
	if commIDs != nil {
		ref := protocol.NameList(commIDs)
		param.CommID = &ref
	}
	var out map[string]protocol.ChatRecord
	err := c.post(ctx, "/fetch_chat_record", param, &out)
	return out, err
}
