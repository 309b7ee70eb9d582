package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-sessions/common/proto"
)

const defaultRequestTimeout = 10 * time.Second

// postJSON issues a JSON-over-HTTP POST and decodes the response body into
// out (which may be nil for empty-response endpoints).
func postJSON(ctx context.Context, client *http.Client, url string, in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal request for %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, string(body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// OrchestratorClient is the HTTP client worker daemons use to talk to the
// gateway. Implements proto.Orchestrator.
type OrchestratorClient struct {
	baseURL string
	client  *http.Client
}

// NewOrchestratorClient creates a new OrchestratorClient struct and returns a
// pointer to it. The address is host:port; the scheme is always plain HTTP.
func NewOrchestratorClient(address string) *OrchestratorClient {
	return &OrchestratorClient{
		baseURL: "http://" + address,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *OrchestratorClient) RegisterWorker(ctx context.Context, in *proto.RegisterWorkerRequest) (*proto.RegisterWorkerResponse, error) {
	var out proto.RegisterWorkerResponse
	if err := postJSON(ctx, c.client, c.baseURL+RegisterWorkerRoute, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *OrchestratorClient) Heartbeat(ctx context.Context, in *proto.HeartbeatRequest) (*proto.HeartbeatResponse, error) {
	var out proto.HeartbeatResponse
	if err := postJSON(ctx, c.client, c.baseURL+HeartbeatRoute, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *OrchestratorClient) ReportReady(ctx context.Context, in *proto.ReadyNotification) error {
	return postJSON(ctx, c.client, c.baseURL+ReportReadyRoute, in, nil)
}

func (c *OrchestratorClient) ReportHealthFailure(ctx context.Context, in *proto.HealthFailureNotification) error {
	return postJSON(ctx, c.client, c.baseURL+ReportHealthFailureRoute, in, nil)
}

func (c *OrchestratorClient) ReportTerminated(ctx context.Context, in *proto.TerminatedNotification) error {
	return postJSON(ctx, c.client, c.baseURL+ReportTerminatedRoute, in, nil)
}

// AgentClient is the HTTP client the gateway uses to command a worker daemon.
// Implements proto.WorkerAgent.
type AgentClient struct {
	baseURL string
	client  *http.Client
}

// NewAgentClient creates a new AgentClient struct and returns a pointer to it.
func NewAgentClient(address string) *AgentClient {
	return &AgentClient{
		baseURL: "http://" + address,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *AgentClient) PlaceBackend(ctx context.Context, in *proto.PlaceBackendRequest) (*proto.PlaceBackendResponse, error) {
	var out proto.PlaceBackendResponse
	if err := postJSON(ctx, c.client, c.baseURL+PlaceBackendRoute, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AgentClient) DrainBackend(ctx context.Context, in *proto.DrainBackendRequest) (*proto.DrainBackendResponse, error) {
	var out proto.DrainBackendResponse
	if err := postJSON(ctx, c.client, c.baseURL+DrainBackendRoute, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
