package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultManagementEndpoint is the public Azure Resource Manager endpoint.
	DefaultManagementEndpoint = "https://management.azure.com"

	apiVersion = "2019-12-01"
)

// ErrUnexpectedStatus is returned when the management API answers with a
// status code the call does not accept.
var ErrUnexpectedStatus = errors.New("unexpected status from management API")

// TokenSource supplies bearer tokens for the management API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ContainerInstanceConfig locates the container groups managed by a client.
type ContainerInstanceConfig struct {
	Endpoint       string
	SubscriptionID string
	ResourceGroup  string
	Spec           Spec
	HTTPClient     *http.Client
}

// ContainerInstanceClient provisions sandboxes as Azure Container Instances
// through the management REST API.
type ContainerInstanceClient struct {
	httpClient     *http.Client
	tokens         TokenSource
	endpoint       string
	subscriptionID string
	resourceGroup  string
	spec           Spec
}

// NewContainerInstanceClient creates a client. Every request is authenticated
// with a token from tokens.
func NewContainerInstanceClient(cfg ContainerInstanceConfig, tokens TokenSource) *ContainerInstanceClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultManagementEndpoint
	}
	return &ContainerInstanceClient{
		httpClient:     httpClient,
		tokens:         tokens,
		endpoint:       strings.TrimRight(endpoint, "/"),
		subscriptionID: cfg.SubscriptionID,
		resourceGroup:  cfg.ResourceGroup,
		spec:           cfg.Spec,
	}
}

// --- wire types ---

type containerGroup struct {
	Location   string                   `json:"location"`
	Properties containerGroupProperties `json:"properties"`
}

type containerGroupProperties struct {
	Containers               []container          `json:"containers"`
	RestartPolicy            string               `json:"restartPolicy"`
	OSType                   string               `json:"osType"`
	ImageRegistryCredentials []registryCredential `json:"imageRegistryCredentials,omitempty"`
}

type container struct {
	Name       string              `json:"name"`
	Properties containerProperties `json:"properties"`
}

type containerProperties struct {
	Image                string        `json:"image"`
	Resources            resources     `json:"resources"`
	EnvironmentVariables []environment `json:"environmentVariables"`
	Command              []string      `json:"command"`
}

type resources struct {
	Requests resourceRequests `json:"requests"`
}

type resourceRequests struct {
	CPU        float64 `json:"cpu"`
	MemoryInGB float64 `json:"memoryInGB"`
}

type environment struct {
	Name        string `json:"name"`
	SecureValue string `json:"secureValue"`
}

type registryCredential struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type containerGroupStatus struct {
	Properties *struct {
		InstanceView *struct {
			State *string `json:"state"`
		} `json:"instanceView"`
	} `json:"properties"`
}

type containerLogs struct {
	Content *string `json:"content"`
}

// Create issues a PUT for a new container group. Only 201 Created counts as
// success.
func (c *ContainerInstanceClient) Create(ctx context.Context, h Handle, artifactURL string) error {
	group := containerGroup{
		Location: c.spec.Location,
		Properties: containerGroupProperties{
			Containers: []container{{
				Name: h.Name,
				Properties: containerProperties{
					Image: c.spec.Image,
					Resources: resources{Requests: resourceRequests{
						CPU:        c.spec.CPU,
						MemoryInGB: c.spec.MemoryGB,
					}},
					EnvironmentVariables: []environment{{Name: ArtifactEnvVar, SecureValue: artifactURL}},
					Command:              c.spec.Command,
				},
			}},
			RestartPolicy: "Never",
			OSType:        "Linux",
		},
	}
	if c.spec.Registry.Username != "" {
		group.Properties.ImageRegistryCredentials = []registryCredential{{
			Server:   c.spec.Registry.Server,
			Username: c.spec.Registry.Username,
			Password: c.spec.Registry.Password,
		}}
	}

	body, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshaling container group: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, c.groupURL(h), body)
	if err != nil {
		return fmt.Errorf("creating container group %s: %w", h.Group, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("creating container group %s: %w: %d %s", h.Group, ErrUnexpectedStatus, resp.StatusCode, readBody(resp))
	}
	return nil
}

// State reads the container group and classifies its instance view state.
// A response without properties or instance view is malformed and returned
// as an error; a missing state string means the group is still pending.
func (c *ContainerInstanceClient) State(ctx context.Context, h Handle) (State, error) {
	resp, err := c.do(ctx, http.MethodGet, c.groupURL(h), nil)
	if err != nil {
		return "", fmt.Errorf("reading container group %s: %w", h.Group, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("reading container group %s: %w", h.Group, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reading container group %s: %w: %d %s", h.Group, ErrUnexpectedStatus, resp.StatusCode, readBody(resp))
	}

	var status containerGroupStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("decoding container group %s: %w", h.Group, err)
	}
	if status.Properties == nil || status.Properties.InstanceView == nil {
		return "", fmt.Errorf("container group %s: response has no instance view", h.Group)
	}

	raw := ""
	if status.Properties.InstanceView.State != nil {
		raw = *status.Properties.InstanceView.State
	}
	return ParseState(raw), nil
}

// Logs returns the captured output of the sandbox container.
func (c *ContainerInstanceClient) Logs(ctx context.Context, h Handle) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.logsURL(h), nil)
	if err != nil {
		return "", fmt.Errorf("reading logs for %s: %w", h.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reading logs for %s: %w: %d %s", h.Name, ErrUnexpectedStatus, resp.StatusCode, readBody(resp))
	}

	var logs containerLogs
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return "", fmt.Errorf("decoding logs for %s: %w", h.Name, err)
	}
	if logs.Content == nil {
		return "", fmt.Errorf("logs for %s: response has no content", h.Name)
	}
	return *logs.Content, nil
}

// Delete removes the container group. A group that is already gone counts
// as deleted so retries stay idempotent.
func (c *ContainerInstanceClient) Delete(ctx context.Context, h Handle) error {
	resp, err := c.do(ctx, http.MethodDelete, c.groupURL(h), nil)
	if err != nil {
		return fmt.Errorf("deleting container group %s: %w", h.Group, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("deleting container group %s: %w: %d %s", h.Group, ErrUnexpectedStatus, resp.StatusCode, readBody(resp))
	}
}

func (c *ContainerInstanceClient) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.httpClient.Do(req)
}

func (c *ContainerInstanceClient) groupURL(h Handle) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ContainerInstance/containerGroups/%s?api-version=%s",
		c.endpoint, url.PathEscape(c.subscriptionID), url.PathEscape(c.resourceGroup), url.PathEscape(h.Group), apiVersion)
}

func (c *ContainerInstanceClient) logsURL(h Handle) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ContainerInstance/containerGroups/%s/containers/%s/logs?api-version=%s",
		c.endpoint, url.PathEscape(c.subscriptionID), url.PathEscape(c.resourceGroup), url.PathEscape(h.Group), url.PathEscape(h.Name), apiVersion)
}

func readBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(data))
}
