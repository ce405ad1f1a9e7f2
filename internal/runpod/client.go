package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edvin/podlab/internal/model"
)

// DefaultURL is the provider's GraphQL endpoint.
const DefaultURL = "https://api.runpod.io/graphql"

// APIError is an error reported in a GraphQL response body.
type APIError struct {
	Op      string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runpod %s: %s", e.Op, e.Message)
}

// IsCapacity reports whether the provider rejected the request because the
// requested GPU type has no free instances.
func (e *APIError) IsCapacity() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "no longer any instances") || strings.Contains(msg, "no instances available")
}

// IsCapacity reports whether err is a capacity APIError.
func IsCapacity(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsCapacity()
}

// Client is a minimal GraphQL client for the provider API.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

// NewClient creates a Client. An empty url means DefaultURL.
func NewClient(url, apiKey string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		url:        url,
		apiKey:     apiKey,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	var gr graphqlResponse
	// GraphQL errors may arrive with a 4xx status; prefer their message.
	if jsonErr := json.Unmarshal(respBody, &gr); jsonErr == nil && len(gr.Errors) > 0 {
		return &APIError{Op: op, Message: gr.Errors[0].Message}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", op, err)
	}
	return nil
}

const podFields = `
    id
    name
    imageName
    desiredStatus
    costPerHr
    gpuCount
    memoryInGb
    vcpuCount
    containerDiskInGb
    machineId
    machine { gpuDisplayName }
    runtime {
      ports { ip isIpPublic privatePort publicPort type }
    }`

const (
	deployMutation = `mutation DeployPod($input: PodFindAndDeployOnDemandInput) {
  podFindAndDeployOnDemand(input: $input) { id imageName machineId }
}`
	podQuery = `query Pod($input: PodFilter) {
  pod(input: $input) {` + podFields + `
  }
}`
	podsQuery = `query Pods {
  myself {
    pods {` + podFields + `
    }
  }
}`
	terminateMutation = `mutation TerminatePod($input: PodTerminateInput!) {
  podTerminate(input: $input)
}`
	gpuTypesQuery = `query GpuTypes {
  gpuTypes {
    maxGpuCount
    id
    displayName
    memoryInGb
    secureCloud
    communityCloud
    securePrice
    communityPrice
  }
}`
)

// EnvVar is one pod environment variable.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeployInput is the allocation request for one GPU type.
type DeployInput struct {
	Name              string   `json:"name"`
	ImageName         string   `json:"imageName"`
	GpuTypeID         string   `json:"gpuTypeId"`
	CloudType         string   `json:"cloudType"`
	GpuCount          int      `json:"gpuCount"`
	ContainerDiskInGb int      `json:"containerDiskInGb,omitempty"`
	VolumeInGb        int      `json:"volumeInGb"`
	MinVcpuCount      int      `json:"minVcpuCount"`
	MinMemoryInGb     int      `json:"minMemoryInGb"`
	Ports             string   `json:"ports"`
	Env               []EnvVar `json:"env"`
	SupportPublicIP   bool     `json:"supportPublicIp"`
	StartSSH          bool     `json:"startSsh"`
}

type apiPort struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"`
}

// Pod is the provider's pod description. Runtime is nil until the pod has
// been scheduled and started.
type Pod struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ImageName         string  `json:"imageName"`
	DesiredStatus     string  `json:"desiredStatus"`
	CostPerHr         float64 `json:"costPerHr"`
	GpuCount          int     `json:"gpuCount"`
	MemoryInGb        int     `json:"memoryInGb"`
	VcpuCount         int     `json:"vcpuCount"`
	ContainerDiskInGb int     `json:"containerDiskInGb"`
	MachineID         string  `json:"machineId"`
	Machine           *struct {
		GpuDisplayName string `json:"gpuDisplayName"`
	} `json:"machine"`
	Runtime *struct {
		Ports []apiPort `json:"ports"`
	} `json:"runtime"`
}

// DeployPod allocates a pod and returns its id.
func (c *Client) DeployPod(ctx context.Context, in DeployInput) (string, error) {
	var out struct {
		Pod struct {
			ID string `json:"id"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := c.do(ctx, "deploy pod", deployMutation, map[string]any{"input": in}, &out); err != nil {
		return "", err
	}
	if out.Pod.ID == "" {
		return "", fmt.Errorf("deploy pod %s: empty pod id in response", in.Name)
	}
	return out.Pod.ID, nil
}

// GetPod returns the pod description, or nil if the provider does not know id.
func (c *Client) GetPod(ctx context.Context, id string) (*Pod, error) {
	var out struct {
		Pod *Pod `json:"pod"`
	}
	if err := c.do(ctx, "get pod", podQuery, map[string]any{"input": map[string]string{"podId": id}}, &out); err != nil {
		return nil, err
	}
	return out.Pod, nil
}

// GetPods returns every pod owned by the API key.
func (c *Client) GetPods(ctx context.Context) ([]Pod, error) {
	var out struct {
		Myself struct {
			Pods []Pod `json:"pods"`
		} `json:"myself"`
	}
	if err := c.do(ctx, "get pods", podsQuery, nil, &out); err != nil {
		return nil, err
	}
	return out.Myself.Pods, nil
}

// TerminatePod deprovisions a pod.
func (c *Client) TerminatePod(ctx context.Context, id string) error {
	return c.do(ctx, "terminate pod", terminateMutation, map[string]any{"input": map[string]string{"podId": id}}, nil)
}

// GpuTypes returns the raw GPU catalog.
func (c *Client) GpuTypes(ctx context.Context) ([]model.GpuSku, error) {
	var out struct {
		GpuTypes []model.GpuSku `json:"gpuTypes"`
	}
	if err := c.do(ctx, "gpu types", gpuTypesQuery, nil, &out); err != nil {
		return nil, err
	}
	return out.GpuTypes, nil
}
