package runpod

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/readiness"
)

const readyPod = `{
  "id": "pod-1", "name": "trainer", "imageName": "runpod/pytorch", "desiredStatus": "RUNNING",
  "costPerHr": 0.44, "gpuCount": 1, "memoryInGb": 31, "vcpuCount": 8, "containerDiskInGb": 20,
  "machineId": "m-1", "machine": {"gpuDisplayName": "RTX 4090"},
  "runtime": {"ports": [
    {"ip": "100.65.0.2", "isIpPublic": false, "privatePort": 22, "publicPort": 22, "type": "tcp"},
    {"ip": "203.0.113.7", "isIpPublic": true, "privatePort": 22, "publicPort": 40122, "type": "tcp"},
    {"ip": "100.65.0.2", "isIpPublic": false, "privatePort": 8888, "publicPort": 60000, "type": "http"}
  ]}
}`

type fakeAPI struct {
	mu sync.Mutex
	// deploy maps a gpu type id to the error message the API returns; absent
	// types succeed.
	deploy      map[string]string
	attempts    []string
	inputs      []DeployInput
	pollsBefore int
	polls       int
	terminated  []string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Query     string          `json:"query"`
			Variables json.RawMessage `json:"variables"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.Contains(req.Query, "podFindAndDeployOnDemand"):
			var vars struct {
				Input DeployInput `json:"input"`
			}
			assert.NoError(t, json.Unmarshal(req.Variables, &vars))
			f.attempts = append(f.attempts, vars.Input.GpuTypeID)
			f.inputs = append(f.inputs, vars.Input)
			if msg, ok := f.deploy[vars.Input.GpuTypeID]; ok {
				json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": msg}}})
				return
			}
			w.Write([]byte(`{"data":{"podFindAndDeployOnDemand":{"id":"pod-1","imageName":"runpod/pytorch","machineId":"m-1"}}}`))
		case strings.Contains(req.Query, "podTerminate"):
			f.terminated = append(f.terminated, string(req.Variables))
			w.Write([]byte(`{"data":{"podTerminate":null}}`))
		case strings.Contains(req.Query, "myself"):
			w.Write([]byte(`{"data":{"myself":{"pods":[` + readyPod + `,{"id":"pod-2","name":"booting","runtime":null}]}}}`))
		case strings.Contains(req.Query, "gpuTypes"):
			w.Write([]byte(`{"data":{"gpuTypes":[
			  {"id":"NVIDIA GeForce RTX 4090","displayName":"RTX 4090","maxGpuCount":8,"memoryInGb":24,"secureCloud":true,"communityCloud":true,"securePrice":0.69,"communityPrice":0.44},
			  {"id":"unknown","displayName":"unknown","maxGpuCount":0,"memoryInGb":0,"secureCloud":false,"communityCloud":false,"securePrice":0,"communityPrice":0},
			  {"id":"NVIDIA A100 80GB PCIe","displayName":"A100 80GB","maxGpuCount":8,"memoryInGb":80,"secureCloud":true,"communityCloud":false,"securePrice":1.64,"communityPrice":null}
			]}}`))
		case strings.Contains(req.Query, "pod(input"):
			f.polls++
			if f.polls <= f.pollsBefore {
				w.Write([]byte(`{"data":{"pod":{"id":"pod-1","name":"trainer","runtime":null}}}`))
				return
			}
			w.Write([]byte(`{"data":{"pod":` + readyPod + `}}`))
		default:
			t.Errorf("unexpected query %q", req.Query)
		}
	}
}

func newTestProvisioner(t *testing.T, f *fakeAPI) *Provisioner {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewProvisioner(NewClient(srv.URL, "test-key"), zerolog.Nop(), Options{
		IdentityFile: "~/.ssh/id_ed25519",
		PodReady:     readiness.Policy{Timeout: 2 * time.Second, Interval: 5 * time.Millisecond},
	})
}

const capacityMsg = "There are no longer any instances available with the requested specifications. Please refresh and try again."

func TestCreatePod_FallsBackOnCapacity(t *testing.T) {
	f := &fakeAPI{deploy: map[string]string{"A": capacityMsg, "B": capacityMsg}}
	p := newTestProvisioner(t, f)

	rec, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "runpod/pytorch", GpuTypeIDs: []string{"A", "B", "C"},
	})
	require.NoError(t, err)
	assert.Equal(t, "C", rec.GpuTypeID)
	assert.Equal(t, []string{"A", "B", "C"}, f.attempts)
	assert.Equal(t, "pod-1", rec.ID)
}

func TestCreatePod_NonCapacityErrorAborts(t *testing.T) {
	f := &fakeAPI{deploy: map[string]string{"A": "Invalid image name"}}
	p := newTestProvisioner(t, f)

	_, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "bad", GpuTypeIDs: []string{"A", "B"},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCapacity)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid image name", apiErr.Message)
	assert.Equal(t, []string{"A"}, f.attempts)
}

func TestCreatePod_AllExhausted(t *testing.T) {
	f := &fakeAPI{deploy: map[string]string{"A": capacityMsg, "B": "no instances available"}}
	p := newTestProvisioner(t, f)

	_, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "runpod/pytorch", GpuTypeIDs: []string{"A", "B"},
	})
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Len(t, f.attempts, 2)
}

func TestCreatePod_WaitsForSSHPort(t *testing.T) {
	f := &fakeAPI{pollsBefore: 3}
	p := newTestProvisioner(t, f)

	rec, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "runpod/pytorch", GpuTypeIDs: []string{"A"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, f.polls)
	assert.Equal(t, model.Endpoint{
		Alias: "trainer", Hostname: "203.0.113.7", Port: 40122, User: "root", IdentityFile: "~/.ssh/id_ed25519",
	}, rec.SSH)
	assert.False(t, rec.JupyterEnabled, "private-only jupyter port does not count")
	assert.Len(t, rec.Ports, 3)
	assert.Equal(t, "RTX 4090", rec.GpuDisplayName)
}

func TestCreatePod_TimeoutTerminatesPod(t *testing.T) {
	f := &fakeAPI{pollsBefore: 1 << 30}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	p := NewProvisioner(NewClient(srv.URL, "test-key"), zerolog.Nop(), Options{
		PodReady: readiness.Policy{Timeout: 30 * time.Millisecond, Interval: 5 * time.Millisecond},
	})

	_, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "runpod/pytorch", GpuTypeIDs: []string{"A"},
	})
	assert.ErrorIs(t, err, readiness.ErrTimeout)
	require.Len(t, f.terminated, 1)
	assert.Contains(t, f.terminated[0], "pod-1")
}

func TestCreatePod_JupyterAddsEnvAndPort(t *testing.T) {
	f := &fakeAPI{}
	p := newTestProvisioner(t, f)

	_, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "runpod/pytorch", GpuTypeIDs: []string{"A"}, EnableJupyter: true,
		Env: map[string]string{"JUPYTER_PASSWORD": "ignored", "WANDB_MODE": "offline"},
	})
	require.NoError(t, err)
	require.Len(t, f.inputs, 1)
	in := f.inputs[0]
	assert.Equal(t, "22/tcp,8080/http,8888/http", in.Ports)
	assert.ElementsMatch(t, []EnvVar{
		{Key: "WANDB_MODE", Value: "offline"},
		{Key: "JUPYTER_PASSWORD", Value: "jupyterpassword"},
	}, in.Env)
	assert.Equal(t, "ALL", in.CloudType)
	assert.Equal(t, 1, in.GpuCount)
}

func TestCreatePod_NoJupyterByDefault(t *testing.T) {
	f := &fakeAPI{}
	p := newTestProvisioner(t, f)

	_, err := p.CreatePod(context.Background(), CreatePodRequest{
		Name: "trainer", Image: "runpod/pytorch", GpuTypeIDs: []string{"A"}, Tier: model.TierSecure, GpuCount: 2,
	})
	require.NoError(t, err)
	in := f.inputs[0]
	assert.Equal(t, DefaultPorts, in.Ports)
	assert.Empty(t, in.Env)
	assert.Equal(t, "SECURE", in.CloudType)
	assert.Equal(t, 2, in.GpuCount)
}

func TestCreatePod_Validation(t *testing.T) {
	f := &fakeAPI{}
	p := newTestProvisioner(t, f)

	_, err := p.CreatePod(context.Background(), CreatePodRequest{Name: "trainer", Image: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Empty(t, f.attempts)
}

func TestGetPod_NotReady(t *testing.T) {
	f := &fakeAPI{pollsBefore: 1}
	p := newTestProvisioner(t, f)

	_, err := p.GetPod(context.Background(), "pod-1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestListPods_IncludesUnready(t *testing.T) {
	p := newTestProvisioner(t, &fakeAPI{})

	pods, err := p.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, 40122, pods[0].SSHPort)
	assert.Equal(t, "pod-2", pods[1].ID)
	assert.Zero(t, pods[1].SSHPort)
}

func TestGpuTypes_SkipsUnknown(t *testing.T) {
	p := newTestProvisioner(t, &fakeAPI{})

	skus, err := p.GpuTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, skus, 2)
	assert.Equal(t, "RTX 4090", skus[0].DisplayName)
	assert.Equal(t, 0.44, skus[0].CommunityPrice)

	community, err := p.AvailableSkus(context.Background(), model.TierCommunity)
	require.NoError(t, err)
	require.Len(t, community, 1)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", community[0].ID)
}

func TestTerminatePod(t *testing.T) {
	f := &fakeAPI{}
	p := newTestProvisioner(t, f)

	require.NoError(t, p.TerminatePod(context.Background(), "pod-1"))
	require.Len(t, f.terminated, 1)
	assert.JSONEq(t, `{"input":{"podId":"pod-1"}}`, f.terminated[0])

	assert.ErrorIs(t, p.TerminatePod(context.Background(), ""), model.ErrValidation)
}

func TestClient_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").GetPod(context.Background(), "pod-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestAPIError_IsCapacity(t *testing.T) {
	assert.True(t, (&APIError{Message: capacityMsg}).IsCapacity())
	assert.True(t, (&APIError{Message: "No instances available"}).IsCapacity())
	assert.False(t, (&APIError{Message: "Unauthorized"}).IsCapacity())
}
