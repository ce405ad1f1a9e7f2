package podctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/podlab/internal/config"
	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/sshexec"
	"github.com/edvin/podlab/internal/trust"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, ep model.Endpoint, cmd sshexec.Command) (model.CommandResult, error) {
	args := m.Called(ep.Alias, cmd.String())
	return args.Get(0).(model.CommandResult), args.Error(1)
}

func (m *mockExecutor) Upload(ctx context.Context, ep model.Endpoint, localPath, remotePath string) (bool, error) {
	args := m.Called(ep.Alias, localPath, remotePath)
	return args.Bool(0), args.Error(1)
}

func (m *mockExecutor) Exists(ctx context.Context, ep model.Endpoint, remotePath string) (bool, error) {
	args := m.Called(ep.Alias, remotePath)
	return args.Bool(0), args.Error(1)
}

func has(sub string) any {
	return mock.MatchedBy(func(s string) bool { return strings.Contains(s, sub) })
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		TrustStorePath:   filepath.Join(dir, "hosts.yaml"),
		SyncKeyDir:       dir,
		SyncKeyName:      "id_pod_sync",
		JupyterPassword:  "pw",
		SSHReadyTimeout:  time.Second,
		SSHReadyInterval: 10 * time.Millisecond,
		PodReadyTimeout:  time.Second,
		PodReadyInterval: 10 * time.Millisecond,
	}
}

func testApp(t *testing.T, cfg *config.Config, exec *mockExecutor) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	return newApp(cfg, zerolog.Nop(), &out, exec), &out
}

func addHost(t *testing.T, cfg *config.Config, alias string) {
	ep, err := model.NewEndpoint(alias, "10.0.0.5", 22, "ubuntu", "")
	require.NoError(t, err)
	require.NoError(t, trust.Open(cfg.TrustStorePath).Add(ep))
}

func TestHostCommands(t *testing.T) {
	cfg := testConfig(t)
	app, out := testApp(t, cfg, &mockExecutor{})

	require.NoError(t, app.HostAdd("gpu-box", "10.0.0.5", 2200, "ubuntu", ""))
	require.NoError(t, app.HostList())
	assert.Contains(t, out.String(), "gpu-box")
	assert.Contains(t, out.String(), "10.0.0.5:2200")

	require.Error(t, app.HostAdd("gpu-box", "10.0.0.6", 22, "ubuntu", ""))

	require.NoError(t, app.HostRemove("gpu-box"))
	hosts, err := trust.Open(cfg.TrustStorePath).List()
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestHostAdd_MissingIdentityRejected(t *testing.T) {
	cfg := testConfig(t)
	app, _ := testApp(t, cfg, &mockExecutor{})

	err := app.HostAdd("gpu-box", "10.0.0.5", 22, "ubuntu", filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestContainer_UnknownHostAlias(t *testing.T) {
	cfg := testConfig(t)
	exec := &mockExecutor{}
	app, _ := testApp(t, cfg, exec)

	err := app.ContainerList(context.Background(), "missing", model.FilterAll)
	require.ErrorIs(t, err, trust.ErrNotFound)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestContainerList_PrintsTable(t *testing.T) {
	cfg := testConfig(t)
	addHost(t, cfg, "gpu-box")
	exec := &mockExecutor{}
	exec.On("Execute", "gpu-box", has("docker ps -a")).Return(model.CommandResult{
		Stdout: "trainer|||runpod/pytorch|||0.0.0.0:2222->22/tcp\nidle|||ubuntu:22.04|||\n",
	}, nil)
	app, out := testApp(t, cfg, exec)

	require.NoError(t, app.ContainerList(context.Background(), "gpu-box", model.FilterAll))
	assert.Contains(t, out.String(), "trainer")
	assert.Contains(t, out.String(), "10.0.0.5:2222")
	assert.Contains(t, out.String(), "idle")
}

func TestContainerStop_ResolvesRecordByName(t *testing.T) {
	cfg := testConfig(t)
	addHost(t, cfg, "gpu-box")
	exec := &mockExecutor{}
	exec.On("Execute", "gpu-box", has("docker ps -a")).Return(model.CommandResult{
		Stdout: "trainer|||runpod/pytorch|||0.0.0.0:2222->22/tcp\n",
	}, nil).Once()
	exec.On("Execute", "gpu-box", has("status=running")).Return(model.CommandResult{Stdout: "trainer\n"}, nil).Once()
	exec.On("Execute", "gpu-box", "docker stop 'trainer'").Return(model.CommandResult{}, nil).Once()
	app, out := testApp(t, cfg, exec)

	require.NoError(t, app.ContainerStop(context.Background(), "gpu-box", "trainer"))
	assert.Contains(t, out.String(), "trainer stopped")
	exec.AssertExpectations(t)
}

func TestContainerCreate_BadPortSpec(t *testing.T) {
	cfg := testConfig(t)
	addHost(t, cfg, "gpu-box")
	exec := &mockExecutor{}
	app, _ := testApp(t, cfg, exec)

	err := app.ContainerCreate(context.Background(), ContainerCreateOptions{
		Host: "gpu-box", Name: "trainer", Image: "img", Ports: []string{"53:53/udp"},
	})
	require.Error(t, err)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestPodCommands_RequireAPIKey(t *testing.T) {
	cfg := testConfig(t)
	app, _ := testApp(t, cfg, &mockExecutor{})

	assert.Error(t, app.PodList(context.Background()))
	assert.Error(t, app.PodTerminate(context.Background(), "pod-1"))
	assert.Error(t, app.PodGpus(context.Background(), "ALL"))
}

func TestPodGpus_FiltersTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "gpuTypes")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"gpuTypes":[
			{"id":"NVIDIA A100","displayName":"A100","memoryInGb":80,"maxGpuCount":8,"secureCloud":true,"communityCloud":false,"securePrice":1.89},
			{"id":"NVIDIA RTX 4090","displayName":"RTX 4090","memoryInGb":24,"maxGpuCount":8,"secureCloud":true,"communityCloud":true,"securePrice":0.69,"communityPrice":0.44}
		]}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.RunPodAPIKey = "test-key"
	cfg.RunPodAPIURL = srv.URL
	app, out := testApp(t, cfg, &mockExecutor{})

	require.NoError(t, app.PodGpus(context.Background(), "COMMUNITY"))
	assert.Contains(t, out.String(), "RTX 4090")
	assert.Contains(t, out.String(), "$0.44")
	assert.NotContains(t, out.String(), "A100")
}

func TestPodCreate_LinkAliasMustExist(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunPodAPIKey = "test-key"
	app, _ := testApp(t, cfg, &mockExecutor{})

	err := app.PodCreate(context.Background(), PodCreateOptions{
		Name: "trainer", Image: "img", GpuTypes: []string{"A"}, Link: "missing",
	})
	require.ErrorIs(t, err, trust.ErrNotFound)
}

func TestPodCreate_BadTier(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunPodAPIKey = "test-key"
	app, _ := testApp(t, cfg, &mockExecutor{})

	err := app.PodCreate(context.Background(), PodCreateOptions{Name: "p", Image: "i", GpuTypes: []string{"A"}, Tier: "gold"})
	require.Error(t, err)
}

const readyPod = `{"id":"pod-1","name":"trainer","desiredStatus":"RUNNING","costPerHr":0.44,"gpuCount":1,
  "machine":{"gpuDisplayName":"RTX 4090"},
  "runtime":{"ports":[{"ip":"203.0.113.7","isIpPublic":true,"privatePort":22,"publicPort":40122,"type":"tcp"}]}}`

// podAPI serves a single ready pod and records terminations.
func podAPI(t *testing.T, terminateFails bool, terminated *[]string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string          `json:"query"`
			Variables json.RawMessage `json:"variables"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(req.Query, "podFindAndDeployOnDemand"):
			w.Write([]byte(`{"data":{"podFindAndDeployOnDemand":{"id":"pod-1"}}}`))
		case strings.Contains(req.Query, "podTerminate"):
			*terminated = append(*terminated, string(req.Variables))
			if terminateFails {
				w.Write([]byte(`{"errors":[{"message":"internal error"}]}`))
				return
			}
			w.Write([]byte(`{"data":{"podTerminate":null}}`))
		case strings.Contains(req.Query, "pod(input"):
			w.Write([]byte(`{"data":{"pod":` + readyPod + `}}`))
		default:
			t.Errorf("unexpected query %q", req.Query)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func linkFailureApp(t *testing.T, terminateFails bool) (*App, *[]string) {
	var terminated []string
	srv := podAPI(t, terminateFails, &terminated)

	cfg := testConfig(t)
	cfg.RunPodAPIKey = "test-key"
	cfg.RunPodAPIURL = srv.URL
	addHost(t, cfg, "box")

	exec := &mockExecutor{}
	exec.On("Execute", "trainer", has("authorized_keys")).
		Return(model.CommandResult{}, &sshexec.TransportError{Endpoint: "trainer", Op: "dial", Err: assert.AnError})
	app, _ := testApp(t, cfg, exec)
	return app, &terminated
}

func TestPodCreate_LinkFailureTerminatesPod(t *testing.T) {
	app, terminated := linkFailureApp(t, false)

	err := app.PodCreate(context.Background(), PodCreateOptions{
		Name: "trainer", Image: "img", GpuTypes: []string{"A"}, Link: "box",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pod pod-1 terminated")
	require.Len(t, *terminated, 1)
	assert.Contains(t, (*terminated)[0], "pod-1")
}

func TestPodCreate_LinkFailureReportsRunningPod(t *testing.T) {
	app, terminated := linkFailureApp(t, true)

	err := app.PodCreate(context.Background(), PodCreateOptions{
		Name: "trainer", Image: "img", GpuTypes: []string{"A"}, Link: "box",
	})
	require.Error(t, err)
	var te *sshexec.TransportError
	assert.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "pod still running: terminate with podctl pod terminate pod-1")
	assert.Len(t, *terminated, 1)
}
