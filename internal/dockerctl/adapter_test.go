package dockerctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/servereye/internal/database"
	"github.com/servereye/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeEngine struct {
	pingErr  error
	pingCnt  int
	closed   bool
	pulled   []string
	pullErr  error
	listErr  error
	infoErr  error
	execExit int

	containers []types.Container
	images     []types.ImageSummary
	statsJSON  types.StatsJSON
	execOut    string // stdout payload written through the stream framing
	execErrOut string

	createdConfig *container.Config
	createdHost   *container.HostConfig
	createdName   string
	stopTimeout   *int
	removeOpts    types.ContainerRemoveOptions
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) {
	f.pingCnt++
	return types.Ping{}, f.pingErr
}

func (f *fakeEngine) ContainerList(context.Context, types.ContainerListOptions) ([]types.Container, error) {
	return f.containers, f.listErr
}

func (f *fakeEngine) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.createdConfig = config
	f.createdHost = hostConfig
	f.createdName = name
	return container.CreateResponse{ID: "c-123"}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	return nil
}

func (f *fakeEngine) ContainerStop(_ context.Context, _ string, options container.StopOptions) error {
	f.stopTimeout = options.Timeout
	return nil
}

func (f *fakeEngine) ContainerRestart(context.Context, string, container.StopOptions) error {
	return nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, _ string, options types.ContainerRemoveOptions) error {
	f.removeOpts = options
	return nil
}

func (f *fakeEngine) ContainerLogs(context.Context, string, types.ContainerLogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeEngine) ContainerStats(context.Context, string, bool) (types.ContainerStats, error) {
	body, _ := json.Marshal(f.statsJSON)
	return types.ContainerStats{Body: io.NopCloser(strings.NewReader(string(body)))}, nil
}

func (f *fakeEngine) ContainerExecCreate(context.Context, string, types.ExecConfig) (types.IDResponse, error) {
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeEngine) ContainerExecAttach(context.Context, string, types.ExecStartCheck) (types.HijackedResponse, error) {
	server, client := net.Pipe()
	go func() {
		defer server.Close()
		if f.execOut != "" {
			stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte(f.execOut))
		}
		if f.execErrOut != "" {
			stdcopy.NewStdWriter(server, stdcopy.Stderr).Write([]byte(f.execErrOut))
		}
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeEngine) ContainerExecInspect(context.Context, string) (types.ContainerExecInspect, error) {
	return types.ContainerExecInspect{ExitCode: f.execExit}, nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ types.ImagePullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"pull complete"}`)), nil
}

func (f *fakeEngine) ImageList(context.Context, types.ImageListOptions) ([]types.ImageSummary, error) {
	return f.images, nil
}

func (f *fakeEngine) ImageRemove(context.Context, string, types.ImageRemoveOptions) ([]types.ImageDeleteResponseItem, error) {
	return nil, nil
}

func (f *fakeEngine) Info(context.Context) (types.Info, error) {
	if f.infoErr != nil {
		return types.Info{}, f.infoErr
	}
	return types.Info{
		ServerVersion:     "24.0.7",
		Containers:        3,
		ContainersRunning: 2,
		ContainersStopped: 1,
		NCPU:              4,
	}, nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

type adapterFixture struct {
	db       *gorm.DB
	adapter  *Adapter
	targetID uint
	dials    int
	engine   *fakeEngine
	dialErr  error
}

func newAdapterFixture(t *testing.T) *adapterFixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	target := models.Target{Name: "t1", IPAddress: "10.0.0.5", DockerPort: 2376}
	require.NoError(t, db.Create(&target).Error)

	f := &adapterFixture{db: db, targetID: target.ID, engine: &fakeEngine{}}
	f.adapter = New(db, zap.NewNop(), time.Second)
	f.adapter.connect = func(host string, port int) (engineAPI, error) {
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		f.dials++
		return f.engine, nil
	}
	return f
}

func TestClientCacheReuse(t *testing.T) {
	f := newAdapterFixture(t)
	ctx := context.Background()

	_, err := f.adapter.GetContainers(ctx, f.targetID, false)
	require.NoError(t, err)
	_, err = f.adapter.GetContainers(ctx, f.targetID, false)
	require.NoError(t, err)

	assert.Equal(t, 1, f.dials, "healthy cached client must be reused")
	assert.GreaterOrEqual(t, f.engine.pingCnt, 2, "reuse must be preceded by a liveness probe")
}

func TestClientRedialAfterFailedProbe(t *testing.T) {
	f := newAdapterFixture(t)
	ctx := context.Background()

	_, err := f.adapter.GetContainers(ctx, f.targetID, false)
	require.NoError(t, err)

	// Cached client goes stale; a fresh dial must replace it.
	stale := f.engine
	stale.pingErr = errors.New("connection refused")
	f.engine = &fakeEngine{}

	_, err = f.adapter.GetContainers(ctx, f.targetID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dials)
	assert.True(t, stale.closed, "stale client must be closed when discarded")
}

func TestEngineUnreachable(t *testing.T) {
	f := newAdapterFixture(t)
	f.dialErr = errors.New("dial tcp: connection refused")

	_, err := f.adapter.GetContainers(context.Background(), f.targetID, false)
	assert.ErrorIs(t, err, ErrEngineUnreachable)
}

func TestCreateContainer(t *testing.T) {
	f := newAdapterFixture(t)

	id, err := f.adapter.CreateContainer(context.Background(), f.targetID, ContainerSpec{
		Name:    "web",
		Image:   "nginx:1.25",
		Ports:   []PortMapping{{Host: 8080, Container: 80}},
		Env:     map[string]string{"MODE": "prod"},
		Volumes: []VolumeBind{{Host: "/data", Container: "/var/lib/data", Mode: "ro"}},
		Labels:  map[string]string{"app": "web"},
		Memory:  512,
		CPUs:    1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "c-123", id)

	require.Equal(t, []string{"nginx:1.25"}, f.engine.pulled, "image must be pulled before create")
	assert.Equal(t, "web", f.engine.createdName)

	cfg, host := f.engine.createdConfig, f.engine.createdHost
	assert.Equal(t, "true", cfg.Labels[managedLabel])
	assert.Equal(t, "web", cfg.Labels["app"])
	assert.Contains(t, cfg.Env, "MODE=prod")
	assert.Contains(t, host.Binds, "/data:/var/lib/data:ro")
	assert.EqualValues(t, 512*1024*1024, host.Memory, "memory is given in MB, stored in bytes")
	assert.EqualValues(t, 1536, host.CPUShares)
	assert.EqualValues(t, "unless-stopped", host.RestartPolicy.Name)

	bindings := host.PortBindings["80/tcp"]
	require.Len(t, bindings, 1)
	assert.Equal(t, "8080", bindings[0].HostPort)
}

func TestCreateContainerPullFailure(t *testing.T) {
	f := newAdapterFixture(t)
	f.engine.pullErr = errors.New("manifest unknown")

	_, err := f.adapter.CreateContainer(context.Background(), f.targetID, ContainerSpec{
		Name: "web", Image: "nginx:bogus",
	})
	assert.ErrorIs(t, err, ErrEngineOperation)
	assert.Nil(t, f.engine.createdConfig, "create must not run when the pull fails")
}

func TestStopContainerGracePeriod(t *testing.T) {
	f := newAdapterFixture(t)

	err := f.adapter.StopContainer(context.Background(), f.targetID, "c-123", 25*time.Second)
	require.NoError(t, err)
	require.NotNil(t, f.engine.stopTimeout)
	assert.Equal(t, 25, *f.engine.stopTimeout)
}

func TestRemoveContainerForce(t *testing.T) {
	f := newAdapterFixture(t)

	require.NoError(t, f.adapter.RemoveContainer(context.Background(), f.targetID, "c-123", true))
	assert.True(t, f.engine.removeOpts.Force)
}

func TestExecInContainer(t *testing.T) {
	f := newAdapterFixture(t)
	f.engine.execOut = "total 4\n"
	f.engine.execErrOut = "warning: slow disk\n"
	f.engine.execExit = 2

	res, err := f.adapter.ExecInContainer(context.Background(), f.targetID, "c-123", []string{"ls", "-l"})
	require.NoError(t, err)
	assert.Equal(t, "total 4", res.Stdout)
	assert.Equal(t, "warning: slow disk", res.Stderr)
	assert.Equal(t, 2, res.ExitCode)
}

func TestGetContainerStats(t *testing.T) {
	f := newAdapterFixture(t)
	f.engine.statsJSON.CPUStats.CPUUsage.TotalUsage = 400
	f.engine.statsJSON.PreCPUStats.CPUUsage.TotalUsage = 200
	f.engine.statsJSON.CPUStats.SystemUsage = 2000
	f.engine.statsJSON.PreCPUStats.SystemUsage = 1000
	f.engine.statsJSON.CPUStats.OnlineCPUs = 2
	f.engine.statsJSON.MemoryStats.Usage = 256
	f.engine.statsJSON.MemoryStats.Limit = 1024

	stats, err := f.adapter.GetContainerStats(context.Background(), f.targetID, "c-123")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, stats.CPUPercent, 0.01)
	assert.InDelta(t, 25.0, stats.MemoryPercent, 0.01)
}

func TestCalculateCPUPercentGuardsZeroDelta(t *testing.T) {
	var stats types.StatsJSON
	assert.Zero(t, calculateCPUPercent(&stats), "first sample has no deltas and must not divide by zero")

	stats.CPUStats.CPUUsage.TotalUsage = 100
	stats.PreCPUStats.CPUUsage.TotalUsage = 200 // counter reset
	stats.CPUStats.SystemUsage = 2000
	stats.PreCPUStats.SystemUsage = 1000
	assert.Zero(t, calculateCPUPercent(&stats))
}

func TestGetInfo(t *testing.T) {
	f := newAdapterFixture(t)

	info, err := f.adapter.GetInfo(context.Background(), f.targetID)
	require.NoError(t, err)
	assert.Equal(t, "24.0.7", info.Version)
	assert.Equal(t, 2, info.ContainersRunning)
	assert.Equal(t, 4, info.CPUs)
}

func TestCloseConnection(t *testing.T) {
	f := newAdapterFixture(t)
	ctx := context.Background()

	_, err := f.adapter.GetContainers(ctx, f.targetID, false)
	require.NoError(t, err)

	f.adapter.CloseConnection(f.targetID)
	assert.True(t, f.engine.closed)

	_, err = f.adapter.GetContainers(ctx, f.targetID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dials)
}
