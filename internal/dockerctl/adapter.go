package dockerctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/servereye/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEngineUnreachable = errors.New("container engine unreachable")
	ErrEngineOperation   = errors.New("container engine operation failed")
)

// managedLabel marks containers created through ServerEye.
const managedLabel = "servereye.managed"

// engineAPI is the slice of the Docker client the adapter uses. The concrete
// *client.Client satisfies it; tests substitute a fake.
type engineAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (types.ContainerStats, error)
	ContainerExecCreate(ctx context.Context, containerID string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	ImageList(ctx context.Context, options types.ImageListOptions) ([]types.ImageSummary, error)
	ImageRemove(ctx context.Context, imageID string, options types.ImageRemoveOptions) ([]types.ImageDeleteResponseItem, error)
	Info(ctx context.Context) (types.Info, error)
	Close() error
}

// Adapter exposes container and image lifecycle operations against each
// target's Docker engine, caching one client per target and revalidating it
// with a ping before reuse.
type Adapter struct {
	db      *gorm.DB
	log     *zap.Logger
	timeout time.Duration

	// connect dials a fresh engine client; overridable in tests.
	connect func(host string, port int) (engineAPI, error)

	mu      sync.Mutex
	clients map[uint]engineAPI
	locks   map[uint]*sync.Mutex
}

func New(db *gorm.DB, log *zap.Logger, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	a := &Adapter{
		db:      db,
		log:     log,
		timeout: timeout,
		clients: make(map[uint]engineAPI),
		locks:   make(map[uint]*sync.Mutex),
	}
	a.connect = func(host string, port int) (engineAPI, error) {
		return client.NewClientWithOpts(
			client.WithHost(fmt.Sprintf("tcp://%s:%d", host, port)),
			client.WithTimeout(a.timeout),
			client.WithAPIVersionNegotiation(),
		)
	}
	return a
}

// targetLock serializes the reuse-or-reconnect decision per target so two
// callers never dial the same engine concurrently.
func (a *Adapter) targetLock(targetID uint) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lk, ok := a.locks[targetID]
	if !ok {
		lk = &sync.Mutex{}
		a.locks[targetID] = lk
	}
	return lk
}

// getClient returns a live engine client for the target. A cached client is
// probed first; on probe failure it is discarded and a fresh connection
// attempted. A failed fresh connection surfaces ErrEngineUnreachable.
func (a *Adapter) getClient(ctx context.Context, targetID uint) (engineAPI, error) {
	lk := a.targetLock(targetID)
	lk.Lock()
	defer lk.Unlock()

	a.mu.Lock()
	cached, ok := a.clients[targetID]
	a.mu.Unlock()

	if ok {
		if _, err := cached.Ping(ctx); err == nil {
			return cached, nil
		}
		a.log.Warn("cached engine client failed liveness probe",
			zap.Uint("target_id", targetID))
		cached.Close()
		a.mu.Lock()
		delete(a.clients, targetID)
		a.mu.Unlock()
	}

	var target models.Target
	if err := a.db.WithContext(ctx).First(&target, targetID).Error; err != nil {
		return nil, fmt.Errorf("target %d not found: %w", targetID, err)
	}

	port := target.DockerPort
	if port == 0 {
		port = 2376
	}

	cli, err := a.connect(target.IPAddress, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}

	a.mu.Lock()
	a.clients[targetID] = cli
	a.mu.Unlock()

	a.log.Info("engine client established", zap.Uint("target_id", targetID))
	return cli, nil
}

// CloseConnection drops the target's cached client.
func (a *Adapter) CloseConnection(targetID uint) {
	lk := a.targetLock(targetID)
	lk.Lock()
	defer lk.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if cli, ok := a.clients[targetID]; ok {
		cli.Close()
		delete(a.clients, targetID)
	}
}

// CloseAll drops every cached client.
func (a *Adapter) CloseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cli := range a.clients {
		cli.Close()
		delete(a.clients, id)
	}
}

func opError(err error) error {
	return fmt.Errorf("%w: %v", ErrEngineOperation, err)
}
