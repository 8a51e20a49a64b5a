package dockerctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// CreateContainer pulls the spec's image, then creates the container with the
// requested bindings, limits and provenance labels. Returns the container id.
func (a *Adapter) CreateContainer(ctx context.Context, targetID uint, spec ContainerSpec) (string, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return "", err
	}

	if err := a.pullImage(ctx, cli, spec.Image); err != nil {
		return "", err
	}

	labels := map[string]string{managedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	restart := spec.Restart
	if restart == "" {
		restart = "unless-stopped"
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Labels:     labels,
		WorkingDir: spec.WorkDir,
		Cmd:        spec.Command,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: restart},
	}

	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = make(nat.PortSet)
		hostCfg.PortBindings = make(nat.PortMap)
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, fmt.Sprintf("%d", p.Container))
			if err != nil {
				return "", opError(err)
			}
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = []nat.PortBinding{
				{HostPort: fmt.Sprintf("%d", p.Host)},
			}
		}
	}

	for _, v := range spec.Volumes {
		bind := fmt.Sprintf("%s:%s", v.Host, v.Container)
		if v.Mode != "" {
			bind += ":" + v.Mode
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}

	if spec.Memory > 0 {
		hostCfg.Memory = spec.Memory * 1024 * 1024
	}
	if spec.CPUs > 0 {
		hostCfg.CPUShares = int64(spec.CPUs * 1024)
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", opError(err)
	}

	a.log.Info("container created",
		zap.Uint("target_id", targetID),
		zap.String("container_id", resp.ID),
		zap.String("image", spec.Image))
	return resp.ID, nil
}

func (a *Adapter) StartContainer(ctx context.Context, targetID uint, containerID string) error {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return err
	}
	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return opError(err)
	}
	return nil
}

// StopContainer waits up to grace before the engine kills the container.
func (a *Adapter) StopContainer(ctx context.Context, targetID uint, containerID string, grace time.Duration) error {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return err
	}
	seconds := int(grace.Seconds())
	if seconds <= 0 {
		seconds = 10
	}
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return opError(err)
	}
	return nil
}

func (a *Adapter) RestartContainer(ctx context.Context, targetID uint, containerID string) error {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return err
	}
	if err := cli.ContainerRestart(ctx, containerID, container.StopOptions{}); err != nil {
		return opError(err)
	}
	return nil
}

// RemoveContainer deletes a container; force bypasses the stopped-only guard.
func (a *Adapter) RemoveContainer(ctx context.Context, targetID uint, containerID string, force bool) error {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return err
	}
	if err := cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: force}); err != nil {
		return opError(err)
	}
	return nil
}

// ExecInContainer runs cmd inside a container, demultiplexing the attached
// stream into stdout and stderr and resolving the exit code once it closes.
func (a *Adapter) ExecInContainer(ctx context.Context, targetID uint, containerID string, cmd []string) (ExecResult, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return ExecResult{}, err
	}

	exec, err := cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, opError(err)
	}

	attach, err := cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, opError(err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, opError(err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, opError(err)
	}

	return ExecResult{
		Stdout:   trimOutput(stdout.String()),
		Stderr:   trimOutput(stderr.String()),
		ExitCode: inspect.ExitCode,
	}, nil
}

// StreamLogs opens a follow stream of the container's logs. The caller owns
// the stream and must close it.
func (a *Adapter) StreamLogs(ctx context.Context, targetID uint, containerID string) (io.ReadCloser, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return nil, err
	}
	stream, err := cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return nil, opError(err)
	}
	return stream, nil
}

// GetContainerLogs returns up to tail recent log lines as one string.
func (a *Adapter) GetContainerLogs(ctx context.Context, targetID uint, containerID string, tail int) (string, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}
	stream, err := cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", opError(err)
	}
	defer stream.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, stream); err != nil {
		return "", opError(err)
	}
	return out.String(), nil
}

func (a *Adapter) GetContainers(ctx context.Context, targetID uint, all bool) ([]ContainerInfo, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return nil, err
	}
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: all})
	if err != nil {
		return nil, opError(err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{
			ID:      c.ID,
			Image:   c.Image,
			Status:  c.Status,
			State:   c.State,
			Created: time.Unix(c.Created, 0),
			Labels:  c.Labels,
		}
		if len(c.Names) > 0 {
			info.Name = trimContainerName(c.Names[0])
		}
		for _, p := range c.Ports {
			info.Ports = append(info.Ports, PortMapping{
				Host:      int(p.PublicPort),
				Container: int(p.PrivatePort),
				Protocol:  p.Type,
			})
		}
		if c.NetworkSettings != nil {
			for name := range c.NetworkSettings.Networks {
				info.Networks = append(info.Networks, name)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (a *Adapter) GetImages(ctx context.Context, targetID uint) ([]ImageInfo, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return nil, err
	}
	images, err := cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, opError(err)
	}

	infos := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		infos = append(infos, ImageInfo{
			ID:      img.ID,
			Tags:    img.RepoTags,
			Size:    img.Size,
			Created: time.Unix(img.Created, 0),
			Labels:  img.Labels,
		})
	}
	return infos, nil
}

// PullImage fetches an image, waiting for the pull to complete. Pulling an
// image that is already present is a no-op on the engine side.
func (a *Adapter) PullImage(ctx context.Context, targetID uint, image string) error {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return err
	}
	return a.pullImage(ctx, cli, image)
}

func (a *Adapter) pullImage(ctx context.Context, cli engineAPI, image string) error {
	reader, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return opError(err)
	}
	defer reader.Close()
	// The pull is complete once the progress stream drains.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return opError(err)
	}
	return nil
}

func (a *Adapter) RemoveImage(ctx context.Context, targetID uint, imageID string, force bool) error {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return err
	}
	if _, err := cli.ImageRemove(ctx, imageID, types.ImageRemoveOptions{Force: force}); err != nil {
		return opError(err)
	}
	return nil
}

// GetContainerStats reads one stats sample and derives the CPU percentage
// from the cumulative counters.
func (a *Adapter) GetContainerStats(ctx context.Context, targetID uint, containerID string) (ContainerStats, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return ContainerStats{}, err
	}
	resp, err := cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return ContainerStats{}, opError(err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ContainerStats{}, opError(err)
	}

	stats := ContainerStats{
		CPUPercent:  calculateCPUPercent(&raw),
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	if raw.MemoryStats.Limit > 0 {
		stats.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
	}
	for _, net := range raw.Networks {
		stats.NetworkRx += net.RxBytes
		stats.NetworkTx += net.TxBytes
	}
	for _, blk := range raw.BlkioStats.IoServiceBytesRecursive {
		switch blk.Op {
		case "Read":
			stats.BlockRead += blk.Value
		case "Write":
			stats.BlockWrite += blk.Value
		}
	}
	return stats, nil
}

func (a *Adapter) GetInfo(ctx context.Context, targetID uint) (EngineInfo, error) {
	cli, err := a.getClient(ctx, targetID)
	if err != nil {
		return EngineInfo{}, err
	}
	info, err := cli.Info(ctx)
	if err != nil {
		return EngineInfo{}, opError(err)
	}
	return EngineInfo{
		Version:           info.ServerVersion,
		OSType:            info.OSType,
		Architecture:      info.Architecture,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersPaused:  info.ContainersPaused,
		ContainersStopped: info.ContainersStopped,
		Images:            info.Images,
		MemoryTotal:       info.MemTotal,
		CPUs:              info.NCPU,
	}, nil
}

// calculateCPUPercent derives a usage percentage from the delta of the
// container's cumulative CPU counter against the system-wide counter,
// guarding against a zero or negative delta on the first sample.
func calculateCPUPercent(stats *types.StatsJSON) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta <= 0.0 || cpuDelta <= 0.0 {
		return 0.0
	}
	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return (cpuDelta / systemDelta) * cpus * 100.0
}

func trimContainerName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func trimOutput(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
