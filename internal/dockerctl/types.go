package dockerctl

import (
	"time"
)

// ContainerSpec describes a container to create. Memory is in megabytes and
// CPUs is a share weight (1.0 == 1024 shares).
type ContainerSpec struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Ports   []PortMapping     `json:"ports,omitempty"`
	Env     map[string]string `json:"environment,omitempty"`
	Volumes []VolumeBind      `json:"volumes,omitempty"`
	Restart string            `json:"restart,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Command []string          `json:"command,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Memory  int64             `json:"memory,omitempty"`
	CPUs    float64           `json:"cpus,omitempty"`
}

type PortMapping struct {
	Host      int    `json:"host"`
	Container int    `json:"container"`
	Protocol  string `json:"protocol,omitempty"`
}

type VolumeBind struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Mode      string `json:"mode,omitempty"`
}

// ContainerInfo is a read-only snapshot of one container.
type ContainerInfo struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Status   string            `json:"status"`
	State    string            `json:"state"`
	Created  time.Time         `json:"created"`
	Ports    []PortMapping     `json:"ports"`
	Labels   map[string]string `json:"labels"`
	Networks []string          `json:"networks"`
}

type ImageInfo struct {
	ID      string            `json:"id"`
	Tags    []string          `json:"tags"`
	Size    int64             `json:"size"`
	Created time.Time         `json:"created"`
	Labels  map[string]string `json:"labels"`
}

// ExecResult is the demultiplexed outcome of an in-container exec.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ContainerStats is one point-in-time resource reading.
type ContainerStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	BlockRead     uint64  `json:"block_read"`
	BlockWrite    uint64  `json:"block_write"`
}

// EngineInfo summarizes a target's container engine.
type EngineInfo struct {
	Version           string `json:"version"`
	OSType            string `json:"os_type"`
	Architecture      string `json:"architecture"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	ContainersPaused  int    `json:"containers_paused"`
	ContainersStopped int    `json:"containers_stopped"`
	Images            int    `json:"images"`
	MemoryTotal       int64  `json:"memory_total"`
	CPUs              int    `json:"cpus"`
}
