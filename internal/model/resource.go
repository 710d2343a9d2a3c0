package model

import "time"

// NoGPUPreference lets the budgeter place GPU memory on any device
const NoGPUPreference = -1

// Requirements is the resource envelope reserved for one assignment
type Requirements struct {
	GPUMemoryMB  int   `json:"gpu_memory_mb"`
	CPUCores     int   `json:"cpu_cores"`
	RAMMB        int64 `json:"ram_mb"`
	PreferredGPU int   `json:"preferred_gpu"`
}

// RunnerProfile describes a class of execution slot
type RunnerProfile struct {
	Name        string `json:"name" mapstructure:"name"`
	GPUMemoryMB int    `json:"gpu_memory_mb" mapstructure:"gpu_memory_mb"`
	CPUCores    int    `json:"cpu_cores" mapstructure:"cpu_cores"`
	RAMMB       int64  `json:"ram_mb" mapstructure:"ram_mb"`
}

// GPUDevice is a physical GPU tracked by the ledger
type GPUDevice struct {
	Index      int    `json:"index" mapstructure:"index"`
	Name       string `json:"name" mapstructure:"name"`
	Role       string `json:"role" mapstructure:"role"`
	CapacityMB int    `json:"capacity_mb" mapstructure:"capacity_mb"`
}

// GPUUsage is the allocation state of one GPU
type GPUUsage struct {
	GPUDevice
	AllocatedMB int `json:"allocated_mb"`
}

// Reservation is a ledger entry committed to an in-progress task
type Reservation struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	GPU          int          `json:"gpu"`
	Requirements Requirements `json:"requirements"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LedgerSnapshot is a point-in-time copy of the resource ledger
type LedgerSnapshot struct {
	GPUs         []GPUUsage `json:"gpus"`
	CPUCores     int        `json:"cpu_cores"`
	CPUAllocated int        `json:"cpu_allocated"`
	RAMMB        int64      `json:"ram_mb"`
	RAMAllocated int64      `json:"ram_allocated"`
	Reservations int        `json:"reservations"`
	TakenAt      time.Time  `json:"taken_at"`
}

// HostStats represents host utilisation collected for metrics
type HostStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}
