package budget

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

// ErrInsufficientResources is returned when a reservation would exceed declared capacity
var ErrInsufficientResources = errors.New("insufficient resources")

// Capacity declares the resources the ledger may hand out
type Capacity struct {
	GPUs     []model.GPUDevice
	CPUCores int
	RAMMB    int64
}

// DefaultGPUs is the two-GPU layout of the reference workstation
func DefaultGPUs() []model.GPUDevice {
	return []model.GPUDevice{
		{Index: 0, Name: "GPU0", Role: "heavy_inference", CapacityMB: 14000},
		{Index: 1, Name: "GPU1", Role: "quick_tasks", CapacityMB: 14000},
	}
}

// Budgeter tracks cumulative allocation per physical resource
type Budgeter struct {
	logger       *zap.Logger
	mu           sync.Mutex
	gpus         []model.GPUDevice
	gpuAllocated map[int]int
	cpuCores     int
	cpuAllocated int
	ramMB        int64
	ramAllocated int64
	reservations map[string]model.Reservation
	now          func() time.Time
}

// New creates a budgeter over the given capacity
func New(capacity Capacity, logger *zap.Logger) *Budgeter {
	gpus := append([]model.GPUDevice(nil), capacity.GPUs...)
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].Index < gpus[j].Index })

	return &Budgeter{
		logger:       logger.Named("budgeter"),
		gpus:         gpus,
		gpuAllocated: make(map[int]int, len(gpus)),
		cpuCores:     capacity.CPUCores,
		ramMB:        capacity.RAMMB,
		reservations: make(map[string]model.Reservation),
		now:          time.Now,
	}
}

// TryReserve reserves req for owner or fails immediately with ErrInsufficientResources
func (b *Budgeter) TryReserve(owner string, req model.Requirements) (model.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserveLocked(uuid.New().String(), owner, req)
}

// Restore re-creates a reservation under a known id. An id already in the
// ledger is returned unchanged.
func (b *Budgeter) Restore(id, owner string, req model.Requirements) (model.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.reservations[id]; ok {
		return existing, nil
	}
	return b.reserveLocked(id, owner, req)
}

// reserveLocked must be called with b.mu held
func (b *Budgeter) reserveLocked(id, owner string, req model.Requirements) (model.Reservation, error) {
	if req.GPUMemoryMB < 0 || req.CPUCores < 0 || req.RAMMB < 0 {
		return model.Reservation{}, fmt.Errorf("negative requirement for %s", owner)
	}

	if b.cpuAllocated+req.CPUCores > b.cpuCores {
		return model.Reservation{}, fmt.Errorf("%w: cpu %d/%d cores in use, %d requested",
			ErrInsufficientResources, b.cpuAllocated, b.cpuCores, req.CPUCores)
	}
	if b.ramAllocated+req.RAMMB > b.ramMB {
		return model.Reservation{}, fmt.Errorf("%w: ram %d/%d MB in use, %d requested",
			ErrInsufficientResources, b.ramAllocated, b.ramMB, req.RAMMB)
	}

	gpu := model.NoGPUPreference
	if req.GPUMemoryMB > 0 {
		gpu = b.placeGPU(req)
		if gpu == model.NoGPUPreference {
			return model.Reservation{}, fmt.Errorf("%w: no gpu has %d MB free",
				ErrInsufficientResources, req.GPUMemoryMB)
		}
		b.gpuAllocated[gpu] += req.GPUMemoryMB
	}

	b.cpuAllocated += req.CPUCores
	b.ramAllocated += req.RAMMB

	res := model.Reservation{
		ID:           id,
		Owner:        owner,
		GPU:          gpu,
		Requirements: req,
		CreatedAt:    b.now(),
	}
	b.reservations[id] = res

	b.logger.Debug("Resources reserved",
		zap.String("reservation_id", id),
		zap.String("owner", owner),
		zap.Int("gpu", gpu),
		zap.Int("gpu_mb", req.GPUMemoryMB),
		zap.Int("cpu_cores", req.CPUCores),
		zap.Int64("ram_mb", req.RAMMB))

	return res, nil
}

// placeGPU returns the preferred GPU when it fits, otherwise the first that does
func (b *Budgeter) placeGPU(req model.Requirements) int {
	fits := func(g model.GPUDevice) bool {
		return b.gpuAllocated[g.Index]+req.GPUMemoryMB <= g.CapacityMB
	}

	if req.PreferredGPU != model.NoGPUPreference {
		for _, g := range b.gpus {
			if g.Index == req.PreferredGPU && fits(g) {
				return g.Index
			}
		}
	}
	for _, g := range b.gpus {
		if fits(g) {
			return g.Index
		}
	}
	return model.NoGPUPreference
}

// Release frees a reservation. Unknown or already released ids are a no-op.
func (b *Budgeter) Release(id string) bool {
	if id == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return false
	}
	delete(b.reservations, id)

	if res.GPU != model.NoGPUPreference {
		b.gpuAllocated[res.GPU] -= res.Requirements.GPUMemoryMB
	}
	b.cpuAllocated -= res.Requirements.CPUCores
	b.ramAllocated -= res.Requirements.RAMMB

	b.logger.Debug("Resources released",
		zap.String("reservation_id", id),
		zap.String("owner", res.Owner))
	return true
}

// Reservations returns every live reservation ordered by id
func (b *Budgeter) Reservations() []model.Reservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Reservation, 0, len(b.reservations))
	for _, res := range b.reservations {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a live reservation
func (b *Budgeter) Get(id string) (model.Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.reservations[id]
	return res, ok
}

// Snapshot returns the current ledger state
func (b *Budgeter) Snapshot() model.LedgerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := model.LedgerSnapshot{
		GPUs:         make([]model.GPUUsage, 0, len(b.gpus)),
		CPUCores:     b.cpuCores,
		CPUAllocated: b.cpuAllocated,
		RAMMB:        b.ramMB,
		RAMAllocated: b.ramAllocated,
		Reservations: len(b.reservations),
		TakenAt:      b.now(),
	}
	for _, g := range b.gpus {
		snap.GPUs = append(snap.GPUs, model.GPUUsage{GPUDevice: g, AllocatedMB: b.gpuAllocated[g.Index]})
	}
	return snap
}
