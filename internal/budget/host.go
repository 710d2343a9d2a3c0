package budget

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// DetectCapacity fills unset CPU and RAM pools from the host
func DetectCapacity(ctx context.Context, capacity Capacity, logger *zap.Logger) (Capacity, error) {
	if capacity.CPUCores <= 0 {
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return capacity, fmt.Errorf("failed to count cpu cores: %w", err)
		}
		capacity.CPUCores = cores
	}

	if capacity.RAMMB <= 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return capacity, fmt.Errorf("failed to read memory: %w", err)
		}
		capacity.RAMMB = int64(vm.Total / (1024 * 1024))
	}

	if len(capacity.GPUs) == 0 {
		capacity.GPUs = DefaultGPUs()
	}

	logger.Info("Resource capacity detected",
		zap.Int("cpu_cores", capacity.CPUCores),
		zap.Int64("ram_mb", capacity.RAMMB),
		zap.Int("gpus", len(capacity.GPUs)))

	return capacity, nil
}
