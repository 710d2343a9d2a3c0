package budget

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/slate-dev/slate/internal/model"
)

func newTestBudgeter() *Budgeter {
	return New(Capacity{GPUs: DefaultGPUs(), CPUCores: 16, RAMMB: 32768}, zap.NewNop())
}

func gpuReq(mb, preferred int) model.Requirements {
	return model.Requirements{GPUMemoryMB: mb, CPUCores: 1, RAMMB: 512, PreferredGPU: preferred}
}

func TestBudgeter_TryReserve(t *testing.T) {
	t.Run("Preferred GPU", func(t *testing.T) {
		b := newTestBudgeter()
		res, err := b.TryReserve("ALPHA", gpuReq(4096, 1))
		require.NoError(t, err)
		assert.Equal(t, 1, res.GPU)
		assert.NotEmpty(t, res.ID)
	})

	t.Run("Falls Through To First Fit", func(t *testing.T) {
		b := newTestBudgeter()
		_, err := b.TryReserve("COPILOT", gpuReq(12000, 0))
		require.NoError(t, err)

		res, err := b.TryReserve("ALPHA", gpuReq(4096, 0))
		require.NoError(t, err)
		assert.Equal(t, 1, res.GPU)
	})

	t.Run("No Preference", func(t *testing.T) {
		b := newTestBudgeter()
		res, err := b.TryReserve("BETA", gpuReq(2048, model.NoGPUPreference))
		require.NoError(t, err)
		assert.Equal(t, 0, res.GPU)
	})

	t.Run("CPU Only", func(t *testing.T) {
		b := newTestBudgeter()
		res, err := b.TryReserve("GAMMA", model.Requirements{CPUCores: 1, RAMMB: 512, PreferredGPU: model.NoGPUPreference})
		require.NoError(t, err)
		assert.Equal(t, model.NoGPUPreference, res.GPU)
	})

	t.Run("GPU Exhausted", func(t *testing.T) {
		b := newTestBudgeter()
		_, err := b.TryReserve("COPILOT", gpuReq(14000, 0))
		require.NoError(t, err)
		_, err = b.TryReserve("COPILOT", gpuReq(14000, 1))
		require.NoError(t, err)

		_, err = b.TryReserve("ALPHA", gpuReq(1, 0))
		require.ErrorIs(t, err, ErrInsufficientResources)
		assert.Equal(t, 2, b.Snapshot().Reservations)
	})

	t.Run("CPU Exhausted", func(t *testing.T) {
		b := New(Capacity{CPUCores: 2, RAMMB: 4096}, zap.NewNop())
		_, err := b.TryReserve("GAMMA", model.Requirements{CPUCores: 2, PreferredGPU: model.NoGPUPreference})
		require.NoError(t, err)
		_, err = b.TryReserve("DELTA", model.Requirements{CPUCores: 1, PreferredGPU: model.NoGPUPreference})
		require.ErrorIs(t, err, ErrInsufficientResources)
	})

	t.Run("RAM Exhausted", func(t *testing.T) {
		b := New(Capacity{CPUCores: 8, RAMMB: 1024}, zap.NewNop())
		_, err := b.TryReserve("GAMMA", model.Requirements{RAMMB: 2048, PreferredGPU: model.NoGPUPreference})
		require.ErrorIs(t, err, ErrInsufficientResources)
		assert.Equal(t, 0, b.Snapshot().CPUAllocated, "failed reservation leaves no trace")
	})

	t.Run("Negative Requirement", func(t *testing.T) {
		b := newTestBudgeter()
		_, err := b.TryReserve("GAMMA", model.Requirements{CPUCores: -1})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInsufficientResources)
	})
}

func TestBudgeter_Release(t *testing.T) {
	b := newTestBudgeter()
	res, err := b.TryReserve("ALPHA", gpuReq(4096, 0))
	require.NoError(t, err)

	assert.True(t, b.Release(res.ID))
	assert.False(t, b.Release(res.ID), "second release is a no-op")
	assert.False(t, b.Release("missing"))
	assert.False(t, b.Release(""))

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.Reservations)
	assert.Equal(t, 0, snap.CPUAllocated)
	assert.Equal(t, int64(0), snap.RAMAllocated)
	for _, g := range snap.GPUs {
		assert.Equal(t, 0, g.AllocatedMB)
	}
}

func TestBudgeter_Restore(t *testing.T) {
	b := newTestBudgeter()
	res, err := b.Restore("task-1", "ALPHA", gpuReq(4096, 1))
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.ID)

	again, err := b.Restore("task-1", "ALPHA", gpuReq(4096, 1))
	require.NoError(t, err)
	assert.Equal(t, res, again)

	snap := b.Snapshot()
	assert.Equal(t, 1, snap.Reservations)
	assert.Equal(t, 4096, snap.GPUs[1].AllocatedMB)

	got, ok := b.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, "ALPHA", got.Owner)
}

func TestBudgeter_ConcurrentRestoreSameID(t *testing.T) {
	b := newTestBudgeter()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Restore("task-1", "ALPHA", gpuReq(4096, 0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.Equal(t, 1, snap.Reservations)
	assert.Equal(t, 4096, snap.GPUs[0].AllocatedMB)
	assert.Equal(t, 1, snap.CPUAllocated)
	assert.Equal(t, int64(512), snap.RAMAllocated)

	require.True(t, b.Release("task-1"))
	snap = b.Snapshot()
	assert.Zero(t, snap.GPUs[0].AllocatedMB)
	assert.Zero(t, snap.CPUAllocated)
}

func TestBudgeter_Reservations(t *testing.T) {
	b := newTestBudgeter()
	_, err := b.Restore("b", "BETA", gpuReq(1024, 0))
	require.NoError(t, err)
	_, err = b.Restore("a", "ALPHA", gpuReq(1024, 1))
	require.NoError(t, err)

	list := b.Reservations()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestBudgeter_ConcurrentReservations(t *testing.T) {
	b := newTestBudgeter()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []model.Reservation
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.TryReserve(fmt.Sprintf("worker-%d", i), gpuReq(4096, i%2))
			if err != nil {
				assert.ErrorIs(t, err, ErrInsufficientResources)
				return
			}
			mu.Lock()
			granted = append(granted, res)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// 3 x 4096 fit on each 14000 MB device
	assert.Len(t, granted, 6)
	for _, g := range b.Snapshot().GPUs {
		assert.LessOrEqual(t, g.AllocatedMB, g.CapacityMB)
	}
}

func TestBudgeter_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New(Capacity{GPUs: DefaultGPUs(), CPUCores: 8, RAMMB: 8192}, zap.NewNop())
		var live []string

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "release") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				if !b.Release(live[idx]) {
					t.Fatalf("live reservation %s not released", live[idx])
				}
				if b.Release(live[idx]) {
					t.Fatalf("reservation %s released twice", live[idx])
				}
				live = append(live[:idx], live[idx+1:]...)
				continue
			}

			req := model.Requirements{
				GPUMemoryMB:  rapid.IntRange(0, 9000).Draw(t, "gpu"),
				CPUCores:     rapid.IntRange(0, 3).Draw(t, "cpu"),
				RAMMB:        rapid.Int64Range(0, 3000).Draw(t, "ram"),
				PreferredGPU: rapid.IntRange(-1, 1).Draw(t, "preferred"),
			}
			res, err := b.TryReserve("prop", req)
			if err == nil {
				live = append(live, res.ID)
			}

			snap := b.Snapshot()
			for _, g := range snap.GPUs {
				if g.AllocatedMB > g.CapacityMB || g.AllocatedMB < 0 {
					t.Fatalf("gpu %d allocated %d of %d", g.Index, g.AllocatedMB, g.CapacityMB)
				}
			}
			if snap.CPUAllocated > snap.CPUCores || snap.RAMAllocated > snap.RAMMB {
				t.Fatalf("pool overcommitted: %+v", snap)
			}
			if snap.Reservations != len(live) {
				t.Fatalf("ledger has %d reservations, expected %d", snap.Reservations, len(live))
			}
		}

		for _, id := range live {
			b.Release(id)
		}
		snap := b.Snapshot()
		if snap.CPUAllocated != 0 || snap.RAMAllocated != 0 {
			t.Fatalf("ledger not empty after releasing everything: %+v", snap)
		}
	})
}

func TestDetectCapacity(t *testing.T) {
	capacity, err := DetectCapacity(context.Background(), Capacity{}, zap.NewNop())
	require.NoError(t, err)
	assert.Positive(t, capacity.CPUCores)
	assert.Positive(t, capacity.RAMMB)
	assert.Len(t, capacity.GPUs, 2)

	fixed, err := DetectCapacity(context.Background(), Capacity{CPUCores: 3, RAMMB: 100}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, fixed.CPUCores)
	assert.Equal(t, int64(100), fixed.RAMMB)
}
