package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderSnapshot struct {
	Orders    map[string]string `json:"orders"`
	Positions map[string]int64  `json:"positions"`
}

func TestFileStore_SaveLoad(t *testing.T) {
	svc := NewFileService(t.TempDir())
	store := svc.NewStore("engine", "trader/1", "snapshot")

	var missing orderSnapshot
	assert.ErrorIs(t, store.Load(&missing), ErrNotExists)

	require.NoError(t, store.Save(orderSnapshot{
		Orders:    map[string]string{"co-1": "Acknowledged"},
		Positions: map[string]int64{"NX-1": 100},
	}))
	var got orderSnapshot
	require.NoError(t, store.Load(&got))
	assert.Equal(t, "Acknowledged", got.Orders["co-1"])
	assert.Equal(t, int64(100), got.Positions["NX-1"])

	// 不同 owner 互不覆盖
	var other orderSnapshot
	assert.ErrorIs(t, svc.NewStore("engine", "trader/2", "snapshot").Load(&other), ErrNotExists)
}

func TestSaver_CoalescesBursts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	saved := make(chan struct{}, 8)
	s := NewSaver(2*time.Second, clock, func() { saved <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 5; i++ {
		s.Trigger()
	}
	require.Eventually(t, func() bool { return len(s.trigger) == 0 }, time.Second, time.Millisecond)
	clock.BlockUntil(1)

	clock.Advance(time.Second)
	select {
	case <-saved:
		t.Fatal("saved before the delay elapsed")
	case <-time.After(30 * time.Millisecond):
	}

	clock.Advance(5 * time.Second)
	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("snapshot not saved")
	}
	select {
	case <-saved:
		t.Fatal("burst produced more than one save")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 1, s.Saves())
}
