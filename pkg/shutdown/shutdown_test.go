package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RunsInReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("store", func(ctx context.Context) error { order = append(order, "store"); return nil })
	m.OnShutdown("relay", func(ctx context.Context) error { order = append(order, "relay"); return nil })
	m.OnShutdown("coordinator", func(ctx context.Context) error { order = append(order, "coordinator"); return nil })

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"coordinator", "relay", "store"}, order)
}

func TestManager_ReturnsFirstErrorAndContinues(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("last", func(ctx context.Context) error { ran = true; return nil })
	m.OnShutdown("broken", func(ctx context.Context) error { return errors.New("boom") })

	err := m.Shutdown(context.Background())
	require.EqualError(t, err, "boom")
	assert.True(t, ran)
}

func TestManager_Timeout(t *testing.T) {
	m := NewManager()
	m.OnShutdown("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
}
