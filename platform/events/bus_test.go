package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"mole_automation/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinged struct{ BaseEvent }

func (pinged) EventName() string { return "test.pinged" }

func TestPublishSyncRunsHandlersInOrder(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var order []int
	bus.Subscribe("test.pinged", HandlerFunc(func(context.Context, Event) error {
		order = append(order, 1)
		return nil
	}))
	bus.Subscribe("test.pinged", HandlerFunc(func(context.Context, Event) error {
		order = append(order, 2)
		return errors.New("boom")
	}))

	err := bus.PublishSync(context.Background(), pinged{NewBaseEvent()})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, order)
}

func TestPublishSurvivesCallerCancellation(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var calls atomic.Int32
	bus.Subscribe("test.pinged", HandlerFunc(func(ctx context.Context, _ Event) error {
		if ctx.Err() == nil {
			calls.Add(1)
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, pinged{NewBaseEvent()})
	cancel()
	bus.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	bus.Publish(context.Background(), pinged{NewBaseEvent()})
	require.NoError(t, bus.PublishSync(context.Background(), pinged{NewBaseEvent()}))
}
