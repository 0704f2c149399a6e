package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tranche/internal/clients/paper"
	"github.com/aristath/tranche/internal/domain"
)

func TestMachine_Transitions(t *testing.T) {
	var seen []State
	m := NewMachine(func(_, to State) { seen = append(seen, to) })
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Advance(StateRiskChecking))
	require.NoError(t, m.Advance(StateSelecting))
	require.NoError(t, m.Advance(StateTrading))
	assert.ErrorIs(t, m.Advance(StateSelecting), ErrInvalidTransition)
	require.NoError(t, m.Advance(StateIdle))

	assert.Equal(t, []State{StateRiskChecking, StateSelecting, StateTrading, StateIdle}, seen)
}

func TestMachine_StopSticksThroughCycle(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Advance(StateRiskChecking))
	require.NoError(t, m.Transition(StateStopped))

	assert.ErrorIs(t, m.Advance(StateSelecting), ErrStopped)
	assert.ErrorIs(t, m.Advance(StateIdle), ErrStopped)
	assert.Equal(t, StateStopped, m.State())

	assert.True(t, m.Resume())
	assert.False(t, m.Resume())
	assert.Equal(t, StateIdle, m.State())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateTrading, false},
		{StateIdle, StateSelecting, true},
		{StateSelecting, StateTrading, true},
		{StateTrading, StateRiskChecking, false},
		{StateStopped, StateTrading, false},
		{StateStopped, StateIdle, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	r := NewRateLimiter(2, 80*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, r.Wait(ctx))
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, 2, r.InWindow())
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, r.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestRateLimiter_HonoursContext(t *testing.T) {
	r := NewRateLimiter(1, time.Minute)
	require.NoError(t, r.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

func TestRateLimiter_Disabled(t *testing.T) {
	r := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Wait(context.Background()))
	}
}

func TestGateway(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	broker := paper.NewBroker("paper-1", 100_000, 100, log)
	broker.SetPrice("AAA", 10)
	g := NewGateway(broker, NewRateLimiter(3, time.Minute), 50*time.Millisecond, log)
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAA", Quantity: 100, Side: domain.SideBuy})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Contains(t, res.ClientOrderID, "ord_")

	_, err = g.GetDailyBars(ctx, "AAA", 10)
	assert.Error(t, err, "paper broker has no bars for AAA")

	data, err := g.GetMarketSnapshot(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, 2, g.Limiter().InWindow(), "empty snapshot requests skip the broker")

	broker.SetFaults(paper.Faults{Latency: time.Second})
	_, err = g.GetPositions(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "per-call timeout applies")
}
