package health

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_UnhealthyFlipsAggregate(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("store", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("database", func(context.Context) Status { return Status{Name: "database", Healthy: false, Detail: "down"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "store", statuses[0].Name, "name defaults to registration name")
	assert.Equal(t, "down", statuses[1].Detail)
}

func TestRegistry_DegradedKeepsAggregateHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("scorer", func(context.Context) Status { return Status{Healthy: false, Degraded: true} })

	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
}

func TestRegistry_CheckerTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestCapacityChecker(t *testing.T) {
	n := 50
	check := CapacityChecker("transaction_store", func() int { return n }, 100)
	assert.True(t, check(context.Background()).Healthy)

	n = 95
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.True(t, st.Degraded)
	assert.Equal(t, "95/100 entries", st.Detail)

	unbounded := CapacityChecker("transaction_store", func() int { return 7 }, 0)
	assert.True(t, unbounded(context.Background()).Healthy)
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	check := BreakerChecker("scorer", b, "scorer")
	assert.True(t, check(context.Background()).Healthy)

	b.RecordFailure("scorer")
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.True(t, st.Degraded)
	assert.Equal(t, "circuit open", st.Detail)
}

func TestCircuitsChecker(t *testing.T) {
	b := circuitbreaker.New(2, time.Minute)
	check := CircuitsChecker("notifications", b)

	st := check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "0 circuits closed", st.Detail)

	b.RecordFailure("email")
	b.RecordFailure("webhook")
	b.RecordFailure("webhook")
	st = check(context.Background())
	assert.False(t, st.Healthy)
	assert.True(t, st.Degraded)
	assert.Equal(t, "notifications", st.Name)
	assert.Equal(t, "1/2 circuits tripped: webhook=open", st.Detail)
}
