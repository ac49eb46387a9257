package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmitReachesEveryListener(t *testing.T) {
	r := NewRegistry[int]()
	var a, b []int
	r.Add(func(v int) { a = append(a, v) })
	r.Add(func(v int) { b = append(b, v) })
	require.Equal(t, 2, r.Len())

	r.Emit(zap.NewNop(), 7)
	r.Emit(zap.NewNop(), 8)

	assert.Equal(t, []int{7, 8}, a)
	assert.Equal(t, []int{7, 8}, b)
}

func TestDetachStopsDelivery(t *testing.T) {
	r := NewRegistry[string]()
	var got []string
	detach := r.Add(func(v string) { got = append(got, v) })

	r.Emit(zap.NewNop(), "first")
	detach()
	// detach is safe to call twice
	detach()
	r.Emit(zap.NewNop(), "second")

	assert.Equal(t, []string{"first"}, got)
	assert.Zero(t, r.Len())
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	r := NewRegistry[int]()
	r.Add(func(int) { panic("boom") })
	var got int
	r.Add(func(v int) { got = v })

	require.NotPanics(t, func() { r.Emit(zap.NewNop(), 42) })
	assert.Equal(t, 42, got)
}
