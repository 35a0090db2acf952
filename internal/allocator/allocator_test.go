package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateAlternatesUntilCapacityExhausted(t *testing.T) {
	p := Allocate(6, []int{3, 2}, 0)

	assert.Equal(t, []int{0, 2, 4}, p.Assigned[0])
	assert.Equal(t, []int{1, 3}, p.Assigned[1])
	assert.Equal(t, []int{5}, p.Unassigned)
	assert.Equal(t, 5, p.Total())
}

func TestAllocateStartsAfterCursor(t *testing.T) {
	p := Allocate(3, []int{5, 5, 5}, 1)

	assert.Equal(t, []int{0}, p.Assigned[1])
	assert.Equal(t, []int{1}, p.Assigned[2])
	assert.Equal(t, []int{2}, p.Assigned[0])
	assert.Equal(t, 1, p.Next)
}

func TestAllocateSkipsFullChannels(t *testing.T) {
	p := Allocate(4, []int{0, 1, 3}, 0)

	assert.Empty(t, p.Assigned[0])
	assert.Equal(t, []int{0}, p.Assigned[1])
	assert.Equal(t, []int{1, 2, 3}, p.Assigned[2])
	assert.Empty(t, p.Unassigned)
}

func TestAllocateNoCapacity(t *testing.T) {
	tests := []struct {
		name string
		caps []int
	}{
		{name: "no channels", caps: nil},
		{name: "zero capacity", caps: []int{0, 0}},
		{name: "negative capacity", caps: []int{-2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Allocate(3, tt.caps, 0)
			assert.Zero(t, p.Total())
			assert.Equal(t, []int{0, 1, 2}, p.Unassigned)
		})
	}
}
