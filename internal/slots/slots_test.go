package slots

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLowestFreeFillsGap(t *testing.T) {
	assert.Equal(t, "2", LowestFree([]string{"1", "3"}, 1))
	assert.Equal(t, "1", LowestFree([]string{"2", "3"}, 1))
	assert.Equal(t, "4", LowestFree([]string{"1", "2", "3"}, 1))
}

func TestSortNatural(t *testing.T) {
	ss := []string{"10", "2", "1"}
	SortNatural(ss)
	assert.Equal(t, []string{"1", "2", "10"}, ss)
}

func TestRemovePreservesOtherSlots(t *testing.T) {
	out := Remove([]string{"1", "2", "3"}, "2")
	assert.Equal(t, []string{"1", "3"}, out)
}
