package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridStep2(t *testing.T) {
	cells := Grid(2.0)
	require.Len(t, cells, 16200)

	seen := map[Cell]struct{}{}
	for _, cell := range cells {
		assert.Equal(t, cell.LngMin+2, cell.LngMax)
		assert.Equal(t, cell.LatMin+2, cell.LatMax)
		assert.GreaterOrEqual(t, cell.LngMin, -180.0)
		assert.LessOrEqual(t, cell.LngMax, 180.0)
		assert.GreaterOrEqual(t, cell.LatMin, -90.0)
		assert.LessOrEqual(t, cell.LatMax, 90.0)

		_, dup := seen[cell]
		assert.False(t, dup, "duplicate cell %+v", cell)
		seen[cell] = struct{}{}
	}
}

func TestGridStep90(t *testing.T) {
	cells := Grid(90)
	require.Len(t, cells, 8)

	assert.Equal(t, Cell{LngMin: -180, LatMin: -90, LngMax: -90, LatMax: 0}, cells[0])
	assert.Equal(t, Cell{LngMin: 90, LatMin: 0, LngMax: 180, LatMax: 90}, cells[len(cells)-1])
}

func TestGridTilesFullExtent(t *testing.T) {
	step := 30.0
	cells := Grid(step)

	// Summed area equals the full extent, which together with the
	// uniqueness of the cells rules out gaps and overlaps.
	area := 0.0
	for _, cell := range cells {
		area += (cell.LngMax - cell.LngMin) * (cell.LatMax - cell.LatMin)
	}
	assert.Equal(t, 360.0*180.0, area)
}
