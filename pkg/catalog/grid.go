package catalog

// A grid cell in WGS84 degrees.
type Cell struct {
	LngMin float64 `json:"lng_min"`
	LatMin float64 `json:"lat_min"`
	LngMax float64 `json:"lng_max"`
	LatMax float64 `json:"lat_max"`
}

// Identifies one unit of stitching work.
type Key struct {
	ScenarioID string `json:"scenario_id"`
	RasterID   string `json:"raster_id"`
	Cell
}

// Grid tiles the globe into square cells of the given step size in degrees.
// Latitude covers [-90, 90) and longitude [-180, 180), with no gaps or
// overlaps. Cell bounds are computed from integer row/column indices to
// avoid accumulating floating point drift.
func Grid(step float64) []Cell {
	rows := int(180.0 / step)
	cols := int(360.0 / step)

	cells := make([]Cell, 0, rows*cols)
	for row := 0; row < rows; row++ {
		latMin := -90.0 + float64(row)*step
		for col := 0; col < cols; col++ {
			lngMin := -180.0 + float64(col)*step
			cells = append(cells, Cell{
				LngMin: lngMin,
				LatMin: latMin,
				LngMax: lngMin + step,
				LatMax: latMin + step,
			})
		}
	}
	return cells
}
