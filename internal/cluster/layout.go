package cluster

import (
	"math"

	"github.com/tesseralab/tessera/backend/internal/canvas"
)

// Layout constants: every card occupies a fixed footprint on a regular grid
// inside its cluster, and cluster bounding boxes are themselves placed on a
// row-major grid. Disjoint rectangle reservations make overlap impossible by
// construction, so no detection pass runs afterwards.
const (
	cardFootprintWidth  = 220.0
	cardFootprintHeight = 140.0
	intraClusterGap     = 24.0
	interClusterGap     = 96.0
	maxCardColumns      = 4
	layoutOriginX       = 0.0
	layoutOriginY       = 0.0
)

// Result is the clustering engine output consumed by the synchronization
// engine as one bulk position mutation.
type Result struct {
	Positions    []canvas.PositionPatch
	ClusterCount int
}

type boundingBox struct {
	width  float64
	height float64
}

// Cluster selects a cluster count (unless fixedK > 0 pins it), partitions
// the vectors, and returns a deterministic non-overlapping layout. Fewer
// than two embedded cards is a degenerate input reported to the caller
// rather than laid out.
func (e *Engine) Cluster(vectors map[string][]float64, fixedK int) (Result, error) {
	if len(vectors) < 2 {
		return Result{}, ErrNotEnoughEmbeddings
	}

	k := fixedK
	if k <= 0 {
		optimal, err := e.FindOptimalK(vectors)
		if err != nil {
			return Result{}, err
		}
		k = optimal
	}

	partition, err := e.KMeans(vectors, k, finalRunIterations)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Positions:    e.Layout(partition),
		ClusterCount: len(partition.Groups),
	}, nil
}

// Layout arranges each cluster's members in a row-major grid, then places
// the cluster bounding boxes in a row-major grid of ceil(sqrt(clusterCount))
// columns. A running x cursor advances by box width plus the inter-cluster
// gap and wraps to a new row once the column count is exceeded, advancing y
// by the tallest box seen in the finished row.
func (e *Engine) Layout(partition Partition) []canvas.PositionPatch {
	clusterCount := len(partition.Groups)
	if clusterCount == 0 {
		return nil
	}
	clusterColumns := int(math.Ceil(math.Sqrt(float64(clusterCount))))

	boxes := make([]boundingBox, clusterCount)
	for i, group := range partition.Groups {
		boxes[i] = clusterBoundingBox(len(group.IDs))
	}

	patches := make([]canvas.PositionPatch, 0, totalMembers(partition))
	cursorX := layoutOriginX
	cursorY := layoutOriginY
	tallestInRow := 0.0
	column := 0
	for i, group := range partition.Groups {
		if column == clusterColumns {
			cursorX = layoutOriginX
			cursorY += tallestInRow + interClusterGap
			tallestInRow = 0
			column = 0
		}

		patches = append(patches, layoutGroup(group, cursorX, cursorY)...)

		cursorX += boxes[i].width + interClusterGap
		if boxes[i].height > tallestInRow {
			tallestInRow = boxes[i].height
		}
		column++
	}
	return patches
}

// layoutGroup places one cluster's members on a row-major grid anchored at
// the cluster box origin.
func layoutGroup(group Group, originX, originY float64) []canvas.PositionPatch {
	patches := make([]canvas.PositionPatch, 0, len(group.IDs))
	for i, id := range group.IDs {
		row := i / maxCardColumns
		col := i % maxCardColumns
		patches = append(patches, canvas.PositionPatch{
			ID: id,
			X:  originX + float64(col)*(cardFootprintWidth+intraClusterGap),
			Y:  originY + float64(row)*(cardFootprintHeight+intraClusterGap),
		})
	}
	return patches
}

func clusterBoundingBox(memberCount int) boundingBox {
	if memberCount == 0 {
		return boundingBox{}
	}
	columns := memberCount
	if columns > maxCardColumns {
		columns = maxCardColumns
	}
	rows := (memberCount + maxCardColumns - 1) / maxCardColumns
	return boundingBox{
		width:  float64(columns)*cardFootprintWidth + float64(columns-1)*intraClusterGap,
		height: float64(rows)*cardFootprintHeight + float64(rows-1)*intraClusterGap,
	}
}

func totalMembers(partition Partition) int {
	total := 0
	for _, group := range partition.Groups {
		total += len(group.IDs)
	}
	return total
}
