package cluster

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func newTestEngine(seed int64) *Engine {
	return NewEngine(EngineConfig{Rand: rand.New(rand.NewSource(seed))})
}

// threeSeparatedGroups builds three tight 8-dimensional clusters around
// well-separated centroids.
func threeSeparatedGroups(rng *rand.Rand) map[string][]float64 {
	centers := [][]float64{
		{10, 0, 0, 0, 0, 0, 0, 0},
		{0, 10, 0, 0, 0, 10, 0, 0},
		{0, 0, 0, 10, 0, 0, 10, 10},
	}
	vectors := make(map[string][]float64)
	names := []string{"alpha", "beta", "gamma"}
	for g, center := range centers {
		for i := 0; i < 6; i++ {
			vector := make([]float64, len(center))
			for d, value := range center {
				vector[d] = value + rng.Float64()*0.2
			}
			vectors[names[g]+"-"+string(rune('a'+i))] = vector
		}
	}
	return vectors
}

func TestKMeansSinglePoint(t *testing.T) {
	engine := newTestEngine(1)
	vectors := map[string][]float64{
		"card-only": {1.5, -2.0, 3.25},
	}

	partition, err := engine.KMeans(vectors, 1, finalRunIterations)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(partition.Groups) != 1 {
		t.Fatalf("expected exactly one cluster, got %d", len(partition.Groups))
	}
	group := partition.Groups[0]
	if len(group.IDs) != 1 || group.IDs[0] != "card-only" {
		t.Fatalf("expected the single id in the cluster, got %v", group.IDs)
	}
	for d, value := range group.Centroid {
		if value != vectors["card-only"][d] {
			t.Fatalf("expected centroid to equal the point, got %v", group.Centroid)
		}
	}
}

func TestKMeansDropsEmptyClusters(t *testing.T) {
	engine := newTestEngine(7)
	vectors := map[string][]float64{
		"card-1": {0, 0},
		"card-2": {0, 0.01},
		"card-3": {0.01, 0},
	}

	partition, err := engine.KMeans(vectors, 3, finalRunIterations)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := 0
	for _, group := range partition.Groups {
		if len(group.IDs) == 0 {
			t.Fatalf("expected empty clusters to be dropped")
		}
		total += len(group.IDs)
	}
	if total != 3 {
		t.Fatalf("expected every point assigned exactly once, got %d", total)
	}
}

func TestKMeansRejectsDimensionMismatch(t *testing.T) {
	engine := newTestEngine(1)
	vectors := map[string][]float64{
		"card-1": {0, 0},
		"card-2": {0, 0, 1},
	}
	if _, err := engine.KMeans(vectors, 2, finalRunIterations); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestFindOptimalKSelectsThreeSeparatedGroups(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vectors := threeSeparatedGroups(rng)

	hits := 0
	const runs = 10
	for seed := int64(0); seed < runs; seed++ {
		engine := newTestEngine(seed)
		k, err := engine.FindOptimalK(vectors)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if k == 3 {
			hits++
		}
	}
	if hits < runs-1 {
		t.Fatalf("expected k=3 on well-separated groups in nearly all runs, got %d/%d", hits, runs)
	}
}

func TestFindOptimalKSmallInputPolicy(t *testing.T) {
	engine := newTestEngine(3)
	cases := []struct {
		n    int
		want int
	}{
		{n: 1, want: 1},
		{n: 2, want: 1},
		{n: 3, want: 2},
		{n: 4, want: 2},
	}
	for _, tc := range cases {
		vectors := make(map[string][]float64)
		for i := 0; i < tc.n; i++ {
			vectors["card-"+string(rune('a'+i))] = []float64{float64(i), float64(i * i)}
		}
		k, err := engine.FindOptimalK(vectors)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", tc.n, err)
		}
		if k != tc.want {
			t.Fatalf("n=%d: expected k=%d, got %d", tc.n, tc.want, k)
		}
	}
}

func TestClusterRejectsDegenerateInput(t *testing.T) {
	engine := newTestEngine(1)
	if _, err := engine.Cluster(map[string][]float64{"card-1": {1, 2}}, 0); !errors.Is(err, ErrNotEnoughEmbeddings) {
		t.Fatalf("expected ErrNotEnoughEmbeddings, got %v", err)
	}
	if _, err := engine.Cluster(map[string][]float64{}, 0); !errors.Is(err, ErrNotEnoughEmbeddings) {
		t.Fatalf("expected ErrNotEnoughEmbeddings for empty input, got %v", err)
	}
}

func TestClusterHonorsFixedK(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	vectors := threeSeparatedGroups(rng)
	engine := newTestEngine(5)

	result, err := engine.Cluster(vectors, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ClusterCount != 2 {
		t.Fatalf("expected fixed k=2 to hold, got %d clusters", result.ClusterCount)
	}
	if len(result.Positions) != len(vectors) {
		t.Fatalf("expected a position for every embedded card, got %d/%d", len(result.Positions), len(vectors))
	}
}

func TestMeanSilhouetteSeparatesGoodAndBadPartitions(t *testing.T) {
	vectors := map[string][]float64{
		"a1": {0, 0}, "a2": {0.2, 0.1},
		"b1": {10, 10}, "b2": {10.1, 9.9},
	}
	good := Partition{Groups: []Group{
		{IDs: []string{"a1", "a2"}},
		{IDs: []string{"b1", "b2"}},
	}}
	bad := Partition{Groups: []Group{
		{IDs: []string{"a1", "b1"}},
		{IDs: []string{"a2", "b2"}},
	}}

	goodScore := meanSilhouette(vectors, good)
	badScore := meanSilhouette(vectors, bad)
	if goodScore <= badScore {
		t.Fatalf("expected coherent partition to outscore mixed one: %f vs %f", goodScore, badScore)
	}
	if goodScore < 0.9 {
		t.Fatalf("expected near-perfect silhouette for separated pairs, got %f", goodScore)
	}
	if math.IsNaN(badScore) {
		t.Fatalf("silhouette must not be NaN")
	}
}

func TestMeanSilhouetteScoresSingletonsZero(t *testing.T) {
	vectors := map[string][]float64{
		"a1": {0, 0},
		"b1": {10, 10},
	}
	allSingletons := Partition{Groups: []Group{
		{IDs: []string{"a1"}},
		{IDs: []string{"b1"}},
	}}
	if score := meanSilhouette(vectors, allSingletons); score != 0 {
		t.Fatalf("expected singleton-only partition to score zero, got %f", score)
	}

	vectors["a2"] = []float64{0.2, 0.1}
	mixed := Partition{Groups: []Group{
		{IDs: []string{"a1", "a2"}},
		{IDs: []string{"b1"}},
	}}
	score := meanSilhouette(vectors, mixed)
	if score <= 0 || score >= 0.9 {
		t.Fatalf("expected the singleton's zero to dilute the mean well below the pair scores, got %f", score)
	}
}
