package scoring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleCatalog() Catalog {
	return Catalog{
		{ID: "A", Name: "Vineyard", Points: 10, Category: CategoryRoad},
		{ID: "B", Name: "Gravel Grind", Points: 20, Category: CategoryDirt},
		{ID: "C", Name: "Secret Climb", Points: 50, Category: CategoryBonus},
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	catalog := exampleCatalog()
	tests := []struct {
		name      string
		completed []string
		want      int
	}{
		{name: "duplicates count once", completed: []string{"A", "B", "A"}, want: 30},
		{name: "empty", completed: nil, want: 0},
		{name: "unknown id", completed: []string{"Z"}, want: 0},
		{name: "all", completed: []string{"C", "B", "A"}, want: 80},
		{name: "unknown mixed in", completed: []string{"Z", "C", "Y"}, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Score(tt.completed, catalog))
		})
	}
}

func TestScoreMatchesCatalogSumUnderNoise(t *testing.T) {
	t.Parallel()

	catalog := exampleCatalog()
	rng := rand.New(rand.NewSource(42))
	pool := []string{"A", "B", "C", "X", "Y"}

	for i := 0; i < 200; i++ {
		var completed []string
		for j := rng.Intn(12); j > 0; j-- {
			completed = append(completed, pool[rng.Intn(len(pool))])
		}

		want := 0
		for _, s := range catalog {
			for _, id := range completed {
				if id == s.ID {
					want += s.Points
					break
				}
			}
		}

		got := Score(completed, catalog)
		require.Equal(t, want, got, "completed=%v", completed)

		rng.Shuffle(len(completed), func(a, b int) { completed[a], completed[b] = completed[b], completed[a] })
		doubled := append(append([]string{}, completed...), completed...)
		require.Equal(t, got, Score(doubled, catalog), "reordered and duplicated %v", completed)
	}
}

func TestCatalogFilterKeepsCatalogOrder(t *testing.T) {
	t.Parallel()

	got := exampleCatalog().Filter([]string{"C", "Z", "A", "C"})
	assert.Equal(t, []string{"A", "C"}, got)
	assert.Empty(t, exampleCatalog().Filter(nil))
}

func TestCatalogValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, exampleCatalog().Validate())
	assert.Equal(t, 80, exampleCatalog().MaxPoints())

	tests := []struct {
		name    string
		catalog Catalog
		msg     string
	}{
		{name: "missing id", catalog: Catalog{{Name: "x", Category: CategoryRoad}}, msg: "id required"},
		{name: "duplicate", catalog: Catalog{{ID: "1", Name: "a", Category: CategoryRoad}, {ID: "1", Name: "b", Category: CategoryDirt}}, msg: "duplicate"},
		{name: "negative", catalog: Catalog{{ID: "1", Name: "a", Points: -1, Category: CategoryRoad}}, msg: "negative points"},
		{name: "category", catalog: Catalog{{ID: "1", Name: "a", Category: "Track"}}, msg: "unknown category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.catalog.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestCatalogStatuses(t *testing.T) {
	t.Parallel()

	statuses := exampleCatalog().Statuses([]string{"C", "unknown"})
	require.Len(t, statuses, 3)
	assert.False(t, statuses[0].Completed)
	assert.False(t, statuses[1].Completed)
	assert.True(t, statuses[2].Completed)
	assert.Equal(t, "Secret Climb", statuses[2].Name)

	dirt := exampleCatalog().ByCategory(CategoryDirt)
	require.Len(t, dirt, 1)
	assert.Equal(t, "B", dirt[0].ID)
}
