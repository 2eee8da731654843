package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFields_NestedPathsAndMarkers(t *testing.T) {
	doc := Document{
		"stats": map[string]any{"correctAnswers": 3.0},
		"unlockedTests": []any{1.0, 2.0},
	}

	err := ApplyFields(doc, map[string]any{
		"stats.correctAnswers":                          Inc(2),
		"stats.dailyActivity.2024-01-01.questionsSolved": Inc(1),
		"unlockedTests":                                 Union(2, 3),
		"lastActive":                                    "today",
	})
	require.NoError(t, err)

	stats := doc["stats"].(map[string]any)
	assert.Equal(t, 5.0, stats["correctAnswers"])
	day := stats["dailyActivity"].(map[string]any)["2024-01-01"].(map[string]any)
	assert.Equal(t, 1.0, day["questionsSolved"])
	assert.Equal(t, []any{1.0, 2.0, 3}, doc["unlockedTests"])
	assert.Equal(t, "today", doc["lastActive"])
}

func TestApplyFields_ParentBeforeChild(t *testing.T) {
	doc := Document{}
	err := ApplyFields(doc, map[string]any{
		"profile.name": "ann",
		"profile":      map[string]any{"age": 30},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"age": 30, "name": "ann"}, doc["profile"])
}

func TestApplyFields_EmptySegment(t *testing.T) {
	err := ApplyFields(Document{}, map[string]any{"stats..x": 1})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestDocumentClone_Deep(t *testing.T) {
	orig := Document{"a": map[string]any{"b": []any{map[string]any{"c": 1}}}}
	cp := orig.Clone()
	cp["a"].(map[string]any)["b"].([]any)[0].(map[string]any)["c"] = 2

	assert.Equal(t, 1, orig["a"].(map[string]any)["b"].([]any)[0].(map[string]any)["c"])
}
