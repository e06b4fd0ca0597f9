package refdata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdaArray = `[
  {
    "description": "Rice, white, cooked",
    "foodCategory": {"description": "Cereal Grains and Pasta"},
    "foodNutrients": [
      {"nutrient": {"name": "Energy", "unitName": "kcal"}, "amount": 130},
      {"nutrient": {"name": "Carbohydrate, by difference", "unitName": "g"}, "amount": 28.2},
      {"nutrient": {"name": "Broken"}, "amount": "lots"}
    ]
  },
  {"description": ""},
  42,
  {"description": "Apple, raw", "foodCategory": "Fruits", "foodNutrients": [{"name": "Fiber", "unitName": "g", "amount": 2.4}]}
]`

func TestParseNutrientJSONArray(t *testing.T) {
	records, stats, err := ParseNutrientJSON([]byte(usdaArray))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 2, stats.Skipped)

	want := []NutrientRecord{
		{
			Description: "Rice, white, cooked",
			Category:    "Cereal Grains and Pasta",
			Nutrients: []Nutrient{
				{Name: "Energy", Amount: 130, Unit: "kcal"},
				{Name: "Carbohydrate, by difference", Amount: 28.2, Unit: "g"},
			},
		},
		{
			Description: "Apple, raw",
			Category:    "Fruits",
			Nutrients:   []Nutrient{{Name: "Fiber", Amount: 2.4, Unit: "g"}},
		},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNutrientJSONWrappedObject(t *testing.T) {
	body := `{"FoundationFoods": [{"description": "Oats", "foodNutrients": []}]}`
	records, _, err := ParseNutrientJSON([]byte(body))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Oats", records[0].Description)
	assert.Empty(t, records[0].Nutrients)
}

func TestParseNutrientJSONInvalid(t *testing.T) {
	for _, body := range []string{`{"description": "not a list"}`, `not json`, `"string"`} {
		_, _, err := ParseNutrientJSON([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidNutrientJSON, body)
	}
}
