package refdata

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrInvalidNutrientJSON = errors.New("nutrient dataset is not a JSON array of foods")

type Nutrient struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

type NutrientRecord struct {
	Description string     `json:"description"`
	Category    string     `json:"category,omitempty"`
	Nutrients   []Nutrient `json:"nutrients"`
}

// ParseNutrientJSON reads a USDA FoodData Central style dump: either a
// top-level array of foods or an object whose first array member holds them
// (FoundationFoods, SRLegacyFoods, ...). Foods without a description are
// skipped, as are nutrients without a name or numeric amount.
func ParseNutrientJSON(data []byte) ([]NutrientRecord, ParseStats, error) {
	var stats ParseStats
	if !gjson.ValidBytes(data) {
		return nil, stats, ErrInvalidNutrientJSON
	}

	foods := gjson.ParseBytes(data)
	if foods.IsObject() {
		var inner gjson.Result
		foods.ForEach(func(_, v gjson.Result) bool {
			if v.IsArray() {
				inner = v
				return false
			}
			return true
		})
		foods = inner
	}
	if !foods.IsArray() {
		return nil, stats, ErrInvalidNutrientJSON
	}

	var records []NutrientRecord
	foods.ForEach(func(_, food gjson.Result) bool {
		desc := strings.TrimSpace(food.Get("description").String())
		if !food.IsObject() || desc == "" {
			stats.Skipped++
			return true
		}

		rec := NutrientRecord{Description: desc, Category: category(food)}
		food.Get("foodNutrients").ForEach(func(_, n gjson.Result) bool {
			name := firstString(n, "nutrient.name", "name")
			amount := n.Get("amount")
			if name == "" || amount.Type != gjson.Number {
				return true
			}
			rec.Nutrients = append(rec.Nutrients, Nutrient{
				Name:   name,
				Amount: amount.Float(),
				Unit:   firstString(n, "nutrient.unitName", "unitName"),
			})
			return true
		})
		records = append(records, rec)
		return true
	})

	stats.Rows = len(records)
	return records, stats, nil
}

func category(food gjson.Result) string {
	c := food.Get("foodCategory")
	if c.IsObject() {
		return strings.TrimSpace(c.Get("description").String())
	}
	return strings.TrimSpace(c.String())
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(r.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}
