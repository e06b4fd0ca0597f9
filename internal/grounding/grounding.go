package grounding

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/vbonduro/nutrilens/internal/match"
	"github.com/vbonduro/nutrilens/internal/refdata"
)

const (
	perTermLimit    = 3
	perTableLimit   = 5
	maxNutrientsPer = 8

	categoryWeight = 0.5

	giHeading       = "Glycemic index reference (glycemicindex.com):"
	nutrientHeading = "USDA nutrient reference (per 100 g):"
)

// Source yields the currently loaded reference data, or nil before a load.
type Source interface {
	Data() *refdata.Dataset
}

// Assembler renders the reference-data block that grounds an analysis
// prompt. It never modifies the tables it reads.
type Assembler struct {
	source    Source
	threshold float64

	mu        sync.Mutex
	indexed   *refdata.Dataset
	gi        *match.Index[refdata.GIRecord]
	nutrients *match.Index[refdata.NutrientRecord]
}

func New(source Source, threshold float64) *Assembler {
	return &Assembler{source: source, threshold: threshold}
}

// indexes returns the match indexes for the current dataset, building them
// the first time a dataset is seen.
func (a *Assembler) indexes() (*match.Index[refdata.GIRecord], *match.Index[refdata.NutrientRecord]) {
	data := a.source.Data()
	if data.Empty() {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.indexed != data {
		a.gi = match.New(data.GI, a.threshold,
			match.Field[refdata.GIRecord]{
				Name:   "food_name",
				Weight: 1,
				Value:  func(r refdata.GIRecord) string { return r.FoodName },
			},
			match.Field[refdata.GIRecord]{
				Name:   "category",
				Weight: categoryWeight,
				Value:  func(r refdata.GIRecord) string { return r.Category },
			},
		)
		a.nutrients = match.New(data.Nutrients, a.threshold,
			match.Field[refdata.NutrientRecord]{
				Name:   "description",
				Weight: 1,
				Value:  func(r refdata.NutrientRecord) string { return r.Description },
			},
			match.Field[refdata.NutrientRecord]{
				Name:   "category",
				Weight: categoryWeight,
				Value:  func(r refdata.NutrientRecord) string { return r.Category },
			},
		)
		a.indexed = data
	}
	return a.gi, a.nutrients
}

// Assemble returns the grounding block for input, or "" when no tables are
// loaded or nothing matched.
func (a *Assembler) Assemble(input string) string {
	giIndex, nutrientIndex := a.indexes()
	if giIndex == nil {
		return ""
	}

	terms := Terms(input)
	if len(terms) == 0 {
		return ""
	}

	giHits := collect(giIndex, terms, func(r refdata.GIRecord) string { return r.FoodName })
	nutrientHits := collect(nutrientIndex, terms, func(r refdata.NutrientRecord) string { return r.Description })

	var sections []string
	if len(giHits) > 0 {
		lines := []string{giHeading}
		for _, r := range giHits {
			lines = append(lines, "- "+FormatGI(r))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	if len(nutrientHits) > 0 {
		lines := []string{nutrientHeading}
		for _, r := range nutrientHits {
			lines = append(lines, "- "+FormatNutrient(r))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

func collect[T any](ix *match.Index[T], terms []string, key func(T) string) []T {
	var out []T
	seen := make(map[string]bool)
	for _, term := range terms {
		for _, res := range ix.Search(term, perTermLimit) {
			if len(out) == perTableLimit {
				return out
			}
			k := key(res.Item)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, res.Item)
		}
	}
	return out
}

// FormatGI renders a record as "White Rice: GI=73, GL=21 (Grain)". Values
// missing from the table are omitted.
func FormatGI(r refdata.GIRecord) string {
	var values []string
	if r.HasGI {
		values = append(values, "GI="+formatNumber(r.GI))
	}
	if r.HasGL {
		values = append(values, "GL="+formatNumber(r.GL))
	}
	line := r.FoodName
	if len(values) > 0 {
		line += ": " + strings.Join(values, ", ")
	}
	if r.Category != "" {
		line += " (" + r.Category + ")"
	}
	return line
}

func FormatNutrient(r refdata.NutrientRecord) string {
	parts := make([]string, 0, min(len(r.Nutrients), maxNutrientsPer))
	for i, n := range r.Nutrients {
		if i == maxNutrientsPer {
			break
		}
		part := n.Name + " " + formatNumber(n.Amount)
		if n.Unit != "" {
			part += " " + strings.ToLower(n.Unit)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return r.Description
	}
	return r.Description + ": " + strings.Join(parts, ", ")
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var (
	termSeparators = regexp.MustCompile(`(?i)[\n\r,;]+|\s+and\s+|\s+with\s+|\s*&\s*`)
	quantityToken  = regexp.MustCompile(`^(\d+([.,/]\d+)?|½|¼|¾|⅓|⅔)[a-z]*$`)
)

var unitWords = map[string]bool{
	"g": true, "gram": true, "grams": true, "kg": true, "mg": true,
	"ml": true, "l": true, "litre": true, "liter": true, "litres": true, "liters": true,
	"oz": true, "ounce": true, "ounces": true, "lb": true, "lbs": true, "pound": true, "pounds": true,
	"cup": true, "cups": true, "tbsp": true, "tablespoon": true, "tablespoons": true,
	"tsp": true, "teaspoon": true, "teaspoons": true,
	"pinch": true, "handful": true, "slice": true, "slices": true, "piece": true, "pieces": true,
	"clove": true, "cloves": true, "can": true, "cans": true, "serving": true, "servings": true,
	"of": true, "a": true, "an": true, "some": true,
}

// Terms splits free text into ingredient search terms, dropping quantities
// and units. Duplicates are removed, order is kept.
func Terms(input string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, chunk := range termSeparators.Split(input, -1) {
		var words []string
		for _, w := range strings.Fields(chunk) {
			lw := strings.ToLower(strings.Trim(w, ".:()-*•"))
			if lw == "" || quantityToken.MatchString(lw) || unitWords[lw] {
				continue
			}
			words = append(words, strings.Trim(w, ".:()-*•"))
		}
		term := strings.Join(words, " ")
		key := match.Normalize(term)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, term)
	}
	return terms
}
