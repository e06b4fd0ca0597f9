package refdata

// Column names of the glycemic index CSV. The scraper emits the longer
// carbohydrate header, so both spellings are accepted.
const (
	ColFoodName     = "Food Name"
	ColGI           = "GI"
	ColManufacturer = "Food Manufacturer"
	ColCategory     = "Product Category"
	ColCountry      = "Country of food production"
	ColServingSize  = "Serving Size (g)"
	ColCarbs        = "Carbohydrate portion (g)"
	ColCarbsLong    = "Carbohydrate portion (g) or Average Carbohydrate portion (g)"
	ColGL           = "GL"
)

type GIRecord struct {
	FoodName     string  `json:"food_name"`
	GI           float64 `json:"gi"`
	GL           float64 `json:"gl"`
	HasGI        bool    `json:"-"`
	HasGL        bool    `json:"-"`
	Manufacturer string  `json:"manufacturer,omitempty"`
	Category     string  `json:"category,omitempty"`
	Country      string  `json:"country,omitempty"`
	ServingSizeG float64 `json:"serving_size_g,omitempty"`
	CarbsG       float64 `json:"carbs_g,omitempty"`
}

// GIRecords converts table rows into typed records. Rows without a food name
// are skipped and counted.
func GIRecords(t *Table) ([]GIRecord, int) {
	records := make([]GIRecord, 0, len(t.Rows))
	skipped := 0
	for _, row := range t.Rows {
		name := row.String(ColFoodName)
		if name == "" {
			skipped++
			continue
		}
		rec := GIRecord{
			FoodName:     name,
			Manufacturer: row.String(ColManufacturer),
			Category:     row.String(ColCategory),
			Country:      row.String(ColCountry),
		}
		rec.GI, rec.HasGI = row.Number(ColGI)
		rec.GL, rec.HasGL = row.Number(ColGL)
		rec.ServingSizeG, _ = row.Number(ColServingSize)
		rec.CarbsG, _ = row.Number(ColCarbs, ColCarbsLong)
		records = append(records, rec)
	}
	return records, skipped
}
