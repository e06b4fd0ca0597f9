package analysis

import (
	"strings"
)

const systemInstruction = `You are a clinical nutrition assistant specialising in glycemic response.
Analyse the dish the user describes or photographs and report its glycemic index (GI) and glycemic load (GL).

Rules:
- Break the dish into ingredients with realistic quantities for one serving.
- For each ingredient give carbohydrate, fibre, protein and fat in grams, and its GI and GL.
- Prefer values from the reference data when an ingredient matches it, and set source to "glycemic-index-db" or "usda" accordingly. Otherwise estimate and set source to "model-estimate".
- total_gi is the carbohydrate-weighted mean GI of the ingredients; total_gl is the sum of ingredient GL.
- Bands: GI low <= 55, medium 56-69, high >= 70. GL low <= 10, medium 11-19, high >= 20.
- Explain how the cooking method (boiling time, cooling, frying, processing) shifts the glycemic response.
- Suggest practical swaps that lower GL and estimate the reduction where you can.
- Note nutrient synergies (fibre, protein, fat, acidity) that blunt the glucose spike.
- Keep the summary to two or three plain sentences.`

// Request is one analysis input. Grounding is the reference-data block, or
// empty when no reference data is available.
type Request struct {
	Text      string
	Image     []byte
	ImageMIME string
	Grounding string
}

// BuildPrompt renders the user prompt: grounding first, then the dish.
func BuildPrompt(req Request) string {
	var b strings.Builder

	if g := strings.TrimSpace(req.Grounding); g != "" {
		b.WriteString("Reference data (advisory, cite it through the source field when used):\n\n")
		b.WriteString(g)
		b.WriteString("\n\n")
	}

	text := strings.TrimSpace(req.Text)
	switch {
	case text != "" && len(req.Image) > 0:
		b.WriteString("Analyse the dish in the attached photo. The user describes it as:\n\n")
		b.WriteString(text)
	case text != "":
		b.WriteString("Analyse this recipe:\n\n")
		b.WriteString(text)
	default:
		b.WriteString("Analyse the dish in the attached photo.")
	}
	return b.String()
}
