package domain

import "time"

// Band is a low/medium/high classification of a glycemic value.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Provenance tags which reference table, if any, grounded an ingredient.
type Provenance string

const (
	SourceGlycemicIndexDB Provenance = "glycemic-index-db"
	SourceUSDA            Provenance = "usda"
	SourceModelEstimate   Provenance = "model-estimate"
)

// AnalysisResult is the structured output of one analysis call.
type AnalysisResult struct {
	RecipeName    string       `json:"recipe_name"`
	TotalGI       float64      `json:"total_gi"`
	TotalGL       float64      `json:"total_gl"`
	GIBand        Band         `json:"gi_band"`
	GLBand        Band         `json:"gl_band"`
	Ingredients   []Ingredient `json:"ingredients"`
	CookingImpact string       `json:"cooking_impact"`
	Swaps         []Swap       `json:"swaps"`
	Synergies     []string     `json:"synergies,omitempty"`
	Summary       string       `json:"summary"`
	Usage         *TokenUsage  `json:"usage,omitempty"`
}

type Ingredient struct {
	Name     string     `json:"name"`
	Quantity string     `json:"quantity"`
	CarbsG   float64    `json:"carbs_g"`
	FiberG   float64    `json:"fiber_g"`
	ProteinG float64    `json:"protein_g"`
	FatG     float64    `json:"fat_g"`
	GI       float64    `json:"gi"`
	GL       float64    `json:"gl"`
	Source   Provenance `json:"source"`
}

type Swap struct {
	Original    string   `json:"original"`
	Replacement string   `json:"replacement"`
	Reason      string   `json:"reason"`
	GLReduction *float64 `json:"gl_reduction,omitempty"`
}

// TokenUsage is the token accounting of a single model call. Cost is in USD.
type TokenUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// HistoryEntry is a persisted analysis keyed by the content hash of its input.
type HistoryEntry struct {
	Hash       string
	InputText  string
	ImageKey   string
	ImageMIME  string
	RecipeName string
	Result     *AnalysisResult
	CreatedAt  time.Time
}

// UsageTotals is the process-wide accumulated usage.
type UsageTotals struct {
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Requests     int64     `json:"requests"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type ChatTurn struct {
	Role Role
	Text string
}
