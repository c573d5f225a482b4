// Package model holds the domain types shared across the ingestion
// pipeline, job manager, store, and movement engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tenant identifies the owner of a private inventory and its history.
type Tenant struct {
	UserID       string
	BusinessName string
}

// Key returns the stable identifier used to derive per-tenant table names
// and Redis/lock keys. UserID alone is sufficient and stable; BusinessName
// is a display string only.
func (t Tenant) Key() string {
	return t.UserID
}

// WineType enumerates the recognised wine categories (spec §3).
type WineType string

const (
	WineTypeRosso     WineType = "Rosso"
	WineTypeBianco    WineType = "Bianco"
	WineTypeRosato    WineType = "Rosato"
	WineTypeSpumante  WineType = "Spumante"
	WineTypeAltro     WineType = "Altro"
)

// Wine is the canonical inventory row (spec §3).
type Wine struct {
	WineID         int64
	Name           string
	Producer       string
	Supplier       string
	Vintage        *int
	GrapeVariety   string
	Region         string
	Country        string
	Type           WineType
	Classification string
	Quantity       int
	MinQuantity    int
	CostPrice      *decimal.Decimal
	SellingPrice   *decimal.Decimal
	AlcoholContent *float64
	Description    string
	Notes          string
	SourceStage    string // "stage1_parse", "stage2_targeted", "stage3_llm", "stage4_ocr"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MovementType enumerates the two stock-movement kinds (spec §3).
type MovementType string

const (
	MovementConsumo       MovementType = "consumo"
	MovementRifornimento  MovementType = "rifornimento"
)

// Movement is an append-only audit record of one inventory change.
type Movement struct {
	ID              int64
	WineName        string
	WineProducer    string
	MovementType    MovementType
	QuantityChange  int
	QuantityBefore  int
	QuantityAfter   int
	CreatedAt       time.Time
}

// HistoryAggregate is the per-(name, producer) rollup of movements.
type HistoryAggregate struct {
	Name              string
	Producer          string
	CurrentStock      int
	TotalConsumi      int
	TotalRifornimenti int
	Entries           []Movement
	FirstMovementDate time.Time
	LastMovementDate  time.Time
}

// JobStatus enumerates processing job lifecycle states (spec §3, I6).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Terminal reports whether status is final (I6): completed and error jobs
// never transition further.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// Job is the async processing job record (spec §3, §4.G).
type Job struct {
	JobID          string
	Tenant         Tenant
	Status         JobStatus
	FileType       string
	FileName       string
	FileSize       int64
	TotalWines     int
	ProcessedWines int
	SavedWines     int
	ErrorCount     int
	ResultData     []byte // opaque JSON payload on success
	ErrorMessage   string
	ClientMsgID    *string
	ProcessingMethod string
	StageUsed      string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ProgressPercent implements the job-status endpoint's derived field
// (spec §6): 0 when TotalWines is 0, else 100*processed/total.
func (j Job) ProgressPercent() float64 {
	if j.TotalWines == 0 {
		return 0
	}
	return 100 * float64(j.ProcessedWines) / float64(j.TotalWines)
}

// RejectedRow carries a row that failed validation along with the reason.
type RejectedRow struct {
	Row    map[string]string
	Reason string
}

// ValidationStats aggregates outcomes of a validate_batch call (spec §4.A).
type ValidationStats struct {
	RowsTotal          int
	RowsValid          int
	RowsRejected       int
	RejectionHistogram map[string]int
}

// StageDecision is the outcome a pipeline stage reports to the orchestrator.
type StageDecision string

const (
	DecisionSave               StageDecision = "save"
	DecisionEscalateToStage2   StageDecision = "escalate_to_stage2"
	DecisionEscalateToStage3   StageDecision = "escalate_to_stage3"
	DecisionError              StageDecision = "error"
)

// StageMetrics carries the per-stage quality metrics referenced throughout
// §4 (schema_score, valid_rows, and stage-specific counters).
type StageMetrics struct {
	SchemaScore        float64
	ValidRows          float64
	RowsTotal          int
	RowsValid          int
	RowsRejected       int
	Chunks             int
	WinesExtracted     int
	WinesDeduplicated  int
	Pages              int
	TextLength         int
	ElapsedSeconds     float64
	PromptTokens       int
	CompletionTokens   int
	Model              string // LLM model used, for cost estimation; empty for non-LLM stages
	Extra              map[string]any
}
