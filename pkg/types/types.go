package types

import "time"

// TransformStatus tracks an item through the image transform phase.
type TransformStatus int

const (
	TransformPending TransformStatus = iota
	TransformProcessing
	TransformCompleted
	TransformFailed
	TransformCancelled
)

// String returns a human-readable status name.
func (s TransformStatus) String() string {
	switch s {
	case TransformPending:
		return "pending"
	case TransformProcessing:
		return "processing"
	case TransformCompleted:
		return "completed"
	case TransformFailed:
		return "failed"
	case TransformCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final for the transform phase.
func (s TransformStatus) Terminal() bool {
	return s == TransformCompleted || s == TransformFailed || s == TransformCancelled
}

// AltTextStatus tracks an item through the alt text generation phase.
// It is independent of TransformStatus and only leaves AltTextPending
// once the transform phase completed for the item.
type AltTextStatus int

const (
	AltTextPending AltTextStatus = iota
	AltTextGenerating
	AltTextCompleted
	AltTextError
)

// String returns a human-readable status name.
func (s AltTextStatus) String() string {
	switch s {
	case AltTextPending:
		return "pending"
	case AltTextGenerating:
		return "generating"
	case AltTextCompleted:
		return "completed"
	case AltTextError:
		return "error"
	default:
		return "unknown"
	}
}

// BatchItem is one queued image and its two independent status tracks.
type BatchItem struct {
	SourcePath string
	OutputPath string // set once the transform completes
	FileSize   int64

	Status         TransformStatus
	Error          string // set iff Status == TransformFailed
	ProcessingTime time.Duration

	AltText        string // set iff AltTextStatus == AltTextCompleted
	AltTextStatus  AltTextStatus
	AltTextError   string
	APICost        float64 // USD
	GenerationTime time.Duration
}

// Progress is an aggregate snapshot of batch state at a point in time.
// Observers receive value copies; CompletedItems + FailedItems +
// CancelledItems never exceeds TotalItems, with equality at batch end.
type Progress struct {
	TotalItems     int
	CompletedItems int
	FailedItems    int
	CancelledItems int

	CurrentItemIndex int // -1 before the first item starts
	CurrentItemName  string

	ElapsedTime            time.Duration
	EstimatedTimeRemaining time.Duration
	AverageItemTime        time.Duration
}

// AltTextResult is the outcome of one alt text generation request.
type AltTextResult struct {
	AltText        string
	Status         AltTextStatus
	ErrorMessage   string
	APICost        float64 // USD
	GenerationTime time.Duration
}

// BatchResult is the terminal summary of one batch run.
type BatchResult struct {
	RunID     string
	Success   bool
	Cancelled bool
	Message   string // set when the run failed or aborted as a whole

	TotalProcessed int // items that reached Completed or Failed
	Successful     int
	Failed         int
	CancelledItems int

	ElapsedTime      time.Duration
	AverageItemTime  time.Duration
	AltTextGenerated int
	AltTextFailed    int
}

// CostEstimate is a projected API cost for a batch of images.
type CostEstimate struct {
	PerImage        float64 `json:"per_image"`
	Total           float64 `json:"total"`
	MonthlyEstimate float64 `json:"monthly_estimate"`
}
