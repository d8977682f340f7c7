// Package artifact writes the durable outputs of a run: one append-only JSON Lines record stream
// per collector, plus the bookkeeping that describes how complete each stream is.
package artifact

type Status string

const (
	// StatusPending means the producer never started.
	StatusPending Status = "pending"
	// StatusPartial means the stream was finalized but may be missing records.
	StatusPartial Status = "partial"
	// StatusComplete means the stream covers the whole observation window.
	StatusComplete Status = "complete"
)

type Counts struct {
	Records int `json:"records"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

func (c Counts) Add(o Counts) Counts {
	return Counts{
		Records: c.Records + o.Records,
		Skipped: c.Skipped + o.Skipped,
		Errors:  c.Errors + o.Errors,
	}
}

// Record describes one finalized record stream.
type Record struct {
	Collector    string `json:"collector"`
	Status       Status `json:"status"`
	OutputPath   string `json:"outputPath,omitempty"`
	Counts       Counts `json:"counts"`
	Checksum     string `json:"checksum,omitempty"`
	Location     string `json:"location,omitempty"`
	Error        string `json:"error,omitempty"`
	RecoveryHint string `json:"recoveryHint,omitempty"`
}
