package model

import "time"

// GapStatus tracks a content gap through curriculum-maintainer triage.
type GapStatus string

const (
	GapStatusOpen      GapStatus = "open"
	GapStatusAddressed GapStatus = "addressed"
	GapStatusDismissed GapStatus = "dismissed"
)

// ContentGap records a query the corpus could not ground a confident answer
// for, so a curriculum maintainer can decide whether to add source material.
type ContentGap struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	QueryText       string     `json:"queryText"`
	ConfidenceScore float64    `json:"confidenceScore"`
	SuggestedTopics []string   `json:"suggestedTopics"`
	Status          GapStatus  `json:"status"`
	AddressedAt     *time.Time `json:"addressedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}
