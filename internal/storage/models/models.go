package models

import "time"

// Signal workflow statuses.
const (
	StatusNew       = "new"
	StatusFlagged   = "flagged"
	StatusDiscarded = "discarded"
)

func ValidStatus(s string) bool {
	return s == StatusNew || s == StatusFlagged || s == StatusDiscarded
}

// RawArticle is the immutable snapshot of an upstream item, written once
// when its signal is committed.
type RawArticle struct {
	ID                    int64
	ExternalID            string
	Title                 string
	OriginalTitle         string
	TranslatedDescription string
	TranslatedSummary     string
	Summary               string
	SourceName            string
	SourceCountry         string
	Link                  string
	Board                 string
	PublishedAt           *time.Time
	FetchedAt             time.Time
	CreatedAt             time.Time
}

// ProcessedSignal holds the evaluator output plus the operator workflow
// state. Only Status is mutated after creation.
type ProcessedSignal struct {
	ID                 int64
	ExternalID         string
	RawArticleID       int64
	Countries          string
	Hazards            string
	Justification      string
	Assessment         string
	VulnerabilityScore int
	CopingScore        int
	TotalScore         int
	IsSignal           bool
	Status             string
	Pinned             bool
	PinnedAt           *time.Time
	ProcessedAt        time.Time

	Raw *RawArticle
}

// Filter narrows signal listings. Zero values mean "no constraint";
// Pinned is tri-state via pointer.
type Filter struct {
	Status      string
	SignalsOnly bool
	Pinned      *bool
	Countries   []string
	Hazards     []string
	Search      string
	Start       *time.Time
	End         *time.Time
}

type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalCount int  `json:"total_count"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

type StatusCounts struct {
	New       int `json:"new"`
	Flagged   int `json:"flagged"`
	Discarded int `json:"discarded"`
	All       int `json:"all"`
}

type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats aggregates dashboard numbers over an optional filter.
type Stats struct {
	Counts       StatusCounts   `json:"counts"`
	SignalCounts map[string]int `json:"is_signal_counts"`
	PinnedCounts map[string]int `json:"pinned_counts"`
	TopCountries []NameCount    `json:"top_countries"`
	TopHazards   []NameCount    `json:"top_hazards"`
}

// CleanupCounts reports rows removed (or removable) by retention cleanup.
type CleanupCounts struct {
	ProcessedSignals int64 `json:"processed_signals"`
	RawArticles      int64 `json:"raw_articles"`
	LedgerEntries    int64 `json:"ledger_entries"`
}
