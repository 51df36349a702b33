package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/episignal/backend/internal/storage/models"
)

// portalURLFormat links each exported row back to the source item's
// full-article view.
const portalURLFormat = "https://portal.who.int/eios/#/items/%s/title/full-article"

// Header is the fixed column order of signal exports.
var Header = []string{
	"id",
	"external_id",
	"title",
	"original_title",
	"translated_description",
	"translated_summary",
	"summary",
	"countries",
	"is_signal",
	"justification",
	"hazards",
	"vulnerability_score",
	"coping_score",
	"total_score",
	"status",
	"pinned",
	"processed_at",
	"created_at",
	"portal_url",
}

// WriteCSV streams signals to w in the fixed column order. Signals
// loaded without their raw article still export; the article columns
// are left empty.
func WriteCSV(w io.Writer, signals []models.ProcessedSignal) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, sig := range signals {
		if err := cw.Write(row(sig)); err != nil {
			return fmt.Errorf("failed to write csv row for signal %d: %w", sig.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func row(sig models.ProcessedSignal) []string {
	var title, originalTitle, translatedDescription, translatedSummary, summary, createdAt string
	if sig.Raw != nil {
		title = sig.Raw.Title
		originalTitle = sig.Raw.OriginalTitle
		translatedDescription = sig.Raw.TranslatedDescription
		translatedSummary = sig.Raw.TranslatedSummary
		summary = sig.Raw.Summary
		createdAt = formatTime(sig.Raw.CreatedAt)
	}

	return []string{
		strconv.FormatInt(sig.ID, 10),
		sig.ExternalID,
		title,
		originalTitle,
		translatedDescription,
		translatedSummary,
		summary,
		sig.Countries,
		strconv.FormatBool(sig.IsSignal),
		sig.Justification,
		sig.Hazards,
		strconv.Itoa(sig.VulnerabilityScore),
		strconv.Itoa(sig.CopingScore),
		strconv.Itoa(sig.TotalScore),
		sig.Status,
		strconv.FormatBool(sig.Pinned),
		formatTime(sig.ProcessedAt),
		createdAt,
		fmt.Sprintf(portalURLFormat, sig.ExternalID),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
