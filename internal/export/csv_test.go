package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/episignal/backend/internal/storage/models"
)

func TestWriteCSV(t *testing.T) {
	processedAt := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	createdAt := time.Date(2026, 8, 30, 9, 55, 0, 0, time.UTC)

	signals := []models.ProcessedSignal{
		{
			ID:                 42,
			ExternalID:         "12345",
			Countries:          "Kenya; Uganda",
			Hazards:            "Cholera",
			Justification:      "outbreak strains capacity",
			VulnerabilityScore: -5,
			CopingScore:        2,
			TotalScore:         -3,
			IsSignal:           true,
			Status:             models.StatusFlagged,
			Pinned:             true,
			ProcessedAt:        processedAt,
			Raw: &models.RawArticle{
				Title:                 "Cholera outbreak reported",
				OriginalTitle:         "Se reporta brote de cólera",
				TranslatedDescription: "Dozens hospitalized",
				TranslatedSummary:     "Cases rising in coastal towns",
				Summary:               "Outbreak summary",
				CreatedAt:             createdAt,
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, signals))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, Header, records[0])

	row := records[1]
	require.Len(t, row, len(Header))
	assert.Equal(t, "42", row[0])
	assert.Equal(t, "12345", row[1])
	assert.Equal(t, "Cholera outbreak reported", row[2])
	assert.Equal(t, "Se reporta brote de cólera", row[3])
	assert.Equal(t, "Kenya; Uganda", row[7])
	assert.Equal(t, "true", row[8])
	assert.Equal(t, "outbreak strains capacity", row[9])
	assert.Equal(t, "Cholera", row[10])
	assert.Equal(t, "-5", row[11])
	assert.Equal(t, "2", row[12])
	assert.Equal(t, "-3", row[13])
	assert.Equal(t, "flagged", row[14])
	assert.Equal(t, "true", row[15])
	assert.Equal(t, "2026-08-30T10:00:00Z", row[16])
	assert.Equal(t, "2026-08-30T09:55:00Z", row[17])
	assert.Equal(t, "https://portal.who.int/eios/#/items/12345/title/full-article", row[18])
}

func TestWriteCSV_NoRawArticle(t *testing.T) {
	signals := []models.ProcessedSignal{
		{ID: 1, ExternalID: "9", Status: models.StatusNew, ProcessedAt: time.Now()},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, signals))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[1][2], "article columns are blank without the raw row")
	assert.Empty(t, records[1][17])
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1, "header only")
}
