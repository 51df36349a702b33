package eios

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Article is the canonical, provider-neutral shape handed to the
// pipeline. All timestamps are UTC.
type Article struct {
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
	Pinned                bool
	PinnedAt              *time.Time
}

// CombinedText joins the article's text fields for evaluation, in the
// same order the evaluator prompt expects.
func (a Article) CombinedText() string {
	var parts []string
	for _, field := range []string{
		a.OriginalTitle, a.Title, a.TranslatedDescription, a.TranslatedSummary, a.Summary,
	} {
		if s := strings.TrimSpace(field); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

type Board struct {
	ID   externalID `json:"id"`
	Name string     `json:"name"`
}

// Window bounds a fetch in time; both ends are timezone-aware and
// serialized as ISO-8601 UTC with a literal Z suffix.
type Window struct {
	Start time.Time
	End   time.Time
}

// ToISOZ renders a timestamp the way the upstream API expects,
// e.g. 2025-10-12T10:30:00Z.
func ToISOZ(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// externalID tolerates upstream ids arriving as JSON numbers or strings.
type externalID string

func (e *externalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = externalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*e = externalID(n.String())
	return nil
}

// countryField tolerates a country as a plain string or an object with
// a name field.
type countryField string

func (c *countryField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = countryField(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = countryField(obj.Name)
	return nil
}

// apiArticle is the upstream v2 item shape, with the fallback fields
// the provider has been seen populating interchangeably.
type apiArticle struct {
	ID                           externalID `json:"id"`
	Title                        string     `json:"title"`
	OriginalTitle                string     `json:"originalTitle"`
	Description                  string     `json:"description"`
	TranslatedDescription        string     `json:"translatedDescription"`
	AbstractiveSummary           string     `json:"abstractiveSummary"`
	TranslatedAbstractiveSummary string     `json:"translatedAbstractiveSummary"`
	Link                         string     `json:"link"`
	PubDate                      string     `json:"pubDate"`
	PublicationDate              string     `json:"publicationDate"`
	PublishedAt                  string     `json:"publishedAt"`
	PinnedDate                   string     `json:"pinnedDate"`
	Source                       struct {
		Name    string       `json:"name"`
		URL     string       `json:"url"`
		Country countryField `json:"country"`
	} `json:"source"`
}

func (a apiArticle) publishedTime() *time.Time {
	for _, raw := range []string{a.PubDate, a.PublicationDate, a.PublishedAt} {
		if t := parseISOTime(raw); t != nil {
			return t
		}
	}
	return nil
}

// parseISOTime normalizes an ISO-ish timestamp to UTC; unparseable
// input yields nil rather than an error, matching the tolerant upstream
// handling.
func parseISOTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, strings.TrimSuffix(raw, "Z")); err == nil {
			utc := t.UTC()
			return &utc
		}
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
