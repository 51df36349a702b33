package evaluation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Rubric bounds. Vulnerability sums up to 8 binary -1 factors, so -8 is
// reachable; coping capacity runs 0..7.
const (
	VulnerabilityMin = -8
	VulnerabilityMax = 0
	CopingMin        = 0
	CopingMax        = 7
)

// parsed holds the fields recovered from a model reply before the
// signal determination is applied.
type parsed struct {
	Countries     []string
	Hazards       []string
	Justification string
	Vulnerability int
	Coping        int
	Total         int
	Anomalies     []string
}

var (
	jsonBlobRe = regexp.MustCompile(`(?s)(\{.*\})`)

	scoresRe = regexp.MustCompile(`(?is)vulnerability\D*?(-?\d+).*?coping\D*?(\d+).*?total\D*?(-?\d+)`)
	totalRe  = regexp.MustCompile(`(?is)total\D*?score\D*?(-?\d+)`)

	countriesLabelRe     = regexp.MustCompile(`(?i)(?:countries|expected\s*countr(?:y|ies)|impacted\s*countries?)\s*:\s*(.+)`)
	justificationLabelRe = regexp.MustCompile(`(?i)(?:short\s+justification|justification|rationale)\s*:\s*(.+)`)
	hazardsLabelRe       = regexp.MustCompile(`(?i)(?:hazard(?:\s*type)?s?|suggested\s+hazard\s*type)\s*:\s*(.+)`)
)

// parseAssessment recovers structured fields from a free-text model
// reply. Field extraction tolerates three shapes (JSON blob, |||
// segments, labeled prose) and substitutes fallbacks for anything
// missing; the numeric scores are mandatory and their absence is the
// only parse failure.
func parseAssessment(text string) (*parsed, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty model reply")
	}

	p := &parsed{}
	p.Countries, p.Hazards, p.Justification = parseLabeledFields(text)

	if len(p.Countries) == 0 {
		p.Countries = []string{"N/A"}
	}
	if len(p.Hazards) == 0 {
		p.Hazards = []string{"N/A"}
	}

	if err := parseScores(text, p); err != nil {
		return nil, err
	}
	return p, nil
}

// parseLabeledFields tries, in order: a JSON object, |||-separated
// segments, then labeled prose.
func parseLabeledFields(text string) (countries, hazards []string, justification string) {
	if c, h, j, ok := parseJSONFields(text); ok {
		return c, h, j
	}
	if strings.Contains(text, "|||") {
		return parseBarFields(text)
	}
	return parseProseFields(text)
}

func parseJSONFields(text string) (countries, hazards []string, justification string, ok bool) {
	m := jsonBlobRe.FindStringSubmatch(text)
	if m == nil {
		return nil, nil, "", false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(m[1]), &obj); err != nil {
		return nil, nil, "", false
	}

	countries = stringList(firstOf(obj, "country_list", "countries"))
	hazards = stringList(firstOf(obj, "hazard_types", "hazards"))
	if j, isStr := firstOf(obj, "justification", "rationale").(string); isStr {
		justification = strings.TrimSpace(j)
	}
	if len(countries) == 0 && len(hazards) == 0 && justification == "" {
		return nil, nil, "", false
	}
	return countries, hazards, justification, true
}

func firstOf(obj map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, present := obj[k]; present && v != nil {
			return v
		}
	}
	return nil
}

func stringList(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return splitValues(val)
	case []interface{}:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}
	return nil
}

// parseBarFields handles the prompt's native format:
// countries ||| yes/no ||| justification ||| hazards.
func parseBarFields(text string) (countries, hazards []string, justification string) {
	parts := strings.Split(text, "|||")
	segments := make([]string, 4)
	for i := 0; i < len(parts) && i < 4; i++ {
		segments[i] = strings.TrimSpace(parts[i])
	}

	countries = splitValues(stripLabel(segments[0]))
	justification = stripLabel(segments[2])
	// The hazard segment may run on into the scores line; cut at the
	// newline before looking for a label, or the scores line's colon
	// would be mistaken for one.
	hazardText := segments[3]
	if idx := strings.IndexByte(hazardText, '\n'); idx >= 0 {
		hazardText = hazardText[:idx]
	}
	hazards = splitValues(stripLabel(hazardText))
	return countries, hazards, justification
}

func parseProseFields(text string) (countries, hazards []string, justification string) {
	// Turn dash separators into newlines so label regexes anchor cleanly.
	norm := regexp.MustCompile(`\s*[-–—]\s`).ReplaceAllString(text, "\n")

	if m := countriesLabelRe.FindStringSubmatch(norm); m != nil {
		countries = splitValues(firstLine(m[1]))
	}
	if m := justificationLabelRe.FindStringSubmatch(norm); m != nil {
		justification = firstLine(m[1])
	}
	if m := hazardsLabelRe.FindStringSubmatch(norm); m != nil {
		hazards = splitValues(firstLine(m[1]))
	}
	return countries, hazards, justification
}

// parseScores extracts the three rubric numbers, clamping out-of-range
// values into bounds and recording each clamp as an anomaly. The total
// is always recomputed from the (clamped) parts; a disagreeing reported
// total is noted, not trusted.
func parseScores(text string, p *parsed) error {
	m := scoresRe.FindStringSubmatch(text)
	if m == nil {
		if totalRe.MatchString(text) {
			return fmt.Errorf("scores incomplete: total present but vulnerability/coping missing")
		}
		return fmt.Errorf("no rubric scores in model reply")
	}

	vulnerability, err := strconv.Atoi(m[1])
	if err != nil {
		return fmt.Errorf("non-numeric vulnerability score %q", m[1])
	}
	coping, err := strconv.Atoi(m[2])
	if err != nil {
		return fmt.Errorf("non-numeric coping score %q", m[2])
	}
	reportedTotal, err := strconv.Atoi(m[3])
	if err != nil {
		return fmt.Errorf("non-numeric total score %q", m[3])
	}

	if vulnerability < VulnerabilityMin || vulnerability > VulnerabilityMax {
		clamped := clamp(vulnerability, VulnerabilityMin, VulnerabilityMax)
		p.Anomalies = append(p.Anomalies,
			fmt.Sprintf("vulnerability score %d out of range, clamped to %d", vulnerability, clamped))
		vulnerability = clamped
	}
	if coping < CopingMin || coping > CopingMax {
		clamped := clamp(coping, CopingMin, CopingMax)
		p.Anomalies = append(p.Anomalies,
			fmt.Sprintf("coping score %d out of range, clamped to %d", coping, clamped))
		coping = clamped
	}

	total := vulnerability + coping
	if reportedTotal != total {
		p.Anomalies = append(p.Anomalies,
			fmt.Sprintf("reported total %d disagrees with %d + %d, recomputed", reportedTotal, vulnerability, coping))
	}

	p.Vulnerability = vulnerability
	p.Coping = coping
	p.Total = total
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stripLabel drops a leading "Label:" prefix if present.
func stripLabel(s string) string {
	if idx := strings.Index(s, ":"); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// splitValues splits a list on semicolons or commas, whichever the
// model used.
func splitValues(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	sep := ";"
	if !strings.Contains(s, ";") {
		sep = ","
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
