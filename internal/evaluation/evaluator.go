package evaluation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/episignal/backend/internal/eios"
	"github.com/episignal/backend/internal/llm"
	"github.com/episignal/backend/pkg/logger"
)

// Completer is the slice of the LLM client the evaluator needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error)
}

// Result is one article's evaluation. IsSignal follows the rubric:
// a non-positive total score marks a signal.
type Result struct {
	Countries     []string
	Hazards       []string
	Justification string
	Assessment    string
	Vulnerability int
	Coping        int
	Total         int
	IsSignal      bool
	Anomalies     []string
}

// IsSignalTotal applies the scoring rule to a total score. Totals at or
// below zero are signals, including totals below -7; only a positive
// total clears an event.
func IsSignalTotal(total int) bool {
	return total <= 0
}

type Evaluator struct {
	completer Completer
	prompt    string
}

// NewEvaluator builds an evaluator around a completion provider and a
// prompt template containing a {text} placeholder. An empty template
// falls back to DefaultPrompt.
func NewEvaluator(completer Completer, promptTemplate string) *Evaluator {
	if strings.TrimSpace(promptTemplate) == "" {
		promptTemplate = DefaultPrompt
	}
	return &Evaluator{
		completer: completer,
		prompt:    promptTemplate,
	}
}

// Evaluate scores one article. Any provider or parse failure is
// returned as an error for this article alone; callers are expected to
// record it and continue with the rest of the batch.
func (e *Evaluator) Evaluate(ctx context.Context, article eios.Article) (*Result, error) {
	text := article.CombinedText()
	if text == "" {
		return nil, fmt.Errorf("article %s has no text to evaluate", article.ExternalID)
	}

	prompt := strings.ReplaceAll(e.prompt, "{text}", text)

	resp, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("evaluation of article %s: %w", article.ExternalID, err)
	}

	parsed, err := parseAssessment(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("unparseable assessment for article %s: %w", article.ExternalID, err)
	}

	result := &Result{
		Countries:     parsed.Countries,
		Hazards:       parsed.Hazards,
		Justification: parsed.Justification,
		Assessment:    resp.Content,
		Vulnerability: parsed.Vulnerability,
		Coping:        parsed.Coping,
		Total:         parsed.Total,
		IsSignal:      IsSignalTotal(parsed.Total),
		Anomalies:     parsed.Anomalies,
	}

	for _, anomaly := range result.Anomalies {
		logger.Warn("Assessment anomaly",
			zap.String("external_id", article.ExternalID),
			zap.String("anomaly", anomaly),
		)
	}

	logger.Debug("Article evaluated",
		zap.String("external_id", article.ExternalID),
		zap.Int("total_score", result.Total),
		zap.Bool("is_signal", result.IsSignal),
	)
	return result, nil
}
