package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/episignal/backend/internal/eios"
	"github.com/episignal/backend/internal/evaluation"
	"github.com/episignal/backend/internal/storage/models"
)

type fakeSource struct {
	articles  []eios.Article
	fetchErrs []error
	err       error
}

func (f *fakeSource) FetchArticles(_ context.Context, _ []string, _ eios.Window) ([]eios.Article, []error, error) {
	return f.articles, f.fetchErrs, f.err
}

type fakeEvaluator struct {
	mu      sync.Mutex
	totals  map[string]int
	failIDs map[string]bool
	block   chan struct{}
	calls   []string
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, article eios.Article) (*evaluation.Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, article.ExternalID)
	f.mu.Unlock()

	if f.failIDs[article.ExternalID] {
		return nil, errors.New("model refused")
	}

	total := f.totals[article.ExternalID]
	return &evaluation.Result{
		Countries:     []string{"Kenya"},
		Hazards:       []string{"Cholera"},
		Justification: "test",
		Total:         total,
		IsSignal:      evaluation.IsSignalTotal(total),
	}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	seen      map[string]bool
	commits   []string
	filterErr error
	commitErr error
}

func newFakeStore(seen ...string) *fakeStore {
	s := &fakeStore{seen: map[string]bool{}}
	for _, id := range seen {
		s.seen[id] = true
	}
	return s
}

func (f *fakeStore) FilterNew(_ context.Context, externalIDs []string) ([]string, error) {
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var fresh []string
	for _, id := range externalIDs {
		if !f.seen[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (f *fakeStore) CommitSignal(_ context.Context, _ *models.RawArticle, sig *models.ProcessedSignal) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[sig.ExternalID] = true
	f.commits = append(f.commits, sig.ExternalID)
	return nil
}

func makeArticles(n int) []eios.Article {
	articles := make([]eios.Article, n)
	for i := range articles {
		articles[i] = eios.Article{
			ExternalID: fmt.Sprintf("%d", i+1),
			Title:      fmt.Sprintf("Headline %d", i+1),
		}
	}
	return articles
}

func testWindow() eios.Window {
	now := time.Now().UTC()
	return eios.Window{Start: now.Add(-5 * time.Hour), End: now}
}

func TestRun_ProcessesFetchedArticles(t *testing.T) {
	source := &fakeSource{articles: makeArticles(3)}
	evaluator := &fakeEvaluator{totals: map[string]int{"1": -3, "2": 4, "3": 0}}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 3, summary.NewItems)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.TrueSignals, "totals -3 and 0 are signals, 4 is not")
	assert.Zero(t, summary.ErrorCount)
	assert.Len(t, store.commits, 3)
	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))
}

func TestRun_CapsBatchPreservingOrder(t *testing.T) {
	source := &fakeSource{articles: makeArticles(75)}
	evaluator := &fakeEvaluator{totals: map[string]int{}}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:     []string{"ephem"},
		Window:   testWindow(),
		MaxItems: 50,
	})
	require.NoError(t, err)

	assert.Equal(t, 75, summary.Fetched)
	assert.Equal(t, 75, summary.NewItems)
	assert.Equal(t, 50, summary.Processed)
	assert.Len(t, store.commits, 50)

	// Only the first 50 fetched articles were processed; the rest are
	// untouched and remain eligible next run.
	for _, id := range store.commits {
		var n int
		fmt.Sscanf(id, "%d", &n)
		assert.LessOrEqual(t, n, 50)
	}
}

func TestRun_SecondRunSkipsCommitted(t *testing.T) {
	source := &fakeSource{articles: makeArticles(4)}
	evaluator := &fakeEvaluator{totals: map[string]int{}}
	store := newFakeStore("2", "4")

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Fetched)
	assert.Equal(t, 2, summary.NewItems)
	assert.ElementsMatch(t, []string{"1", "3"}, store.commits)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	source := &fakeSource{articles: makeArticles(10)}
	evaluator := &fakeEvaluator{
		totals:  map[string]int{},
		failIDs: map[string]bool{"5": true},
	}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	require.NoError(t, err, "one bad article does not fail the run")

	assert.Equal(t, 9, summary.Processed)
	assert.Equal(t, 1, summary.ErrorCount)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "5", summary.Errors[0].ExternalID)
	assert.NotContains(t, store.commits, "5")

	// The failed article was never marked seen, so it comes back.
	fresh, err := store.FilterNew(context.Background(), []string{"5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, fresh)
}

func TestRun_CommitFailureRecorded(t *testing.T) {
	source := &fakeSource{articles: makeArticles(2)}
	evaluator := &fakeEvaluator{totals: map[string]int{}}
	store := newFakeStore()
	store.commitErr = errors.New("disk full")

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	require.NoError(t, err)

	assert.Zero(t, summary.Processed)
	assert.Equal(t, 2, summary.ErrorCount)
}

func TestRun_ErrorListBounded(t *testing.T) {
	source := &fakeSource{articles: makeArticles(10)}
	failIDs := map[string]bool{}
	for i := 1; i <= 10; i++ {
		failIDs[fmt.Sprintf("%d", i)] = true
	}
	evaluator := &fakeEvaluator{totals: map[string]int{}, failIDs: failIDs}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:      []string{"ephem"},
		Window:    testWindow(),
		MaxErrors: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 10, summary.ErrorCount, "the count keeps the true total")
	assert.Len(t, summary.Errors, 3, "the detail list is bounded")
}

func TestRun_RejectsOverlap(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{articles: makeArticles(1)}
	evaluator := &fakeEvaluator{totals: map[string]int{}, block: block}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := runner.Run(context.Background(), RunConfig{
			Tags:   []string{"ephem"},
			Window: testWindow(),
		})
		assert.NoError(t, err)
	}()

	require.Eventually(t, runner.Running, time.Second, 5*time.Millisecond)

	_, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(block)
	<-done
	assert.False(t, runner.Running())

	// The guard releases, so the next run proceeds.
	_, err = runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	assert.NoError(t, err)
}

func TestRun_ConfigValidation(t *testing.T) {
	runner := NewRunner(&fakeSource{}, &fakeEvaluator{}, newFakeStore(), 0)

	_, err := runner.Run(context.Background(), RunConfig{Window: testWindow()})
	assert.ErrorIs(t, err, ErrNoTags)

	now := time.Now().UTC()
	_, err = runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: eios.Window{Start: now, End: now.Add(-time.Hour)},
	})
	assert.Error(t, err)
}

func TestRun_FetchFailure(t *testing.T) {
	source := &fakeSource{
		fetchErrs: []error{errors.New("tag ephem: no boards")},
		err:       errors.New("all tags failed"),
	}
	runner := NewRunner(source, &fakeEvaluator{}, newFakeStore(), 0)

	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem"},
		Window: testWindow(),
	})
	require.Error(t, err)
	require.NotNil(t, summary, "the summary carries the per-tag errors")
	assert.Equal(t, 1, summary.ErrorCount)
	assert.False(t, runner.Running(), "the guard is released after a failed run")
}

func TestRun_NonFatalFetchErrorsRecorded(t *testing.T) {
	source := &fakeSource{
		articles:  makeArticles(2),
		fetchErrs: []error{errors.New("tag polio: upstream 502")},
	}
	evaluator := &fakeEvaluator{totals: map[string]int{}}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:   []string{"ephem", "polio"},
		Window: testWindow(),
	})
	require.NoError(t, err, "a partial fetch still processes what arrived")

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.ErrorCount)
}

func TestRun_ConcurrentWorkers(t *testing.T) {
	source := &fakeSource{articles: makeArticles(20)}
	evaluator := &fakeEvaluator{totals: map[string]int{}}
	store := newFakeStore()

	runner := NewRunner(source, evaluator, store, 0)
	summary, err := runner.Run(context.Background(), RunConfig{
		Tags:        []string{"ephem"},
		Window:      testWindow(),
		Concurrency: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Processed)
	assert.Len(t, store.commits, 20)
}
