package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/donorpath/prospect-cli/internal/checkpoint"
	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/research"
	"github.com/donorpath/prospect-cli/internal/resilience"
	"github.com/donorpath/prospect-cli/internal/store"
	"github.com/donorpath/prospect-cli/internal/triangulate"
)

// EventType identifies a progress callback.
type EventType string

const (
	EventItemStarted    EventType = "item_started"
	EventItemCompleted  EventType = "item_completed"
	EventItemFailed     EventType = "item_failed"
	EventBatchCompleted EventType = "batch_completed"
)

// Event is a progress notification delivered to the registered callback.
// Callbacks run on worker goroutines and must not block.
type Event struct {
	Type       EventType `json:"type"`
	BatchID    string    `json:"batch_id"`
	ProspectID string    `json:"prospect_id,omitempty"`
	Step       string    `json:"step,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EventFunc receives progress events.
type EventFunc func(Event)

// Config tunes the orchestrator.
type Config struct {
	// Concurrency bounds how many prospects are researched at once.
	Concurrency int
	// DLQMaxRetries is the retry budget recorded on dead-lettered items.
	DLQMaxRetries int
	// ContextLimit caps how many characters of earlier findings are fed
	// into the synthesis step.
	ContextLimit int
	// ContentionPolls is how many times a worker re-checks the ledger for
	// the holder's result when a step is already processing elsewhere.
	ContentionPolls int
	// ContentionPollDelay is the wait between those re-checks.
	ContentionPollDelay time.Duration
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() Config {
	return Config{
		Concurrency:         4,
		DLQMaxRetries:       3,
		ContextLimit:        6000,
		ContentionPolls:     3,
		ContentionPollDelay: 2 * time.Second,
	}
}

// Orchestrator runs research batches. One item failing never aborts its
// siblings; batch-level failure is reserved for setup faults such as the
// prospect list being unloadable.
type Orchestrator struct {
	store   store.Store
	exec    *StepExecutor
	tracker *checkpoint.Tracker
	steps   []Step
	sink    *Sink
	triCfg  *triangulate.Config
	cfg     Config
	onEvent EventFunc

	mu        sync.Mutex
	completed int
	failed    int
	total     int
	cancel    context.CancelFunc
}

// New creates an orchestrator. sink may be nil when outbound writeback is
// not configured; triCfg nil falls back to defaults.
func New(st store.Store, exec *StepExecutor, tracker *checkpoint.Tracker, steps []Step, sink *Sink, triCfg *triangulate.Config, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DLQMaxRetries <= 0 {
		cfg.DLQMaxRetries = 3
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 6000
	}
	if cfg.ContentionPolls <= 0 {
		cfg.ContentionPolls = 3
	}
	if cfg.ContentionPollDelay <= 0 {
		cfg.ContentionPollDelay = 2 * time.Second
	}
	if triCfg == nil {
		triCfg = triangulate.DefaultConfig()
	}
	return &Orchestrator{
		store:   st,
		exec:    exec,
		tracker: tracker,
		steps:   steps,
		sink:    sink,
		triCfg:  triCfg,
		cfg:     cfg,
	}
}

// OnEvent registers the progress callback. Call before Run.
func (o *Orchestrator) OnEvent(fn EventFunc) {
	o.onEvent = fn
}

// Progress returns a point-in-time completion snapshot.
func (o *Orchestrator) Progress() model.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := model.Progress{
		Completed: o.completed,
		Failed:    o.failed,
		Total:     o.total,
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}

// Cancel stops the running batch. In-flight items finish as skipped.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run processes every prospect in the batch and returns a summary. The
// same method serves fresh runs and resumes: already-succeeded steps are
// skipped via their checkpoints, so replaying a batch id only performs
// the remaining work.
func (o *Orchestrator) Run(ctx context.Context, batch *model.Batch) (*model.BatchResult, error) {
	start := time.Now()

	prospects, err := o.store.GetBatchProspects(ctx, batch.ID)
	if err != nil {
		o.setBatchStatus(ctx, batch.ID, model.BatchStatusFailed)
		return nil, eris.Wrapf(err, "pipeline: load prospects for batch %s", batch.ID)
	}

	o.mu.Lock()
	o.completed, o.failed = 0, 0
	o.total = len(prospects)
	o.mu.Unlock()

	o.setBatchStatus(ctx, batch.ID, model.BatchStatusRunning)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	var (
		resMu sync.Mutex
		items = make([]model.ItemResult, 0, len(prospects))
	)

	g, gCtx := errgroup.WithContext(runCtx)
	g.SetLimit(o.cfg.Concurrency)

	for _, p := range prospects {
		g.Go(func() error {
			item := o.processItem(gCtx, batch.ID, p)
			resMu.Lock()
			items = append(items, item)
			resMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	cancelled := runCtx.Err() != nil

	result := &model.BatchResult{
		BatchID:  batch.ID,
		Items:    items,
		Duration: time.Since(start).Milliseconds(),
	}
	for _, item := range items {
		switch item.Status {
		case model.ItemStatusDone:
			result.Succeeded++
		case model.ItemStatusError:
			result.Failed++
		case model.ItemStatusSkipped:
			result.Skipped++
		}
	}

	if cancelled {
		result.Status = model.BatchStatusCancelled
	} else {
		result.Status = model.BatchStatusCompleted
	}
	o.setBatchStatus(ctx, batch.ID, result.Status)

	o.emit(Event{Type: EventBatchCompleted, BatchID: batch.ID})
	zap.L().Info("batch finished",
		zap.String("batch_id", batch.ID),
		zap.String("status", string(result.Status)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int64("duration_ms", result.Duration),
	)

	return result, nil
}

// processItem walks the fixed step sequence for one prospect. It always
// returns a terminal ItemResult; errors never propagate to siblings.
func (o *Orchestrator) processItem(ctx context.Context, batchID string, p model.Prospect) model.ItemResult {
	o.emit(Event{Type: EventItemStarted, BatchID: batchID, ProspectID: p.ID})

	stepResults := make(map[string]*model.ProviderResult, len(o.steps))
	var triangulated *model.TriangulatedResult
	attempts := 0

	// Reload outputs of steps that already succeeded so a resumed run
	// reuses them instead of re-querying providers.
	records, err := o.tracker.Get(ctx, p.ID)
	if err != nil {
		records = nil
	}
	byStep := make(map[string]checkpoint.Record, len(records))
	for _, rec := range records {
		byStep[rec.Step] = rec
		if rec.Attempts > attempts {
			attempts = rec.Attempts
		}
		if rec.Status != checkpoint.StatusSucceeded || len(rec.Output) == 0 {
			continue
		}
		if rec.Step == StepTriangulate {
			var tri model.TriangulatedResult
			if json.Unmarshal(rec.Output, &tri) == nil {
				triangulated = &tri
			}
			continue
		}
		var pr model.ProviderResult
		if json.Unmarshal(rec.Output, &pr) == nil {
			stepResults[rec.Step] = &pr
		}
	}

	for _, step := range o.steps {
		if ctx.Err() != nil {
			return model.ItemResult{Prospect: p, Status: model.ItemStatusSkipped, Attempts: attempts}
		}

		if rec, ok := byStep[step.Name]; ok {
			if rec.Status == checkpoint.StatusSucceeded || rec.Status == checkpoint.StatusSkipped {
				continue
			}
		}

		if err := o.tracker.Begin(ctx, p.ID, step.Name); err != nil {
			if errors.Is(err, checkpoint.ErrStepContended) {
				// Another worker owns this step. Not a failure; the item
				// stays re-runnable and a resume picks up the result.
				zap.L().Info("step held by another worker",
					zap.String("prospect_id", p.ID),
					zap.String("step", step.Name),
				)
				return model.ItemResult{Prospect: p, Status: model.ItemStatusSkipped, Attempts: attempts}
			}
			return o.failItem(ctx, batchID, p, step.Name, attempts+1, err)
		}
		attempts++

		if step.Local() {
			tri := o.runTriangulate(p, stepResults)
			triangulated = tri
			payload, merr := json.Marshal(tri)
			if merr != nil {
				payload = nil
			}
			o.tracker.Succeed(ctx, p.ID, step.Name, payload)
			continue
		}

		input := o.buildInput(p, step, stepResults)
		outcome, err := o.exec.Execute(ctx, p.ID, step, input)

		// Lock contention is a back-off-and-poll signal, not a failure.
		// Each re-check returns the holder's cached result once it lands.
		for poll := 0; errors.Is(err, ErrProcessingElsewhere) && poll < o.cfg.ContentionPolls; poll++ {
			select {
			case <-ctx.Done():
				o.tracker.Fail(ctx, p.ID, step.Name, ctx.Err())
				return model.ItemResult{Prospect: p, Status: model.ItemStatusSkipped, Attempts: attempts}
			case <-time.After(o.cfg.ContentionPollDelay):
			}
			outcome, err = o.exec.Execute(ctx, p.ID, step, input)
		}
		if errors.Is(err, ErrProcessingElsewhere) {
			// Holder is still live. Leave the step restartable and bow out
			// without dead-lettering; a resume or the holder finishes it.
			o.tracker.Fail(ctx, p.ID, step.Name, err)
			zap.L().Info("step still processing elsewhere, deferring item",
				zap.String("prospect_id", p.ID),
				zap.String("step", step.Name),
			)
			return model.ItemResult{Prospect: p, Status: model.ItemStatusSkipped, Attempts: attempts}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				o.tracker.Fail(ctx, p.ID, step.Name, err)
				return model.ItemResult{Prospect: p, Status: model.ItemStatusSkipped, Attempts: attempts}
			}
			o.tracker.Fail(ctx, p.ID, step.Name, err)
			return o.failItem(ctx, batchID, p, step.Name, attempts, err)
		}

		payload, merr := json.Marshal(outcome.Result)
		if merr != nil {
			payload = nil
		}
		o.tracker.Succeed(ctx, p.ID, step.Name, payload)
		stepResults[step.Name] = outcome.Result
	}

	if o.sink != nil && triangulated != nil {
		o.sink.Enqueue(p, triangulated)
	}

	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
	o.emit(Event{Type: EventItemCompleted, BatchID: batchID, ProspectID: p.ID})

	return model.ItemResult{
		Prospect:     p,
		Status:       model.ItemStatusDone,
		Triangulated: triangulated,
		Attempts:     attempts,
	}
}

// runTriangulate cross-validates the provider outputs in step order.
func (o *Orchestrator) runTriangulate(p model.Prospect, stepResults map[string]*model.ProviderResult) *model.TriangulatedResult {
	results := make([]model.ProviderResult, 0, len(stepResults))
	for _, step := range o.steps {
		if r, ok := stepResults[step.Name]; ok {
			results = append(results, *r)
		}
	}
	tri := triangulate.Triangulate(p.ID, results, o.triCfg)
	return &tri
}

// buildInput assembles the provider input for a step. The synthesis step
// receives findings from earlier steps as context.
func (o *Orchestrator) buildInput(p model.Prospect, step Step, stepResults map[string]*model.ProviderResult) research.Input {
	in := research.Input{
		ProspectID: p.ID,
		FullName:   p.FullName,
		City:       p.City,
		State:      p.State,
		Employer:   p.Employer,
		Title:      p.Title,
		Focus:      step.Focus,
	}
	if step.Focus != research.FocusBiography {
		return in
	}

	var b strings.Builder
	for _, prior := range o.steps {
		if prior.Name == step.Name {
			break
		}
		r, ok := stepResults[prior.Name]
		if !ok || r.Text == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(prior.Name)
		b.WriteString("\n")
		b.WriteString(r.Text)
		b.WriteString("\n\n")
	}
	findings := b.String()
	if len(findings) > o.cfg.ContextLimit {
		findings = findings[:o.cfg.ContextLimit]
	}
	in.Context = findings
	return in
}

// failItem dead-letters the prospect and returns its error result.
func (o *Orchestrator) failItem(ctx context.Context, batchID string, p model.Prospect, step string, attempts int, cause error) model.ItemResult {
	o.deadLetter(ctx, p, step, attempts, cause)

	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
	o.emit(Event{
		Type:       EventItemFailed,
		BatchID:    batchID,
		ProspectID: p.ID,
		Step:       step,
		Error:      cause.Error(),
	})
	zap.L().Warn("item failed",
		zap.String("batch_id", batchID),
		zap.String("prospect_id", p.ID),
		zap.String("step", step),
		zap.Error(cause),
	)

	return model.ItemResult{
		Prospect:   p,
		Status:     model.ItemStatusError,
		StepErrors: map[string]string{step: cause.Error()},
		Attempts:   attempts,
	}
}

// deadLetter records the failure for inspection or requeue. A DLQ write
// failure is logged; the item outcome is already decided.
func (o *Orchestrator) deadLetter(ctx context.Context, p model.Prospect, step string, attempts int, cause error) {
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		Prospect:     p,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		FailedStep:   step,
		RetryCount:   0,
		MaxRetries:   o.cfg.DLQMaxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if entry.ErrorType == "transient" {
		entry.NextRetryAt = now.Add(15 * time.Minute)
	}
	if err := o.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("dead letter write failed",
			zap.String("prospect_id", p.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) setBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) {
	if err := o.store.UpdateBatchStatus(ctx, batchID, status); err != nil {
		zap.L().Warn("update batch status",
			zap.String("batch_id", batchID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) emit(e Event) {
	if o.onEvent != nil {
		o.onEvent(e)
	}
}
