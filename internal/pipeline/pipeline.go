// Package pipeline runs the processing of one uploaded recording: transcribe
// the audio, refine the transcript with an LLM, and render the result as a
// document.
//
// A run is triggered synchronously by [Processor.Process]. The job record is
// persisted after every step so that a crash or failure leaves the fields of
// all completed steps in place. A failed run is not rolled back; triggering
// the job again reruns every step from the start and overwrites the derived
// fields.
//
//	pending ──▶ processing ──▶ completed
//	                  │
//	                  └──────▶ failed ──▶ processing (rerun)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pocwisper/internal/events"
	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/internal/observe"
	"github.com/MrWong99/pocwisper/pkg/provider/stt"
)

// ErrProcessing marks a run that ended in the failed status. The concrete
// error is a [*StepError] naming the step and the cause.
var ErrProcessing = errors.New("pipeline: processing failed")

// ErrDraining is returned by [Processor.Process] once [Processor.Drain] has
// been called.
var ErrDraining = errors.New("pipeline: shutting down")

// Step names, in execution order.
const (
	StepTranscribe = "transcribe"
	StepRefine     = "refine"
	StepRender     = "render"
)

// StepError is returned by [Processor.Process] when a step fails. It matches
// [ErrProcessing] and the underlying cause with [errors.Is].
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Step, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *StepError) Unwrap() []error { return []error{ErrProcessing, e.Err} }

// Refiner turns a raw transcript into a cleaned one. It returns "" when it
// cannot produce anything.
type Refiner interface {
	Refine(ctx context.Context, transcript, hint string) string
}

// Renderer writes the final document and returns where it was written.
type Renderer interface {
	Render(title string, date time.Time, body, outputPath string) (string, error)
}

// DocumentLocator decides where a job's document goes.
type DocumentLocator interface {
	DocumentPath(ownerID, jobID int64, title string) string
}

// Indexer makes a completed job searchable.
type Indexer interface {
	IndexJob(ctx context.Context, j *job.Job) error
}

// Processor sequences the processing steps of a job. It is safe for
// concurrent use; concurrent triggers of the same job are rejected by the
// store's processing guard.
type Processor struct {
	store       job.Store
	transcriber stt.Provider
	refiner     Refiner
	renderer    Renderer
	docs        DocumentLocator

	hub     *events.Hub
	metrics *observe.Metrics
	indexer Indexer
	now     func() time.Time

	mu       sync.Mutex
	draining bool
	runs     sync.WaitGroup
}

// Option configures a [Processor].
type Option func(*Processor)

// WithEvents publishes every status change on hub.
func WithEvents(hub *events.Hub) Option {
	return func(p *Processor) { p.hub = hub }
}

// WithMetrics records step and run metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithIndexer indexes every completed job. Indexing errors are logged and do
// not change the job status.
func WithIndexer(ix Indexer) Option {
	return func(p *Processor) { p.indexer = ix }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New returns a Processor.
func New(store job.Store, transcriber stt.Provider, refiner Refiner, renderer Renderer, docs DocumentLocator, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		transcriber: transcriber,
		refiner:     refiner,
		renderer:    renderer,
		docs:        docs,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

type step struct {
	name string
	run  func(ctx context.Context, j *job.Job) error
}

func (p *Processor) steps() []step {
	return []step{
		{name: StepTranscribe, run: p.transcribe},
		{name: StepRefine, run: p.refine},
		{name: StepRender, run: p.render},
	}
}

// Process runs all steps for the owner's job and returns the final record.
//
// It returns [job.ErrNotFound] when the job does not exist or belongs to
// someone else, and [job.ErrConflict] when the job is already processing.
// When a step fails the job is left in the failed status and the returned
// error matches [ErrProcessing]; the returned job then reflects what was
// persisted.
//
// The run is detached from ctx cancellation so that a client disconnect does
// not abort work the server has already started.
func (p *Processor) Process(ctx context.Context, ownerID, jobID int64) (*job.Job, error) {
	if !p.enter() {
		return nil, ErrDraining
	}
	defer p.runs.Done()

	ctx = context.WithoutCancel(ctx)
	ctx, span := observe.StartSpan(ctx, "pipeline.Process", trace.WithAttributes(
		attribute.Int64("job.id", jobID),
		attribute.Int64("owner.id", ownerID),
	))
	defer span.End()
	ctx = observe.WithJob(ctx, ownerID, jobID)
	log := observe.Logger(ctx)

	j, err := p.store.StartProcessing(ctx, ownerID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			p.metrics.RecordRun(ctx, "not_found", 0)
		case errors.Is(err, job.ErrConflict):
			p.metrics.RecordRun(ctx, "conflict", 0)
		}
		observe.FailSpan(span, err)
		return nil, err
	}

	start := time.Now()
	p.metrics.ActiveRuns.Add(ctx, 1)
	defer p.metrics.ActiveRuns.Add(ctx, -1)
	log.Info("processing started", "title", j.Title)
	p.publish(j, "", "")

	for _, s := range p.steps() {
		if err := p.runStep(ctx, s, j); err != nil {
			observe.FailSpan(span, err)
			p.fail(ctx, log, j, s.name, err)
			p.metrics.RecordRun(ctx, string(job.StatusFailed), time.Since(start).Seconds())
			return j, &StepError{Step: s.name, Err: err}
		}
		p.publish(j, s.name, "")
	}

	j.Status = job.StatusCompleted
	if err := p.store.Update(ctx, j); err != nil {
		observe.FailSpan(span, err)
		p.fail(ctx, log, j, "complete", err)
		p.metrics.RecordRun(ctx, string(job.StatusFailed), time.Since(start).Seconds())
		return j, &StepError{Step: "complete", Err: err}
	}

	if p.indexer != nil {
		if err := p.indexer.IndexJob(ctx, j); err != nil {
			log.Warn("search indexing failed", "err", err)
		}
	}

	elapsed := time.Since(start)
	p.metrics.RecordRun(ctx, string(job.StatusCompleted), elapsed.Seconds())
	log.Info("processing completed", "elapsed", elapsed)
	p.publish(j, "", "")
	return j, nil
}

// enter registers a run unless the processor is draining.
func (p *Processor) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return false
	}
	p.runs.Add(1)
	return true
}

// Drain stops accepting new runs and waits for the ones in flight. It
// returns ctx.Err() if ctx ends first; the runs keep going in that case.
func (p *Processor) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStep executes one step and persists its checkpoint.
func (p *Processor) runStep(ctx context.Context, s step, j *job.Job) error {
	ctx, span := observe.StartSpan(ctx, "pipeline."+s.name)
	defer span.End()

	start := time.Now()
	err := s.run(ctx, j)
	if err == nil {
		if err = p.store.Update(ctx, j); err != nil {
			err = fmt.Errorf("save checkpoint: %w", err)
		}
	}
	status := "ok"
	if err != nil {
		status = "error"
		observe.FailSpan(span, err)
	}
	p.metrics.RecordStep(ctx, s.name, status, time.Since(start).Seconds())
	return err
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, j *job.Job, stepName string, cause error) {
	log.Error("processing failed", "step", stepName, "err", cause)
	j.Status = job.StatusFailed
	if err := p.store.Update(ctx, j); err != nil {
		log.Error("could not persist failed status", "err", err)
	}
	p.publish(j, stepName, cause.Error())
}

func (p *Processor) transcribe(ctx context.Context, j *job.Job) error {
	tr, err := p.transcriber.Transcribe(ctx, j.AudioFilePath)
	if err != nil {
		return err
	}
	j.TranscriptionText = job.Ptr(tr.Text)
	return nil
}

func (p *Processor) refine(ctx context.Context, j *job.Job) error {
	raw := deref(j.TranscriptionText)
	refined := p.refiner.Refine(ctx, raw, j.Hint())
	if refined == "" {
		observe.Logger(ctx).Warn("refinement produced nothing, keeping raw transcript")
		p.metrics.RefineFallbacks.Add(ctx, 1)
		refined = raw
	}
	j.ProcessedText = job.Ptr(refined)
	return nil
}

func (p *Processor) render(_ context.Context, j *job.Job) error {
	out := p.docs.DocumentPath(j.OwnerID, j.ID, j.Title)
	path, err := p.renderer.Render(j.Title, j.Date, deref(j.ProcessedText), out)
	if err != nil {
		return err
	}
	j.DocumentPath = job.Ptr(path)
	return nil
}

func (p *Processor) publish(j *job.Job, stepName, msg string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(events.Event{
		JobID:   j.ID,
		OwnerID: j.OwnerID,
		Status:  j.Status,
		Step:    stepName,
		Message: msg,
		Time:    p.now(),
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
