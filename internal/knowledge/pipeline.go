// Package knowledge implements the document ingestion pipeline: submitted
// uploads are extracted to text fragments in the background and served to
// the reply engine's retriever.
package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"wagate/internal/domain"
	"wagate/internal/extract"
	"wagate/internal/metrics"

	"github.com/google/uuid"
)

// ErrAlreadyProcessing is returned when a document is submitted for
// processing while a run for the same id is still in flight.
var ErrAlreadyProcessing = errors.New("document is already being processed")

// Pipeline owns document ingestion: submit, background processing, delete.
type Pipeline struct {
	store  domain.KnowledgeStore
	tasks  *Tracker
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

type PipelineConfig struct {
	Store  domain.KnowledgeStore
	Tasks  *Tracker
	Logger *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Tasks == nil {
		cfg.Tasks = NewTracker(cfg.Logger)
	}
	return &Pipeline{
		store:    cfg.Store,
		tasks:    cfg.Tasks,
		logger:   cfg.Logger,
		inflight: make(map[string]chan struct{}),
	}
}

// Tasks exposes the background task tracker for the admin surface and tests.
func (p *Pipeline) Tasks() *Tracker { return p.tasks }

// Submit records an uploaded document and schedules its extraction in the
// background. Returns the document id immediately.
func (p *Pipeline) Submit(ctx context.Context, name, mimeType, path string, size int64) (string, error) {
	doc := domain.Document{
		ID:        uuid.NewString(),
		Name:      name,
		MimeType:  mimeType,
		Size:      size,
		Path:      path,
		Status:    domain.DocumentUploaded,
		CreatedAt: time.Now(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return "", err
	}

	p.logger.Info("document submitted", "id", doc.ID, "name", name, "mime", mimeType)

	p.tasks.Submit(context.WithoutCancel(ctx), "process:"+doc.ID, func(ctx context.Context) error {
		err := p.Process(ctx, doc.ID)
		if errors.Is(err, ErrAlreadyProcessing) {
			return nil
		}
		return err
	})

	return doc.ID, nil
}

// Process extracts the document's content and records the result. A second
// concurrent call for the same id is rejected with ErrAlreadyProcessing, so
// a document is never extracted twice at once. The uploaded temporary file
// is removed whether extraction succeeds or fails.
func (p *Pipeline) Process(ctx context.Context, id string) error {
	release, busy := p.acquire(id)
	if busy {
		return ErrAlreadyProcessing
	}
	defer release()

	doc, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return domain.Errorf(domain.KindPersistence, "knowledge.Process", "document %s not found", id)
	}
	if doc.Status == domain.DocumentCompleted {
		return nil
	}

	if err := p.store.UpdateDocumentStatus(ctx, id, domain.DocumentProcessing, "", time.Time{}); err != nil {
		return err
	}

	content, extractErr := p.extractContent(doc)

	if doc.Path != "" {
		if err := os.Remove(doc.Path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("upload cleanup failed", "id", id, "path", doc.Path, "err", err)
		}
	}

	if extractErr != nil {
		metrics.DocFailures.Inc()
		p.logger.Error("document processing failed", "id", id, "err", extractErr)
		if err := p.store.UpdateDocumentStatus(ctx, id, domain.DocumentError, extractErr.Error(), time.Now()); err != nil {
			return err
		}
		return extractErr
	}

	frag := domain.Fragment{
		ID:               uuid.NewString(),
		SourceDocumentID: id,
		Content:          content,
		CreatedAt:        time.Now(),
	}
	if err := p.store.AddFragment(ctx, frag); err != nil {
		return err
	}
	if err := p.store.UpdateDocumentStatus(ctx, id, domain.DocumentCompleted, "", time.Now()); err != nil {
		return err
	}

	metrics.DocsProcessed.Inc()
	p.logger.Info("document processed", "id", id, "fragment", frag.ID, "bytes", len(content))
	return nil
}

func (p *Pipeline) extractContent(doc *domain.Document) (string, error) {
	ex, err := extract.ForMimeType(doc.MimeType)
	if err != nil {
		return "", err
	}
	return ex.Extract(doc.Path)
}

// Delete removes the document and every fragment derived from it, as one
// transaction. If a processing run for the same id is in flight, Delete
// waits for it to finish first so the cascade sees its result.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	if err := p.waitIdle(ctx, id); err != nil {
		return err
	}

	doc, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return domain.Errorf(domain.KindPersistence, "knowledge.Delete", "document %s not found", id)
	}

	if doc.Path != "" {
		if err := os.Remove(doc.Path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("upload cleanup failed on delete", "id", id, "err", err)
		}
	}

	if err := p.store.DeleteDocumentCascade(ctx, id); err != nil {
		return err
	}

	p.logger.Info("document deleted", "id", id)
	return nil
}

// acquire takes the per-document in-flight slot. busy is true when another
// run already holds it.
func (p *Pipeline) acquire(id string) (release func(), busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return nil, true
	}
	done := make(chan struct{})
	p.inflight[id] = done
	return func() {
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
		close(done)
	}, false
}

// waitIdle blocks until no processing run holds the document's slot. It
// fails on context cancellation rather than returning early: the cascade
// must never run alongside an in-flight processing run.
func (p *Pipeline) waitIdle(ctx context.Context, id string) error {
	for {
		p.mu.Lock()
		done, ok := p.inflight[id]
		p.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return domain.E(domain.KindPersistence, "knowledge.Delete", ctx.Err())
		}
	}
}
