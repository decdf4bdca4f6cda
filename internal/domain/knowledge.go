package domain

import (
	"context"
	"time"
)

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentError      DocumentStatus = "error"
)

// Document is the record of an uploaded source file awaiting (or past)
// extraction. Path points at the temporary upload; it is removed once
// processing finishes, on both success and failure.
type Document struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	MimeType    string         `json:"mimeType"`
	Size        int64          `json:"size"`
	Path        string         `json:"path,omitempty"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ProcessedAt time.Time      `json:"processedAt,omitempty"`
}

// Fragment is a unit of extracted, searchable text derived from a document.
// Deleting the source document cascades to its fragments.
type Fragment struct {
	ID               string    `json:"id"`
	SourceDocumentID string    `json:"sourceDocumentId"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"createdAt"`
}

// KnowledgeStore is the persistence surface for the ingestion pipeline and
// the reply engine's retriever.
type KnowledgeStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status DocumentStatus, errMsg string, processedAt time.Time) error
	ListDocuments(ctx context.Context, limit, offset int) ([]Document, error)

	AddFragment(ctx context.Context, frag Fragment) error
	ListFragments(ctx context.Context, sourceDocumentID string) ([]Fragment, error)
	ProcessedFragments(ctx context.Context) ([]Fragment, error)

	// DeleteDocumentCascade removes the document and every fragment that
	// references it, atomically.
	DeleteDocumentCascade(ctx context.Context, id string) error
}

// MessageStore persists conversational messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg Message) error
	QueryMessages(ctx context.Context, f MessageFilter) ([]Message, error)
}
