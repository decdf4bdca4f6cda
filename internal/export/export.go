// Package export moves the gateway's operator-owned data (settings and
// knowledge) in and out of a portable YAML snapshot.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"wagate/internal/domain"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// snapshotVersion is bumped when the snapshot layout changes incompatibly.
const snapshotVersion = 1

// Snapshot is the YAML document written by Export and read by Import.
// Messages and the reply log are deliberately not part of it: a snapshot
// carries configuration and knowledge, not conversation history.
type Snapshot struct {
	Version    int                       `yaml:"version"`
	ExportedAt time.Time                 `yaml:"exportedAt"`
	Settings   map[string]map[string]any `yaml:"settings,omitempty"`
	Documents  []DocumentSnapshot        `yaml:"documents,omitempty"`
}

// DocumentSnapshot is one completed document with its extracted fragments.
// The original upload file is gone by the time a document completes, so the
// snapshot carries the extraction result, not the source bytes.
type DocumentSnapshot struct {
	Name      string   `yaml:"name"`
	MimeType  string   `yaml:"mimeType"`
	Fragments []string `yaml:"fragments"`
}

// Porter exports and imports snapshots against the live stores.
type Porter struct {
	settings  domain.SettingsStore
	knowledge domain.KnowledgeStore
	logger    *slog.Logger
}

func NewPorter(settings domain.SettingsStore, knowledge domain.KnowledgeStore, logger *slog.Logger) *Porter {
	return &Porter{settings: settings, knowledge: knowledge, logger: logger}
}

// Export writes the current settings and completed knowledge to w as YAML.
func (p *Porter) Export(ctx context.Context, w io.Writer) error {
	snap := Snapshot{
		Version:    snapshotVersion,
		ExportedAt: time.Now().UTC(),
		Settings:   map[string]map[string]any{},
	}

	categories, err := p.settings.ListSettingsCategories(ctx)
	if err != nil {
		return err
	}
	for _, cat := range categories {
		var data map[string]any
		if err := p.settings.GetSettings(ctx, cat, &data); err != nil {
			return err
		}
		snap.Settings[cat] = data
	}

	docs, err := p.knowledge.ListDocuments(ctx, 1000, 0)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.Status != domain.DocumentCompleted {
			continue
		}
		frags, err := p.knowledge.ListFragments(ctx, doc.ID)
		if err != nil {
			return err
		}
		ds := DocumentSnapshot{Name: doc.Name, MimeType: doc.MimeType}
		for _, f := range frags {
			ds.Fragments = append(ds.Fragments, f.Content)
		}
		snap.Documents = append(snap.Documents, ds)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return domain.E(domain.KindPersistence, "export.Export", err)
	}
	p.logger.Info("snapshot exported",
		"settings", len(snap.Settings), "documents", len(snap.Documents))
	return enc.Close()
}

// Import reads a snapshot from r and applies it: settings categories are
// overwritten, documents are created anew as completed knowledge. Existing
// documents are left untouched; import never deletes.
func (p *Porter) Import(ctx context.Context, r io.Reader) error {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil {
		return domain.E(domain.KindPersistence, "export.Import", err)
	}
	if snap.Version != snapshotVersion {
		return domain.Errorf(domain.KindConfiguration, "export.Import",
			"unsupported snapshot version %d (want %d)", snap.Version, snapshotVersion)
	}

	for cat, data := range snap.Settings {
		if err := p.settings.SetSettings(ctx, cat, data); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, ds := range snap.Documents {
		doc := domain.Document{
			ID:        uuid.NewString(),
			Name:      ds.Name,
			MimeType:  ds.MimeType,
			Status:    domain.DocumentCompleted,
			CreatedAt: now,
		}
		if err := p.knowledge.CreateDocument(ctx, doc); err != nil {
			return err
		}
		if err := p.knowledge.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentCompleted, "", now); err != nil {
			return err
		}
		for _, content := range ds.Fragments {
			frag := domain.Fragment{
				ID:               uuid.NewString(),
				SourceDocumentID: doc.ID,
				Content:          content,
				CreatedAt:        now,
			}
			if err := p.knowledge.AddFragment(ctx, frag); err != nil {
				return err
			}
		}
	}

	p.logger.Info("snapshot imported",
		"settings", len(snap.Settings), "documents", len(snap.Documents))
	return nil
}

// Describe summarizes a snapshot without applying it.
func Describe(r io.Reader) (string, error) {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil {
		return "", domain.E(domain.KindPersistence, "export.Describe", err)
	}
	return fmt.Sprintf("snapshot v%d from %s: %d settings categories, %d documents",
		snap.Version, snap.ExportedAt.Format(time.RFC3339), len(snap.Settings), len(snap.Documents)), nil
}
