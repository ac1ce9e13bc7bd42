package crawler

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

// BatchWriter admits entry batches. Satisfied by the pipeline service.
type BatchWriter interface {
	WriteBatch(ctx context.Context, collectionID string, batch []model.NewEntry, actor string) ([]model.Entry, error)
}

// Ingester turns crawled documents into entry batches. Long documents are
// split into ordered fragments under a parent artifact so their claims
// distill with accumulated context.
type Ingester struct {
	writer        BatchWriter
	fragmentBytes int
	author        string
	label         label.Label
	logger        *zap.Logger
}

// NewIngester builds an Ingester writing on behalf of author under lbl.
func NewIngester(w BatchWriter, fragmentBytes int, author string, lbl label.Label) *Ingester {
	if fragmentBytes <= 0 {
		fragmentBytes = 8192
	}
	return &Ingester{
		writer:        w,
		fragmentBytes: fragmentBytes,
		author:        author,
		label:         lbl,
		logger:        zap.L().Named("ingest"),
	}
}

// Ingest writes each document as its own batch and returns the number of
// entries admitted. A failed document aborts the run; documents already
// written stay written.
func (in *Ingester) Ingest(ctx context.Context, collectionID string, docs []Document) (int, error) {
	total := 0
	for _, doc := range docs {
		batch := in.entriesFor(doc)
		written, err := in.writer.WriteBatch(ctx, collectionID, batch, "crawler")
		if err != nil {
			return total, err
		}
		total += len(written)
		in.logger.Info("document ingested",
			zap.String("url", doc.URL), zap.Int("entries", len(written)))
	}
	return total, nil
}

// entriesFor maps one document to a batch: either a single entry, or a
// parent artifact plus its fragments.
func (in *Ingester) entriesFor(doc Document) []model.NewEntry {
	content := doc.Text
	if doc.Title != "" {
		content = doc.Title + "\n\n" + doc.Text
	}

	parts := splitFragments(content, in.fragmentBytes)
	if len(parts) <= 1 {
		return []model.NewEntry{{
			Content:     []byte(content),
			ContentType: "text/plain",
			Author:      in.author,
			Topic:       doc.URL,
			Label:       in.label,
		}}
	}

	parentID := uuid.New().String()
	batch := []model.NewEntry{{
		ID:          parentID,
		Content:     []byte(content),
		ContentType: "text/plain",
		Author:      in.author,
		Topic:       doc.URL,
		Label:       in.label,
	}}
	for i, part := range parts {
		idx := i
		batch = append(batch, model.NewEntry{
			Content:       []byte(part),
			ContentType:   "text/plain",
			Author:        in.author,
			Label:         in.label,
			FragmentOf:    parentID,
			FragmentIndex: &idx,
		})
	}
	return batch
}

// splitFragments cuts text into pieces of roughly limit bytes, breaking at
// paragraph boundaries where possible. Text within the limit comes back as
// a single piece.
func splitFragments(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var (
		parts []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, p := range paragraphs {
		// a single oversized paragraph is cut mid-text
		for len(p) > limit {
			flush()
			parts = append(parts, p[:limit])
			p = p[limit:]
		}
		if cur.Len() > 0 && cur.Len()+2+len(p) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return parts
}
