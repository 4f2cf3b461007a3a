package enrich

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/continuityd/internal/enrich")

// embeddingDim is the dimension of the local deterministic embedding.
const embeddingDim = 128

// ChromemConfig configures the embedded knowledge store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Collection is the collection holding one document per project.
	Collection string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemSink indexes project states in an embedded chromem-go vector
// database, one document per project. Documents are embedded with a cheap
// deterministic local function, so no model download or network access is
// needed.
type ChromemSink struct {
	db     *chromem.DB
	col    *chromem.Collection
	logger *zap.Logger
}

// NewChromemSink opens (or creates) the persistent knowledge store.
func NewChromemSink(cfg *ChromemConfig, logger *zap.Logger) (*ChromemSink, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("sink path is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("sink collection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory %s: %w", cfg.Path, err)
	}

	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge store: %w", err)
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, embedText)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	logger.Info("knowledge sink initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Bool("compress", cfg.Compress),
	)

	return &ChromemSink{db: db, col: col, logger: logger}, nil
}

// Sync upserts the project's document. The document ID is derived from the
// project name, so repeated saves replace the previous entry.
func (s *ChromemSink) Sync(ctx context.Context, name string, state map[string]any) error {
	ctx, span := tracer.Start(ctx, "enrich.sync")
	defer span.End()

	span.SetAttributes(attribute.String("project", name))

	content := renderDocument(name, state)
	doc := chromem.Document{
		ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("continuityd:"+name)).String(),
		Content: content,
		Metadata: map[string]string{
			"project":    name,
			"indexed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := s.col.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing project %s: %w", name, err)
	}

	s.logger.Debug("synced project to knowledge store",
		zap.String("project", name),
		zap.Int("content_bytes", len(content)),
	)
	return nil
}

// Related queries the knowledge store for projects similar to name, excluding
// the project itself.
func (s *ChromemSink) Related(ctx context.Context, name string, limit int) ([]RelatedItem, error) {
	ctx, span := tracer.Start(ctx, "enrich.related")
	defer span.End()

	span.SetAttributes(
		attribute.String("project", name),
		attribute.Int("limit", limit),
	)

	if limit < 1 {
		return nil, nil
	}

	// chromem rejects nResults beyond the document count. Fetch one extra
	// so the project's own document can be dropped.
	n := limit + 1
	if count := s.col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := s.col.Query(ctx, name, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying knowledge store: %w", err)
	}

	items := make([]RelatedItem, 0, limit)
	for _, r := range results {
		if r.Metadata["project"] == name {
			continue
		}
		items = append(items, RelatedItem{
			Content: r.Content,
			Project: r.Metadata["project"],
			Score:   r.Similarity,
		})
		if len(items) == limit {
			break
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(items)))
	return items, nil
}

// Close releases the sink. chromem persists on every write, so nothing is
// flushed here.
func (s *ChromemSink) Close() error { return nil }

// renderDocument flattens the summarizable state fields into one text blob.
func renderDocument(name string, state map[string]any) string {
	var b strings.Builder
	b.WriteString(name)

	appendStr := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			b.WriteString("\n")
			b.WriteString(s)
		}
	}
	appendList := func(v any) {
		items, ok := v.([]any)
		if !ok {
			return
		}
		for _, it := range items {
			appendStr(it)
		}
	}

	appendStr(state["current_focus"])
	appendStr(state["conversation_summary"])
	appendList(state["technical_decisions"])
	appendList(state["next_actions"])
	return b.String()
}

// embedText is a deterministic local embedding: byte histogram folded into a
// fixed-size vector, L2-normalized. Good enough to cluster projects that
// share vocabulary without an external model.
func embedText(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDim)
	if text == "" {
		vec[0] = 1
		return vec, nil
	}

	for i, c := range []byte(strings.ToLower(text)) {
		vec[(int(c)+i)%embeddingDim] += float32(c) / 255.0
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
