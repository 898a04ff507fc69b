package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/reranker"
)

// Document kinds stored under the "kind" metadata key.
const (
	KindTicket = "ticket"
	KindCode   = "code"
)

// maxIndexedChars bounds the text embedded for one document.
const maxIndexedChars = 8000

// DefaultOversample is how many candidates per requested result are fetched
// for reranking.
const DefaultOversample = 3

// Knowledge indexes finished runs and answers similarity lookups over them.
// It satisfies the retriever the stages consult and the recorder the
// orchestrator calls after each run.
type Knowledge struct {
	store      Store
	reranker   reranker.Reranker
	oversample int
	logger     *zap.Logger
}

// KnowledgeOption configures a Knowledge.
type KnowledgeOption func(*Knowledge)

// WithReranker reorders search hits with r. Lookups fetch oversample times
// the requested count, up to the store's result cap, and keep the best
// after reranking.
func WithReranker(r reranker.Reranker, oversample int) KnowledgeOption {
	return func(k *Knowledge) {
		if oversample < 1 {
			oversample = DefaultOversample
		}
		k.reranker = r
		k.oversample = oversample
	}
}

// NewKnowledge wraps store.
func NewKnowledge(store Store, logger *zap.Logger, opts ...KnowledgeOption) *Knowledge {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &Knowledge{store: store, logger: logger, oversample: 1}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// IndexTicket stores the ticket text of in, enriched with the requirement
// summary when reqs is non-nil. Re-indexing a ticket replaces it.
func (k *Knowledge) IndexTicket(ctx context.Context, in pipeline.Input, reqs *pipeline.RequirementSet) error {
	if in.TicketID == "" {
		return fmt.Errorf("%w: ticket id is required", ErrEmptyDocuments)
	}

	var b strings.Builder
	b.WriteString(in.Title)
	if in.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(in.Description)
	}
	if in.AcceptanceCriteria != "" {
		b.WriteString("\n\nAcceptance Criteria:\n")
		b.WriteString(in.AcceptanceCriteria)
	}
	if reqs != nil && reqs.Summary != "" {
		b.WriteString("\n\nSummary: ")
		b.WriteString(reqs.Summary)
	}

	doc := Document{
		ID:      KindTicket + ":" + in.TicketID,
		Content: clip(b.String()),
		Metadata: map[string]string{
			"kind":       KindTicket,
			"ticket_id":  in.TicketID,
			"thread_id":  in.ThreadID,
			"repository": in.Repository,
		},
	}
	if _, err := k.store.AddDocuments(ctx, []Document{doc}); err != nil {
		return fmt.Errorf("index ticket %s: %w", in.TicketID, err)
	}
	DocumentsIndexed.WithLabelValues(KindTicket).Inc()
	return nil
}

// IndexArtifact stores each generated file of art under the ticket it was
// generated for. Files with no content are skipped.
func (k *Knowledge) IndexArtifact(ctx context.Context, ticketID string, art *pipeline.Artifact) error {
	if art == nil {
		return nil
	}
	docs := make([]Document, 0, len(art.GeneratedFiles))
	for _, f := range art.GeneratedFiles {
		if strings.TrimSpace(f.Content) == "" || f.Filename == "" {
			continue
		}
		docs = append(docs, Document{
			ID:      KindCode + ":" + ticketID + ":" + f.Filename,
			Content: clip(f.Content),
			Metadata: map[string]string{
				"kind":      KindCode,
				"ticket_id": ticketID,
				"filename":  f.Filename,
				"language":  f.Language,
			},
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := k.store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("index artifact of %s: %w", ticketID, err)
	}
	DocumentsIndexed.WithLabelValues(KindCode).Add(float64(len(docs)))
	return nil
}

// SimilarTickets returns up to n indexed tickets similar to query. The
// reference source is the ticket id.
func (k *Knowledge) SimilarTickets(ctx context.Context, query string, n int) ([]pipeline.Reference, error) {
	return k.similar(ctx, KindTicket, "ticket_id", query, n)
}

// SimilarCode returns up to n indexed files similar to query. The reference
// source is the file name.
func (k *Knowledge) SimilarCode(ctx context.Context, query string, n int) ([]pipeline.Reference, error) {
	return k.similar(ctx, KindCode, "filename", query, n)
}

func (k *Knowledge) similar(ctx context.Context, kind, sourceKey, query string, n int) ([]pipeline.Reference, error) {
	query = strings.TrimSpace(query)
	if query == "" || n <= 0 {
		return nil, nil
	}
	fetch := n
	if k.reranker != nil {
		fetch = min(n*k.oversample, maxResults)
	}
	results, err := k.store.Search(ctx, clip(query), fetch, map[string]string{"kind": kind})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", kind, err)
	}

	refs := make([]pipeline.Reference, 0, len(results))
	for _, r := range results {
		source := r.Metadata[sourceKey]
		if source == "" {
			source = r.ID
		}
		refs = append(refs, pipeline.Reference{
			ID:      r.ID,
			Source:  source,
			Content: r.Content,
			Score:   r.Score,
		})
	}
	if k.reranker == nil || len(refs) == 0 {
		return refs, nil
	}

	reranked, err := k.reranker.Rerank(ctx, query, refs, n)
	if err != nil {
		k.logger.Warn("rerank failed, keeping search order", zap.String("kind", kind), zap.Error(err))
		return refs[:min(n, len(refs))], nil
	}
	return reranked, nil
}

// RecordRun indexes the ticket and any generated files of a finished run.
// Both are attempted; failures are joined.
func (k *Knowledge) RecordRun(ctx context.Context, st *pipeline.State) error {
	if st == nil || st.TicketID == "" {
		return nil
	}
	var errs []error
	if st.Title != "" || st.Description != "" {
		errs = append(errs, k.IndexTicket(ctx, st.Input, st.Requirements))
	}
	errs = append(errs, k.IndexArtifact(ctx, st.TicketID, st.Artifact))

	if err := errors.Join(errs...); err != nil {
		return err
	}
	k.logger.Debug("run indexed", zap.String("thread_id", st.ThreadID), zap.String("ticket_id", st.TicketID))
	return nil
}

// Close closes the underlying store.
func (k *Knowledge) Close() error {
	return k.store.Close()
}

func clip(s string) string {
	if len(s) <= maxIndexedChars {
		return s
	}
	r := []rune(s)
	if len(r) <= maxIndexedChars {
		return s
	}
	return string(r[:maxIndexedChars])
}
