package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

const (
	previewRunes    = 160
	defaultEncoding = "cl100k_base"
)

var citationRe = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// synthesize turns route evidence into a cited answer. An empty or negative
// outcome is never taken at face value: the graph is re-queried directly for
// the requested field before the engine claims the information is absent.
func (e *Engine) synthesize(ctx context.Context, req common.QueryRequest, ev *evidence) (*common.QueryResponse, error) {
	if len(ev.chunks) == 0 {
		recovered, err := e.negativeRecheck(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(recovered) == 0 {
			return e.noDataResponse(ctx, req)
		}
		ev.chunks = recovered
		ev.partial = true
	}

	answer, citations, err := e.generateCited(ctx, req, ev.chunks)
	if err != nil {
		return nil, err
	}

	if len(citations) == 0 {
		// The model produced an uncited or negative answer. Verify against
		// the graph before letting a "not found" stand.
		recovered, err := e.negativeRecheck(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(recovered) == 0 {
			return e.noDataResponse(ctx, req)
		}
		// The graph holds evidence retrieval missed. Regenerate over the
		// merged set instead of letting the false negative stand.
		logger.Warn("[Engine] Negative answer contradicted by graph probe", "recovered", len(recovered))
		ev.chunks = mergeScored(append(recovered, ev.chunks...))
		ev.partial = true
		answer, citations, err = e.generateCited(ctx, req, ev.chunks)
		if err != nil {
			return nil, err
		}
	}

	resp := &common.QueryResponse{
		Answer:    renderInlineCitations(answer, citations),
		Citations: citations,
		Metadata: common.QueryMetadata{
			Confidence: confidence(citations, ev.partial),
		},
	}
	if lang := e.evidenceLanguage(ctx, req.GroupID, citations); lang != "" {
		resp.EvidenceLanguage = lang
	}
	return resp, nil
}

// generateCited renders the evidence context, asks the model for an answer
// and resolves the citation tags it produced.
func (e *Engine) generateCited(
	ctx context.Context,
	req common.QueryRequest,
	chunks []common.ScoredChunk,
) (string, []common.Citation, error) {
	titles, err := e.documentTitles(ctx, req.GroupID, chunks)
	if err != nil {
		return "", nil, err
	}
	contextText, used := e.buildContext(chunks, titles)

	prompt := fmt.Sprintf(ai.SynthesisPrompt, contextText, responseShape(req.ResponseType))
	answer, err := e.aiClient.GenerateChat(
		ctx,
		[]ai.ChatMessage{{Role: "user", Message: req.Query}},
		ai.WithSystemPrompts(prompt),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	return answer, resolveCitations(answer, used, titles), nil
}

// documentTitles resolves the document titles of all evidence chunks.
func (e *Engine) documentTitles(ctx context.Context, groupID string, chunks []common.ScoredChunk) (map[string]string, error) {
	docIDs := make([]string, 0, len(chunks))
	for _, sc := range chunks {
		docIDs = append(docIDs, sc.Chunk.DocumentID)
	}
	docs, err := e.store.DocumentsByID(ctx, groupID, docIDs)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(docs))
	for _, d := range docs {
		titles[d.ID] = d.Title
	}
	return titles, nil
}

// buildContext renders evidence rows under the token budget and returns the
// chunks that made the cut.
func (e *Engine) buildContext(chunks []common.ScoredChunk, titles map[string]string) (string, map[string]common.ScoredChunk) {
	used := make(map[string]common.ScoredChunk, len(chunks))

	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		// Budget by runes when the encoder is unavailable; 4 runes per token
		// is close enough for a safety bound.
		logger.Warn("[Engine] Token encoder unavailable, rune budget fallback", "error", err)
	}

	var sb strings.Builder
	budget := e.config.ContextTokens
	spent := 0
	for _, sc := range chunks {
		row := fmt.Sprintf("[[%s]] (%s): %s\n", sc.Chunk.ID, titles[sc.Chunk.DocumentID], sc.Chunk.Text)
		var cost int
		if enc != nil {
			cost = len(enc.Encode(row, nil, nil))
		} else {
			cost = len([]rune(row)) / 4
		}
		if spent+cost > budget && spent > 0 {
			break
		}
		sb.WriteString(row)
		spent += cost
		used[sc.Chunk.ID] = sc
	}
	return sb.String(), used
}

// resolveCitations maps cited chunk ids back to citation records with
// document identity, in answer order. Ids the model invented are dropped.
func resolveCitations(
	answer string,
	used map[string]common.ScoredChunk,
	titles map[string]string,
) []common.Citation {
	matches := citationRe.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return nil
	}

	var out []common.Citation
	seen := make(map[string]struct{})
	for _, m := range matches {
		id := strings.TrimSpace(m[1])
		sc, ok := used[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, common.Citation{
			ChunkID:       sc.Chunk.ID,
			DocumentID:    sc.Chunk.DocumentID,
			DocumentTitle: titles[sc.Chunk.DocumentID],
			Score:         sc.Score,
			TextPreview:   preview(sc.Chunk.Text),
		})
	}
	return out
}

// negativeRecheck probes the graph deterministically for the queried field:
// stored key-value extractions first, then a lexical chunk probe. A non-empty
// result means retrieval missed evidence that exists.
func (e *Engine) negativeRecheck(ctx context.Context, req common.QueryRequest) ([]common.ScoredChunk, error) {
	terms := contentTerms(req.Query)
	if len(terms) == 0 {
		return nil, nil
	}

	kvs, err := e.store.LookupKeyValues(ctx, req.GroupID, terms)
	if err != nil {
		return nil, err
	}
	var kvChunkIDs []string
	for _, kv := range kvs {
		if kv.ChunkID != "" {
			kvChunkIDs = append(kvChunkIDs, kv.ChunkID)
		}
	}
	var recovered []common.ScoredChunk
	if len(kvChunkIDs) > 0 {
		chunks, err := e.store.ChunksByID(ctx, req.GroupID, kvChunkIDs)
		if err != nil {
			return nil, err
		}
		for _, chunk := range chunks {
			recovered = append(recovered, common.ScoredChunk{Chunk: chunk, Score: 1.0})
		}
	}

	probe, err := e.store.SearchChunksByKeyword(ctx, req.GroupID, req.Query, e.config.TopK)
	if err != nil {
		return nil, err
	}
	recovered = append(recovered, probe...)

	return mergeScored(recovered), nil
}

// noDataResponse is the verified-absent answer: the graph was probed directly
// and the requested information does not exist in the indexed corpus.
func (e *Engine) noDataResponse(ctx context.Context, req common.QueryRequest) (*common.QueryResponse, error) {
	answer, err := e.aiClient.GenerateCompletion(ctx, fmt.Sprintf(ai.NoDataPrompt, req.Query))
	if err != nil {
		// Even the fallback generation failed; a fixed message beats an error
		// for a verified negative.
		answer = "The requested information is not present in the indexed documents."
	}
	return &common.QueryResponse{
		Answer:    answer,
		Citations: []common.Citation{},
		Metadata:  common.QueryMetadata{Confidence: 1.0},
	}, nil
}

func (e *Engine) evidenceLanguage(ctx context.Context, groupID string, citations []common.Citation) string {
	if len(citations) == 0 {
		return ""
	}
	docs, err := e.store.DocumentsByID(ctx, groupID, []string{citations[0].DocumentID})
	if err != nil || len(docs) == 0 {
		return ""
	}
	return docs[0].Language
}

func responseShape(rt common.ResponseType) string {
	switch rt {
	case common.ResponseSummary:
		return "a concise summary"
	case common.ResponseList:
		return "a bullet list"
	default:
		return "one or more paragraphs"
	}
}

// renderInlineCitations rewrites [[chunk_id]] tags into [n] markers matching
// the citation list order. Invented ids are removed outright.
func renderInlineCitations(answer string, citations []common.Citation) string {
	index := make(map[string]int, len(citations))
	for i, c := range citations {
		index[c.ChunkID] = i + 1
	}
	out := citationRe.ReplaceAllStringFunc(answer, func(tag string) string {
		id := strings.TrimSpace(citationRe.FindStringSubmatch(tag)[1])
		if n, ok := index[id]; ok {
			return fmt.Sprintf("[%d]", n)
		}
		return ""
	})
	out = strings.ReplaceAll(out, "  ", " ")
	return strings.TrimSpace(out)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "…"
}

func confidence(citations []common.Citation, partial bool) float64 {
	if len(citations) == 0 {
		return 0.2
	}
	c := 0.5 + 0.1*float64(len(citations))
	if c > 0.95 {
		c = 0.95
	}
	if partial {
		c -= 0.2
	}
	if c < 0.1 {
		c = 0.1
	}
	return c
}
