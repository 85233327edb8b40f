package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"

	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
	"github.com/oriel-ai/trellis/pkg/store"
)

const (
	defaultEncoder        = "cl100k_base"
	defaultMaxEmbedTokens = 8000
	defaultParallelBatch  = 4
	embedBatchSize        = 64
)

// Indexer converts pre-extracted documents into graph nodes and edges. All
// writes are idempotent merges on deterministic ids, so re-delivery of the
// same payload converges to the same graph state.
type Indexer struct {
	store          store.GraphStore
	aiClient       ai.GatewayClient
	encoder        string
	maxEmbedTokens int
	embedSentences bool
}

type IndexerParams struct {
	Store          store.GraphStore
	AIClient       ai.GatewayClient
	Encoder        string
	MaxEmbedTokens int
	EmbedSentences bool
}

func NewIndexer(params IndexerParams) (*Indexer, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.AIClient == nil {
		return nil, fmt.Errorf("ai client is required")
	}
	encoder := params.Encoder
	if encoder == "" {
		encoder = defaultEncoder
	}
	maxTokens := params.MaxEmbedTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxEmbedTokens
	}
	return &Indexer{
		store:          params.Store,
		aiClient:       params.AIClient,
		encoder:        encoder,
		maxEmbedTokens: maxTokens,
		embedSentences: params.EmbedSentences,
	}, nil
}

// IndexPayload ingests one pre-extracted document into the tenant's graph.
func (ix *Indexer) IndexPayload(ctx context.Context, payload common.IngestPayload) error {
	groupID := payload.Document.GroupID
	if groupID == "" {
		return store.ErrMissingGroup
	}
	if strings.TrimSpace(payload.Document.Title) == "" && len(payload.Chunks) == 0 {
		return fmt.Errorf("empty payload: no document title and no chunks")
	}

	runID, err := gonanoid.New()
	if err != nil {
		return err
	}

	doc := payload.Document
	if doc.ID == "" {
		doc.ID = NodeID(groupID, kindDocument, doc.Title)
	} else {
		doc.ID = NodeID(groupID, kindDocument, doc.ID)
	}

	logger.Info("[Index] Ingesting document",
		"run_id", runID, "group_id", groupID, "document", doc.Title, "chunks", len(payload.Chunks))

	sections, sectionIDMap, err := buildSectionTree(doc, payload.Sections)
	if err != nil {
		return fmt.Errorf("failed to build section tree: %w", err)
	}
	rootID := sections[0].ID

	chunks, chunkIDMap := ix.normalizeChunks(doc, payload.Chunks, sections, sectionIDMap, rootID)

	entities, entityIDMap := normalizeEntities(groupID, payload.Entities)
	edges := normalizeEdges(groupID, payload.Edges, entityIDMap)
	mentions := normalizeMentions(groupID, payload.Mentions, entityIDMap, chunkIDMap)
	kvs := normalizeKeyValues(doc, payload.KeyValues, sectionIDMap, chunkIDMap, rootID)
	raptor := normalizeRaptorNodes(doc, payload.Raptor, chunkIDMap)

	if err := ix.backfillEmbeddings(ctx, chunks, entities, raptor); err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}

	var sentences []common.Sentence
	for _, chunk := range chunks {
		sentences = append(sentences, chunkSentences(chunk)...)
	}
	if ix.embedSentences {
		if err := ix.embedSentenceNodes(ctx, sentences); err != nil {
			return fmt.Errorf("failed to embed sentences: %w", err)
		}
	}

	if err := ix.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	if err := ix.store.UpsertSections(ctx, sections); err != nil {
		return fmt.Errorf("failed to upsert sections: %w", err)
	}
	if err := ix.store.UpsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	if err := ix.store.UpsertSentences(ctx, sentences); err != nil {
		return fmt.Errorf("failed to upsert sentences: %w", err)
	}
	if err := ix.store.UpsertEntities(ctx, entities); err != nil {
		return fmt.Errorf("failed to upsert entities: %w", err)
	}
	if err := ix.store.UpsertEntityEdges(ctx, edges); err != nil {
		return fmt.Errorf("failed to upsert edges: %w", err)
	}
	if err := ix.store.UpsertMentions(ctx, mentions); err != nil {
		return fmt.Errorf("failed to upsert mentions: %w", err)
	}
	if err := ix.store.UpsertKeyValues(ctx, kvs); err != nil {
		return fmt.Errorf("failed to upsert key values: %w", err)
	}
	if err := ix.store.UpsertRaptorNodes(ctx, raptor); err != nil {
		return fmt.Errorf("failed to upsert summary nodes: %w", err)
	}

	if err := ix.writeImportance(ctx, groupID, entities, edges, mentions); err != nil {
		return fmt.Errorf("failed to update entity importance: %w", err)
	}

	logger.Info("[Index] Document ingested",
		"run_id", runID, "sections", len(sections), "sentences", len(sentences),
		"entities", len(entities), "edges", len(edges))

	return nil
}

// DeleteGroup purges all graph data of one tenant.
func (ix *Indexer) DeleteGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return store.ErrMissingGroup
	}
	logger.Info("[Index] Purging group data", "group_id", groupID)
	return ix.store.DeleteGroupData(ctx, groupID)
}

func (ix *Indexer) normalizeChunks(
	doc common.Document,
	in []common.TextChunk,
	sections []common.Section,
	sectionIDMap map[string]string,
	rootID string,
) ([]common.TextChunk, map[string]string) {
	chunkIDMap := make(map[string]string, len(in))
	sectionByID := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		sectionByID[s.ID] = struct{}{}
	}

	out := make([]common.TextChunk, 0, len(in))
	for i, chunk := range in {
		text := strings.TrimSpace(chunk.Text)
		if text == "" {
			continue
		}

		sectionID := chunk.SectionID
		if mapped, ok := sectionIDMap[sectionID]; ok {
			sectionID = mapped
		}
		if _, ok := sectionByID[sectionID]; !ok {
			// Structural fallback: a chunk with a dangling or missing section
			// attaches to the document root rather than being dropped.
			sectionID = rootID
		}

		id := NodeID(doc.GroupID, kindChunk, doc.ID, sectionID, strconv.Itoa(i), text)
		if chunk.ID != "" {
			chunkIDMap[chunk.ID] = id
		}

		chunk.ID = id
		chunk.GroupID = doc.GroupID
		chunk.DocumentID = doc.ID
		chunk.SectionID = sectionID
		chunk.Text = text
		if chunk.Metadata.SectionPath == "" {
			chunk.Metadata.SectionPath = sectionPath(sectionID, sections)
		}
		out = append(out, chunk)
	}
	return out, chunkIDMap
}

func normalizeEntities(groupID string, in []common.Entity) ([]common.Entity, map[string]string) {
	idMap := make(map[string]string, len(in))
	byKey := make(map[string]int)

	var out []common.Entity
	for _, ent := range in {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		key := normalizeKey(name)
		id := NodeID(groupID, kindEntity, key)
		if ent.ID != "" {
			idMap[ent.ID] = id
		}

		if pos, ok := byKey[key]; ok {
			// Same entity extracted twice from one payload: merge instead of
			// letting the later row overwrite the earlier description.
			merged := out[pos]
			merged.Aliases = mergeAliases(merged.Aliases, ent.Aliases, ent.Name)
			if len(ent.Description) > len(merged.Description) {
				merged.Description = ent.Description
			}
			out[pos] = merged
			continue
		}

		ent.ID = id
		ent.GroupID = groupID
		ent.Name = name
		byKey[key] = len(out)
		out = append(out, ent)
	}
	return out, idMap
}

func mergeAliases(existing, incoming []string, name string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming)+1)
	for _, a := range existing {
		seen[normalizeKey(a)] = struct{}{}
	}
	out := existing
	for _, a := range append(incoming, name) {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[normalizeKey(a)]; ok {
			continue
		}
		seen[normalizeKey(a)] = struct{}{}
		out = append(out, a)
	}
	return out
}

func normalizeEdges(groupID string, in []common.EntityEdge, entityIDMap map[string]string) []common.EntityEdge {
	seen := make(map[string]struct{}, len(in))
	var out []common.EntityEdge
	for _, edge := range in {
		src, okS := entityIDMap[edge.SourceID]
		dst, okT := entityIDMap[edge.TargetID]
		if !okS || !okT || src == dst {
			continue
		}
		id := NodeID(groupID, kindEdge, src, dst)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		edge.ID = id
		edge.GroupID = groupID
		edge.SourceID = src
		edge.TargetID = dst
		if edge.Weight <= 0 {
			edge.Weight = 1
		}
		out = append(out, edge)
	}
	return out
}

func normalizeMentions(groupID string, in []common.Mention, entityIDMap, chunkIDMap map[string]string) []common.Mention {
	seen := make(map[string]struct{}, len(in))
	var out []common.Mention
	for _, m := range in {
		entityID, okE := entityIDMap[m.EntityID]
		chunkID, okC := chunkIDMap[m.ChunkID]
		if !okE || !okC {
			continue
		}
		id := NodeID(groupID, kindMention, entityID, chunkID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		out = append(out, common.Mention{
			ID:       id,
			GroupID:  groupID,
			EntityID: entityID,
			ChunkID:  chunkID,
		})
	}
	return out
}

func normalizeKeyValues(
	doc common.Document,
	in []common.KeyValue,
	sectionIDMap, chunkIDMap map[string]string,
	rootID string,
) []common.KeyValue {
	var out []common.KeyValue
	for _, kv := range in {
		key := strings.TrimSpace(kv.Key)
		if key == "" {
			continue
		}
		sectionID := sectionIDMap[kv.SectionID]
		if sectionID == "" {
			sectionID = rootID
		}
		chunkID := chunkIDMap[kv.ChunkID]

		kv.ID = NodeID(doc.GroupID, kindKeyValue, doc.ID, normalizeKey(key), kv.Value)
		kv.GroupID = doc.GroupID
		kv.DocumentID = doc.ID
		kv.SectionID = sectionID
		kv.ChunkID = chunkID
		kv.Key = key
		out = append(out, kv)
	}
	return out
}

// normalizeRaptorNodes rewrites the payload's summary tree onto deterministic
// ids. Parent references are remapped level by level; chunk references that
// resolve to no ingested chunk are dropped, and a node left without both a
// summary and chunk references is discarded.
func normalizeRaptorNodes(doc common.Document, in []common.RaptorNode, chunkIDMap map[string]string) []common.RaptorNode {
	if len(in) == 0 {
		return nil
	}

	idMap := make(map[string]string, len(in))
	var out []common.RaptorNode
	for _, node := range in {
		summary := strings.TrimSpace(node.Summary)

		var chunkIDs []string
		for _, ref := range node.ChunkIDs {
			if mapped, ok := chunkIDMap[ref]; ok {
				chunkIDs = append(chunkIDs, mapped)
			}
		}
		if summary == "" && len(chunkIDs) == 0 {
			continue
		}

		id := NodeID(doc.GroupID, kindRaptor, doc.ID, strconv.Itoa(node.Level), summary)
		if node.ID != "" {
			idMap[node.ID] = id
		}

		node.ID = id
		node.GroupID = doc.GroupID
		node.Summary = summary
		node.ChunkIDs = chunkIDs
		out = append(out, node)
	}

	for i := range out {
		out[i].ParentID = idMap[out[i].ParentID]
	}
	// Parents carry higher levels and must be written before the children
	// that reference them.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out
}

// backfillEmbeddings fills missing chunk, entity and summary embeddings,
// consulting the content-addressed cache first so re-indexed text is never
// re-embedded.
func (ix *Indexer) backfillEmbeddings(ctx context.Context, chunks []common.TextChunk, entities []common.Entity, raptor []common.RaptorNode) error {
	enc, err := tiktoken.GetEncoding(ix.encoder)
	if err != nil {
		// The encoder fetches its vocabulary on first use; without it the
		// length bound degrades to a rune estimate instead of failing the run.
		logger.Warn("[Index] Token encoder unavailable, rune budget fallback", "error", err)
		enc = nil
	}

	var pendingIdx []int
	var pendingText []string
	for i, chunk := range chunks {
		if len(chunk.Embedding) > 0 {
			continue
		}
		if cached, ok := ix.cachedEmbedding(ctx, chunk.Text); ok {
			chunks[i].Embedding = cached
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingText = append(pendingText, truncateTokens(enc, chunk.Text, ix.maxEmbedTokens))
	}

	embedded, err := ix.embedBatched(ctx, pendingText)
	if err != nil {
		return err
	}
	for j, i := range pendingIdx {
		chunks[i].Embedding = embedded[j]
		ix.cacheEmbedding(ctx, chunks[i].Text, embedded[j])
	}

	pendingIdx = pendingIdx[:0]
	pendingText = pendingText[:0]
	for i, ent := range entities {
		if len(ent.Embedding) > 0 {
			continue
		}
		text := ent.Name
		if ent.Description != "" {
			text = ent.Name + ": " + ent.Description
		}
		pendingIdx = append(pendingIdx, i)
		pendingText = append(pendingText, truncateTokens(enc, text, ix.maxEmbedTokens))
	}

	embedded, err = ix.embedBatched(ctx, pendingText)
	if err != nil {
		return err
	}
	for j, i := range pendingIdx {
		entities[i].Embedding = embedded[j]
	}

	pendingIdx = pendingIdx[:0]
	pendingText = pendingText[:0]
	for i, node := range raptor {
		if len(node.Embedding) > 0 || node.Summary == "" {
			continue
		}
		if cached, ok := ix.cachedEmbedding(ctx, node.Summary); ok {
			raptor[i].Embedding = cached
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingText = append(pendingText, truncateTokens(enc, node.Summary, ix.maxEmbedTokens))
	}

	embedded, err = ix.embedBatched(ctx, pendingText)
	if err != nil {
		return err
	}
	for j, i := range pendingIdx {
		raptor[i].Embedding = embedded[j]
		ix.cacheEmbedding(ctx, raptor[i].Summary, embedded[j])
	}

	return nil
}

func (ix *Indexer) embedSentenceNodes(ctx context.Context, sentences []common.Sentence) error {
	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.Text
	}
	embedded, err := ix.embedBatched(ctx, texts)
	if err != nil {
		return err
	}
	for i := range sentences {
		sentences[i].Embedding = embedded[i]
	}
	return nil
}

func (ix *Indexer) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(defaultParallelBatch)

	err := store.ChunkRange(len(texts), embedBatchSize, func(start, end int) error {
		s, e := start, end
		eg.Go(func() error {
			inputs := make([][]byte, 0, e-s)
			for _, t := range texts[s:e] {
				inputs = append(inputs, []byte(t))
			}
			vectors, err := store.GenerateEmbeddings(ectx, ix.aiClient, inputs)
			if err != nil {
				return err
			}
			copy(out[s:e], vectors)
			return nil
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Indexer) cachedEmbedding(ctx context.Context, text string) ([]float32, bool) {
	payload, ok, err := ix.store.ExtractionCacheGet(ctx, ContentHash(text))
	if err != nil || !ok {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(payload, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (ix *Indexer) cacheEmbedding(ctx context.Context, text string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	payload, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := ix.store.ExtractionCachePut(ctx, ContentHash(text), payload); err != nil {
		logger.Debug("[Index] Cache write failed", "error", err)
	}
}

// writeImportance derives a degree-based importance score per entity from the
// payload's edges and mentions and writes it back. PPR later refines ranking
// at query time; this is the static prior.
func (ix *Indexer) writeImportance(
	ctx context.Context,
	groupID string,
	entities []common.Entity,
	edges []common.EntityEdge,
	mentions []common.Mention,
) error {
	if len(entities) == 0 {
		return nil
	}

	degree := make(map[string]float64, len(entities))
	for _, edge := range edges {
		degree[edge.SourceID] += edge.Weight
		degree[edge.TargetID] += edge.Weight
	}
	for _, m := range mentions {
		degree[m.EntityID] += 0.5
	}

	maxDegree := 0.0
	for _, d := range degree {
		if d > maxDegree {
			maxDegree = d
		}
	}
	if maxDegree == 0 {
		return nil
	}

	scores := make(map[string]float64, len(degree))
	for id, d := range degree {
		scores[id] = d / maxDegree
	}
	return ix.store.UpdateEntityImportance(ctx, groupID, scores)
}

func truncateTokens(enc *tiktoken.Tiktoken, text string, maxTokens int) string {
	if enc == nil {
		// 4 runes per token is close enough for a safety bound.
		runes := []rune(text)
		if len(runes) <= maxTokens*4 {
			return text
		}
		return string(runes[:maxTokens*4])
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}
