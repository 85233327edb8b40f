package engine

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

// memStore is an in-memory GraphStore used by the route tests. Search is
// naive but honors the same group-scoping contract as the SQL implementation.
type memStore struct {
	documents map[string]common.Document
	sections  map[string]common.Section
	chunks    map[string]common.TextChunk
	sentences map[string]common.Sentence
	entities  map[string]common.Entity
	edges     map[string]common.EntityEdge
	mentions  map[string]common.Mention
	keyValues map[string]common.KeyValue
	raptor    map[string]common.RaptorNode
	cache     map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		documents: map[string]common.Document{},
		sections:  map[string]common.Section{},
		chunks:    map[string]common.TextChunk{},
		sentences: map[string]common.Sentence{},
		entities:  map[string]common.Entity{},
		edges:     map[string]common.EntityEdge{},
		mentions:  map[string]common.Mention{},
		keyValues: map[string]common.KeyValue{},
		raptor:    map[string]common.RaptorNode{},
		cache:     map[string][]byte{},
	}
}

var _ store.GraphStore = (*memStore)(nil)

func (m *memStore) UpsertDocument(_ context.Context, doc common.Document) error {
	m.documents[doc.ID] = doc
	return nil
}

func (m *memStore) UpsertSections(_ context.Context, sections []common.Section) error {
	for _, s := range sections {
		m.sections[s.ID] = s
	}
	return nil
}

func (m *memStore) UpsertChunks(_ context.Context, chunks []common.TextChunk) error {
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memStore) UpsertSentences(_ context.Context, sentences []common.Sentence) error {
	for _, s := range sentences {
		m.sentences[s.ID] = s
	}
	return nil
}

func (m *memStore) UpsertEntities(_ context.Context, entities []common.Entity) error {
	for _, e := range entities {
		m.entities[e.ID] = e
	}
	return nil
}

func (m *memStore) UpsertEntityEdges(_ context.Context, edges []common.EntityEdge) error {
	for _, e := range edges {
		m.edges[e.ID] = e
	}
	return nil
}

func (m *memStore) UpsertMentions(_ context.Context, mentions []common.Mention) error {
	for _, mn := range mentions {
		m.mentions[mn.ID] = mn
	}
	return nil
}

func (m *memStore) UpsertRaptorNodes(_ context.Context, nodes []common.RaptorNode) error {
	for _, n := range nodes {
		m.raptor[n.ID] = n
	}
	return nil
}

func (m *memStore) UpsertKeyValues(_ context.Context, kvs []common.KeyValue) error {
	for _, kv := range kvs {
		m.keyValues[kv.ID] = kv
	}
	return nil
}

func (m *memStore) UpdateEntityImportance(_ context.Context, groupID string, scores map[string]float64) error {
	if groupID == "" {
		return store.ErrMissingGroup
	}
	for id, s := range scores {
		if ent, ok := m.entities[id]; ok && ent.GroupID == groupID {
			ent.Importance = s
			m.entities[id] = ent
		}
	}
	return nil
}

func (m *memStore) DeleteGroupData(_ context.Context, groupID string) error {
	if groupID == "" {
		return store.ErrMissingGroup
	}
	for id, d := range m.documents {
		if d.GroupID == groupID {
			delete(m.documents, id)
		}
	}
	for id, c := range m.chunks {
		if c.GroupID == groupID {
			delete(m.chunks, id)
		}
	}
	for id, e := range m.entities {
		if e.GroupID == groupID {
			delete(m.entities, id)
		}
	}
	for id, n := range m.raptor {
		if n.GroupID == groupID {
			delete(m.raptor, id)
		}
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *memStore) SearchChunksByEmbedding(_ context.Context, groupID string, vector []float32, topK int) ([]common.ScoredChunk, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.ScoredChunk
	for _, c := range m.chunks {
		if c.GroupID != groupID {
			continue
		}
		out = append(out, common.ScoredChunk{Chunk: c, Score: cosine(vector, c.Embedding)})
	}
	sortScoredChunks(out)
	return truncChunks(out, topK), nil
}

func (m *memStore) SearchEntitiesByEmbedding(_ context.Context, groupID string, vector []float32, topK int) ([]common.ScoredEntity, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.ScoredEntity
	for _, e := range m.entities {
		if e.GroupID != groupID {
			continue
		}
		out = append(out, common.ScoredEntity{Entity: e, Score: cosine(vector, e.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Entity.ID < out[j].Entity.ID
		}
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) SearchSentencesByEmbedding(_ context.Context, groupID string, vector []float32, topK int) ([]common.ScoredSentence, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.ScoredSentence
	for _, s := range m.sentences {
		if s.GroupID != groupID {
			continue
		}
		out = append(out, common.ScoredSentence{Sentence: s, Score: cosine(vector, s.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Sentence.ID < out[j].Sentence.ID
		}
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) SearchRaptorByEmbedding(_ context.Context, groupID string, vector []float32, topK int) ([]common.ScoredRaptorNode, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.ScoredRaptorNode
	for _, n := range m.raptor {
		if n.GroupID != groupID {
			continue
		}
		out = append(out, common.ScoredRaptorNode{Node: n, Score: cosine(vector, n.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Node.ID < out[j].Node.ID
		}
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) SearchChunksByKeyword(_ context.Context, groupID string, query string, topK int) ([]common.ScoredChunk, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	terms := strings.Fields(strings.ToLower(query))
	var out []common.ScoredChunk
	for _, c := range m.chunks {
		if c.GroupID != groupID {
			continue
		}
		text := strings.ToLower(c.Text)
		hits := 0
		for _, t := range terms {
			if len(t) >= 3 && strings.Contains(text, t) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, common.ScoredChunk{Chunk: c, Score: float64(hits)})
		}
	}
	sortScoredChunks(out)
	return truncChunks(out, topK), nil
}

func (m *memStore) KeywordMatchEntities(_ context.Context, groupID string, terms []string, topK int) ([]common.Entity, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.Entity
	for _, e := range m.entities {
		if e.GroupID != groupID {
			continue
		}
		hay := strings.ToLower(e.Name + " " + e.Description + " " + strings.Join(e.Aliases, " "))
		for _, t := range terms {
			if t != "" && strings.Contains(hay, strings.ToLower(t)) {
				out = append(out, e)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) MatchEntitiesByName(_ context.Context, groupID string, names []string) ([]common.Entity, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	lower := make(map[string]struct{}, len(names))
	for _, n := range names {
		lower[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	var out []common.Entity
	for _, e := range m.entities {
		if e.GroupID != groupID {
			continue
		}
		if _, ok := lower[strings.ToLower(e.Name)]; ok {
			out = append(out, e)
			continue
		}
		for _, a := range e.Aliases {
			if _, ok := lower[strings.ToLower(a)]; ok {
				out = append(out, e)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ExpandNeighbors(_ context.Context, groupID string, seedIDs []string, hops int, perNeighborLimit int) ([]common.EntityEdge, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	frontier := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		frontier[id] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []common.EntityEdge
	for hop := 0; hop < hops; hop++ {
		next := make(map[string]struct{})
		for _, e := range m.edges {
			if e.GroupID != groupID {
				continue
			}
			_, fromSrc := frontier[e.SourceID]
			_, fromDst := frontier[e.TargetID]
			if !fromSrc && !fromDst {
				continue
			}
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
			next[e.SourceID] = struct{}{}
			next[e.TargetID] = struct{}{}
		}
		frontier = next
	}
	return out, nil
}

func (m *memStore) ChunksByID(_ context.Context, groupID string, ids []string) ([]common.TextChunk, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.TextChunk
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok && c.GroupID == groupID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ChunksForEntities(_ context.Context, groupID string, entityIDs []string, limitPerEntity int) ([]common.TextChunk, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	perEntity := make(map[string]int)
	seen := make(map[string]struct{})
	var out []common.TextChunk

	mentionIDs := make([]string, 0, len(m.mentions))
	for id := range m.mentions {
		mentionIDs = append(mentionIDs, id)
	}
	sort.Strings(mentionIDs)

	for _, id := range mentionIDs {
		mn := m.mentions[id]
		if mn.GroupID != groupID {
			continue
		}
		if _, ok := want[mn.EntityID]; !ok {
			continue
		}
		if limitPerEntity > 0 && perEntity[mn.EntityID] >= limitPerEntity {
			continue
		}
		c, ok := m.chunks[mn.ChunkID]
		if !ok || c.GroupID != groupID {
			continue
		}
		perEntity[mn.EntityID]++
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) EntitiesForChunks(_ context.Context, groupID string, chunkIDs []string) (map[string][]common.Entity, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	want := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = struct{}{}
	}
	out := make(map[string][]common.Entity)
	for _, mn := range m.mentions {
		if mn.GroupID != groupID {
			continue
		}
		if _, ok := want[mn.ChunkID]; !ok {
			continue
		}
		if e, ok := m.entities[mn.EntityID]; ok && e.GroupID == groupID {
			out[mn.ChunkID] = append(out[mn.ChunkID], e)
		}
	}
	return out, nil
}

func (m *memStore) EntitiesByID(_ context.Context, groupID string, ids []string) ([]common.Entity, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.Entity
	for _, id := range ids {
		if e, ok := m.entities[id]; ok && e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) SectionsByID(_ context.Context, groupID string, ids []string) ([]common.Section, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.Section
	for _, id := range ids {
		if s, ok := m.sections[id]; ok && s.GroupID == groupID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) DocumentsForGroup(_ context.Context, groupID string) ([]common.Document, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.Document
	for _, d := range m.documents {
		if d.GroupID == groupID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DocumentsByID(_ context.Context, groupID string, ids []string) ([]common.Document, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	seen := make(map[string]struct{})
	var out []common.Document
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if d, ok := m.documents[id]; ok && d.GroupID == groupID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) LeadChunksForDocuments(_ context.Context, groupID string, docIDs []string) ([]common.TextChunk, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.TextChunk
	for _, docID := range docIDs {
		var lead *common.TextChunk
		for _, c := range m.chunks {
			if c.GroupID != groupID || c.DocumentID != docID {
				continue
			}
			if lead == nil || c.ID < lead.ID {
				cc := c
				lead = &cc
			}
		}
		if lead != nil {
			out = append(out, *lead)
		}
	}
	return out, nil
}

func (m *memStore) OrphanChunkCount(_ context.Context, groupID string) (int, error) {
	if groupID == "" {
		return 0, store.ErrMissingGroup
	}
	count := 0
	for _, c := range m.chunks {
		if c.GroupID != groupID {
			continue
		}
		if _, ok := m.sections[c.SectionID]; !ok {
			count++
		}
	}
	return count, nil
}

func (m *memStore) LookupKeyValues(_ context.Context, groupID string, terms []string) ([]common.KeyValue, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	var out []common.KeyValue
	for _, kv := range m.keyValues {
		if kv.GroupID != groupID {
			continue
		}
		hay := strings.ToLower(kv.Key + " " + kv.Value)
		for _, t := range terms {
			if t != "" && strings.Contains(hay, strings.ToLower(t)) {
				out = append(out, kv)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ExtractionCacheGet(_ context.Context, contentHash string) ([]byte, bool, error) {
	payload, ok := m.cache[contentHash]
	return payload, ok, nil
}

func (m *memStore) ExtractionCachePut(_ context.Context, contentHash string, payload []byte) error {
	m.cache[contentHash] = payload
	return nil
}

func sortScoredChunks(list []common.ScoredChunk) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score == list[j].Score {
			return list[i].Chunk.ID < list[j].Chunk.ID
		}
		return list[i].Score > list[j].Score
	})
}

func truncChunks(list []common.ScoredChunk, topK int) []common.ScoredChunk {
	if topK > 0 && len(list) > topK {
		return list[:topK]
	}
	return list
}
