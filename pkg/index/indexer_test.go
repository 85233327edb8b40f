package index

import (
	"context"
	"strings"
	"testing"

	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

type fakeStore struct {
	store.GraphStore

	documents  map[string]common.Document
	sections   map[string]common.Section
	chunks     map[string]common.TextChunk
	sentences  map[string]common.Sentence
	entities   map[string]common.Entity
	edges      map[string]common.EntityEdge
	mentions   map[string]common.Mention
	keyValues  map[string]common.KeyValue
	raptor     map[string]common.RaptorNode
	cache      map[string][]byte
	importance map[string]map[string]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents:  map[string]common.Document{},
		sections:   map[string]common.Section{},
		chunks:     map[string]common.TextChunk{},
		sentences:  map[string]common.Sentence{},
		entities:   map[string]common.Entity{},
		edges:      map[string]common.EntityEdge{},
		mentions:   map[string]common.Mention{},
		keyValues:  map[string]common.KeyValue{},
		raptor:     map[string]common.RaptorNode{},
		cache:      map[string][]byte{},
		importance: map[string]map[string]float64{},
	}
}

func (f *fakeStore) UpsertDocument(_ context.Context, doc common.Document) error {
	f.documents[doc.ID] = doc
	return nil
}

func (f *fakeStore) UpsertSections(_ context.Context, sections []common.Section) error {
	for _, s := range sections {
		f.sections[s.ID] = s
	}
	return nil
}

func (f *fakeStore) UpsertChunks(_ context.Context, chunks []common.TextChunk) error {
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *fakeStore) UpsertSentences(_ context.Context, sentences []common.Sentence) error {
	for _, s := range sentences {
		f.sentences[s.ID] = s
	}
	return nil
}

func (f *fakeStore) UpsertEntities(_ context.Context, entities []common.Entity) error {
	for _, e := range entities {
		f.entities[e.ID] = e
	}
	return nil
}

func (f *fakeStore) UpsertEntityEdges(_ context.Context, edges []common.EntityEdge) error {
	for _, e := range edges {
		f.edges[e.ID] = e
	}
	return nil
}

func (f *fakeStore) UpsertMentions(_ context.Context, mentions []common.Mention) error {
	for _, m := range mentions {
		f.mentions[m.ID] = m
	}
	return nil
}

func (f *fakeStore) UpsertRaptorNodes(_ context.Context, nodes []common.RaptorNode) error {
	for _, n := range nodes {
		f.raptor[n.ID] = n
	}
	return nil
}

func (f *fakeStore) UpsertKeyValues(_ context.Context, kvs []common.KeyValue) error {
	for _, kv := range kvs {
		f.keyValues[kv.ID] = kv
	}
	return nil
}

func (f *fakeStore) UpdateEntityImportance(_ context.Context, groupID string, scores map[string]float64) error {
	if groupID == "" {
		return store.ErrMissingGroup
	}
	if f.importance[groupID] == nil {
		f.importance[groupID] = map[string]float64{}
	}
	for id, s := range scores {
		f.importance[groupID][id] = s
	}
	return nil
}

func (f *fakeStore) DeleteGroupData(_ context.Context, groupID string) error {
	if groupID == "" {
		return store.ErrMissingGroup
	}
	for id, d := range f.documents {
		if d.GroupID == groupID {
			delete(f.documents, id)
		}
	}
	for id, c := range f.chunks {
		if c.GroupID == groupID {
			delete(f.chunks, id)
		}
	}
	for id, e := range f.entities {
		if e.GroupID == groupID {
			delete(f.entities, id)
		}
	}
	return nil
}

func (f *fakeStore) ExtractionCacheGet(_ context.Context, hash string) ([]byte, bool, error) {
	payload, ok := f.cache[hash]
	return payload, ok, nil
}

func (f *fakeStore) ExtractionCachePut(_ context.Context, hash string, payload []byte) error {
	f.cache[hash] = payload
	return nil
}

type fakeAI struct {
	embedCalls int
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (f *fakeAI) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	f.embedCalls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeAI) ResetMetrics()                {}
func (f *fakeAI) GetMetrics() ai.ModelMetrics  { return ai.ModelMetrics{} }

func contractPayload(groupID string) common.IngestPayload {
	return common.IngestPayload{
		Document: common.Document{GroupID: groupID, Title: "Service Agreement"},
		Sections: []common.Section{
			{ID: "s1", Title: "Terms"},
		},
		Chunks: []common.TextChunk{
			{ID: "c1", SectionID: "s1", Text: "Payment terms are Net 30 from the invoice date."},
			{ID: "c2", Text: "This chunk arrived without any section structure."},
		},
		Entities: []common.Entity{
			{ID: "e1", Name: "Payment Terms", Type: "term"},
			{ID: "e2", Name: "Invoice", Type: "term"},
		},
		Edges: []common.EntityEdge{
			{SourceID: "e1", TargetID: "e2", Weight: 2},
		},
		Mentions: []common.Mention{
			{EntityID: "e1", ChunkID: "c1"},
		},
		KeyValues: []common.KeyValue{
			{SectionID: "s1", ChunkID: "c1", Key: "payment_terms", Value: "Net 30", Confidence: 0.95},
		},
	}
}

func newTestIndexer(t *testing.T, fs *fakeStore) *Indexer {
	t.Helper()
	ix, err := NewIndexer(IndexerParams{Store: fs, AIClient: &fakeAI{}})
	if err != nil {
		t.Fatalf("NewIndexer failed: %v", err)
	}
	return ix
}

func TestIndexPayloadRequiresGroup(t *testing.T) {
	ix := newTestIndexer(t, newFakeStore())
	err := ix.IndexPayload(context.Background(), common.IngestPayload{
		Document: common.Document{Title: "No Group"},
	})
	if err != store.ErrMissingGroup {
		t.Fatalf("expected ErrMissingGroup, got %v", err)
	}
}

func TestIndexPayloadIdempotent(t *testing.T) {
	fs := newFakeStore()
	ix := newTestIndexer(t, fs)

	if err := ix.IndexPayload(context.Background(), contractPayload("acme")); err != nil {
		t.Fatalf("first index failed: %v", err)
	}
	firstChunks := len(fs.chunks)
	firstEntities := len(fs.entities)

	if err := ix.IndexPayload(context.Background(), contractPayload("acme")); err != nil {
		t.Fatalf("second index failed: %v", err)
	}
	if len(fs.chunks) != firstChunks {
		t.Fatalf("re-index duplicated chunks: %d -> %d", firstChunks, len(fs.chunks))
	}
	if len(fs.entities) != firstEntities {
		t.Fatalf("re-index duplicated entities: %d -> %d", firstEntities, len(fs.entities))
	}
}

func TestIndexPayloadTenantIsolation(t *testing.T) {
	fs := newFakeStore()
	ix := newTestIndexer(t, fs)

	// Identical natural keys in two groups must produce disjoint node sets.
	if err := ix.IndexPayload(context.Background(), contractPayload("acme")); err != nil {
		t.Fatalf("acme index failed: %v", err)
	}
	if err := ix.IndexPayload(context.Background(), contractPayload("globex")); err != nil {
		t.Fatalf("globex index failed: %v", err)
	}

	byGroup := map[string]int{}
	for _, e := range fs.entities {
		byGroup[e.GroupID]++
	}
	if byGroup["acme"] != 2 || byGroup["globex"] != 2 {
		t.Fatalf("expected 2 entities per group, got %v", byGroup)
	}
	for _, c := range fs.chunks {
		if c.GroupID != "acme" && c.GroupID != "globex" {
			t.Fatalf("chunk with unexpected group: %+v", c)
		}
	}

	if err := ix.DeleteGroup(context.Background(), "acme"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	for _, e := range fs.entities {
		if e.GroupID == "acme" {
			t.Fatal("acme entity survived group purge")
		}
	}
	remaining := 0
	for _, e := range fs.entities {
		if e.GroupID == "globex" {
			remaining++
		}
	}
	if remaining != 2 {
		t.Fatalf("globex lost entities during acme purge: %d left", remaining)
	}
}

func TestIndexPayloadStructurelessChunkAttachesToRoot(t *testing.T) {
	fs := newFakeStore()
	ix := newTestIndexer(t, fs)

	if err := ix.IndexPayload(context.Background(), contractPayload("acme")); err != nil {
		t.Fatalf("index failed: %v", err)
	}

	var rootID string
	for _, s := range fs.sections {
		if s.Title == common.RootSectionTitle {
			rootID = s.ID
		}
	}
	if rootID == "" {
		t.Fatal("no root section was created")
	}

	orphans := 0
	for _, c := range fs.chunks {
		if c.SectionID == "" {
			orphans++
		}
	}
	if orphans != 0 {
		t.Fatalf("%d chunks left without a section", orphans)
	}

	found := false
	for _, c := range fs.chunks {
		if c.SectionID == rootID {
			found = true
		}
	}
	if !found {
		t.Fatal("structure-less chunk did not attach to the root section")
	}
}

func TestIndexPayloadImportanceWriteBack(t *testing.T) {
	fs := newFakeStore()
	ix := newTestIndexer(t, fs)

	if err := ix.IndexPayload(context.Background(), contractPayload("acme")); err != nil {
		t.Fatalf("index failed: %v", err)
	}

	scores := fs.importance["acme"]
	if len(scores) == 0 {
		t.Fatal("no importance scores written")
	}
	maxScore := 0.0
	for _, s := range scores {
		if s < 0 || s > 1 {
			t.Fatalf("importance score out of [0,1]: %f", s)
		}
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore != 1 {
		t.Fatalf("expected normalized max importance of 1, got %f", maxScore)
	}
}

func TestIndexPayloadRaptorTree(t *testing.T) {
	fs := newFakeStore()
	ix := newTestIndexer(t, fs)

	payload := contractPayload("acme")
	payload.Raptor = []common.RaptorNode{
		{ID: "r-leaf", ParentID: "r-root", Level: 0,
			Summary:  "Payment obligations of the customer.",
			ChunkIDs: []string{"c1", "missing-chunk"}},
		{ID: "r-root", Level: 1,
			Summary: "Corpus overview of the service agreement."},
	}
	if err := ix.IndexPayload(context.Background(), payload); err != nil {
		t.Fatalf("index failed: %v", err)
	}

	if len(fs.raptor) != 2 {
		t.Fatalf("expected 2 summary nodes, got %d", len(fs.raptor))
	}

	var leaf, root common.RaptorNode
	for _, n := range fs.raptor {
		if n.GroupID != "acme" {
			t.Fatalf("summary node with wrong group: %+v", n)
		}
		if len(n.Embedding) == 0 {
			t.Fatalf("summary node %s was not embedded", n.ID)
		}
		switch n.Level {
		case 0:
			leaf = n
		case 1:
			root = n
		}
	}

	if leaf.ParentID != root.ID {
		t.Fatalf("leaf parent not remapped: %q != %q", leaf.ParentID, root.ID)
	}
	if len(leaf.ChunkIDs) != 1 {
		t.Fatalf("dangling chunk reference survived: %v", leaf.ChunkIDs)
	}
	if _, ok := fs.chunks[leaf.ChunkIDs[0]]; !ok {
		t.Fatalf("leaf chunk reference %q does not resolve to an ingested chunk", leaf.ChunkIDs[0])
	}
	if root.ParentID != "" {
		t.Fatalf("root node gained a parent: %q", root.ParentID)
	}

	// Re-delivery converges onto the same node ids.
	if err := ix.IndexPayload(context.Background(), payload); err != nil {
		t.Fatalf("re-index failed: %v", err)
	}
	if len(fs.raptor) != 2 {
		t.Fatalf("re-index duplicated summary nodes: %d", len(fs.raptor))
	}
}

func TestTruncateTokensRuneFallback(t *testing.T) {
	long := strings.Repeat("a", 50)
	if got := truncateTokens(nil, long, 10); len(got) != 40 {
		t.Fatalf("rune fallback should bound to 4 runes per token, got %d runes", len(got))
	}
	if got := truncateTokens(nil, "short", 10); got != "short" {
		t.Fatalf("text under the bound must pass through, got %q", got)
	}
}

func TestIndexPayloadUsesExtractionCache(t *testing.T) {
	fs := newFakeStore()
	aiClient := &fakeAI{}
	ix, err := NewIndexer(IndexerParams{Store: fs, AIClient: aiClient})
	if err != nil {
		t.Fatalf("NewIndexer failed: %v", err)
	}

	if err := ix.IndexPayload(context.Background(), contractPayload("acme")); err != nil {
		t.Fatalf("first index failed: %v", err)
	}
	firstCalls := aiClient.embedCalls
	if firstCalls == 0 {
		t.Fatal("expected embedding calls on first index")
	}

	// Same text under another tenant: chunk embeddings come from the shared
	// content cache, only entity embeddings are regenerated.
	if err := ix.IndexPayload(context.Background(), contractPayload("globex")); err != nil {
		t.Fatalf("second index failed: %v", err)
	}
	if aiClient.embedCalls >= firstCalls*2 {
		t.Fatalf("cache not used: %d calls after first index, %d after second",
			firstCalls, aiClient.embedCalls)
	}
}
