package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

const embedDim = 16

// seedContractCorpus loads a three-document corpus into the given group.
// Only document B states the payment term; documents A and C dominate the
// entity graph by count.
func seedContractCorpus(t *testing.T, ms *memStore, groupID string) {
	t.Helper()
	ctx := context.Background()

	docs := []common.Document{
		{ID: groupID + "-doc-a", GroupID: groupID, Title: "Master Services Agreement", Language: "en"},
		{ID: groupID + "-doc-b", GroupID: groupID, Title: "Billing Addendum", Language: "en"},
		{ID: groupID + "-doc-c", GroupID: groupID, Title: "Data Processing Agreement", Language: "en"},
	}
	for _, d := range docs {
		if err := ms.UpsertDocument(ctx, d); err != nil {
			t.Fatalf("seed document: %v", err)
		}
	}

	sections := []common.Section{
		{ID: groupID + "-sec-a", GroupID: groupID, DocumentID: groupID + "-doc-a", Title: "[Document Root]"},
		{ID: groupID + "-sec-b", GroupID: groupID, DocumentID: groupID + "-doc-b", Title: "[Document Root]"},
		{ID: groupID + "-sec-c", GroupID: groupID, DocumentID: groupID + "-doc-c", Title: "[Document Root]"},
	}
	if err := ms.UpsertSections(ctx, sections); err != nil {
		t.Fatalf("seed sections: %v", err)
	}

	chunks := []common.TextChunk{
		{
			ID: groupID + "-chunk-a1", GroupID: groupID,
			DocumentID: groupID + "-doc-a", SectionID: groupID + "-sec-a",
			Text: "The service provider delivers consulting, support and maintenance services to the customer.",
		},
		{
			ID: groupID + "-chunk-a2", GroupID: groupID,
			DocumentID: groupID + "-doc-a", SectionID: groupID + "-sec-a",
			Text: "Liability of the service provider is limited to direct damages under this agreement.",
		},
		{
			ID: groupID + "-chunk-b1", GroupID: groupID,
			DocumentID: groupID + "-doc-b", SectionID: groupID + "-sec-b",
			Text: "Payment terms are Net 30 from the invoice date for all services rendered.",
		},
		{
			ID: groupID + "-chunk-c1", GroupID: groupID,
			DocumentID: groupID + "-doc-c", SectionID: groupID + "-sec-c",
			Text: "Personal data is processed only on documented instructions from the controller.",
		},
	}
	for i := range chunks {
		chunks[i].Embedding = embedText(chunks[i].Text, embedDim)
	}
	if err := ms.UpsertChunks(ctx, chunks); err != nil {
		t.Fatalf("seed chunks: %v", err)
	}

	entities := []common.Entity{
		{ID: groupID + "-ent-provider", GroupID: groupID, Name: "Service Provider", Importance: 0.9,
			Description: "The party delivering services"},
		{ID: groupID + "-ent-customer", GroupID: groupID, Name: "Customer", Importance: 0.8,
			Description: "The party receiving services"},
		{ID: groupID + "-ent-liability", GroupID: groupID, Name: "Liability", Importance: 0.6,
			Description: "Limitation of liability"},
		{ID: groupID + "-ent-payment", GroupID: groupID, Name: "Payment Terms", Importance: 0.3,
			Aliases: []string{"payment term"}, Description: "Invoice payment conditions"},
		{ID: groupID + "-ent-data", GroupID: groupID, Name: "Personal Data", Importance: 0.7,
			Description: "Data protection obligations"},
	}
	for i := range entities {
		entities[i].Embedding = embedText(entities[i].Name+" "+entities[i].Description, embedDim)
	}
	if err := ms.UpsertEntities(ctx, entities); err != nil {
		t.Fatalf("seed entities: %v", err)
	}

	edges := []common.EntityEdge{
		{ID: groupID + "-edge-1", GroupID: groupID, SourceID: groupID + "-ent-provider", TargetID: groupID + "-ent-customer", Weight: 3},
		{ID: groupID + "-edge-2", GroupID: groupID, SourceID: groupID + "-ent-provider", TargetID: groupID + "-ent-liability", Weight: 2},
		{ID: groupID + "-edge-3", GroupID: groupID, SourceID: groupID + "-ent-customer", TargetID: groupID + "-ent-payment", Weight: 1},
		{ID: groupID + "-edge-4", GroupID: groupID, SourceID: groupID + "-ent-customer", TargetID: groupID + "-ent-data", Weight: 1},
	}
	if err := ms.UpsertEntityEdges(ctx, edges); err != nil {
		t.Fatalf("seed edges: %v", err)
	}

	mentions := []common.Mention{
		{ID: groupID + "-m1", GroupID: groupID, EntityID: groupID + "-ent-provider", ChunkID: groupID + "-chunk-a1"},
		{ID: groupID + "-m2", GroupID: groupID, EntityID: groupID + "-ent-customer", ChunkID: groupID + "-chunk-a1"},
		{ID: groupID + "-m3", GroupID: groupID, EntityID: groupID + "-ent-liability", ChunkID: groupID + "-chunk-a2"},
		{ID: groupID + "-m4", GroupID: groupID, EntityID: groupID + "-ent-payment", ChunkID: groupID + "-chunk-b1"},
		{ID: groupID + "-m5", GroupID: groupID, EntityID: groupID + "-ent-data", ChunkID: groupID + "-chunk-c1"},
	}
	if err := ms.UpsertMentions(ctx, mentions); err != nil {
		t.Fatalf("seed mentions: %v", err)
	}

	kvs := []common.KeyValue{
		{ID: groupID + "-kv-1", GroupID: groupID, DocumentID: groupID + "-doc-b",
			SectionID: groupID + "-sec-b", ChunkID: groupID + "-chunk-b1",
			Key: "payment_terms", Value: "Net 30", Confidence: 0.95},
	}
	if err := ms.UpsertKeyValues(ctx, kvs); err != nil {
		t.Fatalf("seed key values: %v", err)
	}
}

func newTestEngine(t *testing.T, ms *memStore, gw *fakeGateway) *Engine {
	t.Helper()
	if gw.embedDim == 0 {
		gw.embedDim = embedDim
	}
	eng, err := NewEngine(EngineParams{Store: ms, AIClient: gw})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng
}

func TestQueryRequiresGroup(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), &fakeGateway{})
	_, err := eng.Query(context.Background(), common.QueryRequest{Query: "anything"})
	if err != store.ErrMissingGroup {
		t.Fatalf("expected ErrMissingGroup, got %v", err)
	}
}

func TestLocalRoutePaymentTerm(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	gw := &fakeGateway{
		nerJSON:       `{"entities":["Payment Terms"],"keywords":["payment","term"]}`,
		citeSubstring: "Net 30",
	}
	eng := newTestEngine(t, ms, gw)

	resp, err := eng.Query(context.Background(), common.QueryRequest{
		Query:   "What is the payment term?",
		GroupID: "acme",
		Mode:    common.ModeLocal,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if !strings.Contains(resp.Answer, "Net 30") {
		t.Fatalf("expected answer to contain Net 30, got %q", resp.Answer)
	}
	if len(resp.Citations) == 0 {
		t.Fatal("expected at least one citation")
	}
	found := false
	for _, c := range resp.Citations {
		if c.DocumentID == "acme-doc-b" {
			found = true
			if c.DocumentTitle != "Billing Addendum" {
				t.Fatalf("citation title mismatch: %q", c.DocumentTitle)
			}
		}
	}
	if !found {
		t.Fatalf("no citation points at the billing addendum: %+v", resp.Citations)
	}
	if resp.RouteUsed != string(common.ModeLocal) {
		t.Fatalf("route_used = %q, want local", resp.RouteUsed)
	}
}

func TestGlobalRouteDocumentCoverage(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	gw := &fakeGateway{citeSubstring: "Net 30"}
	eng := newTestEngine(t, ms, gw)

	ev, err := eng.globalRoute(context.Background(), common.QueryRequest{
		Query:   "summarize all payment terms and obligations",
		GroupID: "acme",
	})
	if err != nil {
		t.Fatalf("global route failed: %v", err)
	}

	covered := make(map[string]bool)
	for _, sc := range ev.chunks {
		covered[sc.Chunk.DocumentID] = true
	}
	for _, docID := range []string{"acme-doc-a", "acme-doc-b", "acme-doc-c"} {
		if !covered[docID] {
			t.Fatalf("document %s contributed no chunk to the global evidence set", docID)
		}
	}
}

func TestGlobalFastModeKeepsCoverage(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	cfg := DefaultRouteConfig()
	cfg.FastGlobal = true
	gw := &fakeGateway{embedDim: embedDim}
	eng, err := NewEngine(EngineParams{Store: ms, AIClient: gw, Config: &cfg})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ev, err := eng.globalRoute(context.Background(), common.QueryRequest{
		Query:   "overview of the contract corpus",
		GroupID: "acme",
	})
	if err != nil {
		t.Fatalf("fast global route failed: %v", err)
	}
	covered := make(map[string]bool)
	for _, sc := range ev.chunks {
		covered[sc.Chunk.DocumentID] = true
	}
	if len(covered) != 3 {
		t.Fatalf("fast mode lost document coverage: %v", covered)
	}
}

func TestGlobalRouteRaptorZoom(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")
	seedContractCorpus(t, ms, "globex")

	// A summary node covering the billing addendum. Its summary matches the
	// query vocabulary even where the source chunk itself would not.
	summary := "Billing and invoicing overview: payment terms, invoice schedule and late fees."
	nodes := []common.RaptorNode{
		{ID: "acme-raptor-1", GroupID: "acme", Level: 1, Summary: summary,
			Embedding: embedText(summary, embedDim), ChunkIDs: []string{"acme-chunk-b1"}},
		{ID: "globex-raptor-1", GroupID: "globex", Level: 1, Summary: summary,
			Embedding: embedText(summary, embedDim), ChunkIDs: []string{"globex-chunk-b1"}},
	}
	if err := ms.UpsertRaptorNodes(context.Background(), nodes); err != nil {
		t.Fatalf("seed raptor nodes: %v", err)
	}

	eng := newTestEngine(t, ms, &fakeGateway{})

	zoomed, err := eng.raptorZoom(context.Background(), "acme", "billing and invoicing overview")
	if err != nil {
		t.Fatalf("raptor zoom failed: %v", err)
	}
	if len(zoomed) != 1 || zoomed[0].Chunk.ID != "acme-chunk-b1" {
		t.Fatalf("zoom should surface the summary's source chunk for the caller's group, got %+v", zoomed)
	}
	if zoomed[0].Score <= 0 {
		t.Fatalf("zoomed chunk should carry the summary score, got %f", zoomed[0].Score)
	}
}

func TestTenantIsolation(t *testing.T) {
	ms := newMemStore()
	// Both groups carry identical natural-key content.
	seedContractCorpus(t, ms, "acme")
	seedContractCorpus(t, ms, "globex")

	gw := &fakeGateway{
		nerJSON:       `{"entities":["Payment Terms"],"keywords":["payment"]}`,
		citeSubstring: "Net 30",
	}
	eng := newTestEngine(t, ms, gw)

	for _, mode := range []common.QueryMode{common.ModeVector, common.ModeLocal, common.ModeGlobal, common.ModeUnified} {
		ev, err := eng.retrieve(context.Background(), mode, common.QueryRequest{
			Query:   "What is the payment term?",
			GroupID: "acme",
		})
		if err != nil {
			t.Fatalf("%s route failed: %v", mode, err)
		}
		for _, sc := range ev.chunks {
			if sc.Chunk.GroupID != "acme" {
				t.Fatalf("%s route leaked chunk from group %q", mode, sc.Chunk.GroupID)
			}
		}
	}
}

func TestNegativeCorrectness(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	gw := &fakeGateway{failEmbedding: true}
	eng := newTestEngine(t, ms, gw)

	resp, err := eng.Query(context.Background(), common.QueryRequest{
		Query:   "warranty duration coverage",
		GroupID: "acme",
		Mode:    common.ModeVector,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(resp.Citations) != 0 {
		t.Fatalf("verified-absent answer must carry no citations: %+v", resp.Citations)
	}
	if !strings.Contains(strings.ToLower(resp.Answer), "not present") {
		t.Fatalf("expected a verified not-found answer, got %q", resp.Answer)
	}
}

func TestNegativeRecheckRecoversFromRetrievalGap(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	// Embedding search is down and the query shares no keywords with the
	// chunk text, so retrieval comes back empty. The key-value probe must
	// still recover the stored field.
	gw := &fakeGateway{failEmbedding: true, citeSubstring: "Net 30"}
	eng := newTestEngine(t, ms, gw)

	resp, err := eng.Query(context.Background(), common.QueryRequest{
		Query:   "payment_terms",
		GroupID: "acme",
		Mode:    common.ModeVector,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(resp.Citations) == 0 {
		t.Fatalf("expected key-value probe to recover evidence, got none: %q", resp.Answer)
	}
	if resp.Citations[0].ChunkID != "acme-chunk-b1" {
		t.Fatalf("recovered citation should anchor to the key-value chunk, got %+v", resp.Citations[0])
	}
	if !resp.Metadata.Partial {
		t.Fatal("recovered-evidence response must be flagged partial")
	}
}

func TestNegativeGuardRegeneratesOverRecoveredEvidence(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	// Retrieval finds chunks, but none states the queried field, so the
	// model answers "not found" without citing. The key-value probe holds
	// the field; the engine must fold the recovered chunk back into the
	// evidence and answer from it instead of standing on the false negative.
	gw := &fakeGateway{
		failEmbedding:   true,
		citeSubstring:   "Net 30",
		citeOnlyOnMatch: true,
	}
	eng := newTestEngine(t, ms, gw)

	resp, err := eng.Query(context.Background(), common.QueryRequest{
		Query:   "payment_terms under data processing instructions",
		GroupID: "acme",
		Mode:    common.ModeVector,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !strings.Contains(resp.Answer, "Net 30") {
		t.Fatalf("expected the regenerated answer to state the field, got %q", resp.Answer)
	}
	if len(resp.Citations) == 0 {
		t.Fatal("regenerated answer must cite the recovered chunk")
	}
	if resp.Citations[0].ChunkID != "acme-chunk-b1" {
		t.Fatalf("citation should anchor to the key-value chunk, got %+v", resp.Citations[0])
	}
	if !resp.Metadata.Partial {
		t.Fatal("recovered-evidence response must be flagged partial")
	}
}

func TestUnifiedRouteSeedCounts(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	gw := &fakeGateway{
		nerJSON:       `{"entities":["Payment Terms"],"keywords":["payment"]}`,
		citeSubstring: "Net 30",
	}
	eng := newTestEngine(t, ms, gw)

	ev, err := eng.unifiedRoute(context.Background(), common.QueryRequest{
		Query:   "What is the payment term?",
		GroupID: "acme",
	})
	if err != nil {
		t.Fatalf("unified route failed: %v", err)
	}

	if ev.tierSeedCounts["entity"] == 0 {
		t.Fatal("tier 1 produced no entity seeds")
	}
	if ev.tierSeedCounts["community"] == 0 {
		t.Fatal("tier 3 produced no community seeds")
	}
	if ev.pprNodeCount == 0 {
		t.Fatal("unified route did not run the PPR pass")
	}
	if len(ev.chunks) == 0 {
		t.Fatal("unified route returned no evidence")
	}
}

func TestDriftRouteMergesSubQuestions(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")

	gw := &fakeGateway{
		nerJSON:       `{"entities":["Payment Terms"],"keywords":["payment"]}`,
		decomposeJSON: `{"sub_questions":["What is the payment term?","Who is liable for damages?"]}`,
		citeSubstring: "Net 30",
	}
	eng := newTestEngine(t, ms, gw)

	ev, err := eng.driftRoute(context.Background(), common.QueryRequest{
		Query:   "How do payment terms affect liability?",
		GroupID: "acme",
	})
	if err != nil {
		t.Fatalf("drift route failed: %v", err)
	}
	if ev.tierSeedCounts["sub_questions"] != 2 {
		t.Fatalf("expected 2 sub-questions, got %d", ev.tierSeedCounts["sub_questions"])
	}
	if len(ev.chunks) == 0 {
		t.Fatal("drift route returned no evidence")
	}
	seen := make(map[string]int)
	for _, sc := range ev.chunks {
		seen[sc.Chunk.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("chunk %s selected %d times after re-diversification", id, n)
		}
	}
}
