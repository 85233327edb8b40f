package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

func TestMatchCommunityRequiresGroup(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), &fakeGateway{})
	_, err := eng.matchCommunity(context.Background(), "", "anything", 8)
	if err != store.ErrMissingGroup {
		t.Fatalf("expected ErrMissingGroup, got %v", err)
	}
}

func TestMatchCommunityEmbeddingPath(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")
	eng := newTestEngine(t, ms, &fakeGateway{})

	community, err := eng.matchCommunity(context.Background(), "acme", "payment terms for invoices", 4)
	if err != nil {
		t.Fatalf("matchCommunity failed: %v", err)
	}
	if len(community.Entities) == 0 {
		t.Fatal("expected a non-empty community")
	}
	for _, ent := range community.Entities {
		if ent.GroupID != "acme" {
			t.Fatalf("community leaked entity from group %q", ent.GroupID)
		}
	}
}

func TestMatchCommunityKeywordFallback(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")
	eng := newTestEngine(t, ms, &fakeGateway{failEmbedding: true})

	community, err := eng.matchCommunity(context.Background(), "acme", "payment terms", 4)
	if err != nil {
		t.Fatalf("keyword fallback must not error: %v", err)
	}
	found := false
	for _, ent := range community.Entities {
		if ent.ID == "acme-ent-payment" {
			found = true
		}
	}
	if !found {
		t.Fatalf("keyword fallback missed the payment entity: %+v", community.Entities)
	}
}

func TestRoundRobinByDocument(t *testing.T) {
	ms := newMemStore()
	seedContractCorpus(t, ms, "acme")
	eng := newTestEngine(t, ms, &fakeGateway{})

	// Ranked candidates: two from document A ahead of one each from B and C.
	candidates := []common.Entity{
		{ID: "acme-ent-provider", GroupID: "acme"},
		{ID: "acme-ent-customer", GroupID: "acme"},
		{ID: "acme-ent-payment", GroupID: "acme"},
		{ID: "acme-ent-data", GroupID: "acme"},
	}
	out, err := eng.roundRobinByDocument(context.Background(), "acme", candidates, 4)
	if err != nil {
		t.Fatalf("roundRobinByDocument failed: %v", err)
	}

	got := make([]string, 0, len(out))
	for _, ent := range out {
		got = append(got, ent.ID)
	}
	// First round takes one entity per document in ranked order; document
	// A's second candidate waits for the next round.
	want := []string{"acme-ent-provider", "acme-ent-payment", "acme-ent-data", "acme-ent-customer"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round robin order = %v, want %v", got, want)
	}
}

func TestContentTerms(t *testing.T) {
	got := contentTerms(`What is the "Payment Term", exactly?`)
	want := []string{"what", "the", "payment", "term", "exactly"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("contentTerms = %v, want %v", got, want)
	}

	if terms := contentTerms("a an to"); len(terms) != 0 {
		t.Fatalf("short tokens must be dropped, got %v", terms)
	}
}
