package ledger

import (
	"testing"

	"github.com/davidahmann/tapcheck/core/record"
	"github.com/davidahmann/tapcheck/internal/testutil"
)

func TestIdentityIgnoresLabelAndFormatting(t *testing.T) {
	compact := []byte(`{"tests":[{"type":"ChannelExpert","results":{"testTime":"2024-05-01T10:00:00Z","testDurationMs":1200,"geoLocation":{"latitude":40.4,"longitude":-3.7}}}]}`)
	spaced := []byte(`{ "tests": [ { "type": "channel_expert", "results": { "geoLocation": { "longitude": -3.7, "latitude": 40.4 }, "testDurationMs": 1200, "testTime": "2024-05-01T10:00:00Z" } } ] }`)

	first, err := record.Parse(compact, "m1.json")
	if err != nil {
		t.Fatalf("parse compact: %v", err)
	}
	second, err := record.Parse(spaced, "capture.zip/m1.json")
	if err != nil {
		t.Fatalf("parse spaced: %v", err)
	}
	firstIdentity, err := Identity(first[0])
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	secondIdentity, err := Identity(second[0])
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if firstIdentity != secondIdentity {
		t.Fatalf("expected equal identities, got %s and %s", firstIdentity, secondIdentity)
	}
	if len(firstIdentity) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", firstIdentity)
	}
}

func TestIdentityIsStableAcrossReparse(t *testing.T) {
	document := testutil.BuildDocument(t, testutil.TestRecord{
		Type:       "docsisexpert",
		TestTime:   "t1",
		DurationMs: 900,
		Geo:        testutil.Geo(10, 10),
	})
	var identities []string
	for attempt := 0; attempt < 3; attempt++ {
		entries, err := record.Parse(document, "m1.json")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		identity, err := Identity(entries[0])
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		identities = append(identities, identity)
	}
	if identities[0] != identities[1] || identities[1] != identities[2] {
		t.Fatalf("identity changed between parses: %v", identities)
	}
}

func TestIdentityDiffersOnTestTime(t *testing.T) {
	base := record.Entry{Type: "docsisexpert", TestTime: "t1", TestDurationMs: "10"}
	other := base
	other.TestTime = "t2"
	first, err := Identity(base)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	second, err := Identity(other)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if first == second {
		t.Fatal("expected different identities for different test times")
	}
}

func TestLedgerRegister(t *testing.T) {
	ledger := New()
	if !ledger.Register("abc", "m1.json") {
		t.Fatal("expected first registration to be new")
	}
	if ledger.Register("abc", "capture.zip/m1.json") {
		t.Fatal("expected second registration to be a duplicate")
	}
	label, ok := ledger.FirstLabel("abc")
	if !ok || label != "m1.json" {
		t.Fatalf("expected first label kept, got %q", label)
	}
	if ledger.Len() != 1 {
		t.Fatalf("expected one identity, got %d", ledger.Len())
	}
}
