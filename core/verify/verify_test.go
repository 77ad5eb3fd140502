package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
	"github.com/davidahmann/tapcheck/core/projectconfig"
	"github.com/davidahmann/tapcheck/core/rules"
	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
	"github.com/davidahmann/tapcheck/core/switchpos"
	"github.com/davidahmann/tapcheck/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const engineTable = `{
  "docsisexpert": {
    "node": {"870": {"min": 35, "max": 52}},
    "amplifier": {"870": {"min": 35, "max": 52}}
  },
  "channelexpert": {
    "node": {"870": {"channels": {"50": {"target": 42, "tolerance": 1.5}}}},
    "amplifier": {
      "870": {
        "channels": {"50": {"source": "amplifier", "tolerance": 1.5}},
        "inputLevel": {"min": 10, "max": 60}
      }
    }
  }
}`

func newEngine(t *testing.T, configuration projectconfig.Config, store switchpos.Store) *Engine {
	t.Helper()
	table, err := rules.Parse([]byte(engineTable))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	return New(Options{Rules: table, Store: store, Config: configuration})
}

func channelCapture(t *testing.T, testTime string, level float64) []byte {
	t.Helper()
	return testutil.BuildDocument(t, testutil.TestRecord{
		Type:       "ChannelExpert",
		TestTime:   testTime,
		DurationMs: 1200,
		Geo:        testutil.Geo(40.4168, -3.7038),
		Rows:       []testutil.Row{{Channel: 50, Level: level}},
	})
}

func docsisCapture(t *testing.T, testTime string, level float64) []byte {
	t.Helper()
	return testutil.BuildDocument(t, testutil.TestRecord{
		Type:       "DOCSIS Expert",
		TestTime:   testTime,
		DurationMs: 800,
		Geo:        testutil.Geo(40.41681, -3.70381),
		Rows:       []testutil.Row{{Channel: 1, Level: level}},
	})
}

func nodeRequest(folder string) Request {
	return Request{
		Folder:       folder,
		AssetID:      "node-7",
		AssetClass:   "node",
		FrequencyMHz: 862,
		Context:      ContextRX,
	}
}

func requireLevelsPass(t *testing.T, entries []schemaverify.MeasurementEntry) {
	t.Helper()
	for _, entry := range entries {
		if entry.IsDiscarded {
			continue
		}
		for key, reading := range entry.Levels {
			if reading.WithinRule == nil || !*reading.WithinRule {
				t.Fatalf("expected %s channel %s to pass, got %#v", entry.Label, key, reading)
			}
		}
	}
}

func TestVerifyLooseFileAndArchiveScenario(t *testing.T) {
	folder := t.TempDir()
	loose := channelCapture(t, "2024-05-01T10:00:00Z", 42.1)
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), loose)
	testutil.WriteFile(t, filepath.Join(folder, "capture.zip"), testutil.BuildZip(t,
		testutil.ZipFile{Name: "m1.json", Data: loose},
		testutil.ZipFile{Name: "d1.json", Data: docsisCapture(t, "2024-05-01T10:05:00Z", 45)},
	))

	engine := newEngine(t, projectconfig.Default(), nil)
	summary, err := engine.Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if diff := cmp.Diff(schemaverify.Counts{Docsis: 1, Channel: 1}, summary.Found); diff != "" {
		t.Fatalf("unexpected found counts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"capture.zip/m1.json"}, summary.DuplicateEntries); diff != "" {
		t.Fatalf("unexpected duplicate entries (-want +got):\n%s", diff)
	}
	if len(summary.DuplicateFiles) != 0 {
		t.Fatalf("archive duplicates must not mark files: %v", summary.DuplicateFiles)
	}
	requireLevelsPass(t, summary.Entries)
	if summary.ObservationCount != 0 || !summary.Complete() {
		t.Fatalf("expected a complete summary, got issues=%#v geo=%#v", summary.Issues, summary.GeoIssues)
	}
	if summary.Band != rules.Band870 || summary.RunID == "" || summary.SchemaID != schemaverify.SummarySchemaID {
		t.Fatalf("unexpected summary metadata: %#v", summary)
	}
	if summary.GeoLocation == nil || summary.GeoDisagreement {
		t.Fatalf("expected one agreeing location, got %#v", summary.GeoLocation)
	}
	if summary.Entries[0].Label != "m1.json" || summary.Entries[0].FromContainer {
		t.Fatalf("loose capture should be the first occurrence: %#v", summary.Entries[0])
	}
	if !summary.Entries[1].FromContainer || summary.Entries[1].Identity == "" {
		t.Fatalf("archive capture should be flagged: %#v", summary.Entries[1])
	}

	if testutil.FileExists(filepath.Join(folder, "capture.zip")) {
		t.Fatal("expected consumed container to be removed")
	}
	if !testutil.FileExists(filepath.Join(folder, "unpacked__capture.zip__d1.json")) {
		t.Fatal("expected accepted member to be materialized")
	}
	if testutil.FileExists(filepath.Join(folder, "unpacked__capture.zip__m1.json")) {
		t.Fatal("duplicate member must not be materialized")
	}
	if !testutil.FileExists(filepath.Join(folder, "m1.json")) {
		t.Fatal("accepted loose file must stay")
	}
}

func TestVerifyRerunIsIdempotent(t *testing.T) {
	folder := t.TempDir()
	loose := channelCapture(t, "t1", 42)
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), loose)
	testutil.WriteFile(t, filepath.Join(folder, "capture.zip"), testutil.BuildZip(t,
		testutil.ZipFile{Name: "m1.json", Data: loose},
		testutil.ZipFile{Name: "d1.json", Data: docsisCapture(t, "t2", 45)},
	))

	engine := newEngine(t, projectconfig.Default(), nil)
	first, err := engine.Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	second, err := engine.Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if diff := cmp.Diff(first.Found, second.Found); diff != "" {
		t.Fatalf("found counts changed between runs (-first +second):\n%s", diff)
	}
	if len(second.DuplicateEntries) != 0 || len(second.DuplicateFiles) != 0 {
		t.Fatalf("re-run must not flag accepted captures as duplicates: %#v %#v", second.DuplicateEntries, second.DuplicateFiles)
	}
	if first.RunID == second.RunID {
		t.Fatal("expected a fresh run id")
	}
	var fromContainer int
	for _, entry := range second.Entries {
		if entry.FromContainer {
			fromContainer++
		}
	}
	if fromContainer != 1 {
		t.Fatalf("expected the materialized member to keep its container flag, got %d", fromContainer)
	}
	if first.Entries[1].Identity != second.Entries[1].Identity {
		t.Fatal("identity must survive materialization")
	}
}

func TestVerifyRerunKeepsSwitchPositionsOfMaterializedMembers(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "z.json"), channelCapture(t, "t1", 42))
	testutil.WriteFile(t, filepath.Join(folder, "aux.zip"), testutil.BuildZip(t,
		testutil.ZipFile{Name: "b.json", Data: channelCapture(t, "t2", 42)},
	))
	store := switchpos.NewMemoryStore()
	engine := newEngine(t, projectconfig.Default(), store)
	request := Request{
		Folder:       folder,
		AssetID:      "amp-5",
		AssetClass:   "amplifier",
		FrequencyMHz: 862,
		Targets:      map[string]float64{"50": 42},
	}

	first, err := engine.Verify(context.Background(), request)
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if !testutil.FileExists(filepath.Join(folder, "unpacked__aux.zip__b.json")) {
		t.Fatal("expected the archive member to be materialized")
	}
	second, err := engine.Verify(context.Background(), request)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}

	positions := func(summary schemaverify.Summary) map[string]string {
		byIdentity := map[string]string{}
		for _, entry := range summary.Entries {
			byIdentity[entry.Identity] = entry.SwitchPosition
		}
		return byIdentity
	}
	firstPositions := positions(first)
	if len(firstPositions) != 2 {
		t.Fatalf("expected two accepted captures, got %#v", first.Entries)
	}
	if first.Entries[0].SwitchPosition != "MAIN" || first.Entries[1].SwitchPosition != "IN" {
		t.Fatalf("unexpected first run positions: %#v", first.Entries)
	}
	if diff := cmp.Diff(firstPositions, positions(second)); diff != "" {
		t.Fatalf("positions changed after materialization (-first +second):\n%s", diff)
	}
	for _, entry := range second.Entries {
		if entry.SwitchGuessed {
			t.Fatalf("second run must reuse the stored position for %s", entry.Label)
		}
	}
	if len(second.Issues) != 0 {
		t.Fatalf("expected no issues on re-run, got %#v", second.Issues)
	}
	stored, ok, err := store.Get(context.Background(), "amp-5", "aux.zip/b.json")
	if err != nil || !ok || stored != switchpos.PositionIn {
		t.Fatalf("expected the member position under its archive label, got %s %v %v", stored, ok, err)
	}
	if _, ok, _ := store.Get(context.Background(), "amp-5", "unpacked__aux.zip__b.json"); ok {
		t.Fatal("materialized file name must not become a second store key")
	}
}

func TestVerifyModuleContextIgnoresLegacyPilot(t *testing.T) {
	const pilotTable = `{
  "docsisexpert": {"node": {"870": {"min": 35, "max": 52}}},
  "channelexpert": {
    "node": {
      "870": {
        "channels": {"50": {"target": 42, "tolerance": 1.5}},
        "txTargets": {"1550": {"pilotChannel": 50, "pilotTarget": 30, "pilotTolerance": 1}}
      }
    }
  }
}`
	table, err := rules.Parse([]byte(pilotTable))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	engine := New(Options{Rules: table, Config: projectconfig.Default()})

	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), channelCapture(t, "t1", 42))
	request := nodeRequest(folder)
	request.Context = ContextModule
	request.Wavelength = "1550"
	summary, err := engine.Verify(context.Background(), request)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(summary.Entries) != 1 {
		t.Fatalf("expected one entry, got %#v", summary.Entries)
	}
	requireLevelsPass(t, summary.Entries)
	if len(summary.Issues) != 0 {
		t.Fatalf("module captures keep their channel rules, got %#v", summary.Issues)
	}
}

func TestVerifyKeepsContainersWhenExtractionDisabled(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "capture.zip"), testutil.BuildZip(t,
		testutil.ZipFile{Name: "d1.json", Data: docsisCapture(t, "t2", 45)},
	))
	configuration := projectconfig.Default()
	extract := false
	configuration.Verify.ExtractContainers = &extract

	summary, err := newEngine(t, configuration, nil).Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if summary.Found.Docsis != 1 || len(summary.RemovedFiles) != 0 {
		t.Fatalf("unexpected summary: found=%#v removed=%v", summary.Found, summary.RemovedFiles)
	}
	if !testutil.FileExists(filepath.Join(folder, "capture.zip")) {
		t.Fatal("container must stay when extraction is disabled")
	}
}

func TestVerifySurplusCapping(t *testing.T) {
	folder := t.TempDir()
	for index, name := range []string{"m1.json", "m2.json", "m3.json", "m4.json", "m5.json", "m6.json"} {
		testutil.WriteFile(t, filepath.Join(folder, name), channelCapture(t, "t"+string(rune('1'+index)), 42))
	}
	store := switchpos.NewMemoryStore()
	engine := newEngine(t, projectconfig.Default(), store)
	summary, err := engine.Verify(context.Background(), Request{
		Folder:       folder,
		AssetID:      "amp-3",
		AssetClass:   "amplifier",
		FrequencyMHz: 862,
		Targets:      map[string]float64{"50": 42},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if summary.Found.Channel != 4 || summary.Expected.Channel != 4 {
		t.Fatalf("expected exactly four channel captures, got %#v of %#v", summary.Found, summary.Expected)
	}
	if diff := cmp.Diff([]string{"m5.json", "m6.json"}, summary.SurplusLabels); diff != "" {
		t.Fatalf("unexpected surplus labels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m5.json", "m6.json"}, summary.RemovedFiles); diff != "" {
		t.Fatalf("unexpected removed files (-want +got):\n%s", diff)
	}
	if len(summary.Entries) != 4 {
		t.Fatalf("expected four entries, got %d", len(summary.Entries))
	}
	for _, name := range []string{"m1.json", "m2.json", "m3.json", "m4.json"} {
		if !testutil.FileExists(filepath.Join(folder, name)) {
			t.Fatalf("expected %s to stay", name)
		}
	}

	wantPositions := []string{"MAIN", "IN", "AUX", "AUX"}
	for index, entry := range summary.Entries {
		if entry.SwitchPosition != wantPositions[index] || !entry.SwitchGuessed {
			t.Fatalf("entry %d: expected guessed %s, got %q guessed=%v", index, wantPositions[index], entry.SwitchPosition, entry.SwitchGuessed)
		}
	}
	stored, ok, err := store.Get(context.Background(), "amp-3", "m2.json")
	if err != nil || !ok || stored != switchpos.PositionIn {
		t.Fatalf("expected guessed position stored, got %s %v %v", stored, ok, err)
	}
}

func TestVerifyLooseDuplicateFileIsRemoved(t *testing.T) {
	folder := t.TempDir()
	capture := channelCapture(t, "t1", 42)
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), capture)
	testutil.WriteFile(t, filepath.Join(folder, "m1.json.2"), capture)

	summary, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if diff := cmp.Diff([]string{"m1.json.2"}, summary.DuplicateFiles); diff != "" {
		t.Fatalf("unexpected duplicate files (-want +got):\n%s", diff)
	}
	if testutil.FileExists(filepath.Join(folder, "m1.json.2")) {
		t.Fatal("expected duplicate loose file to be removed")
	}
	if summary.Found.Channel != 1 {
		t.Fatalf("expected one channel capture, got %d", summary.Found.Channel)
	}
}

func TestVerifyHousekeepingAndDiscardedLabels(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), channelCapture(t, "t1", 42))
	testutil.WriteFile(t, filepath.Join(folder, "m2.json"), channelCapture(t, "t2", 10))
	testutil.WriteFile(t, filepath.Join(folder, "discarded.txt"), []byte("# discarded by technician\nm2.json\n"))
	testutil.WriteFile(t, filepath.Join(folder, "report.html"), []byte("<html></html>"))
	testutil.WriteFile(t, filepath.Join(folder, "photo.jpg"), []byte{0xff, 0xd8, 0xff})

	summary, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if diff := cmp.Diff([]string{"m2.json"}, summary.DiscardedLabels); diff != "" {
		t.Fatalf("unexpected discarded labels (-want +got):\n%s", diff)
	}
	if summary.Found.Channel != 1 || len(summary.Entries) != 2 {
		t.Fatalf("discarded capture must be listed but not counted: %#v entries=%d", summary.Found, len(summary.Entries))
	}
	if !summary.Entries[1].IsDiscarded || summary.Entries[1].Levels["50"].WithinRule != nil {
		t.Fatalf("discarded capture must not be validated: %#v", summary.Entries[1])
	}
	if diff := cmp.Diff([]string{"photo.jpg", "report.html"}, summary.RemovedFiles); diff != "" {
		t.Fatalf("unexpected removed files (-want +got):\n%s", diff)
	}
	for _, name := range []string{"m2.json", "discarded.txt"} {
		if !testutil.FileExists(filepath.Join(folder, name)) {
			t.Fatalf("expected %s to stay", name)
		}
	}
}

func TestVerifyReportsParseErrorsAndInvalidTypes(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "bad.json"), []byte("{not json"))
	testutil.WriteFile(t, filepath.Join(folder, "notests.json"), []byte(`{"results":{}}`))
	testutil.WriteFile(t, filepath.Join(folder, "spectrum.json"), []byte(`{"tests":[{"type":"Spectrum","results":{"testTime":"t9"}}]}`))
	testutil.WriteFile(t, filepath.Join(folder, "broken.zip"), []byte("PK\x03\x04garbage"))

	summary, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if diff := cmp.Diff([]string{"broken.zip", "bad.json", "notests.json"}, summary.ParseErrorFiles); diff != "" {
		t.Fatalf("unexpected parse error files (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"spectrum.json"}, summary.InvalidTypeFiles); diff != "" {
		t.Fatalf("unexpected invalid type files (-want +got):\n%s", diff)
	}
	if len(summary.Entries) != 0 || len(summary.RemovedFiles) != 0 {
		t.Fatalf("nothing should be accepted or removed: %#v", summary)
	}
	for _, name := range []string{"bad.json", "notests.json", "spectrum.json", "broken.zip"} {
		if !testutil.FileExists(filepath.Join(folder, name)) {
			t.Fatalf("expected %s to stay for the user to fix", name)
		}
	}
}

func TestVerifyEmptyFolderStillSummarizes(t *testing.T) {
	summary, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), nodeRequest(t.TempDir()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if summary.Found != (schemaverify.Counts{}) || summary.ObservationCount != 0 || summary.Complete() {
		t.Fatalf("unexpected empty summary: %#v", summary)
	}
	if summary.Entries == nil || summary.ValidFiles == nil || summary.Issues == nil {
		t.Fatal("expected empty lists rather than nil")
	}
}

func TestVerifyGeoIssues(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), testutil.BuildDocument(t, testutil.TestRecord{
		Type:     "channelexpert",
		TestTime: "t1",
		Geo:      testutil.Geo(0, 0),
		Rows:     []testutil.Row{{Channel: 50, Level: 42}},
	}))
	testutil.WriteFile(t, filepath.Join(folder, "d1.json"), testutil.BuildDocument(t, testutil.TestRecord{
		Type:     "docsisexpert",
		TestTime: "t2",
		Geo:      testutil.Geo(40.4168, -3.7038),
		Rows:     []testutil.Row{{Channel: 1, Level: 45}},
	}))

	request := nodeRequest(folder)
	request.ExtraPoints = []schemaverify.GeoPoint{{Latitude: 41.3874, Longitude: 2.1686}}
	summary, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), request)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(summary.GeoIssues) != 2 {
		t.Fatalf("expected sentinel and disagreement geo issues, got %#v", summary.GeoIssues)
	}
	if summary.GeoIssues[0].Label != "m1.json" || !summary.GeoDisagreement {
		t.Fatalf("unexpected geo outcome: %#v", summary.GeoIssues)
	}
	if summary.GeoLocation == nil || summary.GeoLocation.Latitude != 40.4168 {
		t.Fatalf("tie should go to the earliest capture location, got %#v", summary.GeoLocation)
	}
	if summary.ObservationCount != len(summary.Issues)+2 {
		t.Fatalf("observation count must include geo issues: %d", summary.ObservationCount)
	}
}

func TestVerifyCancellationLeavesFolderUntouched(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "report.html"), []byte("<html></html>"))
	testutil.WriteFile(t, filepath.Join(folder, "m1.json"), channelCapture(t, "t1", 42))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t, projectconfig.Default(), nil).Verify(ctx, nodeRequest(folder))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !testutil.FileExists(filepath.Join(folder, "report.html")) {
		t.Fatal("cancelled run must not remove files")
	}
}

func TestVerifyRejectsUnreadableFolder(t *testing.T) {
	_, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), nodeRequest(filepath.Join(t.TempDir(), "missing")))
	if coreerrors.CategoryOf(err) != coreerrors.CategoryIOFailure {
		t.Fatalf("expected io failure, got %v", err)
	}
	_, err = newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), Request{Folder: t.TempDir(), AssetClass: "cabinet"})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input for unknown asset class, got %v", err)
	}
}

func TestExpectedCounts(t *testing.T) {
	counts, err := ExpectedCounts("Amplifier", "", nil)
	if err != nil || counts != (schemaverify.Counts{Docsis: 1, Channel: 4}) {
		t.Fatalf("unexpected amplifier counts: %#v %v", counts, err)
	}
	counts, err = ExpectedCounts("node", "module", []projectconfig.ExpectedOverride{
		{AssetClass: "node", Context: "module", Docsis: 0, Channel: 2},
	})
	if err != nil || counts.Channel != 2 {
		t.Fatalf("expected override to win, got %#v %v", counts, err)
	}
}

func TestMaterializedNames(t *testing.T) {
	cases := map[[2]string]string{
		{"capture.zip", "capture.zip/d1.json"}:            "unpacked__capture.zip__d1.json",
		{"capture.zip", "capture.zip/exports/d1.json.2"}:  "unpacked__capture.zip__exports__d1.json.2.json",
		{"m2.json.gz", "m2.json"}:                         "unpacked__m2.json.gz__m2.json",
		{"outer.zip", "outer.zip/inner.zip/records.json"}: "unpacked__outer.zip__inner.zip__records.json",
	}
	for input, want := range cases {
		if got := materializedName(input[0], input[1]); got != want {
			t.Fatalf("materializedName(%q,%q)=%q want %q", input[0], input[1], got, want)
		}
	}
	original, ok := originalMemberLabel("unpacked__capture.zip__d1.json")
	if !ok || original != "capture.zip/d1.json" {
		t.Fatalf("unexpected original label %q", original)
	}
}

func TestStageTrackerMovesForwardOnly(t *testing.T) {
	tracker := newStageTracker(newEngine(t, projectconfig.Default(), nil).logger)
	tracker.advance(StageUnpacking)
	tracker.advance(StageScanning)
	tracker.advance(StageSummarized)
	want := []Stage{StageScanning, StageUnpacking, StageSummarized}
	if diff := cmp.Diff(want, tracker.visited); diff != "" {
		t.Fatalf("unexpected stage history (-want +got):\n%s", diff)
	}
	if StageParsingDedup.String() != "parsing_dedup" {
		t.Fatalf("unexpected stage name %q", StageParsingDedup.String())
	}
}

func TestVerifyDiscardedMaterializedMember(t *testing.T) {
	folder := t.TempDir()
	testutil.WriteFile(t, filepath.Join(folder, "unpacked__capture.zip__m1.json"), channelCapture(t, "t1", 42))
	if err := os.WriteFile(filepath.Join(folder, "discarded.txt"), []byte("capture.zip/m1.json\n"), 0o600); err != nil {
		t.Fatalf("write discarded list: %v", err)
	}
	summary, err := newEngine(t, projectconfig.Default(), nil).Verify(context.Background(), nodeRequest(folder))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(summary.DiscardedLabels) != 1 || summary.Found.Channel != 0 {
		t.Fatalf("expected the materialized member to stay discarded, got %#v", summary)
	}
	if !summary.Entries[0].FromContainer {
		t.Fatal("materialized member must keep its container flag")
	}
}
