package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ZipFile is one member of an archive built with BuildZip. A Name ending in
// "/" produces a directory entry.
type ZipFile struct {
	Name string
	Data []byte
}

func BuildZip(t *testing.T, files ...ZipFile) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, file := range files {
		member, err := writer.Create(file.Name)
		if err != nil {
			t.Fatalf("create zip member %s: %v", file.Name, err)
		}
		if _, err := member.Write(file.Data); err != nil {
			t.Fatalf("write zip member %s: %v", file.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buffer.Bytes()
}

func BuildGzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buffer.Bytes()
}

// Row describes one upstream table row used by the document builders.
type Row struct {
	Channel int
	Level   float64
	MER     float64
	ICFR    float64
}

// TestRecord is the minimal description of one instrument test.
type TestRecord struct {
	Type       string
	TestTime   string
	DurationMs int
	Geo        any
	TestPoint  string
	Rows       []Row
}

func (record TestRecord) document() map[string]any {
	rows := make([]map[string]any, 0, len(record.Rows))
	for _, row := range record.Rows {
		item := map[string]any{
			"channel":   row.Channel,
			"frequency": fmt.Sprintf("%.2f MHz", 100+float64(row.Channel)*6),
			"level":     row.Level,
		}
		if row.MER != 0 {
			item["mer"] = row.MER
		}
		if row.ICFR != 0 {
			item["icfr"] = row.ICFR
		}
		rows = append(rows, item)
	}
	results := map[string]any{
		"testTime":       record.TestTime,
		"testDurationMs": record.DurationMs,
		"upstreamTable":  rows,
	}
	if record.Geo != nil {
		results["geoLocation"] = record.Geo
	}
	if record.TestPoint != "" {
		results["configuration"] = map[string]any{"testPoint": record.TestPoint}
	}
	return map[string]any{
		"type":    record.Type,
		"results": results,
	}
}

// BuildDocument renders records as an instrument test-report document.
func BuildDocument(t *testing.T, records ...TestRecord) []byte {
	t.Helper()
	tests := make([]map[string]any, 0, len(records))
	for _, record := range records {
		tests = append(tests, record.document())
	}
	encoded, err := json.Marshal(map[string]any{"tests": tests})
	if err != nil {
		t.Fatalf("marshal test document: %v", err)
	}
	return encoded
}

func Geo(latitude, longitude float64) map[string]any {
	return map[string]any{"latitude": latitude, "longitude": longitude}
}
