package unpack

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
)

const (
	DefaultMaxDepth       = 8
	DefaultMaxMemberBytes = int64(100 * 1024 * 1024)
	DefaultMaxTotalBytes  = int64(512 * 1024 * 1024)
)

type Shape int

const (
	ShapeIgnored Shape = iota
	ShapeJSON
	ShapeZip
	ShapeGzip
)

func (s Shape) String() string {
	switch s {
	case ShapeJSON:
		return "json"
	case ShapeZip:
		return "zip"
	case ShapeGzip:
		return "gzip"
	default:
		return "ignored"
	}
}

// Options caps the work done for one top-level file. MaxMemberBytes bounds a
// single decompressed payload; MaxTotalBytes bounds all of them together.
type Options struct {
	MaxDepth       int
	MaxMemberBytes int64
	MaxTotalBytes  int64
}

// Candidate is one payload recovered from a file. A non-nil Err marks the node
// identified by Label as unreadable; Data is empty in that case.
type Candidate struct {
	Label         string
	Data          []byte
	FromContainer bool
	Err           error
}

var (
	zipMagic  = []byte("PK\x03\x04")
	zipEmpty  = []byte("PK\x05\x06")
	gzipMagic = []byte{0x1f, 0x8b}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}

	numberedJSONPattern = regexp.MustCompile(`(?i)(\.json([.-]\d+)+|-\d+\.json)$`)
)

// IsJSONName reports whether name looks like a measurement JSON file: a bare
// name without extension, "*.json", or a numbered rotation such as
// "m1.json.2", "m1.json-2" or "m1-2.json".
func IsJSONName(name string) bool {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "" || base == "." || base == "/" {
		return false
	}
	if strings.HasSuffix(strings.ToLower(base), ".json") {
		return true
	}
	if numberedJSONPattern.MatchString(base) {
		return true
	}
	return path.Ext(base) == ""
}

// IsContainerName reports whether name carries a zip or gzip extension.
func IsContainerName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".gz")
}

// Classify inspects magic bytes first and falls back to the name for JSON.
func Classify(data []byte, name string) Shape {
	switch {
	case bytes.HasPrefix(data, zipMagic), bytes.HasPrefix(data, zipEmpty):
		return ShapeZip
	case bytes.HasPrefix(data, gzipMagic):
		return ShapeGzip
	case looksLikeJSON(data), IsJSONName(name):
		return ShapeJSON
	default:
		return ShapeIgnored
	}
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

type node struct {
	label         string
	data          []byte
	depth         int
	fromContainer bool
}

// Unpack walks data and every archive nested inside it, returning the JSON-like
// payloads in traversal order. Failures are reported per node as candidates
// with Err set; traversal of siblings continues.
func Unpack(data []byte, nameHint string, opts Options) []Candidate {
	opts = opts.withDefaults()
	label := strings.TrimSpace(nameHint)
	if label == "" {
		label = "payload"
	}

	total := &budget{max: opts.MaxTotalBytes, remaining: opts.MaxTotalBytes}
	var candidates []Candidate
	stack := []node{{label: label, data: data}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current.depth > opts.MaxDepth {
			candidates = append(candidates, containerFailure(current.label, fmt.Errorf("nesting depth exceeds %d", opts.MaxDepth)))
			continue
		}

		switch Classify(current.data, current.label) {
		case ShapeJSON:
			candidates = append(candidates, Candidate{
				Label:         current.label,
				Data:          current.data,
				FromContainer: current.fromContainer,
			})
		case ShapeGzip:
			inflated, err := gunzip(current.data, opts.MaxMemberBytes, total)
			if err != nil {
				candidates = append(candidates, containerFailure(current.label, err))
				continue
			}
			stripped := stripGzipSuffix(current.label)
			shape := Classify(inflated, stripped)
			if shape == ShapeZip || shape == ShapeGzip {
				stack = append(stack, node{label: stripped, data: inflated, depth: current.depth + 1, fromContainer: true})
				continue
			}
			candidates = append(candidates, Candidate{Label: stripped, Data: inflated, FromContainer: true})
		case ShapeZip:
			members, failures := readZipMembers(current.label, current.data, opts.MaxMemberBytes, total)
			candidates = append(candidates, failures...)
			for index := len(members) - 1; index >= 0; index-- {
				member := members[index]
				stack = append(stack, node{label: member.label, data: member.data, depth: current.depth + 1, fromContainer: true})
			}
		case ShapeIgnored:
		}
	}
	return candidates
}

func (opts Options) withDefaults() Options {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxMemberBytes <= 0 {
		opts.MaxMemberBytes = DefaultMaxMemberBytes
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = DefaultMaxTotalBytes
	}
	return opts
}

type member struct {
	label string
	data  []byte
}

func readZipMembers(containerLabel string, data []byte, maxBytes int64, total *budget) ([]member, []Candidate) {
	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, []Candidate{containerFailure(containerLabel, fmt.Errorf("open zip: %w", err))}
	}
	zipReader.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	var members []member
	var failures []Candidate
	for _, zipFile := range zipReader.File {
		if zipFile.FileInfo().IsDir() || strings.HasSuffix(zipFile.Name, "/") {
			continue
		}
		label := containerLabel + "/" + strings.TrimLeft(zipFile.Name, "/")
		content, err := readZipFile(zipFile, maxBytes, total)
		if err != nil {
			failures = append(failures, containerFailure(label, err))
			continue
		}
		members = append(members, member{label: label, data: content})
	}
	return members, failures
}

func readZipFile(zipFile *zip.File, maxBytes int64, total *budget) ([]byte, error) {
	if zipFile.UncompressedSize64 > uint64(maxBytes) {
		return nil, fmt.Errorf("zip entry exceeds max size: %s", zipFile.Name)
	}
	reader, err := zipFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	return readLimited(reader, maxBytes, total)
}

func gunzip(data []byte, maxBytes int64, total *budget) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	return readLimited(reader, maxBytes, total)
}

// budget is the decompressed byte allowance left for one top-level file.
type budget struct {
	max       int64
	remaining int64
}

func readLimited(reader io.Reader, maxBytes int64, total *budget) ([]byte, error) {
	limit := maxBytes
	if total.remaining < limit {
		limit = total.remaining
	}
	content, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(content)) > limit {
		if limit < maxBytes {
			return nil, fmt.Errorf("decompressed archive exceeds total budget of %d bytes", total.max)
		}
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxBytes)
	}
	total.remaining -= int64(len(content))
	return content, nil
}

func stripGzipSuffix(label string) string {
	if strings.HasSuffix(strings.ToLower(label), ".gz") {
		return label[:len(label)-len(".gz")]
	}
	return label
}

func containerFailure(label string, cause error) Candidate {
	return Candidate{
		Label:         label,
		FromContainer: true,
		Err: coreerrors.Wrap(
			fmt.Errorf("%s: %w", label, cause),
			coreerrors.CategoryContainer,
			"container_unreadable",
			"replace the archive with a fresh export from the instrument",
			false,
		),
	}
}
