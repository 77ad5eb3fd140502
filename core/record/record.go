package record

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
	"github.com/davidahmann/tapcheck/core/geo"
	"github.com/davidahmann/tapcheck/core/jcs"
	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
)

// GeoField keeps the parsed location together with how it was found, so a
// present-but-broken field can be told apart from an absent one.
type GeoField struct {
	Status    geo.Status
	Point     *schemaverify.GeoPoint
	Canonical string
}

type ChannelRow struct {
	Channel      *int
	FrequencyMHz *float64
	LevelDbmv    *float64
	MerDb        *float64
	BerPre       *float64
	BerPost      *float64
	IcfrDb       *float64
}

func (r ChannelRow) Empty() bool {
	return r.Channel == nil && r.FrequencyMHz == nil && r.LevelDbmv == nil &&
		r.MerDb == nil && r.BerPre == nil && r.BerPost == nil && r.IcfrDb == nil
}

// Key identifies the row in measurement maps: the channel number when known,
// otherwise the frequency as "f<MHz>".
func (r ChannelRow) Key() string {
	if r.Channel != nil {
		return strconv.Itoa(*r.Channel)
	}
	if r.FrequencyMHz != nil {
		return "f" + strconv.FormatFloat(*r.FrequencyMHz, 'f', 2, 64)
	}
	return ""
}

type Entry struct {
	Label          string
	Type           string
	RawType        string
	TestTime       string
	TestDurationMs string
	TestPoint      string
	Geo            GeoField
	Rows           []ChannelRow
}

// KnownType reports whether the entry carries one of the measurement types the
// engine validates.
func (e Entry) KnownType() bool {
	return e.Type == schemaverify.TypeDocsisExpert || e.Type == schemaverify.TypeChannelExpert
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Parse decodes an instrument test-report document. A document that is not
// JSON or has no top-level "tests" array is a parse error for label.
func Parse(data []byte, label string) ([]Entry, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, parseError(label, "document is not valid UTF-8")
	}
	if !gjson.ValidBytes(data) {
		return nil, parseError(label, "document is not valid JSON")
	}
	document := gjson.ParseBytes(data)
	tests := document.Get("tests")
	if !tests.IsArray() {
		return nil, parseError(label, "document has no tests array")
	}

	var entries []Entry
	var walkErr error
	tests.ForEach(func(_, test gjson.Result) bool {
		entry, err := parseTest(test, label)
		if err != nil {
			walkErr = err
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return entries, nil
}

func parseTest(test gjson.Result, label string) (Entry, error) {
	rawType := firstExisting(test, "type", "testType").String()
	results := test.Get("results")
	entry := Entry{
		Label:          label,
		RawType:        strings.TrimSpace(rawType),
		Type:           NormalizeType(rawType),
		TestTime:       opaque(results.Get("testTime")),
		TestDurationMs: opaque(results.Get("testDurationMs")),
		TestPoint:      opaque(firstExisting(results, "configuration.testPoint", "testPoint")),
		Geo:            parseGeo(results.Get("geoLocation")),
	}
	if results.IsObject() {
		rows, err := extractRows(results)
		if err != nil {
			return Entry{}, coreerrors.Wrap(
				fmt.Errorf("%s: %w", label, err),
				coreerrors.CategoryContainer,
				"document_too_deep",
				"the capture nests tables deeper than supported",
				false,
			)
		}
		entry.Rows = rows
	}
	return entry, nil
}

// NormalizeType lowercases the instrument type and drops separators, so
// "Channel Expert" and "channel_expert" both become "channelexpert".
func NormalizeType(raw string) string {
	var builder strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func parseError(label string, message string) error {
	return coreerrors.Wrap(
		fmt.Errorf("%s: %s", label, message),
		coreerrors.CategoryParse,
		"parse_error",
		"re-export the capture from the instrument",
		false,
	)
}

func firstExisting(value gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if found := value.Get(path); found.Exists() {
			return found
		}
	}
	return gjson.Result{}
}

func opaque(value gjson.Result) string {
	switch value.Type {
	case gjson.String:
		return strings.TrimSpace(value.Str)
	case gjson.Null:
		return ""
	default:
		return strings.TrimSpace(value.Raw)
	}
}

func parseGeo(value gjson.Result) GeoField {
	if !value.Exists() || value.Type == gjson.Null {
		return GeoField{Status: geo.StatusMissing}
	}
	field := GeoField{Status: geo.StatusUnparsable}
	var latitude, longitude *float64
	switch {
	case value.IsObject():
		field.Canonical = jcs.CanonicalText(value.Raw)
		latitude = coerceNumber(firstExisting(value, "latitude", "lat"))
		longitude = coerceNumber(firstExisting(value, "longitude", "lon", "lng"))
	case value.IsArray():
		field.Canonical = jcs.CanonicalText(value.Raw)
		items := value.Array()
		if len(items) >= 2 {
			latitude = coerceNumber(items[0])
			longitude = coerceNumber(items[1])
		}
	case value.Type == gjson.String:
		field.Canonical = strings.TrimSpace(value.Str)
		if field.Canonical == "" {
			return GeoField{Status: geo.StatusMissing}
		}
		latitude, longitude = splitCoordinates(field.Canonical)
	default:
		field.Canonical = strings.TrimSpace(value.Raw)
	}
	if latitude == nil || longitude == nil {
		return field
	}
	point := schemaverify.GeoPoint{Latitude: *latitude, Longitude: *longitude}
	field.Point = &point
	field.Status = geo.Classify(point)
	return field
}

func splitCoordinates(text string) (*float64, *float64) {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '/' || r == '|'
	})
	if len(parts) < 2 {
		parts = strings.Split(text, ",")
	}
	if len(parts) != 2 {
		return nil, nil
	}
	return parseNumericText(strings.TrimSuffix(parts[0], ",")), parseNumericText(parts[1])
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
