package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
	"github.com/davidahmann/tapcheck/core/schema/validate"
)

const (
	AssetNode      = "node"
	AssetAmplifier = "amplifier"

	ContextRX     = "rx"
	ContextModule = "module"

	Band870     = "870"
	Band1000    = "1000"
	BandUnknown = "unknown"
)

//go:embed table.schema.json
var tableSchemaJSON []byte

var (
	tableSchemaOnce sync.Once
	tableSchema     *validate.Schema
	tableSchemaErr  error
)

// BandFor buckets an asset's operating frequency into the band its rules are
// keyed by. Anything outside the two known windows is BandUnknown.
func BandFor(frequencyMHz float64) string {
	switch {
	case frequencyMHz >= 850 && frequencyMHz <= 900:
		return Band870
	case frequencyMHz >= 950 && frequencyMHz <= 1050:
		return Band1000
	default:
		return BandUnknown
	}
}

type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

func (r Range) Contains(value float64) bool {
	if r.Min != nil && value < *r.Min {
		return false
	}
	if r.Max != nil && value > *r.Max {
		return false
	}
	return true
}

func (r Range) String() string {
	low, high := "-inf", "+inf"
	if r.Min != nil {
		low = strconv.FormatFloat(*r.Min, 'f', -1, 64)
	}
	if r.Max != nil {
		high = strconv.FormatFloat(*r.Max, 'f', -1, 64)
	}
	return "[" + low + ", " + high + "]"
}

// Thresholds are the quality limits shared by every row of a capture: MER is
// a minimum, BER and ICFR are maxima.
type Thresholds struct {
	Mer     *float64 `json:"mer,omitempty"`
	BerPre  *float64 `json:"berPre,omitempty"`
	BerPost *float64 `json:"berPost,omitempty"`
	Icfr    *float64 `json:"icfr,omitempty"`
}

func (t Thresholds) withFallback(fallback Thresholds) Thresholds {
	if t.Mer == nil {
		t.Mer = fallback.Mer
	}
	if t.BerPre == nil {
		t.BerPre = fallback.BerPre
	}
	if t.BerPost == nil {
		t.BerPost = fallback.BerPost
	}
	if t.Icfr == nil {
		t.Icfr = fallback.Icfr
	}
	return t
}

// ChannelKey accepts a channel written as a JSON string or integer.
type ChannelKey string

func (k *ChannelKey) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*k = ChannelKey(strings.TrimSpace(text))
		return nil
	}
	var number float64
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("channel must be a string or integer: %w", err)
	}
	*k = ChannelKey(strconv.FormatFloat(number, 'f', -1, 64))
	return nil
}

// ChannelRule carries either a literal Target or a Source marker that pulls
// the target from the amplifier target map.
type ChannelRule struct {
	Target    any     `json:"target,omitempty"`
	Source    string  `json:"source,omitempty"`
	Tolerance float64 `json:"tolerance"`
}

type TxTarget struct {
	PilotChannel     ChannelKey   `json:"pilotChannel"`
	PilotTarget      float64      `json:"pilotTarget"`
	PilotTolerance   float64      `json:"pilotTolerance"`
	DigitalChannels  []ChannelKey `json:"digitalChannels,omitempty"`
	DigitalOffset    float64      `json:"digitalOffset"`
	DigitalTolerance float64      `json:"digitalTolerance"`
}

type Band struct {
	Channels   map[string]ChannelRule `json:"channels,omitempty"`
	TxTargets  map[string]TxTarget    `json:"txTargets,omitempty"`
	InputLevel *Range                 `json:"inputLevel,omitempty"`
	Thresholds
}

type Common struct {
	InputLevel *Range `json:"inputLevel,omitempty"`
	Thresholds
}

type ChannelExpertTable struct {
	Node      map[string]Band `json:"node,omitempty"`
	Amplifier map[string]Band `json:"amplifier,omitempty"`
	Common    Common          `json:"common"`
}

// Table is the rule table for one verification run. It is read-only once
// parsed.
type Table struct {
	DocsisExpert  map[string]map[string]json.RawMessage `json:"docsisexpert,omitempty"`
	ChannelExpert ChannelExpertTable                    `json:"channelexpert"`
}

func compiledTableSchema() (*validate.Schema, error) {
	tableSchemaOnce.Do(func() {
		tableSchema, tableSchemaErr = validate.Compile(tableSchemaJSON)
	})
	return tableSchema, tableSchemaErr
}

// Parse validates data against the rule table schema and decodes it.
func Parse(data []byte) (*Table, error) {
	schema, err := compiledTableSchema()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "rule_schema_invalid", "", false)
	}
	if err := schema.ValidateJSON(data); err != nil {
		return nil, invalidTable(err)
	}
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, invalidTable(fmt.Errorf("decode rule table: %w", err))
	}
	for class, bands := range table.DocsisExpert {
		for band, raw := range bands {
			if _, ok := resolveDocsisRange(raw); !ok {
				return nil, invalidTable(fmt.Errorf("docsisexpert.%s.%s has no min/max range", class, band))
			}
		}
	}
	return &table, nil
}

func Load(path string) (*Table, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, coreerrors.Wrap(fmt.Errorf("rule table path is required"), coreerrors.CategoryInvalidInput, "rule_table_missing", "pass --rules or set rules.path in the project config", false)
	}
	// #nosec G304 -- rule table path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("read rule table: %w", err), coreerrors.CategoryIOFailure, "rule_table_unreadable", "check the rule table path", false)
	}
	return Parse(content)
}

func invalidTable(cause error) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryInvalidInput, "rule_table_invalid", "fix the rule table and retry", false)
}

// DocsisRange returns the DOCSIS level window for an asset class and band.
func (t *Table) DocsisRange(assetClass string, band string) (Range, bool) {
	if t == nil {
		return Range{}, false
	}
	raw, ok := t.DocsisExpert[assetClass][band]
	if !ok {
		return Range{}, false
	}
	return resolveDocsisRange(raw)
}

// resolveDocsisRange accepts {min,max} directly or one object level deeper.
// Nested candidates are tried in key order.
func resolveDocsisRange(raw json.RawMessage) (Range, bool) {
	var direct Range
	if err := json.Unmarshal(raw, &direct); err == nil && (direct.Min != nil || direct.Max != nil) {
		return direct, true
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return Range{}, false
	}
	keys := make([]string, 0, len(nested))
	for key := range nested {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var candidate Range
		if err := json.Unmarshal(nested[key], &candidate); err == nil && (candidate.Min != nil || candidate.Max != nil) {
			return candidate, true
		}
	}
	return Range{}, false
}

// ChannelBand returns the channel-expert rules for an asset class and band.
func (t *Table) ChannelBand(assetClass string, band string) (Band, bool) {
	if t == nil {
		return Band{}, false
	}
	var bands map[string]Band
	switch assetClass {
	case AssetNode:
		bands = t.ChannelExpert.Node
	case AssetAmplifier:
		bands = t.ChannelExpert.Amplifier
	}
	rules, ok := bands[band]
	return rules, ok
}

func (t *Table) thresholdsFor(band Band) Thresholds {
	return band.Thresholds.withFallback(t.ChannelExpert.Common.Thresholds)
}

func (t *Table) inputLevelFor(band Band) *Range {
	if band.InputLevel != nil {
		return band.InputLevel
	}
	return t.ChannelExpert.Common.InputLevel
}

func literalTarget(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, !math.IsNaN(typed) && !math.IsInf(typed, 0)
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(typed), ",", "."), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
