package rules

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/davidahmann/tapcheck/core/record"
	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
	"github.com/davidahmann/tapcheck/core/switchpos"
)

const (
	IssueRuleLookupMiss      = "rule_lookup_miss"
	IssueMissingChannel      = "missing_channel"
	IssueTargetUnavailable   = "target_unavailable"
	IssueLevelOutOfRule      = "level_out_of_rule"
	IssueMERBelowMin         = "mer_below_min"
	IssueBERAboveMax         = "ber_above_max"
	IssueICFRAboveMax        = "icfr_above_max"
	IssueInputLevelOutOfRule = "input_level_out_of_rule"
)

const (
	CanonicalTestPoint = "direct"
	TestPointOffsetDB  = 20.0

	levelComparisonEpsilon = 1e-9
	wavelength1310         = "1310"
	wavelength1550         = "1550"
	levelUnit              = "dBmV"
	qualityUnit            = "dB"
)

// Input is what the validator needs to know about the asset beyond the entry.
type Input struct {
	AssetClass     string
	Context        string
	Band           string
	Targets        map[string]float64
	SwitchPosition switchpos.Position
	Wavelength     string
}

type Outcome struct {
	Entry  schemaverify.MeasurementEntry
	Issues []schemaverify.Issue
}

type Validator struct {
	table *Table
}

func NewValidator(table *Table) *Validator {
	return &Validator{table: table}
}

// TestPointOffset is the correction added to DOCSIS levels captured at a test
// point other than the canonical one.
func TestPointOffset(testPoint string) float64 {
	trimmed := strings.TrimSpace(testPoint)
	if trimmed == "" || strings.EqualFold(trimmed, CanonicalTestPoint) {
		return 0
	}
	return TestPointOffsetDB
}

// Measurements projects parsed rows into keyed readings. The first row wins
// when two rows share a key.
func Measurements(entry record.Entry) schemaverify.MeasurementEntry {
	measurement := schemaverify.MeasurementEntry{
		Label:   entry.Label,
		Type:    entry.Type,
		Levels:  map[string]schemaverify.Reading{},
		ICFR:    map[string]schemaverify.Reading{},
		MER:     map[string]schemaverify.Reading{},
		BERPre:  map[string]schemaverify.Reading{},
		BERPost: map[string]schemaverify.Reading{},
	}
	for _, row := range entry.Rows {
		key := row.Key()
		if key == "" {
			continue
		}
		putReading(measurement.Levels, key, row.LevelDbmv)
		putReading(measurement.ICFR, key, row.IcfrDb)
		putReading(measurement.MER, key, row.MerDb)
		putReading(measurement.BERPre, key, row.BerPre)
		putReading(measurement.BERPost, key, row.BerPost)
	}
	return measurement
}

func putReading(readings map[string]schemaverify.Reading, key string, value *float64) {
	if value == nil {
		return
	}
	if _, exists := readings[key]; exists {
		return
	}
	readings[key] = schemaverify.Reading{Value: *value}
}

// Validate flags every reading that has an applicable rule and returns the
// issues found. It never fails: missing rules and data are issues too.
func (v *Validator) Validate(entry record.Entry, input Input) Outcome {
	check := &checker{
		label:       entry.Label,
		measurement: Measurements(entry),
	}
	check.measurement.SwitchPosition = string(input.SwitchPosition)

	switch entry.Type {
	case schemaverify.TypeDocsisExpert:
		v.validateDocsis(check, entry, input)
	case schemaverify.TypeChannelExpert:
		v.validateChannelExpert(check, input)
	default:
		check.issue(IssueRuleLookupMiss, "", fmt.Sprintf("no rule table for measurement type %q", entry.Type))
		check.failAll()
	}
	return Outcome{Entry: check.measurement, Issues: check.issues}
}

func (v *Validator) validateDocsis(check *checker, entry record.Entry, input Input) {
	levelRange, ok := v.table.DocsisRange(input.AssetClass, input.Band)
	if !ok {
		check.issue(IssueRuleLookupMiss, "", fmt.Sprintf("no DOCSIS rule table for %s in band %s", input.AssetClass, input.Band))
		check.failAll()
		return
	}
	if len(check.measurement.Levels) == 0 {
		check.issue(IssueMissingChannel, "", "DOCSIS capture has no level readings")
		return
	}
	offset := TestPointOffset(entry.TestPoint)
	for _, key := range sortedKeys(check.measurement.Levels) {
		reading := check.measurement.Levels[key]
		adjusted := reading.Value + offset
		within := levelRange.Contains(adjusted)
		check.flag(check.measurement.Levels, key, within)
		if !within {
			message := fmt.Sprintf("channel %s level %.2f %s outside %s", key, reading.Value, levelUnit, levelRange)
			if offset != 0 {
				message = fmt.Sprintf("channel %s level %.2f %s (%.2f with test point offset) outside %s", key, reading.Value, levelUnit, adjusted, levelRange)
			}
			check.issue(IssueLevelOutOfRule, key, message)
		}
	}
}

func (v *Validator) validateChannelExpert(check *checker, input Input) {
	band, ok := v.table.ChannelBand(input.AssetClass, input.Band)
	if !ok {
		check.issue(IssueRuleLookupMiss, "", fmt.Sprintf("no channel rule table for %s in band %s", input.AssetClass, input.Band))
		check.failAll()
		return
	}

	if input.SwitchPosition == switchpos.PositionIn {
		v.validateInputLevels(check, band)
	} else {
		handled := v.validateLegacyPilot(check, band, input)
		for _, key := range sortedKeys(band.Channels) {
			if handled[key] {
				continue
			}
			v.validateChannel(check, key, band.Channels[key], input)
		}
	}
	check.applyThresholds(v.table.thresholdsFor(band))
}

func (v *Validator) validateInputLevels(check *checker, band Band) {
	inputRange := v.table.inputLevelFor(band)
	if inputRange == nil {
		check.issue(IssueRuleLookupMiss, "", "no amplifier input level range for switch position IN")
		check.failAll()
		return
	}
	if len(check.measurement.Levels) == 0 {
		check.issue(IssueMissingChannel, "", "input capture has no level readings")
		return
	}
	for _, key := range sortedKeys(check.measurement.Levels) {
		reading := check.measurement.Levels[key]
		within := inputRange.Contains(reading.Value)
		check.flag(check.measurement.Levels, key, within)
		if !within {
			check.issue(IssueInputLevelOutOfRule, key, fmt.Sprintf("channel %s input level %.2f %s outside %s", key, reading.Value, levelUnit, inputRange))
		}
	}
}

// validateLegacyPilot replaces the generic rule for the pilot and digital
// channels of a node RX capture with a confirmed transmitter wavelength. It
// returns the channels it took over.
func (v *Validator) validateLegacyPilot(check *checker, band Band, input Input) map[string]bool {
	if input.AssetClass != AssetNode || input.Context != ContextRX {
		return nil
	}
	wavelength := strings.TrimSpace(input.Wavelength)
	if wavelength != wavelength1310 && wavelength != wavelength1550 {
		return nil
	}
	tx, ok := band.TxTargets[wavelength]
	if !ok {
		return nil
	}
	handled := map[string]bool{}
	pilot := string(tx.PilotChannel)
	handled[pilot] = true
	check.checkTarget(pilot, tx.PilotTarget, tx.PilotTolerance, fmt.Sprintf("pilot (%s nm)", wavelength))
	digitalTarget := tx.PilotTarget + tx.DigitalOffset
	for _, channel := range tx.DigitalChannels {
		key := string(channel)
		if key == "" || handled[key] {
			continue
		}
		handled[key] = true
		check.checkTarget(key, digitalTarget, tx.DigitalTolerance, fmt.Sprintf("digital (%s nm)", wavelength))
	}
	return handled
}

func (v *Validator) validateChannel(check *checker, key string, rule ChannelRule, input Input) {
	var target float64
	if source := strings.TrimSpace(rule.Source); source != "" {
		base, ok := input.Targets[key]
		if !ok {
			check.issue(IssueTargetUnavailable, key, fmt.Sprintf("channel %s target from %q is not available", key, source))
			check.flagIfPresent(key, false)
			return
		}
		target = base + switchpos.TargetAdjustment(input.SwitchPosition)
	} else {
		literal, ok := literalTarget(rule.Target)
		if !ok {
			check.issue(IssueTargetUnavailable, key, fmt.Sprintf("channel %s rule has no usable target (%v)", key, rule.Target))
			check.flagIfPresent(key, false)
			return
		}
		target = literal
	}
	tolerance := switchpos.EffectiveTolerance(input.SwitchPosition, rule.Tolerance)
	check.checkTarget(key, target, tolerance, "")
}

type checker struct {
	label       string
	measurement schemaverify.MeasurementEntry
	issues      []schemaverify.Issue
}

func (c *checker) issue(code string, channel string, message string) {
	c.issues = append(c.issues, schemaverify.Issue{
		Code:    code,
		Label:   c.label,
		Channel: channel,
		Message: message,
	})
}

func (c *checker) flag(readings map[string]schemaverify.Reading, key string, within bool) {
	reading := readings[key]
	flag := within
	reading.WithinRule = &flag
	readings[key] = reading
}

func (c *checker) flagIfPresent(key string, within bool) {
	if _, ok := c.measurement.Levels[key]; ok {
		c.flag(c.measurement.Levels, key, within)
	}
}

// failAll marks every level as out of rule so a missing table never reads as
// a pass.
func (c *checker) failAll() {
	for key := range c.measurement.Levels {
		c.flag(c.measurement.Levels, key, false)
	}
}

func (c *checker) checkTarget(key string, target float64, tolerance float64, role string) {
	reading, ok := c.measurement.Levels[key]
	if !ok {
		name := "channel " + key
		if role != "" {
			name = role + " " + name
		}
		c.issue(IssueMissingChannel, key, fmt.Sprintf("%s has no level reading", name))
		return
	}
	within := math.Abs(reading.Value-target) <= tolerance+levelComparisonEpsilon
	c.flag(c.measurement.Levels, key, within)
	if !within {
		c.issue(IssueLevelOutOfRule, key, fmt.Sprintf("channel %s level %.2f %s outside %.2f ± %.2f", key, reading.Value, levelUnit, target, tolerance))
	}
}

func (c *checker) applyThresholds(thresholds Thresholds) {
	if thresholds.Mer != nil {
		for _, key := range sortedKeys(c.measurement.MER) {
			value := c.measurement.MER[key].Value
			within := value >= *thresholds.Mer
			c.flag(c.measurement.MER, key, within)
			if !within {
				c.issue(IssueMERBelowMin, key, fmt.Sprintf("channel %s MER %.2f %s below %.2f", key, value, qualityUnit, *thresholds.Mer))
			}
		}
	}
	c.applyMaximum(c.measurement.BERPre, thresholds.BerPre, IssueBERAboveMax, "BER pre")
	c.applyMaximum(c.measurement.BERPost, thresholds.BerPost, IssueBERAboveMax, "BER post")
	c.applyMaximum(c.measurement.ICFR, thresholds.Icfr, IssueICFRAboveMax, "ICFR")
}

func (c *checker) applyMaximum(readings map[string]schemaverify.Reading, maximum *float64, code string, name string) {
	if maximum == nil {
		return
	}
	for _, key := range sortedKeys(readings) {
		value := readings[key].Value
		within := value <= *maximum
		c.flag(readings, key, within)
		if !within {
			c.issue(code, key, fmt.Sprintf("channel %s %s %g above %g", key, name, value, *maximum))
		}
	}
}

// sortedKeys orders numeric channel keys numerically and the rest lexically
// after them.
func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		left, leftErr := strconv.ParseFloat(keys[i], 64)
		right, rightErr := strconv.ParseFloat(keys[j], 64)
		switch {
		case leftErr == nil && rightErr == nil && left != right:
			return left < right
		case leftErr == nil && rightErr != nil:
			return true
		case leftErr != nil && rightErr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}
