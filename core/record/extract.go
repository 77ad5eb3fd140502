package record

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// MaxDocumentDepth bounds the walk over nested result objects.
const MaxDocumentDepth = 64

type strategy int

const (
	strategyNone strategy = iota
	strategyDigitalFullScan
	strategyUpstreamTable
	strategySingleFullScan
)

func (s strategy) String() string {
	switch s {
	case strategyDigitalFullScan:
		return "digital_full_scan"
	case strategyUpstreamTable:
		return "upstream_table"
	case strategySingleFullScan:
		return "single_full_scan"
	default:
		return "generic_walk"
	}
}

type field int

const (
	fieldNone field = iota
	fieldChannel
	fieldFrequency
	fieldLevel
	fieldMER
	fieldBERPre
	fieldBERPost
	fieldICFR
)

var fieldNames = map[string]field{
	"channel":      fieldChannel,
	"canal":        fieldChannel,
	"frequency":    fieldFrequency,
	"frecuencia":   fieldFrequency,
	"frequencymhz": fieldFrequency,
	"freqmhz":      fieldFrequency,
	"level":        fieldLevel,
	"nivel":        fieldLevel,
	"leveldbmv":    fieldLevel,
	"niveldbmv":    fieldLevel,
	"mer":          fieldMER,
	"berpre":       fieldBERPre,
	"ber_pre":      fieldBERPre,
	"berpost":      fieldBERPost,
	"ber_post":     fieldBERPost,
	"icfr":         fieldICFR,
}

var (
	digitalFullScanColumns = []field{0: fieldChannel, 1: fieldFrequency, 2: fieldLevel, 3: fieldMER, 4: fieldBERPre, 5: fieldBERPost, 8: fieldICFR}
	upstreamColumns        = []field{fieldChannel, fieldFrequency, fieldLevel, fieldICFR}
	singleFullScanColumns  = []field{fieldChannel, fieldFrequency, fieldLevel}

	upstreamFields       = map[field]bool{fieldChannel: true, fieldFrequency: true, fieldLevel: true, fieldICFR: true}
	singleFullScanFields = map[field]bool{fieldChannel: true, fieldFrequency: true, fieldLevel: true}

	numericPattern = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
)

func classifyKey(key string) strategy {
	normalized := NormalizeType(key)
	switch {
	case strings.HasPrefix(normalized, "digitalfullscan"):
		return strategyDigitalFullScan
	case strings.HasSuffix(normalized, "upstreamtable"):
		return strategyUpstreamTable
	case strings.HasPrefix(normalized, "singlefullscan"), strings.HasPrefix(normalized, "fullscan"):
		return strategySingleFullScan
	default:
		return strategyNone
	}
}

func fieldFor(key string) field {
	return fieldNames[strings.ToLower(strings.TrimSpace(key))]
}

type frame struct {
	value gjson.Result
	depth int
}

// extractRows walks results once. Keys naming a known table shape are handed
// to that table's extractor and not descended into; every other object is a
// generic row candidate. Rows are returned in strategy order, table by table.
func extractRows(results gjson.Result) ([]ChannelRow, error) {
	tables := map[strategy][]gjson.Result{}
	var generic []ChannelRow

	stack := []frame{{value: results}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current.depth > MaxDocumentDepth {
			return nil, fmt.Errorf("document nesting exceeds %d levels", MaxDocumentDepth)
		}

		var children []gjson.Result
		if current.value.IsObject() {
			if row, ok := rowFromObject(current.value, nil); ok {
				generic = append(generic, row)
			}
			current.value.ForEach(func(key, value gjson.Result) bool {
				if kind := classifyKey(key.String()); kind != strategyNone && (value.IsArray() || value.IsObject()) {
					tables[kind] = append(tables[kind], value)
					return true
				}
				if value.IsObject() || value.IsArray() {
					children = append(children, value)
				}
				return true
			})
		} else if current.value.IsArray() {
			current.value.ForEach(func(_, value gjson.Result) bool {
				if value.IsObject() || value.IsArray() {
					children = append(children, value)
				}
				return true
			})
		}
		for index := len(children) - 1; index >= 0; index-- {
			stack = append(stack, frame{value: children[index], depth: current.depth + 1})
		}
	}

	var rows []ChannelRow
	for _, kind := range []strategy{strategyDigitalFullScan, strategyUpstreamTable, strategySingleFullScan} {
		for _, table := range tables[kind] {
			rows = append(rows, extractTable(kind, table)...)
		}
	}
	return append(rows, generic...), nil
}

func extractTable(kind strategy, table gjson.Result) []ChannelRow {
	var rows []ChannelRow
	for _, item := range tableRows(table) {
		var row ChannelRow
		var ok bool
		switch kind {
		case strategyDigitalFullScan:
			row, ok = rowFromCells(cellsOf(item), digitalFullScanColumns)
		case strategyUpstreamTable:
			if item.IsObject() && !hasCells(item) {
				row, ok = rowFromObject(item, upstreamFields)
			} else {
				row, ok = rowFromCells(cellsOf(item), upstreamColumns)
			}
		case strategySingleFullScan:
			if item.IsObject() && !hasCells(item) {
				row, ok = rowFromObject(item, singleFullScanFields)
			} else {
				row, ok = rowFromCells(cellsOf(item), singleFullScanColumns)
			}
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func tableRows(table gjson.Result) []gjson.Result {
	if table.IsArray() {
		return table.Array()
	}
	if rows := firstExisting(table, "rows", "data", "values"); rows.IsArray() {
		return rows.Array()
	}
	return nil
}

func hasCells(item gjson.Result) bool {
	return firstExisting(item, "cells", "values").IsArray()
}

func cellsOf(item gjson.Result) []gjson.Result {
	if item.IsArray() {
		return item.Array()
	}
	if cells := firstExisting(item, "cells", "values"); cells.IsArray() {
		return cells.Array()
	}
	return nil
}

func rowFromCells(cells []gjson.Result, columns []field) (ChannelRow, bool) {
	var row ChannelRow
	for index, column := range columns {
		if column == fieldNone || index >= len(cells) {
			continue
		}
		assign(&row, column, cells[index])
	}
	return row, !row.Empty()
}

// rowFromObject builds a row from recognised keys. allowed restricts the
// fields a table shape may contribute; nil allows every field.
func rowFromObject(object gjson.Result, allowed map[field]bool) (ChannelRow, bool) {
	var row ChannelRow
	recognised := false
	object.ForEach(func(key, value gjson.Result) bool {
		target := fieldFor(key.String())
		if target == fieldNone || (allowed != nil && !allowed[target]) {
			return true
		}
		recognised = true
		assign(&row, target, value)
		return true
	})
	return row, recognised && !row.Empty()
}

func assign(row *ChannelRow, target field, value gjson.Result) {
	number := coerceNumber(value)
	if number == nil {
		return
	}
	switch target {
	case fieldChannel:
		if *number >= 0 && *number <= math.MaxInt32 && *number == math.Trunc(*number) {
			channel := int(*number)
			row.Channel = &channel
		}
	case fieldFrequency:
		row.FrequencyMHz = number
	case fieldLevel:
		row.LevelDbmv = number
	case fieldMER:
		row.MerDb = number
	case fieldBERPre:
		row.BerPre = number
	case fieldBERPost:
		row.BerPost = number
	case fieldICFR:
		row.IcfrDb = number
	}
}

// coerceNumber accepts JSON numbers, numeric text and cells wrapping either.
func coerceNumber(value gjson.Result) *float64 {
	switch value.Type {
	case gjson.Number:
		if !isFinite(value.Num) {
			return nil
		}
		number := value.Num
		return &number
	case gjson.String:
		return parseNumericText(value.Str)
	case gjson.JSON:
		if value.IsObject() {
			inner := firstExisting(value, "value", "v", "text", "val")
			if inner.Exists() && !inner.IsObject() {
				return coerceNumber(inner)
			}
		}
	}
	return nil
}

func parseNumericText(text string) *float64 {
	token := numericPattern.FindString(strings.ReplaceAll(text, ",", "."))
	if token == "" {
		return nil
	}
	number, err := strconv.ParseFloat(token, 64)
	if err != nil || !isFinite(number) {
		return nil
	}
	return &number
}
