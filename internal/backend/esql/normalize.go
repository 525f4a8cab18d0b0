package esql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/querydef"
)

type column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// response is the tabular body of /_query?format=json.
type response struct {
	Columns []column `json:"columns"`
	Values  [][]any  `json:"values"`
}

var numericTypes = map[string]bool{
	"double":          true,
	"float":           true,
	"half_float":      true,
	"scaled_float":    true,
	"long":            true,
	"integer":         true,
	"unsigned_long":   true,
	"counter_double":  true,
	"counter_long":    true,
	"counter_integer": true,
}

func decode(raw []byte) (response, error) {
	var resp response
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return response{}, err
	}
	if resp.Columns == nil {
		return response{}, fmt.Errorf("response has no columns")
	}
	return resp, nil
}

// normalize turns rows into series. The value column supplies point values,
// the optional time column supplies timestamps (the window end otherwise),
// every other column is a key candidate.
func normalize(resp response, def querydef.Definition, end time.Time) (backend.ResultSet, error) {
	payload := def.ESQL
	index := make(map[string]int, len(resp.Columns))
	for i, col := range resp.Columns {
		index[col.Name] = i
	}

	timeIdx := -1
	if payload.TimeColumn != "" {
		i, ok := index[payload.TimeColumn]
		if !ok {
			return backend.ResultSet{}, fmt.Errorf("time column %q not in response", payload.TimeColumn)
		}
		timeIdx = i
	}

	valueIdx, err := valueColumn(resp.Columns, index, payload, def.KeyLabels, timeIdx)
	if err != nil {
		return backend.ResultSet{}, err
	}

	proj := backend.Projection{Aliases: payload.ColumnAliases, KeyLabels: def.KeyLabels}
	rb := backend.NewRowBuilder()
	for n, row := range resp.Values {
		if len(row) != len(resp.Columns) {
			return backend.ResultSet{}, fmt.Errorf("row %d has %d values for %d columns", n, len(row), len(resp.Columns))
		}
		if row[valueIdx] == nil {
			continue
		}
		value, err := toFloat(row[valueIdx])
		if err != nil {
			return backend.ResultSet{}, fmt.Errorf("row %d column %q: %w", n, resp.Columns[valueIdx].Name, err)
		}

		ts := end
		if timeIdx >= 0 {
			if ts, err = toTime(row[timeIdx]); err != nil {
				return backend.ResultSet{}, fmt.Errorf("row %d column %q: %w", n, payload.TimeColumn, err)
			}
		}

		native := make(map[string]string, len(row))
		for i, v := range row {
			if i == valueIdx || i == timeIdx {
				continue
			}
			native[resp.Columns[i].Name] = toLabel(v)
		}
		rb.Add(proj.Key(native), backend.Point{Timestamp: ts, Value: value})
	}
	return rb.Build(), nil
}

func valueColumn(cols []column, index map[string]int, payload *querydef.ESQL, keyLabels []string, timeIdx int) (int, error) {
	if payload.ValueColumn != "" {
		i, ok := index[payload.ValueColumn]
		if !ok {
			return 0, fmt.Errorf("value column %q not in response", payload.ValueColumn)
		}
		return i, nil
	}

	isKey := make(map[string]bool, len(keyLabels))
	for _, k := range keyLabels {
		isKey[k] = true
	}
	for i, col := range cols {
		if i == timeIdx || !numericTypes[col.Type] {
			continue
		}
		name := col.Name
		if alias, ok := payload.ColumnAliases[name]; ok {
			name = alias
		}
		if isKey[name] {
			continue
		}
		return i, nil
	}
	return 0, fmt.Errorf("no numeric value column in response")
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("value %v is not a timestamp", v)
	}
}

func toLabel(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
