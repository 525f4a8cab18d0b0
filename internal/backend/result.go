package backend

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Label is one name/value pair of a series identity key.
type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SeriesKey is the ordered identity of a series or grouped row.
type SeriesKey []Label

// String renders the key canonically, e.g. {instance="a", status_code="200"}.
// Two keys are the same series exactly when their strings are equal.
func (k SeriesKey) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range k {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l.Value))
	}
	b.WriteByte('}')
	return b.String()
}

// Point is one timestamped value.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Row is one normalized series: an identity key and its points in time order.
type Row struct {
	Key    SeriesKey `json:"key"`
	Points []Point   `json:"points"`
}

// Last returns the freshest point of the row.
func (r Row) Last() (Point, bool) {
	if len(r.Points) == 0 {
		return Point{}, false
	}
	return r.Points[len(r.Points)-1], true
}

// ResultSet is the normalized result of one execution.
type ResultSet struct {
	Rows []Row `json:"rows"`
}

// Len returns the number of rows.
func (rs ResultSet) Len() int {
	return len(rs.Rows)
}

// Projection maps backend-native labels or columns to a series key.
type Projection struct {
	// Aliases renames native names to canonical key names.
	Aliases map[string]string
	// KeyLabels selects and orders the canonical names forming the key.
	// Empty keeps every canonical name, sorted.
	KeyLabels []string
}

// Key projects a set of native labels into a SeriesKey.
//
// An aliased native name always wins over a native name that already equals
// the canonical one, so exported_instance -> instance replaces a scrape
// target's own instance label. Names absent from native yield empty values.
func (p Projection) Key(native map[string]string) SeriesKey {
	names := make([]string, 0, len(native))
	for n := range native {
		names = append(names, n)
	}
	sort.Strings(names)

	canonical := make(map[string]string, len(native))
	for _, n := range names {
		if _, aliased := p.Aliases[n]; !aliased {
			canonical[n] = native[n]
		}
	}
	for _, n := range names {
		if c, ok := p.Aliases[n]; ok {
			canonical[c] = native[n]
		}
	}

	if len(p.KeyLabels) > 0 {
		key := make(SeriesKey, len(p.KeyLabels))
		for i, name := range p.KeyLabels {
			key[i] = Label{Name: name, Value: canonical[name]}
		}
		return key
	}

	keyNames := make([]string, 0, len(canonical))
	for n := range canonical {
		keyNames = append(keyNames, n)
	}
	sort.Strings(keyNames)
	key := make(SeriesKey, len(keyNames))
	for i, n := range keyNames {
		key[i] = Label{Name: n, Value: canonical[n]}
	}
	return key
}

// RowBuilder groups points by series key. Rows keep first-seen order and
// their points are sorted by timestamp on Build.
type RowBuilder struct {
	index map[string]int
	rows  []Row
}

// NewRowBuilder creates an empty builder.
func NewRowBuilder() *RowBuilder {
	return &RowBuilder{index: make(map[string]int)}
}

// Add appends a point to the row for key, creating the row if needed.
func (b *RowBuilder) Add(key SeriesKey, p Point) {
	id := key.String()
	i, ok := b.index[id]
	if !ok {
		i = len(b.rows)
		b.index[id] = i
		b.rows = append(b.rows, Row{Key: key})
	}
	b.rows[i].Points = append(b.rows[i].Points, p)
}

// Build returns the grouped result set.
func (b *RowBuilder) Build() ResultSet {
	for i := range b.rows {
		pts := b.rows[i].Points
		sort.SliceStable(pts, func(x, y int) bool {
			return pts[x].Timestamp.Before(pts[y].Timestamp)
		})
	}
	return ResultSet{Rows: b.rows}
}
