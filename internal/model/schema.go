package model

import "strconv"

const (
	ColumnFile          = "file"
	ColumnName          = "name"
	ColumnIP            = "ip"
	ColumnPort          = "port"
	ColumnViableExploit = "viable_exploit"
	ColumnArchetype     = "archetype"
)

// BaseColumns lead every finding table, ahead of the scanner attributes.
var BaseColumns = []string{
	ColumnFile, ColumnName, ColumnIP, ColumnPort, ColumnViableExploit, ColumnArchetype,
}

// Schema is the column layout of a finding table. It is built once from the
// first finding of a document and reused for every row after it.
type Schema struct {
	columns []string
	index   map[string]int
}

// NewSchema appends attrKeys to BaseColumns, skipping keys already present.
func NewSchema(attrKeys []string) *Schema {
	s := &Schema{index: make(map[string]int, len(BaseColumns)+len(attrKeys))}
	for _, c := range BaseColumns {
		s.add(c)
	}
	for _, k := range attrKeys {
		s.add(k)
	}
	return s
}

func (s *Schema) add(col string) {
	if _, ok := s.index[col]; ok {
		return
	}
	s.index[col] = len(s.columns)
	s.columns = append(s.columns, col)
}

func (s *Schema) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s *Schema) Has(col string) bool {
	_, ok := s.index[col]
	return ok
}

// Row renders f in column order. Attributes outside the schema are dropped and
// attributes missing from f render as "".
func (s *Schema) Row(f Finding) []string {
	row := make([]string, len(s.columns))
	for i, col := range s.columns {
		switch col {
		case ColumnFile:
			row[i] = f.SourceFile
		case ColumnName:
			row[i] = f.HostName
		case ColumnIP:
			row[i] = f.HostIP
		case ColumnPort:
			row[i] = f.Port
		case ColumnViableExploit:
			row[i] = FormatBool(f.ViableExploit)
		case ColumnArchetype:
			row[i] = f.Archetype
		default:
			row[i] = f.Attributes[col]
		}
	}
	return row
}

// FormatBool renders booleans the way downstream report renderers expect them.
func FormatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// FormatFloat renders plain decimals with no exponent or locale separators.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
