// Package encode turns the finding table into a numeric matrix for external
// model training. It has no influence on ranking.
package encode

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FileName is the conventional output name next to data_with_exploits.csv.
const FileName = "encoded_data.csv"

const binaryColumn = "pluginID"

var (
	// one-hot encoded, in output order
	categorical = []string{"protocol", "svc_name", "port", "pluginFamily", "archetype"}

	dropped = map[string]bool{
		"pluginFamily": true, "file": true, "name": true, "ip": true, "port": true,
		"svc_name": true, "pluginName": true, "protocol": true,
		"archetype": true, "viable_exploit": true,
	}
)

// Matrix is a header plus rows of cells.
type Matrix struct {
	Header []string
	Rows   [][]string
}

// Encode keeps the remaining scanner attributes as-is, binary-encodes
// pluginID in place, then appends one-hot columns for each categorical
// column present and viable_exploit as 0/1.
func Encode(in Matrix) Matrix {
	idx := make(map[string]int, len(in.Header))
	for i, h := range in.Header {
		idx[h] = i
	}
	cell := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var binCodes map[string]int
	var binWidth int
	if _, ok := idx[binaryColumn]; ok {
		binCodes, binWidth = ordinalCodes(in.Rows, func(r []string) string { return cell(r, binaryColumn) })
	}

	type oneHot struct {
		col    string
		values []string
	}
	var hots []oneHot
	for _, col := range categorical {
		if _, ok := idx[col]; !ok {
			continue
		}
		hots = append(hots, oneHot{col: col, values: distinct(in.Rows, func(r []string) string { return cell(r, col) })})
	}

	var out Matrix
	for _, h := range in.Header {
		switch {
		case h == binaryColumn:
			for b := 0; b < binWidth; b++ {
				out.Header = append(out.Header, fmt.Sprintf("%s_%d", binaryColumn, b))
			}
		case !dropped[h]:
			out.Header = append(out.Header, h)
		}
	}
	for _, oh := range hots {
		for _, v := range oh.values {
			out.Header = append(out.Header, oh.col+"_"+v)
		}
	}
	_, hasViable := idx["viable_exploit"]
	if hasViable {
		out.Header = append(out.Header, "viable_exploit")
	}

	for _, r := range in.Rows {
		row := make([]string, 0, len(out.Header))
		for _, h := range in.Header {
			switch {
			case h == binaryColumn:
				row = append(row, binaryDigits(binCodes[cell(r, h)], binWidth)...)
			case !dropped[h]:
				row = append(row, cell(r, h))
			}
		}
		for _, oh := range hots {
			v := cell(r, oh.col)
			for _, cat := range oh.values {
				row = append(row, flag(v == cat))
			}
		}
		if hasViable {
			row = append(row, flag(truthy(cell(r, "viable_exploit"))))
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// ordinalCodes numbers values 1..k in order of first appearance and returns
// the bit width needed to hold k.
func ordinalCodes(rows [][]string, get func([]string) string) (map[string]int, int) {
	codes := map[string]int{}
	for _, r := range rows {
		v := get(r)
		if _, ok := codes[v]; !ok {
			codes[v] = len(codes) + 1
		}
	}
	width := bits.Len(uint(len(codes)))
	if width == 0 {
		width = 1
	}
	return codes, width
}

// binaryDigits renders code most significant bit first.
func binaryDigits(code, width int) []string {
	out := make([]string, width)
	for i := 0; i < width; i++ {
		out[i] = strconv.Itoa((code >> (width - 1 - i)) & 1)
	}
	return out
}

func distinct(rows [][]string, get func([]string) string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range rows {
		v := get(r)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func truthy(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Read parses a CSV table with a header row.
func Read(r io.Reader) (Matrix, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Matrix{}, fmt.Errorf("read table: %w", err)
	}
	if len(rows) == 0 {
		return Matrix{}, fmt.Errorf("read table: missing header row")
	}
	return Matrix{Header: rows[0], Rows: rows[1:]}, nil
}

func Write(w io.Writer, m Matrix) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(m.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(m.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// EncodeFile reads the finding table at src and writes the encoded matrix to dst.
func EncodeFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	m, err := Read(in)
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := Write(out, Encode(m)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
