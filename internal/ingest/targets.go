package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"opgcnn/internal/dataset"
)

// ReadTargets parses a wide OPG table: the first column is a date, every
// other header cell is a facet ID. Empty, NaN, nan and NA cells are missing.
func ReadTargets(r io.Reader) (*dataset.Targets, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("ingest: targets: %w", dataset.ErrEmpty)
		}
		return nil, fmt.Errorf("ingest: targets header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("ingest: targets header has %d columns, want a date column and at least one facet", len(header))
	}
	facets := make([]string, len(header)-1)
	seen := make(map[string]bool, len(facets))
	for i, h := range header[1:] {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("ingest: targets header column %d is empty", i+2)
		}
		if seen[h] {
			return nil, fmt.Errorf("ingest: targets facet %q listed twice", h)
		}
		seen[h] = true
		facets[i] = h
	}

	var (
		times []time.Time
		flat  []float64
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: targets: %w", err)
		}
		line, _ := cr.FieldPos(0)
		day, err := parseDate(rec[0])
		if err != nil {
			return nil, fmt.Errorf("ingest: targets line %d: %w", line, err)
		}
		for j, cell := range rec[1:] {
			v, err := parseCell(cell)
			if err != nil {
				return nil, fmt.Errorf("ingest: targets line %d facet %s: %w", line, facets[j], err)
			}
			flat = append(flat, v)
		}
		times = append(times, day)
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("ingest: targets: %w", dataset.ErrEmpty)
	}
	return &dataset.Targets{Facets: facets, Times: times, Values: dataset.Matrix(len(times), len(facets), flat)}, nil
}

// ReadTargetsFile opens path and calls ReadTargets.
func ReadTargetsFile(path string) (*dataset.Targets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	defer f.Close()
	return ReadTargets(f)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(dataset.DateLayout) {
		s = s[:len(dataset.DateLayout)] // drop a time-of-day suffix
	}
	d, err := time.ParseInLocation(dataset.DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q", s)
	}
	return d, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "NaN", "nan", "NA":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return v, nil
}

// WriteTargets writes t in the layout ReadTargets accepts. Missing values are
// written as empty cells.
func WriteTargets(w io.Writer, t *dataset.Targets) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"date"}, t.Facets...)); err != nil {
		return err
	}
	rec := make([]string, len(t.Facets)+1)
	for i := 0; i < t.Len(); i++ {
		rec[0] = t.Times[i].UTC().Format(dataset.DateLayout)
		for j, v := range t.Row(i) {
			if math.IsNaN(v) {
				rec[j+1] = ""
			} else {
				rec[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
