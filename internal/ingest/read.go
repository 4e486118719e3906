package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/runflow/internal/models"
)

// ReadRows decodes runner rows as CSV with a header line, or as a JSON array
// of objects. Values stay loosely typed until Resolve.
func ReadRows(r io.Reader, format string) ([]map[string]any, error) {
	switch strings.ToLower(format) {
	case "csv":
		return readCSV(r)
	case "json":
		var rows []map[string]any
		if err := json.NewDecoder(r).Decode(&rows); err != nil {
			return nil, fmt.Errorf("failed to decode runner rows: %w", err)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("unsupported runner format %q", format)
	}
}

func readCSV(r io.Reader) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	var rows []map[string]any
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) && rec[i] != "" {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadRowsFile reads runner rows from path; the format follows the extension.
func ReadRowsFile(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRows(f, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ReadSegments decodes a YAML (or JSON) list of course segments and validates
// each one. Event names are lower-cased to match resolved runner records.
func ReadSegments(r io.Reader) ([]models.CourseSegment, error) {
	var segs []models.CourseSegment
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&segs); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %w", err)
	}
	for i := range segs {
		if err := normalizeEvents(&segs[i]); err != nil {
			return nil, err
		}
		if err := segs[i].Validate(); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

func normalizeEvents(seg *models.CourseSegment) error {
	if len(seg.EventRanges) == 0 {
		return nil
	}
	ranges := make(map[string]models.EventRange, len(seg.EventRanges))
	for event, r := range seg.EventRanges {
		key := strings.ToLower(strings.TrimSpace(event))
		if _, dup := ranges[key]; dup {
			return fmt.Errorf("%w %s: event %q listed twice", models.ErrInvalidSegment, seg.ID, key)
		}
		ranges[key] = r
	}
	seg.EventRanges = ranges
	return nil
}

// ReadSegmentsFile reads course segments from path.
func ReadSegmentsFile(path string) ([]models.CourseSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSegments(f)
}
