// Package recordsource implements the RecordSource plugin capability
// trait: a flat-file record store keyed by the first field of each
// row, used for small allow/deny lists and similar lookup tables that
// don't warrant a real database.
//
// Grounded on the original vsmtp CSV plugin's query/set/rm operations
// (first-field key lookup, append-only add, rewrite-on-remove) and on
// the teacher's own CSV handling in worker/import_handler.go (header
// row skipped, encoding/csv.Reader driven record by record). Unlike
// the teacher's one-shot import, a RecordSource is opened once and
// queried repeatedly over its lifetime, matching the plugin's
// open-a-file-handle-and-keep-it shape.
package recordsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// RecordSource is the capability trait a rule directive programs
// against: look a key up by the first field of a record, append a new
// record, or remove a record by key.
type RecordSource interface {
	Query(key string) ([]string, bool, error)
	AddRecord(record []string) error
	RemoveRecord(key string) error
	Close() error
}

// CSVSource is the concrete RecordSource backend, a single delimited
// flat file treated as an unindexed table with no header row.
type CSVSource struct {
	mu        sync.Mutex
	path      string
	delimiter rune
	file      *os.File
}

// Open opens (creating if absent) a CSV file at path for both reading
// and appending. delimiter defaults to ',' when zero.
func Open(path string, delimiter rune) (*CSVSource, error) {
	if delimiter == 0 {
		delimiter = ','
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordsource: opening %s: %w", path, err)
	}
	return &CSVSource{path: path, delimiter: delimiter, file: f}, nil
}

// Query returns the first record whose first field equals key.
func (s *CSVSource) Query(key string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, false, fmt.Errorf("recordsource: seeking %s: %w", s.path, err)
	}
	reader := csv.NewReader(s.file)
	reader.Comma = s.delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, false, fmt.Errorf("recordsource: reading %s: %w", s.path, err)
		}
		if len(record) > 0 && strings.TrimSpace(record[0]) == key {
			return record, true, nil
		}
	}
	return nil, false, nil
}

// AddRecord appends a record to the file.
func (s *CSVSource) AddRecord(record []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, 2); err != nil {
		return fmt.Errorf("recordsource: seeking %s: %w", s.path, err)
	}
	writer := csv.NewWriter(s.file)
	writer.Comma = s.delimiter
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("recordsource: writing %s: %w", s.path, err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("recordsource: flushing %s: %w", s.path, err)
	}
	return nil
}

// RemoveRecord rewrites the file without any record whose first field
// equals key.
func (s *CSVSource) RemoveRecord(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("recordsource: seeking %s: %w", s.path, err)
	}
	reader := csv.NewReader(s.file)
	reader.Comma = s.delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var kept [][]string
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("recordsource: reading %s: %w", s.path, err)
		}
		if len(record) > 0 && strings.TrimSpace(record[0]) == key {
			continue
		}
		kept = append(kept, record)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("recordsource: truncating %s: %w", s.path, err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("recordsource: seeking %s: %w", s.path, err)
	}
	writer := csv.NewWriter(s.file)
	writer.Comma = s.delimiter
	for _, record := range kept {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("recordsource: rewriting %s: %w", s.path, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (s *CSVSource) Close() error {
	return s.file.Close()
}
