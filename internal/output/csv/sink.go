// Package csvsink writes finalized work records as CSV.
package csvsink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

// Header is the fixed column order.
var Header = []string{
	"title",
	"url",
	"starCount",
	"totalCharacterCount",
	"firstPublishedAt",
	"tags",
	"hasMatureNotice",
	"eligible",
}

// utf8BOM keeps spreadsheet tools from misreading Japanese text.
const utf8BOM = "\ufeff"

// Sink is a crawler.RecordSink backed by a CSV writer. The header is written
// on construction, so a sink that receives no records still yields a valid file.
// Each record is flushed immediately.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	w      *csv.Writer
}

// New wraps out. If out is an io.Closer it is closed by Close.
func New(out io.Writer) (*Sink, error) {
	if _, err := io.WriteString(out, utf8BOM); err != nil {
		return nil, fmt.Errorf("write bom: %w", err)
	}
	s := &Sink{out: out, w: csv.NewWriter(out)}
	if c, ok := out.(io.Closer); ok {
		s.closer = c
	}
	if err := s.w.Write(Header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return nil, fmt.Errorf("flush header: %w", err)
	}
	return s, nil
}

// Create opens path (creating parent directories) and returns a Sink on it.
func Create(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	s, err := New(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Write appends one record.
func (s *Sink) Write(_ context.Context, rec crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(Row(rec)); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush row: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return fmt.Errorf("close csv: %w", err)
		}
	}
	return nil
}

// Row renders a record in Header order. Unknown values become empty cells.
func Row(rec crawler.Record) []string {
	c := rec.Candidate
	return []string{
		c.Title,
		c.URL,
		crawler.FormatInt(c.StarCount),
		crawler.FormatInt(c.TotalCharacterCount),
		crawler.FormatDate(c.FirstPublishedAt),
		strings.Join(c.Tags, " "),
		strconv.FormatBool(c.HasMatureNotice),
		strconv.FormatBool(rec.Eligible),
	}
}
