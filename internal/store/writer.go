package store

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/finsight/quotecrawler/internal/quote"
)

// Writer appends collected quotes to per-day JSONL files laid out as
// <root>/<category>/<SYMBOL>/<yyyy-mm-dd>.jsonl. Appends are serialized so
// concurrent collection cycles cannot interleave partial lines.
type Writer struct {
	mu   sync.Mutex
	root string
}

func New(root string) *Writer {
	return &Writer{root: root}
}

// safeSymbol maps exchange-qualified symbols to filesystem-safe names.
func safeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, ":", "_")
	return strings.ReplaceAll(s, "/", "_")
}

func (w *Writer) dayFile(category quote.Category, symbol string, day time.Time) string {
	return filepath.Join(w.root, string(category), safeSymbol(symbol), day.UTC().Format("2006-01-02")+".jsonl")
}

// Write appends one quote to its day file, creating directories as needed.
func (w *Writer) Write(q *quote.Quote) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(q)
}

// WriteBatch appends a batch, stopping at the first failure and reporting how
// many records landed before it.
func (w *Writer) WriteBatch(quotes []*quote.Quote) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, q := range quotes {
		if err := w.writeLocked(q); err != nil {
			return i, err
		}
	}
	return len(quotes), nil
}

func (w *Writer) writeLocked(q *quote.Quote) error {
	path := w.dayFile(q.Category, q.Symbol, q.Timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", q.Symbol, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", q.Symbol, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append %s: %w", path, err)
	}
	return nil
}

// ReadDay loads every record for (category, symbol) on the given day. A
// missing day file yields an empty slice, not an error.
func (w *Writer) ReadDay(category quote.Category, symbol string, day time.Time) ([]*quote.Quote, error) {
	path := w.dayFile(category, symbol, day)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	var out []*quote.Quote
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var q quote.Quote
		if err := json.Unmarshal([]byte(line), &q); err != nil {
			return nil, fmt.Errorf("store: decode line in %s: %w", path, err)
		}
		out = append(out, &q)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", path, err)
	}
	return out, nil
}

// CountRecords walks the store and counts records per category.
func (w *Writer) CountRecords() (map[string]int, error) {
	counts := map[string]int{}
	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) < 3 {
			return nil
		}
		category := parts[0]

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) != "" {
				counts[category]++
			}
		}
		return sc.Err()
	})
	if os.IsNotExist(err) {
		return counts, nil
	}
	return counts, err
}

// ExportCSV writes every record for (category, symbol) on the given day to
// the CSV file at dest and returns the record count.
func (w *Writer) ExportCSV(category quote.Category, symbol string, day time.Time, dest string) (int, error) {
	records, err := w.ReadDay(category, symbol, day)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("store: mkdir for export: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("store: create %s: %w", dest, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := []string{"timestamp", "symbol", "name", "price", "change", "change_pct", "volume", "currency", "source"}
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("store: write csv header: %w", err)
	}
	for _, q := range records {
		row := []string{
			q.Timestamp.UTC().Format(time.RFC3339),
			q.Symbol,
			q.Name,
			strconv.FormatFloat(q.Price, 'f', -1, 64),
			strconv.FormatFloat(q.Change, 'f', -1, 64),
			strconv.FormatFloat(q.ChangePct, 'f', -1, 64),
			strconv.FormatInt(q.Volume, 10),
			q.Currency,
			string(q.Source),
		}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("store: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("store: flush csv: %w", err)
	}
	return len(records), nil
}
