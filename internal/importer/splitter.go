package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"product-importer/internal/models"
)

// Chunk sizing. Chunk size adapts to the dataset so the number of parallel
// tasks stays bounded regardless of file size: too many tiny chunks
// thrashes dispatch overhead, too few giant chunks serializes large
// imports.
const (
	baseChunkSize = 500
	minChunkSize  = 500
	maxChunkSize  = 5000
	targetChunks  = 100
)

// SplitResult is what the splitter hands to the orchestrator.
type SplitResult struct {
	Chunks     []models.Chunk
	TotalRows  int
	Rejections []string
	ChunkSize  int
}

// computeChunkSize clamps total/targetChunks into [minChunkSize,
// maxChunkSize], rounded down to a multiple of 100.
func computeChunkSize(totalRows int) int {
	if totalRows == 0 {
		return baseChunkSize
	}
	size := totalRows / targetChunks
	if size < minChunkSize {
		size = minChunkSize
	}
	if size > maxChunkSize {
		size = maxChunkSize
	}
	return (size / 100) * 100
}

// sniffDelimiter inspects a sample of the file's first line and picks the
// candidate delimiter that appears most often. Comma wins ties.
func sniffDelimiter(sample []byte) rune {
	for i, b := range sample {
		if b == '\n' {
			sample = sample[:i]
			break
		}
	}
	best, bestCount := ',', 0
	for _, cand := range []byte{',', ';', '\t', '|'} {
		count := 0
		for _, b := range sample {
			if b == cand {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = rune(cand), count
		}
	}
	return best
}

// SplitFile streams the delimited file twice: a first pass counts data rows
// so the chunk size can adapt to the dataset, a second pass normalizes rows
// into ordered chunks and collects row-level rejections. The header row is
// required and not counted.
func SplitFile(path string) (SplitResult, error) {
	res := SplitResult{ChunkSize: baseChunkSize}

	delim, err := sniffFile(path)
	if err != nil {
		return res, err
	}

	// First pass: count rows only, nothing held in memory.
	total, err := countRows(path, delim)
	if err != nil {
		return res, err
	}
	res.TotalRows = total
	res.ChunkSize = computeChunkSize(total)

	// Second pass: normalize and accumulate chunks.
	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	r := newReader(f, delim)
	header, err := r.Read()
	if err != nil {
		return res, fmt.Errorf("read header: %w", err)
	}
	cm := mapColumns(header)

	var rows []models.NormalizedRow
	idx := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		idx++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				res.Rejections = append(res.Rejections, fmt.Sprintf("Row %d: %v", idx, err))
				continue
			}
			return res, fmt.Errorf("read row %d: %w", idx, err)
		}
		row, rejection := normalizeRecord(cm, record, idx)
		if rejection != "" {
			res.Rejections = append(res.Rejections, rejection)
			continue
		}
		rows = append(rows, row)
		if len(rows) >= res.ChunkSize {
			res.Chunks = append(res.Chunks, models.Chunk{Index: len(res.Chunks), Rows: rows})
			rows = nil
		}
	}
	if len(rows) > 0 {
		res.Chunks = append(res.Chunks, models.Chunk{Index: len(res.Chunks), Rows: rows})
	}
	return res, nil
}

func sniffFile(path string) (rune, error) {
	f, err := os.Open(path)
	if err != nil {
		return ',', fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()
	sample := make([]byte, 1024)
	n, err := f.Read(sample)
	if err != nil && !errors.Is(err, io.EOF) {
		return ',', fmt.Errorf("sample import file: %w", err)
	}
	return sniffDelimiter(sample[:n]), nil
}

func countRows(path string, delim rune) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	r := newReader(f, delim)
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("read header: %w", err)
	}
	total := 0
	for {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				// Malformed rows still count toward the total; the
				// second pass records them as rejections.
				total++
				continue
			}
			return 0, fmt.Errorf("count rows: %w", err)
		}
		total++
	}
	return total, nil
}

func newReader(f *os.File, delim rune) *csv.Reader {
	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r
}
