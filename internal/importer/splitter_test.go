package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeChunkSize(t *testing.T) {
	cases := []struct {
		totalRows int
		want      int
	}{
		{0, 500},
		{1, 500},
		{499, 500},
		{50_000, 500},     // 50000/100 = 500, at the floor
		{123_456, 1200},   // 1234 rounded down to 1200
		{250_000, 2500},   // 2500 chunks of 2500 -> 100 tasks
		{500_000, 5000},   // right at the cap
		{2_000_000, 5000}, // clamped to the cap
	}
	for _, tc := range cases {
		if got := computeChunkSize(tc.totalRows); got != tc.want {
			t.Errorf("computeChunkSize(%d) = %d, want %d", tc.totalRows, got, tc.want)
		}
	}
}

func TestSniffDelimiter(t *testing.T) {
	cases := []struct {
		line string
		want rune
	}{
		{"sku,name,description", ','},
		{"sku;name;description", ';'},
		{"sku\tname\tdescription", '\t'},
		{"sku|name|description", '|'},
		{"sku", ','},                // no delimiter at all, comma default
		{"a,b;c\nx;y;z;w", ','},     // only the first line is sampled
		{"sku,name;extra,other", ','}, // comma wins ties
	}
	for _, tc := range cases {
		if got := sniffDelimiter([]byte(tc.line)); got != tc.want {
			t.Errorf("sniffDelimiter(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSplitFile(t *testing.T) {
	path := writeTempCSV(t, strings.Join([]string{
		"SKU,Name,Description",
		"A,Widget,first",
		",NoSKU,rejected",
		"B,Gadget,",
		"C,,rejected too",
		"d,Doohickey,ok",
	}, "\n"))

	res, err := SplitFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalRows != 5 {
		t.Fatalf("TotalRows = %d, want 5", res.TotalRows)
	}
	if len(res.Rejections) != 2 {
		t.Fatalf("Rejections = %v, want 2 entries", res.Rejections)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("Chunks = %d, want 1", len(res.Chunks))
	}
	rows := res.Chunks[0].Rows
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].SKU != "a" || rows[1].SKU != "b" || rows[2].SKU != "d" {
		t.Fatalf("unexpected skus: %+v", rows)
	}
}

func TestSplitFileSemicolon(t *testing.T) {
	path := writeTempCSV(t, "sku;name\nA;Widget\nB;Gadget\n")

	res, err := SplitFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalRows != 2 || len(res.Chunks) != 1 || len(res.Chunks[0].Rows) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Chunks[0].Rows[0].Name != "Widget" {
		t.Fatalf("semicolon file not parsed: %+v", res.Chunks[0].Rows[0])
	}
}

func TestSplitFileEmpty(t *testing.T) {
	path := writeTempCSV(t, "sku,name\n")

	res, err := SplitFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalRows != 0 || len(res.Chunks) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestSplitFileChunkBoundaries(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("sku,name\n")
	const rows = 1100
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "sku-%04d,Product %d\n", i, i)
	}
	path := writeTempCSV(t, sb.String())

	res, err := SplitFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChunkSize != 500 {
		t.Fatalf("ChunkSize = %d, want 500", res.ChunkSize)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("Chunks = %d, want 3", len(res.Chunks))
	}
	for i, c := range res.Chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
	}
	if len(res.Chunks[0].Rows) != 500 || len(res.Chunks[2].Rows) != 100 {
		t.Fatalf("unexpected chunk sizes: %d, %d, %d",
			len(res.Chunks[0].Rows), len(res.Chunks[1].Rows), len(res.Chunks[2].Rows))
	}
	// Order is preserved across chunk boundaries.
	if res.Chunks[1].Rows[0].SKU != "sku-0500" {
		t.Fatalf("chunk 1 starts at %q", res.Chunks[1].Rows[0].SKU)
	}
}
