package importer

import (
	"strings"
	"testing"
)

func TestMapColumns(t *testing.T) {
	cm := mapColumns([]string{" SKU ", "Name", "DESCRIPTION", "price"})
	if cm.sku != 0 || cm.name != 1 || cm.description != 2 {
		t.Fatalf("unexpected column map: %+v", cm)
	}

	// "key" is an accepted alias for the sku column.
	cm = mapColumns([]string{"Key", "name"})
	if cm.sku != 0 {
		t.Fatalf("expected key alias to map to sku, got %+v", cm)
	}
	if cm.description != -1 {
		t.Fatalf("expected absent description, got %d", cm.description)
	}
}

func TestNormalizeRecord(t *testing.T) {
	cm := mapColumns([]string{"sku", "name", "description"})

	row, rejection := normalizeRecord(cm, []string{"  AB-123 ", " Widget ", " nice "}, 1)
	if rejection != "" {
		t.Fatalf("unexpected rejection: %s", rejection)
	}
	if row.SKU != "ab-123" {
		t.Fatalf("expected lowercased trimmed sku, got %q", row.SKU)
	}
	if row.Name != "Widget" || row.Description != "nice" {
		t.Fatalf("unexpected row: %+v", row)
	}

	// Empty description is absent, not empty-string.
	row, _ = normalizeRecord(cm, []string{"a", "Widget", "  "}, 2)
	if row.Description != "" {
		t.Fatalf("expected absent description, got %q", row.Description)
	}
}

func TestNormalizeRecordRejections(t *testing.T) {
	cm := mapColumns([]string{"sku", "name"})

	cases := []struct {
		record []string
		idx    int
	}{
		{[]string{"", "Widget"}, 3},
		{[]string{"  ", "Widget"}, 4},
		{[]string{"ab", ""}, 5},
		{[]string{"ab"}, 6}, // short record, name column missing
	}
	for _, tc := range cases {
		_, rejection := normalizeRecord(cm, tc.record, tc.idx)
		if rejection == "" {
			t.Fatalf("record %v: expected rejection", tc.record)
		}
		if !strings.Contains(rejection, "Missing SKU or Name") {
			t.Fatalf("record %v: unexpected rejection %q", tc.record, rejection)
		}
	}
}
