package importer

import (
	"fmt"
	"strings"

	"product-importer/internal/models"
)

// columnAliases maps recognized header names (lowercased, trimmed) to the
// fields of a normalized row. Unrecognized columns are ignored.
var columnAliases = map[string]string{
	"sku":         "sku",
	"key":         "sku",
	"name":        "name",
	"description": "description",
}

// columnMap holds the input column index of each recognized field, or -1
// when the file has no such column.
type columnMap struct {
	sku         int
	name        int
	description int
}

// mapColumns resolves a header row into a columnMap. Header matching is
// case-insensitive and whitespace-tolerant.
func mapColumns(header []string) columnMap {
	cm := columnMap{sku: -1, name: -1, description: -1}
	for i, col := range header {
		switch columnAliases[strings.ToLower(strings.TrimSpace(col))] {
		case "sku":
			if cm.sku == -1 {
				cm.sku = i
			}
		case "name":
			if cm.name == -1 {
				cm.name = i
			}
		case "description":
			if cm.description == -1 {
				cm.description = i
			}
		}
	}
	return cm
}

// normalizeRecord validates and normalizes one data record. idx is the
// 1-based row position used in rejection messages. A non-empty rejection
// string means the row was skipped.
func normalizeRecord(cm columnMap, record []string, idx int) (models.NormalizedRow, string) {
	field := func(col int) string {
		if col < 0 || col >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[col])
	}

	sku := strings.ToLower(field(cm.sku))
	name := field(cm.name)
	if sku == "" || name == "" {
		return models.NormalizedRow{}, fmt.Sprintf("Row %d: Missing SKU or Name", idx)
	}

	return models.NormalizedRow{
		SKU:         sku,
		Name:        name,
		Description: field(cm.description),
	}, ""
}
