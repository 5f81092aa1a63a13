package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/offsite-dev/replica/internal/registry"
)

// Catalog is the optional remote type catalog fetched at initialization.
// It maps remote type names (singular, e.g. "Task") to their properties.
type Catalog struct {
	Types map[string]TypeDef `json:"types"`
}

// TypeDef describes one remote entity type.
type TypeDef struct {
	Properties map[string]Property `json:"properties"`
}

// Property is a declared field with its scalar type and optional format.
type Property struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
}

// ParseCatalog decodes a type catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse type catalog: %w", err)
	}
	return &cat, nil
}

// derive builds a schema from the catalog entry matching the store's
// conventional type name. Returns false when the catalog has no entry.
func (c *Catalog) derive(desc registry.Descriptor) (TableSchema, bool) {
	typeName := TypeNameFor(desc.StoreName)
	def, ok := c.Types[typeName]
	if !ok {
		return TableSchema{}, false
	}

	s := TableSchema{Store: desc.StoreName}
	pk := desc.PrimaryKey()

	// Emit the primary key first, then remaining properties in sorted order
	// so the derived schema (and hence the DDL) is stable across runs.
	for _, name := range sortedKeys(def.Properties) {
		if name == pk {
			continue
		}
		prop := def.Properties[name]
		s.Columns = append(s.Columns, Column{
			Name:     name,
			Type:     columnTypeFor(prop),
			Nullable: true,
		})
	}

	pkType := TypeText
	if prop, ok := def.Properties[pk]; ok {
		pkType = columnTypeFor(prop)
	}
	s.Columns = append([]Column{{Name: pk, Type: pkType, IsPrimaryKey: true}}, s.Columns...)

	return s, true
}

// columnTypeFor maps a declared scalar/format pair to a column type.
func columnTypeFor(p Property) ColumnType {
	switch p.Type {
	case "integer":
		if p.Format == "int64" {
			return TypeBigint
		}
		return TypeInteger
	case "number":
		return TypeDouble
	case "boolean":
		return TypeBoolean
	case "string":
		switch p.Format {
		case "date-time":
			return TypeTimestamp
		case "date":
			return TypeDate
		}
		return TypeText
	case "object", "array":
		return TypeJSON
	default:
		return TypeText
	}
}

// TypeNameFor converts a store name to the catalog's conventional singular
// CamelCase type name: "categories" -> "Category", "task_labels" -> "TaskLabel".
func TypeNameFor(storeName string) string {
	parts := strings.Split(storeName, "_")
	for i, part := range parts {
		if i == len(parts)-1 {
			part = singularize(part)
		}
		if part != "" {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "")
}

// singularize performs the pluralization-aware conversion used for catalog
// lookups. It only needs to cover English plurals used by store names.
func singularize(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 3:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ses") || strings.HasSuffix(word, "xes") ||
		strings.HasSuffix(word, "zes") || strings.HasSuffix(word, "ches") ||
		strings.HasSuffix(word, "shes"):
		return word[:len(word)-2]
	case strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss"):
		return word[:len(word)-1]
	default:
		return word
	}
}

func sortedKeys(m map[string]Property) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
