// Package schema describes the key layout of a table: its primary key, optional TTL attribute and
// secondary indexes. Schemas are built in code or loaded from YAML.
package schema

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pay-theory/dynaitem/pkg/errors"
	"github.com/pay-theory/dynaitem/pkg/validation"
)

// GSIPrefix starts every attribute name reserved for the numbered GSI convention
const GSIPrefix = "_gsi"

// IndexType distinguishes global from local secondary indexes
type IndexType string

const (
	GlobalIndex IndexType = "GSI"
	LocalIndex  IndexType = "LSI"
)

// Index describes a secondary index
type Index struct {
	Name         string    `yaml:"name"`
	Type         IndexType `yaml:"type,omitempty"`
	PartitionKey string    `yaml:"partition_key"`
	SortKey      string    `yaml:"sort_key,omitempty"`
	Projection   string    `yaml:"projection,omitempty"`
}

// HasSortKey reports whether the index declares a sort key
func (i Index) HasSortKey() bool { return i.SortKey != "" }

// TableSchema describes a table's primary key and indexes
type TableSchema struct {
	TableName    string  `yaml:"table"`
	PartitionKey string  `yaml:"partition_key"`
	SortKey      string  `yaml:"sort_key,omitempty"`
	TTLAttribute string  `yaml:"ttl_attribute,omitempty"`
	Indexes      []Index `yaml:"indexes,omitempty"`
}

// New returns a schema with the given table and key attribute names
func New(table, partitionKey, sortKey string) TableSchema {
	return TableSchema{
		TableName:    table,
		PartitionKey: partitionKey,
		SortKey:      sortKey,
	}
}

// WithTTL returns a copy of the schema with a time-to-live attribute
func (s TableSchema) WithTTL(attribute string) TableSchema {
	s.TTLAttribute = attribute
	return s
}

// WithIndex returns a copy of the schema with an additional index
func (s TableSchema) WithIndex(idx Index) TableSchema {
	s.Indexes = append(append([]Index(nil), s.Indexes...), idx)
	return s
}

// WithGSIs returns a copy of the schema with conventional indexes gsi1..gsiN
func (s TableSchema) WithGSIs(n int) TableSchema {
	for i := 1; i <= n; i++ {
		s = s.WithIndex(GSI(i))
	}
	return s
}

// HasSortKey reports whether the table declares a sort key
func (s TableSchema) HasSortKey() bool { return s.SortKey != "" }

// Index looks up an index by name
func (s TableSchema) Index(name string) (Index, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// IsKeyAttribute reports whether name is the table's partition or sort key attribute
func (s TableSchema) IsKeyAttribute(name string) bool {
	return name == s.PartitionKey || (s.SortKey != "" && name == s.SortKey)
}

// Validate checks names and rejects duplicate indexes
func (s TableSchema) Validate() error {
	if err := validation.ValidateTableName(s.TableName); err != nil {
		return err
	}
	if err := validation.ValidateAttributeName(s.PartitionKey); err != nil {
		return fmt.Errorf("partition key: %w", err)
	}
	if s.SortKey != "" {
		if err := validation.ValidateAttributeName(s.SortKey); err != nil {
			return fmt.Errorf("sort key: %w", err)
		}
		if s.SortKey == s.PartitionKey {
			return fmt.Errorf("%w: sort key %q duplicates partition key", errors.ErrInvalidRequest, s.SortKey)
		}
	}
	if s.TTLAttribute != "" {
		if err := validation.ValidateAttributeName(s.TTLAttribute); err != nil {
			return fmt.Errorf("ttl attribute: %w", err)
		}
	}

	seen := make(map[string]bool, len(s.Indexes))
	for _, idx := range s.Indexes {
		if idx.Name == "" {
			return fmt.Errorf("%w: index name cannot be empty", errors.ErrInvalidRequest)
		}
		if err := validation.ValidateIndexName(idx.Name); err != nil {
			return err
		}
		if seen[idx.Name] {
			return fmt.Errorf("%w: duplicate index %q", errors.ErrInvalidRequest, idx.Name)
		}
		seen[idx.Name] = true

		if idx.Type == LocalIndex && idx.PartitionKey != s.PartitionKey {
			return fmt.Errorf("%w: local index %q must share the table partition key", errors.ErrInvalidRequest, idx.Name)
		}
		if err := validation.ValidateAttributeName(idx.PartitionKey); err != nil {
			return fmt.Errorf("index %s partition key: %w", idx.Name, err)
		}
		if idx.SortKey != "" {
			if err := validation.ValidateAttributeName(idx.SortKey); err != nil {
				return fmt.Errorf("index %s sort key: %w", idx.Name, err)
			}
		}
	}
	return nil
}

// GSI returns the conventional global index number n: "gsi{n}" keyed on "_gsi{n}pk"/"_gsi{n}sk"
func GSI(n int) Index {
	return Index{
		Name:         "gsi" + strconv.Itoa(n),
		Type:         GlobalIndex,
		PartitionKey: GSIPartitionKey(n),
		SortKey:      GSISortKey(n),
	}
}

// GSIPartitionKey is the attribute holding the partition key of conventional index n
func GSIPartitionKey(n int) string { return GSIPrefix + strconv.Itoa(n) + "pk" }

// GSISortKey is the attribute holding the sort key of conventional index n
func GSISortKey(n int) string { return GSIPrefix + strconv.Itoa(n) + "sk" }

// IsGSIAttribute reports whether a top level attribute name falls in the reserved GSI namespace
func IsGSIAttribute(name string) bool {
	return strings.HasPrefix(name, GSIPrefix)
}

// Parse decodes and validates a YAML schema document
func Parse(data []byte) (TableSchema, error) {
	var s TableSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return TableSchema{}, fmt.Errorf("failed to parse schema: %w", err)
	}
	for i := range s.Indexes {
		if s.Indexes[i].Type == "" {
			s.Indexes[i].Type = GlobalIndex
		}
	}
	if err := s.Validate(); err != nil {
		return TableSchema{}, err
	}
	return s, nil
}

// Load reads a YAML schema file
func Load(path string) (TableSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TableSchema{}, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes the schema as YAML
func (s TableSchema) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
