// Package record translates between logical cache entries and the
// column-keyed rows persisted in the primary store, and decides logical
// expiry of a fetched row.
//
// A Row is store-neutral: adapters map its values to their native types
// (DynamoDB attribute values, Redis hash fields, framed bytes).
// Values in a Row are one of string, []byte or int64.
package record

// Default column names.
const (
	DefaultKeyColumn     = "cache_key"
	DefaultValueColumn   = "cache_value"
	DefaultTTLColumn     = "ttl"
	DefaultBlobKeyColumn = "s3_key"
)

// Columns maps the logical parts of an entry to the column names of the
// caller's table. Zero fields fall back to the defaults.
type Columns struct {
	Key     string `mapstructure:"key" yaml:"key"`
	Value   string `mapstructure:"value" yaml:"value"`
	TTL     string `mapstructure:"ttl" yaml:"ttl"`
	BlobKey string `mapstructure:"blob_key" yaml:"blob_key"`
}

// WithDefaults returns c with every empty name replaced by its default.
func (c Columns) WithDefaults() Columns {
	if c.Key == "" {
		c.Key = DefaultKeyColumn
	}
	if c.Value == "" {
		c.Value = DefaultValueColumn
	}
	if c.TTL == "" {
		c.TTL = DefaultTTLColumn
	}
	if c.BlobKey == "" {
		c.BlobKey = DefaultBlobKeyColumn
	}
	return c
}

// Distinct reports whether all four names differ. Two logical parts sharing a
// column would overwrite each other.
func (c Columns) Distinct() bool {
	seen := map[string]struct{}{}
	for _, n := range []string{c.Key, c.Value, c.TTL, c.BlobKey} {
		if _, ok := seen[n]; ok {
			return false
		}
		seen[n] = struct{}{}
	}
	return true
}
