package cursor

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SortKeyField is the well-known subfield under which remotes return the
// pre-computed sort key of every document belonging to a sorted cursor. The
// value is a positional array of scalars; any collation mapping has already
// been applied by the remote.
const SortKeyField = "$sortKey"

// Document is a single result document as delivered by a remote. The merge
// tier treats it as opaque except for the sort key subfield.
type Document []byte

// SortKey is the positional ordering key of one document. Elements are JSON
// scalars: nil, bool, float64 or string.
type SortKey []interface{}

// SortKey extracts and validates the document's pre-computed sort key.
func (d Document) SortKey() (SortKey, error) {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(d, &fields); err != nil {
		return nil, errors.Wrap(err, "unmarshaling document")
	}

	raw, ok := fields[SortKeyField]
	if !ok {
		return nil, fmt.Errorf("missing field %q in document: %s", SortKeyField, string(d))
	}

	var key []interface{}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, errors.Wrapf(err, "field %q is not an array in document: %s", SortKeyField, string(d))
	}

	for _, v := range key {
		switch v.(type) {
		case nil, bool, float64, string:
		default:
			return nil, fmt.Errorf("unsupported sort key element %T in document: %s", v, string(d))
		}
	}

	return key, nil
}
