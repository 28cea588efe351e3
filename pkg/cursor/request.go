package cursor

import "github.com/pkg/errors"

// GetMore requests the next batch of an established cursor.
type GetMore struct {
	CursorID   int64  `json:"getMore"`
	Collection string `json:"collection"`
	// BatchSize caps the number of documents in the reply. Zero lets the
	// remote pick.
	BatchSize int64 `json:"batchSize,omitempty"`
	// MaxTimeMS is how long an await-data cursor may block server-side
	// waiting for new results before replying.
	MaxTimeMS int64 `json:"maxTimeMS,omitempty"`
}

func (g GetMore) Encode() (Document, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, errors.Wrap(err, "encoding getMore")
	}
	return b, nil
}

// KillCursors instructs a remote to release server-side resources for the
// given cursor ids.
type KillCursors struct {
	Collection string  `json:"killCursors"`
	CursorIDs  []int64 `json:"cursors"`
}

func (k KillCursors) Encode() (Document, error) {
	b, err := json.Marshal(k)
	if err != nil {
		return nil, errors.Wrap(err, "encoding killCursors")
	}
	return b, nil
}

// ReadPreference is routing metadata attached to every follow-up request.
// Remotes verify it, so a role change yields a clean error instead of
// silently serving from the wrong node.
type ReadPreference struct {
	Mode string            `yaml:"mode" json:"mode"`
	Tags map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

func (rp ReadPreference) Encode() (Document, error) {
	b, err := json.Marshal(rp)
	if err != nil {
		return nil, errors.Wrap(err, "encoding read preference")
	}
	return b, nil
}
