package merger

import (
	"flag"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/grafana/shardmerge/pkg/cursor"
)

// TailableMode selects how the merger treats a remote cursor whose current
// batch has drained.
type TailableMode int8

const (
	// ModeNormal ends the stream once every remote is exhausted.
	ModeNormal TailableMode = iota
	// ModeTailable keeps the cursor open across batch boundaries; the merger
	// reports each boundary to the consumer.
	ModeTailable
	// ModeTailableAwaitData additionally lets the remote block up to the
	// await-data timeout before answering a follow-up.
	ModeTailableAwaitData
)

func (m TailableMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeTailable:
		return "tailable"
	case ModeTailableAwaitData:
		return "tailable_await_data"
	}
	return fmt.Sprintf("unknown(%d)", int8(m))
}

func (m *TailableMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "", "normal":
		*m = ModeNormal
	case "tailable":
		*m = ModeTailable
	case "tailable_await_data":
		*m = ModeTailableAwaitData
	default:
		return fmt.Errorf("invalid tailable mode %q", s)
	}
	return nil
}

func (m TailableMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// Config for a Merger.
type Config struct {
	// Sort is the ordering specification of the merge. Empty means an
	// unsorted round-robin merge.
	Sort cursor.Sort `yaml:"sort"`

	// BatchSize caps the total number of documents pulled per remote.
	// Follow-up batch sizes shrink as a remote approaches the cap. Zero
	// means no cap.
	BatchSize int64 `yaml:"batch_size"`

	TailableMode TailableMode `yaml:"tailable_mode"`

	// AllowPartialResults swallows terminal remote errors: the failed
	// remote is dropped from the merge and the reachable remotes drain to
	// completion.
	AllowPartialResults bool `yaml:"allow_partial_results"`

	// ReadPreference is attached to every follow-up request.
	ReadPreference *cursor.ReadPreference `yaml:"read_preference,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.BatchSize, prefix+".batch-size", 0, "Cap on the total number of documents pulled per remote. 0 means no cap.")
	f.BoolVar(&cfg.AllowPartialResults, prefix+".allow-partial-results", false, "Drop unreachable remotes from the merge instead of failing the stream.")
}

func (cfg *Config) Validate() error {
	if !cfg.Sort.Empty() && cfg.TailableMode != ModeNormal {
		return fmt.Errorf("sorted merge cannot be combined with tailable mode %s", cfg.TailableMode)
	}
	return nil
}
