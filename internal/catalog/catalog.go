package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"pharmagent/internal/domain"
)

//go:embed compounds.yaml
var defaultCatalog []byte

// ErrUnknown is returned for lookups of compounds that are not registered.
var ErrUnknown = errors.New("unknown compound")

// ClarificationText is shown when a query names no registered compound.
const ClarificationText = `**Analysis Request Received**

I detected a research query but couldn't identify a specific drug compound.

**To provide detailed analysis, please specify:**
- A drug name (e.g., Gefitinib, Metformin, Aspirin)
- The therapeutic indication of interest
- Any specific data requirements (patents, trials, market)

**Example queries:**
- "Analyze repurposing opportunities for Gefitinib"
- "What about Metformin for longevity?"
- "Research Aspirin for cancer prevention"`

// Repository is a read-only registry of compound fact sheets. The zero value
// is empty; use Default or Load.
type Repository struct {
	order   []string
	records map[string]domain.CompoundRecord
}

type catalogFile struct {
	Compounds []domain.CompoundRecord `yaml:"compounds"`
}

// Default returns the built-in catalog.
func Default() *Repository {
	r, err := Load(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded compound catalog: %v", err))
	}
	return r
}

// Load parses a YAML catalog. Entry order is the detection priority.
func Load(data []byte) (*Repository, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	r := &Repository{records: make(map[string]domain.CompoundRecord, len(f.Compounds))}
	for i, rec := range f.Compounds {
		key := strings.ToLower(strings.TrimSpace(rec.Key))
		if key == "" {
			key = strings.ToLower(strings.TrimSpace(rec.Name))
		}
		if err := validate(rec); err != nil {
			return nil, fmt.Errorf("compound %d (%s): %w", i, key, err)
		}
		if _, dup := r.records[key]; dup {
			return nil, fmt.Errorf("duplicate compound key %s", key)
		}
		rec.Key = key
		r.order = append(r.order, key)
		r.records[key] = rec
	}
	return r, nil
}

func validate(rec domain.CompoundRecord) error {
	switch {
	case rec.Name == "":
		return errors.New("name is required")
	case rec.Synthesis == "":
		return errors.New("synthesis is required")
	case rec.Patent.ID == "":
		return errors.New("patent.id is required")
	case rec.Trials.Phase == "":
		return errors.New("trials.phase is required")
	case rec.Market.Size == "":
		return errors.New("market.size is required")
	}
	return nil
}

// Get returns a copy of the record registered under key.
func (r *Repository) Get(key string) (domain.CompoundRecord, bool) {
	rec, ok := r.records[strings.ToLower(key)]
	if !ok {
		return domain.CompoundRecord{}, false
	}
	return clone(rec), true
}

// Keys lists registered keys in detection priority order.
func (r *Repository) Keys() []string {
	return append([]string(nil), r.order...)
}

// All returns every record in priority order.
func (r *Repository) All() []domain.CompoundRecord {
	out := make([]domain.CompoundRecord, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, clone(r.records[k]))
	}
	return out
}

// Detect returns the first registered compound, in priority order, whose key
// occurs anywhere in the lower-cased query. Matching is plain substring
// search, so a key embedded in an unrelated word still matches.
func (r *Repository) Detect(query string) (domain.CompoundRecord, bool) {
	lowered := strings.ToLower(query)
	for _, k := range r.order {
		if strings.Contains(lowered, k) {
			return clone(r.records[k]), true
		}
	}
	return domain.CompoundRecord{}, false
}

func clone(rec domain.CompoundRecord) domain.CompoundRecord {
	rec.Market.KeyPlayers = append([]string(nil), rec.Market.KeyPlayers...)
	return rec
}
