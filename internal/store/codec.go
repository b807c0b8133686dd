package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"adguard-dns-sync/internal/rewrite"
)

// storedRule mirrors rewrite.Rule with pointer fields so missing keys can
// be told apart from zero values.
type storedRule struct {
	Domain  *string `json:"domain"`
	Answer  *string `json:"answer"`
	Enabled *bool   `json:"enabled"`
}

func encodeSet(set rewrite.Set) ([]byte, error) {
	out := make(map[string]rewrite.Rule, len(set))
	for key, rule := range set {
		out[key] = rule
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeSet parses a state file. Individually malformed records are skipped;
// the file as a whole is rejected when it is not a JSON object or when it
// holds records but none of them are usable.
func decodeSet(data []byte, log logrus.FieldLogger) (rewrite.Set, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: top level is not an object", ErrCorrupt)
	}

	set := make(rewrite.Set, len(raw))
	for key, msg := range raw {
		var rec storedRule
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.WithField("key", key).WithError(err).Warn("skipping malformed rule")
			continue
		}
		if rec.Domain == nil || rec.Answer == nil || rec.Enabled == nil || strings.TrimSpace(*rec.Domain) == "" {
			log.WithField("key", key).Warn("skipping rule with missing fields")
			continue
		}
		set.Add(rewrite.Rule{Domain: *rec.Domain, Answer: *rec.Answer, Enabled: *rec.Enabled})
	}

	if len(raw) > 0 && len(set) == 0 {
		return nil, fmt.Errorf("%w: no valid rules in %d entries", ErrCorrupt, len(raw))
	}
	return set, nil
}
