package rewrite

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SavePlan persists a plan in the requested format.
func SavePlan(plan *Plan, path, format string, pretty bool) error {
	if plan == nil {
		return fmt.Errorf("plan is nil")
	}
	if format == "" {
		format = DetectFormat(path)
	}
	content, err := EncodePlan(plan, format, pretty)
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o600)
}

// EncodePlan serializes the plan to either JSON or YAML.
func EncodePlan(plan *Plan, format string, pretty bool) ([]byte, error) {
	return encode(plan, format, pretty)
}

// EncodeSet serializes a rule set as a sorted list of rules.
func EncodeSet(set Set, format string, pretty bool) ([]byte, error) {
	rules := make([]Rule, 0, len(set))
	for _, domain := range set.Domains() {
		rules = append(rules, set[domain])
	}
	return encode(rules, format, pretty)
}

// DetectFormat infers json or yaml from a file extension.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func encode(v any, format string, pretty bool) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(v)
	default:
		if pretty {
			return json.MarshalIndent(v, "", "  ")
		}
		return json.Marshal(v)
	}
}
