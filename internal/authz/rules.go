package authz

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadRules reads a JSON rule file: an array of Rule objects. The rule set
// is static by design; it is parsed once at startup.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: read rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("authz: parse rules: %w", err)
	}
	return rules, nil
}
