package permission

import (
	"encoding/json"
	"fmt"
	"os"
)

// FileRule is one entry of the on-disk rule list.
type FileRule struct {
	Action string `json:"action"`
	Path   string `json:"path"`
}

// RulesFile is the parsed form of config/permissions.json, split by
// verdict. CLI flags and config entries are merged on top of it.
type RulesFile struct {
	Allow []string
	Deny  []string
}

// LoadRulesFile reads a permissions file of the form
//
//	{"rules": [{"action": "allow"|"deny", "path": "..."}]}
//
// A missing file is not an error; it yields an empty rule set.
func LoadRulesFile(path string) (RulesFile, error) {
	var rf RulesFile

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rf, nil
		}
		return rf, fmt.Errorf("failed to read permissions file %s: %w", path, err)
	}

	var raw struct {
		Rules []FileRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return rf, fmt.Errorf("failed to parse permissions file %s: %w", path, err)
	}

	for i, r := range raw.Rules {
		if r.Path == "" {
			return RulesFile{}, fmt.Errorf("permissions file %s: rule %d has no path", path, i)
		}
		switch r.Action {
		case "allow":
			rf.Allow = append(rf.Allow, r.Path)
		case "deny":
			rf.Deny = append(rf.Deny, r.Path)
		default:
			return RulesFile{}, fmt.Errorf("permissions file %s: rule %d has unknown action %q", path, i, r.Action)
		}
	}
	return rf, nil
}
