// Package permission implements the path and exec gate.
//
// Every filesystem or process side effect passes through here with a fully
// resolved path. The gate holds an ordered set of canonicalised absolute
// prefixes marked allow or deny; the longest matching prefix decides, a
// deny wins ties, and nothing matching means denied. The set is built once
// at startup and never mutated afterwards, so evaluation takes no locks.
package permission

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hanzoai/mcp/pkg/protocol"
)

// Rule is one canonicalised prefix with its verdict.
type Rule struct {
	Prefix string
	Allow  bool
}

// Gate evaluates paths and exec requests against the permission set.
type Gate struct {
	rules       []Rule
	trustedExec bool
}

// NewGate builds a gate from allow and deny prefix lists. Prefixes are
// canonicalised at construction; a prefix that cannot be resolved is a
// startup error.
func NewGate(allow, deny []string, trustedExec bool) (*Gate, error) {
	rules := make([]Rule, 0, len(allow)+len(deny))

	for _, p := range allow {
		canon, err := Canonicalize(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow prefix %s: %w", p, err)
		}
		rules = append(rules, Rule{Prefix: canon, Allow: true})
	}
	for _, p := range deny {
		canon, err := Canonicalize(p)
		if err != nil {
			return nil, fmt.Errorf("invalid deny prefix %s: %w", p, err)
		}
		rules = append(rules, Rule{Prefix: canon, Allow: false})
	}

	return &Gate{rules: rules, trustedExec: trustedExec}, nil
}

// Rules returns a copy of the permission set for diagnostics.
func (g *Gate) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// TrustedExec reports whether the binary-directory check is waived.
func (g *Gate) TrustedExec() bool {
	return g.trustedExec
}

// AuthorizeRead canonicalises path and checks it against the set.
func (g *Gate) AuthorizeRead(path string) (string, error) {
	return g.authorizePath(path)
}

// AuthorizeWrite canonicalises path and checks it against the set. A write
// target need not exist; its deepest existing ancestor anchors resolution.
func (g *Gate) AuthorizeWrite(path string) (string, error) {
	return g.authorizePath(path)
}

func (g *Gate) authorizePath(path string) (string, error) {
	canon, err := Canonicalize(path)
	if err != nil {
		return "", protocol.Failf(protocol.KindPermissionDenied, "cannot resolve %s: %v", path, err)
	}
	if !g.evaluate(canon) {
		return "", protocol.Failf(protocol.KindPermissionDenied, "access to %s denied", canon)
	}
	return canon, nil
}

// AuthorizeExec validates a command before the supervisor spawns it.
//
// The working directory must be allow-listed. The binary is resolved via
// PATH when bare, and its directory must also be allow-listed unless the
// gate was built with trustedExec. Returns the canonical working directory.
func (g *Gate) AuthorizeExec(argv []string, cwd string) (string, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return "", protocol.Failf(protocol.KindInvalidArguments, "empty command")
	}

	canonCwd, err := Canonicalize(cwd)
	if err != nil {
		return "", protocol.Failf(protocol.KindPermissionDenied, "cannot resolve working directory %s: %v", cwd, err)
	}
	if !g.evaluate(canonCwd) {
		return "", protocol.Failf(protocol.KindPermissionDenied, "working directory %s denied", canonCwd)
	}

	if g.trustedExec {
		return canonCwd, nil
	}

	binary := argv[0]
	if !strings.ContainsRune(binary, filepath.Separator) {
		resolved, err := exec.LookPath(binary)
		if err != nil {
			return "", protocol.Failf(protocol.KindExecutionFailed, "command not found: %s", binary)
		}
		binary = resolved
	}

	canonBin, err := Canonicalize(binary)
	if err != nil {
		return "", protocol.Failf(protocol.KindPermissionDenied, "cannot resolve binary %s: %v", binary, err)
	}
	if !g.evaluate(filepath.Dir(canonBin)) {
		return "", protocol.Failf(protocol.KindPermissionDenied,
			"binary directory %s not allow-listed for %s", filepath.Dir(canonBin), argv[0])
	}

	return canonCwd, nil
}

// evaluate applies longest-prefix matching with deny winning ties.
func (g *Gate) evaluate(canonical string) bool {
	best := -1
	allow := false

	for _, r := range g.rules {
		if !isPathPrefix(r.Prefix, canonical) {
			continue
		}
		switch l := len(r.Prefix); {
		case l > best:
			best = l
			allow = r.Allow
		case l == best && !r.Allow:
			allow = false
		}
	}

	return best >= 0 && allow
}

// isPathPrefix reports whether prefix covers path at a component boundary,
// so /srv/data does not cover /srv/database.
func isPathPrefix(prefix, path string) bool {
	if prefix == path {
		return true
	}
	sep := string(filepath.Separator)
	if prefix == sep {
		return true
	}
	return strings.HasPrefix(path, prefix+sep)
}
