// Package dag validates and executes small command graphs: steps with
// declared dependencies, dispatched concurrently through the process
// supervisor, with first-failure cancellation.
package dag

import (
	"fmt"
	"sort"

	"github.com/hanzoai/mcp/pkg/protocol"
)

// Step is one atomic command in the graph.
type Step struct {
	ID    string
	Run   string
	After []string
}

// Normalize converts the wire step list into atomic steps.
//
// An entry is one of:
//   - a bare command string: runs after the previous entry;
//   - {id?, run, after?}: dependencies are exactly the after list (absent
//     means none);
//   - {parallel: [member...], after?}: members share the group's
//     predecessor set and run concurrently.
//
// Entries without an id get step-N, numbered by atomic position. A bare
// string or a group without an after list chains after every atom of the
// previous entry.
func Normalize(raw []interface{}) ([]Step, error) {
	if len(raw) == 0 {
		return nil, protocol.Failf(protocol.KindInvalidArguments, "steps must not be empty")
	}

	var steps []Step
	var prevIDs []string
	n := 0

	nextID := func() string {
		return fmt.Sprintf("step-%d", n)
	}

	appendAtom := func(id, run string, after []string) (string, error) {
		n++
		if id == "" {
			id = nextID()
		}
		if run == "" {
			return "", protocol.Failf(protocol.KindInvalidArguments,
				"step %s: run must not be empty", id)
		}
		steps = append(steps, Step{ID: id, Run: run, After: after})
		return id, nil
	}

	for i, entry := range raw {
		switch e := entry.(type) {
		case string:
			id, err := appendAtom("", e, prevIDs)
			if err != nil {
				return nil, err
			}
			prevIDs = []string{id}

		case map[string]interface{}:
			if members, isGroup := e["parallel"]; isGroup {
				after := prevIDs
				if v, ok := e["after"]; ok {
					explicit, err := stringList(v)
					if err != nil {
						return nil, protocol.Failf(protocol.KindInvalidArguments,
							"steps[%d]: after must be a list of step ids", i)
					}
					after = explicit
				}
				ids, err := normalizeGroup(members, after, appendAtom)
				if err != nil {
					return nil, err
				}
				prevIDs = ids
				continue
			}

			id, run, after, err := decodeStepObject(e)
			if err != nil {
				return nil, err
			}
			id, err = appendAtom(id, run, after)
			if err != nil {
				return nil, err
			}
			prevIDs = []string{id}

		default:
			return nil, protocol.Failf(protocol.KindInvalidArguments,
				"steps[%d]: must be a command string or a step object", i)
		}
	}

	return steps, nil
}

func normalizeGroup(members interface{}, after []string, appendAtom func(string, string, []string) (string, error)) ([]string, error) {
	list, ok := members.([]interface{})
	if !ok || len(list) == 0 {
		return nil, protocol.Failf(protocol.KindInvalidArguments,
			"parallel group must be a non-empty list of steps")
	}

	ids := make([]string, 0, len(list))
	for i, m := range list {
		switch member := m.(type) {
		case string:
			id, err := appendAtom("", member, after)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)

		case map[string]interface{}:
			id, run, memberAfter, err := decodeStepObject(member)
			if err != nil {
				return nil, err
			}
			// Members share the group's predecessor set; a member's own
			// after list adds to it.
			combined := append(append([]string(nil), after...), memberAfter...)
			id, err = appendAtom(id, run, combined)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)

		default:
			return nil, protocol.Failf(protocol.KindInvalidArguments,
				"parallel[%d]: must be a command string or a step object", i)
		}
	}
	return ids, nil
}

func decodeStepObject(e map[string]interface{}) (id, run string, after []string, err error) {
	if v, ok := e["id"]; ok {
		id, ok = v.(string)
		if !ok {
			return "", "", nil, protocol.Failf(protocol.KindInvalidArguments,
				"step id must be a string")
		}
	}
	if v, ok := e["run"]; ok {
		run, ok = v.(string)
		if !ok {
			return "", "", nil, protocol.Failf(protocol.KindInvalidArguments,
				"step %s: run must be a string", id)
		}
	}
	if v, ok := e["after"]; ok {
		after, err = stringList(v)
		if err != nil {
			return "", "", nil, protocol.Failf(protocol.KindInvalidArguments,
				"step %s: after must be a list of step ids", id)
		}
	}
	return id, run, after, nil
}

func stringList(v interface{}) ([]string, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("not a list")
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}

// Validate checks id uniqueness, dependency resolution, and acyclicity
// (Kahn). Violations surface as InvalidArguments naming the offender.
func Validate(steps []Step) error {
	byID := make(map[string]Step, len(steps))
	for _, st := range steps {
		if _, dup := byID[st.ID]; dup {
			return protocol.Failf(protocol.KindInvalidArguments,
				"duplicate step id %q", st.ID)
		}
		byID[st.ID] = st
	}

	indeg := make(map[string]int, len(steps))
	succs := make(map[string][]string, len(steps))
	for _, st := range steps {
		for _, dep := range st.After {
			if _, known := byID[dep]; !known {
				return protocol.Failf(protocol.KindInvalidArguments,
					"step %q: unknown dependency %q", st.ID, dep)
			}
			indeg[st.ID]++
			succs[dep] = append(succs[dep], st.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, st := range steps {
		if indeg[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range succs[id] {
			indeg[succ]--
			if indeg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(steps) {
		var cycle []string
		for id, d := range indeg {
			if d > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return protocol.Failf(protocol.KindInvalidArguments,
			"dependency cycle involving %v", cycle)
	}
	return nil
}
