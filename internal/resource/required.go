package resource

// RequiredFor derives the required-resources vector for a spec: for each
// parameter whose name matches a pool type, append slots=1 instances equal
// to the parameter value; the "nodes" parameter expands to per-node
// cpus/gpus via Pinfo. The result is a single
// conjunctive Group wrapped in the disjunctive Requirements shape rules
// and the scheduler both expect.
func RequiredFor(pool *Pool, params map[string]any) []Group {
	types := pool.Types()
	isType := make(map[string]bool, len(types))
	for _, t := range types {
		isType[t] = true
	}

	var group Group
	for name, v := range params {
		n, ok := asCount(v)
		if !ok || n <= 0 {
			continue
		}
		if name == "nodes" {
			cpn := pool.Pinfo("cpus_per_node")
			gpn := pool.Pinfo("gpus_per_node")
			if cpn > 0 {
				group = append(group, Requirement{Type: "cpus", Slots: n * cpn})
			}
			if gpn > 0 {
				group = append(group, Requirement{Type: "gpus", Slots: n * gpn})
			}
			continue
		}
		if isType[name] {
			group = append(group, Requirement{Type: name, Slots: n})
		}
	}
	if len(group) == 0 {
		return nil
	}
	return []Group{group}
}

func asCount(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// ImplicitParameters returns the derived parameter set ('s
// ParameterRule target, "cpus, gpus, nodes, runtime") a spec's parameters
// are unioned with before rule evaluation.
func ImplicitParameters(pool *Pool, runtime float64) map[string]any {
	return map[string]any{
		"cpus":    pool.Pinfo("cpus_per_node"),
		"gpus":    pool.Pinfo("gpus_per_node"),
		"nodes":   pool.Pinfo("nodes"),
		"runtime": runtime,
	}
}
