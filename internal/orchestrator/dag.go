package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/loomctl/pipelinecore/internal/domain"
)

// stageRefPattern matches stages["name"] references inside an expression
// string, the syntax by which one stage's binding reaches into another's
// collected outputs.
var stageRefPattern = regexp.MustCompile(`stages\["([^"]+)"\]`)

// compileDAG validates stage names, derives the full dependency set (explicit
// dependsOn plus implicit references via gather.stage and stages["x"] path
// expressions), rewrites a gather "count:N" condition into GatherCount plus
// CountN, and returns a deterministic topological order. Ported from
// the teacher's Kahn-sort validateDAG: stable by input order, cycle detection
// via a no-progress fixed point.
func compileDAG(stages []domain.StageDefinition) ([]string, map[string][]string, error) {
	if len(stages) == 0 {
		return nil, nil, nil
	}

	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return nil, nil, domain.NewError(domain.KindInvalidPipeline, "stage missing name")
		}
		if seen[s.Name] {
			return nil, nil, domain.NewError(domain.KindInvalidPipeline, "duplicate stage name: "+s.Name)
		}
		seen[s.Name] = true
		if g := s.Gather; g != nil && strings.HasPrefix(string(g.Condition), "count:") {
			n, err := strconv.Atoi(strings.TrimPrefix(string(g.Condition), "count:"))
			if err != nil || n < 1 {
				return nil, nil, domain.NewError(domain.KindInvalidPipeline, "invalid gather condition: "+string(g.Condition))
			}
			g.Condition, g.CountN = domain.GatherCount, n
		}
	}

	deps := make(map[string][]string, len(stages))
	for _, s := range stages {
		set := map[string]bool{}
		for _, d := range s.DependsOn {
			set[d] = true
		}
		for _, d := range referencedStages(s) {
			set[d] = true
		}
		list := make([]string, 0, len(set))
		for d := range set {
			list = append(list, d)
		}
		sort.Strings(list)
		for _, d := range list {
			if !seen[d] {
				return nil, nil, domain.NewError(domain.KindInvalidPipeline,
					fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, d))
			}
			if d == s.Name {
				return nil, nil, domain.NewError(domain.KindInvalidPipeline,
					fmt.Sprintf("stage %q depends on itself", s.Name))
			}
		}
		deps[s.Name] = list
	}

	indeg := make(map[string]int, len(stages))
	out := make(map[string][]string, len(stages))
	for _, s := range stages {
		indeg[s.Name] = len(deps[s.Name])
	}
	for _, s := range stages {
		for _, d := range deps[s.Name] {
			out[d] = append(out[d], s.Name)
		}
	}

	order := make([]string, 0, len(stages))
	added := make(map[string]bool, len(stages))
	for {
		progressed := false
		for _, s := range stages {
			if added[s.Name] {
				continue
			}
			if indeg[s.Name] == 0 {
				added[s.Name] = true
				order = append(order, s.Name)
				for _, n := range out[s.Name] {
					indeg[n]--
				}
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	if len(order) != len(stages) {
		return nil, nil, domain.NewError(domain.KindInvalidPipeline, "cycle detected in stage graph")
	}
	return order, deps, nil
}

// referencedStages scans a stage definition's expression-bearing fields for
// stages["name"] references, the implicit-edge source beyond gather.stage
// and dependsOn.
func referencedStages(def domain.StageDefinition) []string {
	var found []string
	add := func(s string) {
		for _, m := range stageRefPattern.FindAllStringSubmatch(s, -1) {
			found = append(found, m[1])
		}
	}

	add(def.When)
	if ref := def.Actor; true {
		add(ref.Strategy)
		for _, c := range ref.WhenCases {
			add(c.Condition)
		}
	}
	scanInputRefs(def.Input, add)
	if def.Scatter != nil {
		add(def.Scatter.Input)
		add(def.Scatter.Condition)
	}
	if def.Gather != nil {
		found = append(found, def.Gather.Stage...)
		add(def.Gather.GroupBy)
	}
	if def.ForkJoin != nil {
		for _, b := range def.ForkJoin.Branches {
			scanInputRefs(b.Input, add)
		}
	}
	return found
}

func scanInputRefs(input any, add func(string)) {
	switch v := input.(type) {
	case string:
		add(v)
	case map[string]any:
		for _, e := range v {
			scanInputRefs(e, add)
		}
	case []any:
		for _, e := range v {
			scanInputRefs(e, add)
		}
	}
}
