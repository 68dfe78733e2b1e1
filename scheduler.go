package baton

import (
	"fmt"
	"sort"

	"github.com/tandemlab/baton/set"
)

// Layers turns a definition's step graph into the ordered layers the
// supervisor dispatches: each layer is the set of step names allowed to
// run concurrently once every earlier layer has settled.
//
// With parallel execution disabled every layer holds exactly one step, in
// declared order; dependency edges carry no ordering weight in that mode.
// With it enabled, layers are extracted from the dependency graph: a step
// joins the next layer once none of its dependencies remain unscheduled.
// Steps inside a layer are sorted by name so runs are reproducible.
func Layers(def *Definition) ([][]string, error) {
	if !def.ParallelExecution {
		layers := make([][]string, 0, len(def.Steps))
		for i := range def.Steps {
			layers = append(layers, []string{def.Steps[i].Name})
		}
		return layers, nil
	}
	return dependencyLayers(def)
}

func dependencyLayers(def *Definition) ([][]string, error) {
	g, err := def.Graph()
	if err != nil {
		return nil, err
	}

	remaining := set.New[string]()
	for i := range def.Steps {
		remaining.Insert(def.Steps[i].Name)
	}

	var layers [][]string
	for remaining.Len() > 0 {
		var layer []string
		for i := range def.Steps {
			name := def.Steps[i].Name
			if !remaining.Contains(name) {
				continue
			}
			ready := true
			for _, dep := range g.Predecessors(name) {
				if remaining.Contains(dep) {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			// Validation rejects cycles, so reaching this means a
			// definition bypassed it.
			return nil, fmt.Errorf("%w in saga %q", ErrNoProgress, def.Name)
		}
		sort.Strings(layer)
		for _, name := range layer {
			remaining.Remove(name)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
