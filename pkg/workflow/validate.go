/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"fmt"
	"sort"

	"github.com/openfathom/fathom/pkg/errors"
	"github.com/openfathom/fathom/pkg/model"
)

// DAG rejection reasons carried in the error detail.
const (
	ReasonDuplicateStepID     = "duplicate_step_id"
	ReasonUnknownDependency   = "unknown_dependency"
	ReasonCycleDetected       = "cycle_detected"
	ReasonTemplateIDCollision = "template_id_collision"
	ReasonDuplicateResultKey  = "duplicate_store_result_key"
)

// ValidateDag checks the step graph of a normalized definition and attaches
// the computed metadata. Topological order breaks ties by declaration order.
func ValidateDag(def *model.WorkflowDefinition) error {
	index := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		id := def.Steps[i].ID
		if _, ok := index[id]; ok {
			return errors.NewDagInvalid(ReasonDuplicateStepID, fmt.Sprintf("step id %q declared twice", id))
		}
		index[id] = i
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Template != nil {
			if _, ok := index[step.Template.ID]; ok {
				return errors.NewDagInvalid(ReasonTemplateIDCollision,
					fmt.Sprintf("fan-out template id %q collides with a step id", step.Template.ID))
			}
		}
	}
	if err := checkResultKeys(def.Steps); err != nil {
		return err
	}

	adjacency := make(map[string][]string, len(def.Steps))
	indegree := make(map[string]int, len(def.Steps))
	edges := 0
	for i := range def.Steps {
		step := &def.Steps[i]
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return errors.NewDagInvalid(ReasonUnknownDependency,
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
			adjacency[dep] = append(adjacency[dep], step.ID)
			indegree[step.ID]++
			edges++
		}
	}

	var roots, order []string
	ready := make([]string, 0, len(def.Steps))
	for i := range def.Steps {
		id := def.Steps[i].ID
		if indegree[id] == 0 {
			ready = append(ready, id)
			roots = append(roots, id)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		// keep declaration order among equally-ready steps
		sort.Slice(ready, func(a, b int) bool { return index[ready[a]] < index[ready[b]] })
	}
	if len(order) != len(def.Steps) {
		var stuck []string
		for id, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return errors.NewDagInvalid(ReasonCycleDetected, fmt.Sprintf("cycle involving steps %v", stuck))
	}

	def.Dag = &model.DagMetadata{
		TopologicalOrder: order,
		Adjacency:        adjacency,
		Roots:            roots,
		Edges:            edges,
	}
	return nil
}

func checkResultKeys(steps []model.Step) error {
	seen := make(map[string]string)
	record := func(key, stepID string) error {
		if key == "" {
			return nil
		}
		if prev, ok := seen[key]; ok {
			return errors.NewDagInvalid(ReasonDuplicateResultKey,
				fmt.Sprintf("result key %q used by both %q and %q", key, prev, stepID))
		}
		seen[key] = stepID
		return nil
	}
	for i := range steps {
		step := &steps[i]
		if err := record(step.StoreResultAs, step.ID); err != nil {
			return err
		}
		if err := record(step.StoreResultsAs, step.ID); err != nil {
			return err
		}
		if step.Template != nil {
			if err := record(step.Template.StoreResultAs, step.Template.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
