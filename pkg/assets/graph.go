/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package assets maintains the cross-workflow asset graph: producers,
// consumers, partition staleness, and the auto-materialize claim machinery.
package assets

import (
	"sort"

	"github.com/samber/lo"

	"github.com/openfathom/fathom/pkg/model"
)

// Endpoint names one step's relationship to an asset.
type Endpoint struct {
	WorkflowDefinitionID string                       `json:"workflowDefinitionId"`
	StepID               string                       `json:"stepId"`
	AutoMaterialize      *model.AutoMaterializePolicy `json:"autoMaterialize,omitempty"`
	Freshness            *model.AssetFreshness        `json:"freshness,omitempty"`
}

// Node is one asset with everything that reads or writes it.
type Node struct {
	AssetKey     string                  `json:"assetKey"`
	AssetID      string                  `json:"assetId"`
	Producers    []Endpoint              `json:"producers,omitempty"`
	Consumers    []Endpoint              `json:"consumers,omitempty"`
	Partitioning *model.PartitioningSpec `json:"partitioning,omitempty"`
}

// Edge is a direct upstream → downstream dependency: the producing workflow
// of To consumes From.
type Edge struct {
	From                 string `json:"from"`
	To                   string `json:"to"`
	WorkflowDefinitionID string `json:"workflowDefinitionId"`
}

// Graph is the derived asset dependency graph.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []Edge           `json:"edges"`
}

// Upstream returns the asset keys the given asset directly depends on.
func (g *Graph) Upstream(assetKey string) []string {
	var out []string
	for _, edge := range g.Edges {
		if edge.To == assetKey {
			out = append(out, edge.From)
		}
	}
	return lo.Uniq(out)
}

// Downstream returns the asset keys directly derived from the given asset.
func (g *Graph) Downstream(assetKey string) []string {
	var out []string
	for _, edge := range g.Edges {
		if edge.From == assetKey {
			out = append(out, edge.To)
		}
	}
	return lo.Uniq(out)
}

// BuildGraph derives the asset graph from every persisted declaration. An
// edge runs from each asset a workflow consumes to each asset it produces.
func BuildGraph(declarations []model.AssetDeclarationRecord) *Graph {
	graph := &Graph{Nodes: make(map[string]*Node)}
	consumedBy := make(map[string][]string) // workflowID -> consumed asset keys
	producedBy := make(map[string][]string) // workflowID -> produced asset keys

	for i := range declarations {
		decl := &declarations[i]
		node, ok := graph.Nodes[decl.AssetKey]
		if !ok {
			node = &Node{AssetKey: decl.AssetKey, AssetID: decl.AssetID}
			graph.Nodes[decl.AssetKey] = node
		}
		if node.Partitioning == nil {
			node.Partitioning = decl.Partitioning
		}
		endpoint := Endpoint{
			WorkflowDefinitionID: decl.WorkflowDefinitionID,
			StepID:               decl.StepID,
			AutoMaterialize:      decl.AutoMaterialize,
			Freshness:            decl.Freshness,
		}
		switch decl.Direction {
		case model.AssetDirectionProduces:
			node.Producers = append(node.Producers, endpoint)
			producedBy[decl.WorkflowDefinitionID] = append(producedBy[decl.WorkflowDefinitionID], decl.AssetKey)
		case model.AssetDirectionConsumes:
			node.Consumers = append(node.Consumers, endpoint)
			consumedBy[decl.WorkflowDefinitionID] = append(consumedBy[decl.WorkflowDefinitionID], decl.AssetKey)
		}
	}

	seen := make(map[Edge]struct{})
	for workflowID, produced := range producedBy {
		for _, to := range lo.Uniq(produced) {
			for _, from := range lo.Uniq(consumedBy[workflowID]) {
				if from == to {
					continue
				}
				edge := Edge{From: from, To: to, WorkflowDefinitionID: workflowID}
				if _, ok := seen[edge]; ok {
					continue
				}
				seen[edge] = struct{}{}
				graph.Edges = append(graph.Edges, edge)
			}
		}
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].From != graph.Edges[j].From {
			return graph.Edges[i].From < graph.Edges[j].From
		}
		return graph.Edges[i].To < graph.Edges[j].To
	})
	return graph
}
