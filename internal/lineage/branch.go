package lineage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
)

// Relationship names a branch edge.
type Relationship string

const (
	RelContextVariant Relationship = "context_variant"
	RelInspiredBy     Relationship = "inspired_by"
	RelSupersedes     Relationship = "supersedes"
)

// BranchLink is a directed edge from Source to Target.
type BranchLink struct {
	SourceHash      string       `json:"source_hash"`
	TargetHash      string       `json:"target_hash"`
	Relationship    Relationship `json:"relationship"`
	ScriptContext   string       `json:"script_context,omitempty"`
	VariationReason string       `json:"variation_reason,omitempty"`
	CreatedAt       *time.Time   `json:"created_at,omitempty"`
}

type branchDoc struct {
	Links []BranchLink `json:"links"`
}

// TreeNode is one fix in a branch tree.
type TreeNode struct {
	FixHash         string       `json:"fix_hash"`
	Relationship    Relationship `json:"relationship,omitempty"`
	ScriptContext   string       `json:"script_context,omitempty"`
	VariationReason string       `json:"variation_reason,omitempty"`
	Children        []*TreeNode  `json:"children,omitempty"`
}

// CreateBranch appends a link. Repeated calls append repeated edges.
func (s *Store) CreateBranch(ctx context.Context, link BranchLink) (*BranchLink, error) {
	ctx, span := s.tracer.Start(ctx, "lineage.create_branch")
	defer span.End()

	link.SourceHash = strings.TrimSpace(link.SourceHash)
	link.TargetHash = strings.TrimSpace(link.TargetHash)
	if link.SourceHash == "" || link.TargetHash == "" {
		return nil, fail(span, fmt.Errorf("%w: source and target hashes are required", ErrValidation))
	}
	if link.SourceHash == link.TargetHash {
		return nil, fail(span, fmt.Errorf("%w: a fix cannot branch from itself", ErrValidation))
	}
	if link.Relationship == "" {
		link.Relationship = RelContextVariant
	}
	link.CreatedAt = clock.Stamp(s.clock)

	if err := s.branches.Update(ctx, func(doc *branchDoc) error {
		doc.Links = append(doc.Links, link)
		return nil
	}); err != nil {
		return nil, fail(span, fmt.Errorf("creating branch: %w", err))
	}

	rel := attribute.String("relationship", string(link.Relationship))
	span.SetAttributes(rel)
	if s.branchCounter != nil {
		s.branchCounter.Add(ctx, 1, metric.WithAttributes(rel))
	}

	s.logger.Debug("branch created",
		zap.String("source", link.SourceHash),
		zap.String("target", link.TargetHash),
		zap.String("relationship", string(link.Relationship)),
	)
	return &link, nil
}

// Links returns the outgoing edges of hash in insertion order.
func (s *Store) Links(ctx context.Context, hash string) ([]BranchLink, error) {
	doc, err := s.branches.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []BranchLink
	for _, l := range doc.Links {
		if l.SourceHash == hash {
			out = append(out, l)
		}
	}
	return out, nil
}

// Tree walks outgoing edges breadth-first from hash for up to depth hops.
// Each fix appears once in the tree, at its shallowest position.
func (s *Store) Tree(ctx context.Context, hash string, depth int) (*TreeNode, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, fmt.Errorf("%w: fix hash is required", ErrValidation)
	}
	doc, err := s.branches.Load(ctx)
	if err != nil {
		return nil, err
	}

	outgoing := make(map[string][]BranchLink)
	for _, l := range doc.Links {
		outgoing[l.SourceHash] = append(outgoing[l.SourceHash], l)
	}

	type item struct {
		node  *TreeNode
		level int
	}
	root := &TreeNode{FixHash: hash}
	visited := map[string]bool{hash: true}
	queue := []item{{root, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.level >= depth {
			continue
		}
		for _, l := range outgoing[cur.node.FixHash] {
			if visited[l.TargetHash] {
				continue
			}
			visited[l.TargetHash] = true
			child := &TreeNode{
				FixHash:         l.TargetHash,
				Relationship:    l.Relationship,
				ScriptContext:   l.ScriptContext,
				VariationReason: l.VariationReason,
			}
			cur.node.Children = append(cur.node.Children, child)
			queue = append(queue, item{child, cur.level + 1})
		}
	}
	return root, nil
}
