package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/policy/logger"
)

// ============================================================================
// TREE TYPES
// ============================================================================

// NodeKind discriminates decision tree node roles.
type NodeKind string

const (
	NodeRoot      NodeKind = "root"
	NodeCondition NodeKind = "condition"
	NodeAction    NodeKind = "action"
	NodeLeaf      NodeKind = "leaf"
)

// DecisionNode is a labeled node in a decision tree. Condition nodes
// route on TrueChild/FalseChild; root nodes follow TrueChild; action and
// leaf nodes are terminal.
type DecisionNode struct {
	ID         string    `json:"id"`
	Kind       NodeKind  `json:"kind"`
	Label      string    `json:"label,omitempty"`
	Condition  Condition `json:"-"`
	Action     Decision  `json:"action,omitempty"`
	TrueChild  string    `json:"true_child,omitempty"`
	FalseChild string    `json:"false_child,omitempty"`
	Weight     float64   `json:"weight,omitempty"`
	Executions int       `json:"executions"`
	Successes  int       `json:"successes"`
}

// successRatio returns the node's historical success rate, or -1 when
// the node has no history yet.
func (n *DecisionNode) successRatio() float64 {
	if n.Executions == 0 {
		return -1
	}
	return float64(n.Successes) / float64(n.Executions)
}

// TreeStats aggregates a tree's execution history.
type TreeStats struct {
	Executions  int           `json:"executions"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	AvgElapsed  time.Duration `json:"avg_elapsed"`
}

// DecisionTree is a labeled decision graph evaluated top-down.
type DecisionTree struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Version     string                   `json:"version,omitempty"`
	RootID      string                   `json:"root_id"`
	Nodes       map[string]*DecisionNode `json:"nodes"`
	Scope       RuleScope                `json:"scope,omitempty"`
	MaxDepth    int                      `json:"max_depth,omitempty"`
	Enabled     bool                     `json:"enabled"`
	Stats       TreeStats                `json:"stats"`
}

// TreeStep is one visited node during traversal.
type TreeStep struct {
	NodeID  string `json:"node_id"`
	Label   string `json:"label,omitempty"`
	Matched bool   `json:"matched"`
}

// TreeResult is a tree execution outcome. Confidence averages the
// condition outcomes (1/0) along the path with each visited node's
// historical success rate; an empty sample scores 0.5.
type TreeResult struct {
	TreeID     string        `json:"tree_id"`
	Decision   Decision      `json:"decision"`
	Confidence float64       `json:"confidence"`
	Path       []TreeStep    `json:"path,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

const defaultMaxDepth = 10

// ============================================================================
// TREE ENGINE
// ============================================================================

// TreeEngine stores decision trees and executes them. Safe for
// concurrent use.
type TreeEngine struct {
	mu    sync.RWMutex
	trees map[string]*DecisionTree
	conds *ConditionEngine
	log   logger.Logger
}

// NewTreeEngine builds an engine sharing the given condition engine.
func NewTreeEngine(conds *ConditionEngine) *TreeEngine {
	if conds == nil {
		conds = NewConditionEngine()
	}
	return &TreeEngine{
		trees: make(map[string]*DecisionTree),
		conds: conds,
		log:   logger.NewNullLogger(),
	}
}

// SetLogger replaces the engine logger.
func (e *TreeEngine) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NewNullLogger()
	}
	e.mu.Lock()
	e.log = l
	e.mu.Unlock()
}

// CreateTree validates and stores a tree. Duplicate IDs are rejected.
func (e *TreeEngine) CreateTree(t *DecisionTree) error {
	if err := ValidateTree(t); err != nil {
		return err
	}
	if err := e.validateNodeConditions(t); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.trees[t.ID]; exists {
		return fmt.Errorf("tree %q already exists", t.ID)
	}
	if t.MaxDepth <= 0 {
		t.MaxDepth = defaultMaxDepth
	}
	e.trees[t.ID] = t
	e.log.Debug("tree created", "tree", t.ID, "nodes", len(t.Nodes))
	return nil
}

// UpdateTree replaces an existing tree, keeping its statistics.
func (e *TreeEngine) UpdateTree(t *DecisionTree) error {
	if err := ValidateTree(t); err != nil {
		return err
	}
	if err := e.validateNodeConditions(t); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, exists := e.trees[t.ID]
	if !exists {
		return fmt.Errorf("tree %q not found", t.ID)
	}
	if t.MaxDepth <= 0 {
		t.MaxDepth = defaultMaxDepth
	}
	t.Stats = old.Stats
	e.trees[t.ID] = t
	return nil
}

// DeleteTree removes a tree.
func (e *TreeEngine) DeleteTree(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.trees[id]; !exists {
		return fmt.Errorf("tree %q not found", id)
	}
	delete(e.trees, id)
	return nil
}

// GetTree returns a tree by ID.
func (e *TreeEngine) GetTree(id string) (*DecisionTree, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[id]
	if !ok {
		return nil, fmt.Errorf("tree %q not found", id)
	}
	return t, nil
}

// Trees lists all trees sorted by ID.
func (e *TreeEngine) Trees() []*DecisionTree {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DecisionTree, 0, len(e.trees))
	for _, t := range e.trees {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddNode inserts a node into an existing tree; the resulting tree must
// still validate.
func (e *TreeEngine) AddNode(treeID string, n *DecisionNode) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("node id required")
	}
	if err := e.validateCondition(n); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[treeID]
	if !ok {
		return fmt.Errorf("tree %q not found", treeID)
	}
	if _, exists := t.Nodes[n.ID]; exists {
		return fmt.Errorf("node %q already exists in tree %q", n.ID, treeID)
	}
	t.Nodes[n.ID] = n
	if err := ValidateTree(t); err != nil {
		delete(t.Nodes, n.ID)
		return err
	}
	return nil
}

// UpdateNode replaces a node, keeping its counters.
func (e *TreeEngine) UpdateNode(treeID string, n *DecisionNode) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("node id required")
	}
	if err := e.validateCondition(n); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[treeID]
	if !ok {
		return fmt.Errorf("tree %q not found", treeID)
	}
	old, exists := t.Nodes[n.ID]
	if !exists {
		return fmt.Errorf("node %q not found in tree %q", n.ID, treeID)
	}
	n.Executions = old.Executions
	n.Successes = old.Successes
	t.Nodes[n.ID] = n
	if err := ValidateTree(t); err != nil {
		t.Nodes[n.ID] = old
		return err
	}
	return nil
}

// RemoveNode deletes a node, refusing to orphan the root, and clears
// child references pointing at it.
func (e *TreeEngine) RemoveNode(treeID, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[treeID]
	if !ok {
		return fmt.Errorf("tree %q not found", treeID)
	}
	if t.RootID == nodeID {
		return fmt.Errorf("cannot remove root node of tree %q", treeID)
	}
	if _, exists := t.Nodes[nodeID]; !exists {
		return fmt.Errorf("node %q not found in tree %q", nodeID, treeID)
	}
	delete(t.Nodes, nodeID)
	for _, n := range t.Nodes {
		if n.TrueChild == nodeID {
			n.TrueChild = ""
		}
		if n.FalseChild == nodeID {
			n.FalseChild = ""
		}
	}
	return nil
}

// GetNode returns one node of a tree.
func (e *TreeEngine) GetNode(treeID, nodeID string) (*DecisionNode, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[treeID]
	if !ok {
		return nil, fmt.Errorf("tree %q not found", treeID)
	}
	n, ok := t.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %q not found in tree %q", nodeID, treeID)
	}
	return n, nil
}

func (e *TreeEngine) validateCondition(n *DecisionNode) error {
	if n.Condition == nil {
		return nil
	}
	if errs := e.conds.ValidateCondition(n.Condition); len(errs) > 0 {
		return fmt.Errorf("node %q: %s", n.ID, strings.Join(errs, "; "))
	}
	return nil
}

func (e *TreeEngine) validateNodeConditions(t *DecisionTree) error {
	for _, n := range t.Nodes {
		if n == nil {
			continue
		}
		if err := e.validateCondition(n); err != nil {
			return fmt.Errorf("tree %q: %w", t.ID, err)
		}
	}
	return nil
}

// ValidateTree checks structural integrity: a resolvable root, child
// references that exist, and conditions on condition nodes.
func ValidateTree(t *DecisionTree) error {
	if t == nil {
		return fmt.Errorf("nil tree")
	}
	if t.ID == "" {
		return fmt.Errorf("tree id required")
	}
	if len(t.Nodes) == 0 {
		return fmt.Errorf("tree %q has no nodes", t.ID)
	}
	if _, ok := t.Nodes[t.RootID]; !ok {
		return fmt.Errorf("tree %q: root node %q not found", t.ID, t.RootID)
	}
	for id, n := range t.Nodes {
		if n == nil {
			return fmt.Errorf("tree %q: node %q is nil", t.ID, id)
		}
		if n.ID != id {
			return fmt.Errorf("tree %q: node key %q does not match node id %q", t.ID, id, n.ID)
		}
		if n.Kind == NodeCondition && n.Condition == nil {
			return fmt.Errorf("tree %q: condition node %q has no condition", t.ID, id)
		}
		for _, child := range []string{n.TrueChild, n.FalseChild} {
			if child == "" {
				continue
			}
			if _, ok := t.Nodes[child]; !ok {
				return fmt.Errorf("tree %q: node %q references missing child %q", t.ID, id, child)
			}
		}
	}
	return nil
}

// ============================================================================
// TRAVERSAL
// ============================================================================

// nodeVisit is one traversal's effect on a node's counters.
type nodeVisit struct {
	nodeID  string
	success bool
}

// ExecuteTree traverses a tree against the context. A missing child or
// exceeded depth defers with confidence 0.5; condition evaluation
// failures route the false branch. The traversal works on a snapshot so
// condition evaluation never runs under the engine lock; counters are
// applied afterwards.
func (e *TreeEngine) ExecuteTree(treeID string, ec *EvalContext) (*TreeResult, error) {
	start := time.Now()
	if ec == nil {
		ec = &EvalContext{}
	}
	snap, err := e.snapshotTree(treeID)
	if err != nil {
		return nil, err
	}

	res := &TreeResult{TreeID: treeID, Decision: DecisionDefer}
	var samples []float64
	var visits []nodeVisit
	terminal := false

	cur := snap.RootID
	for depth := 0; cur != "" && depth <= snap.MaxDepth; depth++ {
		node, ok := snap.Nodes[cur]
		if !ok {
			break
		}
		// history from before this visit feeds the confidence sample
		if ratio := node.successRatio(); ratio >= 0 {
			samples = append(samples, ratio)
		}
		step := TreeStep{NodeID: node.ID, Label: node.Label}
		visit := nodeVisit{nodeID: node.ID}

		switch node.Kind {
		case NodeRoot:
			step.Matched = true
			visit.success = true
			cur = node.TrueChild
		case NodeCondition:
			cr := e.conds.Evaluate(node.Condition, ec)
			step.Matched = cr.Matched
			if cr.Matched {
				samples = append(samples, 1)
				visit.success = true
				cur = node.TrueChild
			} else {
				samples = append(samples, 0)
				cur = node.FalseChild
			}
		case NodeAction, NodeLeaf:
			step.Matched = true
			res.Decision = node.Action
			visit.success = true
			terminal = true
			cur = ""
		default:
			cur = ""
		}
		res.Path = append(res.Path, step)
		visits = append(visits, visit)
		if terminal {
			break
		}
	}

	if terminal {
		res.Confidence = mean(samples, 0.5)
	} else {
		res.Decision = DecisionDefer
		res.Confidence = 0.5
	}
	res.Elapsed = time.Since(start)

	e.applyTraversal(treeID, visits, res, terminal)
	return res, nil
}

// snapshotTree copies the traversal-relevant parts of a tree under the
// read lock. Conditions are shared, not copied; they are read-only
// after construction.
func (e *TreeEngine) snapshotTree(treeID string) (*DecisionTree, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[treeID]
	if !ok {
		return nil, fmt.Errorf("tree %q not found", treeID)
	}
	if !t.Enabled {
		return nil, fmt.Errorf("tree %q is disabled", treeID)
	}
	snap := &DecisionTree{
		ID:       t.ID,
		RootID:   t.RootID,
		MaxDepth: t.MaxDepth,
		Nodes:    make(map[string]*DecisionNode, len(t.Nodes)),
	}
	for id, n := range t.Nodes {
		dup := *n
		snap.Nodes[id] = &dup
	}
	return snap, nil
}

// applyTraversal folds one traversal's counters back into the live
// tree. The tree or individual nodes may have changed or vanished since
// the snapshot; whatever is gone is skipped.
func (e *TreeEngine) applyTraversal(treeID string, visits []nodeVisit, res *TreeResult, terminal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[treeID]
	if !ok {
		return
	}
	for _, v := range visits {
		n, ok := t.Nodes[v.nodeID]
		if !ok {
			continue
		}
		n.Executions++
		if v.success {
			n.Successes++
		}
	}
	t.Stats.Executions++
	if terminal && res.Decision != DecisionDefer {
		t.Stats.Successes++
	}
	t.Stats.SuccessRate = float64(t.Stats.Successes) / float64(t.Stats.Executions)
	prev := t.Stats.AvgElapsed
	t.Stats.AvgElapsed = prev + (res.Elapsed-prev)/time.Duration(t.Stats.Executions)
}

func mean(samples []float64, empty float64) float64 {
	if len(samples) == 0 {
		return empty
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// ApplicableTrees filters to enabled trees whose scope matches, ordered
// by historical success rate desc, then ID asc.
func (e *TreeEngine) ApplicableTrees(ec *EvalContext) []*DecisionTree {
	if ec == nil {
		ec = &EvalContext{}
	}
	now := ec.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DecisionTree, 0)
	for _, t := range e.trees {
		if t.Enabled && t.Scope.matches(ec.Subject, now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stats.SuccessRate != out[j].Stats.SuccessRate {
			return out[i].Stats.SuccessRate > out[j].Stats.SuccessRate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ErrNoApplicableTree is returned by ExecuteBest when no tree matches.
var ErrNoApplicableTree = fmt.Errorf("no applicable decision tree")

// ExecuteBest runs the most promising applicable tree.
func (e *TreeEngine) ExecuteBest(ec *EvalContext) (*TreeResult, error) {
	trees := e.ApplicableTrees(ec)
	if len(trees) == 0 {
		return nil, ErrNoApplicableTree
	}
	return e.ExecuteTree(trees[0].ID, ec)
}

// FindOptimalPath walks the tree greedily, at each condition node taking
// the child with the larger weight, and returns the visited node IDs.
func (e *TreeEngine) FindOptimalPath(treeID string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[treeID]
	if !ok {
		return nil, fmt.Errorf("tree %q not found", treeID)
	}
	path := make([]string, 0)
	cur := t.RootID
	for depth := 0; cur != "" && depth <= t.MaxDepth; depth++ {
		node, ok := t.Nodes[cur]
		if !ok {
			break
		}
		path = append(path, node.ID)
		switch node.Kind {
		case NodeRoot:
			cur = node.TrueChild
		case NodeCondition:
			cur = pickHeavier(t, node)
		default:
			cur = ""
		}
	}
	return path, nil
}

func pickHeavier(t *DecisionTree, n *DecisionNode) string {
	tw, fw := -1.0, -1.0
	if c, ok := t.Nodes[n.TrueChild]; ok {
		tw = c.Weight
	}
	if c, ok := t.Nodes[n.FalseChild]; ok {
		fw = c.Weight
	}
	if tw < 0 && fw < 0 {
		return ""
	}
	if fw > tw {
		return n.FalseChild
	}
	return n.TrueChild
}

// TreeStatistics returns the tree stats plus per-node counters.
func (e *TreeEngine) TreeStatistics(treeID string) (TreeStats, map[string]TreeStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trees[treeID]
	if !ok {
		return TreeStats{}, nil, fmt.Errorf("tree %q not found", treeID)
	}
	perNode := make(map[string]TreeStats, len(t.Nodes))
	for id, n := range t.Nodes {
		s := TreeStats{Executions: n.Executions, Successes: n.Successes}
		if n.Executions > 0 {
			s.SuccessRate = float64(n.Successes) / float64(n.Executions)
		}
		perNode[id] = s
	}
	return t.Stats, perNode, nil
}

// OptimizeTree zeroes the weight of nodes that have run at least 20
// times with under 10% success, steering FindOptimalPath away from
// them. Returns the demoted node IDs.
func (e *TreeEngine) OptimizeTree(treeID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[treeID]
	if !ok {
		return nil, fmt.Errorf("tree %q not found", treeID)
	}
	demoted := make([]string, 0)
	for id, n := range t.Nodes {
		if n.Executions >= 20 && n.successRatio() < 0.1 {
			n.Weight = 0
			demoted = append(demoted, id)
		}
	}
	sort.Strings(demoted)
	if len(demoted) > 0 {
		e.log.Info("tree optimized", "tree", treeID, "demoted", len(demoted))
	}
	return demoted, nil
}

// ============================================================================
// DEFAULT TREES
// ============================================================================

// DefaultTrees returns the stock approval tree: high priority items
// approve immediately, admin requesters approve, everything else
// escalates.
func DefaultTrees() []*DecisionTree {
	return []*DecisionTree{
		{
			ID:      "simple-approval-tree",
			Name:    "Simple approval",
			Version: "1",
			RootID:  "root",
			Enabled: true,
			Nodes: map[string]*DecisionNode{
				"root": {ID: "root", Kind: NodeRoot, Label: "start", TrueChild: "check-priority"},
				"check-priority": {
					ID: "check-priority", Kind: NodeCondition, Label: "high priority?",
					Condition:  &SimpleCondition{Field: "subject.priority", Op: OpEq, Value: "high"},
					TrueChild:  "auto-approve",
					FalseChild: "check-role",
					Weight:     1,
				},
				"check-role": {
					ID: "check-role", Kind: NodeCondition, Label: "admin requester?",
					Condition:  &SimpleCondition{Field: "subject.requester.role", Op: OpEq, Value: "admin"},
					TrueChild:  "approve-admin",
					FalseChild: "escalate",
					Weight:     0.8,
				},
				"auto-approve":  {ID: "auto-approve", Kind: NodeLeaf, Label: "auto approve", Action: DecisionApprove, Weight: 1},
				"approve-admin": {ID: "approve-admin", Kind: NodeLeaf, Label: "approve (admin)", Action: DecisionApprove, Weight: 0.9},
				"escalate":      {ID: "escalate", Kind: NodeLeaf, Label: "escalate", Action: DecisionEscalate, Weight: 0.5},
			},
		},
	}
}
