package models

import (
	"fmt"
	"strings"
)

// Log levels attached to routing tree nodes during discovery
type LogLevel string

const (
	LogLevelInfo LogLevel = "INFO"
	LogLevelWarn LogLevel = "WARN"
)

// NodeLog is a discovery observation attached to a tree node.
type NodeLog struct {
	Level       LogLevel `json:"level"`
	Message     string   `json:"message"`
	RelatedPath string   `json:"related_path,omitempty"`
}

// TreeMember is a fork rank slot in the routing tree.
type TreeMember struct {
	Kind   MemberKind `json:"type"`
	Active bool       `json:"active"`
	Node   *TreeNode  `json:"extension"`
}

// TreeRank is one fork rank of an inner tree node. Synthetic ranks carry a
// delayed forward target and do not come from the store.
type TreeRank struct {
	Index     int          `json:"index"`
	Mode      RankMode     `json:"mode"`
	Delay     *int         `json:"delay"`
	Synthetic bool         `json:"synthetic,omitempty"`
	Members   []TreeMember `json:"members"`
}

// ConditionalForward records an ON_BUSY / ON_UNAVAILABLE forward edge. The
// telephone engine resolves the condition at call time, so the target is
// loaded for its number but never expanded.
type ConditionalForward struct {
	Mode   ForwardingMode `json:"mode"`
	Target *Extension     `json:"target"`
}

// TreeNode is a per-request routing tree node: an extension snapshot plus
// its position, discovery state and children.
type TreeNode struct {
	Extension
	TreePath    string              `json:"tree_path"`
	Depth       int                 `json:"-"`
	Active      bool                `json:"active"`
	DeviceOnly  bool                `json:"device_only,omitempty"`
	Logs        []NodeLog           `json:"logs,omitempty"`
	Ranks       []*TreeRank         `json:"fork_ranks,omitempty"`
	Forward     *TreeNode           `json:"forwarding_node,omitempty"`
	CondForward *ConditionalForward `json:"conditional_forward,omitempty"`
}

// NewTreeNode wraps an extension snapshot at the given position.
func NewTreeNode(ext *Extension, treePath string, depth int) *TreeNode {
	return &TreeNode{
		Extension: *ext,
		TreePath:  treePath,
		Depth:     depth,
		Active:    true,
	}
}

// Log appends a discovery observation to this node.
func (n *TreeNode) Log(level LogLevel, relatedPath, format string, args ...interface{}) {
	n.Logs = append(n.Logs, NodeLog{
		Level:       level,
		Message:     fmt.Sprintf(format, args...),
		RelatedPath: relatedPath,
	})
}

// IsLeaf reports whether the node routes without further expansion: EXTERNAL,
// a device-only slot, or a device extension with no forward to follow and no
// active rank members. A GROUP is never a leaf; one without active members is
// a dead inner node.
func (n *TreeNode) IsLeaf() bool {
	if n.DeviceOnly || n.Kind == ExtensionKindExternal {
		return true
	}
	if n.ForwardingMode == ForwardingModeEnabled {
		return false
	}
	switch n.Kind {
	case ExtensionKindSimple:
		return true
	case ExtensionKindMultiring:
		return !n.HasActiveMembers()
	default:
		return false
	}
}

// HasActiveMembers reports whether any rank carries an active member whose
// node was not deactivated during discovery.
func (n *TreeNode) HasActiveMembers() bool {
	for _, rank := range n.Ranks {
		for _, m := range rank.Members {
			if m.Active && m.Node != nil && m.Node.Active {
				return true
			}
		}
	}
	return false
}

// Result kinds
type ResultKind string

const (
	ResultKindTerminal ResultKind = "terminal"
	ResultKindFork     ResultKind = "fork"
)

// CallTarget is a routing instruction for the telephone engine: a target
// string plus its parameter map. Rank separators are encoded as parameterless
// pseudo-targets ("|", "|next=N", "|drop=N").
type CallTarget struct {
	Target string            `json:"target"`
	Params map[string]string `json:"parameters,omitempty"`
}

// NewCallTarget builds a target with a copy of the given params.
func NewCallTarget(target string, params map[string]string) *CallTarget {
	ct := &CallTarget{Target: target, Params: make(map[string]string, len(params))}
	for k, v := range params {
		ct.Params[k] = v
	}
	return ct
}

// Copy returns a deep copy; fork assembly decorates copies with per-member
// parameters without touching the child's cached result.
func (t *CallTarget) Copy() *CallTarget {
	return NewCallTarget(t.Target, t.Params)
}

// IsSeparator reports whether the target is a rank separator marker.
func (t *CallTarget) IsSeparator() bool {
	return strings.HasPrefix(t.Target, "|")
}

// SetParam assigns a parameter, allocating the map if needed.
func (t *CallTarget) SetParam(key, value string) {
	if t.Params == nil {
		t.Params = make(map[string]string)
	}
	t.Params[key] = value
}

// RoutingResult is the generator output for one tree node: either a terminal
// instruction or a fork whose symbolic target resolves through the cache.
type RoutingResult struct {
	Kind        ResultKind    `json:"type"`
	Target      *CallTarget   `json:"target"`
	ForkTargets []*CallTarget `json:"fork_targets,omitempty"`
}

func (r *RoutingResult) IsTerminal() bool {
	return r.Kind == ResultKindTerminal
}

func (r *RoutingResult) IsFork() bool {
	return r.Kind == ResultKindFork
}
