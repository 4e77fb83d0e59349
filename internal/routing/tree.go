// Package routing implements stage-1 call routing: discovery of the routing
// tree for a (caller, called) pair and its translation into the nested fork
// directives consumed by the telephone engine.
package routing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/store"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// Builder discovers the routing tree for one call. Expansion is breadth
// first; store reads for all nodes of a layer are issued in parallel and
// joined before the layer is classified, so the duplicate-detection set is
// only ever touched by the request's own goroutine.
type Builder struct {
	store    store.Gateway
	maxDepth int
}

func NewBuilder(gateway store.Gateway, maxDepth int) *Builder {
	if maxDepth <= 0 {
		maxDepth = 16
	}
	return &Builder{store: gateway, maxDepth: maxDepth}
}

// Discover materializes the routing tree for the call. On failure the
// partially built tree is returned alongside the error so that diagnostics
// can inspect it.
func (b *Builder) Discover(ctx context.Context, call *models.CallContext) (*models.TreeNode, error) {
	rootExt, err := b.store.ExtensionByNumber(ctx, call.CalledNumber)
	if err == store.ErrNotFound {
		return nil, errors.New(errors.ErrNoRoute, "called number not found").
			WithContext("called", call.CalledNumber).
			WithContext("unknown_called", true)
	}
	if err != nil {
		return nil, err
	}

	root := models.NewTreeNode(rootExt, "1", 0)
	// The root bypasses the duplicate check so that an extension can always
	// dial its own number.
	if rootExt.ID != 0 {
		if _, ok := call.Visited[rootExt.ID]; !ok {
			call.Visited[rootExt.ID] = root.TreePath
		}
	}

	layer := []*models.TreeNode{root}
	for len(layer) > 0 {
		if err := ctx.Err(); err != nil {
			return root, errors.Wrap(err, errors.ErrTimeout, "discovery cancelled")
		}

		forwards := make([]*models.Extension, len(layer))
		rankSets := make([][]models.ForkRank, len(layer))

		g, gctx := errgroup.WithContext(ctx)
		for i, node := range layer {
			i, node := i, node
			if needsForwardLoad(node) {
				g.Go(func() error {
					ext, err := b.store.ExtensionByID(gctx, *node.ForwardingExtensionID)
					if err == store.ErrNotFound {
						return nil
					}
					forwards[i] = ext
					return err
				})
			}
			if needsRankLoad(node) {
				g.Go(func() error {
					ranks, err := b.store.ForkRanks(gctx, node.ID)
					rankSets[i] = ranks
					return err
				})
			}
		}
		if err := g.Wait(); err != nil {
			return root, err
		}

		var next []*models.TreeNode
		for i, node := range layer {
			if err := b.expand(call, node, forwards[i], rankSets[i], &next); err != nil {
				return root, err
			}
		}
		layer = next
	}

	b.prune(root)
	if !root.Active {
		return root, errors.New(errors.ErrNoRoute, "no routable targets remain for "+call.CalledNumber)
	}
	return root, nil
}

func needsForwardLoad(n *models.TreeNode) bool {
	return n.Active && !n.DeviceOnly &&
		n.Kind != models.ExtensionKindExternal &&
		n.ForwardingMode != models.ForwardingModeDisabled &&
		n.ForwardingExtensionID != nil
}

func needsRankLoad(n *models.TreeNode) bool {
	if !n.Active || n.DeviceOnly || n.ImmediateForward() {
		return false
	}
	return n.Kind == models.ExtensionKindGroup || n.Kind == models.ExtensionKindMultiring
}

// expand classifies one node and attaches its children, updating the
// duplicate set and the next BFS layer.
func (b *Builder) expand(call *models.CallContext, n *models.TreeNode, fwd *models.Extension, ranks []models.ForkRank, next *[]*models.TreeNode) error {
	if !n.Active || n.DeviceOnly || n.Kind == models.ExtensionKindExternal {
		return nil
	}

	if n.ConditionalForward() && fwd != nil {
		// the telephone engine resolves ON_BUSY / ON_UNAVAILABLE at call
		// time; the edge is recorded but never spawns a discovery child
		n.CondForward = &models.ConditionalForward{Mode: n.ForwardingMode, Target: fwd}
	}

	if n.ImmediateForward() {
		if fwd == nil {
			n.Log(models.LogLevelWarn, "", "immediate forward of %s has no target, ignoring forward", n.Number)
			n.ForwardingMode = models.ForwardingModeDisabled
			return nil
		}
		if firstPath, dup := call.Visited[fwd.ID]; dup {
			n.Log(models.LogLevelWarn, firstPath, "forward target %s already present at %s, disabling forward for %s", fwd.Number, firstPath, n.TreePath)
			n.ForwardingMode = models.ForwardingModeDisabled
			return nil
		}
		child := models.NewTreeNode(fwd, n.TreePath+"-fwd", n.Depth+1)
		if child.Depth > b.maxDepth {
			return errors.New(errors.ErrForwardLoop, fmt.Sprintf("forward chain exceeds depth limit %d at %s", b.maxDepth, child.TreePath))
		}
		call.Visited[fwd.ID] = child.TreePath
		n.Forward = child
		*next = append(*next, child)
		return nil
	}

	needSelf := n.HasDevice() && (n.Kind == models.ExtensionKindMultiring || n.DelayedForward())
	if len(ranks) == 0 && !needSelf && !n.DelayedForward() {
		return nil
	}

	fwdDelay := 0
	if n.DelayedForward() {
		fwdDelay = *n.ForwardingDelay
	}

	accumulated := 0
	for i := range ranks {
		delay := 0
		if ranks[i].Delay != nil {
			delay = *ranks[i].Delay
		}
		if i > 0 && n.DelayedForward() && accumulated+delay >= fwdDelay {
			// these ranks would only start ringing after the forward has
			// already taken effect
			n.Log(models.LogLevelInfo, "", "dropping fork ranks from index %d: forward fires after %ds", i, fwdDelay)
			break
		}
		if i > 0 {
			accumulated += delay
		}

		tr := &models.TreeRank{
			Index: len(n.Ranks),
			Mode:  ranks[i].Mode,
			Delay: ranks[i].Delay,
		}
		if i == 0 && needSelf {
			b.attachSelfDevice(n, tr)
		}
		for _, member := range ranks[i].Members {
			if err := b.attachMember(call, n, tr, member.Kind, member.Active, member.Extension, next); err != nil {
				return err
			}
		}
		n.Ranks = append(n.Ranks, tr)
	}

	if len(ranks) == 0 && needSelf {
		tr := &models.TreeRank{Index: 0, Mode: models.RankModeDefault}
		b.attachSelfDevice(n, tr)
		n.Ranks = append(n.Ranks, tr)
	}

	if n.DelayedForward() {
		if fwd == nil {
			n.Log(models.LogLevelWarn, "", "delayed forward of %s has no target, ignoring forward", n.Number)
			return nil
		}
		delay := fwdDelay - accumulated
		if delay < 0 {
			delay = 0
		}
		mode := models.RankModeDrop
		if n.Kind == models.ExtensionKindMultiring {
			// multiring participation is additive: the own device keeps
			// ringing while the forward target is added
			mode = models.RankModeNext
		}
		tr := &models.TreeRank{
			Index:     len(n.Ranks),
			Mode:      mode,
			Delay:     &delay,
			Synthetic: true,
		}
		if err := b.attachMember(call, n, tr, models.MemberKindDefault, true, fwd, next); err != nil {
			return err
		}
		n.Ranks = append(n.Ranks, tr)
	}

	return nil
}

// attachSelfDevice inserts the extension's own device as the first member of
// the first fork rank (MULTIRING and delayed-forward expansion).
func (b *Builder) attachSelfDevice(n *models.TreeNode, tr *models.TreeRank) {
	ext := n.Extension
	path := fmt.Sprintf("%s-fr%d-%d", n.TreePath, tr.Index, len(tr.Members))
	device := models.NewTreeNode(&ext, path, n.Depth+1)
	device.DeviceOnly = true
	tr.Members = append(tr.Members, models.TreeMember{
		Kind:   models.MemberKindDefault,
		Active: true,
		Node:   device,
	})
}

func (b *Builder) attachMember(call *models.CallContext, n *models.TreeNode, tr *models.TreeRank, kind models.MemberKind, active bool, ext *models.Extension, next *[]*models.TreeNode) error {
	path := fmt.Sprintf("%s-fr%d-%d", n.TreePath, tr.Index, len(tr.Members))
	child := models.NewTreeNode(ext, path, n.Depth+1)

	if !active {
		// paused membership: discovered for observability, excluded from
		// route generation
		child.Active = false
		child.Log(models.LogLevelInfo, "", "membership paused by user")
		tr.Members = append(tr.Members, models.TreeMember{Kind: kind, Active: false, Node: child})
		return nil
	}

	if firstPath, dup := call.Visited[ext.ID]; dup {
		child.Active = false
		n.Log(models.LogLevelWarn, firstPath, "extension %s already present at %s, deactivating %s", ext.Number, firstPath, path)
		logger.WithField("call_id", call.CallID).WithField("extension", ext.Number).
			Debug("Duplicate extension deactivated during discovery")
		tr.Members = append(tr.Members, models.TreeMember{Kind: kind, Active: true, Node: child})
		return nil
	}

	if child.Depth > b.maxDepth {
		return errors.New(errors.ErrForwardLoop, fmt.Sprintf("routing tree exceeds depth limit %d at %s", b.maxDepth, path))
	}

	call.Visited[ext.ID] = path
	tr.Members = append(tr.Members, models.TreeMember{Kind: kind, Active: true, Node: child})
	if needsExpansion(child) {
		*next = append(*next, child)
	}
	return nil
}

func needsExpansion(n *models.TreeNode) bool {
	if n.Kind == models.ExtensionKindGroup || n.Kind == models.ExtensionKindMultiring {
		return true
	}
	return n.Kind != models.ExtensionKindExternal &&
		n.ForwardingMode != models.ForwardingModeDisabled &&
		n.ForwardingExtensionID != nil
}

// prune deactivates dead inner nodes bottom-up: groups whose every branch
// was emptied by paused memberships or duplicate deactivation.
func (b *Builder) prune(n *models.TreeNode) {
	if n.Forward != nil {
		b.prune(n.Forward)
	}
	for _, rank := range n.Ranks {
		for i := range rank.Members {
			if rank.Members[i].Node != nil {
				b.prune(rank.Members[i].Node)
			}
		}
	}

	if !n.Active || n.DeviceOnly || n.HasDevice() || n.Kind == models.ExtensionKindExternal {
		return
	}
	if n.Forward != nil && n.Forward.Active {
		return
	}
	if n.HasActiveMembers() {
		return
	}
	n.Active = false
	n.Log(models.LogLevelWarn, "", "no active members remain, group %s cannot route", n.Number)
}
