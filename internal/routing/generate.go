package routing

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// RouteSet is the generator output for one call: the decorated main result
// plus the intermediate results that back the symbolic lateroute names.
type RouteSet struct {
	Main *models.RoutingResult
	// Results holds one entry per inner tree node, keyed by tree path.
	Results map[string]*models.RoutingResult
	// Order lists the tree paths children-before-parents, the order in which
	// the dispatcher persists them.
	Order []string
}

// Generator turns a discovered routing tree into engine directives
// bottom-up. One terminal or fork result is produced per node; inner-node
// results are collected for the cache so the engine can resolve their
// symbolic names while the call progresses.
type Generator struct {
	cfg config.RoutingConfig

	// ringbackExists is swapped in tests to avoid touching the filesystem.
	ringbackExists func(path string) bool
}

func NewGenerator(cfg config.RoutingConfig) *Generator {
	return &Generator{
		cfg: cfg,
		ringbackExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Generate computes the route set for the discovered tree.
func (g *Generator) Generate(call *models.CallContext, root *models.TreeNode) (*RouteSet, error) {
	v := &genVisitor{
		gen:  g,
		call: call,
		set:  &RouteSet{Results: make(map[string]*models.RoutingResult)},
	}

	result, err := v.visit(root)
	if err != nil {
		return nil, err
	}

	main := g.wrapRingback(v, result, root)
	v.set.Main = g.decorateMain(v, main, root)
	return v.set, nil
}

// genVisitor carries the per-call traversal state.
type genVisitor struct {
	gen  *Generator
	call *models.CallContext
	set  *RouteSet
	// forwarded is set once any forward edge shaped the route, which makes
	// the originally called number part of the main result.
	forwarded bool
}

func (v *genVisitor) visit(n *models.TreeNode) (*models.RoutingResult, error) {
	if n.Forward != nil && n.Forward.Active {
		res, err := v.visit(n.Forward)
		if err != nil {
			return nil, err
		}
		v.forwarded = true
		// republish under this node's path so that the symbolic name of the
		// forwarding node resolves to the forwarded route
		alias := &models.RoutingResult{
			Kind:        res.Kind,
			Target:      res.Target.Copy(),
			ForkTargets: res.ForkTargets,
		}
		if res.IsFork() {
			alias.Target = models.NewCallTarget(v.symbolic(n.TreePath), nil)
		}
		v.record(n.TreePath, alias)
		return alias, nil
	}

	if n.IsLeaf() {
		target, err := v.leafTarget(n)
		if err != nil {
			return nil, err
		}
		v.condForwardParams(n, target)
		return &models.RoutingResult{Kind: models.ResultKindTerminal, Target: target}, nil
	}

	return v.visitInner(n)
}

func (v *genVisitor) visitInner(n *models.TreeNode) (*models.RoutingResult, error) {
	var forks []*models.CallTarget
	pendingDelay := 0
	for _, rank := range n.Ranks {
		var members []*models.CallTarget
		for _, m := range rank.Members {
			if !m.Active || m.Node == nil || !m.Node.Active {
				continue
			}
			res, err := v.visit(m.Node)
			if err != nil {
				return nil, err
			}
			child := res.Target.Copy()
			if calltype := m.Kind.ForkCalltype(); calltype != "" {
				child.SetParam("fork.calltype", calltype)
			}
			v.condForwardParams(m.Node, child)
			members = append(members, child)
		}
		if len(members) == 0 {
			// an emptied rank contributes no members, but it keeps its slot
			// in the ring schedule: its delay is folded into the next
			// separator so later ranks still start at their configured time
			if rank.Delay != nil {
				pendingDelay += *rank.Delay
			}
			continue
		}
		if len(forks) > 0 {
			forks = append(forks, rankSeparator(rank, pendingDelay))
		}
		pendingDelay = 0
		if rank.Synthetic {
			v.forwarded = true
		}
		forks = append(forks, members...)
	}

	if len(forks) == 0 {
		return nil, errors.New(errors.ErrNoRoute, "no routable fork targets at "+n.TreePath)
	}

	res := &models.RoutingResult{
		Kind:        models.ResultKindFork,
		Target:      models.NewCallTarget(v.symbolic(n.TreePath), nil),
		ForkTargets: forks,
	}
	v.record(n.TreePath, res)
	return res, nil
}

// leafTarget emits the terminal routing instruction for a routable leaf.
func (v *genVisitor) leafTarget(n *models.TreeNode) (*models.CallTarget, error) {
	cfg := v.gen.cfg

	if n.Kind == models.ExtensionKindExternal && n.HomeServerID == nil {
		if v.call.Caller == nil || !v.call.Caller.DialoutAllowed {
			return nil, errors.New(errors.ErrForbidden, "dial-out not allowed for caller").
				WithContext("called", n.Number)
		}
		if cfg.GatewayHost == "" {
			return nil, errors.New(errors.ErrNoRoute, "no outbound gateway configured for "+n.Number)
		}
		return models.NewCallTarget(fmt.Sprintf("sip/sip:%s@%s", n.Number, cfg.GatewayHost), nil), nil
	}

	if n.HomeServerID == nil || *n.HomeServerID == cfg.LocalServerID {
		target := models.NewCallTarget("lateroute/"+n.Number, nil)
		target.SetParam("eventphone_stage2", "1")
		if name := n.DisplayName(); name != "" {
			target.SetParam("calledname", name)
		}
		return target, nil
	}

	contact, ok := cfg.Servers[*n.HomeServerID]
	if !ok {
		return nil, errors.New(errors.ErrConfiguration,
			fmt.Sprintf("no contact configured for home server %d", *n.HomeServerID)).
			WithContext("extension", n.Number)
	}
	target := models.NewCallTarget(fmt.Sprintf("sip/sip:%s@%s", n.Number, contact.Hostname), nil)
	if contact.Listener != "" {
		target.SetParam("oconnection_id", contact.Listener)
	}
	return target, nil
}

// condForwardParams attaches the engine hints for ON_BUSY / ON_UNAVAILABLE
// forwards; the engine's fork processor resolves the condition at call time.
func (v *genVisitor) condForwardParams(n *models.TreeNode, target *models.CallTarget) {
	if n.CondForward == nil {
		return
	}
	switch n.CondForward.Mode {
	case models.ForwardingModeOnBusy:
		target.SetParam("fork.stop", "busy")
	case models.ForwardingModeOnUnavailable:
		target.SetParam("fork.stop", "unavailable")
	}
	target.SetParam("redirect.target", "lateroute/"+n.CondForward.Target.Number)
}

func (v *genVisitor) symbolic(treePath string) string {
	return fmt.Sprintf("lateroute/stage1-%s-%s", v.call.CallID, treePath)
}

func (v *genVisitor) record(treePath string, res *models.RoutingResult) {
	v.set.Results[treePath] = res
	v.set.Order = append(v.set.Order, treePath)
}

// rankSeparator builds the pseudo-target between two fork groups. extraDelay
// carries the waiting time of emptied ranks that were skipped since the last
// separator.
func rankSeparator(rank *models.TreeRank, extraDelay int) *models.CallTarget {
	delay := extraDelay
	if rank.Delay != nil {
		delay += *rank.Delay
	}
	switch rank.Mode {
	case models.RankModeDrop:
		return models.NewCallTarget(fmt.Sprintf("|drop=%d", delay), nil)
	case models.RankModeNext:
		return models.NewCallTarget(fmt.Sprintf("|next=%d", delay), nil)
	default:
		return models.NewCallTarget("|", nil)
	}
}

// wrapRingback prepends a persistent early-media leg when the called
// extension carries a ringback sound. The cached inner-node entries stay
// untouched; only the main result gets the extra leg.
func (g *Generator) wrapRingback(v *genVisitor, res *models.RoutingResult, root *models.TreeNode) *models.RoutingResult {
	if root.Ringback == "" {
		return res
	}
	file := filepath.Join(g.cfg.SoundsDir, root.Ringback+".slin")
	if !g.ringbackExists(file) {
		logger.WithField("file", file).Warn("Ringback sound missing, routing without early media")
		return res
	}

	wave := models.NewCallTarget("wave/play/"+file, nil)
	wave.SetParam("fork.calltype", models.MemberKindPersistent.ForkCalltype())
	wave.SetParam("fork.autoring", "true")
	wave.SetParam("fork.automessage", "call.progress")

	if res.IsFork() {
		targets := make([]*models.CallTarget, 0, len(res.ForkTargets)+1)
		targets = append(targets, wave)
		targets = append(targets, res.ForkTargets...)
		return &models.RoutingResult{Kind: models.ResultKindFork, Target: res.Target.Copy(), ForkTargets: targets}
	}
	return &models.RoutingResult{
		Kind:        models.ResultKindFork,
		Target:      models.NewCallTarget(v.symbolic(root.TreePath), nil),
		ForkTargets: []*models.CallTarget{wave, res.Target},
	}
}

// decorateMain copies the root result and attaches the call-wide parameters:
// correlation id, caller presentation and the originally called number when a
// forward reshaped the route.
func (g *Generator) decorateMain(v *genVisitor, res *models.RoutingResult, root *models.TreeNode) *models.RoutingResult {
	main := &models.RoutingResult{
		Kind:        res.Kind,
		Target:      res.Target.Copy(),
		ForkTargets: res.ForkTargets,
	}
	t := main.Target
	t.SetParam("x_eventphone_id", v.call.CallID)
	t.SetParam("osip_X-Eventphone-Id", v.call.CallID)

	if v.forwarded {
		t.SetParam("x_originally_called", v.call.CalledNumber)
		t.SetParam("osip_X-Originally-Called", v.call.CalledNumber)
	}

	if caller := v.call.Caller; caller != nil {
		if name := caller.DisplayName(); name != "" {
			t.SetParam("callername", name)
		}
		if caller.Language != "" {
			t.SetParam("osip_X-Caller-Language", caller.Language)
		}
		if caller.OutgoingNumber != "" {
			t.SetParam("caller", caller.OutgoingNumber)
		}
	}
	if name := root.DisplayName(); name != "" {
		t.SetParam("calledname", name)
	}
	return main
}
