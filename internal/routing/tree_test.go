package routing

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/pkg/errors"
)

func TestDiscoverSimpleLeaf(t *testing.T) {
	gateway := newFakeGateway(simpleExt(1, "1001"), simpleExt(2, "2000"))
	caller := gateway.byNumber["1001"]

	_, tree, err := discover(t, gateway, caller, "2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tree.TreePath != "1" {
		t.Errorf("root tree path = %q, want %q", tree.TreePath, "1")
	}
	if !tree.IsLeaf() {
		t.Error("simple extension without forward should be a leaf")
	}
	if len(tree.Ranks) != 0 || tree.Forward != nil {
		t.Error("simple leaf must not grow children")
	}
}

func TestDiscoverUnknownCalled(t *testing.T) {
	gateway := newFakeGateway(simpleExt(1, "1001"))

	_, _, err := discover(t, gateway, gateway.byNumber["1001"], "9999")
	if !errors.Is(err, errors.ErrNoRoute) {
		t.Fatalf("error = %v, want NO_ROUTE", err)
	}
	appErr := err.(*errors.AppError)
	if appErr.Context["unknown_called"] != true {
		t.Error("unknown called number must be marked for fall-through")
	}
}

func TestDiscoverGroupWithPausedMember(t *testing.T) {
	first := simpleExt(10, "2001")
	second := simpleExt(11, "2002")
	group := groupExt(20, "4000")
	gateway := newFakeGateway(simpleExt(1, "1001"), first, second, group)
	gateway.addRank(20, models.RankModeDefault, nil, activeMember(first), pausedMember(second))

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tree.Ranks) != 1 {
		t.Fatalf("rank count = %d, want 1", len(tree.Ranks))
	}
	members := tree.Ranks[0].Members
	if len(members) != 2 {
		t.Fatalf("member count = %d, want 2", len(members))
	}
	if got := members[0].Node.TreePath; got != "1-fr0-0" {
		t.Errorf("first member path = %q, want %q", got, "1-fr0-0")
	}
	if got := members[1].Node.TreePath; got != "1-fr0-1" {
		t.Errorf("second member path = %q, want %q", got, "1-fr0-1")
	}
	if members[1].Active || members[1].Node.Active {
		t.Error("paused membership must stay out of the active route")
	}
	if len(members[1].Node.Logs) == 0 {
		t.Error("paused member should carry a discovery log")
	}
}

func TestDiscoverCallerNotRungBack(t *testing.T) {
	caller := simpleExt(1, "1001")
	other := simpleExt(2, "2001")
	group := groupExt(20, "4000")
	gateway := newFakeGateway(caller, other, group)
	gateway.addRank(20, models.RankModeDefault, nil, activeMember(caller), activeMember(other))

	_, tree, err := discover(t, gateway, caller, "4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	members := tree.Ranks[0].Members
	if members[0].Node.Active {
		t.Error("caller appearing as a group member must be deactivated")
	}
	if !members[1].Node.Active {
		t.Error("unrelated member must stay active")
	}
	warned := false
	for _, log := range tree.Logs {
		if log.Level == models.LogLevelWarn && strings.Contains(log.Message, "1001") {
			warned = true
		}
	}
	if !warned {
		t.Error("parent should record a warning naming the duplicate")
	}
}

func TestDiscoverDuplicateKeepsFirstPath(t *testing.T) {
	shared := simpleExt(10, "2001")
	groupA := groupExt(20, "4001")
	groupB := groupExt(21, "4002")
	root := groupExt(22, "4000")
	gateway := newFakeGateway(simpleExt(1, "1001"), shared, groupA, groupB, root)
	gateway.addRank(22, models.RankModeDefault, nil, activeMember(groupA), activeMember(groupB))
	gateway.addRank(20, models.RankModeDefault, nil, activeMember(shared))
	gateway.addRank(21, models.RankModeDefault, nil, activeMember(shared))

	call, tree, err := discover(t, gateway, gateway.byNumber["1001"], "4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := call.Visited[shared.ID]; got != "1-fr0-0-fr0-0" {
		t.Errorf("first materialization = %q, want %q", got, "1-fr0-0-fr0-0")
	}
	second := tree.Ranks[0].Members[1].Node
	if second.Ranks[0].Members[0].Node.Active {
		t.Error("second materialization of the shared extension must be inactive")
	}
	if second.Active {
		t.Error("group left with only the duplicate should be pruned")
	}
	if !tree.Active {
		t.Error("root still routes through the first group")
	}
}

func TestDiscoverImmediateForward(t *testing.T) {
	target := simpleExt(10, "2001")
	forwarding := simpleExt(2, "2000")
	forwarding.ForwardingMode = models.ForwardingModeEnabled
	forwarding.ForwardingExtensionID = int64Ptr(10)
	gateway := newFakeGateway(simpleExt(1, "1001"), forwarding, target)

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tree.Forward == nil {
		t.Fatal("immediate forward should attach a forward child")
	}
	if got := tree.Forward.TreePath; got != "1-fwd" {
		t.Errorf("forward path = %q, want %q", got, "1-fwd")
	}
	if len(tree.Ranks) != 0 {
		t.Error("immediate forward suppresses the node's own ranks")
	}
}

func TestDiscoverImmediateForwardDuplicateTarget(t *testing.T) {
	caller := simpleExt(1, "1001")
	forwarding := simpleExt(2, "2000")
	forwarding.ForwardingMode = models.ForwardingModeEnabled
	forwarding.ForwardingExtensionID = int64Ptr(1)
	gateway := newFakeGateway(caller, forwarding)

	_, tree, err := discover(t, gateway, caller, "2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tree.Forward != nil {
		t.Error("forward to an already-routed extension must be dropped")
	}
	if tree.ForwardingMode != models.ForwardingModeDisabled {
		t.Error("dropped forward should disable the node's forwarding mode")
	}
	if !tree.IsLeaf() {
		t.Error("node should fall back to its own device")
	}
}

func TestDiscoverDelayedForwardMultiring(t *testing.T) {
	target := simpleExt(10, "2001")
	ring := multiringExt(3, "3000")
	ring.ForwardingMode = models.ForwardingModeEnabled
	ring.ForwardingDelay = intPtr(15)
	ring.ForwardingExtensionID = int64Ptr(10)
	gateway := newFakeGateway(simpleExt(1, "1001"), ring, target)

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "3000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tree.Ranks) != 2 {
		t.Fatalf("rank count = %d, want 2", len(tree.Ranks))
	}
	device := tree.Ranks[0].Members[0].Node
	if !device.DeviceOnly {
		t.Error("first rank should carry the extension's own device")
	}
	synthetic := tree.Ranks[1]
	if !synthetic.Synthetic {
		t.Error("delayed forward should add a synthetic rank")
	}
	if synthetic.Mode != models.RankModeNext {
		t.Errorf("multiring forward rank mode = %q, want NEXT", synthetic.Mode)
	}
	if synthetic.Delay == nil || *synthetic.Delay != 15 {
		t.Errorf("forward rank delay = %v, want 15", synthetic.Delay)
	}
	if got := synthetic.Members[0].Node.Number; got != "2001" {
		t.Errorf("forward target = %q, want %q", got, "2001")
	}
}

func TestDiscoverDelayedForwardSimpleUsesDrop(t *testing.T) {
	target := simpleExt(10, "2001")
	phone := simpleExt(2, "2000")
	phone.ForwardingMode = models.ForwardingModeEnabled
	phone.ForwardingDelay = intPtr(10)
	phone.ForwardingExtensionID = int64Ptr(10)
	gateway := newFakeGateway(simpleExt(1, "1001"), phone, target)

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tree.Ranks) != 2 {
		t.Fatalf("rank count = %d, want 2", len(tree.Ranks))
	}
	if tree.Ranks[1].Mode != models.RankModeDrop {
		t.Errorf("forward rank mode = %q, want DROP", tree.Ranks[1].Mode)
	}
	if *tree.Ranks[1].Delay != 10 {
		t.Errorf("forward rank delay = %d, want 10", *tree.Ranks[1].Delay)
	}
}

func TestDiscoverDelayedForwardDropsLateRanks(t *testing.T) {
	m1 := simpleExt(10, "2001")
	m2 := simpleExt(11, "2002")
	m3 := simpleExt(12, "2003")
	target := simpleExt(13, "2004")
	group := groupExt(20, "4000")
	group.ForwardingMode = models.ForwardingModeEnabled
	group.ForwardingDelay = intPtr(8)
	group.ForwardingExtensionID = int64Ptr(13)
	gateway := newFakeGateway(simpleExt(1, "1001"), m1, m2, m3, target, group)
	gateway.addRank(20, models.RankModeDefault, nil, activeMember(m1))
	gateway.addRank(20, models.RankModeNext, intPtr(5), activeMember(m2))
	gateway.addRank(20, models.RankModeNext, intPtr(10), activeMember(m3))

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// rank 2 starts at t=15, after the forward fires at t=8
	if len(tree.Ranks) != 3 {
		t.Fatalf("rank count = %d, want 3 (two kept plus forward)", len(tree.Ranks))
	}
	synthetic := tree.Ranks[2]
	if !synthetic.Synthetic {
		t.Fatal("last rank should be the synthetic forward rank")
	}
	if *synthetic.Delay != 3 {
		t.Errorf("forward rank delay = %d, want 3 (8 minus 5 already elapsed)", *synthetic.Delay)
	}
}

func TestDiscoverConditionalForwardNotExpanded(t *testing.T) {
	target := simpleExt(10, "3000")
	phone := simpleExt(2, "2000")
	phone.ForwardingMode = models.ForwardingModeOnBusy
	phone.ForwardingExtensionID = int64Ptr(10)
	gateway := newFakeGateway(simpleExt(1, "1001"), phone, target)

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tree.CondForward == nil {
		t.Fatal("conditional forward edge should be recorded")
	}
	if got := tree.CondForward.Target.Number; got != "3000" {
		t.Errorf("conditional target = %q, want %q", got, "3000")
	}
	if tree.Forward != nil {
		t.Error("conditional forward must not spawn a discovery child")
	}
	if !tree.IsLeaf() {
		t.Error("node with only a conditional forward remains a leaf")
	}
}

func TestDiscoverForwardChainDepthLimit(t *testing.T) {
	// a chain of immediate forwards: 2000 -> 2001 -> 2002 -> 2003
	exts := []*models.Extension{simpleExt(1, "1001")}
	for i := int64(0); i < 4; i++ {
		ext := simpleExt(100+i, fmt.Sprintf("200%d", i))
		if i < 3 {
			ext.ForwardingMode = models.ForwardingModeEnabled
			ext.ForwardingExtensionID = int64Ptr(100 + i + 1)
		}
		exts = append(exts, ext)
	}
	gateway := newFakeGateway(exts...)

	call := models.NewCallContext("testcall", gateway.byNumber["1001"], "2000")
	_, err := NewBuilder(gateway, 3).Discover(context.Background(), call)
	if err != nil {
		t.Fatalf("chain within the depth limit should route: %v", err)
	}

	call = models.NewCallContext("testcall", gateway.byNumber["1001"], "2000")
	_, err = NewBuilder(gateway, 2).Discover(context.Background(), call)
	if !errors.Is(err, errors.ErrForwardLoop) {
		t.Fatalf("error = %v, want FORWARD_LOOP", err)
	}
}

func TestDiscoverCyclicGroupsCannotRoute(t *testing.T) {
	outer := groupExt(20, "4000")
	inner := groupExt(21, "4001")
	gateway := newFakeGateway(simpleExt(1, "1001"), outer, inner)
	gateway.addRank(20, models.RankModeDefault, nil, activeMember(inner))
	gateway.addRank(21, models.RankModeDefault, nil, activeMember(outer))

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "4000")
	if !errors.Is(err, errors.ErrNoRoute) {
		t.Fatalf("error = %v, want NO_ROUTE", err)
	}
	if tree == nil {
		t.Fatal("partial tree should be returned for diagnostics")
	}
	if tree.Active {
		t.Error("cyclic group pair must end up fully deactivated")
	}
	innerNode := tree.Ranks[0].Members[0].Node
	if innerNode.Active {
		t.Error("inner group should be pruned once its only member is a duplicate")
	}
}

func TestDiscoverGroupAllPausedIsNoRoute(t *testing.T) {
	member := simpleExt(10, "2001")
	group := groupExt(20, "4000")
	gateway := newFakeGateway(simpleExt(1, "1001"), member, group)
	gateway.addRank(20, models.RankModeDefault, nil, pausedMember(member))

	_, tree, err := discover(t, gateway, gateway.byNumber["1001"], "4000")
	if !errors.Is(err, errors.ErrNoRoute) {
		t.Fatalf("error = %v, want NO_ROUTE", err)
	}
	if tree.Active {
		t.Error("group without active members must be deactivated")
	}
}

func TestDiscoverSelfCallAllowed(t *testing.T) {
	caller := simpleExt(1, "1001")
	gateway := newFakeGateway(caller)

	_, tree, err := discover(t, gateway, caller, "1001")
	if err != nil {
		t.Fatalf("an extension must be able to dial its own number: %v", err)
	}
	if !tree.Active {
		t.Error("self call root should stay active")
	}
}
