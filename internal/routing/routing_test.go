package routing

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/eventtel/yrouted/internal/cache"
	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/store"
)

// fakeGateway serves extension fixtures from memory in place of the store.
type fakeGateway struct {
	byNumber map[string]*models.Extension
	byID     map[int64]*models.Extension
	ranks    map[int64][]models.ForkRank
}

func newFakeGateway(extensions ...*models.Extension) *fakeGateway {
	g := &fakeGateway{
		byNumber: make(map[string]*models.Extension),
		byID:     make(map[int64]*models.Extension),
		ranks:    make(map[int64][]models.ForkRank),
	}
	for _, ext := range extensions {
		g.byNumber[ext.Number] = ext
		g.byID[ext.ID] = ext
	}
	return g
}

func (g *fakeGateway) addRank(extensionID int64, mode models.RankMode, delay *int, members ...models.RankMember) {
	g.ranks[extensionID] = append(g.ranks[extensionID], models.ForkRank{
		ID:          int64(len(g.ranks[extensionID])*1000 + int(extensionID)),
		ExtensionID: extensionID,
		Index:       len(g.ranks[extensionID]),
		Mode:        mode,
		Delay:       delay,
		Members:     members,
	})
}

func (g *fakeGateway) ExtensionByNumber(_ context.Context, number string) (*models.Extension, error) {
	ext, ok := g.byNumber[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	snapshot := *ext
	return &snapshot, nil
}

func (g *fakeGateway) ExtensionByID(_ context.Context, id int64) (*models.Extension, error) {
	ext, ok := g.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	snapshot := *ext
	return &snapshot, nil
}

func (g *fakeGateway) ForkRanks(_ context.Context, extensionID int64) ([]models.ForkRank, error) {
	return g.ranks[extensionID], nil
}

var errCacheDown = stderrors.New("cache down")

// fakeCache is an in-memory cache.Gateway that can be told to fail.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	failPut bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Put(_ context.Context, callID, treePath string, payload []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPut {
		return errCacheDown
	}
	c.entries[cache.Key(callID, treePath)] = payload
	return nil
}

func (c *fakeCache) Get(_ context.Context, callID, treePath string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.entries[cache.Key(callID, treePath)]
	if !ok {
		return nil, cache.ErrMiss
	}
	return payload, nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) Close() error               { return nil }

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func simpleExt(id int64, number string) *models.Extension {
	return &models.Extension{
		ID:             id,
		Number:         number,
		Kind:           models.ExtensionKindSimple,
		ForwardingMode: models.ForwardingModeDisabled,
	}
}

func groupExt(id int64, number string) *models.Extension {
	return &models.Extension{
		ID:             id,
		Number:         number,
		Kind:           models.ExtensionKindGroup,
		ForwardingMode: models.ForwardingModeDisabled,
	}
}

func multiringExt(id int64, number string) *models.Extension {
	return &models.Extension{
		ID:             id,
		Number:         number,
		Kind:           models.ExtensionKindMultiring,
		ForwardingMode: models.ForwardingModeDisabled,
	}
}

func activeMember(ext *models.Extension) models.RankMember {
	return models.RankMember{Kind: models.MemberKindDefault, Active: true, ExtensionID: ext.ID, Extension: ext}
}

func pausedMember(ext *models.Extension) models.RankMember {
	return models.RankMember{Kind: models.MemberKindDefault, Active: false, ExtensionID: ext.ID, Extension: ext}
}

func discover(t testingT, gateway *fakeGateway, caller *models.Extension, called string) (*models.CallContext, *models.TreeNode, error) {
	t.Helper()
	call := models.NewCallContext("testcall", caller, called)
	tree, err := NewBuilder(gateway, 0).Discover(context.Background(), call)
	return call, tree, err
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}
