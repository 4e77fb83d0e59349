package yate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eventtel/yrouted/internal/cache"
	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/routing"
	"github.com/eventtel/yrouted/internal/stage2"
	"github.com/eventtel/yrouted/internal/store"
	"github.com/eventtel/yrouted/pkg/errors"
)

type routeFixture struct {
	byNumber map[string]*models.Extension
	byID     map[int64]*models.Extension
	ranks    map[int64][]models.ForkRank
}

func newRouteFixture(extensions ...*models.Extension) *routeFixture {
	f := &routeFixture{
		byNumber: make(map[string]*models.Extension),
		byID:     make(map[int64]*models.Extension),
		ranks:    make(map[int64][]models.ForkRank),
	}
	for _, ext := range extensions {
		f.byNumber[ext.Number] = ext
		f.byID[ext.ID] = ext
	}
	return f
}

func (f *routeFixture) ExtensionByNumber(_ context.Context, number string) (*models.Extension, error) {
	ext, ok := f.byNumber[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	snapshot := *ext
	return &snapshot, nil
}

func (f *routeFixture) ExtensionByID(_ context.Context, id int64) (*models.Extension, error) {
	ext, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	snapshot := *ext
	return &snapshot, nil
}

func (f *routeFixture) ForkRanks(_ context.Context, extensionID int64) ([]models.ForkRank, error) {
	return f.ranks[extensionID], nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Put(_ context.Context, callID, treePath string, payload []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cache.Key(callID, treePath)] = payload
	return nil
}

func (c *mapCache) Get(_ context.Context, callID, treePath string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.entries[cache.Key(callID, treePath)]
	if !ok {
		return nil, cache.ErrMiss
	}
	return payload, nil
}

func (c *mapCache) Ping(context.Context) error { return nil }
func (c *mapCache) Close() error               { return nil }

type stage2Fixture struct {
	users         map[string]*models.User
	registrations map[string]*models.Registration
	activeCalls   map[string]bool
}

func (f *stage2Fixture) UserByUsername(_ context.Context, username string) (*models.User, error) {
	user, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return user, nil
}

func (f *stage2Fixture) ActiveRegistration(_ context.Context, username string) (*models.Registration, error) {
	reg, ok := f.registrations[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return reg, nil
}

func (f *stage2Fixture) HasActiveCall(_ context.Context, _, eventphoneID string) (bool, error) {
	return f.activeCalls[eventphoneID], nil
}

func simple(id int64, number string) *models.Extension {
	return &models.Extension{
		ID:             id,
		Number:         number,
		Kind:           models.ExtensionKindSimple,
		ForwardingMode: models.ForwardingModeDisabled,
	}
}

// newTestHandler wires a handler over in-memory fixtures. The stage-2 side
// knows user 2001 with a registered device.
func newTestHandler(fixture *routeFixture) *RouteHandler {
	dispatcher := routing.NewDispatcher(fixture, newMapCache(), config.RoutingConfig{LocalServerID: 1}, time.Minute, nil)
	s2 := &stage2Fixture{
		users: map[string]*models.User{
			"2001": {ID: 1, Username: "2001", CallWaiting: true},
		},
		registrations: map[string]*models.Registration{
			"2001": {Username: "2001", Location: "sip/sip:2001@10.0.0.5", OConnectionID: "intern"},
		},
		activeCalls: make(map[string]bool),
	}
	busy := stage2.NewMemoryBusyCache()
	return NewRouteHandler(dispatcher, stage2.NewRouter(s2, busy), busy, "intern")
}

func routeMsg(params map[string]string) *Message {
	m := &Message{ID: "msg1", Name: "call.route", Params: make(map[string]string)}
	for k, v := range params {
		m.Params[k] = v
	}
	return m
}

func TestHandleCallRouteIgnoresIncompleteMessages(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	if got := h.HandleCallRoute(context.Background(), routeMsg(nil)); got != nil {
		t.Error("message without caller and called must pass through")
	}
	if got := h.HandleCallRoute(context.Background(), routeMsg(map[string]string{"caller": "1001"})); got != nil {
		t.Error("message without called must pass through")
	}
}

func TestHandleCallRouteStage1(t *testing.T) {
	fixture := newRouteFixture(simple(1, "1001"), simple(2, "2000"))
	h := newTestHandler(fixture)

	msg := routeMsg(map[string]string{
		"caller":        "1001",
		"called":        "2000",
		"connection_id": "extern1",
		"billid":        "12345",
	})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil {
		t.Fatal("stage-1 request must be answered")
	}
	if !reply.Processed {
		t.Error("reply must be marked processed")
	}
	if reply.RetValue != "lateroute/2000" {
		t.Errorf("retvalue = %q, want %q", reply.RetValue, "lateroute/2000")
	}
	if reply.Param("x_eventphone_id") != "12345" {
		t.Errorf("correlation id = %q, want the adopted billid", reply.Param("x_eventphone_id"))
	}
	if reply.Param("eventphone_stage2") != "1" {
		t.Error("local leaf must carry the stage-2 trigger")
	}
}

func TestHandleCallRouteUnknownNumberFallsThrough(t *testing.T) {
	fixture := newRouteFixture(simple(1, "1001"))
	h := newTestHandler(fixture)

	msg := routeMsg(map[string]string{"caller": "1001", "called": "7777", "connection_id": "extern1"})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil {
		t.Fatal("fall-through must return the original message, not drop it")
	}
	if reply.Processed {
		t.Error("unknown numbers are left unprocessed for other routing modules")
	}
	if reply.Param("error") != "" {
		t.Error("fall-through must not carry a routing error")
	}
}

func TestAttachCallerPresentation(t *testing.T) {
	caller := simple(1, "1001")
	caller.Name = "Alice"
	caller.Language = "de"

	msg := routeMsg(nil)
	attachCallerPresentation(msg, caller)
	if msg.Param("callername") != "Alice" {
		t.Errorf("callername = %q, want %q", msg.Param("callername"), "Alice")
	}
	if msg.Param("osip_X-Caller-Language") != "de" {
		t.Errorf("language header = %q, want %q", msg.Param("osip_X-Caller-Language"), "de")
	}

	// placeholder callers have nothing to present
	bare := routeMsg(nil)
	attachCallerPresentation(bare, models.NewExternalExtension("0301234"))
	if len(bare.Params) != 0 {
		t.Errorf("placeholder presentation = %v, want none", bare.Params)
	}
	attachCallerPresentation(bare, nil)
}

func TestHandleCallRouteNonNumericFallsThrough(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	msg := routeMsg(map[string]string{"caller": "1001", "called": "echo"})
	if got := h.HandleCallRoute(context.Background(), msg); got != nil {
		t.Error("non-numeric names without a stage prefix pass through")
	}
}

func TestHandleCallRouteStage1Error(t *testing.T) {
	external := &models.Extension{ID: 30, Number: "0301234", Kind: models.ExtensionKindExternal}
	caller := simple(1, "1001")
	fixture := newRouteFixture(caller, external)
	h := newTestHandler(fixture)

	msg := routeMsg(map[string]string{"caller": "1001", "called": "0301234", "connection_id": "extern1"})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil {
		t.Fatal("routing failures must be reported, not passed through")
	}
	if reply.Param("error") != "forbidden" {
		t.Errorf("error = %q, want %q", reply.Param("error"), "forbidden")
	}
}

func TestHandleCallRouteLateroute(t *testing.T) {
	member1 := simple(10, "2001")
	member2 := simple(11, "2002")
	group := &models.Extension{ID: 20, Number: "4000", Kind: models.ExtensionKindGroup, ForwardingMode: models.ForwardingModeDisabled}
	fixture := newRouteFixture(simple(1, "1001"), member1, member2, group)
	fixture.ranks[20] = []models.ForkRank{{
		ID: 1, ExtensionID: 20, Mode: models.RankModeDefault,
		Members: []models.RankMember{
			{Kind: models.MemberKindDefault, Active: true, ExtensionID: 10, Extension: member1},
			{Kind: models.MemberKindDefault, Active: true, ExtensionID: 11, Extension: member2},
		},
	}}
	h := newTestHandler(fixture)

	initial := routeMsg(map[string]string{
		"caller":        "1001",
		"called":        "4000",
		"connection_id": "extern1",
		"billid":        "call42",
	})
	first := h.HandleCallRoute(context.Background(), initial)
	if first == nil || first.RetValue != "fork" {
		t.Fatalf("initial reply = %+v, want a fork", first)
	}
	if first.Param("callto.1") != "lateroute/2001" {
		t.Errorf("callto.1 = %q", first.Param("callto.1"))
	}
	if first.Param("callto.2") != "lateroute/2002" {
		t.Errorf("callto.2 = %q", first.Param("callto.2"))
	}
	if first.Param("callto.1.eventphone_stage2") != "1" {
		t.Error("per-member stage-2 trigger missing")
	}

	lookup := routeMsg(map[string]string{"caller": "1001", "called": "stage1-call42-1"})
	second := h.HandleCallRoute(context.Background(), lookup)
	if second == nil || second.RetValue != "fork" {
		t.Fatalf("lateroute reply = %+v, want the cached fork", second)
	}
	if second.Param("callto.1") != "lateroute/2001" {
		t.Errorf("cached callto.1 = %q", second.Param("callto.1"))
	}
}

func TestHandleCallRouteLaterouteGone(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	msg := routeMsg(map[string]string{"caller": "1001", "called": "stage1-expiredcall-1"})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil {
		t.Fatal("expired entries are answered, not passed through")
	}
	if !reply.Processed || reply.RetValue != "" {
		t.Errorf("reply = %+v, want processed with empty route", reply)
	}
	if reply.Param("error") != "" {
		t.Error("a vanished branch must not fail the whole call")
	}
}

func TestHandleCallRouteStage2Internal(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	msg := routeMsg(map[string]string{
		"caller":        "1001",
		"called":        "2001",
		"connection_id": "intern",
	})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil {
		t.Fatal("internal-listener call must resolve via stage 2")
	}
	if reply.RetValue != "sip/sip:2001@10.0.0.5" {
		t.Errorf("retvalue = %q, want the registered device", reply.RetValue)
	}
	if reply.Param("oconnection_id") != "intern" {
		t.Errorf("oconnection_id = %q", reply.Param("oconnection_id"))
	}
}

func TestHandleCallRouteStage2Trigger(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	msg := routeMsg(map[string]string{
		"caller":            "1001",
		"called":            "2001",
		"connection_id":     "extern1",
		"eventphone_stage2": "1",
	})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil || reply.RetValue != "sip/sip:2001@10.0.0.5" {
		t.Fatalf("reply = %+v, want stage-2 resolution", reply)
	}
}

func TestHandleCallRouteStage2Prefix(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	msg := routeMsg(map[string]string{"caller": "1001", "called": "stage2-2001"})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil || reply.RetValue != "sip/sip:2001@10.0.0.5" {
		t.Fatalf("reply = %+v, want stage-2 resolution", reply)
	}
}

func TestHandleCallRouteStage2Offline(t *testing.T) {
	h := newTestHandler(newRouteFixture())
	h.stage2 = stage2.NewRouter(&stage2Fixture{
		users:         map[string]*models.User{"2001": {ID: 1, Username: "2001"}},
		registrations: map[string]*models.Registration{},
	}, nil)

	msg := routeMsg(map[string]string{"caller": "1001", "called": "stage2-2001"})
	reply := h.HandleCallRoute(context.Background(), msg)
	if reply == nil {
		t.Fatal("offline user must be reported")
	}
	if reply.Param("error") != "offline" || reply.Param("reason") != "offline" {
		t.Errorf("error = %q reason = %q, want offline", reply.Param("error"), reply.Param("reason"))
	}
}

func TestHandleCDRFeedsBusyCache(t *testing.T) {
	h := newTestHandler(newRouteFixture())

	h.HandleCDR(&Message{Name: "call.cdr", Params: map[string]string{
		"operation": "initialize", "external": "2001",
	}})
	busy, err := h.busy.IsBusy(context.Background(), "2001")
	if err != nil || !busy {
		t.Fatalf("IsBusy = %v, %v, want true", busy, err)
	}

	h.HandleCDR(&Message{Name: "call.cdr", Params: map[string]string{
		"operation": "finalize", "external": "2001",
	}})
	busy, _ = h.busy.IsBusy(context.Background(), "2001")
	if busy {
		t.Error("finalize must release the leg")
	}

	// notifications without an extension or with foreign operations are noise
	h.HandleCDR(&Message{Name: "call.cdr", Params: map[string]string{"operation": "update", "external": "2001"}})
	h.HandleCDR(&Message{Name: "call.cdr", Params: map[string]string{"operation": "initialize"}})
}

func TestEncodeResultForkDiffsGlobals(t *testing.T) {
	shared := models.NewCallTarget("lateroute/stage1-x-1", nil)
	shared.SetParam("x_eventphone_id", "x")

	first := models.NewCallTarget("lateroute/2001", nil)
	first.SetParam("x_eventphone_id", "x")
	first.SetParam("eventphone_stage2", "1")

	second := models.NewCallTarget("lateroute/2002", nil)
	second.SetParam("x_eventphone_id", "other")

	msg := routeMsg(nil)
	reply := encodeResult(msg, &models.RoutingResult{
		Kind:        models.ResultKindFork,
		Target:      shared,
		ForkTargets: []*models.CallTarget{first, second},
	})

	if reply.RetValue != "fork" {
		t.Fatalf("retvalue = %q, want fork", reply.RetValue)
	}
	if reply.Param("x_eventphone_id") != "x" {
		t.Error("global parameter missing")
	}
	if _, ok := reply.Params["callto.1.x_eventphone_id"]; ok {
		t.Error("parameter equal to the global must not be repeated per member")
	}
	if reply.Param("callto.1.eventphone_stage2") != "1" {
		t.Error("member-specific parameter missing")
	}
	if reply.Param("callto.2.x_eventphone_id") != "other" {
		t.Error("diverging parameter must be emitted per member")
	}
}

func TestAdoptCallIDSanitizes(t *testing.T) {
	msg := routeMsg(map[string]string{"billid": "17./42:evil"})
	if got := adoptCallID(msg); got != "1742evil" {
		t.Errorf("adopted id = %q, want %q", got, "1742evil")
	}

	msg = routeMsg(map[string]string{"x_eventphone_id": "abc-123", "billid": "ignored"})
	if got := adoptCallID(msg); got != "abc-123" {
		t.Errorf("adopted id = %q, want the existing correlation id", got)
	}
}

func TestErrorWords(t *testing.T) {
	cases := []struct {
		code errors.ErrorCode
		want string
	}{
		{errors.ErrNoRoute, "noroute"},
		{errors.ErrForwardLoop, "looping"},
		{errors.ErrForbidden, "forbidden"},
		{errors.ErrNoAuth, "noauth"},
		{errors.ErrOffline, "offline"},
		{errors.ErrBusy, "busy"},
		{errors.ErrGone, "gone"},
		{errors.ErrStoreUnavailable, "congestion"},
		{errors.ErrCacheUnavailable, "congestion"},
		{errors.ErrTimeout, "congestion"},
		{errors.ErrInternal, "failure"},
	}
	for _, c := range cases {
		if got := errorWord(errors.New(c.code, "test")); got != c.want {
			t.Errorf("errorWord(%s) = %q, want %q", c.code, got, c.want)
		}
	}
}
