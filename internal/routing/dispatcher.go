package routing

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eventtel/yrouted/internal/cache"
	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/store"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// Metrics is the counter bundle the dispatcher feeds. Implemented by the
// metrics package; nil disables instrumentation.
type Metrics interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// RouteRequest is a stage-1 routing request from the engine or the
// diagnostic endpoint.
type RouteRequest struct {
	Caller string
	Called string
	// CallID adopts a pre-assigned correlation id (billid or
	// x_eventphone_id); empty means the dispatcher mints one.
	CallID string
	// Authenticated reports whether the engine verified the caller's
	// credentials. Provisioned extensions may only route when authenticated.
	Authenticated bool
}

// RouteResponse carries the main result plus the material the diagnostic
// endpoint exposes. Tree may be non-nil on failure (partial discovery).
type RouteResponse struct {
	CallID string
	// Caller is the resolved calling extension, available even when routing
	// failed so callers of Route can still present it.
	Caller  *models.Extension
	Tree    *models.TreeNode
	Main    *models.RoutingResult
	Results map[string]*models.RoutingResult
}

// Dispatcher orchestrates stage-1 routing: discovery, generation, cache
// persistence and symbolic lateroute lookups.
type Dispatcher struct {
	store   store.Gateway
	cache   cache.Gateway
	builder *Builder
	gen     *Generator
	timeout time.Duration
	ttl     time.Duration
	metrics Metrics
}

func NewDispatcher(gateway store.Gateway, routeCache cache.Gateway, cfg config.RoutingConfig, ttl time.Duration, m Metrics) *Dispatcher {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		store:   gateway,
		cache:   routeCache,
		builder: NewBuilder(gateway, cfg.ForwardDepthLimit),
		gen:     NewGenerator(cfg),
		timeout: timeout,
		ttl:     ttl,
		metrics: m,
	}
}

// Route serves a stage-1 initial request: resolve the caller, discover the
// tree, generate the route set and persist the inner-node results. Cache
// entries only land once generation succeeded in full.
func (d *Dispatcher) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.route(ctx, req)
	d.observe("stage1", start, err)
	return resp, err
}

func (d *Dispatcher) route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	caller, err := d.resolveCaller(ctx, req)
	if err != nil {
		return nil, err
	}

	callID := req.CallID
	if callID == "" {
		callID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	ctx = logger.ContextWithCallID(ctx, callID)

	call := models.NewCallContext(callID, caller, req.Called)
	resp := &RouteResponse{CallID: callID, Caller: caller}

	tree, err := d.builder.Discover(ctx, call)
	resp.Tree = tree
	if err != nil {
		return resp, d.mapTimeout(ctx, err)
	}

	set, err := d.gen.Generate(call, tree)
	if err != nil {
		return resp, d.mapTimeout(ctx, err)
	}
	resp.Main = set.Main
	resp.Results = set.Results

	for _, treePath := range set.Order {
		payload, err := json.Marshal(set.Results[treePath])
		if err != nil {
			return resp, errors.Wrap(err, errors.ErrInternal, "failed to serialize routing result")
		}
		if err := d.cache.Put(ctx, callID, treePath, payload, d.ttl); err != nil {
			return resp, d.mapTimeout(ctx, errors.Wrap(err, errors.ErrCacheUnavailable, "failed to persist routing result"))
		}
	}

	logger.WithContext(ctx).WithField("caller", req.Caller).WithField("called", req.Called).
		WithField("cached_nodes", len(set.Order)).
		Info("Stage-1 routing completed")
	return resp, nil
}

func (d *Dispatcher) resolveCaller(ctx context.Context, req RouteRequest) (*models.Extension, error) {
	if !req.Authenticated {
		// calls arriving through outside listeners never inherit a
		// provisioned extension's privileges, whatever number they claim
		return models.NewExternalExtension(req.Caller), nil
	}
	caller, err := d.store.ExtensionByNumber(ctx, req.Caller)
	if err == store.ErrNotFound {
		return models.NewExternalExtension(req.Caller), nil
	}
	if err != nil {
		return nil, d.mapTimeout(ctx, err)
	}
	return caller, nil
}

// lateroutePattern splits a symbolic stage-1 name into call id and tree
// path. The call id may itself contain dashes, so the match is lazy and the
// path grammar is anchored at the end.
var lateroutePattern = regexp.MustCompile(`^stage1-(.+?)-(1(?:-fr\d+-\d+|-fwd)*)$`)

// Lookup resolves a symbolic stage1-<call-id>-<tree-path> name from the
// cache. A miss means the call outlived the entry's TTL and maps to GONE.
func (d *Dispatcher) Lookup(ctx context.Context, name string) (*models.RoutingResult, error) {
	start := time.Now()
	res, err := d.lookup(ctx, name)
	d.observe("lateroute", start, err)
	return res, err
}

func (d *Dispatcher) lookup(ctx context.Context, name string) (*models.RoutingResult, error) {
	m := lateroutePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, errors.New(errors.ErrNoRoute, "malformed stage-1 routing name").WithContext("name", name)
	}
	callID, treePath := m[1], m[2]

	payload, err := d.cache.Get(ctx, callID, treePath)
	if err == cache.ErrMiss {
		d.countLookup("miss")
		return nil, errors.New(errors.ErrGone, "routing entry expired or unknown").
			WithContext("call_id", callID).WithContext("tree_path", treePath)
	}
	if err != nil {
		return nil, d.mapTimeout(ctx, err)
	}

	var result models.RoutingResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "corrupt cached routing result")
	}
	d.countLookup("hit")
	return &result, nil
}

func (d *Dispatcher) countLookup(result string) {
	if d.metrics != nil {
		d.metrics.IncrementCounter("cache_lookups", map[string]string{"result": result})
	}
}

// mapTimeout reclassifies failures caused by the request deadline.
func (d *Dispatcher) mapTimeout(ctx context.Context, err error) error {
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(err, errors.ErrTimeout, "routing request timed out")
	}
	return err
}

func (d *Dispatcher) observe(stage string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		d.metrics.IncrementCounter("routing_errors", map[string]string{
			"kind": strings.ToLower(string(errors.CodeOf(err))),
		})
	}
	d.metrics.IncrementCounter("routing_requests", map[string]string{"stage": stage, "status": status})
	d.metrics.ObserveHistogram("routing_duration", time.Since(start).Seconds(), map[string]string{"stage": stage})
}
