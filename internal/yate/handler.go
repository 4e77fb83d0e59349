package yate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/routing"
	"github.com/eventtel/yrouted/internal/stage2"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// RouteHandler translates call.route messages into stage-1 / stage-2
// requests and encodes the results back onto the wire. It also feeds the
// busy cache from call.cdr notifications.
type RouteHandler struct {
	dispatcher *routing.Dispatcher
	stage2     *stage2.Router
	busy       stage2.BusyCache
	// internalListener identifies the engine listener carrying calls from
	// our own server; only those are treated as authenticated.
	internalListener string
}

func NewRouteHandler(dispatcher *routing.Dispatcher, stage2Router *stage2.Router, busy stage2.BusyCache, internalListener string) *RouteHandler {
	return &RouteHandler{
		dispatcher:       dispatcher,
		stage2:           stage2Router,
		busy:             busy,
		internalListener: internalListener,
	}
}

// HandleCallRoute is the RouteFunc installed on the engine connection.
func (h *RouteHandler) HandleCallRoute(ctx context.Context, msg *Message) *Message {
	called := msg.Param("called")
	caller := msg.Param("caller")
	if called == "" || caller == "" {
		return nil
	}

	switch {
	case isNumeric(called):
		if msg.Param("connection_id") == h.internalListener || msg.Param("eventphone_stage2") == "1" {
			return h.routeStage2(ctx, msg)
		}
		return h.routeStage1(ctx, msg)
	case strings.HasPrefix(called, "stage1-"):
		return h.lookupStage1(ctx, msg, called)
	case strings.HasPrefix(called, "stage2-"):
		return h.routeStage2(ctx, msg)
	default:
		// not ours: let other engine modules route it
		return nil
	}
}

func (h *RouteHandler) routeStage1(ctx context.Context, msg *Message) *Message {
	req := routing.RouteRequest{
		Caller:        msg.Param("caller"),
		Called:        msg.Param("called"),
		CallID:        adoptCallID(msg),
		Authenticated: msg.Param("connection_id") == h.internalListener,
	}

	resp, err := h.dispatcher.Route(ctx, req)
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok && appErr.Context["unknown_called"] == true {
			// unknown numbers are left to other routing modules; the caller
			// presentation still travels on the unprocessed reply
			if resp != nil {
				attachCallerPresentation(msg, resp.Caller)
			}
			msg.Processed = false
			return msg
		}
		logger.WithError(err).WithField("called", req.Called).Info("Stage-1 routing failed")
		msg.SetParam("error", errorWord(err))
		msg.Processed = true
		return msg
	}
	return encodeResult(msg, resp.Main)
}

func (h *RouteHandler) lookupStage1(ctx context.Context, msg *Message, called string) *Message {
	result, err := h.dispatcher.Lookup(ctx, called)
	if err != nil {
		if errors.Is(err, errors.ErrGone) || errors.Is(err, errors.ErrNoRoute) {
			// the entry is gone; answer with an empty route so the fork
			// gives up on this branch only
			msg.RetValue = ""
			msg.Processed = true
			return msg
		}
		msg.SetParam("error", errorWord(err))
		msg.Processed = true
		return msg
	}
	return encodeResult(msg, result)
}

func (h *RouteHandler) routeStage2(ctx context.Context, msg *Message) *Message {
	req := stage2.Request{
		Caller:     msg.Param("caller"),
		Called:     msg.Param("called"),
		CallID:     sipHeader(msg, "X-Eventphone-Id"),
		NoCallWait: sipHeader(msg, "X-No-Call-Wait") == "1",
	}

	result, err := h.stage2.Route(ctx, req)
	if err != nil {
		word := errorWord(err)
		msg.SetParam("error", word)
		msg.SetParam("reason", word)
		msg.Processed = true
		return msg
	}

	msg.RetValue = result.Target
	if result.OConnectionID != "" {
		msg.SetParam("oconnection_id", result.OConnectionID)
	}
	msg.Processed = true
	return msg
}

// HandleCDR tracks call legs in the busy cache from call.cdr notifications.
func (h *RouteHandler) HandleCDR(msg *Message) {
	if h.busy == nil {
		return
	}
	extension := msg.Param("external")
	if extension == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch msg.Param("operation") {
	case "initialize":
		err = h.busy.CallStarted(ctx, extension)
	case "finalize":
		err = h.busy.CallEnded(ctx, extension)
	default:
		return
	}
	if err != nil {
		logger.WithError(err).WithField("extension", extension).Warn("Busy cache update failed")
	}
}

// encodeResult writes a routing result onto the reply: terminal results set
// the return value directly, forks emit callto.N slots whose parameters are
// diffed against the globals.
func encodeResult(msg *Message, result *models.RoutingResult) *Message {
	global := result.Target.Params
	for key, value := range global {
		msg.SetParam(key, value)
	}

	if result.IsTerminal() {
		msg.RetValue = result.Target.Target
		msg.Processed = true
		return msg
	}

	msg.RetValue = "fork"
	for i, target := range result.ForkTargets {
		prefix := fmt.Sprintf("callto.%d", i+1)
		msg.SetParam(prefix, target.Target)
		for key, value := range target.Params {
			if gv, ok := global[key]; ok && gv == value {
				continue
			}
			msg.SetParam(prefix+"."+key, value)
		}
	}
	msg.Processed = true
	return msg
}

// attachCallerPresentation copies the caller's display name and language
// onto a reply. External placeholders carry neither and leave the message
// untouched.
func attachCallerPresentation(msg *Message, caller *models.Extension) {
	if caller == nil {
		return
	}
	if name := caller.DisplayName(); name != "" {
		msg.SetParam("callername", name)
	}
	if caller.Language != "" {
		msg.SetParam("osip_X-Caller-Language", caller.Language)
	}
}

// adoptCallID reuses a correlation id the engine already assigned.
func adoptCallID(msg *Message) string {
	id := msg.Param("x_eventphone_id")
	if id == "" {
		id = msg.Param("billid")
	}
	return sanitizeCallID(id)
}

// sanitizeCallID keeps adopted ids safe for symbolic lateroute names.
func sanitizeCallID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sipHeader reads a header that may arrive with either SIP prefix.
func sipHeader(msg *Message, name string) string {
	if v := msg.Param("osip_" + name); v != "" {
		return v
	}
	return msg.Param("sip_" + name)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// errorWord maps internal error kinds to the engine's routing error values.
func errorWord(err error) string {
	switch errors.CodeOf(err) {
	case errors.ErrNoRoute:
		return "noroute"
	case errors.ErrForwardLoop:
		return "looping"
	case errors.ErrForbidden:
		return "forbidden"
	case errors.ErrNoAuth:
		return "noauth"
	case errors.ErrOffline:
		return "offline"
	case errors.ErrBusy:
		return "busy"
	case errors.ErrGone:
		return "gone"
	case errors.ErrStoreUnavailable, errors.ErrCacheUnavailable, errors.ErrTimeout:
		return "congestion"
	default:
		return "failure"
	}
}
