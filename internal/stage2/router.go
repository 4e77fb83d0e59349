package stage2

import (
	"context"
	"strings"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/store"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// Gateway is the read interface stage 2 needs from the store.
type Gateway interface {
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	ActiveRegistration(ctx context.Context, username string) (*models.Registration, error)
	HasActiveCall(ctx context.Context, role, eventphoneID string) (bool, error)
}

// Request is a stage-2 routing request extracted from a call.route message.
type Request struct {
	Caller string
	Called string
	// CallID is the stage-1 correlation id (x_eventphone_id header).
	CallID string
	// NoCallWait is the X-No-Call-Wait header: the caller refuses to be
	// queued behind an ongoing call.
	NoCallWait bool
}

// Result is the device to ring.
type Result struct {
	Target        string
	OConnectionID string
}

// Router resolves an extension number to its registered device, enforcing
// call-waiting policy and duplicate-leg suppression.
type Router struct {
	store Gateway
	busy  BusyCache
}

// NewRouter builds a stage-2 router. busy may be nil when no busy cache is
// configured.
func NewRouter(gateway Gateway, busy BusyCache) *Router {
	return &Router{store: gateway, busy: busy}
}

// Route decides the stage-2 outcome for one call leg. Failures are reported
// as NO_ROUTE, OFFLINE or BUSY for the engine to translate.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	called := strings.TrimPrefix(req.Called, "stage2-")

	user, err := r.store.UserByUsername(ctx, called)
	if err == store.ErrNotFound {
		return nil, errors.New(errors.ErrNoRoute, "no such user").WithContext("called", called)
	}
	if err != nil {
		return nil, err
	}

	reg, err := r.store.ActiveRegistration(ctx, user.Username)
	if err == store.ErrNotFound {
		return nil, errors.New(errors.ErrOffline, "no registered device").WithContext("called", called)
	}
	if err != nil {
		return nil, err
	}

	if (req.NoCallWait || !user.CallWaiting) && user.InUse > 0 {
		return nil, errors.New(errors.ErrBusy, "user is in a call and call waiting is off").
			WithContext("called", called)
	}
	if req.CallID != "" {
		// the same call must not land twice on one user (e.g. via two group
		// memberships resolved on different servers)
		active, err := r.store.HasActiveCall(ctx, "called", req.CallID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, errors.New(errors.ErrBusy, "call already has a leg to this user").
				WithContext("called", called)
		}
	}
	if r.busy != nil && !user.CallWaiting {
		busy, err := r.busy.IsBusy(ctx, called)
		if err != nil {
			logger.WithError(err).Warn("Busy cache unavailable, skipping busy check")
		} else if busy {
			return nil, errors.New(errors.ErrBusy, "extension has an ongoing call").
				WithContext("called", called)
		}
	}

	logger.WithContext(ctx).WithField("called", called).WithField("location", reg.Location).
		Debug("Stage-2 routing resolved")
	return &Result{Target: reg.Location, OConnectionID: reg.OConnectionID}, nil
}
