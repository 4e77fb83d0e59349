package models

// CallContext is the per-request routing state: the call identity plus the
// call-wide duplicate-detection set.
type CallContext struct {
	CallID       string
	Caller       *Extension
	CalledNumber string
	// Visited maps an extension id to the tree path where it first became
	// part of an active route. The caller is pre-seeded so that a group
	// containing the caller does not ring the caller back.
	Visited map[int64]string
}

// NewCallContext seeds the duplicate set with the caller's extension.
func NewCallContext(callID string, caller *Extension, calledNumber string) *CallContext {
	cc := &CallContext{
		CallID:       callID,
		Caller:       caller,
		CalledNumber: calledNumber,
		Visited:      make(map[int64]string),
	}
	if caller != nil && caller.ID != 0 {
		cc.Visited[caller.ID] = "caller"
	}
	return cc
}
