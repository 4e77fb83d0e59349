package models

import (
	"time"
)

// Extension kinds
type ExtensionKind string

const (
	ExtensionKindSimple    ExtensionKind = "SIMPLE"
	ExtensionKindMultiring ExtensionKind = "MULTIRING"
	ExtensionKindGroup     ExtensionKind = "GROUP"
	ExtensionKindExternal  ExtensionKind = "EXTERNAL"
)

// Forwarding modes
type ForwardingMode string

const (
	ForwardingModeDisabled      ForwardingMode = "DISABLED"
	ForwardingModeEnabled       ForwardingMode = "ENABLED"
	ForwardingModeOnBusy        ForwardingMode = "ON_BUSY"
	ForwardingModeOnUnavailable ForwardingMode = "ON_UNAVAILABLE"
)

// Fork rank modes. DEFAULT applies to the first rank; NEXT adds the rank's
// members after its delay; DROP replaces the previous rank after its delay.
type RankMode string

const (
	RankModeDefault RankMode = "DEFAULT"
	RankModeNext    RankMode = "NEXT"
	RankModeDrop    RankMode = "DROP"
)

// Rank member kinds, mapped to the engine's fork.calltype for special members
type MemberKind string

const (
	MemberKindDefault    MemberKind = "DEFAULT"
	MemberKindAuxiliary  MemberKind = "AUXILIARY"
	MemberKindPersistent MemberKind = "PERSISTENT"
)

// ForkCalltype returns the engine fork.calltype value for special member
// kinds and "" for regular members.
func (k MemberKind) ForkCalltype() string {
	switch k {
	case MemberKindAuxiliary:
		return "auxiliary"
	case MemberKindPersistent:
		return "persistent"
	default:
		return ""
	}
}

// Extension is a dialable entity: a device, a group, a multiring hybrid or a
// placeholder for a number outside the PBX.
type Extension struct {
	ID                    int64          `json:"id" db:"id"`
	Number                string         `json:"number" db:"number"`
	Name                  string         `json:"name,omitempty" db:"name"`
	ShortName             string         `json:"short_name,omitempty" db:"short_name"`
	HomeServerID          *int64         `json:"home_server_id,omitempty" db:"yate_id"`
	OutgoingNumber        string         `json:"outgoing_number,omitempty" db:"outgoing_extension"`
	OutgoingName          string         `json:"outgoing_name,omitempty" db:"outgoing_name"`
	DialoutAllowed        bool           `json:"dialout_allowed" db:"dialout_allowed"`
	Ringback              string         `json:"ringback,omitempty" db:"ringback"`
	ForwardingDelay       *int           `json:"forwarding_delay,omitempty" db:"forwarding_delay"`
	ForwardingExtensionID *int64         `json:"forwarding_extension_id,omitempty" db:"forwarding_extension_id"`
	Language              string         `json:"lang,omitempty" db:"lang"`
	Kind                  ExtensionKind  `json:"type" db:"type"`
	ForwardingMode        ForwardingMode `json:"forwarding_mode" db:"forwarding_mode"`
}

// NewExternalExtension builds the placeholder used for callers and targets
// that are not provisioned in the store.
func NewExternalExtension(number string) *Extension {
	return &Extension{
		Number:         number,
		Kind:           ExtensionKindExternal,
		ForwardingMode: ForwardingModeDisabled,
	}
}

// HasDevice reports whether the extension owns a ringable device of its own.
func (e *Extension) HasDevice() bool {
	return e.Kind == ExtensionKindSimple || e.Kind == ExtensionKindMultiring
}

// ImmediateForward is an ENABLED forward with zero or unset delay. The
// extension's own device and fork ranks are suppressed during discovery.
func (e *Extension) ImmediateForward() bool {
	return e.ForwardingMode == ForwardingModeEnabled && (e.ForwardingDelay == nil || *e.ForwardingDelay <= 0)
}

// DelayedForward is an ENABLED forward that rings the extension first.
func (e *Extension) DelayedForward() bool {
	return e.ForwardingMode == ForwardingModeEnabled && e.ForwardingDelay != nil && *e.ForwardingDelay > 0
}

// ConditionalForward is resolved by the telephone engine at call time and
// never spawns a discovery child.
func (e *Extension) ConditionalForward() bool {
	return e.ForwardingMode == ForwardingModeOnBusy || e.ForwardingMode == ForwardingModeOnUnavailable
}

// DisplayName is the name presented to the called party, honoring the
// outgoing override.
func (e *Extension) DisplayName() string {
	if e.OutgoingName != "" {
		return e.OutgoingName
	}
	return e.Name
}

// ForkRank is one ordered expansion step of a GROUP or MULTIRING extension.
type ForkRank struct {
	ID          int64        `json:"id" db:"id"`
	ExtensionID int64        `json:"extension_id" db:"extension_id"`
	Index       int          `json:"index" db:"index"`
	Mode        RankMode     `json:"mode" db:"mode"`
	Delay       *int         `json:"delay" db:"delay"`
	Members     []RankMember `json:"members"`
}

// RankMember is a membership row joined with its target extension snapshot.
type RankMember struct {
	Kind        MemberKind `json:"type" db:"type"`
	Active      bool       `json:"active" db:"active"`
	ExtensionID int64      `json:"extension_id" db:"extension_id"`
	Extension   *Extension `json:"extension"`
}

// User is a stage-2 SIP account.
type User struct {
	ID          int64  `json:"id" db:"id"`
	Username    string `json:"username" db:"username"`
	DisplayName string `json:"displayname,omitempty" db:"displayname"`
	Password    string `json:"-" db:"password"`
	InUse       int    `json:"inuse" db:"inuse"`
	CallWaiting bool   `json:"call_waiting" db:"call_waiting"`
}

// Registration is a stage-2 device registration of a User.
type Registration struct {
	ID            int64     `json:"id" db:"id"`
	Username      string    `json:"username" db:"username"`
	Location      string    `json:"location" db:"location"`
	OConnectionID string    `json:"oconnection_id" db:"oconnection_id"`
	Expires       time.Time `json:"expires" db:"expires"`
}

// ActiveCall marks a call leg currently ringing or connected for a user,
// used to suppress duplicate legs of the same call.
type ActiveCall struct {
	ID           int64  `json:"id" db:"id"`
	Username     string `json:"username" db:"username"`
	EventphoneID string `json:"x_eventphone_id" db:"x_eventphone_id"`
	Role         string `json:"role" db:"role"`
}
