package models

// RoutingContext carries the facts the router needs beyond (role, status, action).
type RoutingContext struct {
	// ProjectHasManager is true when the entry's project has a PM other than the entry owner.
	ProjectHasManager bool
}

type transitionKey struct {
	Role   ActorRole
	From   EntryStatus
	Action EntryAction
}

// TransitionPolicy is the single source of "who may do what". Each key maps to the set of
// statuses the transition may land in; Route picks one when more than one is allowed.
var TransitionPolicy = map[transitionKey][]EntryStatus{
	{ActorRoleSelf, EntryStatusDraft, EntryActionSubmit}:                {EntryStatusPendingPM, EntryStatusPendingAdmin},
	{ActorRoleSelfApprover, EntryStatusDraft, EntryActionSubmit}:        {EntryStatusApproved},
	{ActorRoleProjectManager, EntryStatusPendingPM, EntryActionApprove}: {EntryStatusPendingAdmin},
	{ActorRoleProjectManager, EntryStatusPendingPM, EntryActionReject}:  {EntryStatusPendingAdmin},
	{ActorRoleApprover, EntryStatusPendingAdmin, EntryActionApprove}:    {EntryStatusApproved},
	{ActorRoleApprover, EntryStatusPendingAdmin, EntryActionReject}:     {EntryStatusRejected},
}

// AllowedTransitions returns the statuses role may move an entry in from to with action.
func AllowedTransitions(role ActorRole, from EntryStatus, action EntryAction) []EntryStatus {
	return TransitionPolicy[transitionKey{Role: role, From: from, Action: action}]
}

// EffectiveStatus resolves the legacy submitted status against the roles of whoever is acting.
func EffectiveStatus(from EntryStatus, roles []ActorRole) EntryStatus {
	if from != EntryStatusSubmitted {
		return from
	}
	for _, r := range roles {
		if r == ActorRoleProjectManager {
			return EntryStatusPendingPM
		}
	}
	return EntryStatusPendingAdmin
}

func route(allowed []EntryStatus, rc RoutingContext) EntryStatus {
	if len(allowed) == 1 {
		return allowed[0]
	}
	want := EntryStatusPendingAdmin
	if rc.ProjectHasManager {
		want = EntryStatusPendingPM
	}
	for _, s := range allowed {
		if s == want {
			return s
		}
	}
	return allowed[0]
}

// NextStatus applies the policy table. Roles are tried in order and the first role with a
// matching rule decides. It returns the resulting status and the role that was used.
func NextStatus(from EntryStatus, roles []ActorRole, action EntryAction, rc RoutingContext) (EntryStatus, ActorRole, error) {
	effective := EffectiveStatus(from, roles)
	for _, role := range roles {
		allowed := AllowedTransitions(role, effective, action)
		if len(allowed) == 0 {
			continue
		}
		return route(allowed, rc), role, nil
	}
	return "", "", &TransitionError{From: from, Action: action, Roles: roles}
}
