// Package policy decides which role may perform which action on an
// application. Ownership facts are resolved by the caller; Can itself is pure.
package policy

import (
	"orderflow/application"
	"orderflow/auth"
)

type Action string

const (
	ActionCreate          Action = "create"
	ActionView            Action = "view"
	ActionList            Action = "list"
	ActionListResponses   Action = "list_responses"
	ActionSubmitOffer     Action = "submit_offer"
	ActionSelect          Action = "select"
	ActionCancel          Action = "cancel"
	ActionComplete        Action = "complete"
	ActionMarkForDeletion Action = "mark_for_deletion"
	ActionSetStatus       Action = "set_status"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionDeleteResponse  Action = "delete_response"
	ActionPromoteAdmin    Action = "promote_admin"
	ActionStats           Action = "stats"
)

// Facts are ownership and state facts about the target application.
type Facts struct {
	IsPhoneOwner      bool
	InPortfolio       bool
	IsAssignedWorker  bool
	HasOffered        bool
	MarkedForDeletion bool
	Status            application.Status
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Can reports whether role may perform action given facts. An empty role is
// an anonymous caller.
func Can(role auth.Role, action Action, facts Facts) Decision {
	if facts.MarkedForDeletion {
		return canOnMarked(role, action)
	}

	switch role {
	case auth.RoleAdmin:
		return allow()
	case auth.RoleOperator:
		return canOperator(action)
	case auth.RoleWorker:
		return canWorker(action, facts)
	case auth.RoleUser:
		return canUser(action, facts)
	case "":
		if action == ActionCreate {
			return allow()
		}
		return deny("authentication required")
	default:
		return deny("unknown role")
	}
}

func canOnMarked(role auth.Role, action Action) Decision {
	switch action {
	case ActionView, ActionList, ActionListResponses:
		if role == auth.RoleAdmin || role == auth.RoleOperator {
			return allow()
		}
	case ActionDelete:
		if role == auth.RoleAdmin {
			return allow()
		}
	}
	return deny("application is marked for deletion")
}

func canOperator(action Action) Decision {
	switch action {
	case ActionDelete, ActionDeleteResponse, ActionPromoteAdmin:
		return deny("operators may not perform " + string(action))
	default:
		return allow()
	}
}

func canWorker(action Action, facts Facts) Decision {
	switch action {
	case ActionList:
		return allow()
	case ActionView:
		if facts.InPortfolio || facts.IsAssignedWorker {
			return allow()
		}
		return deny("product is not in the worker portfolio")
	case ActionSubmitOffer:
		if !facts.InPortfolio {
			return deny("product is not in the worker portfolio")
		}
		if facts.HasOffered {
			return deny("worker already responded")
		}
		return allow()
	case ActionComplete:
		if facts.IsAssignedWorker {
			return allow()
		}
		return deny("only the assigned worker may complete")
	default:
		return deny("workers may not perform " + string(action))
	}
}

func canUser(action Action, facts Facts) Decision {
	switch action {
	case ActionCreate, ActionList:
		return allow()
	case ActionView, ActionListResponses:
		if facts.IsPhoneOwner {
			return allow()
		}
		return deny("application belongs to another client")
	case ActionCancel:
		if !facts.IsPhoneOwner {
			return deny("application belongs to another client")
		}
		if !facts.Status.In(application.Cancelable) {
			return deny("application can no longer be cancelled")
		}
		return allow()
	default:
		return deny("clients may not perform " + string(action))
	}
}
