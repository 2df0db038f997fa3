// Package orgchart resolves who a breached task escalates to.
package orgchart

import (
	"context"
	"fmt"

	"github.com/pitabwire/escalator/model"
)

// maxChainDepth bounds the manager walk for NextInHierarchy.
const maxChainDepth = 16

// Resolver maps an escalation target policy to a concrete user.
type Resolver interface {
	// ResolveEscalationTarget returns the user a task currently held by
	// currentAssigneeID should move to. It returns a
	// *model.NoEscalationTargetError when nobody eligible exists, and a
	// plain error for lookup failures.
	ResolveEscalationTarget(ctx context.Context, tenantID string, target model.EscalationTarget, currentAssigneeID string) (string, error)
}

// Person is one member of a tenant's organization.
type Person struct {
	ID      string   `json:"id"                yaml:"id"`
	Active  *bool    `json:"active,omitempty"  yaml:"active,omitempty"`
	Roles   []string `json:"roles,omitempty"   yaml:"roles,omitempty"`
	Manager string   `json:"manager,omitempty" yaml:"manager,omitempty"`
}

// IsActive reports whether the person can receive tasks. Unset means
// active.
func (p Person) IsActive() bool {
	return p.Active == nil || *p.Active
}

// lookup is the read surface both resolvers provide. found=false with a
// nil error means the person does not exist.
type lookup interface {
	user(ctx context.Context, tenantID, userID string) (p Person, found bool, err error)
	manager(ctx context.Context, tenantID, userID string) (p Person, found bool, err error)
	roleHolders(ctx context.Context, tenantID, role string) ([]Person, error)
}

func resolve(ctx context.Context, l lookup, tenantID string, target model.EscalationTarget, from string) (string, error) {
	noTarget := func(reason string) error {
		return &model.NoEscalationTargetError{TenantID: tenantID, Target: target, Reason: reason}
	}
	if err := target.Validate(); err != nil {
		return "", noTarget(err.Error())
	}

	switch target.Kind {
	case model.TargetFixedRole:
		holders, err := l.roleHolders(ctx, tenantID, target.Role)
		if err != nil {
			return "", fmt.Errorf("lookup holders of role %q: %w", target.Role, err)
		}
		for _, p := range holders {
			if p.IsActive() && p.ID != from {
				return p.ID, nil
			}
		}
		return "", noTarget(fmt.Sprintf("no active holder of role %q", target.Role))

	case model.TargetSpecificUser:
		if target.UserID == from {
			return "", noTarget("target user is the current assignee")
		}
		p, found, err := l.user(ctx, tenantID, target.UserID)
		if err != nil {
			return "", fmt.Errorf("lookup user %q: %w", target.UserID, err)
		}
		if !found {
			return "", noTarget(fmt.Sprintf("user %q not found", target.UserID))
		}
		if !p.IsActive() {
			return "", noTarget(fmt.Sprintf("user %q is inactive", target.UserID))
		}
		return p.ID, nil

	case model.TargetNextInHierarchy:
		if from == "" {
			return "", noTarget("task has no assignee to climb from")
		}
		seen := map[string]bool{from: true}
		cur := from
		for i := 0; i < maxChainDepth; i++ {
			m, found, err := l.manager(ctx, tenantID, cur)
			if err != nil {
				return "", fmt.Errorf("lookup manager of %q: %w", cur, err)
			}
			if !found {
				return "", noTarget(fmt.Sprintf("%q has no active manager", cur))
			}
			if seen[m.ID] {
				return "", noTarget("management chain loops back on itself")
			}
			if m.IsActive() {
				return m.ID, nil
			}
			seen[m.ID] = true
			cur = m.ID
		}
		return "", noTarget("management chain too deep")

	default:
		return "", noTarget(fmt.Sprintf("unsupported target kind %q", target.Kind))
	}
}
