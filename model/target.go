package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TargetKind discriminates the EscalationTarget variants.
type TargetKind string

// Escalation target kinds.
const (
	TargetFixedRole       TargetKind = "fixed_role"
	TargetSpecificUser    TargetKind = "specific_user"
	TargetNextInHierarchy TargetKind = "next_in_hierarchy"
)

// EscalationTarget says who receives a breached task. Exactly one variant
// is set; build values with FixedRole, SpecificUser or NextInHierarchy.
type EscalationTarget struct {
	Kind   TargetKind
	Role   string
	UserID string
}

// FixedRole targets the first active holder of role in the tenant.
func FixedRole(role string) EscalationTarget {
	return EscalationTarget{Kind: TargetFixedRole, Role: role}
}

// SpecificUser targets a named user.
func SpecificUser(userID string) EscalationTarget {
	return EscalationTarget{Kind: TargetSpecificUser, UserID: userID}
}

// NextInHierarchy targets the manager of the current approver.
func NextInHierarchy() EscalationTarget {
	return EscalationTarget{Kind: TargetNextInHierarchy}
}

// Validate checks that the variant is known and carries its payload.
func (t EscalationTarget) Validate() error {
	switch t.Kind {
	case TargetFixedRole:
		if t.Role == "" {
			return fmt.Errorf("escalation target %s requires a role", t.Kind)
		}
	case TargetSpecificUser:
		if t.UserID == "" {
			return fmt.Errorf("escalation target %s requires a user_id", t.Kind)
		}
	case TargetNextInHierarchy:
	case "":
		return fmt.Errorf("escalation target kind is required")
	default:
		return fmt.Errorf("unknown escalation target kind %q", t.Kind)
	}
	return nil
}

func (t EscalationTarget) String() string {
	switch t.Kind {
	case TargetFixedRole:
		return "role:" + t.Role
	case TargetSpecificUser:
		return "user:" + t.UserID
	case TargetNextInHierarchy:
		return "next_in_hierarchy"
	default:
		return "unknown"
	}
}

// targetWire is the serialized shape shared by JSON and YAML.
type targetWire struct {
	Kind   TargetKind `json:"kind"              yaml:"kind"`
	Role   string     `json:"role,omitempty"    yaml:"role,omitempty"`
	UserID string     `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

func (t EscalationTarget) wire() targetWire {
	return targetWire{Kind: t.Kind, Role: t.Role, UserID: t.UserID}
}

func fromWire(w targetWire) (EscalationTarget, error) {
	t := EscalationTarget{Kind: w.Kind, Role: w.Role, UserID: w.UserID}
	if t.Kind == "" && t.Role == "" && t.UserID == "" {
		return EscalationTarget{}, nil
	}
	if err := t.Validate(); err != nil {
		return EscalationTarget{}, err
	}
	return t, nil
}

// MarshalJSON implements json.Marshaler.
func (t EscalationTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.wire())
}

// UnmarshalJSON implements json.Unmarshaler. Unknown kinds are rejected.
func (t *EscalationTarget) UnmarshalJSON(data []byte) error {
	var w targetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t EscalationTarget) MarshalYAML() (any, error) {
	return t.wire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Unknown kinds are rejected.
func (t *EscalationTarget) UnmarshalYAML(value *yaml.Node) error {
	var w targetWire
	if err := value.Decode(&w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
