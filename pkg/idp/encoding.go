package idp

import (
	"encoding/json"
	"fmt"

	"github.com/batbern/identity-reconciler/pkg/identity"
)

// encodeEventRoles renders the event-scoped role map as a JSON object keyed
// by event ID. json.Marshal sorts object keys, so equal maps encode
// identically, which keeps attribute comparisons cheap.
func encodeEventRoles(eventRoles map[string]identity.Role) string {
	m := make(map[string]string, len(eventRoles))
	for eventID, role := range eventRoles {
		m[eventID] = string(role)
	}
	data, _ := json.Marshal(m)
	return string(data)
}

// DecodeEventRoles parses the event-scoped role attribute.
func DecodeEventRoles(encoded string) (map[string]identity.Role, error) {
	if encoded == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(encoded), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrUnparseableRoles, err)
	}
	out := make(map[string]identity.Role, len(m))
	for eventID, name := range m {
		role, err := identity.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", identity.ErrUnparseableRoles, err)
		}
		out[eventID] = role
	}
	return out, nil
}
