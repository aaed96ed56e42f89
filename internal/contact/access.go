package contact

import "slices"

// CanInvoke reports whether actorID may run the manual command. Matching
// is exact and case-sensitive.
func CanInvoke(actorID string, p AccessPolicy) bool {
	if !p.RequireAdmin {
		return true
	}
	return slices.Contains(p.AllowedUsers, actorID)
}
