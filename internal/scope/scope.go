// Package scope resolves the `user_id` and extra filters a tool-plan step
// runs against, from the understanding's declared scope plus the current
// household view (spec.md §4.8). It hard-codes no family relation table:
// everything beyond "我"/"我的" comes from what the LLM emitted and what
// the household view already contains.
package scope

import (
	"fmt"
	"strings"

	"github.com/familyledger/core/internal/model"
)

// Kind is one of the three scopes a tool-plan step can declare.
type Kind string

const (
	Family   Kind = "family"
	Personal Kind = "personal"
	Thread   Kind = "thread"
)

// selfReferences are the first-person tokens that resolve to the current
// principal under scope=personal without consulting the household view.
var selfReferences = map[string]bool{
	"我":  true,
	"我的": true,
	"me": true,
	"my": true,
}

// Resolution is what a scope resolves to: a user_id (single id, or a list
// for scope=family) plus any extra filters the step's argument preparation
// should merge in.
type Resolution struct {
	UserIDs      []string
	ThreadFilter string
}

// ErrPersonNotFound is returned when scope=personal's person_or_key
// matches no household member and is not a self-reference.
var ErrPersonNotFound = fmt.Errorf("scope: person not found in household view")

// Resolve implements spec.md §4.8's resolve(scope, person_or_key,
// current_principal, household_view) -> {user_id, extra_filters}.
// familySharedUserIDs is FAMILY_SHARED_USER_IDS (spec.md §6): the
// configured fallback principal set scope=family resolves to when no
// household row exists yet for the current principal.
func Resolve(kind Kind, personOrKey, currentPrincipal, currentThreadID string, household *model.HouseholdView, familySharedUserIDs []string) (Resolution, error) {
	switch kind {
	case Family:
		if household == nil || len(household.FamilyPrincipals) == 0 {
			if len(familySharedUserIDs) > 0 {
				return Resolution{UserIDs: familySharedUserIDs}, nil
			}
			return Resolution{UserIDs: []string{model.FamilyDefaultPrincipal, currentPrincipal}}, nil
		}
		return Resolution{UserIDs: household.FamilyPrincipals}, nil

	case Thread:
		return Resolution{UserIDs: []string{currentPrincipal}, ThreadFilter: currentThreadID}, nil

	case Personal:
		if selfReferences[strings.ToLower(strings.TrimSpace(personOrKey))] {
			return Resolution{UserIDs: []string{currentPrincipal}}, nil
		}
		if household == nil {
			return Resolution{}, ErrPersonNotFound
		}
		if entry, ok := household.MembersIndex[personOrKey]; ok {
			return Resolution{UserIDs: entry.UserIDs}, nil
		}
		// Fall back to a case-insensitive display_name match against the
		// household's member roster, per spec.md §4.8.
		needle := strings.ToLower(strings.TrimSpace(personOrKey))
		for _, entry := range matchByDisplayName(household, needle) {
			return Resolution{UserIDs: entry.UserIDs}, nil
		}
		return Resolution{}, ErrPersonNotFound

	default:
		return Resolution{}, fmt.Errorf("scope: unknown scope kind %q", kind)
	}
}

// matchByDisplayName scans household.MembersIndex for a case-insensitive
// display_name match, per spec.md §4.8. display_name is populated onto
// each entry's Profile by HouseholdViewForPrincipal (see
// store.PostgresStore/SQLiteStore), so no separate member roster needs
// to be threaded through.
func matchByDisplayName(household *model.HouseholdView, needleLower string) []model.MemberEntry {
	var matches []model.MemberEntry
	for _, entry := range household.MembersIndex {
		name, _ := entry.Profile["display_name"].(string)
		if strings.ToLower(name) == needleLower {
			matches = append(matches, entry)
		}
	}
	return matches
}
