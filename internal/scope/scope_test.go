package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyledger/core/internal/model"
)

func TestResolve_Family_ReturnsConfiguredPrincipalSet(t *testing.T) {
	h := &model.HouseholdView{FamilyPrincipals: []string{"family_default", "u1", "u2"}}
	res, err := Resolve(Family, "", "u1", "", h, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"family_default", "u1", "u2"}, res.UserIDs)
	assert.Empty(t, res.ThreadFilter)
}

func TestResolve_Family_NoHouseholdFallsBackToConfiguredSharedIDs(t *testing.T) {
	res, err := Resolve(Family, "", "u1", "", nil, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, res.UserIDs)
}

func TestResolve_Family_NoHouseholdNoConfigFallsBackToDefaultPrincipal(t *testing.T) {
	res, err := Resolve(Family, "", "u1", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{model.FamilyDefaultPrincipal, "u1"}, res.UserIDs)
}

func TestResolve_Thread_ScopesToCurrentPrincipalAndThread(t *testing.T) {
	res, err := Resolve(Thread, "", "u1", "thread-42", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, res.UserIDs)
	assert.Equal(t, "thread-42", res.ThreadFilter)
}

func TestResolve_Personal_SelfReferenceResolvesToCurrentPrincipal(t *testing.T) {
	res, err := Resolve(Personal, "我的", "u1", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, res.UserIDs)
}

func TestResolve_Personal_MemberKeyMatch(t *testing.T) {
	h := &model.HouseholdView{
		MembersIndex: map[string]model.MemberEntry{
			"jack": {UserIDs: []string{"u2"}},
		},
	}
	res, err := Resolve(Personal, "jack", "u1", "", h, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, res.UserIDs)
}

func TestResolve_Personal_DisplayNameFallback(t *testing.T) {
	h := &model.HouseholdView{
		MembersIndex: map[string]model.MemberEntry{
			"jack": {UserIDs: []string{"u3"}, Profile: map[string]any{"display_name": "Jack"}},
		},
	}
	res, err := Resolve(Personal, "JACK", "u1", "", h, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, res.UserIDs)
}

func TestResolve_Personal_NoMatchReturnsErrPersonNotFound(t *testing.T) {
	h := &model.HouseholdView{MembersIndex: map[string]model.MemberEntry{}}
	_, err := Resolve(Personal, "nobody", "u1", "", h, nil)
	assert.ErrorIs(t, err, ErrPersonNotFound)
}

func TestResolve_Personal_NilHouseholdViewIsNotFound(t *testing.T) {
	_, err := Resolve(Personal, "jack", "u1", "", nil, nil)
	assert.ErrorIs(t, err, ErrPersonNotFound)
}
