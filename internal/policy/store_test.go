package policy

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testPolicies() []access.Policy {
	return []access.Policy{
		{ID: "admin", Name: "Admins", Roles: []string{"admin"}, Permissions: []string{"*"}, Enabled: true},
		{ID: "legacy-admin", Name: "Legacy admins", Roles: []string{"admin"}, Permissions: []string{"login"}, Enabled: true},
		{ID: "staff-off", Name: "Disabled staff", Roles: []string{"staff"}, Enabled: false},
		{ID: "member", Name: "Members", Roles: []string{"member"}, Permissions: []string{"login"}, Enabled: true, Default: true},
	}
}

func TestResolve(t *testing.T) {
	s := NewStore(quietLogger())
	require.NoError(t, s.Replace(testPolicies()))

	p, err := s.Resolve("admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", p.ID, "first matching policy in load order wins")

	p, err = s.Resolve("staff")
	require.NoError(t, err)
	assert.Equal(t, "member", p.ID, "disabled policy falls through to the default")

	p, err = s.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "member", p.ID)
}

func TestResolve_NoPolicy(t *testing.T) {
	s := NewStore(quietLogger())
	_, err := s.Resolve("admin")
	assert.ErrorIs(t, err, access.ErrNoPolicy)

	require.NoError(t, s.Replace(testPolicies()[:1]))
	_, err = s.Resolve("guest")
	assert.ErrorIs(t, err, access.ErrNoPolicy)
}

func TestResolve_ReturnsCopy(t *testing.T) {
	s := NewStore(quietLogger())
	require.NoError(t, s.Replace(testPolicies()))

	p, err := s.Resolve("admin")
	require.NoError(t, err)
	p.Enabled = false

	again, err := s.Resolve("admin")
	require.NoError(t, err)
	assert.True(t, again.Enabled)
}

func TestReplace_InvalidKeepsPrevious(t *testing.T) {
	s := NewStore(quietLogger())
	require.NoError(t, s.Replace(testPolicies()))

	err := s.Replace([]access.Policy{{ID: "", Name: "broken"}})
	require.Error(t, err)
	var verrs access.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	assert.Len(t, s.List(), 4)
	_, ok := s.Get("member")
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		policies []access.Policy
		field    string
	}{
		{"duplicate id", []access.Policy{
			{ID: "a", Name: "A", Roles: []string{"x"}},
			{ID: "a", Name: "B", Roles: []string{"y"}},
		}, "id"},
		{"no roles", []access.Policy{{ID: "a", Name: "A"}}, "roles"},
		{"two defaults", []access.Policy{
			{ID: "a", Name: "A", Default: true, Enabled: true},
			{ID: "b", Name: "B", Default: true, Enabled: true},
		}, "default"},
		{"whitelist required", []access.Policy{
			{ID: "a", Name: "A", Roles: []string{"x"}, Requirements: access.Requirements{IPWhitelist: true}},
		}, "requirements.whitelist"},
		{"whitelist entry", []access.Policy{
			{ID: "a", Name: "A", Roles: []string{"x"}, Requirements: access.Requirements{Whitelist: []string{"10.0.0"}}},
		}, "requirements.whitelist"},
		{"hour range", []access.Policy{
			{ID: "a", Name: "A", Roles: []string{"x"}, Restrictions: access.Restrictions{
				TimeWindows: []access.TimeWindow{{StartHour: 8, EndHour: 24}},
			}},
		}, "restrictions.time_windows"},
		{"country code", []access.Policy{
			{ID: "a", Name: "A", Roles: []string{"x"}, Restrictions: access.Restrictions{AllowedCountries: []string{"DEU"}}},
		}, "restrictions.allowed_countries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.policies)
			var verrs access.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tc.field, verrs[0].Field)
		})
	}

	assert.NoError(t, Validate(testPolicies()))
}

func TestResolve_ConcurrentWithReplace(t *testing.T) {
	s := NewStore(quietLogger())
	require.NoError(t, s.Replace(testPolicies()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p, err := s.Resolve("admin")
				if assert.NoError(t, err) {
					assert.Contains(t, []string{"admin", "legacy-admin"}, p.ID)
				}
			}
		}()
		go func(i int) {
			defer wg.Done()
			policies := testPolicies()
			if i%2 == 0 {
				policies[0], policies[1] = policies[1], policies[0]
			}
			assert.NoError(t, s.Replace(policies))
		}(i)
	}
	wg.Wait()
}
