package rules

import (
	"strings"

	"github.com/venuescout/accessguard/internal/blocklist"
	"github.com/venuescout/accessguard/pkg/access"
)

type conditionFunc func(cond access.Condition, c Context) bool

var conditions = map[access.ConditionKind]conditionFunc{
	access.ConditionAlways:          func(access.Condition, Context) bool { return true },
	access.ConditionOriginIn:        originIn,
	access.ConditionActionIn:        func(cond access.Condition, c Context) bool { return contains(cond.Values, c.Action) },
	access.ConditionRoleIn:          func(cond access.Condition, c Context) bool { return contains(cond.Values, c.Role) },
	access.ConditionHourOutside:     hourOutside,
	access.ConditionUntrustedDevice: func(_ access.Condition, c Context) bool { return c.DeviceID == "" || !c.DeviceTrusted },
	access.ConditionCountryIn:       countryIn,
}

func originIn(cond access.Condition, c Context) bool {
	for _, pattern := range cond.Values {
		if blocklist.MatchOrigin(pattern, c.Origin) {
			return true
		}
	}
	return false
}

// hourOutside matches when the request hour is outside [StartHour, EndHour)
func hourOutside(cond access.Condition, c Context) bool {
	return !access.HourInRange(c.Timestamp.Hour(), cond.StartHour, cond.EndHour)
}

func countryIn(cond access.Condition, c Context) bool {
	if c.Location == nil || c.Location.Country == "" {
		return false
	}
	for _, v := range cond.Values {
		if strings.EqualFold(v, c.Location.Country) {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	if v == "" {
		return false
	}
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
