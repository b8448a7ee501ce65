package rules

import (
	"github.com/venuescout/accessguard/pkg/access"
)

// ValidateAccessRules checks IDs, actions and condition kinds. An unknown
// condition kind yields access.ErrUnknownRuleKind.
func ValidateAccessRules(rules []access.AccessRule) error {
	var errs access.ValidationErrors
	seen := make(map[string]bool, len(rules))

	for _, rule := range rules {
		if _, ok := conditions[rule.Condition.Kind]; !ok {
			return access.ErrUnknownRuleKind.WithSubject(string(rule.Condition.Kind))
		}
		if rule.ID == "" {
			errs.Add("id", rule.Name, "access rule ID is required")
		} else if seen[rule.ID] {
			errs.Add("id", rule.ID, "duplicate access rule ID")
		}
		seen[rule.ID] = true

		if rule.Name == "" {
			errs.Add("name", rule.ID, "access rule name is required")
		}
		if !validAction(rule.Action) {
			errs.Add("action", string(rule.Action), "unknown rule action")
		}
		if rule.Condition.Kind == access.ConditionHourOutside {
			if !validHour(rule.Condition.StartHour) || !validHour(rule.Condition.EndHour) {
				errs.Add("condition", rule.ID, "hours must be between 0 and 23")
			}
		}
		if len(rule.Condition.Values) == 0 {
			switch rule.Condition.Kind {
			case access.ConditionOriginIn, access.ConditionActionIn, access.ConditionRoleIn, access.ConditionCountryIn:
				errs.Add("condition", rule.ID, "condition requires values")
			}
		}
	}
	return errs.OrNil()
}

// ValidateDetectionRules checks IDs, severities and pattern kinds. An unknown
// pattern kind yields access.ErrUnknownRuleKind.
func ValidateDetectionRules(rules []access.DetectionRule) error {
	var errs access.ValidationErrors
	seen := make(map[string]bool, len(rules))

	for _, rule := range rules {
		if _, ok := patterns[rule.Pattern.Kind]; !ok {
			return access.ErrUnknownRuleKind.WithSubject(string(rule.Pattern.Kind))
		}
		if rule.ID == "" {
			errs.Add("id", rule.Name, "detection rule ID is required")
		} else if seen[rule.ID] {
			errs.Add("id", rule.ID, "duplicate detection rule ID")
		}
		seen[rule.ID] = true

		if rule.Severity.Weight() == 0 {
			errs.Add("severity", string(rule.Severity), "unknown severity")
		}
		if rule.Action != "" && !validAction(rule.Action) {
			errs.Add("action", string(rule.Action), "unknown rule action")
		}
		if rule.Pattern.Threshold < 0 || rule.Pattern.Window < 0 || rule.Pattern.MaxSpeedKmh < 0 {
			errs.Add("pattern", rule.ID, "pattern parameters must not be negative")
		}
	}
	return errs.OrNil()
}

func validAction(a access.RuleAction) bool {
	switch a {
	case access.RuleActionDeny, access.RuleActionRequireVerification, access.RuleActionFlagSuspicious:
		return true
	}
	return false
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
