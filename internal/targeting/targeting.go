// Package targeting decides whether a device is eligible for a release's
// constraints. Evaluation is a pure function: no side effects, no I/O.
package targeting

import (
	"fmt"

	api "github.com/bundlenudge/bundlenudge/api/v1"
)

// DeviceContext is the device fingerprint relevant to targeting.
type DeviceContext struct {
	AppVersion string
	OSVersion  string
	Platform   api.Platform
}

// Rule identifies which constraint rule failed evaluation. The check path
// maps RuleMinAppVersion, and only that rule, to a store-update hint.
type Rule int

const (
	RuleNone Rule = iota
	RulePlatform
	RuleMinAppVersion
	RuleMaxAppVersion
	RuleMinOSVersion
)

type Result struct {
	Eligible bool
	Reason   string
	// Rule that failed; RuleNone when eligible.
	Rule Rule
}

func eligible() Result {
	return Result{Eligible: true}
}

func ineligible(rule Rule, format string, args ...any) Result {
	return Result{Eligible: false, Reason: fmt.Sprintf(format, args...), Rule: rule}
}

// Evaluate applies the constraint rules in order and returns the first
// failure's rule and reason, or eligibility.
func Evaluate(c api.Constraints, d DeviceContext) Result {
	if len(c.Platforms) > 0 {
		found := false
		for _, p := range c.Platforms {
			if p == d.Platform {
				found = true
				break
			}
		}
		if !found {
			return ineligible(RulePlatform, "not available for %s", d.Platform)
		}
	}

	if c.MinAppVersion != nil && c.MaxAppVersion != nil {
		if CompareVersions(d.AppVersion, *c.MinAppVersion) < 0 {
			return ineligible(RuleMinAppVersion, "app version %s is outside the supported range [%s, %s]", d.AppVersion, *c.MinAppVersion, *c.MaxAppVersion)
		}
		if CompareVersions(d.AppVersion, *c.MaxAppVersion) > 0 {
			return ineligible(RuleMaxAppVersion, "app version %s is outside the supported range [%s, %s]", d.AppVersion, *c.MinAppVersion, *c.MaxAppVersion)
		}
	} else if c.MinAppVersion != nil {
		if CompareVersions(d.AppVersion, *c.MinAppVersion) < 0 {
			return ineligible(RuleMinAppVersion, "app version %s is below the minimum %s", d.AppVersion, *c.MinAppVersion)
		}
	} else if c.MaxAppVersion != nil {
		if CompareVersions(d.AppVersion, *c.MaxAppVersion) > 0 {
			return ineligible(RuleMaxAppVersion, "app version %s is above the maximum %s", d.AppVersion, *c.MaxAppVersion)
		}
	}

	if c.MinOSVersion != nil {
		if CompareVersions(d.OSVersion, *c.MinOSVersion) < 0 {
			return ineligible(RuleMinOSVersion, "OS version %s is below the minimum %s", d.OSVersion, *c.MinOSVersion)
		}
	}

	return eligible()
}
