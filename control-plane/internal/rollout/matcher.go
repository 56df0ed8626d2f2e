// Package rollout decides which firmware update, if any, a device should receive.
//
// The package is organised leaf to root:
//   - Matches / VersionMatches / TagsMatch: pure targeting predicates
//   - Eligible: structural narrowing of a product's deployments for one device
//   - Ledger: failure counts recomputed from the audit trail on every call
//   - Breaker: one-way Healthy → Unhealthy circuit breaker per device
//   - Resolver: short-circuiting pipeline producing an UpdatePayload
//   - Engine: loads candidate deployments and runs Eligible + Resolver
//
// Resolution never surfaces errors to the device: any failing step yields
// types.NoUpdate().
package rollout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// Matches reports whether device satisfies the deployment's targeting conditions.
func Matches(device *types.Device, deployment *types.Deployment) bool {
	version := ""
	if device.Firmware != nil {
		version = device.Firmware.Version
	}
	return VersionMatches(version, deployment.Conditions.Version) &&
		TagsMatch(device.Tags, deployment.Conditions.Tags)
}

// VersionMatches evaluates a semantic version requirement against version.
// An empty requirement matches everything. A malformed version or requirement
// does not match.
func VersionMatches(version, requirement string) bool {
	if requirement == "" {
		return true
	}

	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(rewriteRequirement(requirement))
	if err != nil {
		return false
	}
	return c.Check(v)
}

var (
	pessimistic = regexp.MustCompile(`~>\s*(\d+)\.(\d+)(?:\.(\d+))?`)
	exact       = regexp.MustCompile(`(^|[\s,|])==\s*`)
)

// rewriteRequirement translates "and"/"or" joiners, "==" and the pessimistic
// operator into constraint syntax. "~> 2.1" allows anything below 3.0.0,
// "~> 2.1.3" anything below 2.2.0.
func rewriteRequirement(requirement string) string {
	r := strings.ReplaceAll(requirement, " and ", ", ")
	r = strings.ReplaceAll(r, " or ", " || ")
	r = exact.ReplaceAllString(r, "${1}= ")
	return pessimistic.ReplaceAllStringFunc(r, func(m string) string {
		parts := pessimistic.FindStringSubmatch(m)
		major, minor, patch := parts[1], parts[2], parts[3]
		if patch == "" {
			return fmt.Sprintf(">= %s.%s.0, < %d.0.0", major, minor, atoi(major)+1)
		}
		return fmt.Sprintf(">= %s.%s.%s, < %s.%d.0", major, minor, patch, major, atoi(minor)+1)
	})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// TagsMatch reports whether every required tag is present in deviceTags.
func TagsMatch(deviceTags, required []string) bool {
	if len(required) == 0 {
		return true
	}

	have := make(map[string]struct{}, len(deviceTags))
	for _, t := range deviceTags {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}
