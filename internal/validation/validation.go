// Package validation provides input validation for registry requests.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/stellar/go/strkey"
	"golang.org/x/mod/semver"
)

// Hex SHA-256 digest, lowercase
var hashRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidateContractID validates a C... contract strkey
func ValidateContractID(id string) error {
	if len(id) != 56 {
		return errors.New("invalid contract id length: must be 56 characters")
	}
	if !strings.HasPrefix(id, "C") {
		return errors.New("invalid contract id: must start with C")
	}
	if _, err := strkey.Decode(strkey.VersionByteContract, id); err != nil {
		return fmt.Errorf("invalid contract id: %v", err)
	}
	return nil
}

// ValidateHash validates a lowercase hex SHA-256 digest
func ValidateHash(h string) error {
	if !hashRegex.MatchString(h) {
		return errors.New("invalid hash: must be 64 lowercase hex characters")
	}
	return nil
}

// ValidateText validates a free-text field against a maximum length
func ValidateText(field, s string, maxLen int, required bool) error {
	if required && strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s must be valid UTF-8", field)
	}
	if len(s) > maxLen {
		return fmt.Errorf("%s too long (max %d bytes)", field, maxLen)
	}
	return nil
}

// ValidateVersion validates a semantic version string
func ValidateVersion(v string) error {
	// Normalize: strip leading 'v' if present, then add it back for semver library
	normalized := strings.TrimPrefix(v, "v")
	if normalized == "" {
		return errors.New("version cannot be empty")
	}

	// semver library expects version to start with 'v'
	versionWithV := "v" + normalized
	if !semver.IsValid(versionWithV) {
		return errors.New("invalid semver version: must be in format X.Y.Z or X.Y.Z-prerelease")
	}

	// Ensure we have major.minor.patch (not just major or major.minor)
	// semver.Canonical will add .0 if needed, so we can check if the normalized
	// version already has all three parts
	parts := strings.SplitN(normalized, "-", 2) // Split off prerelease/build
	mainPart := parts[0]
	dotCount := strings.Count(mainPart, ".")
	if dotCount < 2 {
		return errors.New("invalid semver version: must be in format X.Y.Z (major.minor.patch)")
	}

	return nil
}

// NormalizeVersion normalizes a version string (strips leading 'v')
func NormalizeVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// IsPrerelease checks if a version is a prerelease
func IsPrerelease(v string) bool {
	normalized := "v" + NormalizeVersion(v)
	return semver.Prerelease(normalized) != ""
}

// CompareVersions compares two versions
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	n1 := "v" + NormalizeVersion(v1)
	n2 := "v" + NormalizeVersion(v2)
	return semver.Compare(n1, n2)
}

// ResolveLatest finds the latest version from a list
func ResolveLatest(versions []string, includePrerelease bool) string {
	if len(versions) == 0 {
		return ""
	}

	var candidates []string
	for _, v := range versions {
		if !includePrerelease && IsPrerelease(v) {
			continue
		}
		candidates = append(candidates, v)
	}

	if len(candidates) == 0 {
		// If no stable versions, return latest prerelease
		candidates = versions
	}

	// Sort versions
	latest := candidates[0]
	for _, v := range candidates[1:] {
		if CompareVersions(v, latest) > 0 {
			latest = v
		}
	}

	return latest
}
