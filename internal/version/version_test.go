// ABOUTME: Tests for product identity constants
// ABOUTME: These strings end up in device-facing logs and metadata
package version

import (
	"strings"
	"testing"
)

func TestVersionIsSemver(t *testing.T) {
	if len(strings.Split(Version, ".")) != 3 {
		t.Errorf("Version %q is not major.minor.patch", Version)
	}
}

func TestIdentityDefined(t *testing.T) {
	if Product == "" || Manufacturer == "" {
		t.Error("product identity constants must not be empty")
	}
}

func TestUserAgentCarriesIdentity(t *testing.T) {
	if !strings.Contains(UserAgent, Product) ||
		!strings.Contains(UserAgent, Version) ||
		!strings.Contains(UserAgent, Manufacturer) {
		t.Errorf("UserAgent %q missing identity fields", UserAgent)
	}
}
