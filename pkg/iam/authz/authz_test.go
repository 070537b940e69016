package authz_test

import (
	"testing"

	"github.com/truxeio/truxe/pkg/iam/authz"
)

func TestActionHierarchy(t *testing.T) {
	cases := []struct {
		held, requested string
		want            bool
	}{
		{"admin", "manage", true},
		{"admin", "write", true},
		{"admin", "read", true},
		{"manage", "write", true},
		{"manage", "read", true},
		{"configure", "write", true},
		{"configure", "read", true},
		{"upload", "write", true},
		{"upload", "read", true},
		{"write", "read", true},
		{"*", "delete", true},

		// Destructive and delegation actions are leaves: nothing implies them.
		{"admin", "delete", false},
		{"admin", "share", false},
		{"admin", "invite", false},
		{"admin", "grant", false},
		{"manage", "revoke", false},

		{"read", "write", false},
		{"write", "admin", false},
		{"delete", "read", false},
		{"share", "share", true},
	}
	for _, tc := range cases {
		if got := authz.ActionCovers(tc.held, tc.requested); got != tc.want {
			t.Errorf("ActionCovers(%q, %q) = %v, want %v", tc.held, tc.requested, got, tc.want)
		}
	}
}

func TestMatchResource(t *testing.T) {
	cases := []struct {
		pattern, resource string
		want              bool
	}{
		{"*", "doc:42", true},
		{"*:*", "doc:42", true},
		{"doc", "doc:42", true},
		{"doc", "doc", true},
		{"doc:*", "doc:42", true},
		{"doc:42", "doc:42", true},
		{"doc:42", "doc:43", false},
		{"doc", "report:42", false},
		{"*:42", "doc:42", true},
		{"*:42", "doc:43", false},
	}
	for _, tc := range cases {
		if got := authz.MatchResource(tc.pattern, tc.resource); got != tc.want {
			t.Errorf("MatchResource(%q, %q) = %v, want %v", tc.pattern, tc.resource, got, tc.want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, resource, action string
		want                      bool
	}{
		{"doc:write", "doc:42", "read", true},
		{"doc:write", "doc:42", "write", true},
		{"doc:write", "doc:42", "delete", false},
		{"*:admin", "doc:42", "manage", true},
		{"*:*", "anything:1", "revoke", true},
		{"doc:42:write", "doc:42", "read", true},
		{"doc:42:write", "doc:43", "read", false},
		{"nocolon", "doc", "read", false},
	}
	for _, tc := range cases {
		if got := authz.MatchPattern(tc.pattern, tc.resource, tc.action); got != tc.want {
			t.Errorf("MatchPattern(%q, %q, %q) = %v, want %v", tc.pattern, tc.resource, tc.action, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, valid := range []string{"doc:read", "*:*", "doc:42:write", "report:admin"} {
		if err := authz.ValidatePattern(valid); err != nil {
			t.Errorf("ValidatePattern(%q) = %v, want nil", valid, err)
		}
	}
	for _, invalid := range []string{"", "doc", ":read", "doc:", "doc:fly"} {
		if err := authz.ValidatePattern(invalid); err == nil {
			t.Errorf("ValidatePattern(%q) = nil, want error", invalid)
		}
	}
}
