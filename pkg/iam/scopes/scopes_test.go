package scopes_test

import (
	"testing"

	"github.com/truxeio/truxe/pkg/iam/scopes"
)

func TestGroupsOnlyContainKnownScopes(t *testing.T) {
	for role, group := range scopes.Groups {
		for _, scope := range group {
			if !scopes.IsKnown(scope) {
				t.Errorf("role %q carries unknown scope %q", role, scope)
			}
		}
	}
	for _, scope := range scopes.DefaultUser() {
		if !scopes.IsKnown(scope) {
			t.Errorf("default set carries unknown scope %q", scope)
		}
	}
}

func TestForRole(t *testing.T) {
	owner := scopes.ForRole("owner")
	if len(owner) != 1 || owner[0] != scopes.All {
		t.Fatalf("owner should hold the wildcard, got %v", owner)
	}

	// Unknown roles get the interactive baseline, never a privileged set.
	fallback := scopes.ForRole("something-custom")
	for _, scope := range fallback {
		if scope == scopes.All || scope == scopes.AuthzManage {
			t.Fatalf("fallback must not include privileged scopes, got %v", fallback)
		}
	}
}

func TestForRoleReturnsCopy(t *testing.T) {
	first := scopes.ForRole("viewer")
	first[0] = "tampered"
	second := scopes.ForRole("viewer")
	if second[0] == "tampered" {
		t.Fatal("ForRole must not expose the shared group slice")
	}
}
