package scim

import (
	"reflect"
	"testing"
)

func TestRequiredScopes_Dedup(t *testing.T) {
	got := RequiredScopes([]OperationKind{OpCreateUser, OpUpdateUser, OpDeactivateUser})
	want := []string{"scim:users:write"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RequiredScopes = %v, want %v", got, want)
	}
}

func TestRequiredScopes_UnionIsSortedAndDeduped(t *testing.T) {
	got := RequiredScopes([]OperationKind{OpCreateUser, OpCreateGroup, OpAddGroupMember})
	want := []string{"scim:groups:write", "scim:users:write"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RequiredScopes = %v, want %v", got, want)
	}
}

func TestRequiredScopes_Empty(t *testing.T) {
	if got := RequiredScopes(nil); len(got) != 0 {
		t.Errorf("RequiredScopes(nil) = %v, want empty", got)
	}
}

func TestValidateApplication_MissingScopes(t *testing.T) {
	ok, missing := ValidateApplication([]string{"scim:users:write"}, []OperationKind{OpCreateUser, OpCreateGroup})
	if ok {
		t.Fatal("expected ValidateApplication to fail when groups:write is missing")
	}
	if !reflect.DeepEqual(missing, []string{"scim:groups:write"}) {
		t.Errorf("missing = %v", missing)
	}
}

func TestValidateApplication_FullyCovered(t *testing.T) {
	ok, missing := ValidateApplication(
		[]string{"scim:users:write", "scim:groups:write", "scim:users:read"},
		[]OperationKind{OpCreateUser, OpAddGroupMember},
	)
	if !ok || len(missing) != 0 {
		t.Errorf("ValidateApplication: ok=%v missing=%v, want ok=true missing=empty", ok, missing)
	}
}

func TestEnabledOperationsSlice_OnlyTrueEntries(t *testing.T) {
	enabled := map[OperationKind]bool{
		OpCreateUser: true,
		OpUpdateUser: false,
		OpDeleteUser: true,
	}
	got := EnabledOperationsSlice(enabled)
	if len(got) != 2 {
		t.Fatalf("expected 2 enabled ops, got %v", got)
	}
	seen := map[OperationKind]bool{}
	for _, op := range got {
		seen[op] = true
	}
	if !seen[OpCreateUser] || !seen[OpDeleteUser] || seen[OpUpdateUser] {
		t.Errorf("unexpected enabled set: %v", got)
	}
}
