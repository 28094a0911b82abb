package scim

import "testing"

func TestTranslator_SerializeUser_DefaultMapping(t *testing.T) {
	tr := NewTranslator()
	snapshot := map[string]any{
		"user":    map[string]any{"username": "jdoe", "id": "local-1", "email": "jdoe@example.com"},
		"profile": map[string]any{"given_name": "Jane", "family_name": "Doe"},
	}

	body, err := tr.SerializeUser(nil, snapshot, "")
	if err != nil {
		t.Fatalf("SerializeUser: %v", err)
	}

	if _, ok := body["id"]; ok {
		t.Errorf("expected no id field for CREATE, got %v", body["id"])
	}
	if body["userName"] != "jdoe" {
		t.Errorf("userName = %v", body["userName"])
	}
	if body["externalId"] != "local-1" {
		t.Errorf("externalId = %v", body["externalId"])
	}
	name, _ := body["name"].(map[string]any)
	if name["givenName"] != "Jane" || name["familyName"] != "Doe" {
		t.Errorf("name = %v", body["name"])
	}
	emails, _ := body["emails"].([]any)
	if len(emails) != 1 {
		t.Fatalf("expected 1 email, got %v", body["emails"])
	}
	email, _ := emails[0].(map[string]any)
	if email["value"] != "jdoe@example.com" || email["primary"] != true {
		t.Errorf("emails[0] = %v", email)
	}
}

func TestTranslator_SerializeUser_UpdateCarriesID(t *testing.T) {
	tr := NewTranslator()
	body, err := tr.SerializeUser(nil, map[string]any{"user": map[string]any{"username": "jdoe"}}, "scim-id-1")
	if err != nil {
		t.Fatalf("SerializeUser: %v", err)
	}
	if body["id"] != "scim-id-1" {
		t.Errorf("id = %v", body["id"])
	}
}

func TestTranslator_SerializeUser_CustomMapping(t *testing.T) {
	tr := NewTranslator()
	mapping := AttributeMapping{"userName": "$.user.username", "active": "true"}
	body, err := tr.SerializeUser(mapping, map[string]any{"user": map[string]any{"username": "jdoe"}}, "")
	if err != nil {
		t.Fatalf("SerializeUser: %v", err)
	}
	if body["userName"] != "jdoe" || body["active"] != true {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["externalId"]; ok {
		t.Errorf("custom mapping should not fall back to defaults, got externalId %v", body["externalId"])
	}
}

func TestTranslator_SerializeUser_UnresolvablePathSkipped(t *testing.T) {
	tr := NewTranslator()
	mapping := AttributeMapping{"userName": "$.user.missing"}
	body, err := tr.SerializeUser(mapping, map[string]any{"user": map[string]any{}}, "")
	if err != nil {
		t.Fatalf("SerializeUser: %v", err)
	}
	if _, ok := body["userName"]; ok {
		t.Errorf("expected userName to be skipped, got %v", body["userName"])
	}
	if _, ok := body["schemas"]; !ok {
		t.Errorf("expected schemas to still be present, got %v", body)
	}
}

func TestTranslator_SerializeUser_InvalidExpression(t *testing.T) {
	tr := NewTranslator()
	mapping := AttributeMapping{"userName": "user.username"}
	if _, err := tr.SerializeUser(mapping, map[string]any{}, ""); err == nil {
		t.Fatal("expected error for expression not starting with \"$.\"")
	}
}

func TestTranslator_SerializeGroup(t *testing.T) {
	tr := NewTranslator()
	body, err := tr.SerializeGroup(nil, map[string]any{"group": map[string]any{"displayName": "Engineering", "id": "g1"}}, "")
	if err != nil {
		t.Fatalf("SerializeGroup: %v", err)
	}
	if body["displayName"] != "Engineering" || body["externalId"] != "g1" {
		t.Errorf("body = %v", body)
	}
}

func TestTranslator_DeactivatePatch(t *testing.T) {
	tr := NewTranslator()
	patch := tr.DeactivatePatch()
	ops, _ := patch["Operations"].([]map[string]any)
	if len(ops) != 1 || ops[0]["op"] != "replace" || ops[0]["path"] != "active" || ops[0]["value"] != false {
		t.Errorf("unexpected patch: %v", patch)
	}
}

func TestTranslator_AddAndRemoveMemberPatch(t *testing.T) {
	tr := NewTranslator()

	add := tr.AddMemberPatch("scim-user-1")
	addOps, _ := add["Operations"].([]map[string]any)
	if len(addOps) != 1 || addOps[0]["op"] != "add" || addOps[0]["path"] != "members" {
		t.Errorf("unexpected add patch: %v", add)
	}

	remove := tr.RemoveMemberPatch("scim-user-1")
	removeOps, _ := remove["Operations"].([]map[string]any)
	if len(removeOps) != 1 || removeOps[0]["op"] != "remove" {
		t.Errorf("unexpected remove patch: %v", remove)
	}
	wantPath := `members[value eq "scim-user-1"]`
	if removeOps[0]["path"] != wantPath {
		t.Errorf("remove path = %q, want %q", removeOps[0]["path"], wantPath)
	}
}

func TestTranslator_SetPath_NestedArrayIndex(t *testing.T) {
	tr := NewTranslator()
	mapping := AttributeMapping{"emails[1].value": "$.user.email"}
	body, err := tr.SerializeUser(mapping, map[string]any{"user": map[string]any{"email": "second@example.com"}}, "")
	if err != nil {
		t.Fatalf("SerializeUser: %v", err)
	}
	emails, _ := body["emails"].([]any)
	if len(emails) != 2 {
		t.Fatalf("expected emails slice of length 2, got %v", emails)
	}
	if emails[0] != nil {
		t.Errorf("expected emails[0] to stay nil, got %v", emails[0])
	}
	email, _ := emails[1].(map[string]any)
	if email["value"] != "second@example.com" {
		t.Errorf("emails[1] = %v", email)
	}
}
