package scim

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	schemaUser     = "urn:ietf:params:scim:schemas:core:2.0:User"
	schemaGroup    = "urn:ietf:params:scim:schemas:core:2.0:Group"
	schemaPatchOp  = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

// defaultUserMapping is applied whenever a Destination carries no (or an
// empty) attribute mapping. It mirrors the typed-object SCIM user mapper
// variant (see spec §9's open-question resolution): the map-keyed variant's
// missing-key behavior is not preserved.
var defaultUserMapping = AttributeMapping{
	"userName":         "$.user.username",
	"externalId":       "$.user.id",
	"name.givenName":   "$.profile.given_name",
	"name.familyName":  "$.profile.family_name",
	"emails[0].value":  "$.user.email",
	"emails[0].primary": "true",
}

var defaultGroupMapping = AttributeMapping{
	"displayName": "$.group.displayName",
	"externalId":  "$.group.id",
}

// Translator converts LocalEvent snapshots into SCIM wire payloads. It is
// stateless and deterministic: identical inputs produce identical payloads,
// and json.Marshal writes map keys in sorted order, so the encoded bodies
// are byte-identical too.
type Translator struct{}

// NewTranslator constructs a Translator. It holds no state; the zero value
// would do just as well, but a constructor keeps call sites consistent with
// the rest of the package.
func NewTranslator() *Translator {
	return &Translator{}
}

// SerializeUser builds the SCIM User resource body for a CREATE or UPDATE.
// scimID is the destination-assigned id; pass "" for CREATE (no "id" field
// is emitted) and the known mapping value for UPDATE.
func (t *Translator) SerializeUser(mapping AttributeMapping, snapshot map[string]any, scimID string) (map[string]any, error) {
	body := map[string]any{"schemas": []string{schemaUser}}
	if scimID != "" {
		body["id"] = scimID
	}
	if err := t.applyMapping(body, mapping, defaultUserMapping, snapshot); err != nil {
		return nil, err
	}
	return body, nil
}

// SerializeGroup builds the SCIM Group resource body for a CREATE or UPDATE.
func (t *Translator) SerializeGroup(mapping AttributeMapping, snapshot map[string]any, scimID string) (map[string]any, error) {
	body := map[string]any{"schemas": []string{schemaGroup}}
	if scimID != "" {
		body["id"] = scimID
	}
	if err := t.applyMapping(body, mapping, defaultGroupMapping, snapshot); err != nil {
		return nil, err
	}
	return body, nil
}

// DeactivatePatch builds the PATCH envelope that sets active=false.
func (t *Translator) DeactivatePatch() map[string]any {
	return map[string]any{
		"schemas": []string{schemaPatchOp},
		"Operations": []map[string]any{
			{"op": "replace", "path": "active", "value": false},
		},
	}
}

// AddMemberPatch builds the PATCH envelope that adds userScimID to a group.
func (t *Translator) AddMemberPatch(userScimID string) map[string]any {
	return map[string]any{
		"schemas": []string{schemaPatchOp},
		"Operations": []map[string]any{
			{
				"op":   "add",
				"path": "members",
				"value": []map[string]any{
					{"value": userScimID},
				},
			},
		},
	}
}

// RemoveMemberPatch builds the PATCH envelope that removes userScimID from a
// group via a filtered path, per RFC 7644 §3.5.2.2.
func (t *Translator) RemoveMemberPatch(userScimID string) map[string]any {
	return map[string]any{
		"schemas": []string{schemaPatchOp},
		"Operations": []map[string]any{
			{
				"op":   "remove",
				"path": fmt.Sprintf("members[value eq %q]", userScimID),
			},
		},
	}
}

// applyMapping resolves each (target, expr) pair — falling back to
// defaults when mapping is empty — and assigns the resolved value into
// body at the dotted/bracket target path. Unresolvable expressions (no
// value at the source path) are skipped rather than erroring, so a mapping
// with no valid sources leaves body holding only "schemas" (and "id").
func (t *Translator) applyMapping(body map[string]any, mapping, defaults AttributeMapping, snapshot map[string]any) error {
	src := mapping
	if len(src) == 0 {
		src = defaults
	}

	for target, expr := range src {
		value, ok, err := resolveExpr(expr, snapshot)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", target, err)
		}
		if !ok {
			continue
		}
		if err := setPath(body, target, value); err != nil {
			return fmt.Errorf("assigning %q: %w", target, err)
		}
	}
	return nil
}

// resolveExpr evaluates a source expression against the data view. The two
// literal expressions "true"/"false" coerce to booleans; anything else must
// begin with "$." and is resolved as a dotted path into snapshot.
func resolveExpr(expr string, snapshot map[string]any) (any, bool, error) {
	switch expr {
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	}

	if !strings.HasPrefix(expr, "$.") {
		return nil, false, fmt.Errorf("source expression %q must be \"true\", \"false\", or start with \"$.\"", expr)
	}

	cur := any(snapshot)
	for _, part := range strings.Split(strings.TrimPrefix(expr, "$."), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		v, ok := m[part]
		if !ok || v == nil {
			return nil, false, nil
		}
		cur = v
	}
	return cur, true, nil
}

// setPath assigns value into body at a dotted/bracket-indexed target path
// such as "emails[0].value" or "name.givenName", lazily constructing
// intermediate maps and growing arrays as needed so assignment never fails
// for an in-range (non-negative) index.
func setPath(body map[string]any, path string, value any) error {
	segments, err := splitPathSegments(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("empty target path")
	}
	return assignInMap(body, segments, value)
}

// assignInMap recursively assigns value into m following segments, mutating
// m (and any nested maps/slices it owns) in place. Slices are value types in
// Go, so a grown slice is written back into its parent map after recursing.
func assignInMap(m map[string]any, segments []pathSegment, value any) error {
	seg := segments[0]
	rest := segments[1:]

	if seg.index == nil {
		if len(rest) == 0 {
			m[seg.key] = value
			return nil
		}
		child, _ := m[seg.key].(map[string]any)
		if child == nil {
			child = map[string]any{}
		}
		if err := assignInMap(child, rest, value); err != nil {
			return err
		}
		m[seg.key] = child
		return nil
	}

	arr, _ := m[seg.key].([]any)
	for len(arr) <= *seg.index {
		arr = append(arr, nil)
	}
	if len(rest) == 0 {
		arr[*seg.index] = value
	} else {
		child, _ := arr[*seg.index].(map[string]any)
		if child == nil {
			child = map[string]any{}
		}
		if err := assignInMap(child, rest, value); err != nil {
			return err
		}
		arr[*seg.index] = child
	}
	m[seg.key] = arr
	return nil
}

type pathSegment struct {
	key   string
	index *int
}

// splitPathSegments parses "emails[0].value" into [{emails,0} {value,nil}].
func splitPathSegments(path string) ([]pathSegment, error) {
	var out []pathSegment
	for _, part := range strings.Split(path, ".") {
		open := strings.IndexByte(part, '[')
		if open < 0 {
			out = append(out, pathSegment{key: part})
			continue
		}
		if !strings.HasSuffix(part, "]") {
			return nil, fmt.Errorf("malformed path segment %q", part)
		}
		key := part[:open]
		idxStr := part[open+1 : len(part)-1]
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("malformed index in path segment %q", part)
		}
		out = append(out, pathSegment{key: key, index: &idx})
	}
	return out, nil
}
