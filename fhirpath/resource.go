package fhirpath

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// jsonNode is the generic navigable JSON Element (spec.md §3.1's Resource
// and JsonValue variants): a FHIR resource or any complex/backbone element
// read out of a JSON document, for which no generated Go struct exists
// (schema codegen is out of scope per spec.md §1). Bare JSON scalars never
// reach this type; childElements converts them straight to the existing
// System primitives (Boolean/String/Integer/Decimal) as they are read.
type jsonNode struct {
	raw      map[string]any
	typeName TypeSpecifier // namespace "FHIR"; Name == "" means unknown/untyped
}

// NewResource parses a FHIR resource from its canonical JSON representation
// and returns it as a navigable Element rooted at typeName = FHIR.<resourceType>.
func NewResource(data []byte) (Element, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse FHIR resource: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("FHIR resource must be a JSON object, got %T", v)
	}
	rt, _ := obj["resourceType"].(string)
	if rt == "" {
		return nil, fmt.Errorf("FHIR resource is missing resourceType")
	}
	return &jsonNode{raw: obj, typeName: TypeSpecifier{Namespace: "FHIR", Name: rt}}, nil
}

// FromJSONObject wraps an already-decoded JSON object (map[string]any, with
// json.Number for numbers if exact decimal precision matters) as a
// navigable Element, for hosts that already parsed the document themselves.
func FromJSONObject(obj map[string]any, typeName TypeSpecifier) Element {
	return &jsonNode{raw: obj, typeName: typeName}
}

func (n *jsonNode) declaredType() TypeSpecifier { return n.typeName }
func (n *jsonNode) rawObject() (map[string]any, bool) {
	return n.raw, n.raw != nil
}

// choiceAware is implemented by Elements for which evalMemberAccess may
// need to resolve a value[x]-shaped choice property; see resolveChoiceKey.
type choiceAware interface {
	Element
	declaredType() TypeSpecifier
	rawObject() (map[string]any, bool)
}

func (n *jsonNode) Children(name ...string) Collection {
	if n == nil || n.raw == nil {
		return nil
	}
	if len(name) == 0 {
		keys := make([]string, 0, len(n.raw))
		for k := range n.raw {
			if k == "resourceType" || strings.HasPrefix(k, "_") {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out Collection
		for _, k := range keys {
			out = append(out, n.childElements(k)...)
		}
		return out
	}
	var out Collection
	for _, nm := range name {
		out = append(out, n.childElements(nm)...)
	}
	return out
}

func (n *jsonNode) childElements(key string) Collection {
	val, ok := n.raw[key]
	if !ok {
		return nil
	}
	var extField any
	if e, ok := n.raw["_"+key]; ok {
		extField = e
	}
	switch v := val.(type) {
	case []any:
		var out Collection
		extList, _ := extField.([]any)
		for i, item := range v {
			var ext any
			if i < len(extList) {
				ext = extList[i]
			}
			if el := n.wrapValue(item, ext); el != nil {
				out = append(out, el)
			}
		}
		return out
	default:
		if el := n.wrapValue(val, extField); el != nil {
			return Collection{el}
		}
		return nil
	}
}

// wrapValue converts one JSON value read from the document into an Element.
// ext, if non-nil, is the sibling "_name" entry FHIR uses to attach id/
// extension to a primitive value (§4.2's underscore-prefixed primitive
// extensions, consumed here and by ModelProvider.FindExtensionsByURL).
func (n *jsonNode) wrapValue(val any, ext any) Element {
	switch v := val.(type) {
	case nil:
		return nil
	case map[string]any:
		return &jsonNode{raw: v}
	case bool:
		return withPrimitiveExtensions(Boolean(v), ext)
	case string:
		return withPrimitiveExtensions(String(v), ext)
	case json.Number:
		return withPrimitiveExtensions(numberElement(v), ext)
	case float64:
		return withPrimitiveExtensions(numberElement(json.Number(strconv.FormatFloat(v, 'f', -1, 64))), ext)
	default:
		return nil
	}
}

// numberElement converts a FHIR JSON number into Integer or Decimal,
// preserving the literal text through apd so precision survives exactly
// (spec.md §3.1 invariant 2: decimals are exact, never binary float).
func numberElement(n json.Number) Element {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 32); err == nil {
			return Integer(i)
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Long(i)
		}
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return String(s)
	}
	return Decimal{Value: d}
}

// withPrimitiveExtensions wraps a System primitive Element read from FHIR
// JSON with its sibling "_name" id/extension payload when present, so
// hasValue()/getValue()/extension() (§4.3's FHIR extension functions) work
// on it. Bare primitives with no extension data are returned unwrapped.
func withPrimitiveExtensions(base Element, ext any) Element {
	obj, ok := ext.(map[string]any)
	if !ok {
		return base
	}
	var extensions Collection
	if list, ok := obj["extension"].([]any); ok {
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				extensions = append(extensions, &jsonNode{raw: m, typeName: TypeSpecifier{Namespace: "FHIR", Name: "Extension"}})
			}
		}
	}
	id, _ := obj["id"].(string)
	return fhirPrimitive{Element: base, id: id, extensions: extensions}
}

// fhirPrimitive decorates a System primitive with the FHIR extension data
// that travels alongside it in the underscore-prefixed sibling field. It
// forwards every Element method to the wrapped value and adds Children
// support for "extension"/"id" plus the hasValuer contract.
type fhirPrimitive struct {
	Element
	id         string
	extensions Collection
}

func (p fhirPrimitive) HasValue() bool { return p.Element != nil }

// Equal/Equivalent unwrap both sides before delegating, so two
// extension-bearing primitives compare by their underlying System value
// (as spec.md requires) rather than failing a type assertion against the
// fhirPrimitive wrapper type itself.
func (p fhirPrimitive) Equal(other Element) (bool, bool) {
	if o, ok := other.(fhirPrimitive); ok {
		other = o.Element
	}
	return p.Element.Equal(other)
}

func (p fhirPrimitive) Equivalent(other Element) bool {
	eq, _ := p.Equal(other)
	return eq
}

func (p fhirPrimitive) Children(name ...string) Collection {
	if len(name) == 0 {
		return append(Collection{}, p.extensions...)
	}
	var out Collection
	for _, nm := range name {
		switch nm {
		case "extension":
			out = append(out, p.extensions...)
		case "id":
			if p.id != "" {
				out = append(out, String(p.id))
			}
		default:
			out = append(out, p.Element.Children(nm)...)
		}
	}
	return out
}

func (n *jsonNode) ToBoolean(explicit bool) (Boolean, bool, error)   { return false, false, nil }
func (n *jsonNode) ToString(explicit bool) (String, bool, error)     { return "", false, nil }
func (n *jsonNode) ToInteger(explicit bool) (Integer, bool, error)   { return 0, false, nil }
func (n *jsonNode) ToLong(explicit bool) (Long, bool, error)         { return 0, false, nil }
func (n *jsonNode) ToDecimal(explicit bool) (Decimal, bool, error)   { return Decimal{}, false, nil }
func (n *jsonNode) ToDate(explicit bool) (Date, bool, error)         { return Date{}, false, nil }
func (n *jsonNode) ToTime(explicit bool) (Time, bool, error)         { return Time{}, false, nil }
func (n *jsonNode) ToDateTime(explicit bool) (DateTime, bool, error) { return DateTime{}, false, nil }
func (n *jsonNode) ToQuantity(explicit bool) (Quantity, bool, error) { return Quantity{}, false, nil }

func (n *jsonNode) Equal(other Element) (eq bool, ok bool) {
	o, isNode := other.(*jsonNode)
	if !isNode {
		return false, true
	}
	return jsonDeepEqual(n.raw, o.raw), true
}

func (n *jsonNode) Equivalent(other Element) bool {
	eq, _ := n.Equal(other)
	return eq
}

func jsonDeepEqual(a, b map[string]any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

func (n *jsonNode) TypeInfo() TypeInfo {
	name := n.typeName.Name
	base := TypeSpecifier{Namespace: "FHIR", Name: "BackboneElement"}
	if name == "" {
		name = "BackboneElement"
	} else if _, hasRT := n.raw["resourceType"]; hasRT {
		base = TypeSpecifier{Namespace: "FHIR", Name: "DomainResource"}
	}
	return SimpleTypeInfo{Namespace: "FHIR", Name: name, BaseType: base}
}

func (n *jsonNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.raw)
}

func (n *jsonNode) String() string {
	buf, err := json.MarshalIndent(n.raw, "", "  ")
	if err != nil {
		return "null"
	}
	return string(buf)
}

// resolveChoiceKey finds the concrete JSON field name for a value[x]-shaped
// base property (§4.4's choice-type resolution). A ModelProvider in ctx is
// consulted first; without one (or if it can't resolve it), it falls back
// to the lexical scan spec.md §9 describes for schema-less implementers.
func resolveChoiceKey(ctx context.Context, declared TypeSpecifier, base string, raw map[string]any) (string, bool) {
	if mp, ok := modelProviderFrom(ctx); ok {
		if key, ok, err := mp.ResolveChoiceProperty(ctx, declared, base, raw); err == nil && ok {
			return key, true
		}
	}
	if _, ok := raw[base]; ok {
		return base, true
	}
	for key := range raw {
		if len(key) > len(base) && strings.HasPrefix(key, base) {
			r := []rune(key[len(base):])
			if len(r) > 0 && r[0] >= 'A' && r[0] <= 'Z' {
				return key, true
			}
		}
	}
	return "", false
}
