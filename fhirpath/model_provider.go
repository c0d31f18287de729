package fhirpath

import (
	"context"
	"maps"
	"strings"

	"github.com/iancoleman/strcase"
)

// ModelProvider is the evaluator's pluggable source of FHIR type metadata
// (§6.1). It is consulted at the handful of points where navigation or type
// operators need schema knowledge the bare JSON tree doesn't carry: choice
// (value[x]) resolution, reference resolution, subtype checks and extension
// lookup. Loading an actual FHIR schema database from disk or network is
// out of scope (spec.md §1); hosts supply their own implementation, or use
// BasicModelProvider for tests and simple deployments.
//
// Every method takes a context.Context per spec.md §5/§6.1 ("all required
// unless noted"), even though BasicModelProvider's own implementations never
// await anything: a host-backed provider (e.g. one fetching a StructureDefinition
// over HTTP) needs the cancellation/deadline plumbing, and changing the
// interface later to add it would break every caller.
type ModelProvider interface {
	// GetType returns type metadata for a fully- or partially-qualified
	// type name ("Patient", "FHIR.Patient", "HumanName").
	GetType(ctx context.Context, typeName TypeSpecifier) (TypeInfo, bool, error)

	// GetElementType returns the declared type of a property on parentType,
	// if known.
	GetElementType(ctx context.Context, parentType TypeSpecifier, property string) (TypeInfo, bool, error)

	// IsSubtypeOf reports whether child is, directly or transitively, a
	// subtype of parent.
	IsSubtypeOf(ctx context.Context, child, parent TypeSpecifier) (bool, error)

	// IsResourceType reports whether name is a known FHIR resource type.
	IsResourceType(ctx context.Context, name string) (bool, error)

	// ResolveChoiceProperty returns the concrete JSON field name for a
	// value[x]-shaped base property (baseProperty "value" + data containing
	// "valueQuantity" -> "valueQuantity"), given the declared type of the
	// element data was read from (may be the zero TypeSpecifier if unknown,
	// in which case implementations should fall back to a lexical scan).
	ResolveChoiceProperty(ctx context.Context, parentType TypeSpecifier, baseProperty string, data map[string]any) (string, bool, error)

	// ResolveReferenceInContext resolves a FHIR reference string (a
	// relative/absolute URL, not a fragment or bundle-local reference,
	// both of which the evaluator itself handles per §4.6) against root
	// and current. Returns ok=false, err=nil for an unresolvable but
	// well-formed external reference.
	ResolveReferenceInContext(ctx context.Context, url string, root, current Element) (Element, bool, error)

	// FindExtensionsByURL returns every extension on value (inline
	// extension[] entries, or the sibling "_"+path primitive-extension
	// object) whose url matches.
	FindExtensionsByURL(ctx context.Context, value Element, parent Element, path string, url string) (Collection, error)

	// FHIRVersion is synchronous per spec.md §6.1.
	FHIRVersion() string
}

// TerminologyProvider backs the terminology-category functions (§4.3,
// §6.2): memberOf, subsumes, subsumedBy, translate. Its absence is not an
// evaluator error by itself; only calling one of those functions without a
// configured provider raises FP0125 (§6.2).
type TerminologyProvider interface {
	ValidateCode(ctx context.Context, system, code, valueSet string) (bool, error)
	Subsumes(ctx context.Context, system, codeA, codeB string) (SubsumptionResult, error)
	Translate(ctx context.Context, source, target, code string) ([]Coding, error)
}

// SubsumptionResult is the result of TerminologyProvider.Subsumes (§6.2).
type SubsumptionResult string

const (
	SubsumptionEquivalent SubsumptionResult = "equivalent"
	SubsumptionSubsumes   SubsumptionResult = "subsumes"
	SubsumptionSubsumedBy SubsumptionResult = "subsumed-by"
	SubsumptionNotSubsumed SubsumptionResult = "not-subsumed"
)

// Coding is the minimal subset of FHIR's Coding type translate() produces.
type Coding struct {
	System  string
	Code    string
	Display string
}

type modelProviderKey struct{}

// WithModelProvider installs a ModelProvider into ctx. The evaluator's type
// operators (is/as/ofType), choice-property navigation, reference
// resolution, and extension lookup consult it when present.
func WithModelProvider(ctx context.Context, p ModelProvider) context.Context {
	return context.WithValue(ctx, modelProviderKey{}, p)
}

func modelProviderFrom(ctx context.Context) (ModelProvider, bool) {
	p, ok := ctx.Value(modelProviderKey{}).(ModelProvider)
	return p, ok && p != nil
}

type terminologyProviderKey struct{}

// WithTerminologyProvider installs a TerminologyProvider into ctx.
func WithTerminologyProvider(ctx context.Context, p TerminologyProvider) context.Context {
	return context.WithValue(ctx, terminologyProviderKey{}, p)
}

func terminologyProviderFrom(ctx context.Context) (TerminologyProvider, bool) {
	p, ok := ctx.Value(terminologyProviderKey{}).(TerminologyProvider)
	return p, ok && p != nil
}

// BasicModelProvider is a small, in-memory ModelProvider driven by a
// caller-supplied map of types plus a set of known choice-type base names.
// It is testing/demo scaffolding per spec.md §9 ("implementers without a
// schema ... fall back to a lexical scan"), not the concrete FHIR schema
// database spec.md §1 excludes: it never loads a StructureDefinition from
// disk or network, and callers are expected to populate Types themselves
// (e.g. from WithTypes-registered ClassInfo/ListTypeInfo values) or leave it
// empty and rely entirely on the lexical fallback.
type BasicModelProvider struct {
	// Types maps a qualified type name to its metadata. May be nil or
	// partial; lookups that miss fall back to best-effort behavior rather
	// than erroring, matching §9's "implementers without a schema" case.
	Types map[TypeSpecifier]TypeInfo

	// ChoiceBases lists known value[x]-shaped base property names (the FHIR
	// spec's own list: value, effective, onset, abatement, occurrence,
	// ...). ResolveChoiceProperty does not consult it: it always scans
	// data's keys for baseProperty+CapitalizedSuffix.
	ChoiceBases map[string]bool

	// Version is returned by FHIRVersion.
	Version string

	// Resources is an external-reference resolver: url -> resource. A nil
	// map means ResolveReferenceInContext always reports "not found".
	Resources map[string]Element
}

// DefaultChoiceBases is the FHIR R4/R5 list of value[x]-shaped element base
// names most commonly navigated by FHIRPath expressions.
var DefaultChoiceBases = map[string]bool{
	"value": true, "effective": true, "onset": true, "abatement": true,
	"occurrence": true, "bodySite": true, "timing": true, "asNeeded": true,
	"medication": true, "product": true, "collected": true, "deceased": true,
	"multipleBirth": true, "performed": true, "serviced": true, "reason": true,
	"subject": true, "diagnosis": true,
}

// NewBasicModelProvider constructs a BasicModelProvider seeded with
// DefaultChoiceBases and the System primitive types already known to the
// package (Boolean, String, Integer, Decimal, Date, Time, DateTime,
// Quantity); callers add FHIR types with RegisterType.
func NewBasicModelProvider() *BasicModelProvider {
	p := &BasicModelProvider{
		Types:       maps.Clone(systemTypesMap()),
		ChoiceBases: maps.Clone(DefaultChoiceBases),
		Version:     "4.0.1",
	}
	return p
}

// RegisterType adds or overwrites a type's metadata.
func (p *BasicModelProvider) RegisterType(info TypeInfo) {
	qual, ok := info.QualifiedName()
	if !ok {
		return
	}
	if p.Types == nil {
		p.Types = map[TypeSpecifier]TypeInfo{}
	}
	p.Types[qual] = info
}

// RegisterResource makes a resource available to ResolveReferenceInContext
// under the given absolute or relative URL (and, if it is a Resource with
// resourceType/id, under "ResourceType/id" as FHIR references commonly use).
func (p *BasicModelProvider) RegisterResource(url string, r Element) {
	if p.Resources == nil {
		p.Resources = map[string]Element{}
	}
	p.Resources[url] = r
	if r == nil {
		return
	}
	if qual, ok := r.TypeInfo().QualifiedName(); ok {
		if id, ok, _ := Singleton[String](r.Children("id")); ok {
			p.Resources[qual.Name+"/"+string(id)] = r
		}
	}
}

func (p *BasicModelProvider) GetType(_ context.Context, typeName TypeSpecifier) (TypeInfo, bool, error) {
	if typeName.Namespace == "" {
		if t, ok := p.Types[TypeSpecifier{Namespace: "FHIR", Name: typeName.Name}]; ok {
			return t, true, nil
		}
		t, ok := p.Types[TypeSpecifier{Namespace: "System", Name: typeName.Name}]
		return t, ok, nil
	}
	t, ok := p.Types[typeName]
	return t, ok, nil
}

func (p *BasicModelProvider) GetElementType(_ context.Context, parentType TypeSpecifier, property string) (TypeInfo, bool, error) {
	parent, ok := p.Types[parentType]
	if !ok {
		return nil, false, nil
	}
	ci, ok := parent.(ClassInfo)
	if !ok {
		return nil, false, nil
	}
	for _, el := range ci.Element {
		if el.Name == property {
			t, ok := p.Types[el.Type]
			return t, ok, nil
		}
	}
	return nil, false, nil
}

func (p *BasicModelProvider) IsSubtypeOf(ctx context.Context, child, parent TypeSpecifier) (bool, error) {
	childType, ok := p.Types[child]
	if !ok {
		return false, nil
	}
	parentType, ok := p.Types[parent]
	if !ok {
		return false, nil
	}
	return subTypeOf(ctx, childType, parentType), nil
}

func (p *BasicModelProvider) IsResourceType(_ context.Context, name string) (bool, error) {
	t, ok := p.Types[TypeSpecifier{Namespace: "FHIR", Name: name}]
	if !ok {
		return false, nil
	}
	ci, ok := t.(ClassInfo)
	if !ok {
		return false, nil
	}
	base := ci.BaseType
	for base.Name != "" {
		if base.Name == "Resource" {
			return true, nil
		}
		next, ok := p.Types[base]
		if !ok {
			break
		}
		nci, ok := next.(ClassInfo)
		if !ok {
			break
		}
		base = nci.BaseType
	}
	return false, nil
}

// ResolveChoiceProperty first checks data directly (is there a key literally
// equal to baseProperty? then it's not a choice at all), then scans data's
// keys for one starting with baseProperty followed by a Title-cased suffix,
// also trying the strcase-normalized prefix to cover FHIR's mixed PascalCase
// type suffixes (Quantity, CodeableConcept, dateTime, ...) against Go-style
// capitalization. ChoiceBases is not consulted. This is the lexical fallback spec.md §9 prescribes for
// "implementers without a schema."
func (p *BasicModelProvider) ResolveChoiceProperty(_ context.Context, _ TypeSpecifier, baseProperty string, data map[string]any) (string, bool, error) {
	if _, ok := data[baseProperty]; ok {
		return baseProperty, true, nil
	}
	wantPrefix := strcase.ToCamel(baseProperty)
	for key := range data {
		if strings.HasPrefix(key, baseProperty) && len(key) > len(baseProperty) &&
			key[len(baseProperty)] >= 'A' && key[len(baseProperty)] <= 'Z' {
			return key, true, nil
		}
		if strings.HasPrefix(key, wantPrefix) && len(key) > len(wantPrefix) {
			return key, true, nil
		}
	}
	return "", false, nil
}

func (p *BasicModelProvider) ResolveReferenceInContext(_ context.Context, url string, _, _ Element) (Element, bool, error) {
	r, ok := p.Resources[url]
	return r, ok, nil
}

func (p *BasicModelProvider) FindExtensionsByURL(_ context.Context, value Element, _ Element, _ string, url string) (Collection, error) {
	var found Collection
	for _, e := range value.Children("extension") {
		u, ok, _ := Singleton[String](e.Children("url"))
		if ok && string(u) == url {
			found = append(found, e)
		}
	}
	return found, nil
}

func (p *BasicModelProvider) FHIRVersion() string {
	if p.Version == "" {
		return "4.0.1"
	}
	return p.Version
}
