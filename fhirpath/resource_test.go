package fhirpath

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// These tests drive the real function registry and evaluator against
// resource.go's JSON-backed Element, complementing functions_test.go's
// testElement-mock coverage with the §3.1 Resource/JsonValue navigation and
// choice-type (value[x]) resolution path that mock never exercises.

func mustResource(t *testing.T, doc string) Element {
	t.Helper()
	el, err := NewResource([]byte(doc))
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	return el
}

func evalString(t *testing.T, ctx context.Context, target Element, path string) Collection {
	t.Helper()
	expr, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse(%q): %v", path, err)
	}
	result, err := Evaluate(ctx, target, expr)
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", path, err)
	}
	return result
}

func TestJSONResource_BasicNavigation(t *testing.T) {
	patient := mustResource(t, `{
		"resourceType": "Patient",
		"id": "123",
		"active": true,
		"name": [{"family": "Smith", "given": ["Jane", "Q"]}]
	}`)

	got := evalString(t, context.Background(), patient, "name.family")
	want := Collection{String("Smith")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("name.family mismatch (-want +got):\n%s", diff)
	}

	got = evalString(t, context.Background(), patient, "name.given")
	want = Collection{String("Jane"), String("Q")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("name.given mismatch (-want +got):\n%s", diff)
	}

	got = evalString(t, context.Background(), patient, "active")
	want = Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONResource_ChoiceType_LexicalFallback(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"status": "final",
		"valueQuantity": {"value": 72, "unit": "beats/min"}
	}`)

	// No ModelProvider installed: resolveChoiceKey must fall back to the
	// lexical "value" + Capitalized-suffix scan.
	got := evalString(t, context.Background(), obs, "value.value")
	want := Collection{Integer(72)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("value.value mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONResource_ChoiceType_ModelProviderFirst(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"status": "final",
		"valueString": "positive"
	}`)

	mp := NewBasicModelProvider()
	mp.ChoiceBases = map[string]bool{"value": true}
	ctx := WithModelProvider(context.Background(), mp)

	got := evalString(t, ctx, obs, "value")
	want := Collection{String("positive")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONResource_PrimitiveExtensions(t *testing.T) {
	patient := mustResource(t, `{
		"resourceType": "Patient",
		"birthDate": "1990-01-01",
		"_birthDate": {
			"id": "a1",
			"extension": [{"url": "http://example.org/precision", "valueCode": "estimated"}]
		}
	}`)

	got := evalString(t, context.Background(), patient, "birthDate.extension('http://example.org/precision').valueCode")
	want := Collection{String("estimated")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extension lookup mismatch (-want +got):\n%s", diff)
	}

	got = evalString(t, context.Background(), patient, "birthDate.hasValue()")
	want = Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("hasValue() mismatch (-want +got):\n%s", diff)
	}

	got = evalString(t, context.Background(), patient, "birthDate.getValue()")
	if len(got) != 1 {
		t.Fatalf("getValue(): expected one result, got %v", got)
	}
}

func TestJSONResource_Extension_ModelProviderWiring(t *testing.T) {
	patient := mustResource(t, `{
		"resourceType": "Patient",
		"extension": [{"url": "http://example.org/race", "valueString": "declined"}]
	}`)

	// Without a provider, extension() falls back to the structural scan.
	got := evalString(t, context.Background(), patient, "extension('http://example.org/race').valueString")
	want := Collection{String("declined")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extension() structural fallback mismatch (-want +got):\n%s", diff)
	}

	// With a ModelProvider installed, extension() consults it first;
	// BasicModelProvider.FindExtensionsByURL still delegates to the same
	// structural scan, so the result should match.
	mp := NewBasicModelProvider()
	ctx := WithModelProvider(context.Background(), mp)
	got = evalString(t, ctx, patient, "extension('http://example.org/race').valueString")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extension() ModelProvider-backed mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_Fragment(t *testing.T) {
	bundle := mustResource(t, `{
		"resourceType": "Observation",
		"contained": [{"resourceType": "Patient", "id": "p1", "active": true}],
		"subject": {"reference": "#p1"}
	}`)

	got := evalString(t, context.Background(), bundle, "subject.resolve().active")
	want := Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fragment resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_BundleLocal(t *testing.T) {
	bundle := mustResource(t, `{
		"resourceType": "Bundle",
		"entry": [
			{"fullUrl": "urn:uuid:p1", "resource": {"resourceType": "Patient", "id": "p1", "active": true}},
			{"fullUrl": "urn:uuid:o1", "resource": {
				"resourceType": "Observation", "id": "o1",
				"subject": {"reference": "urn:uuid:p1"}
			}}
		]
	}`)

	got := evalString(t, context.Background(), bundle, "entry.resource.where(resourceType = 'Observation').subject.resolve().active")
	want := Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle-local resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_External_ModelProvider(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"subject": {"reference": "Patient/123"}
	}`)
	external := mustResource(t, `{"resourceType": "Patient", "id": "123", "active": true}`)

	mp := NewBasicModelProvider()
	mp.RegisterResource("Patient/123", external)
	ctx := WithModelProvider(context.Background(), mp)

	got := evalString(t, ctx, obs, "subject.resolve().active")
	want := Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("external resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_UnresolvableExternal_IsEmpty(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"subject": {"reference": "Patient/does-not-exist"}
	}`)

	mp := NewBasicModelProvider()
	ctx := WithModelProvider(context.Background(), mp)

	got := evalString(t, ctx, obs, "subject.resolve()")
	if len(got) != 0 {
		t.Errorf("expected empty result for unresolvable reference, got %v", got)
	}
}

// fakeTerminologyProvider is a minimal in-memory TerminologyProvider for
// exercising memberOf/subsumes/subsumedBy/translate without a real
// terminology service.
type fakeTerminologyProvider struct {
	members     map[string]bool
	subsumption map[[2]string]SubsumptionResult
	translation map[string][]Coding
}

func (f *fakeTerminologyProvider) ValidateCode(_ context.Context, system, code, valueSet string) (bool, error) {
	return f.members[system+"|"+code+"|"+valueSet], nil
}

func (f *fakeTerminologyProvider) Subsumes(_ context.Context, system, codeA, codeB string) (SubsumptionResult, error) {
	_ = system
	if r, ok := f.subsumption[[2]string{codeA, codeB}]; ok {
		return r, nil
	}
	return SubsumptionNotSubsumed, nil
}

func (f *fakeTerminologyProvider) Translate(_ context.Context, source, target, code string) ([]Coding, error) {
	_ = source
	_ = target
	return f.translation[code], nil
}

func TestTerminology_MemberOf(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"code": {"coding": [{"system": "http://loinc.org", "code": "1234-5"}]}
	}`)

	tp := &fakeTerminologyProvider{members: map[string]bool{
		"http://loinc.org|1234-5|http://example.org/vs": true,
	}}
	ctx := WithTerminologyProvider(context.Background(), tp)

	got := evalString(t, ctx, obs, "code.coding.memberOf('http://example.org/vs')")
	want := Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("memberOf mismatch (-want +got):\n%s", diff)
	}
}

func TestTerminology_MemberOf_NoProvider_IsError(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"code": {"coding": [{"system": "http://loinc.org", "code": "1234-5"}]}
	}`)

	expr := MustParse("code.coding.memberOf('http://example.org/vs')")
	if _, err := Evaluate(context.Background(), obs, expr); err == nil {
		t.Fatal("expected an error calling memberOf() without a TerminologyProvider")
	} else {
		var se *StructuredError
		if !errors.As(err, &se) {
			t.Errorf("expected a StructuredError, got %T: %v", err, err)
		}
	}
}

func TestTerminology_SubsumesAndSubsumedBy(t *testing.T) {
	tp := &fakeTerminologyProvider{subsumption: map[[2]string]SubsumptionResult{
		{"broad", "narrow"}: SubsumptionSubsumes,
		{"narrow", "broad"}: SubsumptionSubsumedBy,
	}}
	ctx := WithTerminologyProvider(context.Background(), tp)
	anyParam := []Expression{MustParse("'unused'")}

	returnCoding := func(e Element) EvaluateFunc {
		return func(ctx context.Context, target Collection, expr Expression, scope *FunctionScope) (Collection, bool, error) {
			return Collection{e}, true, nil
		}
	}

	result, _, err := defaultFunctions["subsumes"](ctx, nil, Collection{mustCodingElement(t, "http://snomed.info/sct", "broad")}, true,
		anyParam, returnCoding(mustCodingElement(t, "http://snomed.info/sct", "narrow")))
	if err != nil {
		t.Fatalf("subsumes(): %v", err)
	}
	want := Collection{Boolean(true)}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("subsumes mismatch (-want +got):\n%s", diff)
	}

	result, _, err = defaultFunctions["subsumedBy"](ctx, nil, Collection{mustCodingElement(t, "http://snomed.info/sct", "narrow")}, true,
		anyParam, returnCoding(mustCodingElement(t, "http://snomed.info/sct", "broad")))
	if err != nil {
		t.Fatalf("subsumedBy(): %v", err)
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("subsumedBy mismatch (-want +got):\n%s", diff)
	}
}

func mustCodingElement(t *testing.T, system, code string) Element {
	t.Helper()
	return FromJSONObject(map[string]any{"system": system, "code": code}, TypeSpecifier{Namespace: "FHIR", Name: "Coding"})
}

func TestTerminology_Translate(t *testing.T) {
	obs := mustResource(t, `{
		"resourceType": "Observation",
		"code": {"system": "http://loinc.org", "code": "1234-5"}
	}`)

	tp := &fakeTerminologyProvider{translation: map[string][]Coding{
		"1234-5": {{System: "http://snomed.info/sct", Code: "9999", Display: "Translated"}},
	}}
	ctx := WithTerminologyProvider(context.Background(), tp)

	got := evalString(t, ctx, obs, "code.translate('http://example.org/cm', 'http://snomed.info/sct').code")
	want := Collection{String("9999")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("translate mismatch (-want +got):\n%s", diff)
	}
}

func TestIsType_ModelProviderFallback(t *testing.T) {
	patient := mustResource(t, `{"resourceType": "PatientProfile"}`)

	mp := NewBasicModelProvider()
	mp.RegisterType(SimpleTypeInfo{Namespace: "FHIR", Name: "PatientProfile", BaseType: TypeSpecifier{Namespace: "FHIR", Name: "Patient"}})
	mp.RegisterType(SimpleTypeInfo{Namespace: "FHIR", Name: "Patient", BaseType: TypeSpecifier{Namespace: "FHIR", Name: "DomainResource"}})
	ctx := WithModelProvider(context.Background(), mp)

	got := evalString(t, ctx, patient, "$this is FHIR.Patient")
	want := Collection{Boolean(true)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("is-type ModelProvider fallback mismatch (-want +got):\n%s", diff)
	}
}
