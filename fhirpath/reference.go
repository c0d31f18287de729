package fhirpath

import (
	"context"
	"strings"
)

// referenceFunctions implements Reference.resolve() (§4.6). It is merged
// into defaultFunctions in init() alongside FHIRFunctions.
var referenceFunctions = Functions{
	"resolve": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fperrInvalidArgument("resolve() takes no parameters")
		}

		var resolved Collection
		for _, current := range target {
			refString, ok, err := referenceString(current)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			r, found, err := resolveReference(ctx, root, current, refString)
			if err != nil {
				return nil, false, err
			}
			if found {
				resolved = append(resolved, r)
			}
		}
		return resolved, inputOrdered, nil
	},
}

// referenceString extracts the "reference" string from a FHIR Reference
// element, or treats a bare String/Canonical/Uri element as a reference
// literal directly (canonical()/ofType(uri) chains commonly feed resolve()
// a plain string).
func referenceString(e Element) (string, bool, error) {
	if s, ok, err := Singleton[String](e.Children("reference")); err == nil && ok {
		return string(s), true, nil
	}
	if s, ok, err := e.ToString(false); err == nil && ok {
		return string(s), true, nil
	}
	return "", false, nil
}

// resolveReference implements §4.6's three-step resolution order: fragment,
// bundle-local, then external (delegated to the ModelProvider).
func resolveReference(ctx context.Context, root, current Element, ref string) (Element, bool, error) {
	if id, ok := strings.CutPrefix(ref, "#"); ok {
		return resolveFragment(root, id)
	}

	if rootType := root.TypeInfo(); isBundleType(rootType) {
		if r, ok := resolveBundleLocal(root, ref); ok {
			return r, true, nil
		}
	}

	mp, ok := modelProviderFrom(ctx)
	if !ok {
		return nil, false, nil
	}
	r, found, err := mp.ResolveReferenceInContext(ctx, ref, root, current)
	if err != nil {
		return nil, false, fperrProviderFailure(err)
	}
	return r, found, nil
}

func isBundleType(t TypeInfo) bool {
	qual, ok := t.QualifiedName()
	return ok && qual.Name == "Bundle"
}

// resolveFragment searches root's contained[] for resource.id == id, per
// §4.6 step 1. Fragment references are always resolved against the
// containing resource regardless of how deep current is nested within it.
func resolveFragment(root Element, id string) (Element, bool, error) {
	for _, c := range root.Children("contained") {
		idVal, ok, err := Singleton[String](c.Children("id"))
		if err == nil && ok && string(idVal) == id {
			return c, true, nil
		}
	}
	return nil, false, nil
}

// resolveBundleLocal scans Bundle.entry[] for a matching fullUrl or
// resourceType/id, per §4.6 step 2.
func resolveBundleLocal(bundle Element, ref string) (Element, bool) {
	for _, entry := range bundle.Children("entry") {
		fullURL, ok, _ := Singleton[String](entry.Children("fullUrl"))
		if ok && string(fullURL) == ref {
			if resources := entry.Children("resource"); len(resources) == 1 {
				return resources[0], true
			}
		}
		for _, res := range entry.Children("resource") {
			qual, ok := res.TypeInfo().QualifiedName()
			if !ok {
				continue
			}
			resID, ok, _ := Singleton[String](res.Children("id"))
			if ok && qual.Name+"/"+string(resID) == ref {
				return res, true
			}
		}
	}
	return nil, false
}
