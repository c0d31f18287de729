package fhirpath

import (
	"context"
)

// terminologyFunctions implements the terminology-category functions (§4.3,
// §6.2): memberOf, subsumes, subsumedBy, translate. Each delegates to the
// TerminologyProvider installed via WithTerminologyProvider; calling one
// without a provider configured raises FP0125 rather than silently
// returning Empty, since a missing terminology service is a configuration
// error the host should see, not a "no match" result.
var terminologyFunctions = Functions{
	"memberOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fperrInvalidArgument("memberOf() expects a single valueSet parameter")
		}
		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) != 1 {
			return nil, false, fperrMultiElementType()
		}

		vsCollection, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		valueSet, ok, err := Singleton[String](vsCollection)
		if err != nil || !ok {
			return nil, false, fperrInvalidArgument("memberOf() valueSet must be a single string")
		}

		tp, ok := terminologyProviderFrom(ctx)
		if !ok {
			return nil, false, fperrTerminologyUnavailable("memberOf")
		}

		system, code, ok := codingSystemAndCode(target[0])
		if !ok {
			return nil, inputOrdered, nil
		}
		isMember, err := tp.ValidateCode(ctx, system, code, string(valueSet))
		if err != nil {
			return nil, false, fperrProviderFailure(err)
		}
		return Collection{Boolean(isMember)}, inputOrdered, nil
	},

	"subsumes": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		return evalSubsumption(ctx, target, parameters, evaluate, inputOrdered, false)
	},

	"subsumedBy": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		return evalSubsumption(ctx, target, parameters, evaluate, inputOrdered, true)
	},

	"translate": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 2 {
			return nil, false, fperrInvalidArgument("translate() expects (conceptMap, target) parameters")
		}
		if len(target) != 1 {
			return nil, inputOrdered, nil
		}

		sourceColl, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		source, ok, err := Singleton[String](sourceColl)
		if err != nil || !ok {
			return nil, false, fperrInvalidArgument("translate() source must be a single string")
		}
		targetColl, _, err := evaluate(ctx, nil, parameters[1], nil)
		if err != nil {
			return nil, false, err
		}
		targetURI, ok, err := Singleton[String](targetColl)
		if err != nil || !ok {
			return nil, false, fperrInvalidArgument("translate() target must be a single string")
		}

		tp, ok := terminologyProviderFrom(ctx)
		if !ok {
			return nil, false, fperrTerminologyUnavailable("translate")
		}

		_, code, ok := codingSystemAndCode(target[0])
		if !ok {
			return nil, inputOrdered, nil
		}
		codings, err := tp.Translate(ctx, string(source), string(targetURI), code)
		if err != nil {
			return nil, false, fperrProviderFailure(err)
		}
		out := make(Collection, 0, len(codings))
		for _, c := range codings {
			out = append(out, FromJSONObject(map[string]any{
				"system":  c.System,
				"code":    c.Code,
				"display": c.Display,
			}, TypeSpecifier{Namespace: "FHIR", Name: "Coding"}))
		}
		return out, inputOrdered, nil
	},
}

func evalSubsumption(
	ctx context.Context,
	target Collection,
	parameters []Expression,
	evaluate EvaluateFunc,
	inputOrdered bool,
	invert bool,
) (Collection, bool, error) {
	if len(parameters) != 1 {
		return nil, false, fperrInvalidArgument("subsumes()/subsumedBy() expects a single code parameter")
	}
	if len(target) != 1 {
		return nil, inputOrdered, nil
	}
	other, _, err := evaluate(ctx, nil, parameters[0], nil)
	if err != nil {
		return nil, false, err
	}
	if len(other) != 1 {
		return nil, inputOrdered, nil
	}

	tp, ok := terminologyProviderFrom(ctx)
	if !ok {
		fn := "subsumes"
		if invert {
			fn = "subsumedBy"
		}
		return nil, false, fperrTerminologyUnavailable(fn)
	}

	systemA, codeA, ok := codingSystemAndCode(target[0])
	if !ok {
		return nil, inputOrdered, nil
	}
	_, codeB, ok := codingSystemAndCode(other[0])
	if !ok {
		return nil, inputOrdered, nil
	}

	res, err := tp.Subsumes(ctx, systemA, codeA, codeB)
	if err != nil {
		return nil, false, fperrProviderFailure(err)
	}
	if invert {
		return Collection{Boolean(res == SubsumptionSubsumedBy || res == SubsumptionEquivalent)}, inputOrdered, nil
	}
	return Collection{Boolean(res == SubsumptionSubsumes || res == SubsumptionEquivalent)}, inputOrdered, nil
}

// codingSystemAndCode extracts system/code from a Coding, CodeableConcept's
// first coding, or a bare code String (system empty in that case).
func codingSystemAndCode(e Element) (system, code string, ok bool) {
	if codeStr, isOK, err := Singleton[String](e.Children("code")); err == nil && isOK {
		sys, _, _ := Singleton[String](e.Children("system"))
		return string(sys), string(codeStr), true
	}
	if codings := e.Children("coding"); len(codings) > 0 {
		return codingSystemAndCode(codings[0])
	}
	if s, isOK, err := e.ToString(false); err == nil && isOK {
		return "", string(s), true
	}
	return "", "", false
}
