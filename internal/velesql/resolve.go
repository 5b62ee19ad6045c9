package velesql

import (
	"fmt"
	"math"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Resolve turns a parsed Value into a plain Go value, looking parameter
// references up in params. Arrays resolve element-wise.
func (v *Value) Resolve(params map[string]any) (any, error) {
	switch {
	case v == nil:
		return nil, nil
	case v.Number != nil:
		return *v.Number, nil
	case v.Str != nil:
		return *v.Str, nil
	case v.Bool != nil:
		return bool(*v.Bool), nil
	case v.Null:
		return nil, nil
	case v.Param != nil:
		val, ok := params[string(*v.Param)]
		if !ok {
			return nil, verrors.New(verrors.ParamMissing, "velesql",
				"missing query parameter: $"+string(*v.Param))
		}
		return val, nil
	case v.Array != nil:
		out := make([]any, len(v.Array))
		for i, elem := range v.Array {
			r, err := elem.Resolve(params)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return nil, nil
}

// ResolveVector resolves a $param into a []float32 query vector, rejecting
// missing parameters and any element that is non-finite or outside f32
// range; those would corrupt distance math downstream.
func ResolveVector(name ParamRef, params map[string]any) ([]float32, error) {
	raw, ok := params[string(name)]
	if !ok {
		return nil, verrors.New(verrors.ParamMissing, "velesql",
			"missing vector parameter: $"+string(name))
	}
	return coerceVector(string(name), raw)
}

func coerceVector(name string, raw any) ([]float32, error) {
	var elems []any
	switch v := raw.(type) {
	case []any:
		elems = v
	case []float64:
		elems = make([]any, len(v))
		for i, f := range v {
			elems[i] = f
		}
	case []float32:
		out := make([]float32, len(v))
		for i, f := range v {
			if err := checkF32Range(name, float64(f)); err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, verrors.New(verrors.ParamInvalid, "velesql",
			fmt.Sprintf("parameter $%s is not a vector", name))
	}

	out := make([]float32, len(elems))
	for i, e := range elems {
		f, ok := e.(float64)
		if !ok {
			if n, isInt := e.(int); isInt {
				f = float64(n)
			} else {
				return nil, verrors.New(verrors.ParamInvalid, "velesql",
					fmt.Sprintf("parameter $%s element %d is not a number", name, i))
			}
		}
		if err := checkF32Range(name, f); err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

func checkF32Range(name string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return verrors.New(verrors.ParamInvalid, "velesql",
			fmt.Sprintf("parameter $%s contains a non-finite value", name))
	}
	if f > math.MaxFloat32 || f < -math.MaxFloat32 {
		return verrors.New(verrors.ParamInvalid, "velesql",
			fmt.Sprintf("parameter $%s element exceeds float32 range", name))
	}
	return nil
}
