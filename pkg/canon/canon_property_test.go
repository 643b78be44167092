//go:build property
// +build property

package canon

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Round-trip law: C(parse(C(x))) == C(x) for arbitrary nested values.
func TestMarshalRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is a fixpoint of parse+marshal", prop.ForAll(
		func(keys []string, strs []string, ints []int64, flag bool) bool {
			obj := make(map[string]any)
			for i, k := range keys {
				switch i % 4 {
				case 0:
					if i < len(strs) {
						obj[k] = strs[i]
					}
				case 1:
					if i < len(ints) {
						obj[k] = ints[i]
					}
				case 2:
					obj[k] = flag
				default:
					obj[k] = map[string]any{"inner": k, "n": int64(i)}
				}
			}

			first, err := Marshal(obj)
			if err != nil {
				return false
			}
			reparsed, err := Decode(first)
			if err != nil {
				return false
			}
			second, err := Marshal(reparsed)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Int64()),
		gen.Bool(),
	))

	properties.Property("hash ignores key insertion order", prop.ForAll(
		func(a, b, c string) bool {
			h1, err1 := Hash(map[string]any{"a": a, "b": b, "c": c})
			h2, err2 := Hash(map[string]any{"c": c, "b": b, "a": a})
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
