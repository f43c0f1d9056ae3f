package expressions

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// listAggregates adds sum(list) and avg(list) over the numeric elements of a
// list. Non-numeric elements are skipped; avg of no numbers is 0.
func listAggregates() []cel.EnvOption {
	listOfDyn := cel.ListType(cel.DynType)
	return []cel.EnvOption{
		cel.Function("sum",
			cel.Overload("sum_list", []*cel.Type{listOfDyn}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					total, _ := numericFold(v)
					return types.Double(total)
				}))),
		cel.Function("avg",
			cel.Overload("avg_list", []*cel.Type{listOfDyn}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					total, n := numericFold(v)
					if n == 0 {
						return types.Double(0)
					}
					return types.Double(total / float64(n))
				}))),
	}
}

func numericFold(v ref.Val) (float64, int) {
	l, ok := v.(traits.Lister)
	if !ok {
		return 0, 0
	}
	var total float64
	n := 0
	for it := l.Iterator(); it.HasNext() == types.True; {
		switch x := it.Next().(type) {
		case types.Int:
			total += float64(x)
		case types.Uint:
			total += float64(x)
		case types.Double:
			total += float64(x)
		default:
			continue
		}
		n++
	}
	return total, n
}
