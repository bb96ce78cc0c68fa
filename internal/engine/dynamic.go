package engine

import (
	"encoding/json"
	"fmt"
	"iter"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
)

const maxDynamicDepth = 127

// expandDynamic replaces rows of the dynamic component with the rows their
// properties describe, recursively and in order.
func expandDynamic(seq iter.Seq[DbItem]) iter.Seq[DbItem] {
	return func(yield func(DbItem) bool) {
		for item := range seq {
			if item.Kind != ItemRow {
				if !yield(item) {
					return
				}
				continue
			}
			if !expandRow(item.Row, 0, yield) {
				return
			}
		}
	}
}

func expandRow(row *codec.Row, depth int, yield func(DbItem) bool) bool {
	if c, _ := row.Get("component"); c != "dynamic" {
		return yield(DbItem{Kind: ItemRow, Row: row})
	}
	if depth >= maxDynamicDepth {
		return yield(DbItem{Kind: ItemError, Err: fmt.Errorf("Too many nested dynamic components: \n"+
			"The dynamic component can be used to generate other dynamic components, "+
			"but the depth is limited to %d levels.", maxDynamicDepth)})
	}
	props, _ := row.Get("properties")
	if s, ok := props.(string); ok {
		v, err := codec.ParseRowsJSON(s)
		if err != nil {
			return yield(DbItem{Kind: ItemError, Err: fmt.Errorf("invalid JSON in the properties of the dynamic component: %w", err)})
		}
		props = v
	}
	if arr, ok := props.([]any); ok {
		for _, el := range arr {
			r, ok := codec.AsRow(el)
			if !ok {
				return yield(unexpectedProperties(el))
			}
			if !expandRow(r, depth+1, yield) {
				return false
			}
		}
		return true
	}
	if r, ok := codec.AsRow(props); ok {
		return expandRow(r, depth+1, yield)
	}
	return yield(unexpectedProperties(props))
}

func unexpectedProperties(v any) DbItem {
	b, _ := json.Marshal(v)
	return DbItem{Kind: ItemError, Err: fmt.Errorf(
		"Dynamic component expected properties of type array or object, got %s instead.", b)}
}
