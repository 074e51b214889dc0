package design

import (
	"fmt"
	"strings"
)

// AllViewName is the view every default design carries.
const AllViewName = "all"

// AllView emits the id of every document of the model type.
func AllView(typeKey, model string) View {
	return View{
		Map: fmt.Sprintf(`function(doc) {
  if (doc['%s'] == '%s') {
    emit(doc._id, null);
  }
}`, typeKey, model),
	}
}

// ByFields emits documents of the model type keyed by the given fields, with
// a _sum reduce over a constant 1 for counting. Documents missing any of the
// fields are skipped. A single field emits a scalar key, several fields an
// array key.
func ByFields(typeKey, model string, fields ...string) View {
	conds := []string{fmt.Sprintf("(doc['%s'] == '%s')", typeKey, model)}
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		conds = append(conds, fmt.Sprintf("(doc['%s'] != null)", f))
		keys = append(keys, fmt.Sprintf("doc['%s']", f))
	}
	key := "null"
	switch len(keys) {
	case 0:
	case 1:
		key = keys[0]
	default:
		key = "[" + strings.Join(keys, ", ") + "]"
	}
	return View{
		Map: fmt.Sprintf(`function(doc) {
  if (%s) {
    emit(%s, 1);
  }
}`, strings.Join(conds, " && "), key),
		Reduce: "_sum",
	}
}

// ByName returns the conventional view name for ByFields, e.g. "by_name_and_date".
func ByName(fields ...string) string {
	return "by_" + strings.Join(fields, "_and_")
}
