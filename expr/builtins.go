package expr

import (
	"strings"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// defaultFuncs is the builtin function table consulted by KindFunc nodes.
// Kept intentionally small: just enough to exercise the evaluator's
// function-call path and the literal scenarios in spec §8.
func defaultFuncs() map[string]FuncCall {
	return map[string]FuncCall{
		"count": func(_ *txn.Context, _ Options, args []values.Value) (values.Value, error) {
			if len(args) == 0 {
				return values.Int(1), nil
			}
			if arr, ok := args[0].AsArray(); ok {
				return values.Int(int64(len(arr))), nil
			}
			return values.Int(0), nil
		},
		"string::len": func(_ *txn.Context, _ Options, args []values.Value) (values.Value, error) {
			if len(args) != 1 {
				return values.Value{}, dberr.New(dberr.KindParse, "string::len takes 1 argument")
			}
			s, ok := args[0].AsString()
			if !ok {
				return values.Value{}, dberr.New(dberr.KindTypeCoerce, "string::len expects a string")
			}
			return values.Int(int64(len(s))), nil
		},
		"string::lowercase": func(_ *txn.Context, _ Options, args []values.Value) (values.Value, error) {
			s, _ := args[0].AsString()
			return values.String(strings.ToLower(s)), nil
		},
		"array::len": func(_ *txn.Context, _ Options, args []values.Value) (values.Value, error) {
			arr, _ := args[0].AsArray()
			return values.Int(int64(len(arr))), nil
		},
		"time::now": func(tc *txn.Context, _ Options, _ []values.Value) (values.Value, error) {
			return values.Datetime(tc.Clock.Now()), nil
		},
	}
}
