package snapshot

import (
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// analyzeLua lists top-level functions and module tables of a Lua chunk.
func analyzeLua(src string) Summary {
	var s Summary
	chunk, err := parse.Parse(strings.NewReader(src), "<repo>")
	if err != nil {
		return analyzeGeneric(src)
	}

	for _, stmt := range chunk {
		switch st := stmt.(type) {
		case *ast.FuncDefStmt:
			if name := luaFuncName(st.Name); name != "" {
				s.Functions = append(s.Functions, Symbol{name, st.Line()})
			}
		case *ast.LocalAssignStmt:
			for i, name := range st.Names {
				if i < len(st.Exprs) {
					addLuaValue(&s, name, st.Exprs[i], st.Line())
				}
			}
		case *ast.AssignStmt:
			for i, lhs := range st.Lhs {
				if i < len(st.Rhs) {
					addLuaValue(&s, luaExprName(lhs), st.Rhs[i], st.Line())
				}
			}
		}
	}
	return s
}

func addLuaValue(s *Summary, name string, value ast.Expr, line int) {
	if name == "" {
		return
	}
	switch value.(type) {
	case *ast.FunctionExpr:
		s.Functions = append(s.Functions, Symbol{name, line})
	case *ast.TableExpr:
		s.Classes = append(s.Classes, Symbol{name, line})
	}
}

func luaFuncName(fn *ast.FuncName) string {
	if fn == nil {
		return ""
	}
	if fn.Method != "" {
		return luaExprName(fn.Receiver) + ":" + fn.Method
	}
	return luaExprName(fn.Func)
}

func luaExprName(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.IdentExpr:
		return x.Value
	case *ast.AttrGetExpr:
		obj := luaExprName(x.Object)
		key, ok := x.Key.(*ast.StringExpr)
		if obj == "" || !ok {
			return ""
		}
		return obj + "." + key.Value
	}
	return ""
}
