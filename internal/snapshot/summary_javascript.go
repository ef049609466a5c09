package snapshot

import (
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// analyzeJavaScript walks the goja syntax tree of a script. Sources goja
// cannot parse (ES modules, JSX, newer syntax) use the line patterns.
func analyzeJavaScript(src string) Summary {
	prog, err := parser.ParseFile(nil, "", src, 0)
	if err != nil {
		return analyzeScriptPatterns(src)
	}

	var s Summary
	line := lineIndex(src)
	for _, stmt := range prog.Body {
		switch st := stmt.(type) {
		case *ast.FunctionDeclaration:
			if fn := st.Function; fn != nil && fn.Name != nil {
				s.Functions = append(s.Functions, Symbol{string(fn.Name.Name), line(fn.Name.Idx)})
			}
		case *ast.ClassDeclaration:
			addClass(&s, st.Class, "", line)
		case *ast.LexicalDeclaration:
			addBindings(&s, st.List, line)
		case *ast.VariableStatement:
			addBindings(&s, st.List, line)
		}
	}
	return s
}

func addBindings(s *Summary, list []*ast.Binding, line func(file.Idx) int) {
	for _, b := range list {
		id, ok := b.Target.(*ast.Identifier)
		if !ok || b.Initializer == nil {
			continue
		}
		name := string(id.Name)
		sym := Symbol{name, line(id.Idx)}
		switch init := b.Initializer.(type) {
		case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
			s.Functions = append(s.Functions, sym)
		case *ast.ClassLiteral:
			addClass(s, init, name, line)
		case *ast.ObjectLiteral:
			s.Objects = append(s.Objects, sym)
		}
	}
}

func addClass(s *Summary, cls *ast.ClassLiteral, name string, line func(file.Idx) int) {
	if cls == nil {
		return
	}
	at := line(cls.Class)
	if cls.Name != nil {
		name = string(cls.Name.Name)
		at = line(cls.Name.Idx)
	}
	if name == "" {
		return
	}
	s.Classes = append(s.Classes, Symbol{name, at})
	for _, el := range cls.Body {
		m, ok := el.(*ast.MethodDefinition)
		if !ok {
			continue
		}
		key := propertyName(m.Key)
		if key == "" || key == "constructor" {
			continue
		}
		s.ClassMethods = append(s.ClassMethods, Symbol{name + "." + key, line(m.Idx)})
	}
}

func propertyName(e ast.Expression) string {
	switch k := e.(type) {
	case *ast.StringLiteral:
		return string(k.Value)
	case *ast.Identifier:
		return string(k.Name)
	}
	return ""
}

// lineIndex maps goja positions (1-based byte offsets) to line numbers.
func lineIndex(src string) func(file.Idx) int {
	return func(idx file.Idx) int {
		off := int(idx) - 1
		if off < 0 {
			off = 0
		}
		if off > len(src) {
			off = len(src)
		}
		return strings.Count(src[:off], "\n") + 1
	}
}
