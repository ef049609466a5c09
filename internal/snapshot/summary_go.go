package snapshot

import (
	"go/ast"
	"go/parser"
	"go/token"
)

// analyzeGo reads declarations from the Go syntax tree. Files that do not
// parse fall back to the line patterns.
func analyzeGo(src string) Summary {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", src, parser.SkipObjectResolution)
	if err != nil {
		return analyzeGoPatterns(src)
	}

	var s Summary
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			if recv := receiverType(d); recv != "" {
				name = recv + "." + name
			}
			s.Functions = append(s.Functions, Symbol{name, fset.Position(d.Pos()).Line})
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				switch ts.Type.(type) {
				case *ast.StructType, *ast.InterfaceType:
					s.Classes = append(s.Classes, Symbol{ts.Name.Name, fset.Position(ts.Pos()).Line})
				}
			}
		}
	}
	return s
}

func receiverType(d *ast.FuncDecl) string {
	if d.Recv == nil || len(d.Recv.List) == 0 {
		return ""
	}
	t := d.Recv.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	switch x := t.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.IndexExpr:
		if id, ok := x.X.(*ast.Ident); ok {
			return id.Name
		}
	case *ast.IndexListExpr:
		if id, ok := x.X.(*ast.Ident); ok {
			return id.Name
		}
	}
	return ""
}
