package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
)

var Analyzer = &analysis.Analyzer{
	Name: "enumvalidator",
	Doc:  "checks that model enums are set and compared through their constants, not string literals",
	Run:  run,
}

// enumTypes are the string enums of the model package. Literals of these
// types skip the Valid/Parse helpers and drift silently when a value is
// renamed.
var enumTypes = map[string]bool{
	"Action":          true,
	"Comparator":      true,
	"MessageRole":     true,
	"Priority":        true,
	"Provider":        true,
	"SignatureScheme": true,
	"TaskSource":      true,
	"TaskStatus":      true,
}

const enumPackage = "model"

func run(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			switch node := n.(type) {
			case *ast.AssignStmt:
				checkAssign(pass, node)
			case *ast.KeyValueExpr:
				checkField(pass, node)
			case *ast.BinaryExpr:
				checkComparison(pass, node)
			}
			return true
		})
	}
	return nil, nil
}

func checkAssign(pass *analysis.Pass, assign *ast.AssignStmt) {
	if len(assign.Lhs) != len(assign.Rhs) {
		return
	}
	for i, lhs := range assign.Lhs {
		sel, ok := lhs.(*ast.SelectorExpr)
		if !ok || !isStringLiteral(assign.Rhs[i]) {
			continue
		}
		if name, ok := enumName(pass.TypesInfo.TypeOf(sel)); ok {
			pass.Reportf(assign.Pos(),
				"enum field %s assigned string literal; use a %s constant instead",
				sel.Sel.Name, name)
		}
	}
}

func checkField(pass *analysis.Pass, kv *ast.KeyValueExpr) {
	key, ok := kv.Key.(*ast.Ident)
	if !ok || !isStringLiteral(kv.Value) {
		return
	}
	field, ok := pass.TypesInfo.ObjectOf(key).(*types.Var)
	if !ok || !field.IsField() {
		return
	}
	if name, ok := enumName(field.Type()); ok {
		pass.Reportf(kv.Pos(),
			"enum field %s set to string literal; use a %s constant instead",
			key.Name, name)
	}
}

func checkComparison(pass *analysis.Pass, bin *ast.BinaryExpr) {
	if bin.Op != token.EQL && bin.Op != token.NEQ {
		return
	}
	for _, pair := range [][2]ast.Expr{{bin.X, bin.Y}, {bin.Y, bin.X}} {
		if !isStringLiteral(pair[1]) {
			continue
		}
		if name, ok := enumName(pass.TypesInfo.TypeOf(pair[0])); ok {
			pass.Reportf(bin.Pos(),
				"%s compared with string literal; use a %s constant instead",
				name, name)
			return
		}
	}
}

func enumName(t types.Type) (string, bool) {
	named, ok := t.(*types.Named)
	if !ok {
		return "", false
	}
	obj := named.Obj()
	if obj.Pkg() == nil || obj.Pkg().Name() != enumPackage {
		return "", false
	}
	return obj.Name(), enumTypes[obj.Name()]
}

func isStringLiteral(expr ast.Expr) bool {
	lit, ok := expr.(*ast.BasicLit)
	return ok && lit.Kind == token.STRING
}
