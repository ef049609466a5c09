package snapshot

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Symbol is a named declaration and the 1-based line it starts on.
type Symbol struct {
	Name string
	Line int
}

// Summary lists the declarations found in one source file.
type Summary struct {
	Classes      []Symbol
	Functions    []Symbol
	ClassMethods []Symbol
	Objects      []Symbol
	Exports      []Symbol
	Imports      []Symbol
}

type analyzer func(src string) Summary

var analyzers = map[string]analyzer{
	".py":  analyzePython,
	".js":  analyzeJavaScript,
	".mjs": analyzeJavaScript,
	".cjs": analyzeJavaScript,
	".jsx": analyzeScriptPatterns,
	".ts":  analyzeScriptPatterns,
	".tsx": analyzeScriptPatterns,
	".go":  analyzeGo,
	".rs":  analyzeRust,
	".rb":  analyzeRuby,
	".php": analyzePHP,
	".lua": analyzeLua,
}

var scriptExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
}

// Summarize picks the analyzer for ext, falling back to generic patterns.
func Summarize(ext, src string) (sum Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	fn, ok := analyzers[ext]
	if !ok {
		fn = analyzeGeneric
	}
	return fn(src), nil
}

// WriteSummary renders sum below a file entry of the repo map.
func WriteSummary(w io.Writer, ext string, sum Summary, indent string) {
	section := func(title string, items []Symbol) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(w, "%s%s:\n", indent, title)
		for _, s := range items {
			fmt.Fprintf(w, "%s    %s (Line %d)\n", indent, s.Name, s.Line)
		}
	}
	section("Classes", sum.Classes)
	section("Functions", sum.Functions)
	if scriptExtensions[ext] {
		section("Class Methods", sum.ClassMethods)
		section("Objects", sum.Objects)
		section("Exports", sum.Exports)
		section("Imports", sum.Imports)
	}
}

func splitLines(src string) []string {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(src, "\n"), "\n")
}

// scanLines runs each pattern over every line and records the given
// capture group.
func scanLines(lines []string, out *[]Symbol, group int, patterns ...*regexp.Regexp) {
	for i, line := range lines {
		for _, re := range patterns {
			if m := re.FindStringSubmatch(line); m != nil && m[group] != "" {
				*out = append(*out, Symbol{Name: m[group], Line: i + 1})
			}
		}
	}
}

var (
	pyFunc  = regexp.MustCompile(`def ([a-zA-Z0-9_]+)\s*\(`)
	pyClass = regexp.MustCompile(`class ([a-zA-Z0-9_]+)\s*[\(:]`)
)

func analyzePython(src string) Summary {
	var s Summary
	lines := splitLines(src)
	scanLines(lines, &s.Functions, 1, pyFunc)
	scanLines(lines, &s.Classes, 1, pyClass)
	return s
}

var (
	goFunc = regexp.MustCompile(`^\s*func\s+(?:\([^)]+\)\s*)?([A-Za-z0-9_]+)\s*\(`)
	goType = regexp.MustCompile(`^\s*type\s+([A-Za-z0-9_]+)\s+(?:struct|interface)`)
)

func analyzeGoPatterns(src string) Summary {
	var s Summary
	lines := splitLines(src)
	scanLines(lines, &s.Functions, 1, goFunc)
	scanLines(lines, &s.Classes, 1, goType)
	return s
}

var (
	rsFn     = regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+([a-zA-Z0-9_]+)`)
	rsStruct = regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+([A-Za-z0-9_]+)`)
	rsEnum   = regexp.MustCompile(`^\s*(?:pub\s+)?enum\s+([A-Za-z0-9_]+)`)
)

func analyzeRust(src string) Summary {
	var s Summary
	lines := splitLines(src)
	scanLines(lines, &s.Functions, 1, rsFn)
	scanLines(lines, &s.Classes, 1, rsStruct, rsEnum)
	return s
}

var (
	rbDef   = regexp.MustCompile(`^\s*def\s+([A-Za-z0-9_?!]+(?:\.[A-Za-z0-9_?!]+)?)`)
	rbClass = regexp.MustCompile(`^\s*class\s+([A-Za-z0-9_:]+)`)
)

func analyzeRuby(src string) Summary {
	var s Summary
	lines := splitLines(src)
	scanLines(lines, &s.Functions, 1, rbDef)
	scanLines(lines, &s.Classes, 1, rbClass)
	return s
}

var (
	phpFunc  = regexp.MustCompile(`(?i)\bfunction\s+&?\s*([A-Za-z0-9_]+)\s*\(`)
	phpClass = regexp.MustCompile(`(?i)\b(class|interface|trait)\s+([A-Za-z0-9_]+)`)
)

func analyzePHP(src string) Summary {
	var s Summary
	lines := splitLines(src)
	scanLines(lines, &s.Functions, 1, phpFunc)
	scanLines(lines, &s.Classes, 2, phpClass)
	return s
}

var (
	genericFunc  = regexp.MustCompile(`(?:public|private|protected|static|\s)+[\w<>\[\]]+\s+([a-zA-Z0-9_]+)\s*\(`)
	genericClass = regexp.MustCompile(`(?:public|private|protected|static|\s)+class +([a-zA-Z0-9_]+)`)
)

func analyzeGeneric(src string) Summary {
	var s Summary
	lines := splitLines(src)
	scanLines(lines, &s.Functions, 1, genericFunc)
	scanLines(lines, &s.Classes, 1, genericClass)
	return s
}

var (
	jsFuncs = []*regexp.Regexp{
		regexp.MustCompile(`function\s+([a-zA-Z0-9_$]+)\s*\(`),
		regexp.MustCompile(`const\s+([a-zA-Z0-9_$]+)\s*=\s*function\s*\(`),
		regexp.MustCompile(`const\s+([a-zA-Z0-9_$]+)\s*=\s*\([^)]*\)\s*=>`),
		regexp.MustCompile(`let\s+([a-zA-Z0-9_$]+)\s*=\s*function\s*\(`),
		regexp.MustCompile(`let\s+([a-zA-Z0-9_$]+)\s*=\s*\([^)]*\)\s*=>`),
		regexp.MustCompile(`var\s+([a-zA-Z0-9_$]+)\s*=\s*function\s*\(`),
		regexp.MustCompile(`var\s+([a-zA-Z0-9_$]+)\s*=\s*\([^)]*\)\s*=>`),
		regexp.MustCompile(`([a-zA-Z0-9_$]+):\s*function\s*\(`),
		regexp.MustCompile(`([a-zA-Z0-9_$]+)\s*\([^)]*\)\s*{`),
		regexp.MustCompile(`async\s+function\s+([a-zA-Z0-9_$]+)\s*\(`),
		regexp.MustCompile(`([a-zA-Z0-9_$]+)\s*=\s*async\s*\([^)]*\)\s*=>`),
	}
	jsClasses = []*regexp.Regexp{
		regexp.MustCompile(`class\s+([a-zA-Z0-9_$]+)`),
		regexp.MustCompile(`const\s+([a-zA-Z0-9_$]+)\s*=\s*class\s*{`),
	}
	jsObject     = regexp.MustCompile(`const\s+([a-zA-Z0-9_$]+)\s*=\s*{`)
	jsExport     = regexp.MustCompile(`export\s+(?:const|let|var|function|class|default)?\s*(\{[^}]+\}|[a-zA-Z0-9_$]+)`)
	jsImport     = regexp.MustCompile(`import\s+(?:{\s*([^}]+)\s*}|([a-zA-Z0-9_$]+))\s+from\s+['"]([^'"]+)['"]`)
	jsClassStart = regexp.MustCompile(`class\s+([a-zA-Z0-9_$]+)|const\s+([a-zA-Z0-9_$]+)\s*=\s*class`)
	jsMethod     = regexp.MustCompile(`^\s*([a-zA-Z0-9_$]+)\s*\([^)]*\)\s*{`)
)

var notMethods = map[string]bool{
	"constructor": true, "if": true, "for": true, "while": true, "switch": true,
}

// analyzeScriptPatterns is the line-pattern analyzer for JavaScript and
// TypeScript sources.
func analyzeScriptPatterns(src string) Summary {
	var s Summary
	lines := splitLines(src)
	for i, line := range lines {
		n := i + 1
		for _, re := range jsFuncs {
			if m := re.FindStringSubmatch(line); m != nil {
				s.Functions = append(s.Functions, Symbol{m[1], n})
			}
		}
		for _, re := range jsClasses {
			if m := re.FindStringSubmatch(line); m != nil {
				s.Classes = append(s.Classes, Symbol{m[1], n})
			}
		}
		if m := jsObject.FindStringSubmatch(line); m != nil {
			s.Objects = append(s.Objects, Symbol{m[1], n})
		}
		if m := jsExport.FindStringSubmatch(line); m != nil {
			s.Exports = append(s.Exports, Symbol{m[1], n})
		}
		if m := jsImport.FindStringSubmatch(line); m != nil {
			imported := strings.TrimSpace(m[1])
			if imported == "" {
				imported = m[2]
			}
			s.Imports = append(s.Imports, Symbol{imported + " from " + m[3], n})
		}
	}

	inClass := false
	current := ""
	depth := 0
	for i, line := range lines {
		if m := jsClassStart.FindStringSubmatch(line); m != nil {
			inClass = true
			current = m[1]
			if current == "" {
				current = m[2]
			}
			depth += strings.Count(line, "{") - strings.Count(line, "}")
		} else if inClass {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth <= 0 {
				inClass = false
				current = ""
			}
		}
		if inClass && current != "" {
			if m := jsMethod.FindStringSubmatch(line); m != nil && !notMethods[m[1]] {
				s.ClassMethods = append(s.ClassMethods, Symbol{current + "." + m[1], i + 1})
			}
		}
	}
	return s
}
