package sourceerr

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sudankdk/icee/internal/model"
)

// Parser turns a single line of compiler output into a diagnostic.
type Parser interface {
	TryParse(line string) (model.SourceError, bool)
}

const DefaultPayloadDir = "/payload"

// DotnetParser understands msbuild diagnostics such as
//
//	/payload/Program.cs(3,5): error CS1002: ; expected [/payload/Project.csproj]
type DotnetParser struct {
	re *regexp.Regexp
}

func NewDotnetParser(payloadDir string) *DotnetParser {
	return &DotnetParser{re: regexp.MustCompile(
		`^` + dirPrefix(payloadDir) + `(?P<file>.+)\((?P<line>\d+),(?P<col>\d+)\).*(?P<type>error|warning)\s?(?P<code>.*):(?P<msg>.*)`,
	)}
}

func (p *DotnetParser) TryParse(line string) (model.SourceError, bool) {
	m := p.re.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return model.SourceError{}, false
	}
	get := func(name string) string { return m[p.re.SubexpIndex(name)] }

	msg := strings.TrimSpace(get("msg"))
	// msbuild appends the project file in brackets
	if i := strings.LastIndex(msg, " ["); i >= 0 && strings.HasSuffix(msg, "]") {
		msg = msg[:i]
	}
	return model.SourceError{
		AffectedFile: get("file"),
		Line:         atoiPtr(get("line")),
		Column:       atoiPtr(get("col")),
		Type:         get("type"),
		ErrorCode:    strings.TrimSpace(get("code")),
		ErrorMessage: msg,
	}, true
}

// GCCParser understands gcc, clang and go vet style diagnostics:
//
//	/payload/main.c:4:10: error: expected ';' before '}' token
type GCCParser struct {
	re *regexp.Regexp
}

func NewGCCParser(payloadDir string) *GCCParser {
	return &GCCParser{re: regexp.MustCompile(
		`^(?:` + dirPrefix(payloadDir) + `)?(?P<file>[^:\s][^:]*):(?P<line>\d+):(?:(?P<col>\d+):)?\s*(?:fatal )?(?P<type>error|warning):\s*(?P<msg>.*)$`,
	)}
}

func (p *GCCParser) TryParse(line string) (model.SourceError, bool) {
	m := p.re.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return model.SourceError{}, false
	}
	get := func(name string) string { return m[p.re.SubexpIndex(name)] }

	msg := strings.TrimSpace(get("msg"))
	code := ""
	// gcc names the flag that triggered a warning: "unused variable 'x' [-Wunused-variable]"
	if i := strings.LastIndex(msg, " [-W"); i >= 0 && strings.HasSuffix(msg, "]") {
		code = msg[i+2 : len(msg)-1]
		msg = msg[:i]
	}
	return model.SourceError{
		AffectedFile: get("file"),
		Line:         atoiPtr(get("line")),
		Column:       atoiPtr(get("col")),
		Type:         get("type"),
		ErrorCode:    code,
		ErrorMessage: msg,
	}, true
}

type noParser struct{}

func (noParser) TryParse(string) (model.SourceError, bool) { return model.SourceError{}, false }

var constructors = map[string]func(payloadDir string) Parser{
	"dotnet": func(dir string) Parser { return NewDotnetParser(dir) },
	"gcc":    func(dir string) Parser { return NewGCCParser(dir) },
	"none":   func(string) Parser { return noParser{} },
}

// DefaultName is used when an assignment does not name a parser.
const DefaultName = "dotnet"

// Lookup returns the parser registered under name for the given payload
// directory. An empty name selects DefaultName.
func Lookup(name, payloadDir string) (Parser, error) {
	if name == "" {
		name = DefaultName
	}
	ctor, ok := constructors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown error parser %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(payloadDir), nil
}

func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func dirPrefix(dir string) string {
	if dir == "" {
		dir = DefaultPayloadDir
	}
	return regexp.QuoteMeta(strings.TrimRight(dir, "/") + "/")
}

func atoiPtr(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
