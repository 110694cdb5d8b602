package binding

import (
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/sandbox/internal/core"
)

const (
	envelopeHead = "(async function(){\n"
	envelopeTail = "\n})"
)

// Program is guest source accepted by Envelope. Body is the text of the
// async main function.
type Program struct {
	Body     string
	Language core.Language
}

// Envelope checks that source parses as the body of an async function, so
// await is legal anywhere, and strips type annotations from TypeScript.
// Syntax errors are returned as compile errors positioned in source.
func Envelope(source string, lang core.Language) (Program, error) {
	loader := api.LoaderJS
	if lang == core.TypeScript {
		loader = api.LoaderTS
	}
	result := api.Transform(envelopeHead+source+envelopeTail, api.TransformOptions{
		Loader: loader,
		Target: api.ESNext,
	})
	if len(result.Errors) > 0 {
		return Program{}, compileError(source, result.Errors[0])
	}
	if lang != core.TypeScript {
		return Program{Body: source, Language: lang}, nil
	}
	return Program{Body: unwrap(string(result.Code)), Language: lang}, nil
}

// unwrap returns the function body of esbuild's printed envelope.
func unwrap(code string) string {
	start := strings.Index(code, "{")
	end := strings.LastIndex(code, "}")
	if start < 0 || end <= start {
		return code
	}
	return code[start+1 : end]
}

func compileError(source string, msg api.Message) *core.ExecError {
	e := &core.ExecError{Kind: core.KindCompile, Name: "SyntaxError", Message: msg.Text}
	if msg.Location == nil {
		return e
	}
	lines := strings.Split(source, "\n")
	line := msg.Location.Line - 1
	col := msg.Location.Column + 1
	switch {
	case line < 1:
		line, col = 1, 1
	case line > len(lines):
		line = len(lines)
		col = len(lines[line-1]) + 1
	}
	e.Line, e.Column = line, col
	return e
}
