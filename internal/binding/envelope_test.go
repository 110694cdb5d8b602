package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/sandbox/internal/core"
)

func TestEnvelope_JavaScriptPassesThrough(t *testing.T) {
	src := "const x = await Promise.resolve(1);\nreturn x + 1;"
	p, err := Envelope(src, core.JavaScript)
	require.NoError(t, err)
	assert.Equal(t, src, p.Body)
	assert.Equal(t, core.JavaScript, p.Language)
}

func TestEnvelope_SyntaxErrorPosition(t *testing.T) {
	_, err := Envelope("const a = 1;\nconst b = ;\n", core.JavaScript)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCompile)

	var ee *core.ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "SyntaxError", ee.Name)
	assert.Equal(t, 2, ee.Line)
	assert.Equal(t, 11, ee.Column)
}

func TestEnvelope_UnclosedBlockClampsToSource(t *testing.T) {
	_, err := Envelope("if (true) {", core.JavaScript)
	var ee *core.ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindCompile, ee.Kind)
	assert.Equal(t, 1, ee.Line)
}

func TestEnvelope_TypeScriptStripsTypes(t *testing.T) {
	p, err := Envelope("const n: number = 2;\ninterface P { x: number }\nreturn n * 2;", core.TypeScript)
	require.NoError(t, err)
	assert.NotContains(t, p.Body, ": number")
	assert.NotContains(t, p.Body, "interface")
	assert.Contains(t, p.Body, "return n * 2")
}

func TestEnvelope_TypeScriptSyntaxError(t *testing.T) {
	_, err := Envelope("const n: = 2;", core.TypeScript)
	assert.ErrorIs(t, err, core.ErrCompile)
}
