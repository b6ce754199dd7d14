package fieldstream

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseInputTag(t *testing.T) {
	result := ParseFields(`hello [input greeting type="text" default="hi"] world`)

	assert.Equal(t, 1, len(result.Fields))
	field := result.Fields[0]
	assert.Equal(t, "input", field.Cmd)
	assert.Equal(t, "greeting", field.Name)
	assert.Equal(t, "text", field.Args["type"])
	assert.Equal(t, "hi", field.Args["default"])
	assert.Equal(t, `input greeting type="text" default="hi"`, field.Src)

	assert.Equal(t, "hello "+FieldToken(0)+" world", result.Text)
}

func TestParseInputArgTypes(t *testing.T) {
	result := ParseFields(`[input x a=1 b=-2.5 c='s' d=_user_ e=/doc/field f=../up]`)

	assert.Equal(t, 1, len(result.Fields))
	args := result.Fields[0].Args
	assert.Equal(t, int64(1), args["a"])
	assert.Equal(t, float64(-2.5), args["b"])
	assert.Equal(t, "s", args["c"])
	assert.Equal(t, Macro("_user_"), args["d"])

	e := args["e"].(FieldPath)
	assert.Equal(t, true, e.Abs)
	assert.Equal(t, []string{"doc", "field"}, e.Segs)

	f := args["f"].(FieldPath)
	assert.Equal(t, false, f.Abs)
	assert.Equal(t, []string{"..", "up"}, f.Segs)
}

func TestParseDisplayPath(t *testing.T) {
	result := ParseFields(`[display /a/b/c]`)

	assert.Equal(t, 1, len(result.Fields))
	field := result.Fields[0]
	assert.Equal(t, "display", field.Cmd)
	assert.NotEqual(t, field.Path, nil)
	assert.Equal(t, true, field.Path.Abs)
	assert.Equal(t, []string{"a", "b", "c"}, field.Path.Segs)
}

func TestParseDisplayFn(t *testing.T) {
	result := ParseFields(`[display echo(greeting, "x", 3)]`)

	assert.Equal(t, 1, len(result.Fields))
	fn := result.Fields[0].Fn
	assert.NotEqual(t, fn, nil)
	assert.Equal(t, "echo", fn.Name)
	assert.Equal(t, 3, len(fn.Args))
	assert.Equal(t, []string{"greeting"}, fn.Args[0].(FieldPath).Segs)
	assert.Equal(t, "x", fn.Args[1])
	assert.Equal(t, int64(3), fn.Args[2])
}

func TestParseNestedCall(t *testing.T) {
	result := ParseFields(`[display pprint(get(/poll/vote, voter), 1)]`)

	assert.Equal(t, 1, len(result.Fields))
	fn := result.Fields[0].Fn
	assert.Equal(t, "pprint", fn.Name)
	assert.Equal(t, 2, len(fn.Args))

	nested := fn.Args[0].(*FnCall)
	assert.Equal(t, "get", nested.Name)
	assert.Equal(t, 2, len(nested.Args))
	assert.Equal(t, []string{"poll", "vote"}, nested.Args[0].(FieldPath).Segs)
}

func TestParseMalformedTagSkipped(t *testing.T) {
	// a malformed tag never fails the rest of the document
	result := ParseFields(`[input 1bad] [input ok] [display f(] text`)

	assert.Equal(t, 1, len(result.Fields))
	assert.Equal(t, "ok", result.Fields[0].Name)
	assert.Equal(t, true, strings.Contains(result.Text, "[input 1bad]"))
	assert.Equal(t, true, strings.Contains(result.Text, "[display f(]"))
	assert.Equal(t, true, strings.Contains(result.Text, FieldToken(0)))
}

func TestParseTrailingUnderscoreRejected(t *testing.T) {
	result := ParseFields(`[input name_]`)
	assert.Equal(t, 0, len(result.Fields))
}

func TestParseUnknownTrailingArgFailsTag(t *testing.T) {
	result := ParseFields(`[input x a=@bogus]`)
	assert.Equal(t, 0, len(result.Fields))
}

func TestParseDocumentOrder(t *testing.T) {
	result := ParseFields(`[input a] mid [display b] end [input c]`)

	assert.Equal(t, 3, len(result.Fields))
	assert.Equal(t, "input", result.Fields[0].Cmd)
	assert.Equal(t, "a", result.Fields[0].Name)
	assert.Equal(t, "display", result.Fields[1].Cmd)
	assert.Equal(t, "input", result.Fields[2].Cmd)
	assert.Equal(t, 0, result.Fields[0].Index)
	assert.Equal(t, 1, result.Fields[1].Index)
	assert.Equal(t, 2, result.Fields[2].Index)
}

func TestParseCaseInsensitiveKeyword(t *testing.T) {
	result := ParseFields(`[INPUT a] [Display b]`)
	assert.Equal(t, 2, len(result.Fields))
}

func TestFieldPathResolve(t *testing.T) {
	abs := FieldPath{Abs: true, Segs: []string{"a", "b"}}
	assert.Equal(t, "/a/b", abs.Resolve("/doc").String())

	rel := FieldPath{Segs: []string{"name"}}
	assert.Equal(t, "/doc/name", rel.Resolve("/doc").String())

	up := FieldPath{Segs: []string{"..", "other", "name"}}
	assert.Equal(t, "/other/name", up.Resolve("/doc").String())

	assert.Equal(t, "name", rel.Resolve("/doc").Name())
	assert.Equal(t, "/doc", rel.Resolve("/doc").Parent().String())
}
