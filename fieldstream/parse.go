package fieldstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// parses `[input ...]` and `[display ...]` declarations out of document text.
// each successfully parsed tag is replaced in place by an opaque placeholder
// token so the surrounding markup pipeline can re-insert rendered HTML later.
// a malformed tag is simply not registered, it never fails the whole document.

// a field reference like `/a/b/name`, `name`, `../other/name`, `.` or `..`
type FieldPath struct {
	Abs  bool
	Segs []string
}

func (self FieldPath) Name() string {
	if len(self.Segs) == 0 {
		return ""
	}
	return self.Segs[len(self.Segs)-1]
}

func (self FieldPath) Parent() FieldPath {
	if len(self.Segs) == 0 {
		return self
	}
	return FieldPath{
		Abs:  self.Abs,
		Segs: self.Segs[:len(self.Segs)-1],
	}
}

func (self FieldPath) String() string {
	s := strings.Join(self.Segs, "/")
	if self.Abs {
		return "/" + s
	}
	if s == "" {
		return "."
	}
	return s
}

// resolves the path against a document path.
// the parent of the result names a document, the last segment names a field.
func (self FieldPath) Resolve(docPath string) FieldPath {
	segs := []string{}
	if !self.Abs {
		segs = append(segs, strings.FieldsFunc(normDocPath(docPath), func(r rune) bool {
			return r == '/'
		})...)
	}
	for _, seg := range self.Segs {
		switch seg {
		case ".":
		case "..":
			if 0 < len(segs) {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, seg)
		}
	}
	return FieldPath{
		Abs:  true,
		Segs: segs,
	}
}

// a `_name_` token, resolved at render time
type Macro string

// a named display expression, arguments may nest further calls
type FnCall struct {
	Name string
	Args []any
}

type FieldDescriptor struct {
	Index int
	// "input" or "display"
	Cmd  string
	Name string
	// input arguments. values are int64, float64, string, Macro, or FieldPath
	Args map[string]any
	// display expression, exactly one of `Fn` and `Path` is set
	Fn   *FnCall
	Path *FieldPath
	// the raw tag text between the brackets
	Src string

	// computed per render against the viewer
	CanRead  bool
	CanWrite bool
}

func (self *FieldDescriptor) ArgString(name string) (string, bool) {
	v, ok := self.Args[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// the declared semantic type of an input field, "text" when unspecified
func (self *FieldDescriptor) InputType() string {
	if t, ok := self.ArgString("type"); ok {
		return t
	}
	return "text"
}

type ParseResult struct {
	Fields []*FieldDescriptor
	// the document text with every parsed tag replaced by its placeholder
	Text string
}

// the opaque placeholder substituted for field `index`
func FieldToken(index int) string {
	return fmt.Sprintf("\x02wzfld:%d\x03", index)
}

func ParseFields(text string) *ParseResult {
	result := &ParseResult{
		Fields: []*FieldDescriptor{},
	}

	var out strings.Builder
	last := 0
	i := 0
	for i < len(text) {
		if text[i] != '[' {
			i += 1
			continue
		}

		field, end := parseTag(text, i)
		if field == nil {
			i += 1
			continue
		}

		field.Index = len(result.Fields)
		field.Src = text[i+1 : end-1]
		result.Fields = append(result.Fields, field)

		out.WriteString(text[last:i])
		out.WriteString(FieldToken(field.Index))
		last = end
		i = end
	}
	out.WriteString(text[last:])
	result.Text = out.String()

	return result
}

// parse-choice between the input and display grammars.
// both are attempted and the longer successful match wins.
func parseTag(text string, start int) (*FieldDescriptor, int) {
	inputField, inputEnd := parseInputTag(text, start)
	displayField, displayEnd := parseDisplayTag(text, start)

	if inputField != nil && (displayField == nil || displayEnd <= inputEnd) {
		return inputField, inputEnd
	}
	if displayField != nil {
		return displayField, displayEnd
	}
	return nil, start
}

func parseInputTag(text string, start int) (*FieldDescriptor, int) {
	p := &tagParser{text: text, pos: start}

	if !p.literal("[") {
		return nil, 0
	}
	if !p.keyword("input") {
		return nil, 0
	}
	name, ok := p.ident()
	if !ok {
		return nil, 0
	}

	args := map[string]any{}
	for {
		mark := p.pos
		argName, ok := p.ident()
		if !ok {
			p.pos = mark
			break
		}
		if !p.literal("=") {
			p.pos = mark
			break
		}
		argVal, ok := p.inputValue()
		if !ok {
			// an unknown-typed trailing argument fails the whole tag
			return nil, 0
		}
		args[argName] = argVal
	}

	if !p.literal("]") {
		return nil, 0
	}

	return &FieldDescriptor{
		Cmd:  "input",
		Name: name,
		Args: args,
	}, p.pos
}

func parseDisplayTag(text string, start int) (*FieldDescriptor, int) {
	p := &tagParser{text: text, pos: start}

	if !p.literal("[") {
		return nil, 0
	}
	if !p.keyword("display") {
		return nil, 0
	}

	field := &FieldDescriptor{
		Cmd:  "display",
		Args: map[string]any{},
	}

	if call, ok := p.fnCall(); ok {
		field.Fn = call
	} else if path, ok := p.path(); ok {
		field.Path = &path
	} else {
		return nil, 0
	}

	if !p.literal("]") {
		return nil, 0
	}
	return field, p.pos
}

type tagParser struct {
	text string
	pos  int
}

func (self *tagParser) skipSpace() {
	for self.pos < len(self.text) {
		switch self.text[self.pos] {
		case ' ', '\t', '\n', '\r':
			self.pos += 1
		default:
			return
		}
	}
}

func (self *tagParser) literal(s string) bool {
	self.skipSpace()
	if strings.HasPrefix(self.text[self.pos:], s) {
		self.pos += len(s)
		return true
	}
	return false
}

func (self *tagParser) keyword(word string) bool {
	self.skipSpace()
	end := self.pos + len(word)
	if len(self.text) < end {
		return false
	}
	if !strings.EqualFold(self.text[self.pos:end], word) {
		return false
	}
	// must not run into a longer identifier
	if end < len(self.text) && isIdentChar(self.text[end]) {
		return false
	}
	self.pos = end
	return true
}

func isAlpha(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func isIdentChar(c byte) bool {
	return isAlpha(c) || isDigit(c) || c == '_'
}

func isFnameChar(c byte) bool {
	return isAlpha(c) || isDigit(c) || c == '-'
}

// identifier: alpha (alnum | '_')*
// a trailing underscore is reserved for internal names and rejected
func (self *tagParser) ident() (string, bool) {
	self.skipSpace()
	start := self.pos
	if start >= len(self.text) || !isAlpha(self.text[start]) {
		return "", false
	}
	end := start + 1
	for end < len(self.text) && isIdentChar(self.text[end]) {
		end += 1
	}
	name := self.text[start:end]
	if strings.HasSuffix(name, "_") {
		glog.V(1).Infof("[parse]identifier %q: trailing underscore is reserved\n", name)
		return "", false
	}
	self.pos = end
	return name, true
}

// path segment or function name: (alnum | '-')+
func (self *tagParser) fname() (string, bool) {
	self.skipSpace()
	start := self.pos
	end := start
	for end < len(self.text) && isFnameChar(self.text[end]) {
		end += 1
	}
	if end == start {
		return "", false
	}
	self.pos = end
	return self.text[start:end], true
}

func (self *tagParser) number() (any, bool) {
	self.skipSpace()
	start := self.pos
	end := start
	if end < len(self.text) && self.text[end] == '-' {
		end += 1
	}
	digits := 0
	for end < len(self.text) && isDigit(self.text[end]) {
		end += 1
		digits += 1
	}
	if digits == 0 {
		return nil, false
	}
	if end+1 < len(self.text) && self.text[end] == '.' && isDigit(self.text[end+1]) {
		end += 1
		for end < len(self.text) && isDigit(self.text[end]) {
			end += 1
		}
		f, err := strconv.ParseFloat(self.text[start:end], 64)
		if err != nil {
			return nil, false
		}
		self.pos = end
		return f, true
	}
	n, err := strconv.ParseInt(self.text[start:end], 10, 64)
	if err != nil {
		return nil, false
	}
	self.pos = end
	return n, true
}

func (self *tagParser) quoted() (string, bool) {
	self.skipSpace()
	if self.pos >= len(self.text) {
		return "", false
	}
	quote := self.text[self.pos]
	if quote != '"' && quote != '\'' {
		return "", false
	}
	end := self.pos + 1
	for end < len(self.text) && self.text[end] != quote && self.text[end] != '\n' {
		end += 1
	}
	if end >= len(self.text) || self.text[end] != quote {
		return "", false
	}
	s := self.text[self.pos+1 : end]
	self.pos = end + 1
	return s, true
}

// `_name_`
func (self *tagParser) macro() (Macro, bool) {
	self.skipSpace()
	start := self.pos
	if start >= len(self.text) || self.text[start] != '_' {
		return "", false
	}
	end := start + 1
	for end < len(self.text) && isIdentChar(self.text[end]) {
		end += 1
	}
	token := self.text[start:end]
	if len(token) < 3 || !strings.HasSuffix(token, "_") {
		return "", false
	}
	self.pos = end
	return Macro(token), true
}

// `[/]? ((fname | "..") "/")* fname`, plus bare `.` and `..`
func (self *tagParser) path() (FieldPath, bool) {
	self.skipSpace()
	path := FieldPath{
		Segs: []string{},
	}

	if self.pos < len(self.text) && self.text[self.pos] == '/' {
		path.Abs = true
		self.pos += 1
	}

	for {
		mark := self.pos
		var seg string
		if strings.HasPrefix(self.text[self.pos:], "..") {
			seg = ".."
			self.pos += 2
		} else if strings.HasPrefix(self.text[self.pos:], ".") && !path.Abs && len(path.Segs) == 0 {
			// bare `.` refers to the current document
			self.pos += 1
			path.Segs = append(path.Segs, ".")
			return path, true
		} else {
			s, ok := self.fnameNoSkip()
			if !ok {
				self.pos = mark
				break
			}
			seg = s
		}

		path.Segs = append(path.Segs, seg)
		if self.pos < len(self.text) && self.text[self.pos] == '/' {
			self.pos += 1
			continue
		}
		break
	}

	if len(path.Segs) == 0 {
		return path, false
	}
	if path.Segs[len(path.Segs)-1] == ".." && len(path.Segs) > 1 {
		// the last segment must name a field
		return path, false
	}
	return path, true
}

func (self *tagParser) fnameNoSkip() (string, bool) {
	start := self.pos
	end := start
	for end < len(self.text) && isFnameChar(self.text[end]) {
		end += 1
	}
	if end == start {
		return "", false
	}
	self.pos = end
	return self.text[start:end], true
}

// input argument value: float, int, quoted string, macro, or path
func (self *tagParser) inputValue() (any, bool) {
	if v, ok := self.number(); ok {
		return v, true
	}
	if s, ok := self.quoted(); ok {
		return s, true
	}
	if m, ok := self.macro(); ok {
		return m, true
	}
	if p, ok := self.path(); ok {
		return p, true
	}
	return nil, false
}

// display argument: float, int, quoted string, nested call, or path
func (self *tagParser) displayArg() (any, bool) {
	if v, ok := self.number(); ok {
		return v, true
	}
	if s, ok := self.quoted(); ok {
		return s, true
	}
	if call, ok := self.fnCall(); ok {
		return call, true
	}
	if p, ok := self.path(); ok {
		return p, true
	}
	return nil, false
}

func (self *tagParser) fnCall() (*FnCall, bool) {
	mark := self.pos

	name, ok := self.fname()
	if !ok {
		return nil, false
	}
	if !self.literal("(") {
		self.pos = mark
		return nil, false
	}

	args := []any{}
	for {
		arg, ok := self.displayArg()
		if !ok {
			self.pos = mark
			return nil, false
		}
		args = append(args, arg)
		if self.literal(",") {
			continue
		}
		break
	}

	if !self.literal(")") {
		self.pos = mark
		return nil, false
	}
	return &FnCall{
		Name: name,
		Args: args,
	}, true
}
