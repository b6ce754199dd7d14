package fieldstream

import (
	"strings"
	"sync"

	"github.com/golang/glog"
)

// memoizes the parsed field set per (document, viewer).
// an entry is valid only while its revision id matches the document's
// current revision. misses are serialized under the cache lock so
// concurrent connections never race duplicate parse work.

type SourceBlock struct {
	// "bash", "wi", plain "" ...
	Type string
	Text string
}

type Render struct {
	Document   Document
	RevisionId Id
	Viewer     *User

	Fields       []*FieldDescriptor
	SourceFields map[string]*SourceBlock
	// document text with parsed tags replaced by placeholders
	Text string

	inputsByName map[string]*FieldDescriptor
}

func (self *Render) InputField(name string) *FieldDescriptor {
	return self.inputsByName[name]
}

type renderKey struct {
	path     string
	viewerId Id
}

type RenderCache struct {
	documents DocumentStore

	mutex   sync.Mutex
	renders map[renderKey]*Render
}

func NewRenderCache(documents DocumentStore) *RenderCache {
	return &RenderCache{
		documents: documents,
		renders:   map[renderKey]*Render{},
	}
}

func (self *RenderCache) Get(path string, viewer *User) (*Render, error) {
	document, err := self.documents.Get(path)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := renderKey{
		path:     document.Path(),
		viewerId: viewer.UserId,
	}
	revisionId := document.RevisionId()

	if render, ok := self.renders[key]; ok {
		if render.RevisionId == revisionId {
			return render, nil
		}
		// only the cache entry is dropped. live streams still hold
		// the stale revision's wait handles and keep waking on them.
		delete(self.renders, key)
	}

	glog.V(1).Infof("[render]%s@%s: render revision %s\n", viewer.Name, document.Path(), revisionId)

	content := document.Content()
	parsed := ParseFields(content)

	render := &Render{
		Document:     document,
		RevisionId:   revisionId,
		Viewer:       viewer,
		Fields:       parsed.Fields,
		SourceFields: ScanSourceBlocks(content),
		Text:         parsed.Text,
		inputsByName: map[string]*FieldDescriptor{},
	}

	canRead := document.CanRead(viewer)
	canWrite := document.CanWrite(viewer) && !document.Locked()
	for _, field := range render.Fields {
		field.CanRead = canRead
		field.CanWrite = canWrite
		if field.Cmd == "input" {
			render.inputsByName[field.Name] = field
		}
	}

	self.renders[key] = render
	return render, nil
}

// scans document text for code blocks and keys each one by the most
// recent heading. a ``` info string or a leading `::type` line carries
// the block type.
func ScanSourceBlocks(content string) map[string]*SourceBlock {
	blocks := map[string]*SourceBlock{}

	name := ""
	lines := strings.Split(content, "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			name = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			i += 1
			continue
		}

		if fence, info, ok := openFence(trimmed); ok {
			body := []string{}
			i += 1
			for i < len(lines) && strings.TrimSpace(lines[i]) != fence {
				body = append(body, lines[i])
				i += 1
			}
			if i < len(lines) {
				i += 1
			}
			if name != "" {
				blocks[name] = sourceBlock(info, strings.Join(body, "\n"))
			}
			continue
		}

		if strings.HasPrefix(line, "    ") && trimmed != "" {
			body := []string{}
			for i < len(lines) {
				l := lines[i]
				if strings.HasPrefix(l, "    ") {
					body = append(body, l[4:])
					i += 1
				} else if strings.TrimSpace(l) == "" {
					body = append(body, "")
					i += 1
				} else {
					break
				}
			}
			// trailing blank lines belong to the surrounding text
			for 0 < len(body) && body[len(body)-1] == "" {
				body = body[:len(body)-1]
			}
			if name != "" {
				blocks[name] = sourceBlock("", strings.Join(body, "\n"))
			}
			continue
		}

		i += 1
	}

	return blocks
}

func openFence(trimmed string) (fence string, info string, ok bool) {
	for _, f := range []string{"```", "~~~"} {
		if strings.HasPrefix(trimmed, f) {
			return f, strings.TrimSpace(trimmed[len(f):]), true
		}
	}
	return "", "", false
}

func sourceBlock(info string, text string) *SourceBlock {
	blockType := info
	if strings.HasPrefix(text, "::") {
		head, rest, _ := strings.Cut(text, "\n")
		blockType = strings.TrimSpace(strings.TrimPrefix(head, "::"))
		text = rest
	}
	return &SourceBlock{
		Type: blockType,
		Text: text,
	}
}
