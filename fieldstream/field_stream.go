package fieldstream

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// per-connection dependency streams. one stream per declared field,
// each a composable pipeline over the field store and the notify
// fabric. streams are re-created, not patched, when the resolved
// owner changes.

func valueFromRecord(record *Record, users Users) *Value {
	value := &Value{
		Type:     record.Payload.Type,
		Val:      record.Payload.Val,
		RecordId: &record.RecordId,
		Created:  &record.Created,
	}
	if !record.Author.IsZero() {
		if author := users.ById(record.Author); author != nil {
			value.Author = author.Name
		}
	}
	return value
}

// reads one field as a stream under the given owner.
// for an input field the stream is: latest-or-default, then block on
// the field's wait handle, re-read, repeat. the notify channel is
// taken before every read so a write between read and wait still
// wakes the reader.
func readField(ctx context.Context, ic *ConnContext, owner *User, path FieldPath) <-chan *Value {
	out := make(chan *Value)

	go func() {
		defer close(out)

		resolved := path.Resolve(ic.Path)
		name := resolved.Name()
		docPath := resolved.Parent().String()

		render, err := ic.Engine.renders.Get(docPath, ic.Viewer)
		if err != nil {
			sendValue(ctx, out, ErrorValue("%s: document does not exist", docPath))
			return
		}
		if !render.Document.CanRead(ic.Viewer) {
			sendValue(ctx, out, ErrorValue("🚫"))
			return
		}

		if source, ok := render.SourceFields[name]; ok {
			sendValue(ctx, out, &Value{Type: "source", Val: source.Text})
			return
		}

		field := render.InputField(name)
		if field == nil {
			sendValue(ctx, out, nil)
			return
		}

		curr := &Value{Type: field.InputType()}
		if d, ok := field.Args["default"]; ok {
			if m, isMacro := d.(Macro); isMacro {
				curr.Val = resolveMacro(ic, m)
			} else {
				curr.Val = d
			}
		}

		if !field.CanRead {
			sendValue(ctx, out, curr)
			return
		}

		dummy := false
		if d, ok := field.Args["dummy"]; ok {
			dummy = d != int64(0) && render.Document.Path() == ic.Path
		}

		documentId := render.Document.DocumentId()
		monitor := ic.Engine.notify.Monitor(WaitKey{
			RevisionId: render.RevisionId,
			Name:       name,
		})

		var currPk *Id
		for {
			notify := monitor.NotifyChannel()

			if dummy {
				if v := ic.dummyVal(name); v != nil {
					curr = v
				}
			} else {
				record, err := ic.Engine.store.Latest(ctx, documentId, name, owner.UserId)
				if err != nil {
					glog.Infof("[field]%s@%s/%s: read error = %s\n", ic.Viewer.Name, docPath, name, err)
				} else if record != nil && (currPk == nil || *currPk != record.RecordId) {
					curr = valueFromRecord(record, ic.Engine.users)
					currPk = &record.RecordId
				}
			}

			if !sendValue(ctx, out, curr) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
		}
	}()

	return out
}

// one stream per argument: literals are constant streams, paths read
// the referenced field under `user`, nested calls recurse
func argStream(ctx context.Context, ic *ConnContext, user *User, arg any) <-chan *Value {
	switch a := arg.(type) {
	case int64:
		return Just(&Value{Type: "int", Val: a})
	case float64:
		return Just(&Value{Type: "float", Val: a})
	case string:
		return Just(&Value{Type: "str", Val: a})
	case Macro:
		return Just(&Value{Type: "str", Val: resolveMacro(ic, a)})
	case FieldPath:
		return readField(ctx, ic, user, a)
	case *FnCall:
		return fnStream(ctx, ic, a)
	default:
		glog.Infof("[field]%s@%s: argument %v: unknown type\n", ic.Viewer.Name, ic.Path, arg)
		return Empty[*Value]()
	}
}

func fnStream(ctx context.Context, ic *ConnContext, call *FnCall) <-chan *Value {
	fn := ic.Engine.fn(call.Name)
	if fn == nil {
		out := make(chan *Value, 1)
		out <- ErrorValue("⚠ unknown function %s ⚠", call.Name)
		close(out)
		return out
	}
	return fn(ctx, ic, call.Args)
}

// resolves an owner-argument value to an identity, falling back to the viewer
func resolveUserValue(ic *ConnContext, value *Value) *User {
	if value == nil || value.Val == nil {
		return ic.Viewer
	}
	ref := fmt.Sprintf("%v", value.Val)
	if userId, err := ParseId(ref); err == nil {
		if user := ic.Engine.users.ById(userId); user != nil {
			return user
		}
	}
	if user := ic.Engine.users.Lookup(ref); user != nil {
		return user
	}
	return ic.Viewer
}

// comparable emission state for duplicate suppression
type inputEmission struct {
	val      string
	disabled bool
	owner    string
}

// the input field state machine:
// RESOLVE_OWNER -> EMIT_LOOP -> (RESTART on owner change | stop on cancel).
// a restart tears the whole pipeline down and rebuilds it under the
// new owner, there is no overlap window between the two owners.
func InputFieldStream(ctx context.Context, ic *ConnContext, index int) <-chan *Message {
	out := make(chan *Message)

	go func() {
		defer close(out)

		field := ic.Render.Fields[index]
		fieldPath := FieldPath{Segs: []string{field.Name}}
		ownerArg, hasOwner := field.Args["owner"]

		owner := ic.Viewer

		restart := true
		for restart {
			restart = false

			var last *inputEmission
			next := func() *User {
				subCtx, subCancel := context.WithCancel(ctx)
				defer subCancel()

				sources := []<-chan *Value{
					readField(subCtx, ic, owner, fieldPath),
				}
				if hasOwner {
					sources = append(sources, argStream(subCtx, ic, ic.Viewer, ownerArg))
				}

				for tuple := range ZipLatest(subCtx, false, sources...) {
					if hasOwner {
						if tuple[1] == nil {
							continue
						}
						if resolved := resolveUserValue(ic, tuple[1]); resolved.UserId != owner.UserId {
							return resolved
						}
					}

					e := inputEmission{
						disabled: !field.CanWrite,
					}
					if owner.UserId != ic.Viewer.UserId {
						e.owner = owner.Name
					}
					if tuple[0] != nil && tuple[0].Val != nil {
						e.val = fmt.Sprintf("%v", tuple[0].Val)
					}

					if last != nil && *last == e {
						continue
					}
					last = &e

					message := &Message{
						Id:       field.Index,
						Type:     "input",
						Val:      e.val,
						Disabled: e.disabled,
						Owner:    e.owner,
					}

					// raw echo is suppressed for these types, but the
					// duplicate check above still uses the real value
					switch field.InputType() {
					case "file", "files", "select-user":
						message.Val = nil
					}

					if tuple[0] != nil && field.InputType() != tuple[0].Type {
						glog.Infof("[field]%s@%s/%s: field type error: %s != %s\n", ic.Viewer.Name, ic.Path, field.Name, field.InputType(), tuple[0].Type)
					}

					if !sendValue(ctx, out, message) {
						return nil
					}
				}
				return nil
			}()

			if next != nil {
				// owner changed. discard the old subscription entirely
				// and rebuild under the new identity.
				owner = next
				restart = true
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return out
}

// a display field evaluates its expression tree through the pretty
// printer and re-emits whenever any input changes
func DisplayFieldStream(ctx context.Context, ic *ConnContext, index int) <-chan *Message {
	out := make(chan *Message)

	go func() {
		defer close(out)

		field := ic.Render.Fields[index]

		var arg any
		if field.Fn != nil {
			arg = field.Fn
		} else if field.Path != nil {
			arg = *field.Path
		} else {
			glog.Infof("[field]%s@%s: display %d has no expression\n", ic.Viewer.Name, ic.Path, index)
			return
		}

		source := fnStream(ctx, ic, &FnCall{
			Name: "pprint",
			Args: []any{arg},
		})

		for value := range source {
			message := &Message{
				Id:   field.Index,
				Type: "display",
			}
			if value != nil {
				if value.Type == "html" || value.Type == "" {
					message.Val = value.Val
				} else {
					message.Val = value
				}
			}
			if !sendValue(ctx, out, message) {
				return
			}
		}
	}()

	return out
}
