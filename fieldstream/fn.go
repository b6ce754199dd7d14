package fieldstream

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"slices"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// built-in display functions. each one is a stream transform over its
// argument sub-streams.

func singleValue(value *Value) <-chan *Value {
	out := make(chan *Value, 1)
	out <- value
	close(out)
	return out
}

// latest-of-all join over the argument streams.
// nothing is emitted until every argument has produced a value.
func argsStream(ctx context.Context, ic *ConnContext, user *User, args []any) <-chan []*Value {
	sources := make([]<-chan *Value, len(args))
	for i, arg := range args {
		sources[i] = argStream(ctx, ic, user, arg)
	}
	return ZipLatest(ctx, false, sources...)
}

func echoFn(ctx context.Context, ic *ConnContext, args []any) <-chan *Value {
	out := make(chan *Value)

	go func() {
		defer close(out)
		for tuple := range argsStream(ctx, ic, ic.Viewer, args) {
			parts := []string{}
			for _, value := range tuple {
				if value != nil && value.Val != nil {
					parts = append(parts, fmt.Sprintf("%v", value.Val))
				}
			}
			if !sendValue(ctx, out, &Value{Type: "html", Val: strings.Join(parts, " ")}) {
				return
			}
		}
	}()

	return out
}

func htmlEscapeFn(ctx context.Context, ic *ConnContext, args []any) <-chan *Value {
	out := make(chan *Value)

	go func() {
		defer close(out)
		for tuple := range argsStream(ctx, ic, ic.Viewer, args) {
			parts := []string{}
			for _, value := range tuple {
				if value != nil && value.Val != nil {
					parts = append(parts, fmt.Sprintf("%v", value.Val))
				}
			}
			s := html.EscapeString(strings.Join(parts, " "))
			s = strings.ReplaceAll(s, "\n", "<br />")
			if !sendValue(ctx, out, &Value{Type: "html", Val: s}) {
				return
			}
		}
	}()

	return out
}

// renders one argument value to an HTML snippet
func pprintValue(value *Value) string {
	if value == nil || value.Val == nil {
		return ""
	}
	switch value.Type {
	case "user-list":
		return pprintUserList(value.Val)
	case "error":
		return fmt.Sprintf("%v", value.Val)
	default:
		return html.EscapeString(fmt.Sprintf("%v", value.Val))
	}
}

// a user-list value is a mapping keyed by member identity.
// it pivots into a table, one row per member.
func pprintUserList(val any) string {
	byMember, ok := val.(map[string]any)
	if !ok {
		return html.EscapeString(fmt.Sprintf("%v", val))
	}

	names := maps.Keys(byMember)
	slices.Sort(names)

	var b strings.Builder
	b.WriteString(`<table class="dw-userlist">`)
	for _, name := range names {
		b.WriteString("<tr><th>")
		b.WriteString(html.EscapeString(name))
		b.WriteString("</th><td>")
		b.WriteString(html.EscapeString(fmt.Sprintf("%v", byMember[name])))
		b.WriteString("</td></tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

func pprintFn(ctx context.Context, ic *ConnContext, args []any) <-chan *Value {
	out := make(chan *Value)

	go func() {
		defer close(out)
		for tuple := range argsStream(ctx, ic, ic.Viewer, args) {
			rendered := []string{}
			for _, value := range tuple {
				rendered = append(rendered, pprintValue(value))
			}

			var result *Value
			switch len(rendered) {
			case 0:
			case 1:
				result = &Value{Type: "html", Val: rendered[0]}
			default:
				result = &Value{Type: "html", Val: "<table><tr><td>" + strings.Join(rendered, "</td><td>") + "</td></tr></table>"}
			}
			if !sendValue(ctx, out, result) {
				return
			}
		}
	}()

	return out
}

// reads a field under an identity selected by another field.
// `get(path, selector)`: the selector stream is evaluated under the
// viewer, the target is re-subscribed whenever the selected identity
// changes.
func getFn(ctx context.Context, ic *ConnContext, args []any) <-chan *Value {
	if len(args) != 2 {
		return singleValue(ErrorValue("⚠ get() requires 2 arguments ⚠"))
	}
	path, ok := args[0].(FieldPath)
	if !ok {
		return singleValue(ErrorValue("⚠ get() first argument must be an input ⚠"))
	}

	out := make(chan *Value)

	go func() {
		defer close(out)

		user := ic.Viewer
		restart := true
		for restart {
			restart = false

			next := func() *User {
				subCtx, subCancel := context.WithCancel(ctx)
				defer subCancel()

				selector := argStream(subCtx, ic, ic.Viewer, args[1])
				target := argStream(subCtx, ic, user, path)

				for tuple := range ZipLatest(subCtx, true, selector, target) {
					// the selector slot only drives a re-subscription
					// once it has actually emitted
					if tuple[0] != nil {
						if resolved := resolveUserValue(ic, tuple[0]); resolved.UserId != user.UserId {
							return resolved
						}
					}
					if !sendValue(ctx, out, tuple[1]) {
						return nil
					}
				}
				return nil
			}()

			if next != nil {
				user = next
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

// `userlist(path, group)`: one latest value per group member,
// emitted as a user-list mapping and refreshed on every field signal
func userlistFn(ctx context.Context, ic *ConnContext, args []any) <-chan *Value {
	if len(args) != 2 {
		return singleValue(ErrorValue("⚠ userlist() requires 2 arguments ⚠"))
	}
	path, ok := args[0].(FieldPath)
	if !ok {
		return singleValue(ErrorValue("⚠ userlist() first argument must be an input ⚠"))
	}
	group := ""
	switch g := args[1].(type) {
	case string:
		group = g
	case Macro:
		group = resolveMacro(ic, g)
	default:
		return singleValue(ErrorValue("⚠ userlist() second argument must be a group name ⚠"))
	}

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

		members := ic.Engine.users.Group(group)
		memberIds := make([]Id, len(members))
		membersById := map[Id]*User{}
		for i, member := range members {
			memberIds[i] = member.UserId
			membersById[member.UserId] = member
		}

		documentId := render.Document.DocumentId()
		monitor := ic.Engine.notify.Monitor(WaitKey{
			RevisionId: render.RevisionId,
			Name:       name,
		})

		last := ""
		for {
			notify := monitor.NotifyChannel()

			records, err := ic.Engine.store.GroupLatest(ctx, documentId, name, memberIds)
			if err != nil {
				glog.Infof("[fn]%s@%s: userlist read error = %s\n", ic.Viewer.Name, ic.Path, err)
			} else {
				byMember := map[string]any{}
				for _, record := range records {
					if member, ok := membersById[record.Owner]; ok {
						byMember[member.Name] = record.Payload.Val
					}
				}

				key, _ := json.Marshal(byMember)
				if string(key) != last {
					last = string(key)
					if !sendValue(ctx, out, &Value{Type: "user-list", Val: byMember}) {
						return
					}
				}
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
