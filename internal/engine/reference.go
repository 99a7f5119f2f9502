package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
)

// reference is the target named by a Reference node's text.
type reference struct {
	name    string
	note    bool
	extract bool
}

// parseReference reads [[Note]], {[[Note]]}, [var] or {[var]}.
func parseReference(text string) (reference, bool) {
	t := strings.TrimSpace(text)
	var ref reference
	if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
		ref.extract = true
		t = t[1 : len(t)-1]
	}
	switch {
	case strings.HasPrefix(t, "[[") && strings.HasSuffix(t, "]]"):
		ref.note = true
		ref.name = strings.TrimSpace(t[2 : len(t)-2])
	case strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]"):
		ref.name = strings.TrimSpace(t[1 : len(t)-1])
	default:
		return ref, false
	}
	return ref, ref.name != "" && !strings.ContainsAny(ref.name, "[]")
}

// isFile reports whether a note reference names a non-markdown file.
func (ref reference) isFile() bool {
	ext := path.Ext(ref.name)
	return ext != "" && ext != ".md"
}

// referenceNode reads or writes a vault note or a floating variable.
type referenceNode struct {
	node
}

func (n *referenceNode) execute(r *Run) {
	r.setStatus(&n.object, domain.StatusExecuting, "")

	ref, ok := parseReference(n.text)
	if !ok {
		r.fail(&n.object, fmt.Errorf("invalid reference %q", n.text))
		return
	}
	content, modifier, write := r.writeContent(&n.node)

	if !ref.note {
		f, ok := r.floating[ref.name]
		if !ok {
			r.fail(&n.object, fmt.Errorf("floating variable %q not found", ref.name))
			return
		}
		if write {
			f.setValue(r, content)
			r.finishNode(&n.node, loadInput{content: content})
			return
		}
		if !ref.extract {
			r.finishNode(&n.node, loadInput{content: f.value()})
			return
		}
		r.render(&n.node, f.value(), func(res resolution) {
			r.finishNode(&n.node, loadInput{content: res.text})
		})
		return
	}

	if r.vault == nil {
		r.fail(&n.object, errors.New("no vault configured"))
		return
	}
	if write {
		n.writeNote(r, ref, content, modifier)
		return
	}
	n.readNote(r, ref)
}

func (n *referenceNode) writeNote(r *Run, ref reference, content string, modifier *edge) {
	mod := domain.VaultModifierNone
	var property string
	if modifier != nil {
		mod = modifier.vaultModifier
		property = modifier.label()
	}
	vault := r.vault

	r.async(&n.object, "vault.write", func(ctx context.Context) (func(), error) {
		var err error
		switch mod {
		case domain.VaultModifierProperty:
			err = vault.WriteProperty(ctx, ref.name, property, content)
		case domain.VaultModifierNote:
			err = vault.CreateNote(ctx, strings.TrimSpace(content), "")
		case domain.VaultModifierFolder:
			folder := strings.TrimSpace(content)
			if err = vault.CreateFolder(ctx, folder); err == nil {
				err = vault.MoveNote(ctx, ref.name, folder)
			}
		default:
			err = vault.WriteNote(ctx, ref.name, content)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write note %q: %w", ref.name, err)
		}
		return func() {
			r.setText(n.id, content)
			r.finishNode(&n.node, loadInput{content: content})
		}, nil
	})
}

func (n *referenceNode) readNote(r *Run, ref reference) {
	s := r.scopeFor(&n.vertex)
	vault := r.vault

	r.async(&n.object, "vault.read", func(ctx context.Context) (func(), error) {
		var content string
		if ref.isFile() {
			data, err := vault.ReadFile(ctx, ref.name)
			if err != nil {
				return nil, fmt.Errorf("failed to read file %q: %w", ref.name, err)
			}
			content = string(data)
		} else {
			var err error
			content, err = vault.ReadNote(ctx, ref.name)
			if err != nil {
				return nil, fmt.Errorf("failed to read note %q: %w", ref.name, err)
			}
		}
		if ref.extract {
			var err error
			if content, err = s.extractLinks(ctx, content); err != nil {
				return nil, err
			}
		}
		return func() { r.finishNode(&n.node, loadInput{content: content}) }, nil
	})
}

func (n *referenceNode) validate(r *Run) error {
	ref, ok := parseReference(n.text)
	if !ok {
		return fmt.Errorf("invalid reference %q", strings.TrimSpace(n.text))
	}
	if !ref.note {
		if _, ok := r.floating[ref.name]; !ok {
			return fmt.Errorf("floating variable %q not found", ref.name)
		}
		return nil
	}
	if r.vault == nil {
		return errors.New("reference node requires a vault")
	}
	return nil
}
