package script

import (
	"fmt"

	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/tidwall/gjson"
)

// wireNode is the on-disk shape of a node: an object with exactly one variant key.
type wireNode struct {
	Print *wirePrint `json:"Print,omitempty" yaml:"Print,omitempty"`
	Do    *wireDo    `json:"Do,omitempty" yaml:"Do,omitempty"`
	Think *wireThink `json:"Think,omitempty" yaml:"Think,omitempty"`
}

// Fields are pointers so that a missing field can be told apart from an empty one.
type wirePrint struct {
	Message *string `json:"message" yaml:"message"`
}

type wireDo struct {
	Children *[]wireNode `json:"children" yaml:"children"`
}

// wireThink keeps the extra "think" level of the file format.
type wireThink struct {
	Think *wireThinkBody `json:"think" yaml:"think"`
}

type wireThinkBody struct {
	Prompt   *string     `json:"prompt" yaml:"prompt"`
	Children *[]wireNode `json:"children" yaml:"children"`
}

// fieldNames are the only object keys a script may contain.
var fieldNames = map[string]bool{
	"Print": true, "Do": true, "Think": true,
	"message": true, "children": true, "think": true, "prompt": true,
}

func toWire(n domain.Node) (wireNode, error) {
	switch n.Kind {
	case domain.KindPrint:
		msg := n.Message
		return wireNode{Print: &wirePrint{Message: &msg}}, nil
	case domain.KindDo:
		children, err := toWireList(n.Children)
		if err != nil {
			return wireNode{}, err
		}
		return wireNode{Do: &wireDo{Children: &children}}, nil
	case domain.KindThink:
		children, err := toWireList(n.Children)
		if err != nil {
			return wireNode{}, err
		}
		prompt := n.Prompt
		return wireNode{Think: &wireThink{Think: &wireThinkBody{Prompt: &prompt, Children: &children}}}, nil
	default:
		return wireNode{}, fmt.Errorf("unknown node kind %q", n.Kind)
	}
}

func toWireList(nodes []domain.Node) ([]wireNode, error) {
	out := make([]wireNode, 0, len(nodes))
	for i, n := range nodes {
		w, err := toWire(n)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func fromWire(w wireNode, path string) (domain.Node, error) {
	set := 0
	if w.Print != nil {
		set++
	}
	if w.Do != nil {
		set++
	}
	if w.Think != nil {
		set++
	}
	if set != 1 {
		return domain.Node{}, fmt.Errorf("%s: expected exactly one of Print, Do, Think (found %d)", path, set)
	}

	switch {
	case w.Print != nil:
		if w.Print.Message == nil {
			return domain.Node{}, missing(path+".Print", "message")
		}
		return domain.Print(*w.Print.Message), nil
	case w.Do != nil:
		if w.Do.Children == nil {
			return domain.Node{}, missing(path+".Do", "children")
		}
		children, err := fromWireList(*w.Do.Children, path+".Do")
		if err != nil {
			return domain.Node{}, err
		}
		return domain.Do(children...), nil
	default:
		body := w.Think.Think
		switch {
		case body == nil:
			return domain.Node{}, missing(path+".Think", "think")
		case body.Prompt == nil:
			return domain.Node{}, missing(path+".Think", "prompt")
		case body.Children == nil:
			return domain.Node{}, missing(path+".Think", "children")
		}
		children, err := fromWireList(*body.Children, path+".Think")
		if err != nil {
			return domain.Node{}, err
		}
		return domain.Think(*body.Prompt, children...), nil
	}
}

func missing(path, field string) error {
	return fmt.Errorf("%s: missing field %q", path, field)
}

// exactKeys rejects object keys that differ from a field name only in case,
// which the JSON decoder would otherwise accept.
func exactKeys(v gjson.Result, path string) error {
	var err error
	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			if !fieldNames[key.String()] {
				err = fmt.Errorf("%s: unknown field %q", path, key.String())
				return false
			}
			err = exactKeys(value, path+"."+key.String())
			return err == nil
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, value gjson.Result) bool {
			err = exactKeys(value, fmt.Sprintf("%s[%d]", path, i))
			i++
			return err == nil
		})
	}
	return err
}

func fromWireList(ws []wireNode, path string) ([]domain.Node, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	out := make([]domain.Node, 0, len(ws))
	for i, w := range ws {
		n, err := fromWire(w, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
