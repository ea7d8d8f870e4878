package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Format selects the serialization of a script.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension. Anything that is not YAML is JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode parses a single script tree.
func Decode(data []byte, format Format) (domain.Node, error) {
	node, err := decode(data, format)
	if err != nil {
		return domain.Node{}, &domain.InputFormatError{Err: err}
	}
	return node, nil
}

// DecodeFile reads and parses the script at path.
func DecodeFile(path string) (domain.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Node{}, fmt.Errorf("failed to read script: %w", err)
	}
	node, err := decode(data, FormatFor(path))
	if err != nil {
		return domain.Node{}, &domain.InputFormatError{Path: path, Err: err}
	}
	return node, nil
}

func decode(data []byte, format Format) (domain.Node, error) {
	var w wireNode
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&w); err != nil {
			if err == io.EOF {
				return domain.Node{}, fmt.Errorf("empty document")
			}
			return domain.Node{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&w); err != nil {
			if err == io.EOF {
				return domain.Node{}, fmt.Errorf("empty document")
			}
			return domain.Node{}, err
		}
		if dec.More() {
			return domain.Node{}, fmt.Errorf("trailing data after script tree")
		}
		if err := exactKeys(gjson.ParseBytes(data), "$"); err != nil {
			return domain.Node{}, err
		}
	}
	return fromWire(w, "$")
}

// Encode serializes a tree in the given format.
func Encode(node domain.Node, format Format) ([]byte, error) {
	w, err := toWire(node)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatYAML:
		return yaml.Marshal(w)
	default:
		return json.MarshalIndent(w, "", "  ")
	}
}
