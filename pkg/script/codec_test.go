package script_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/aretw0/patchwork/pkg/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var helloTree = domain.Do(
	domain.Print("a"),
	domain.Think("Call subroutine 1, then say agent-said.",
		domain.Print("b"),
		domain.Print("c"),
	),
)

func TestDecodeFile_Formats(t *testing.T) {
	for _, name := range []string{"hello.json", "hello.yaml"} {
		t.Run(name, func(t *testing.T) {
			node, err := script.DecodeFile(filepath.Join("testdata", name))
			require.NoError(t, err)
			assert.Equal(t, helloTree, node)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	trees := []domain.Node{
		domain.Print(""),
		domain.Do(),
		domain.Think("empty"),
		helloTree,
		domain.Think("outer",
			domain.Do(domain.Print("x"), domain.Think("inner", domain.Print("y"))),
			domain.Print("z"),
		),
	}

	for _, format := range []script.Format{script.FormatJSON, script.FormatYAML} {
		for _, tree := range trees {
			data, err := script.Encode(tree, format)
			require.NoError(t, err)

			decoded, err := script.Decode(data, format)
			require.NoError(t, err, string(data))
			assert.Equal(t, tree, decoded, "format %s", format)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{"Empty", ``, "empty document"},
		{"NotJSON", `{"Print":`, ""},
		{"NoVariant", `{}`, "expected exactly one of Print, Do, Think"},
		{"TwoVariants", `{"Print":{"message":"a"},"Do":{"children":[]}}`, "found 2"},
		{"UnknownVariant", `{"Loop":{}}`, "unknown field"},
		{"UnknownField", `{"Print":{"message":"a","color":"red"}}`, "unknown field"},
		{"NestedBadChild", `{"Do":{"children":[{"Print":{"message":"a"}},{}]}}`, "$.Do[1]"},
		{"Trailing", `{"Print":{"message":"a"}} {"Print":{"message":"b"}}`, "trailing data"},
		{"WrongType", `{"Print":{"message":3}}`, ""},
		{"MissingMessage", `{"Print":{}}`, `missing field "message"`},
		{"MissingChildren", `{"Do":{}}`, `missing field "children"`},
		{"NullChildren", `{"Do":{"children":null}}`, `missing field "children"`},
		{"MissingThinkBody", `{"Think":{}}`, `missing field "think"`},
		{"MissingPrompt", `{"Think":{"think":{"children":[]}}}`, `missing field "prompt"`},
		{"MissingThinkChildren", `{"Think":{"think":{"prompt":"p"}}}`, `missing field "children"`},
		{"LowercaseVariant", `{"print":{"message":"a"}}`, `unknown field "print"`},
		{"CapitalizedField", `{"Print":{"Message":"a"}}`, `unknown field "Message"`},
		{"NestedCaseMismatch", `{"Do":{"children":[{"DO":{"children":[]}}]}}`, `$.Do.children[0]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := script.Decode([]byte(tt.input), script.FormatJSON)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInputFormat)
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestDecode_YAMLRequiresFields(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{"MissingMessage", "Print: {}\n", `missing field "message"`},
		{"MissingPrompt", "Think:\n  think:\n    children: []\n", `missing field "prompt"`},
		{"LowercaseVariant", "print:\n  message: a\n", "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := script.Decode([]byte(tt.input), script.FormatYAML)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInputFormat)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestDecodeFile_ReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("Print:\n  msg: a\n"), 0o644))

	_, err := script.DecodeFile(path)
	var formatErr *domain.InputFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, path, formatErr.Path)
}

func TestDecodeFile_Missing(t *testing.T) {
	_, err := script.DecodeFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInputFormat)
}

func TestInspect(t *testing.T) {
	tree := domain.Do(
		domain.Print("a"),
		domain.Think("outer",
			domain.Do(domain.Think("inner", domain.Print("deep"))),
			domain.Print("b"),
		),
		domain.Think("sibling"),
	)

	stats := script.Inspect(tree)
	assert.Equal(t, script.Stats{Prints: 3, Dos: 2, Thinks: 3, MaxThinkDepth: 2}, stats)
}

func TestDecodeFile_Examples(t *testing.T) {
	tests := []struct {
		file  string
		stats script.Stats
	}{
		{"hello.json", script.Stats{Prints: 3, Dos: 1, Thinks: 1, MaxThinkDepth: 1}},
		{"nested.yaml", script.Stats{Prints: 1, Dos: 1, Thinks: 2, MaxThinkDepth: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			node, err := script.DecodeFile(filepath.Join("..", "..", "examples", tt.file))
			require.NoError(t, err)
			assert.Equal(t, tt.stats, script.Inspect(node))
		})
	}
}
