package tui_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aretw0/patchwork/internal/presentation/tui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRenderer(t *testing.T) {
	render, err := tui.NewRenderer(0)
	require.NoError(t, err)

	out, err := render("# Patchwork\n\nstitched *together*")
	require.NoError(t, err)
	assert.Contains(t, out, "Patchwork")
	assert.Contains(t, out, "together")
}

func TestTerminalDetection(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, tui.IsTerminal(&buf))
	assert.Equal(t, 80, tui.Width(&buf))
}

func TestFormatError(t *testing.T) {
	var buf bytes.Buffer
	assert.Contains(t, tui.FormatError(&buf, errors.New("boom")), "error: boom")
}
