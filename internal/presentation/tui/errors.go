package tui

import (
	"io"

	"github.com/muesli/termenv"
)

// FormatError styles an error for display on w. Colour is dropped when w is
// not a terminal.
func FormatError(w io.Writer, err error) string {
	out := termenv.NewOutput(w)
	return out.String("error: " + err.Error()).Foreground(out.Color("#fb7185")).Bold().String()
}
