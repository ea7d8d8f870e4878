package cli

import (
	"fmt"
	"io"

	"github.com/aretw0/patchwork/pkg/script"
)

// Validate parses every file and prints its structure. It stops at the first
// file that does not parse.
func Validate(w io.Writer, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no script files given")
	}
	for _, path := range files {
		node, err := script.DecodeFile(path)
		if err != nil {
			return err
		}
		s := script.Inspect(node)
		fmt.Fprintf(w, "%s: ok (%d print, %d do, %d think, think depth %d)\n",
			path, s.Prints, s.Dos, s.Thinks, s.MaxThinkDepth)
	}
	return nil
}
