package script

import "github.com/aretw0/patchwork/pkg/domain"

// Stats summarizes the shape of a script tree.
type Stats struct {
	Prints int
	Dos    int
	Thinks int

	// MaxThinkDepth is the deepest chain of nested Think nodes, i.e. the
	// largest conversation stack the script can produce.
	MaxThinkDepth int
}

// Inspect walks the tree and collects Stats.
func Inspect(node domain.Node) Stats {
	var s Stats
	walk(node, 0, &s)
	return s
}

func walk(n domain.Node, depth int, s *Stats) {
	switch n.Kind {
	case domain.KindPrint:
		s.Prints++
	case domain.KindDo:
		s.Dos++
	case domain.KindThink:
		s.Thinks++
		depth++
		if depth > s.MaxThinkDepth {
			s.MaxThinkDepth = depth
		}
	}
	for _, c := range n.Children {
		walk(c, depth, s)
	}
}
