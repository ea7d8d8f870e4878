package domain

// NodeKind identifies the variant of a script Node.
type NodeKind string

const (
	// KindPrint emits its message followed by a newline.
	KindPrint NodeKind = "Print"
	// KindDo evaluates its children in order.
	KindDo NodeKind = "Do"
	// KindThink opens a conversation with the external agent.
	// Its children are the subroutines the agent may call back by index.
	KindThink NodeKind = "Think"
)

// Node represents a single node of a script tree.
// Only the fields relevant to Kind are populated.
type Node struct {
	Kind NodeKind

	// Message is the text printed by a Print node.
	Message string

	// Prompt is the text submitted to the agent by a Think node.
	Prompt string

	// Children are the ordered sub-nodes of a Do or Think node.
	// For Think they are addressed positionally by the agent (zero-based).
	Children []Node
}

// Print builds a Print node.
func Print(message string) Node {
	return Node{Kind: KindPrint, Message: message}
}

// Do builds a Do node.
func Do(children ...Node) Node {
	return Node{Kind: KindDo, Children: children}
}

// Think builds a Think node.
func Think(prompt string, children ...Node) Node {
	return Node{Kind: KindThink, Prompt: prompt, Children: children}
}

// Child resolves a callback index against the node's children.
func (n Node) Child(index int) (Node, error) {
	if index < 0 || index >= len(n.Children) {
		return Node{}, &IndexBoundsError{Index: index, Len: len(n.Children)}
	}
	return n.Children[index], nil
}
