/*
Package patchwork interprets small script trees in which some steps are delegated to an external coding agent.

A script is a tree of three node kinds. Print emits a line, Do runs its children in order, and Think hands a prompt
to the agent together with a numbered list of subroutines (its children). While the agent works on the prompt it may
call back into the script through a single MCP tool, "do", asking for one of those subroutines to be evaluated; the
subroutine's text is returned to the agent as the tool result. When the agent ends its turn, everything it said
becomes the Think node's text.

# Concept

Thinks nest: a subroutine evaluated on behalf of one agent conversation may itself contain a Think, which opens a
second conversation while the first is still waiting. The engine routes every message coming from the agent to the
most recently opened conversation that has not yet finished. A single router goroutine owns that stack, and each
conversation releases its slot on every exit path, successful or not.

# Usage

	eng := patchwork.New(
		patchwork.WithOutput(os.Stdout),
		patchwork.WithAgentConfig(acp.DefaultAgentConfig()),
	)
	if err := eng.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	if err := patchwork.NewRunner(eng).Run(ctx, "hello.json"); err != nil {
		log.Fatal(err)
	}

Scripts are JSON or YAML:

	{"Do": {"children": [
	  {"Print": {"message": "a"}},
	  {"Think": {"think": {"prompt": "call do with index 1", "children": [
	    {"Print": {"message": "b"}},
	    {"Print": {"message": "c"}}
	  ]}}}
	]}}

The agent is any Agent Client Protocol (ACP) implementation started as a child process; by default the Claude Code
ACP adapter is launched through npx.
*/
package patchwork
