/*
Package ports defines the driven ports (interfaces) of the Patchwork interpreter.

These interfaces decouple the coordination core from the external agent and its
wire protocol, allowing the interpreter to run against the ACP adapter in
production and against scripted fakes in tests.

# Key Interfaces

  - AgentTransport: opens sessions on the external agent and submits prompts.
  - ConversationOpener: starts a conversation for a Think node.
  - Conversation: the interpreter's view of one open conversation.
*/
package ports
