/*
Package domain contains the core data model of the Patchwork interpreter.

It defines the script tree that is interpreted, the events that flow between the
external agent and an open conversation, and the error taxonomy shared by every
other package. This package is kept pure and free of I/O.

# Key Entities

  - Node: a script node (Print, Do or Think).
  - Event: an inbound agent event routed to the active conversation (Chunk, ToolCall, TurnComplete).
  - Update: what a conversation reports back to the interpreter (a callback request or the final result).
  - ReplySlot: a single-use, write-once slot through which a callback result is handed back to the agent.
*/
package domain
