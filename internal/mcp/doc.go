// Package mcp exposes plan authoring to tool-using assistants over the
// Model Context Protocol (github.com/modelcontextprotocol/go-sdk/mcp).
//
// Tools: submit_plan, get_plan, list_pending_reviews and search_knowledge.
// Review decisions are deliberately not exposed here; they need an
// authenticated reviewer on the HTTP API.
package mcp
