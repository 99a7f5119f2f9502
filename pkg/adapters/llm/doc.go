// Package llm provides LLM client implementations.
//
// The factory creates LLM clients based on provider configuration.
// Currently supports:
//   - anthropic: Anthropic Claude through the official SDK
//   - echo: offline client that repeats the prompt, for tests and dry runs
//
// Limiter wraps any client with the process-wide concurrency cap and an
// optional request rate. PriceTable prices token usage per model.
package llm
