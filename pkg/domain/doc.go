// Package domain holds the value types shared by the engine, the service layer
// and the adapters: the declarative graph document, object statuses, LLM
// request/response/config types, the run Stoppage and the persisted run state.
package domain
