// Package ports declares the interfaces the engine and the service layer
// consume. Adapters under pkg/adapters implement them.
package ports
