// Package vault provides note stores for Reference nodes and note references.
//
// Implementations:
//   - redis: notes as strings, properties as hashes, folders as a set
//   - memory: in-process, optionally seeded from a map of notes
package vault
