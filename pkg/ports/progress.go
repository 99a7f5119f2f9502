package ports

import "github.com/aescanero/cannoli/pkg/domain"

// ProgressSink receives display updates for vertices. Implementations must not
// block the caller for long; the engine never depends on these succeeding.
type ProgressSink interface {
	SetStatus(objectID string, status domain.Status)
	SetText(objectID, text string)
	Annotate(objectID string, severity domain.Status, message string)
}
