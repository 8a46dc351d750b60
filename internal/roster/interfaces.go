package roster

import (
	"context"
	"time"
)

// PageFetcher fetches a URL and returns the status and body. Implementations
// own proxy and TLS configuration and must honor FetchRequest.Timeout.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// CoarsePageParser extracts ordered player rows from a roster page.
type CoarsePageParser interface {
	ParseRoster(body []byte) (ParsedRoster, error)
}

// DetailPageParser extracts the fact from a player profile page. found=false
// with a nil error means the page parsed but carried no such field.
type DetailPageParser interface {
	ParseFact(body []byte) (text string, found bool, err error)
}

// ArtifactStore persists one roster artifact per CoarseTaskID.
type ArtifactStore interface {
	Write(ctx context.Context, artifact Artifact) error
	Read(ctx context.Context, task CoarseTaskID) (Artifact, error)
	Exists(ctx context.Context, task CoarseTaskID) (bool, error)
}

// ReportExporter turns the consolidated report into a single output document.
type ReportExporter interface {
	Export(ctx context.Context, report Report) error
}

// FactBackend is the durable store behind a FactCache.
type FactBackend interface {
	LoadFacts(ctx context.Context) (map[FineTaskID]FactValue, error)
	SaveFacts(ctx context.Context, facts map[FineTaskID]FactValue) error
}

// LedgerBackend is the durable store behind a CompletionLedger.
type LedgerBackend interface {
	LoadLedger(ctx context.Context) ([]CoarseTaskID, error)
	SaveLedger(ctx context.Context, tasks []CoarseTaskID) error
}

// FactReader is the read side of the FactCache.
type FactReader interface {
	Get(id FineTaskID) FactValue
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
