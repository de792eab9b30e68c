package domain

import "context"

// FileInfo is what the provider reports about a remote file before transfer
type FileInfo struct {
	Size          int64
	SuggestedName string
	MimeType      string
}

// FileProvider is the remote side of a transfer. Implementations return
// TransferError values (Transient, Permanent, RateLimited) so the engine can
// decide whether to retry; request timeouts are the provider's responsibility.
type FileProvider interface {
	// Probe returns the size and suggested name of the referenced file
	Probe(ctx context.Context, ref SourceRef) (*FileInfo, error)

	// FetchRange returns up to length bytes starting at offset
	FetchRange(ctx context.Context, ref SourceRef, offset, length int64) ([]byte, error)
}
