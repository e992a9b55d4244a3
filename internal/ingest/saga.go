package ingest

// State tracks how far one ingestion advanced across the three stores.
// There is no cross-store atomic commit; correctness comes from the
// ordering of these states plus the compensation rules in the
// coordinator, and the partial-state space below is exhaustive.
type State int

const (
	// StateNone: nothing written anywhere.
	StateNone State = iota
	// StateBlobStored: the raw object exists but no metadata row does.
	// The object is unreferenced garbage, reclaimable out-of-band; it
	// has no query-time correctness impact and is not swept here.
	StateBlobStored
	// StateCreated: the document row exists with status pending.
	StateCreated
	// StateChunksInserted: chunk rows exist. A retry target: re-running
	// the embed and upsert steps is idempotent because vector ids are
	// derived from chunk ids.
	StateChunksInserted
	// StateVectorsUpserted: at least one vector landed in the index but
	// its registry row did not. The window before the registry insert
	// is the accepted eventual-consistency gap.
	StateVectorsUpserted
	// StateRegistryComplete: every successful chunk has its vector and
	// registry row.
	StateRegistryComplete
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateBlobStored:
		return "blob_stored"
	case StateCreated:
		return "created"
	case StateChunksInserted:
		return "chunks_inserted"
	case StateVectorsUpserted:
		return "vectors_upserted"
	case StateRegistryComplete:
		return "registry_complete"
	}
	return "unknown"
}
