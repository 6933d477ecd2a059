// Package session defines the capabilities a live WhatsApp connection offers
// to identity resolution, and a per-connection address-book cache.
package session

import "context"

// KindLIDMapping is the persisted key-store kind holding LID to PN entries.
const KindLIDMapping = "lid-mapping"

// LookupResult is the answer of a network identity probe.
type LookupResult struct {
	ExistsAsPhone bool
	// CanonicalJID is the identifier's real form, or "" when unknown.
	CanonicalJID string
}

// NetworkIdentityProbe asks the WhatsApp network about an identifier.
type NetworkIdentityProbe interface {
	Lookup(ctx context.Context, id string) (LookupResult, error)
	// BulkSyncQuery runs a protocol-level sync for id and returns its
	// canonical JID, or "".
	BulkSyncQuery(ctx context.Context, id string) (string, error)
}

// AddressBookEntry is one contact of a connection's cached address book.
type AddressBookEntry struct {
	ID   string
	Name string
	// PN is the phone-number JID when ID is not one itself.
	PN string
	// LIDs lists LID JIDs the platform associates with ID.
	LIDs []string
}

// Capability is the session state of one connection.
type Capability interface {
	// InMemoryLIDToPN answers from memory only.
	InMemoryLIDToPN(lid string) (string, bool)
	// PersistedKeyLookup reads the persisted key store. It returns "" when
	// no entry exists.
	PersistedKeyLookup(ctx context.Context, kind string, ids []string) (string, error)
	CachedAddressBook(ctx context.Context) ([]AddressBookEntry, error)
}

// GroupMetadata describes a group.
type GroupMetadata struct {
	Subject string
}

// GroupMetadataProvider fetches group metadata.
type GroupMetadataProvider interface {
	Fetch(ctx context.Context, groupID string) (GroupMetadata, error)
}

// Session is everything a connected client offers.
type Session interface {
	Capability
	NetworkIdentityProbe
	GroupMetadataProvider
}
