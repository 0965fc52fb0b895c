package requestlog

// Logger is the minimal interface for recording entries.
type Logger interface {
	Log(entry *Entry)
}

// Store keeps entries for inspection. Store embeds Logger, so any Store can
// be handed to the proxy as its request log.
type Store interface {
	Logger

	// Get retrieves an entry by ID.
	Get(id string) *Entry

	// List returns entries newest first, optionally filtered.
	List(filter *Filter) []*Entry

	// Clear removes all entries.
	Clear()

	// Count returns the number of entries.
	Count() int
}

// Filter defines criteria for listing entries.
type Filter struct {
	Method string

	// Host matches the destination hostname exactly.
	Host string

	// Path filters by path prefix.
	Path string

	MatchedRuleID string

	StatusCode int

	// HasError filters by error presence.
	HasError *bool

	// Limit is the maximum number of entries to return.
	Limit int

	// Offset is the number of entries to skip.
	Offset int
}

// Subscriber is a channel that receives new entries.
type Subscriber chan *Entry

// SubscribableStore extends Store with real-time updates.
type SubscribableStore interface {
	Store

	// Subscribe returns a channel receiving new entries and an unsubscribe
	// function. Entries are dropped for subscribers that fall behind.
	Subscribe() (Subscriber, func())
}
