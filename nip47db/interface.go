package nip47db

// Connection is the persistent record of a single Nostr Wallet Connection,
// keyed by its user chosen label.
type Connection struct {
	// Label is the primary key of the connection.
	Label string `json:"label"`

	// WalletKeySecret is the node side secret key, hex encoded.
	WalletKeySecret string `json:"walletkey_secret"`

	// WalletKeyPublic is the node side public key that clients address
	// their requests to.
	WalletKeyPublic string `json:"walletkey_public"`

	// ClientKeySecret is the client side secret key that is handed out
	// in the connection URI.
	ClientKeySecret string `json:"clientkey_secret"`

	// ClientKeyPublic is the client side public key, the wallet's
	// identity on the relays.
	ClientKeyPublic string `json:"clientkey_public"`

	// Relays is the relay set frozen at creation time.
	Relays []string `json:"relays"`

	// BudgetMsat is the absolute spending cap in msat. Nil means
	// unlimited, zero means receive-only.
	BudgetMsat *uint64 `json:"budget_msat,omitempty"`

	// IntervalSecs is the budget refresh period. Nil means the budget
	// never refills.
	IntervalSecs *uint64 `json:"interval_secs,omitempty"`

	// SpentMsat is the budget consumed in the current window.
	SpentMsat uint64 `json:"spent_msat"`

	// WindowStart is the epoch second the current refresh window began.
	WindowStart int64 `json:"window_start"`

	// CreatedAt is the creation time in epoch seconds, also used as the
	// subscription since boundary.
	CreatedAt int64 `json:"created_at"`

	// NotificationsEnabled mirrors the global option at creation time
	// and may be toggled per connection.
	NotificationsEnabled bool `json:"notifications_enabled"`
}

// ReceiveOnly reports whether the connection may not spend at all: a zero
// budget with no refresh interval.
func (c *Connection) ReceiveOnly() bool {
	return c.BudgetMsat != nil && *c.BudgetMsat == 0 &&
		c.IntervalSecs == nil
}

// ConnStore is the persistence interface for wallet connections and the
// replay suppression state that goes with them. All mutations are atomic
// with respect to other accessors of the same row.
type ConnStore interface {
	// FetchConns returns all stored connections.
	FetchConns() ([]*Connection, error)

	// FetchConn returns the connection with the given label.
	FetchConn(label string) (*Connection, error)

	// CreateConn stores a new connection. It fails if the label is
	// already taken.
	CreateConn(conn *Connection) error

	// DeleteConn removes a connection and all its bookkeeping state.
	DeleteConn(label string) error

	// UpdateConn runs the update closure under the row lock of the
	// given connection and writes back the mutated record. Budget
	// mutations go through here so they are serialized per connection.
	UpdateConn(label string, update func(*Connection) error) error

	// MarkEventProcessed atomically inserts an event id into the
	// processed set of a connection. It returns false if the id was
	// already present. Entries older than the ttl are pruned on the
	// way through and the connection's last seen timestamp is advanced
	// to createdAt if it is newer.
	MarkEventProcessed(label, eventID string, createdAt, now int64,
		ttlSeconds int64) (bool, error)

	// LastSeen returns the created_at of the newest processed event of
	// a connection, or zero if none was recorded yet.
	LastSeen(label string) (int64, error)

	// Close closes the underlying database.
	Close() error
}
