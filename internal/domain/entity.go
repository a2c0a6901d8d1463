package domain

// Entity is the merged, authoritative view of a synchronized object (a cart,
// an order). The exposed Value is always the last server-confirmed value
// with every still-pending local mutation applied on top, in order — never a
// partially merged intermediate.
type Entity struct {
	ID            string         `json:"id"`
	Value         map[string]any `json:"value"`
	ServerVersion uint64         `json:"server_version"`
	PendingLocal  int            `json:"pending_local"`
}
