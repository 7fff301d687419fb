package accountstore

// Bucket name constants for bbolt storage.
var (
	bucketMeta       = []byte("meta")
	bucketAccounts   = []byte("accounts")
	bucketFirewall   = []byte("firewall")
	bucketExceptions = []byte("exceptions")
)

// Meta key constants. The store keeps no sequence counter here: each account
// record carries its own Seq, and the in-memory table rebuilds the counter
// from the maximum loaded value.
var (
	keyFormat = []byte("format")
)

// formatVersion is bumped when the stored encoding changes.
const formatVersion = "1"
