package tpmgate

import "net/http"

// CachedEntry is one response stored under a cache version. Entries are
// replaced whole, never patched.
type CachedEntry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// InstallReport lists what an install managed to precache.
type InstallReport struct {
	Version string   `json:"version"`
	Cached  []string `json:"cached"`
	Failed  []string `json:"failed,omitempty"`
}

// UpdateResult is the outcome of one update check.
type UpdateResult struct {
	Available bool   `json:"available"`
	URL       string `json:"url,omitempty"`
	Version   string `json:"version,omitempty"`
	Checked   int    `json:"checked"`
	Skipped   int    `json:"skipped"`
}
