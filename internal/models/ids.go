package models

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a random id for orders and signals.
func NewID() string {
	return uuid.NewString()
}

// NewClientOrderID returns a lexically sortable id sent to the venue.
// OKX limits clOrdId to 32 alphanumerics; a ULID is 26.
func NewClientOrderID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
