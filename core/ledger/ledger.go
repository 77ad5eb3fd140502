package ledger

import (
	"fmt"
	"sync"

	"github.com/davidahmann/tapcheck/core/jcs"
	"github.com/davidahmann/tapcheck/core/record"
)

// Identity digests the fields that make two captures the same test: the
// normalised type, the instrument's test time and duration, and the canonical
// geolocation text. Labels and file names never participate.
func Identity(entry record.Entry) (string, error) {
	digest, err := jcs.DigestValue([]string{
		entry.Type,
		entry.TestTime,
		entry.TestDurationMs,
		entry.Geo.Canonical,
	})
	if err != nil {
		return "", fmt.Errorf("digest entry identity: %w", err)
	}
	return digest, nil
}

// Ledger remembers identities seen during one verification run.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]string
}

func New() *Ledger {
	return &Ledger{seen: map[string]string{}}
}

// Register records identity for label and reports whether it was new.
func (l *Ledger) Register(identity string, label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[identity]; ok {
		return false
	}
	l.seen[identity] = label
	return true
}

// FirstLabel returns the label that first registered identity.
func (l *Ledger) FirstLabel(identity string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	label, ok := l.seen[identity]
	return label, ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
