// Package lookup maintains the shared category and unit name sets.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

var ErrUnknownSet = errors.New("unknown lookup set")

// Registrar adds names to a lookup set if they are not already present. The
// check-then-insert is not atomic: two concurrent registrations of the same
// name can both insert. Readers collapse those duplicates with Dedupe.
type Registrar struct {
	lookups store.LookupStore
	log     logrus.FieldLogger
}

func NewRegistrar(lookups store.LookupStore, log logrus.FieldLogger) *Registrar {
	return &Registrar{lookups: lookups, log: log.WithField("module", "lookup")}
}

// EnsureExists reports whether candidate was inserted. A blank candidate is a
// no-op. Matching is exact and case-sensitive after trimming.
func (r *Registrar) EnsureExists(ctx context.Context, set string, candidate string) (bool, error) {
	if !store.IsLookupSet(set) {
		return false, fmt.Errorf("%w: %q", ErrUnknownSet, set)
	}
	name := strings.TrimSpace(candidate)
	if name == "" {
		return false, nil
	}

	_, err := r.lookups.FindLookup(ctx, set, name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("find %s %q: %w", set, name, err)
	}

	entry := domain.LookupEntry{ID: xid.New(idPrefix(set)), Set: set, Name: name}
	if _, err := r.lookups.CreateLookup(ctx, entry); err != nil {
		return false, fmt.Errorf("create %s %q: %w", set, name, err)
	}
	r.log.WithFields(logrus.Fields{"set": set, "name": name, "id": entry.ID}).Info("lookup entry created")
	return true, nil
}

func idPrefix(set string) string {
	if set == domain.LookupUnits {
		return "unit"
	}
	return "cat"
}

// Dedupe keeps the first entry for every name and sorts the result by name.
func Dedupe(entries []domain.LookupEntry) []domain.LookupEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]domain.LookupEntry, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.Name]; ok {
			continue
		}
		seen[entry.Name] = struct{}{}
		out = append(out, entry)
	}
	slices.SortStableFunc(out, func(a, b domain.LookupEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
