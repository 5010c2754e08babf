// Package sequence hands out human-readable display codes backed by a
// persisted counter.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tokoledger/backend/internal/store"
)

var (
	ErrCounterRead  = errors.New("counter read failed")
	ErrIDGeneration = errors.New("id generation failed")
)

const (
	DefaultPrefix = "SP"
	DefaultWidth  = 6
)

// Allocation is a proposed next value. It is not reserved: the caller must
// consume it with Batch.SetCounter(key, Previous, NumericID) inside the same
// commit that uses DisplayCode.
type Allocation struct {
	Key         string
	Previous    int64
	NumericID   int64
	DisplayCode string
}

type Allocator struct {
	counters store.CounterReader
	prefix   string
	width    int
}

func NewAllocator(counters store.CounterReader) *Allocator {
	return &Allocator{counters: counters, prefix: DefaultPrefix, width: DefaultWidth}
}

func (a *Allocator) AllocateNext(ctx context.Context, counterKey string) (Allocation, error) {
	last, err := a.counters.GetCounter(ctx, counterKey)
	if errors.Is(err, store.ErrNotFound) {
		last, err = 0, nil
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: %s: %v", ErrCounterRead, counterKey, err)
	}
	if last < 0 || last == math.MaxInt64 {
		return Allocation{}, fmt.Errorf("%w: counter %s holds %d", ErrIDGeneration, counterKey, last)
	}

	next := last + 1
	return Allocation{
		Key:         counterKey,
		Previous:    last,
		NumericID:   next,
		DisplayCode: a.Format(next),
	}, nil
}

// Format zero-pads n to the allocator width. Values wider than the width are
// written in full.
func (a *Allocator) Format(n int64) string {
	digits := strconv.FormatInt(n, 10)
	if pad := a.width - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return a.prefix + digits
}
