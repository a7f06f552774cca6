package sentrystore

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func refs(ids ...int64) []EventRef {
	out := make([]EventRef, len(ids))
	for i, id := range ids {
		out[i] = EventRef{ID: id, Source: "s1"}
	}
	return out
}

func TestMergeTrimKeepsNewest(t *testing.T) {
	got := mergeTrim(nil, refs(5, 1, 9, 3), 2)
	assert.Equal(t, refs(9, 5), got)
}

func TestMergeTrimMergesWithExisting(t *testing.T) {
	existing := refs(8, 6, 2)
	got := mergeTrim(existing, refs(7, 9), 4)
	assert.Equal(t, refs(9, 8, 7, 6), got)
}

func TestMergeTrimDropsDuplicates(t *testing.T) {
	existing := refs(5, 3)
	got := mergeTrim(existing, refs(5, 4), 10)
	assert.Equal(t, refs(5, 4, 3), got)
}

func TestMergeTrimDistinguishesSources(t *testing.T) {
	existing := []EventRef{{ID: 5, Source: "a"}}
	got := mergeTrim(existing, []EventRef{{ID: 5, Source: "b"}}, 10)
	assert.Equal(t, []EventRef{{ID: 5, Source: "a"}, {ID: 5, Source: "b"}}, got)
}

func TestMergeTrimUnderCapacity(t *testing.T) {
	got := mergeTrim(refs(2), refs(4), 10)
	assert.Equal(t, refs(4, 2), got)
}

func TestMergeTrimProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	genRefs := gen.SliceOf(gen.Int64Range(0, 1000).Map(func(id int64) EventRef {
		return EventRef{ID: id, Source: "s1"}
	}))

	properties.Property("bounded, sorted, and keeps the largest IDs", prop.ForAll(
		func(existing, incoming []EventRef, capacity int) bool {
			got := mergeTrim(existing, incoming, capacity)
			if len(got) > capacity {
				return false
			}
			if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].ID > got[j].ID }) {
				return false
			}
			// Every retained ID must be >= every discarded distinct ID
			// once the result is full.
			if len(got) == capacity {
				min := got[len(got)-1].ID
				all := append(append([]EventRef(nil), existing...), incoming...)
				above := map[int64]bool{}
				for _, r := range all {
					if r.ID > min {
						above[r.ID] = true
					}
				}
				if len(above) > capacity {
					return false
				}
			}
			return true
		},
		genRefs, genRefs, gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
