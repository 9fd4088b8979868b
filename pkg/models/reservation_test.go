package models_test

import (
	"math/rand"
	"testing"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func held(res ...models.Reservation) []models.Reservation { return res }

func excl(resource string) models.Reservation {
	return models.Reservation{TaskID: uuid.New(), Resource: resource, Exclusive: true}
}

func shared(resource string) models.Reservation {
	return models.Reservation{TaskID: uuid.New(), Resource: resource, Exclusive: false}
}

func TestReservationConflict(t *testing.T) {
	t.Run("empty set never conflicts", func(t *testing.T) {
		assert.False(t, models.ReservationConflict(nil, []string{"repoX"}, []string{"repoY"}))
	})

	t.Run("zero declared resources never conflict", func(t *testing.T) {
		assert.False(t, models.ReservationConflict(held(excl("repoX")), nil, nil))
	})

	t.Run("exclusive blocks exclusive", func(t *testing.T) {
		assert.True(t, models.ReservationConflict(held(excl("repoX")), []string{"repoX"}, nil))
	})

	t.Run("shared blocks exclusive request", func(t *testing.T) {
		assert.True(t, models.ReservationConflict(held(shared("repoX")), []string{"repoX"}, nil))
	})

	t.Run("exclusive holder blocks shared request", func(t *testing.T) {
		assert.True(t, models.ReservationConflict(held(excl("repoX")), nil, []string{"repoX"}))
	})

	t.Run("shared holders admit more shared", func(t *testing.T) {
		assert.False(t, models.ReservationConflict(held(shared("repoX"), shared("repoX")), nil, []string{"repoX"}))
	})

	t.Run("disjoint names never conflict", func(t *testing.T) {
		assert.False(t, models.ReservationConflict(held(excl("repoX")), []string{"repoY"}, []string{"repoZ"}))
	})

	t.Run("any overlapping exclusive name conflicts", func(t *testing.T) {
		assert.True(t, models.ReservationConflict(
			held(shared("a"), excl("b")),
			[]string{"c", "a"}, nil))
	})
}

// Randomized check of the exclusive/shared rule: build a random held set and a
// random request, then compare against a naive per-name evaluation.
func TestReservationConflictRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"r0", "r1", "r2", "r3", "r4"}

	pick := func() []string {
		var out []string
		for _, n := range names {
			if rng.Intn(3) == 0 {
				out = append(out, n)
			}
		}
		return out
	}

	for i := 0; i < 500; i++ {
		var current []models.Reservation
		exclusiveHeld := map[string]bool{}
		anyHeld := map[string]bool{}
		for _, n := range names {
			switch rng.Intn(4) {
			case 0:
				current = append(current, excl(n))
				exclusiveHeld[n] = true
				anyHeld[n] = true
			case 1:
				for j := 0; j < 1+rng.Intn(3); j++ {
					current = append(current, shared(n))
				}
				anyHeld[n] = true
			}
		}

		wantExclusive, wantShared := pick(), pick()
		expect := false
		for _, n := range wantExclusive {
			if anyHeld[n] {
				expect = true
			}
		}
		for _, n := range wantShared {
			if exclusiveHeld[n] {
				expect = true
			}
		}
		assert.Equal(t, expect, models.ReservationConflict(current, wantExclusive, wantShared),
			"iteration %d: held=%v exclusive=%v shared=%v", i, current, wantExclusive, wantShared)
	}
}

func TestResourceNames(t *testing.T) {
	names := models.ResourceNames([]string{"b", "a", "b"}, []string{"c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, names)

	assert.Empty(t, models.ResourceNames(nil, nil))
}
