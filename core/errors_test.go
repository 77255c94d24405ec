package core

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	notFound := errors.Wrap(NewNotFoundError("person", 7), "checking in")
	unavailable := errors.Wrap(NewStoreUnavailableError("set present", errors.New("conn reset")), "checking in")
	invalid := NewValidationError(errors.New("bad id"))

	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(unavailable))
	assert.True(t, IsStoreUnavailable(unavailable))
	assert.False(t, IsStoreUnavailable(invalid))
	assert.True(t, IsValidation(invalid))
	assert.False(t, IsValidation(notFound))

	assert.Equal(t, "checking in: person 7 not found", notFound.Error())
	assert.Equal(t, "store unavailable: set present: conn reset", errors.Cause(unavailable).Error())
	assert.True(t, IsShutdown(errors.Wrap(NewShutdownError("bye"), "serving")))
}

func TestDay(t *testing.T) {
	kinshasa := time.FixedZone("WAT", 3600)
	late := time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), Day(late, nil))
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, kinshasa), Day(late, kinshasa))
	assert.Equal(t, late, FixedClock(late).Now())
}

func TestUniqueInts(t *testing.T) {
	assert.Equal(t, []int{3, 1, 2}, UniqueInts([]int{3, 1, 0, 3, -4, 2, 1}))
	assert.Empty(t, UniqueInts(nil))
}
