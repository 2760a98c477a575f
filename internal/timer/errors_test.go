package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := Errorf(ErrConflict, "user %s already has an open timer", "u1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "user u1 already has an open timer")

	err = NoActiveTimer("no active timer on stage %s", "cutting")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.EqualError(t, err, "no active timer on stage cutting")
}
