package frontend

import (
	"testing"

	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestStickinessConservative(t *testing.T) {
	s := newStickiness(config.ReadWriteConservative)

	s.ObserveWrite()
	assert.False(t, s.Sticky())
}

func TestStickinessModerate(t *testing.T) {
	s := newStickiness(config.ReadWriteModerate)

	s.ObserveWrite()
	assert.True(t, s.Sticky())

	/* survives checkouts inside the transaction */
	s.Checkout()
	assert.True(t, s.Sticky())

	s.EndTxn()
	assert.False(t, s.Sticky())
}

func TestStickinessAggressive(t *testing.T) {
	s := newStickiness(config.ReadWriteAggressive)

	s.ObserveWrite()
	assert.True(t, s.Sticky())

	/* outlives the transaction */
	s.EndTxn()
	assert.True(t, s.Sticky())

	/* cleared by the next server checkout */
	s.Checkout()
	assert.False(t, s.Sticky())

	/* and set again by the next write */
	s.ObserveWrite()
	assert.True(t, s.Sticky())
}
