package frontend

import "github.com/pgdogdev/pgdog/pkg/config"

// stickiness is the small state machine behind read_write_strategy:
// after a write, reads follow it to the primary for as long as the
// strategy says.
//
//	conservative: reads never stick to the primary
//	moderate:     sticky until the surrounding transaction ends
//	aggressive:   sticky for the remainder of the session, until the
//	              next server checkout
type stickiness struct {
	strategy config.ReadWriteStrategy

	txnSticky     bool
	sessionSticky bool
}

func newStickiness(strategy config.ReadWriteStrategy) *stickiness {
	return &stickiness{strategy: strategy}
}

// ObserveWrite records that a write was just routed.
func (s *stickiness) ObserveWrite() {
	switch s.strategy {
	case config.ReadWriteConservative:
	case config.ReadWriteModerate:
		s.txnSticky = true
	case config.ReadWriteAggressive:
		s.txnSticky = true
		s.sessionSticky = true
	}
}

// EndTxn clears transaction-scoped stickiness.
func (s *stickiness) EndTxn() {
	s.txnSticky = false
}

// Checkout clears session stickiness: under aggressive the stick
// lasts until the next server checkout.
func (s *stickiness) Checkout() {
	s.sessionSticky = false
}

func (s *stickiness) Sticky() bool {
	return s.txnSticky || s.sessionSticky
}
