package sched

// Priority inheritance hooks used by the IPC layer: while a sender is
// parked waiting for ring space, its effective rank is raised to the best
// rank among the receivers blocked on the same channel, and reverted on
// unpark. Donation uses the donor's effective rank at donation time, so a
// CBS-throttled receiver donates only its demoted best-effort rank;
// consumed-budget guarantees do not tunnel through a park.

// rankOf computes a thread's current effective rank under its home lock.
func (s *Scheduler) rankOf(t *TCB) rank {
	rq := s.lockHome(t)
	r := t.effectiveRank()
	rq.mu.Unlock()
	return r
}

// Outranks reports whether a currently ranks strictly above b. The two
// reads are not atomic as a pair; callers use this to order waiters, where
// a stale read only reorders two wakes.
func (s *Scheduler) Outranks(a, b *TCB) bool {
	return rankLess(s.rankOf(a), s.rankOf(b))
}

// DonateFrom raises to's effective rank to at least from's current
// effective rank. A lower-ranked donor never lowers an existing donation.
func (s *Scheduler) DonateFrom(to, from *TCB) {
	r := s.rankOf(from)
	rq := s.lockHome(to)
	if !to.hasDonor || rankLess(r, to.donor) {
		to.donor = r
		to.hasDonor = true
		if to.queuedBand >= 0 {
			rq.requeue(to)
		}
		s.maybeResched(rq, to)
	}
	rq.mu.Unlock()
}

// ClearDonation reverts a thread to its own rank.
func (s *Scheduler) ClearDonation(t *TCB) {
	rq := s.lockHome(t)
	if t.hasDonor {
		t.hasDonor = false
		t.donor = rank{}
		if t.queuedBand >= 0 {
			rq.requeue(t)
		}
	}
	rq.mu.Unlock()
}

// Donated reports whether the thread currently holds a donated rank.
func (s *Scheduler) Donated(t *TCB) bool {
	rq := s.lockHome(t)
	d := t.hasDonor
	rq.mu.Unlock()
	return d
}
