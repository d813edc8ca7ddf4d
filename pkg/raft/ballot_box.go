package raft

// ballotBox tracks one Ballot per entry proposed by the current leader, from
// pendingIndex on. It is owned by the Node and accessed under the node lock.
type ballotBox struct {
    pendingIndex uint64
    ballots      []*Ballot
}

// resetPendingIndex starts tracking at index, discarding any pending ballots.
// A new leader calls it with the index of its first entry of the term so that
// earlier entries only commit along with it.
func (bb *ballotBox) resetPendingIndex(index uint64) {
    bb.pendingIndex = index
    bb.ballots = nil
}

// appendPending opens a ballot for the next proposed index.
func (bb *ballotBox) appendPending(conf ConfigEntry) {
    bb.ballots = append(bb.ballots, NewBallot(conf))
}

// commitAt records that peer holds entries [first, last] durably and returns
// the highest index that became committed, if any. Ballots are resolved only
// in index order.
func (bb *ballotBox) commitAt(first, last uint64, peer PeerID) (uint64, bool) {
    if bb.pendingIndex == 0 || len(bb.ballots) == 0 {
        return 0, false
    }
    if first < bb.pendingIndex {
        first = bb.pendingIndex
    }
    end := bb.pendingIndex + uint64(len(bb.ballots)) - 1
    if last > end {
        last = end
    }
    for i := first; i <= last && first <= last; i++ {
        bb.ballots[i-bb.pendingIndex].Grant(peer)
    }
    n := 0
    for n < len(bb.ballots) && bb.ballots[n].Granted() {
        n++
    }
    if n == 0 {
        return 0, false
    }
    committed := bb.pendingIndex + uint64(n) - 1
    bb.ballots = bb.ballots[n:]
    bb.pendingIndex = committed + 1
    return committed, true
}

// truncate drops ballots for indexes after lastKept.
func (bb *ballotBox) truncate(lastKept uint64) {
    if lastKept < bb.pendingIndex {
        bb.ballots = nil
        return
    }
    if keep := lastKept - bb.pendingIndex + 1; keep < uint64(len(bb.ballots)) {
        bb.ballots = bb.ballots[:keep]
    }
}

func (bb *ballotBox) clear() {
    bb.pendingIndex = 0
    bb.ballots = nil
}

func (bb *ballotBox) pending() int { return len(bb.ballots) }
