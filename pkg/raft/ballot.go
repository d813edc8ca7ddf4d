package raft

// Ballot collects acknowledgements for one decision (a vote or an entry) and
// evaluates them against a configuration: a majority of Conf and, when the
// configuration is joint, a majority of Old as well.
type Ballot struct {
    conf    ConfigEntry
    granted map[PeerID]struct{}
    needNew int
    needOld int
}

func NewBallot(conf ConfigEntry) *Ballot {
    b := &Ballot{conf: conf, granted: make(map[PeerID]struct{})}
    b.needNew = conf.Conf.Quorum()
    if conf.IsJoint() {
        b.needOld = conf.Old.Quorum()
    }
    return b
}

// Grant records p. Duplicate grants and peers outside the configuration are
// ignored.
func (b *Ballot) Grant(p PeerID) {
    if _, ok := b.granted[p]; ok {
        return
    }
    if !b.conf.Contains(p) {
        return
    }
    b.granted[p] = struct{}{}
    if b.conf.Conf.Contains(p) { b.needNew-- }
    if b.conf.IsJoint() && b.conf.Old.Contains(p) { b.needOld-- }
}

// Granted reports whether the collected grants form a quorum. A ballot over an
// empty configuration is never granted.
func (b *Ballot) Granted() bool {
    if b.conf.IsEmpty() {
        return false
    }
    return b.needNew <= 0 && b.needOld <= 0
}

func (b *Ballot) Conf() ConfigEntry { return b.conf }
