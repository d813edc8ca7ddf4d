package raft

import (
    "sort"
    "strings"
)

// Configuration is a sorted, de-duplicated set of peers. The zero value is the
// empty configuration. Values are never mutated in place; Add and Remove
// return new configurations.
type Configuration struct {
    peers []PeerID
}

// NewConfiguration builds a configuration from peers, dropping duplicates and
// empty ids.
func NewConfiguration(peers ...PeerID) Configuration {
    out := make([]PeerID, 0, len(peers))
    for _, p := range peers {
        if p.IsEmpty() { continue }
        out = append(out, p)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
    n := 0
    for i, p := range out {
        if i > 0 && p == out[n-1] { continue }
        out[n] = p
        n++
    }
    return Configuration{peers: out[:n]}
}

// ParseConfiguration parses comma-joined peer ids
// ("10.0.0.1:8000:0,10.0.0.2:8000:0"). Blank elements are ignored.
func ParseConfiguration(s string) (Configuration, error) {
    var peers []PeerID
    for _, part := range strings.Split(s, ",") {
        part = strings.TrimSpace(part)
        if part == "" { continue }
        p, err := ParsePeerID(part)
        if err != nil { return Configuration{}, err }
        peers = append(peers, p)
    }
    return NewConfiguration(peers...), nil
}

func (c Configuration) String() string {
    parts := make([]string, len(c.peers))
    for i, p := range c.peers {
        parts[i] = p.String()
    }
    return strings.Join(parts, ",")
}

// Peers returns a copy of the members in sorted order.
func (c Configuration) Peers() []PeerID {
    out := make([]PeerID, len(c.peers))
    copy(out, c.peers)
    return out
}

func (c Configuration) Len() int      { return len(c.peers) }
func (c Configuration) IsEmpty() bool { return len(c.peers) == 0 }

func (c Configuration) Contains(p PeerID) bool {
    i := sort.Search(len(c.peers), func(i int) bool { return !c.peers[i].Less(p) })
    return i < len(c.peers) && c.peers[i] == p
}

func (c Configuration) Add(p PeerID) Configuration {
    if c.Contains(p) { return c }
    return NewConfiguration(append(c.Peers(), p)...)
}

func (c Configuration) Remove(p PeerID) Configuration {
    out := make([]PeerID, 0, len(c.peers))
    for _, q := range c.peers {
        if q != p { out = append(out, q) }
    }
    return Configuration{peers: out}
}

func (c Configuration) Equal(o Configuration) bool {
    if len(c.peers) != len(o.peers) { return false }
    for i := range c.peers {
        if c.peers[i] != o.peers[i] { return false }
    }
    return true
}

// Diff returns the peers present in c but missing from o, and those present in
// o but missing from c.
func (c Configuration) Diff(o Configuration) (added, removed []PeerID) {
    for _, p := range o.peers {
        if !c.Contains(p) { added = append(added, p) }
    }
    for _, p := range c.peers {
        if !o.Contains(p) { removed = append(removed, p) }
    }
    return added, removed
}

// Quorum is the number of members forming a majority.
func (c Configuration) Quorum() int { return len(c.peers)/2 + 1 }

// MarshalText and UnmarshalText use the comma-joined form.
func (c Configuration) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Configuration) UnmarshalText(b []byte) error {
    v, err := ParseConfiguration(string(b))
    if err != nil { return err }
    *c = v
    return nil
}

// ConfigEntry is the configuration in effect from log index Index on. A
// non-empty Old marks a joint configuration {Old, Conf}.
type ConfigEntry struct {
    Index uint64        `json:"index"`
    Term  uint64        `json:"term"`
    Conf  Configuration `json:"conf"`
    Old   Configuration `json:"old,omitempty"`
}

func (e ConfigEntry) IsJoint() bool { return !e.Old.IsEmpty() }
func (e ConfigEntry) IsEmpty() bool { return e.Conf.IsEmpty() && e.Old.IsEmpty() }

// Contains reports membership in either half of a joint configuration.
func (e ConfigEntry) Contains(p PeerID) bool { return e.Conf.Contains(p) || e.Old.Contains(p) }

// Peers lists the union of both halves.
func (e ConfigEntry) Peers() []PeerID {
    if !e.IsJoint() { return e.Conf.Peers() }
    return NewConfiguration(append(e.Conf.Peers(), e.Old.Peers()...)...).Peers()
}

func (e ConfigEntry) String() string {
    if e.IsJoint() {
        return "{" + e.Old.String() + "} -> {" + e.Conf.String() + "}"
    }
    return "{" + e.Conf.String() + "}"
}
