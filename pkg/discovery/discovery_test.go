package discovery

import (
    "testing"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

type fixed []string

func (f fixed) Seeds() []string { return f }

func TestPeersSkipsMalformed(t *testing.T) {
    peers, err := Peers(fixed{"10.0.0.1:8000", "nope", "10.0.0.2:8000:1"})
    if err == nil { t.Fatalf("expected an error for the malformed seed") }
    if len(peers) != 2 || peers[1] != (raft.PeerID{Host: "10.0.0.2", Port: 8000, Idx: 1}) {
        t.Fatalf("unexpected peers %v", peers)
    }
    if _, err := Configuration(fixed{"bad"}); err == nil { t.Fatalf("configuration must fail on malformed seeds") }
}

func TestMergeDedups(t *testing.T) {
    got := Merge(fixed{"b:2", "a:1"}, nil, fixed{"a:1", "c:3"}).Seeds()
    want := []string{"a:1", "b:2", "c:3"}
    if len(got) != len(want) { t.Fatalf("got %v", got) }
    for i := range want {
        if got[i] != want[i] { t.Fatalf("got %v want %v", got, want) }
    }
    conf, err := Configuration(Merge(fixed{"10.0.0.1:1"}, fixed{"10.0.0.1:1:0"}))
    if err != nil || conf.Len() != 1 { t.Fatalf("equivalent ids must collapse: %s %v", conf, err) }
}
