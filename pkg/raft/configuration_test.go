package raft

import (
    "encoding/json"
    "testing"
)

func TestParsePeerID(t *testing.T) {
    cases := []struct {
        in   string
        want PeerID
    }{
        {"127.0.0.1:8000", PeerID{Host: "127.0.0.1", Port: 8000}},
        {"127.0.0.1:8000:2", PeerID{Host: "127.0.0.1", Port: 8000, Idx: 2}},
        {" node-a:9000:0 ", PeerID{Host: "node-a", Port: 9000}},
        {"[::1]:8000:1", PeerID{Host: "::1", Port: 8000, Idx: 1}},
    }
    for _, c := range cases {
        got, err := ParsePeerID(c.in)
        if err != nil { t.Fatalf("parse %q: %v", c.in, err) }
        if got != c.want { t.Fatalf("parse %q: got %+v want %+v", c.in, got, c.want) }
    }
    for _, bad := range []string{"", "host", ":8000", "h:notaport", "h:1:2:3", "h:1:-1", "[::1:8000"} {
        if _, err := ParsePeerID(bad); err == nil {
            t.Fatalf("expected error for %q", bad)
        }
    }
}

func TestPeerID_StringRoundTrip(t *testing.T) {
    p := PeerID{Host: "::1", Port: 7000, Idx: 3}
    if p.String() != "[::1]:7000:3" { t.Fatalf("unexpected string %q", p.String()) }
    q, err := ParsePeerID(p.String())
    if err != nil || q != p { t.Fatalf("round trip: %+v %v", q, err) }
    if (PeerID{}).String() != "" { t.Fatalf("empty peer must print empty") }
}

func TestConfiguration_SetOperations(t *testing.T) {
    a, b, c := MustParsePeerID("a:1"), MustParsePeerID("b:1"), MustParsePeerID("c:1")
    conf := NewConfiguration(c, a, b, a, PeerID{})
    if conf.Len() != 3 { t.Fatalf("expected 3 peers, got %d", conf.Len()) }
    if conf.String() != "a:1:0,b:1:0,c:1:0" { t.Fatalf("unexpected order %q", conf.String()) }
    if conf.Quorum() != 2 { t.Fatalf("quorum of 3 must be 2") }
    if !conf.Contains(b) { t.Fatalf("expected b in conf") }

    d := MustParsePeerID("d:1")
    grown := conf.Add(d)
    if grown.Len() != 4 || conf.Len() != 3 { t.Fatalf("Add must not mutate the receiver") }
    if grown.Quorum() != 3 { t.Fatalf("quorum of 4 must be 3") }
    shrunk := grown.Remove(a)
    if shrunk.Contains(a) || shrunk.Len() != 3 { t.Fatalf("remove failed: %s", shrunk) }

    added, removed := conf.Diff(shrunk)
    if len(added) != 1 || added[0] != d { t.Fatalf("added: %v", added) }
    if len(removed) != 1 || removed[0] != a { t.Fatalf("removed: %v", removed) }

    parsed, err := ParseConfiguration("c:1, a:1,,b:1:0")
    if err != nil { t.Fatalf("parse: %v", err) }
    if !parsed.Equal(conf) { t.Fatalf("parsed %s != %s", parsed, conf) }
}

func TestConfigEntry_JointPeers(t *testing.T) {
    old := mustConf(t, "a:1,b:1,c:1")
    cur := mustConf(t, "b:1,c:1,d:1")
    ce := ConfigEntry{Index: 5, Term: 2, Conf: cur, Old: old}
    if !ce.IsJoint() { t.Fatalf("expected joint") }
    if len(ce.Peers()) != 4 { t.Fatalf("expected union of 4 peers, got %v", ce.Peers()) }
    if !ce.Contains(MustParsePeerID("a:1")) || !ce.Contains(MustParsePeerID("d:1")) {
        t.Fatalf("joint entry must contain both halves")
    }

    raw, err := json.Marshal(confPayload{Conf: ce.Conf, Old: ce.Old})
    if err != nil { t.Fatalf("marshal: %v", err) }
    got, err := decodeConfEntry(&Entry{Index: 5, Term: 2, Kind: KindConfiguration, Data: raw})
    if err != nil { t.Fatalf("decode: %v", err) }
    if !got.Conf.Equal(cur) || !got.Old.Equal(old) || got.Index != 5 { t.Fatalf("decoded %s", got) }
}

func mustConf(t *testing.T, s string) Configuration {
    t.Helper()
    c, err := ParseConfiguration(s)
    if err != nil { t.Fatalf("parse configuration %q: %v", s, err) }
    return c
}
