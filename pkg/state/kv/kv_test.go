package kv

import (
    "bytes"
    "strings"
    "testing"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

func entry(index uint64, data []byte) *raft.Entry {
    return &raft.Entry{Index: index, Term: 1, Kind: raft.KindData, Data: data}
}

func TestStore_SetDeleteSnapshotRestore(t *testing.T) {
    s := New()
    if r := s.Apply(entry(1, Set("a", "1"))).(Result); r.Err != "" || r.Found {
        t.Fatalf("set a: %+v", r)
    }
    s.Apply(entry(2, Set("b", "2")))
    r := s.Apply(entry(3, Set("a", "3"))).(Result)
    if !r.Found || r.Prev != "1" { t.Fatalf("expected previous value 1, got %+v", r) }

    var snap bytes.Buffer
    if err := s.SaveSnapshot(&snap); err != nil { t.Fatalf("snapshot: %v", err) }

    if r := s.Apply(entry(4, Delete("a"))).(Result); !r.Found { t.Fatalf("delete a: %+v", r) }
    if _, ok := s.Get("a"); ok { t.Fatalf("a still present after delete") }

    s2 := New()
    if err := s2.LoadSnapshot(bytes.NewReader(snap.Bytes())); err != nil { t.Fatalf("restore: %v", err) }
    if v, _ := s2.Get("a"); v != "3" || s2.Len() != 2 || s2.Applied() != 3 {
        t.Fatalf("unexpected restored state a=%q len=%d applied=%d", v, s2.Len(), s2.Applied())
    }
    var again bytes.Buffer
    if err := s2.SaveSnapshot(&again); err != nil { t.Fatalf("snapshot2: %v", err) }
    if again.String() != snap.String() {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", again.String(), snap.String())
    }
}

func TestStore_RejectsBadCommands(t *testing.T) {
    s := New()
    cases := [][]byte{
        []byte("not json"),
        encode(Command{Op: OpSet}),
        encode(Command{Op: "incr", Key: "x"}),
    }
    for _, c := range cases {
        if r := s.Apply(entry(1, c)).(Result); r.Err == "" { t.Fatalf("expected an error for %s", c) }
    }
    if s.Len() != 0 { t.Fatalf("rejected commands changed state") }
}

func TestStore_LoadSnapshotVersion(t *testing.T) {
    err := New().LoadSnapshot(strings.NewReader(`{"version":9,"pairs":[]}`))
    if err == nil || !strings.Contains(err.Error(), "version") { t.Fatalf("expected version error, got %v", err) }
}
