package raft

import (
    "errors"
    "io"
    "log"
    "testing"

    hraft "github.com/hashicorp/raft"
)

func dataEntries(from, to, term uint64) []*Entry {
    var out []*Entry
    for i := from; i <= to; i++ {
        out = append(out, &Entry{Index: i, Term: term, Kind: KindData, Data: []byte{byte(i)}})
    }
    return out
}

func TestLogStore_AppendAndRead(t *testing.T) {
    s, err := OpenLogStore(hraft.NewInmemStore())
    if err != nil { t.Fatalf("open: %v", err) }
    if id, _ := s.LastLogID(); id != (LogID{}) { t.Fatalf("empty log must report zero id, got %+v", id) }

    last, err := s.Append(dataEntries(1, 3, 1))
    if err != nil || last != 3 { t.Fatalf("append: %d %v", last, err) }
    if _, err := s.Append(dataEntries(5, 5, 1)); !errors.Is(err, ErrLogGap) {
        t.Fatalf("expected ErrLogGap, got %v", err)
    }
    es, err := s.Entries(2, 3)
    if err != nil || len(es) != 2 || es[0].Index != 2 || es[1].Data[0] != 3 {
        t.Fatalf("entries: %v %v", es, err)
    }
    if !es[0].Verify() { t.Fatalf("stored entries must carry a valid checksum") }
    if _, err := s.TermAt(4); !errors.Is(err, ErrNotFound) { t.Fatalf("expected ErrNotFound, got %v", err) }
    if term, _ := s.TermAt(0); term != 0 { t.Fatalf("term at 0 must be 0") }
    if s.BytesSince() != 3 { t.Fatalf("expected 3 payload bytes, got %d", s.BytesSince()) }
}

func TestLogStore_TruncateSuffixThenAppendNewTerm(t *testing.T) {
    s, _ := OpenLogStore(hraft.NewInmemStore())
    if _, err := s.Append(dataEntries(1, 5, 1)); err != nil { t.Fatalf("append: %v", err) }
    if err := s.TruncateSuffix(3); err != nil { t.Fatalf("truncate: %v", err) }
    if s.LastIndex() != 3 { t.Fatalf("last expected 3, got %d", s.LastIndex()) }
    if _, err := s.Append(dataEntries(4, 4, 2)); err != nil { t.Fatalf("append: %v", err) }
    if term, _ := s.TermAt(4); term != 2 { t.Fatalf("term at 4 expected 2, got %d", term) }
}

func TestLogStore_TruncatePrefixKeepsBoundary(t *testing.T) {
    s, _ := OpenLogStore(hraft.NewInmemStore())
    s.Append(dataEntries(1, 3, 1))
    s.Append(dataEntries(4, 6, 2))
    if err := s.TruncatePrefix(5); err != nil { t.Fatalf("truncate prefix: %v", err) }
    if s.FirstIndex() != 5 { t.Fatalf("first expected 5, got %d", s.FirstIndex()) }
    if term, err := s.TermAt(4); err != nil || term != 2 {
        t.Fatalf("boundary term expected 2, got %d %v", term, err)
    }
    if _, err := s.TermAt(3); !errors.Is(err, ErrCompacted) { t.Fatalf("expected ErrCompacted, got %v", err) }
    if _, err := s.Entry(2); !errors.Is(err, ErrCompacted) { t.Fatalf("expected ErrCompacted, got %v", err) }
    if s.BytesSince() != 0 { t.Fatalf("prefix truncation must reset the byte counter") }

    if err := s.Reset(11, 4); err != nil { t.Fatalf("reset: %v", err) }
    id, _ := s.LastLogID()
    if id != (LogID{Index: 10, Term: 4}) { t.Fatalf("after reset expected boundary 10/4, got %+v", id) }
    if _, err := s.Append(dataEntries(11, 11, 5)); err != nil { t.Fatalf("append after reset: %v", err) }
}

func TestLogStore_BoundarySurvivesReopen(t *testing.T) {
    mem := hraft.NewInmemStore()
    s, _ := OpenLogStore(mem)
    s.Append(dataEntries(1, 4, 1))
    s.Append(dataEntries(5, 10, 2))
    if err := s.TruncatePrefix(6); err != nil { t.Fatalf("truncate prefix: %v", err) }

    s, err := OpenLogStore(mem)
    if err != nil { t.Fatalf("reopen: %v", err) }
    if s.FirstIndex() != 6 || s.LastIndex() != 10 { t.Fatalf("bounds after reopen: [%d,%d]", s.FirstIndex(), s.LastIndex()) }
    if term, err := s.TermAt(5); err != nil || term != 2 { t.Fatalf("boundary term after reopen: %d %v", term, err) }

    // a snapshot that ends inside the log does not move the boundary
    if err := s.SetBoundary(LogID{Index: 8, Term: 2}); err != nil { t.Fatalf("set boundary: %v", err) }
    if term, err := s.TermAt(5); err != nil || term != 2 { t.Fatalf("boundary replaced: %d %v", term, err) }
    if _, err := s.TermAt(4); !errors.Is(err, ErrCompacted) { t.Fatalf("expected ErrCompacted, got %v", err) }
    if e, err := s.Entry(6); err != nil || e.Term != 2 { t.Fatalf("entry 6: %+v %v", e, err) }

    if err := s.Reset(21, 3); err != nil { t.Fatalf("reset: %v", err) }
    s, err = OpenLogStore(mem)
    if err != nil { t.Fatalf("reopen after reset: %v", err) }
    if id, _ := s.LastLogID(); id != (LogID{Index: 20, Term: 3}) { t.Fatalf("boundary after reset and reopen: %+v", id) }
    if _, err := s.Append(dataEntries(21, 21, 3)); err != nil { t.Fatalf("append after reopen: %v", err) }
}

func TestLogStore_DetectsCorruption(t *testing.T) {
    mem := hraft.NewInmemStore()
    s, _ := OpenLogStore(mem)
    s.Append(dataEntries(1, 3, 1))

    var rec hraft.Log
    if err := mem.GetLog(2, &rec); err != nil { t.Fatalf("get: %v", err) }
    rec.Data[0] ^= 0xff
    if _, err := s.Entry(2); !errors.Is(err, ErrCorrupt) { t.Fatalf("expected ErrCorrupt, got %v", err) }
    if !isFatal(ErrCorrupt) { t.Fatalf("corruption must be fatal") }
    if _, err := s.Entry(1); err != nil { t.Fatalf("intact entry: %v", err) }
}

func TestLogStore_ReopenBolt(t *testing.T) {
    dir := t.TempDir()
    st, err := NewBoltStorage(dir, 1, io.Discard)
    if err != nil { t.Fatalf("open bolt: %v", err) }
    s, _ := OpenLogStore(st.Logs)
    if _, err := s.Append(dataEntries(1, 4, 1)); err != nil { t.Fatalf("append: %v", err) }
    s.TruncatePrefix(3)
    meta, err := openMetaStore(st.Stable)
    if err != nil { t.Fatalf("meta: %v", err) }
    voter := MustParsePeerID("127.0.0.1:9000:0")
    if err := meta.set(7, voter); err != nil { t.Fatalf("set meta: %v", err) }
    if err := st.Close(); err != nil { t.Fatalf("close: %v", err) }

    st, err = NewBoltStorage(dir, 1, io.Discard)
    if err != nil { t.Fatalf("reopen bolt: %v", err) }
    defer st.Close()
    s, err = OpenLogStore(st.Logs)
    if err != nil { t.Fatalf("reopen log: %v", err) }
    if s.FirstIndex() != 3 || s.LastIndex() != 4 {
        t.Fatalf("bounds after reopen: [%d,%d]", s.FirstIndex(), s.LastIndex())
    }
    if term, err := s.TermAt(2); err != nil || term != 1 { t.Fatalf("boundary term after reopen: %d %v", term, err) }
    e, err := s.Entry(4)
    if err != nil || e.Data[0] != 4 { t.Fatalf("entry 4: %+v %v", e, err) }
    meta, err = openMetaStore(st.Stable)
    if err != nil || meta.term != 7 || meta.votedFor != voter {
        t.Fatalf("meta after reopen: %d %s %v", meta.term, meta.votedFor, err)
    }
}

func TestOptions_Validate(t *testing.T) {
    o := DefaultOptions()
    if err := o.Validate(); err == nil { t.Fatalf("missing LocalID must fail") }
    o.LocalID = MustParsePeerID("a:1")
    o.InitialConfiguration = mustConf(t, "b:1,c:1")
    if err := o.Validate(); err == nil { t.Fatalf("initial configuration without self must fail") }
    o.InitialConfiguration = mustConf(t, "a:1,b:1")
    o.HeartbeatInterval = o.ElectionTimeout
    if err := o.Validate(); err == nil { t.Fatalf("heartbeat >= election timeout must fail") }
    o.HeartbeatInterval = 0
    o.Logger = log.New(io.Discard, "", 0)
    if err := o.Validate(); err != nil { t.Fatalf("valid options: %v", err) }
}
