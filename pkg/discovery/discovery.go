// Package discovery supplies the seed peers a process starts from: the
// initial configuration of a group it bootstraps, or the members a route
// table asks about an unknown group.
package discovery

import (
    "fmt"
    "sort"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

// Discovery returns seed peer ids ("host:port" or "host:port:idx").
type Discovery interface {
    Seeds() []string
}

// Peers parses the seeds of d. Malformed seeds are skipped and reported
// together in the returned error; the valid ones are still returned.
func Peers(d Discovery) ([]raft.PeerID, error) {
    if d == nil {
        return nil, nil
    }
    var (
        out    []raft.PeerID
        result *multierror.Error
    )
    for _, s := range d.Seeds() {
        p, err := raft.ParsePeerID(s)
        if err != nil {
            result = multierror.Append(result, err)
            continue
        }
        out = append(out, p)
    }
    return out, result.ErrorOrNil()
}

// Configuration turns the seeds of d into a configuration.
func Configuration(d Discovery) (raft.Configuration, error) {
    peers, err := Peers(d)
    if err != nil {
        return raft.Configuration{}, fmt.Errorf("discovery: %w", err)
    }
    return raft.NewConfiguration(peers...), nil
}

type multi []Discovery

// Merge combines several sources; the result is de-duplicated and sorted.
func Merge(ds ...Discovery) Discovery { return multi(ds) }

func (m multi) Seeds() []string {
    set := make(map[string]struct{})
    for _, d := range m {
        if d == nil { continue }
        for _, s := range d.Seeds() {
            set[s] = struct{}{}
        }
    }
    out := make([]string, 0, len(set))
    for s := range set {
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}
