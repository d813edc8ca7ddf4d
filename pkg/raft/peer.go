package raft

import (
    "fmt"
    "net"
    "strconv"
    "strings"
)

// PeerID identifies one member of a group: an address plus a replica slot so
// that several replicas can share one host:port. Text form: host:port:idx.
type PeerID struct {
    Host string
    Port int
    Idx  int
}

// ParsePeerID parses "host:port" or "host:port:idx". IPv6 hosts must be
// bracketed ("[::1]:8000:0").
func ParsePeerID(s string) (PeerID, error) {
    s = strings.TrimSpace(s)
    if s == "" {
        return PeerID{}, fmt.Errorf("raft: empty peer id")
    }
    var host string
    var parts []string
    if strings.HasPrefix(s, "[") {
        end := strings.Index(s, "]")
        if end < 0 || !strings.HasPrefix(s[end+1:], ":") {
            return PeerID{}, fmt.Errorf("raft: invalid peer id %q", s)
        }
        host = s[1:end]
        parts = strings.Split(s[end+2:], ":")
    } else {
        fields := strings.Split(s, ":")
        host, parts = fields[0], fields[1:]
    }
    if host == "" || len(parts) < 1 || len(parts) > 2 {
        return PeerID{}, fmt.Errorf("raft: invalid peer id %q", s)
    }
    port, err := strconv.Atoi(parts[0])
    if err != nil || port < 0 || port > 65535 {
        return PeerID{}, fmt.Errorf("raft: invalid port in peer id %q", s)
    }
    var idx int
    if len(parts) == 2 {
        idx, err = strconv.Atoi(parts[1])
        if err != nil || idx < 0 {
            return PeerID{}, fmt.Errorf("raft: invalid replica index in peer id %q", s)
        }
    }
    return PeerID{Host: host, Port: port, Idx: idx}, nil
}

// MustParsePeerID is ParsePeerID for literals; it panics on malformed input.
func MustParsePeerID(s string) PeerID {
    p, err := ParsePeerID(s)
    if err != nil { panic(err) }
    return p
}

// Addr returns the network address (host:port) of the peer.
func (p PeerID) Addr() string { return net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) }

func (p PeerID) String() string {
    if p.IsEmpty() {
        return ""
    }
    return p.Addr() + ":" + strconv.Itoa(p.Idx)
}

func (p PeerID) IsEmpty() bool { return p.Host == "" && p.Port == 0 && p.Idx == 0 }

// Less orders peers by host, port and replica slot.
func (p PeerID) Less(o PeerID) bool {
    if p.Host != o.Host { return p.Host < o.Host }
    if p.Port != o.Port { return p.Port < o.Port }
    return p.Idx < o.Idx
}

// MarshalText encodes the peer in its textual form so that it travels as a
// plain string in JSON payloads.
func (p PeerID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PeerID) UnmarshalText(b []byte) error {
    if len(b) == 0 {
        *p = PeerID{}
        return nil
    }
    v, err := ParsePeerID(string(b))
    if err != nil { return err }
    *p = v
    return nil
}
