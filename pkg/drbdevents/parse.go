// Package drbdevents parses the line-oriented event grammar produced by
// `drbdsetup events2 --full`: "<verb> <what> [<key>:<value> ...]".
package drbdevents

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
)

// What identifies the object kind a raw event describes.
type What string

const (
	WhatResource   What = "resource"
	WhatDevice     What = "device"
	WhatConnection What = "connection"
	WhatPeerDevice What = "peer-device"
	WhatPath       What = "path"
)

// ResourceEvent is a raw "resource" line.
type ResourceEvent struct {
	Kind            drbdtype.EventKind
	Name            string
	Role            drbdtype.Role
	Suspended       bool
	WriteOrdering   string
	ForceIOFailures bool
	MayPromote      bool
	PromotionScore  int
}

// DeviceEvent is a raw "device" line.
type DeviceEvent struct {
	Kind         drbdtype.EventKind
	Name         string
	Volume       int
	Minor        int
	BackingDev   string
	DiskState    drbdtype.DiskState
	Client       bool
	Quorum       bool
	Size         uint64
	Read         uint64
	Written      uint64
	ALWrites     uint64
	BMWrites     uint64
	UpperPending uint64
	LowerPending uint64
	ALSuspended  bool
	Blocked      string
}

// ConnectionEvent is a raw "connection" line.
type ConnectionEvent struct {
	Kind       drbdtype.EventKind
	Name       string
	PeerNodeID int
	ConnName   string
	Connection drbdtype.ConnectionState
	PeerRole   drbdtype.Role
	Congested  bool
	APInFlight uint64
	RSInFlight uint64
}

// PeerDeviceEvent is a raw "peer-device" line.
type PeerDeviceEvent struct {
	Kind             drbdtype.EventKind
	Name             string
	Volume           int
	PeerNodeID       int
	ConnName         string
	ReplicationState drbdtype.ReplicationState
	PeerDiskState    drbdtype.DiskState
	PeerClient       bool
	ResyncSuspended  bool
	Received         uint64
	Sent             uint64
	OutOfSync        uint64
	Pending          uint64
	Unacked          uint64
}

// PathEvent is a raw "path" line.
type PathEvent struct {
	Kind        drbdtype.EventKind
	Name        string
	PeerNodeID  int
	ConnName    string
	Local       string
	Peer        string
	Established bool
}

// RawEvent is exactly one of Resource/Device/Connection/PeerDevice/Path,
// selected by What.
type RawEvent struct {
	What        What
	Resource    *ResourceEvent
	Device      *DeviceEvent
	Connection  *ConnectionEvent
	PeerDevice  *PeerDeviceEvent
	Path        *PathEvent
}

// ResourceName returns the resource name carried by whichever sub-event is
// populated, for callers that need it without a type switch on What.
func (e RawEvent) ResourceName() string {
	switch e.What {
	case WhatResource:
		return e.Resource.Name
	case WhatDevice:
		return e.Device.Name
	case WhatConnection:
		return e.Connection.Name
	case WhatPeerDevice:
		return e.PeerDevice.Name
	case WhatPath:
		return e.Path.Name
	default:
		return ""
	}
}

// Kind returns the event verb (Exists/Create/Change/Destroy) carried by
// whichever sub-event is populated.
func (e RawEvent) Kind() drbdtype.EventKind {
	switch e.What {
	case WhatResource:
		return e.Resource.Kind
	case WhatDevice:
		return e.Device.Kind
	case WhatConnection:
		return e.Connection.Kind
	case WhatPeerDevice:
		return e.PeerDevice.Kind
	case WhatPath:
		return e.Path.Kind
	default:
		return ""
	}
}

// ErrSentinel is returned by ParseLine for the "exists -" snapshot
// terminator, which callers must drop silently.
var ErrSentinel = fmt.Errorf("sentinel line")

// ParseLine parses one line of events2 output into a RawEvent.
func ParseLine(line string) (RawEvent, error) {
	line = strings.TrimSpace(line)
	if line == "exists -" {
		return RawEvent{}, ErrSentinel
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return RawEvent{}, fmt.Errorf("drbdevents: line too short: %q", line)
	}

	kind, err := parseEventKind(fields[0])
	if err != nil {
		return RawEvent{}, err
	}

	what := What(fields[1])
	kvs, err := parseKVs(fields[2:])
	if err != nil {
		return RawEvent{}, err
	}

	switch what {
	case WhatResource:
		ev, err := parseResource(kind, kvs)
		if err != nil {
			return RawEvent{}, err
		}
		return RawEvent{What: what, Resource: ev}, nil
	case WhatDevice:
		ev, err := parseDevice(kind, kvs)
		if err != nil {
			return RawEvent{}, err
		}
		return RawEvent{What: what, Device: ev}, nil
	case WhatConnection:
		ev, err := parseConnection(kind, kvs)
		if err != nil {
			return RawEvent{}, err
		}
		return RawEvent{What: what, Connection: ev}, nil
	case WhatPeerDevice:
		ev, err := parsePeerDevice(kind, kvs)
		if err != nil {
			return RawEvent{}, err
		}
		return RawEvent{What: what, PeerDevice: ev}, nil
	case WhatPath:
		ev, err := parsePath(kind, kvs)
		if err != nil {
			return RawEvent{}, err
		}
		return RawEvent{What: what, Path: ev}, nil
	default:
		return RawEvent{}, fmt.Errorf("drbdevents: unknown object %q", what)
	}
}

func parseEventKind(verb string) (drbdtype.EventKind, error) {
	switch verb {
	case "exists":
		return drbdtype.EventExists, nil
	case "create":
		return drbdtype.EventCreate, nil
	case "change":
		return drbdtype.EventChange, nil
	case "destroy":
		return drbdtype.EventDestroy, nil
	default:
		return "", fmt.Errorf("drbdevents: unknown verb %q", verb)
	}
}

// parseKVs splits "key:value" tokens, preserving order so later duplicate
// keys win (matching drbdsetup's own output discipline).
func parseKVs(tokens []string) ([][2]string, error) {
	kvs := make([][2]string, 0, len(tokens))
	for _, t := range tokens {
		idx := strings.IndexByte(t, ':')
		if idx < 0 {
			return nil, fmt.Errorf("drbdevents: malformed key:value token %q", t)
		}
		kvs = append(kvs, [2]string{t[:idx], t[idx+1:]})
	}
	return kvs, nil
}

func strToBool(s string) bool {
	return s == "yes" || s == "true"
}

func parseResource(kind drbdtype.EventKind, kvs [][2]string) (*ResourceEvent, error) {
	ev := &ResourceEvent{Kind: kind}
	for _, kv := range kvs {
		k, v := kv[0], kv[1]
		switch k {
		case "name":
			ev.Name = v
		case "role":
			ev.Role = drbdtype.Role(v)
		case "suspended":
			ev.Suspended = strToBool(v)
		case "write-ordering":
			ev.WriteOrdering = v
		case "force-io-failures":
			ev.ForceIOFailures = strToBool(v)
		case "may_promote":
			ev.MayPromote = strToBool(v)
		case "promotion_score":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("drbdevents: resource promotion_score: %w", err)
			}
			ev.PromotionScore = n
		default:
			return nil, fmt.Errorf("drbdevents: resource: unknown keyword %q", k)
		}
	}
	return ev, nil
}

func parseDevice(kind drbdtype.EventKind, kvs [][2]string) (*DeviceEvent, error) {
	ev := &DeviceEvent{Kind: kind}
	for _, kv := range kvs {
		k, v := kv[0], kv[1]
		var err error
		switch k {
		case "name":
			ev.Name = v
		case "volume":
			ev.Volume, err = strconv.Atoi(v)
		case "minor":
			ev.Minor, err = strconv.Atoi(v)
		case "disk":
			ev.DiskState = drbdtype.DiskState(v)
		case "backing_dev":
			ev.BackingDev = v
		case "client":
			ev.Client = strToBool(v)
		case "quorum":
			ev.Quorum = strToBool(v)
		case "size":
			ev.Size, err = strconv.ParseUint(v, 10, 64)
		case "read":
			ev.Read, err = strconv.ParseUint(v, 10, 64)
		case "written":
			ev.Written, err = strconv.ParseUint(v, 10, 64)
		case "al-writes":
			ev.ALWrites, err = strconv.ParseUint(v, 10, 64)
		case "bm-writes":
			ev.BMWrites, err = strconv.ParseUint(v, 10, 64)
		case "upper-pending":
			ev.UpperPending, err = strconv.ParseUint(v, 10, 64)
		case "lower-pending":
			ev.LowerPending, err = strconv.ParseUint(v, 10, 64)
		case "al-suspended":
			ev.ALSuspended = strToBool(v)
		case "blocked":
			ev.Blocked = v
		default:
			return nil, fmt.Errorf("drbdevents: device: unknown keyword %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("drbdevents: device: field %q: %w", k, err)
		}
	}
	return ev, nil
}

func parseConnection(kind drbdtype.EventKind, kvs [][2]string) (*ConnectionEvent, error) {
	ev := &ConnectionEvent{Kind: kind}
	for _, kv := range kvs {
		k, v := kv[0], kv[1]
		var err error
		switch k {
		case "name":
			ev.Name = v
		case "peer-node-id":
			ev.PeerNodeID, err = strconv.Atoi(v)
		case "conn-name":
			ev.ConnName = v
		case "connection":
			ev.Connection = drbdtype.ConnectionState(v)
		case "role":
			ev.PeerRole = drbdtype.Role(v)
		case "congested":
			ev.Congested = strToBool(v)
		case "ap-in-flight":
			ev.APInFlight, err = strconv.ParseUint(v, 10, 64)
		case "rs-in-flight":
			ev.RSInFlight, err = strconv.ParseUint(v, 10, 64)
		default:
			return nil, fmt.Errorf("drbdevents: connection: unknown keyword %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("drbdevents: connection: field %q: %w", k, err)
		}
	}
	return ev, nil
}

func parsePeerDevice(kind drbdtype.EventKind, kvs [][2]string) (*PeerDeviceEvent, error) {
	ev := &PeerDeviceEvent{Kind: kind}
	for _, kv := range kvs {
		k, v := kv[0], kv[1]
		var err error
		switch k {
		case "name":
			ev.Name = v
		case "conn-name":
			ev.ConnName = v
		case "volume":
			ev.Volume, err = strconv.Atoi(v)
		case "peer-node-id":
			ev.PeerNodeID, err = strconv.Atoi(v)
		case "replication":
			ev.ReplicationState = drbdtype.ReplicationState(v)
		case "peer-disk":
			ev.PeerDiskState = drbdtype.DiskState(v)
		case "peer-client":
			ev.PeerClient = strToBool(v)
		case "resync-suspended":
			ev.ResyncSuspended = strToBool(v)
		case "received":
			ev.Received, err = strconv.ParseUint(v, 10, 64)
		case "sent":
			ev.Sent, err = strconv.ParseUint(v, 10, 64)
		case "out-of-sync":
			ev.OutOfSync, err = strconv.ParseUint(v, 10, 64)
		case "pending":
			ev.Pending, err = strconv.ParseUint(v, 10, 64)
		case "unacked":
			ev.Unacked, err = strconv.ParseUint(v, 10, 64)
		case "done", "eta", "dbdt1":
			// resync/verify progress telemetry; intentionally discarded,
			// matching upstream drbd-reactor's events2 parser.
		default:
			return nil, fmt.Errorf("drbdevents: peer-device: unknown keyword %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("drbdevents: peer-device: field %q: %w", k, err)
		}
	}
	return ev, nil
}

func parsePath(kind drbdtype.EventKind, kvs [][2]string) (*PathEvent, error) {
	ev := &PathEvent{Kind: kind}
	for _, kv := range kvs {
		k, v := kv[0], kv[1]
		var err error
		switch k {
		case "name":
			ev.Name = v
		case "peer-node-id":
			ev.PeerNodeID, err = strconv.Atoi(v)
		case "conn-name":
			ev.ConnName = v
		case "local":
			ev.Local = v
		case "peer":
			ev.Peer = v
		case "established":
			ev.Established = strToBool(v)
		default:
			return nil, fmt.Errorf("drbdevents: path: unknown keyword %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("drbdevents: path: field %q: %w", k, err)
		}
	}
	return ev, nil
}
