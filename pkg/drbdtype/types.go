// Package drbdtype holds the in-memory data model for DRBD resources as
// observed through the kernel tool's event stream: Resource, Device,
// Connection, PeerDevice and Path, plus the enriched ChangeUpdate values
// the reconciler hands to plugins.
package drbdtype

// Role is a resource's or peer's replication role.
type Role string

const (
	RoleUnknown   Role = "Unknown"
	RolePrimary   Role = "Primary"
	RoleSecondary Role = "Secondary"
)

// DiskState is the local or peer disk state of a device/peer-device.
type DiskState string

const (
	DiskDiskless     DiskState = "Diskless"
	DiskAttaching    DiskState = "Attaching"
	DiskDetaching    DiskState = "Detaching"
	DiskFailed       DiskState = "Failed"
	DiskNegotiating  DiskState = "Negotiating"
	DiskInconsistent DiskState = "Inconsistent"
	DiskOutdated     DiskState = "Outdated"
	DiskUnknown      DiskState = "DUnknown"
	DiskConsistent   DiskState = "Consistent"
	DiskUpToDate     DiskState = "UpToDate"
)

// ConnectionState is the state of the replication link to one peer.
type ConnectionState string

const (
	ConnStandAlone      ConnectionState = "StandAlone"
	ConnDisconnecting   ConnectionState = "Disconnecting"
	ConnUnconnected     ConnectionState = "Unconnected"
	ConnTimeout         ConnectionState = "Timeout"
	ConnBrokenPipe      ConnectionState = "BrokenPipe"
	ConnNetworkFailure  ConnectionState = "NetworkFailure"
	ConnProtocolError   ConnectionState = "ProtocolError"
	ConnTearDown        ConnectionState = "TearDown"
	ConnConnecting      ConnectionState = "Connecting"
	ConnConnected       ConnectionState = "Connected"
)

// ReplicationState is the per-volume resync/replication state towards a peer.
type ReplicationState string

const (
	ReplOff               ReplicationState = "Off"
	ReplEstablished       ReplicationState = "Established"
	ReplStartingSyncS     ReplicationState = "StartingSyncS"
	ReplStartingSyncT     ReplicationState = "StartingSyncT"
	ReplWFBitMapS         ReplicationState = "WFBitMapS"
	ReplWFBitMapT         ReplicationState = "WFBitMapT"
	ReplWFSyncUUID        ReplicationState = "WFSyncUUID"
	ReplSyncSource        ReplicationState = "SyncSource"
	ReplSyncTarget        ReplicationState = "SyncTarget"
	ReplVerifyS           ReplicationState = "VerifyS"
	ReplVerifyT           ReplicationState = "VerifyT"
	ReplPausedSyncS       ReplicationState = "PausedSyncS"
	ReplPausedSyncT       ReplicationState = "PausedSyncT"
	ReplAhead             ReplicationState = "Ahead"
	ReplBehind            ReplicationState = "Behind"
)

// Device is one locally replicated volume of a Resource.
type Device struct {
	Volume        int
	Minor         int
	BackingDev    string // path, or "none" for a diskless device
	DiskState     DiskState
	Client        bool
	Quorum        bool
	ALSuspended   bool
	Size          uint64
	Read          uint64
	Written       uint64
	ALWrites      uint64
	BMWrites      uint64
	UpperPending  uint64
	LowerPending  uint64
	Blocked       string
}

// Path is one local<->peer network endpoint pair of a Connection.
type Path struct {
	Local       string
	Peer        string
	Established bool
}

// PeerDevice is a (Connection, Volume) pair: the remote view of one volume.
type PeerDevice struct {
	Volume           int
	PeerNodeID       int
	ReplicationState ReplicationState
	PeerDiskState    DiskState
	PeerClient       bool
	ResyncSuspended  bool
	Received         uint64
	Sent             uint64
	OutOfSync        uint64
	Pending          uint64
	Unacked          uint64
}

// Connection is the local side's view of the replication link to one peer.
type Connection struct {
	PeerNodeID   int
	ConnName     string
	Connection   ConnectionState
	PeerRole     Role
	Congested    bool
	APInFlight   uint64
	RSInFlight   uint64
	PeerDevices  []PeerDevice
	Paths        []Path
}

// Resource is a named replicated block-storage entity on the local node.
type Resource struct {
	Name             string
	Role             Role
	Suspended        bool
	MayPromote       bool
	ForceIOFailures  bool
	PromotionScore   int
	WriteOrdering    string
	Devices          []Device
	Connections      []Connection
}

// Clone returns a deep copy of the resource, safe to hand to a plugin.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Devices = append([]Device(nil), r.Devices...)
	cp.Connections = make([]Connection, len(r.Connections))
	for i, c := range r.Connections {
		cc := c
		cc.PeerDevices = append([]PeerDevice(nil), c.PeerDevices...)
		cc.Paths = append([]Path(nil), c.Paths...)
		cp.Connections[i] = cc
	}
	return &cp
}

// DeviceByVolume returns a pointer to the device with the given volume, if any.
func (r *Resource) DeviceByVolume(volume int) *Device {
	for i := range r.Devices {
		if r.Devices[i].Volume == volume {
			return &r.Devices[i]
		}
	}
	return nil
}

// ConnectionByPeer returns a pointer to the connection with the given peer
// node id, if any.
func (r *Resource) ConnectionByPeer(peerNodeID int) *Connection {
	for i := range r.Connections {
		if r.Connections[i].PeerNodeID == peerNodeID {
			return &r.Connections[i]
		}
	}
	return nil
}

// PeerDeviceByVolume returns a pointer to the peer-device with the given
// volume within this connection, if any.
func (c *Connection) PeerDeviceByVolume(volume int) *PeerDevice {
	for i := range c.PeerDevices {
		if c.PeerDevices[i].Volume == volume {
			return &c.PeerDevices[i]
		}
	}
	return nil
}

// PathByEndpoints returns a pointer to the path with the given (local, peer)
// endpoint pair within this connection, if any.
func (c *Connection) PathByEndpoints(local, peer string) *Path {
	for i := range c.Paths {
		if c.Paths[i].Local == local && c.Paths[i].Peer == peer {
			return &c.Paths[i]
		}
	}
	return nil
}
