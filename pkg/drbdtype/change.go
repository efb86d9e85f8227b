package drbdtype

// EventKind is the verb carried by the kernel tool's event stream.
type EventKind string

const (
	EventExists  EventKind = "Exists"
	EventCreate  EventKind = "Create"
	EventChange  EventKind = "Change"
	EventDestroy EventKind = "Destroy"
)

// ResourceProjection is the slice of Resource fields that drive promoter
// policy; it is what old/new are compared and carried as in a ResourceChange.
type ResourceProjection struct {
	Role           Role
	MayPromote     bool
	PromotionScore int
}

// DeviceProjection is the slice of Device fields that drive promoter policy.
type DeviceProjection struct {
	DiskState DiskState
	Client    bool
	Quorum    bool
	Size      uint64
}

// ConnectionProjection is the slice of Connection fields that drive promoter policy.
type ConnectionProjection struct {
	ConnName        string
	ConnectionState ConnectionState
	PeerRole        Role
	Congested       bool
}

// PeerDeviceProjection is the slice of PeerDevice fields that drive promoter policy.
type PeerDeviceProjection struct {
	ReplicationState ReplicationState
	PeerDiskState    DiskState
	PeerClient       bool
	ResyncSuspended  bool
}

// PathProjection is the slice of Path fields carried in a path change
// update. No plugin policy is driven by it.
type PathProjection struct {
	Established bool
}

// UpdateVariant tags which kind of change update this is.
type UpdateVariant int

const (
	VariantResource UpdateVariant = iota
	VariantDevice
	VariantPeerDevice
	VariantConnection
	VariantPath
	VariantSnapshot
)

// ChangeUpdate is the enriched diff record the reconciler emits to plugins.
// Exactly one of the Old*/New* projection pairs is populated, selected by
// Variant; Resource is always a full deep copy of the enclosing resource at
// the moment of the event.
type ChangeUpdate struct {
	Variant      UpdateVariant
	EventKind    EventKind
	ResourceName string

	// sub-keys, populated depending on Variant
	Volume     int
	PeerNodeID int

	OldResource ResourceProjection
	NewResource ResourceProjection

	OldDevice DeviceProjection
	NewDevice DeviceProjection

	OldConnection ConnectionProjection
	NewConnection ConnectionProjection

	OldPeerDevice PeerDeviceProjection
	NewPeerDevice PeerDeviceProjection

	OldPath PathProjection
	NewPath PathProjection

	// Resource is a full deep copy of the owning resource at event time.
	// For VariantSnapshot it is the only meaningful payload.
	Resource *Resource
}
