// Package model owns the single in-memory map of DRBD resources built from
// the reader's event stream, and turns each incoming raw event into an
// enriched change update for the reconciler to dispatch to plugins.
package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LINBIT/drbd-reactor/pkg/drbdevents"
	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
)

// Model is the single owner of resource state. It is not safe to share the
// *drbdtype.Resource values it returns across goroutines without Clone.
type Model struct {
	mu        sync.Mutex
	resources map[string]*drbdtype.Resource
}

// New returns an empty model.
func New() *Model {
	return &Model{resources: make(map[string]*drbdtype.Resource)}
}

// Resource returns a deep copy of the named resource, or nil if unknown.
func (m *Model) Resource(name string) *drbdtype.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[name].Clone()
}

// Resources returns deep copies of every known resource, ordered by name.
func (m *Model) Resources() []*drbdtype.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*drbdtype.Resource, 0, len(names))
	for _, name := range names {
		out = append(out, m.resources[name].Clone())
	}
	return out
}

// getOrCreateResource returns the named resource, lazily creating an empty
// one on first mention. Every Apply* function routes through this — a
// device, connection, peer-device, or path event can be the very first
// thing the reader ever sees for a resource, and spec.md's lifecycle rule
// ("resources are created lazily on first mention") applies to all of them,
// not just resource events.
func (m *Model) getOrCreateResource(name string) *drbdtype.Resource {
	r, ok := m.resources[name]
	if !ok {
		r = &drbdtype.Resource{Name: name}
		m.resources[name] = r
	}
	return r
}

func projectResource(r *drbdtype.Resource) drbdtype.ResourceProjection {
	return drbdtype.ResourceProjection{
		Role:           r.Role,
		MayPromote:     r.MayPromote,
		PromotionScore: r.PromotionScore,
	}
}

func projectDevice(d *drbdtype.Device) drbdtype.DeviceProjection {
	return drbdtype.DeviceProjection{
		DiskState: d.DiskState,
		Client:    d.Client,
		Quorum:    d.Quorum,
		Size:      d.Size,
	}
}

func projectConnection(c *drbdtype.Connection) drbdtype.ConnectionProjection {
	return drbdtype.ConnectionProjection{
		ConnName:        c.ConnName,
		ConnectionState: c.Connection,
		PeerRole:        c.PeerRole,
		Congested:       c.Congested,
	}
}

func projectPeerDevice(pd *drbdtype.PeerDevice) drbdtype.PeerDeviceProjection {
	return drbdtype.PeerDeviceProjection{
		ReplicationState: pd.ReplicationState,
		PeerDiskState:    pd.PeerDiskState,
		PeerClient:       pd.PeerClient,
		ResyncSuspended:  pd.ResyncSuspended,
	}
}

func projectPath(p *drbdtype.Path) drbdtype.PathProjection {
	return drbdtype.PathProjection{Established: p.Established}
}

// ApplyResource merges a resource-level event into the model. On Create it
// inserts a new, mostly-empty Resource (devices/connections arrive as their
// own events); on Destroy it removes the resource entirely.
//
// The old projection is always read before any mutation (zero-valued if the
// resource is new), new is computed from the incoming event; if the two are
// equal and the event is not Destroy, the update is suppressed: ApplyResource
// returns (nil, nil) and the caller must not dispatch anything.
func (m *Model) ApplyResource(ev *drbdevents.ResourceEvent) (*drbdtype.ChangeUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old drbdtype.ResourceProjection
	r, exists := m.resources[ev.Name]
	if exists {
		old = projectResource(r)
	}

	if ev.Kind == drbdtype.EventDestroy {
		if !exists {
			return nil, fmt.Errorf("model: destroy of unknown resource %q", ev.Name)
		}
		delete(m.resources, ev.Name)
		return &drbdtype.ChangeUpdate{
			Variant:      drbdtype.VariantResource,
			EventKind:    ev.Kind,
			ResourceName: ev.Name,
			OldResource:  old,
			NewResource:  old,
			Resource:     r.Clone(),
		}, nil
	}

	if !exists {
		r = &drbdtype.Resource{Name: ev.Name}
		m.resources[ev.Name] = r
	}

	r.Role = ev.Role
	r.Suspended = ev.Suspended
	r.WriteOrdering = ev.WriteOrdering
	r.ForceIOFailures = ev.ForceIOFailures
	r.MayPromote = ev.MayPromote
	r.PromotionScore = ev.PromotionScore

	newProj := projectResource(r)
	if old == newProj {
		return nil, nil
	}

	return &drbdtype.ChangeUpdate{
		Variant:      drbdtype.VariantResource,
		EventKind:    ev.Kind,
		ResourceName: ev.Name,
		OldResource:  old,
		NewResource:  newProj,
		Resource:     r.Clone(),
	}, nil
}

// ApplyDevice merges a device-level event into the resource named by ev.Name,
// lazily creating that resource if this is the first event mentioning it.
func (m *Model) ApplyDevice(ev *drbdevents.DeviceEvent) (*drbdtype.ChangeUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreateResource(ev.Name)

	var old drbdtype.DeviceProjection
	d := r.DeviceByVolume(ev.Volume)
	if d != nil {
		old = projectDevice(d)
	}

	if ev.Kind == drbdtype.EventDestroy {
		if d == nil {
			return nil, fmt.Errorf("model: destroy of unknown device %s/%d", ev.Name, ev.Volume)
		}
		removeDevice(r, ev.Volume)
		return &drbdtype.ChangeUpdate{
			Variant:      drbdtype.VariantDevice,
			EventKind:    ev.Kind,
			ResourceName: ev.Name,
			Volume:       ev.Volume,
			OldDevice:    old,
			NewDevice:    old,
			Resource:     r.Clone(),
		}, nil
	}

	wasNew := d == nil
	if wasNew {
		r.Devices = append(r.Devices, drbdtype.Device{Volume: ev.Volume})
		d = &r.Devices[len(r.Devices)-1]
	}

	d.Minor = ev.Minor
	d.BackingDev = ev.BackingDev
	d.DiskState = ev.DiskState
	d.Client = ev.Client
	d.Quorum = ev.Quorum
	d.Size = ev.Size
	d.Read = ev.Read
	d.Written = ev.Written
	d.ALWrites = ev.ALWrites
	d.BMWrites = ev.BMWrites
	d.UpperPending = ev.UpperPending
	d.LowerPending = ev.LowerPending
	d.ALSuspended = ev.ALSuspended
	d.Blocked = ev.Blocked

	newProj := projectDevice(d)
	if old == newProj {
		return nil, nil
	}

	return &drbdtype.ChangeUpdate{
		Variant:      drbdtype.VariantDevice,
		EventKind:    ev.Kind,
		ResourceName: ev.Name,
		Volume:       ev.Volume,
		OldDevice:    old,
		NewDevice:    newProj,
		Resource:     r.Clone(),
	}, nil
}

func removeDevice(r *drbdtype.Resource, volume int) {
	for i := range r.Devices {
		if r.Devices[i].Volume == volume {
			r.Devices = append(r.Devices[:i], r.Devices[i+1:]...)
			return
		}
	}
}

// ApplyConnection merges a connection-level event, preserving any
// already-known peer-devices/paths under that connection (invariant: a
// connection update must never discard its children).
func (m *Model) ApplyConnection(ev *drbdevents.ConnectionEvent) (*drbdtype.ChangeUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreateResource(ev.Name)

	var old drbdtype.ConnectionProjection
	c := r.ConnectionByPeer(ev.PeerNodeID)
	if c != nil {
		old = projectConnection(c)
	}

	if ev.Kind == drbdtype.EventDestroy {
		if c == nil {
			return nil, fmt.Errorf("model: destroy of unknown connection %s/%d", ev.Name, ev.PeerNodeID)
		}
		removeConnection(r, ev.PeerNodeID)
		return &drbdtype.ChangeUpdate{
			Variant:       drbdtype.VariantConnection,
			EventKind:     ev.Kind,
			ResourceName:  ev.Name,
			PeerNodeID:    ev.PeerNodeID,
			OldConnection: old,
			NewConnection: old,
			Resource:      r.Clone(),
		}, nil
	}

	wasNew := c == nil
	if wasNew {
		r.Connections = append(r.Connections, drbdtype.Connection{PeerNodeID: ev.PeerNodeID})
		c = &r.Connections[len(r.Connections)-1]
	}

	c.ConnName = ev.ConnName
	c.Connection = ev.Connection
	c.PeerRole = ev.PeerRole
	c.Congested = ev.Congested
	c.APInFlight = ev.APInFlight
	c.RSInFlight = ev.RSInFlight

	newProj := projectConnection(c)
	if old == newProj {
		return nil, nil
	}

	return &drbdtype.ChangeUpdate{
		Variant:       drbdtype.VariantConnection,
		EventKind:     ev.Kind,
		ResourceName:  ev.Name,
		PeerNodeID:    ev.PeerNodeID,
		OldConnection: old,
		NewConnection: newProj,
		Resource:      r.Clone(),
	}, nil
}

func removeConnection(r *drbdtype.Resource, peerNodeID int) {
	for i := range r.Connections {
		if r.Connections[i].PeerNodeID == peerNodeID {
			r.Connections = append(r.Connections[:i], r.Connections[i+1:]...)
			return
		}
	}
}

// ApplyPeerDevice merges a peer-device event under the connection named by
// ev.PeerNodeID/ev.ConnName.
func (m *Model) ApplyPeerDevice(ev *drbdevents.PeerDeviceEvent) (*drbdtype.ChangeUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreateResource(ev.Name)

	c := r.ConnectionByPeer(ev.PeerNodeID)
	if c == nil {
		if ev.Kind == drbdtype.EventDestroy {
			return nil, fmt.Errorf("model: peer-device for unknown connection %s/%d", ev.Name, ev.PeerNodeID)
		}
		// A peer-device can arrive before its parent connection; the
		// kernel tool doesn't guarantee ordering across object types.
		r.Connections = append(r.Connections, drbdtype.Connection{PeerNodeID: ev.PeerNodeID})
		c = &r.Connections[len(r.Connections)-1]
	}

	var old drbdtype.PeerDeviceProjection
	pd := c.PeerDeviceByVolume(ev.Volume)
	if pd != nil {
		old = projectPeerDevice(pd)
	}

	if ev.Kind == drbdtype.EventDestroy {
		if pd == nil {
			return nil, fmt.Errorf("model: destroy of unknown peer-device %s/%d/%d", ev.Name, ev.PeerNodeID, ev.Volume)
		}
		removePeerDevice(c, ev.Volume)
		return &drbdtype.ChangeUpdate{
			Variant:       drbdtype.VariantPeerDevice,
			EventKind:     ev.Kind,
			ResourceName:  ev.Name,
			Volume:        ev.Volume,
			PeerNodeID:    ev.PeerNodeID,
			OldPeerDevice: old,
			NewPeerDevice: old,
			Resource:      r.Clone(),
		}, nil
	}

	if pd == nil {
		c.PeerDevices = append(c.PeerDevices, drbdtype.PeerDevice{Volume: ev.Volume, PeerNodeID: ev.PeerNodeID})
		pd = &c.PeerDevices[len(c.PeerDevices)-1]
	}

	pd.ReplicationState = ev.ReplicationState
	pd.PeerDiskState = ev.PeerDiskState
	pd.PeerClient = ev.PeerClient
	pd.ResyncSuspended = ev.ResyncSuspended
	pd.Received = ev.Received
	pd.Sent = ev.Sent
	pd.OutOfSync = ev.OutOfSync
	pd.Pending = ev.Pending
	pd.Unacked = ev.Unacked

	newProj := projectPeerDevice(pd)
	if old == newProj {
		return nil, nil
	}

	return &drbdtype.ChangeUpdate{
		Variant:       drbdtype.VariantPeerDevice,
		EventKind:     ev.Kind,
		ResourceName:  ev.Name,
		Volume:        ev.Volume,
		PeerNodeID:    ev.PeerNodeID,
		OldPeerDevice: old,
		NewPeerDevice: newProj,
		Resource:      r.Clone(),
	}, nil
}

func removePeerDevice(c *drbdtype.Connection, volume int) {
	for i := range c.PeerDevices {
		if c.PeerDevices[i].Volume == volume {
			c.PeerDevices = append(c.PeerDevices[:i], c.PeerDevices[i+1:]...)
			return
		}
	}
}

// ApplyPath merges a path event under the connection named by ev.PeerNodeID.
// Paths never drive plugin policy, so ApplyPath returns (nil, nil) on every
// successful mutation; it only returns a non-nil error on genuine failure.
func (m *Model) ApplyPath(ev *drbdevents.PathEvent) (*drbdtype.ChangeUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreateResource(ev.Name)

	c := r.ConnectionByPeer(ev.PeerNodeID)
	if c == nil {
		if ev.Kind == drbdtype.EventDestroy {
			return nil, fmt.Errorf("model: path for unknown connection %s/%d", ev.Name, ev.PeerNodeID)
		}
		// A path can arrive before its parent connection.
		r.Connections = append(r.Connections, drbdtype.Connection{PeerNodeID: ev.PeerNodeID})
		c = &r.Connections[len(r.Connections)-1]
	}

	p := c.PathByEndpoints(ev.Local, ev.Peer)

	if ev.Kind == drbdtype.EventDestroy {
		if p == nil {
			return nil, fmt.Errorf("model: destroy of unknown path %s/%d %s<->%s", ev.Name, ev.PeerNodeID, ev.Local, ev.Peer)
		}
		removePath(c, ev.Local, ev.Peer)
		return nil, nil
	}

	if p == nil {
		c.Paths = append(c.Paths, drbdtype.Path{Local: ev.Local, Peer: ev.Peer})
		p = &c.Paths[len(c.Paths)-1]
	}
	p.Established = ev.Established

	return nil, nil
}

func removePath(c *drbdtype.Connection, local, peer string) {
	for i := range c.Paths {
		if c.Paths[i].Local == local && c.Paths[i].Peer == peer {
			c.Paths = append(c.Paths[:i], c.Paths[i+1:]...)
			return
		}
	}
}

// SnapshotUpdates replays the current model as the ordered sequence of
// granular events a plugin would have seen had it been watching from the
// start: a ResourceExists, one DeviceExists per device, then per connection
// a ConnectionExists followed by its PathExists and PeerDeviceExists events,
// closing with a ResourceChange carrying the resource's current role/score.
// Resources are visited in name order so replay is deterministic.
func (m *Model) SnapshotUpdates() []*drbdtype.ChangeUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*drbdtype.ChangeUpdate
	for _, name := range names {
		r := m.resources[name]
		clone := r.Clone()

		out = append(out, &drbdtype.ChangeUpdate{
			Variant:      drbdtype.VariantResource,
			EventKind:    drbdtype.EventExists,
			ResourceName: name,
			Resource:     clone,
		})

		for i := range r.Devices {
			d := &r.Devices[i]
			out = append(out, &drbdtype.ChangeUpdate{
				Variant:      drbdtype.VariantDevice,
				EventKind:    drbdtype.EventExists,
				ResourceName: name,
				Volume:       d.Volume,
				NewDevice:    projectDevice(d),
				Resource:     clone,
			})
		}

		for i := range r.Connections {
			c := &r.Connections[i]
			out = append(out, &drbdtype.ChangeUpdate{
				Variant:       drbdtype.VariantConnection,
				EventKind:     drbdtype.EventExists,
				ResourceName:  name,
				PeerNodeID:    c.PeerNodeID,
				NewConnection: projectConnection(c),
				Resource:      clone,
			})

			for j := range c.Paths {
				p := &c.Paths[j]
				out = append(out, &drbdtype.ChangeUpdate{
					Variant:      drbdtype.VariantPath,
					EventKind:    drbdtype.EventExists,
					ResourceName: name,
					PeerNodeID:   c.PeerNodeID,
					NewPath:      projectPath(p),
					Resource:     clone,
				})
			}

			for j := range c.PeerDevices {
				pd := &c.PeerDevices[j]
				out = append(out, &drbdtype.ChangeUpdate{
					Variant:       drbdtype.VariantPeerDevice,
					EventKind:     drbdtype.EventExists,
					ResourceName:  name,
					Volume:        pd.Volume,
					PeerNodeID:    c.PeerNodeID,
					NewPeerDevice: projectPeerDevice(pd),
					Resource:      clone,
				})
			}
		}

		out = append(out, &drbdtype.ChangeUpdate{
			Variant:      drbdtype.VariantResource,
			EventKind:    drbdtype.EventChange,
			ResourceName: name,
			NewResource:  projectResource(r),
			Resource:     clone,
		})
	}
	return out
}

// Reset discards all resource state. Used by a Flush directive, which stops
// every plugin and starts the model over from nothing.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = make(map[string]*drbdtype.Resource)
}
