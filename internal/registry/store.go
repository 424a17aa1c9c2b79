package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tickplane/tickplane/internal/fault"
	"github.com/tickplane/tickplane/internal/identity"
)

// DefaultLeaseTTL is the lease duration granted when a registration does not
// carry one.
const DefaultLeaseTTL = 20 * time.Second

// bucket holds all instances of a single service name.
type bucket struct {
	instances *xsync.Map[string, Instance]
}

func newBucket() *bucket {
	return &bucket{instances: xsync.NewMap[string, Instance]()}
}

// Store is the registry: serviceName → (instanceId → Instance) plus the token
// side table. All mutations go through per-service-name critical sections so
// the (instance, token) pair always moves atomically from any observer's
// perspective. Empty buckets are dropped when their last instance is removed.
type Store struct {
	services *xsync.Map[string, *bucket]
	tokens   *identity.TokenTable
	catalog  *Catalog
	cursors  *xsync.Map[string, *atomic.Uint64]

	defaultTTL time.Duration

	// now is injectable for lease tests.
	now func() time.Time
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Catalog    *Catalog
	DefaultTTL time.Duration
	Now        func() time.Time
}

// NewStore creates an empty registry store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog(nil)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultLeaseTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		services:   xsync.NewMap[string, *bucket](),
		tokens:     identity.NewTokenTable(),
		catalog:    cfg.Catalog,
		cursors:    xsync.NewMap[string, *atomic.Uint64](),
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
	}
}

// Tokens exposes the token side table.
func (s *Store) Tokens() *identity.TokenTable {
	return s.tokens
}

// Now returns the store's current time (injectable in tests).
func (s *Store) Now() time.Time {
	return s.now()
}

// DefaultTTL returns the lease duration granted to registrations without one.
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Register inserts or merges an instance and issues a fresh token. For an
// existing (serviceName, instanceId) pair the supplied fields are merged over
// the record, lastHeartbeat resets to now, and the token rotates. Timestamps
// are always server-assigned.
func (s *Store) Register(in Instance) (Instance, string, error) {
	if !s.catalog.Allows(in.ServiceName) {
		return Instance{}, "", fault.BadRequest("service name %q is not in the catalog", in.ServiceName)
	}
	if err := ValidateIP(in.IP); err != nil {
		return Instance{}, "", fault.BadRequest("%v", err)
	}
	if err := ValidatePort(in.Port); err != nil {
		return Instance{}, "", fault.BadRequest("%v", err)
	}
	if in.Protocol == "" {
		in.Protocol = ProtocolMTLS
	}
	if !in.Protocol.IsValid() {
		return Instance{}, "", fault.BadRequest("unknown protocol %q", in.Protocol)
	}
	if in.InstanceID == "" {
		in.InstanceID = identity.GenerateInstanceID(in.ServiceName, in.IP, in.Port)
	} else if _, err := identity.ParseInstanceID(in.InstanceID); err != nil {
		return Instance{}, "", fault.BadRequest("%v", err)
	}
	if in.TTL <= 0 {
		in.TTL = s.defaultTTL
	}

	nowNs := s.now().UnixNano()
	var (
		effective Instance
		token     string
	)
	s.services.Compute(in.ServiceName, func(b *bucket, loaded bool) (*bucket, xsync.ComputeOp) {
		if !loaded {
			b = newBucket()
		}
		b.instances.Compute(in.InstanceID, func(old Instance, exists bool) (Instance, xsync.ComputeOp) {
			if exists {
				effective = mergeInstance(old, in, nowNs)
			} else {
				effective = in
				effective.Metadata = cloneMetadata(in.Metadata)
				effective.RegisteredAtNs = nowNs
				effective.LastHeartbeatNs = nowNs
			}
			return effective, xsync.UpdateOp
		})
		// Token issuance rides inside the same critical section so no
		// observer ever sees an instance without exactly one token entry.
		token = s.tokens.Issue(in.InstanceID)
		if loaded {
			return b, xsync.CancelOp
		}
		return b, xsync.UpdateOp
	})
	return effective.snapshot(), token, nil
}

// mergeInstance lays the supplied fields over the existing record and resets
// the heartbeat. Registration time survives re-registration.
func mergeInstance(old, in Instance, nowNs int64) Instance {
	merged := old
	merged.IP = in.IP
	merged.Port = in.Port
	merged.Protocol = in.Protocol
	if in.Env != "" {
		merged.Env = in.Env
	}
	if in.Role != "" {
		merged.Role = in.Role
	}
	if len(in.Metadata) > 0 {
		meta := cloneMetadata(merged.Metadata)
		if meta == nil {
			meta = make(map[string]string, len(in.Metadata))
		}
		for k, v := range in.Metadata {
			meta[k] = v
		}
		merged.Metadata = meta
	}
	if in.TTL > 0 {
		merged.TTL = in.TTL
	}
	merged.LastHeartbeatNs = nowNs
	return merged
}

// Heartbeat refreshes the lease for a known (serviceName, instanceId) pair
// and returns the effective ttl.
func (s *Store) Heartbeat(serviceName, instanceID string) (time.Duration, error) {
	b, ok := s.services.Load(serviceName)
	if !ok {
		return 0, fault.NotFound("service %q has no registered instances", serviceName)
	}
	nowNs := s.now().UnixNano()
	var ttl time.Duration
	found := false
	b.instances.Compute(instanceID, func(old Instance, exists bool) (Instance, xsync.ComputeOp) {
		if !exists {
			return old, xsync.CancelOp
		}
		old.LastHeartbeatNs = nowNs
		ttl = old.TTL
		found = true
		return old, xsync.UpdateOp
	})
	if !found {
		return 0, fault.NotFound("instance %q is not registered under %q", instanceID, serviceName)
	}
	return ttl, nil
}

// RotateToken atomically replaces the stored token for the instance. The
// previous value ceases to be valid before the new one is returned.
func (s *Store) RotateToken(instanceID string) (string, error) {
	token, ok := s.tokens.Rotate(instanceID)
	if !ok {
		return "", fault.NotFound("instance %q has no token entry", instanceID)
	}
	return token, nil
}

// Resolve returns all live instances under a name. Instances found expired
// are evicted during resolution. Unknown names raise NotFound; known names
// whose instances have all expired raise Gone.
func (s *Store) Resolve(serviceName string) ([]Instance, error) {
	b, ok := s.services.Load(serviceName)
	if !ok {
		return nil, fault.NotFound("unknown service %q", serviceName)
	}
	now := s.now()

	var live []Instance
	var expired []string
	b.instances.Range(func(id string, inst Instance) bool {
		if inst.Expired(now) {
			expired = append(expired, id)
			return true
		}
		live = append(live, inst.snapshot())
		return true
	})
	for _, id := range expired {
		s.evictIfExpired(serviceName, id, now)
	}
	if len(live) == 0 {
		return nil, fault.Gone("service %q has no live instances", serviceName)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].InstanceID < live[j].InstanceID })
	return live, nil
}

// ResolveFilter narrows ResolveOne candidates. Empty fields match anything;
// Version matches metadata["version"] exactly.
type ResolveFilter struct {
	Role    string
	Env     string
	Version string
}

func (f ResolveFilter) matches(inst Instance) bool {
	if f.Role != "" && inst.Role != f.Role {
		return false
	}
	if f.Env != "" && inst.Env != f.Env {
		return false
	}
	if f.Version != "" && inst.Metadata["version"] != f.Version {
		return false
	}
	return true
}

// ResolveOne returns one live instance matching the filter, selected
// round-robin per serviceName: a monotonically advancing cursor modulo the
// current candidate count.
func (s *Store) ResolveOne(serviceName string, filter ResolveFilter) (Instance, error) {
	live, err := s.Resolve(serviceName)
	if err != nil {
		return Instance{}, err
	}
	candidates := live[:0:0]
	for _, inst := range live {
		if filter.matches(inst) {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return Instance{}, fault.Gone("service %q has no live instances matching the filter", serviceName)
	}
	cursor, _ := s.cursors.LoadOrStore(serviceName, new(atomic.Uint64))
	idx := int((cursor.Add(1) - 1) % uint64(len(candidates)))
	return candidates[idx], nil
}

// Query returns, for each requested name, the instances whose metadata
// matches every filter key exactly. With no names given, all catalog buckets
// currently present are queried. onlyAlive skips expired instances without
// evicting them.
func (s *Store) Query(names []string, metadata map[string]string, onlyAlive bool) map[string][]Instance {
	if len(names) == 0 {
		s.services.Range(func(name string, _ *bucket) bool {
			names = append(names, name)
			return true
		})
		sort.Strings(names)
	}
	now := s.now()
	out := make(map[string][]Instance, len(names))
	for _, name := range names {
		b, ok := s.services.Load(name)
		if !ok {
			continue
		}
		matched := []Instance{}
		b.instances.Range(func(_ string, inst Instance) bool {
			if onlyAlive && inst.Expired(now) {
				return true
			}
			for k, v := range metadata {
				if inst.Metadata[k] != v {
					return true
				}
			}
			matched = append(matched, inst.snapshot())
			return true
		})
		sort.Slice(matched, func(i, j int) bool { return matched[i].InstanceID < matched[j].InstanceID })
		out[name] = matched
	}
	return out
}

// Get returns a single instance by identity.
func (s *Store) Get(serviceName, instanceID string) (Instance, bool) {
	b, ok := s.services.Load(serviceName)
	if !ok {
		return Instance{}, false
	}
	inst, ok := b.instances.Load(instanceID)
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// List snapshots the whole registry. Names with no instances never appear;
// empty buckets are dropped on removal.
func (s *Store) List() map[string][]Instance {
	out := make(map[string][]Instance)
	s.services.Range(func(name string, b *bucket) bool {
		var insts []Instance
		b.instances.Range(func(_ string, inst Instance) bool {
			insts = append(insts, inst.snapshot())
			return true
		})
		if len(insts) > 0 {
			sort.Slice(insts, func(i, j int) bool { return insts[i].InstanceID < insts[j].InstanceID })
			out[name] = insts
		}
		return true
	})
	return out
}

// Remove deletes an instance and its token. The bucket is dropped when its
// last instance goes.
func (s *Store) Remove(serviceName, instanceID string) bool {
	removed := false
	s.services.Compute(serviceName, func(b *bucket, loaded bool) (*bucket, xsync.ComputeOp) {
		if !loaded {
			return b, xsync.CancelOp
		}
		if _, ok := b.instances.LoadAndDelete(instanceID); ok {
			s.tokens.Drop(instanceID)
			removed = true
		}
		if b.instances.Size() == 0 {
			return b, xsync.DeleteOp
		}
		return b, xsync.CancelOp
	})
	return removed
}

// evictIfExpired removes an instance only if it is still expired at the
// moment of removal, so a concurrent heartbeat wins over the eviction.
func (s *Store) evictIfExpired(serviceName, instanceID string, now time.Time) bool {
	evicted := false
	s.services.Compute(serviceName, func(b *bucket, loaded bool) (*bucket, xsync.ComputeOp) {
		if !loaded {
			return b, xsync.CancelOp
		}
		b.instances.Compute(instanceID, func(inst Instance, exists bool) (Instance, xsync.ComputeOp) {
			if !exists {
				return inst, xsync.CancelOp
			}
			// Double-check expiry inside the critical section.
			if !inst.Expired(now) {
				return inst, xsync.CancelOp
			}
			s.tokens.Drop(instanceID)
			evicted = true
			return inst, xsync.DeleteOp
		})
		if b.instances.Size() == 0 {
			return b, xsync.DeleteOp
		}
		return b, xsync.CancelOp
	})
	return evicted
}

// instanceRef identifies a sweep candidate.
type instanceRef struct {
	serviceName string
	instanceID  string
}

// expiredCandidates snapshots the identities of all currently expired
// instances. The cleaner calls this without holding anything, then issues
// evictions one by one.
func (s *Store) expiredCandidates(now time.Time) []instanceRef {
	var refs []instanceRef
	s.services.Range(func(name string, b *bucket) bool {
		b.instances.Range(func(id string, inst Instance) bool {
			if inst.Expired(now) {
				refs = append(refs, instanceRef{serviceName: name, instanceID: id})
			}
			return true
		})
		return true
	})
	return refs
}
