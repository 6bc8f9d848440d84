package objects

import (
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Store is the arena that owns every configured object, indexed by type and
// name. Config loading populates it once; after startup it is read-mostly.
// The store lock guards the indices only; runtime attributes of the objects
// themselves are guarded by the per-object locks, and the lock order is
// always object before store.
type Store struct {
	mu sync.RWMutex

	hosts         map[string]*Host
	services      map[string]*Service
	users         map[string]*User
	groups        map[string]*UserGroup
	notifications map[string]*Notification
	commands      map[string]*Command
	timeperiods   map[string]*Timeperiod
	endpoints     map[string]*Endpoint
	domains       map[string]*Domain
	dependencies  map[string]*Dependency

	events *Events
}

// NewStore returns an empty store with a fresh event bus.
func NewStore() *Store {
	return &Store{
		hosts:         make(map[string]*Host),
		services:      make(map[string]*Service),
		users:         make(map[string]*User),
		groups:        make(map[string]*UserGroup),
		notifications: make(map[string]*Notification),
		commands:      make(map[string]*Command),
		timeperiods:   make(map[string]*Timeperiod),
		endpoints:     make(map[string]*Endpoint),
		domains:       make(map[string]*Domain),
		dependencies:  make(map[string]*Dependency),
		events:        NewEvents(),
	}
}

// Events returns the bus shared by everything wired to this store.
func (s *Store) Events() *Events { return s.events }

// AddHost registers a host. Duplicate names are a config error.
func (s *Store) AddHost(h *Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[h.HostName]; ok {
		return trace.AlreadyExists("host %q already defined", h.HostName)
	}
	s.hosts[h.HostName] = h
	return nil
}

// AddService registers a service under host!name.
func (s *Store) AddService(svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[svc.HostName]; !ok {
		return trace.NotFound("service %q references unknown host %q", svc.ServiceName, svc.HostName)
	}
	key := svc.Name()
	if _, ok := s.services[key]; ok {
		return trace.AlreadyExists("service %q already defined", key)
	}
	s.services[key] = svc
	return nil
}

// GetHost looks a host up by name.
func (s *Store) GetHost(name string) (*Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[name]
	return h, ok
}

// GetService looks a service up by host and service name.
func (s *Store) GetService(hostName, serviceName string) (*Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[hostName+"!"+serviceName]
	return svc, ok
}

// Resolve returns the checkable core for (kind, name), where name is the
// registry key (host, or host!service).
func (s *Store) Resolve(kind, name string) (*Checkable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case TypeHost:
		if h, ok := s.hosts[name]; ok {
			return &h.Checkable, nil
		}
	case TypeService:
		if svc, ok := s.services[name]; ok {
			return &svc.Checkable, nil
		}
	default:
		return nil, trace.BadParameter("%q is not a checkable type", kind)
	}
	return nil, trace.NotFound("%s %q is not registered", kind, name)
}

// Hosts returns all hosts sorted by name.
func (s *Store) Hosts() []*Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostName < out[j].HostName })
	return out
}

// Services returns all services sorted by registry key.
func (s *Store) Services() []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Checkables returns every host and service core, hosts first, sorted.
func (s *Store) Checkables() []*Checkable {
	hosts := s.Hosts()
	services := s.Services()
	out := make([]*Checkable, 0, len(hosts)+len(services))
	for _, h := range hosts {
		out = append(out, &h.Checkable)
	}
	for _, svc := range services {
		out = append(out, &svc.Checkable)
	}
	return out
}

// ServicesOfHost returns the services attached to a host, sorted.
func (s *Store) ServicesOfHost(hostName string) []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Service
	for _, svc := range s.services {
		if svc.HostName == hostName {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// RemoveCheckable deletes a host or service and everything it owns. Removing
// a host removes its services first. Registered notifications pointing at the
// object die with it. Emits OnObjectStopped for each removed object.
func (s *Store) RemoveCheckable(kind, name string) error {
	c, err := s.Resolve(kind, name)
	if err != nil {
		return trace.Wrap(err)
	}
	if kind == TypeHost {
		for _, svc := range s.ServicesOfHost(name) {
			if err := s.RemoveCheckable(TypeService, svc.Name()); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	c.Lock()
	notifNames := append([]string(nil), c.NotificationNames...)
	c.Downtimes = make(map[string]*Downtime)
	c.Comments = make(map[string]*Comment)
	c.Unlock()

	s.mu.Lock()
	for _, nn := range notifNames {
		delete(s.notifications, nn)
	}
	switch kind {
	case TypeHost:
		delete(s.hosts, name)
	case TypeService:
		delete(s.services, name)
	}
	s.mu.Unlock()

	s.events.EmitObjectStopped(kind, name)
	return nil
}

// AddUser registers a user.
func (s *Store) AddUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Name]; ok {
		return trace.AlreadyExists("user %q already defined", u.Name)
	}
	s.users[u.Name] = u
	return nil
}

// GetUser looks a user up by name.
func (s *Store) GetUser(name string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	return u, ok
}

// Users returns all users sorted by name.
func (s *Store) Users() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddUserGroup registers a group.
func (s *Store) AddUserGroup(g *UserGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.Name]; ok {
		return trace.AlreadyExists("user group %q already defined", g.Name)
	}
	s.groups[g.Name] = g
	return nil
}

// GetUserGroup looks a group up by name.
func (s *Store) GetUserGroup(name string) (*UserGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	return g, ok
}

// UserGroups returns all groups sorted by name.
func (s *Store) UserGroups() []*UserGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UserGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddNotification registers a notification and records the weak reference on
// its parent checkable.
func (s *Store) AddNotification(n *Notification) error {
	c, err := s.Resolve(n.Kind, n.ParentName)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	if _, ok := s.notifications[n.Name]; ok {
		s.mu.Unlock()
		return trace.AlreadyExists("notification %q already defined", n.Name)
	}
	s.notifications[n.Name] = n
	s.mu.Unlock()

	c.Lock()
	c.NotificationNames = append(c.NotificationNames, n.Name)
	c.Unlock()
	return nil
}

// GetNotification looks a notification up by name.
func (s *Store) GetNotification(name string) (*Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[name]
	return n, ok
}

// NotificationsFor returns the notification children of a checkable, sorted.
func (s *Store) NotificationsFor(c *Checkable) []*Notification {
	c.Lock()
	names := append([]string(nil), c.NotificationNames...)
	c.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Notification, 0, len(names))
	for _, name := range names {
		if n, ok := s.notifications[name]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Notifications returns all notifications sorted by name.
func (s *Store) Notifications() []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddCommand registers a command.
func (s *Store) AddCommand(cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.Name]; ok {
		return trace.AlreadyExists("command %q already defined", cmd.Name)
	}
	s.commands[cmd.Name] = cmd
	return nil
}

// GetCommand looks a command up by name.
func (s *Store) GetCommand(name string) (*Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[name]
	return cmd, ok
}

// Commands returns all commands sorted by name.
func (s *Store) Commands() []*Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Command, 0, len(s.commands))
	for _, cmd := range s.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddTimeperiod registers a timeperiod.
func (s *Store) AddTimeperiod(tp *Timeperiod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timeperiods[tp.Name]; ok {
		return trace.AlreadyExists("timeperiod %q already defined", tp.Name)
	}
	s.timeperiods[tp.Name] = tp
	return nil
}

// GetTimeperiod looks a timeperiod up by name.
func (s *Store) GetTimeperiod(name string) (*Timeperiod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.timeperiods[name]
	return tp, ok
}

// Timeperiods returns all timeperiods sorted by name.
func (s *Store) Timeperiods() []*Timeperiod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Timeperiod, 0, len(s.timeperiods))
	for _, tp := range s.timeperiods {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InPeriod evaluates the named timeperiod at t. An empty or unknown name
// means no restriction.
func (s *Store) InPeriod(name string, t time.Time) bool {
	if name == "" {
		return true
	}
	tp, ok := s.GetTimeperiod(name)
	if !ok {
		return true
	}
	return tp.Contains(t)
}

// AddEndpoint registers a cluster peer.
func (s *Store) AddEndpoint(e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[e.Name]; ok {
		return trace.AlreadyExists("endpoint %q already defined", e.Name)
	}
	s.endpoints[e.Name] = e
	return nil
}

// GetEndpoint looks an endpoint up by identity.
func (s *Store) GetEndpoint(name string) (*Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[name]
	return e, ok
}

// Endpoints returns all endpoints sorted by identity.
func (s *Store) Endpoints() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddDomain registers a privilege domain.
func (s *Store) AddDomain(d *Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[d.Name]; ok {
		return trace.AlreadyExists("domain %q already defined", d.Name)
	}
	s.domains[d.Name] = d
	return nil
}

// GetDomain looks a domain up by name.
func (s *Store) GetDomain(name string) (*Domain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[name]
	return d, ok
}

// PeerPrivileges computes the privilege mask a peer holds over a checkable:
// the OR over the checkable's domains' ACL entries. No domains means full
// privileges for every peer.
func (s *Store) PeerPrivileges(c *Checkable, peer string) int {
	c.Lock()
	domains := append([]string(nil), c.DomainNames...)
	c.Unlock()
	if len(domains) == 0 {
		return PrivAll
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	mask := 0
	for _, dn := range domains {
		if d, ok := s.domains[dn]; ok {
			mask |= d.ACL[peer]
		}
	}
	return mask
}

// AddDependency registers an edge and records it on the child checkable.
func (s *Store) AddDependency(d *Dependency) error {
	child, err := s.Resolve(d.ChildKind, d.ChildName)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.Resolve(d.ParentKind, d.ParentName); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	if _, ok := s.dependencies[d.Name]; ok {
		s.mu.Unlock()
		return trace.AlreadyExists("dependency %q already defined", d.Name)
	}
	s.dependencies[d.Name] = d
	s.mu.Unlock()

	child.Lock()
	child.DependencyNames = append(child.DependencyNames, d.Name)
	child.Unlock()
	return nil
}

// GetDependency looks a dependency up by name.
func (s *Store) GetDependency(name string) (*Dependency, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dependencies[name]
	return d, ok
}

// DependenciesFor returns the edges gating the given checkable as a child.
func (s *Store) DependenciesFor(c *Checkable) []*Dependency {
	c.Lock()
	names := append([]string(nil), c.DependencyNames...)
	c.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dependency, 0, len(names))
	for _, name := range names {
		if d, ok := s.dependencies[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ExpandUsers materialises the union of explicit users and group members,
// deduplicated by name, sorted.
func (s *Store) ExpandUsers(userNames, groupNames []string) []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]*User)
	for _, name := range userNames {
		if u, ok := s.users[name]; ok {
			seen[name] = u
		}
	}
	for _, gn := range groupNames {
		g, ok := s.groups[gn]
		if !ok {
			continue
		}
		for _, member := range g.Members {
			if u, ok := s.users[member]; ok {
				seen[member] = u
			}
		}
	}
	out := make([]*User, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start emits OnObjectStarted for every checkable. Called once after config
// load, before the scheduler starts.
func (s *Store) Start() {
	for _, c := range s.Checkables() {
		s.events.EmitObjectStarted(c.Kind, c.Name())
	}
}

// Counts returns host/service/user totals for status reporting.
func (s *Store) Counts() (hosts, services, users int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts), len(s.services), len(s.users)
}
