package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/oceanplexian/vigil/internal/objects"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// File is one YAML configuration document. The daemon section and the
// include list may appear only in the root file; object declarations
// and apply rules may appear anywhere.
type File struct {
	Daemon  *Daemon  `yaml:"daemon"`
	Include []string `yaml:"include"`

	Commands     map[string]*CommandDecl    `yaml:"commands"`
	Timeperiods  map[string]*TimeperiodDecl `yaml:"timeperiods"`
	Users        map[string]*UserDecl       `yaml:"users"`
	UserGroups   map[string]*UserGroupDecl  `yaml:"user_groups"`
	Hosts        map[string]*HostDecl       `yaml:"hosts"`
	Dependencies map[string]*DependencyDecl `yaml:"dependencies"`
	Endpoints    map[string]*EndpointDecl   `yaml:"endpoints"`
	Domains      map[string]*DomainDecl     `yaml:"domains"`
	Apply        *ApplyDecl                 `yaml:"apply"`
}

// Config is the loaded and validated configuration: daemon settings
// plus the populated object registry.
type Config struct {
	Daemon *Daemon
	Store  *objects.Store

	// Files are the root file and its includes. These replicate to
	// peers that accept config.
	Files []string
	// PushedFiles arrived from peers. They load like any other file
	// but are never replicated onward.
	PushedFiles []string
}

type document struct {
	path string
	file *File
}

// Load reads the root file, its includes, and any config pushed by
// cluster peers, then builds and validates the object registry. Any
// error is fatal: the daemon never starts on a partial configuration.
func Load(path string) (*Config, error) {
	root, err := readDocument(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if root.Daemon == nil {
		return nil, trace.BadParameter("config %q: missing daemon section", path)
	}
	daemon := root.Daemon
	if err := daemon.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	cfg := &Config{Daemon: daemon, Files: []string{path}}
	docs := []document{{path: path, file: root}}

	baseDir := filepath.Dir(path)
	for _, pattern := range root.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, trace.BadParameter("config %q: bad include pattern %q", path, pattern)
		}
		sort.Strings(matches)
		for _, match := range matches {
			doc, err := readIncluded(match)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			cfg.Files = append(cfg.Files, match)
			docs = append(docs, document{path: match, file: doc})
		}
	}

	pushed, err := filepath.Glob(filepath.Join(daemon.ClusterConfigDir(), "*", "*.conf"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Strings(pushed)
	for _, match := range pushed {
		doc, err := readIncluded(match)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cfg.PushedFiles = append(cfg.PushedFiles, match)
		docs = append(docs, document{path: match, file: doc})
	}

	ld := &loader{store: objects.NewStore(), excludes: make(map[string][]string)}
	if err := ld.build(docs); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ld.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Store = ld.store
	hosts, services, users := ld.store.Counts()
	log.Infof("Loaded %d files: %d hosts, %d services, %d users.",
		len(cfg.Files)+len(cfg.PushedFiles), hosts, services, users)
	return cfg, nil
}

func readDocument(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, trace.BadParameter("config %q: %v", path, err)
	}
	return &f, nil
}

func readIncluded(path string) (*File, error) {
	doc, err := readDocument(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if doc.Daemon != nil {
		return nil, trace.BadParameter("config %q: daemon section belongs in the root file", path)
	}
	if len(doc.Include) > 0 {
		return nil, trace.BadParameter("config %q: includes do not nest", path)
	}
	return doc, nil
}

// loader accumulates registration state the store does not enumerate
// itself, for the validation pass.
type loader struct {
	store    *objects.Store
	domains  []*objects.Domain
	deps     []*objects.Dependency
	excludes map[string][]string
}

func (ld *loader) build(docs []document) error {
	// Leaf objects first so later passes resolve references in any
	// file order.
	for _, doc := range docs {
		if err := ld.registerLeaves(doc.file); err != nil {
			return trace.Wrap(err, "config %q", doc.path)
		}
	}
	for _, doc := range docs {
		if err := ld.registerCheckables(doc.file); err != nil {
			return trace.Wrap(err, "config %q", doc.path)
		}
	}
	for _, doc := range docs {
		if doc.file.Apply == nil {
			continue
		}
		if err := applyServices(ld.store, doc.file.Apply.Services); err != nil {
			return trace.Wrap(err, "config %q", doc.path)
		}
	}
	for _, doc := range docs {
		if doc.file.Apply == nil {
			continue
		}
		if err := applyNotifications(ld.store, doc.file.Apply.Notifications); err != nil {
			return trace.Wrap(err, "config %q", doc.path)
		}
	}
	for _, doc := range docs {
		if doc.file.Apply == nil {
			continue
		}
		if err := applyUserGroups(ld.store, doc.file.Apply.UserGroups); err != nil {
			return trace.Wrap(err, "config %q", doc.path)
		}
	}
	for _, doc := range docs {
		if err := ld.registerDependencies(doc.file); err != nil {
			return trace.Wrap(err, "config %q", doc.path)
		}
	}
	return nil
}

func (ld *loader) registerLeaves(f *File) error {
	for _, name := range sortedKeys(f.Timeperiods) {
		tp, err := buildTimeperiod(name, f.Timeperiods[name])
		if err != nil {
			return trace.Wrap(err)
		}
		if err := ld.store.AddTimeperiod(tp); err != nil {
			return trace.Wrap(err)
		}
		if exclude := f.Timeperiods[name].Exclude; len(exclude) > 0 {
			ld.excludes[name] = exclude
		}
	}
	for _, name := range sortedKeys(f.Commands) {
		cmd, err := buildCommand(name, f.Commands[name])
		if err != nil {
			return trace.Wrap(err)
		}
		if err := ld.store.AddCommand(cmd); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, name := range sortedKeys(f.Users) {
		u, err := buildUser(name, f.Users[name])
		if err != nil {
			return trace.Wrap(err)
		}
		if err := ld.store.AddUser(u); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, name := range sortedKeys(f.UserGroups) {
		if err := ld.store.AddUserGroup(buildUserGroup(name, f.UserGroups[name])); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, name := range sortedKeys(f.Endpoints) {
		if err := ld.store.AddEndpoint(buildEndpoint(name, f.Endpoints[name])); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, name := range sortedKeys(f.Domains) {
		dom, err := buildDomain(name, f.Domains[name])
		if err != nil {
			return trace.Wrap(err)
		}
		if err := ld.store.AddDomain(dom); err != nil {
			return trace.Wrap(err)
		}
		ld.domains = append(ld.domains, dom)
	}
	return nil
}

func (ld *loader) registerCheckables(f *File) error {
	for _, name := range sortedKeys(f.Hosts) {
		decl := f.Hosts[name]
		h := buildHost(name, decl)
		if err := ld.store.AddHost(h); err != nil {
			return trace.Wrap(err)
		}
		if err := addNotificationDecls(ld.store, &h.Checkable, decl.Notifications); err != nil {
			return trace.Wrap(err)
		}
		for _, svcName := range sortedKeys(decl.Services) {
			svcDecl := decl.Services[svcName]
			svc := buildService(name, svcName, svcDecl)
			if err := ld.store.AddService(svc); err != nil {
				return trace.Wrap(err)
			}
			if err := addNotificationDecls(ld.store, &svc.Checkable, svcDecl.Notifications); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

func (ld *loader) registerDependencies(f *File) error {
	for _, name := range sortedKeys(f.Dependencies) {
		dep, err := buildDependency(name, f.Dependencies[name])
		if err != nil {
			return trace.Wrap(err)
		}
		if err := ld.store.AddDependency(dep); err != nil {
			return trace.Wrap(err, "dependency %q", name)
		}
		ld.deps = append(ld.deps, dep)
	}
	return nil
}

// validate cross-checks every reference after all passes registered
// their objects. Errors accumulate so one run reports them all.
func (ld *loader) validate() error {
	st := ld.store
	var errs []error
	report := func(err error) { errs = append(errs, err) }

	for name, excludes := range ld.excludes {
		tp, _ := st.GetTimeperiod(name)
		for _, exName := range excludes {
			ex, ok := st.GetTimeperiod(exName)
			if !ok {
				report(trace.NotFound("timeperiod %q excludes unknown timeperiod %q", name, exName))
				continue
			}
			tp.Exclusions = append(tp.Exclusions, ex)
		}
	}

	for _, c := range st.Checkables() {
		if c.ActiveChecksEnabled && c.CheckCommandName == "" {
			report(trace.BadParameter("%s %q has active checks enabled but no check_command; passive-only objects must set enable_active_checks: false", c.Kind, c.Name()))
		}
		if c.CheckCommandName != "" {
			if _, ok := st.GetCommand(c.CheckCommandName); !ok {
				report(trace.NotFound("%s %q references unknown check_command %q", c.Kind, c.Name(), c.CheckCommandName))
			}
		}
		if c.EventHandlerName != "" {
			if _, ok := st.GetCommand(c.EventHandlerName); !ok {
				report(trace.NotFound("%s %q references unknown event_handler %q", c.Kind, c.Name(), c.EventHandlerName))
			}
		}
		if c.CheckPeriodName != "" {
			if _, ok := st.GetTimeperiod(c.CheckPeriodName); !ok {
				report(trace.NotFound("%s %q references unknown check_period %q", c.Kind, c.Name(), c.CheckPeriodName))
			}
		}
		if c.FlapThreshold < 0 || c.FlapThreshold > 100 {
			report(trace.BadParameter("%s %q flap_threshold %v outside 0..100", c.Kind, c.Name(), c.FlapThreshold))
		}
		for _, authority := range c.Authorities {
			if _, ok := st.GetEndpoint(authority); !ok {
				report(trace.NotFound("%s %q references unknown authority endpoint %q", c.Kind, c.Name(), authority))
			}
		}
		for _, domain := range c.DomainNames {
			if _, ok := st.GetDomain(domain); !ok {
				report(trace.NotFound("%s %q references unknown domain %q", c.Kind, c.Name(), domain))
			}
		}
	}

	for _, n := range st.Notifications() {
		if n.CommandName == "" {
			report(trace.BadParameter("notification %q needs a command", n.Name))
		} else if _, ok := st.GetCommand(n.CommandName); !ok {
			report(trace.NotFound("notification %q references unknown command %q", n.Name, n.CommandName))
		}
		for _, user := range n.UserNames {
			if _, ok := st.GetUser(user); !ok {
				report(trace.NotFound("notification %q references unknown user %q", n.Name, user))
			}
		}
		for _, group := range n.GroupNames {
			if _, ok := st.GetUserGroup(group); !ok {
				report(trace.NotFound("notification %q references unknown user group %q", n.Name, group))
			}
		}
		if n.PeriodName != "" {
			if _, ok := st.GetTimeperiod(n.PeriodName); !ok {
				report(trace.NotFound("notification %q references unknown period %q", n.Name, n.PeriodName))
			}
		}
		if n.TimesBegin > 0 && n.TimesEnd > 0 && n.TimesEnd < n.TimesBegin {
			report(trace.BadParameter("notification %q escalation window ends before it begins", n.Name))
		}
	}

	for _, u := range st.Users() {
		if u.PeriodName != "" {
			if _, ok := st.GetTimeperiod(u.PeriodName); !ok {
				report(trace.NotFound("user %q references unknown period %q", u.Name, u.PeriodName))
			}
		}
	}

	errs = append(errs, ld.mergeGroupMembers()...)

	for _, dom := range ld.domains {
		for endpoint := range dom.ACL {
			if _, ok := st.GetEndpoint(endpoint); !ok {
				report(trace.NotFound("domain %q grants privileges to unknown endpoint %q", dom.Name, endpoint))
			}
		}
	}

	for _, dep := range ld.deps {
		if dep.PeriodName != "" {
			if _, ok := st.GetTimeperiod(dep.PeriodName); !ok {
				report(trace.NotFound("dependency %q references unknown period %q", dep.Name, dep.PeriodName))
			}
		}
	}

	return trace.NewAggregate(errs...)
}

// mergeGroupMembers folds user-side group memberships into the groups
// and leaves each member list deduplicated and sorted.
func (ld *loader) mergeGroupMembers() []error {
	st := ld.store
	var errs []error
	for _, u := range st.Users() {
		for _, groupName := range u.GroupNames {
			group, ok := st.GetUserGroup(groupName)
			if !ok {
				errs = append(errs, trace.NotFound("user %q belongs to unknown group %q", u.Name, groupName))
				continue
			}
			group.Members = append(group.Members, u.Name)
		}
	}
	for _, group := range st.UserGroups() {
		seen := make(map[string]struct{}, len(group.Members))
		members := group.Members[:0]
		for _, member := range group.Members {
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			if _, ok := st.GetUser(member); !ok {
				errs = append(errs, trace.NotFound("user group %q lists unknown member %q", group.Name, member))
				continue
			}
			members = append(members, member)
		}
		sort.Strings(members)
		group.Members = members
	}
	return errs
}
