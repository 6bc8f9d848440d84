package config

import (
	"path"
	"sort"

	"github.com/oceanplexian/vigil/internal/objects"

	"github.com/gravitational/trace"
)

// Match selects checkables or users for an apply rule: a glob over the
// object name plus equality constraints over custom variables. An empty
// match selects everything.
type Match struct {
	Name string            `yaml:"name"`
	Vars map[string]string `yaml:"vars"`
}

// Matches evaluates the selector against an object name and its vars.
func (m *Match) Matches(name string, vars map[string]string) (bool, error) {
	if m.Name != "" {
		ok, err := path.Match(m.Name, name)
		if err != nil {
			return false, trace.BadParameter("bad match pattern %q", m.Name)
		}
		if !ok {
			return false, nil
		}
	}
	for k, want := range m.Vars {
		if vars[k] != want {
			return false, nil
		}
	}
	return true, nil
}

// ApplyDecl holds the document's apply rules. Each rule synthesises
// named objects on every matching target; an explicit declaration with
// the same name wins over the rule.
type ApplyDecl struct {
	Services      map[string]*ServiceApply      `yaml:"services"`
	Notifications map[string]*NotificationApply `yaml:"notifications"`
	UserGroups    map[string]*GroupApply        `yaml:"user_groups"`
}

// ServiceApply stamps a service onto every matching host.
type ServiceApply struct {
	ServiceDecl `yaml:",inline"`

	Hosts Match `yaml:"hosts"`
}

// NotificationApply stamps a notification onto every matching host
// and/or service. At least one target selector is required.
type NotificationApply struct {
	NotificationDecl `yaml:",inline"`

	Hosts    *Match `yaml:"hosts"`
	Services *Match `yaml:"services"`
}

// GroupApply adds every matching user to a group, creating the group
// when no declaration exists.
type GroupApply struct {
	Users Match `yaml:"users"`
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func applyServices(st *objects.Store, rules map[string]*ServiceApply) error {
	for _, key := range sortedKeys(rules) {
		rule := rules[key]
		for _, hst := range st.Hosts() {
			ok, err := rule.Hosts.Matches(hst.HostName, hst.Vars)
			if err != nil {
				return trace.Wrap(err, "apply service %q", key)
			}
			if !ok {
				continue
			}
			if _, found := st.GetService(hst.HostName, key); found {
				log.Debugf("Apply service %q: %s!%s declared explicitly, rule skipped.", key, hst.HostName, key)
				continue
			}
			svc := buildService(hst.HostName, key, &rule.ServiceDecl)
			if err := st.AddService(svc); err != nil {
				return trace.Wrap(err, "apply service %q", key)
			}
			if err := addNotificationDecls(st, &svc.Checkable, rule.Notifications); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

func applyNotifications(st *objects.Store, rules map[string]*NotificationApply) error {
	for _, key := range sortedKeys(rules) {
		rule := rules[key]
		if rule.Hosts == nil && rule.Services == nil {
			return trace.BadParameter("apply notification %q needs a hosts or services selector", key)
		}
		if rule.Hosts != nil {
			for _, hst := range st.Hosts() {
				if err := applyNotificationTo(st, &hst.Checkable, key, rule, rule.Hosts); err != nil {
					return trace.Wrap(err)
				}
			}
		}
		if rule.Services != nil {
			for _, svc := range st.Services() {
				if err := applyNotificationTo(st, &svc.Checkable, key, rule, rule.Services); err != nil {
					return trace.Wrap(err)
				}
			}
		}
	}
	return nil
}

func applyNotificationTo(st *objects.Store, c *objects.Checkable, key string, rule *NotificationApply, m *Match) error {
	ok, err := m.Matches(c.Name(), c.Vars)
	if err != nil {
		return trace.Wrap(err, "apply notification %q", key)
	}
	if !ok {
		return nil
	}
	name := c.Name() + "!" + key
	if _, found := st.GetNotification(name); found {
		log.Debugf("Apply notification %q: %s declared explicitly, rule skipped.", key, name)
		return nil
	}
	n, err := buildNotification(name, c.Kind, c.Name(), &rule.NotificationDecl)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(st.AddNotification(n))
}

func applyUserGroups(st *objects.Store, rules map[string]*GroupApply) error {
	for _, key := range sortedKeys(rules) {
		rule := rules[key]
		group, found := st.GetUserGroup(key)
		if !found {
			group = buildUserGroup(key, &UserGroupDecl{})
			if err := st.AddUserGroup(group); err != nil {
				return trace.Wrap(err, "apply user group %q", key)
			}
		}
		for _, u := range st.Users() {
			ok, err := rule.Users.Matches(u.Name, u.Vars)
			if err != nil {
				return trace.Wrap(err, "apply user group %q", key)
			}
			if ok {
				group.Members = append(group.Members, u.Name)
			}
		}
	}
	return nil
}

// addNotificationDecls registers the notifications nested on a host or
// service declaration. Names are qualified by the parent so the same
// rule key can recur across checkables.
func addNotificationDecls(st *objects.Store, c *objects.Checkable, decls map[string]*NotificationDecl) error {
	for _, key := range sortedKeys(decls) {
		n, err := buildNotification(c.Name()+"!"+key, c.Kind, c.Name(), decls[key])
		if err != nil {
			return trace.Wrap(err)
		}
		if err := st.AddNotification(n); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
