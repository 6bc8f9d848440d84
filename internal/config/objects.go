package config

import (
	"strings"
	"time"

	"github.com/oceanplexian/vigil/internal/objects"

	"github.com/gravitational/trace"
)

// CheckableDecl carries the attributes hosts and services share. Absent
// values keep the object defaults; the enable switches are pointers so
// "unset" and "false" stay distinct.
type CheckableDecl struct {
	DisplayName      string   `yaml:"display_name"`
	CheckCommand     string   `yaml:"check_command"`
	MaxCheckAttempts int      `yaml:"max_check_attempts"`
	CheckInterval    Duration `yaml:"check_interval"`
	RetryInterval    Duration `yaml:"retry_interval"`
	CheckPeriod      string   `yaml:"check_period"`
	CheckTimeout     Duration `yaml:"check_timeout"`
	EventHandler     string   `yaml:"event_handler"`

	EnableActiveChecks  *bool `yaml:"enable_active_checks"`
	EnablePassiveChecks *bool `yaml:"enable_passive_checks"`
	EnableNotifications *bool `yaml:"enable_notifications"`
	EnableFlapDetection *bool `yaml:"enable_flap_detection"`
	EnableEventHandler  *bool `yaml:"enable_event_handler"`
	EnablePerfdata      *bool `yaml:"enable_perfdata"`

	FlapThreshold *float64          `yaml:"flap_threshold"`
	Domains       []string          `yaml:"domains"`
	Authorities   []string          `yaml:"authorities"`
	Vars          map[string]string `yaml:"vars"`

	Notifications map[string]*NotificationDecl `yaml:"notifications"`
}

// HostDecl declares one host, keyed by name in the document.
type HostDecl struct {
	CheckableDecl `yaml:",inline"`

	Address  string   `yaml:"address"`
	Address6 string   `yaml:"address6"`
	Groups   []string `yaml:"groups"`
	NotesURL string   `yaml:"notes_url"`

	Services map[string]*ServiceDecl `yaml:"services"`
}

// ServiceDecl declares one service of a host.
type ServiceDecl struct {
	CheckableDecl `yaml:",inline"`

	Groups   []string `yaml:"groups"`
	NotesURL string   `yaml:"notes_url"`
}

// CommandDecl declares a check, notification, or event handler command.
// Exactly one of line and argv must be given.
type CommandDecl struct {
	Line    string            `yaml:"line"`
	Argv    []string          `yaml:"argv"`
	Env     map[string]string `yaml:"env"`
	Timeout Duration          `yaml:"timeout"`
}

// TimeperiodDecl declares a calendar. Range keys are weekday names;
// exceptions use the date directive grammar and override the weekday
// grid; excluded periods override everything.
type TimeperiodDecl struct {
	DisplayName string            `yaml:"display_name"`
	Ranges      map[string]string `yaml:"ranges"`
	Exceptions  []string          `yaml:"exceptions"`
	Exclude     []string          `yaml:"exclude"`
}

// UserDecl declares a notification recipient.
type UserDecl struct {
	DisplayName         string            `yaml:"display_name"`
	Period              string            `yaml:"period"`
	States              []string          `yaml:"states"`
	Types               []string          `yaml:"types"`
	EnableNotifications *bool             `yaml:"enable_notifications"`
	Email               string            `yaml:"email"`
	Pager               string            `yaml:"pager"`
	Vars                map[string]string `yaml:"vars"`
	Groups              []string          `yaml:"groups"`
}

// UserGroupDecl declares a user group. Members listed here merge with
// users naming the group and with apply-rule assignments.
type UserGroupDecl struct {
	DisplayName string   `yaml:"display_name"`
	Members     []string `yaml:"members"`
}

// NotificationDecl declares a notification rule of its enclosing
// checkable.
type NotificationDecl struct {
	Command    string   `yaml:"command"`
	Users      []string `yaml:"users"`
	UserGroups []string `yaml:"user_groups"`
	Period     string   `yaml:"period"`
	States     []string `yaml:"states"`
	Types      []string `yaml:"types"`
	Interval   Duration `yaml:"interval"`
	TimesBegin Duration `yaml:"times_begin"`
	TimesEnd   Duration `yaml:"times_end"`
}

// DependencyDecl declares a child→parent edge. Names containing "!"
// refer to services, plain names to hosts.
type DependencyDecl struct {
	Child                string   `yaml:"child"`
	Parent               string   `yaml:"parent"`
	States               []string `yaml:"states"`
	Period               string   `yaml:"period"`
	DisableChecks        bool     `yaml:"disable_checks"`
	DisableNotifications bool     `yaml:"disable_notifications"`
}

// EndpointDecl declares a cluster peer.
type EndpointDecl struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DomainDecl declares per-endpoint privileges. Values are privilege
// names, comma-separated: read, command, all.
type DomainDecl struct {
	ACL map[string]string `yaml:"acl"`
}

// ParseStateFilter maps state names onto a filter mask. An empty list
// admits every state.
func ParseStateFilter(names []string) (objects.StateFilter, error) {
	if len(names) == 0 {
		return objects.FilterStateAll, nil
	}
	var f objects.StateFilter
	for _, name := range names {
		switch strings.ToLower(name) {
		case "ok":
			f |= objects.FilterOK
		case "warning":
			f |= objects.FilterWarning
		case "critical":
			f |= objects.FilterCritical
		case "unknown":
			f |= objects.FilterUnknown
		case "up":
			f |= objects.FilterUp
		case "down":
			f |= objects.FilterDown
		case "all":
			f |= objects.FilterStateAll
		default:
			return 0, trace.BadParameter("unknown state filter %q", name)
		}
	}
	return f, nil
}

// ParseTypeFilter maps notification type names onto a filter mask. An
// empty list admits every type.
func ParseTypeFilter(names []string) (objects.TypeFilter, error) {
	if len(names) == 0 {
		return objects.TypeFilterAll, nil
	}
	var f objects.TypeFilter
	for _, name := range names {
		switch strings.ToLower(name) {
		case "downtimestart":
			f |= objects.NotificationDowntimeStart.Bit()
		case "downtimeend":
			f |= objects.NotificationDowntimeEnd.Bit()
		case "downtimeremoved", "downtimecancelled":
			f |= objects.NotificationDowntimeRemoved.Bit()
		case "custom":
			f |= objects.NotificationCustom.Bit()
		case "acknowledgement":
			f |= objects.NotificationAcknowledgement.Bit()
		case "problem":
			f |= objects.NotificationProblem.Bit()
		case "recovery":
			f |= objects.NotificationRecovery.Bit()
		case "flappingstart":
			f |= objects.NotificationFlappingStart.Bit()
		case "flappingend":
			f |= objects.NotificationFlappingEnd.Bit()
		case "all":
			f |= objects.TypeFilterAll
		default:
			return 0, trace.BadParameter("unknown type filter %q", name)
		}
	}
	return f, nil
}

func applyCheckableDecl(c *objects.Checkable, d *CheckableDecl) {
	if d.DisplayName != "" {
		c.DisplayName = d.DisplayName
	}
	if d.CheckCommand != "" {
		c.CheckCommandName = d.CheckCommand
	}
	if d.MaxCheckAttempts > 0 {
		c.MaxCheckAttempts = d.MaxCheckAttempts
	}
	if d.CheckInterval > 0 {
		c.CheckInterval = time.Duration(d.CheckInterval)
	}
	if d.RetryInterval > 0 {
		c.RetryInterval = time.Duration(d.RetryInterval)
	}
	if d.CheckPeriod != "" {
		c.CheckPeriodName = d.CheckPeriod
	}
	if d.CheckTimeout > 0 {
		c.CheckTimeout = time.Duration(d.CheckTimeout)
	}
	if d.EventHandler != "" {
		c.EventHandlerName = d.EventHandler
		// Naming a handler turns it on unless explicitly switched off.
		if d.EnableEventHandler == nil {
			c.EventHandlerEnabled = true
		}
	}
	if d.EnableActiveChecks != nil {
		c.ActiveChecksEnabled = *d.EnableActiveChecks
	}
	if d.EnablePassiveChecks != nil {
		c.PassiveChecksEnabled = *d.EnablePassiveChecks
	}
	if d.EnableNotifications != nil {
		c.NotificationsEnabled = *d.EnableNotifications
	}
	if d.EnableFlapDetection != nil {
		c.FlapDetectionEnabled = *d.EnableFlapDetection
	}
	if d.EnableEventHandler != nil {
		c.EventHandlerEnabled = *d.EnableEventHandler
	}
	if d.EnablePerfdata != nil {
		c.ProcessPerfData = *d.EnablePerfdata
	}
	if d.FlapThreshold != nil {
		c.FlapThreshold = *d.FlapThreshold
	}
	c.DomainNames = append(c.DomainNames, d.Domains...)
	c.Authorities = append(c.Authorities, d.Authorities...)
	for k, v := range d.Vars {
		c.Vars[k] = v
	}
}

func buildHost(name string, d *HostDecl) *objects.Host {
	h := objects.NewHost(name)
	applyCheckableDecl(&h.Checkable, &d.CheckableDecl)
	h.Address = d.Address
	h.Address6 = d.Address6
	h.Groups = append(h.Groups, d.Groups...)
	h.NotesURL = d.NotesURL
	return h
}

func buildService(hostName, name string, d *ServiceDecl) *objects.Service {
	s := objects.NewService(hostName, name)
	applyCheckableDecl(&s.Checkable, &d.CheckableDecl)
	s.Groups = append(s.Groups, d.Groups...)
	s.NotesURL = d.NotesURL
	return s
}

func buildCommand(name string, d *CommandDecl) (*objects.Command, error) {
	if (d.Line == "") == (len(d.Argv) == 0) {
		return nil, trace.BadParameter("command %q needs exactly one of line and argv", name)
	}
	return &objects.Command{
		Name:    name,
		Line:    d.Line,
		Argv:    append([]string(nil), d.Argv...),
		Env:     d.Env,
		Timeout: time.Duration(d.Timeout),
	}, nil
}

func buildTimeperiod(name string, d *TimeperiodDecl) (*objects.Timeperiod, error) {
	tp := &objects.Timeperiod{
		Name:        name,
		DisplayName: d.DisplayName,
		Ranges:      make(map[time.Weekday]string, len(d.Ranges)),
		Exceptions:  append([]string(nil), d.Exceptions...),
	}
	if tp.DisplayName == "" {
		tp.DisplayName = name
	}
	for dayName, ranges := range d.Ranges {
		wd, err := parseWeekdayName(dayName)
		if err != nil {
			return nil, trace.Wrap(err, "timeperiod %q", name)
		}
		if _, err := objects.ParseTimeRanges(ranges); err != nil {
			return nil, trace.Wrap(err, "timeperiod %q range %q", name, dayName)
		}
		tp.Ranges[wd] = ranges
	}
	for _, exc := range d.Exceptions {
		fields := strings.Fields(exc)
		if len(fields) < 2 {
			return nil, trace.BadParameter("timeperiod %q exception %q needs a date part and a range part", name, exc)
		}
		if _, err := objects.ParseTimeRanges(fields[len(fields)-1]); err != nil {
			return nil, trace.Wrap(err, "timeperiod %q exception %q", name, exc)
		}
	}
	return tp, nil
}

func parseWeekdayName(name string) (time.Weekday, error) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(name, wd.String()) {
			return wd, nil
		}
	}
	return 0, trace.BadParameter("unknown weekday %q", name)
}

func buildUser(name string, d *UserDecl) (*objects.User, error) {
	states, err := ParseStateFilter(d.States)
	if err != nil {
		return nil, trace.Wrap(err, "user %q", name)
	}
	types, err := ParseTypeFilter(d.Types)
	if err != nil {
		return nil, trace.Wrap(err, "user %q", name)
	}
	u := &objects.User{
		Name:                name,
		DisplayName:         d.DisplayName,
		PeriodName:          d.Period,
		StateFilter:         states,
		TypeFilter:          types,
		EnableNotifications: boolVal(d.EnableNotifications, true),
		Email:               d.Email,
		Pager:               d.Pager,
		Vars:                d.Vars,
		GroupNames:          append([]string(nil), d.Groups...),
	}
	if u.DisplayName == "" {
		u.DisplayName = name
	}
	if u.Vars == nil {
		u.Vars = make(map[string]string)
	}
	return u, nil
}

func buildUserGroup(name string, d *UserGroupDecl) *objects.UserGroup {
	g := &objects.UserGroup{
		Name:        name,
		DisplayName: d.DisplayName,
		Members:     append([]string(nil), d.Members...),
	}
	if g.DisplayName == "" {
		g.DisplayName = name
	}
	return g
}

func buildNotification(name, kind, parentName string, d *NotificationDecl) (*objects.Notification, error) {
	states, err := ParseStateFilter(d.States)
	if err != nil {
		return nil, trace.Wrap(err, "notification %q", name)
	}
	types, err := ParseTypeFilter(d.Types)
	if err != nil {
		return nil, trace.Wrap(err, "notification %q", name)
	}
	return &objects.Notification{
		Name:        name,
		Kind:        kind,
		ParentName:  parentName,
		CommandName: d.Command,
		UserNames:   append([]string(nil), d.Users...),
		GroupNames:  append([]string(nil), d.UserGroups...),
		PeriodName:  d.Period,
		StateFilter: states,
		TypeFilter:  types,
		Interval:    time.Duration(d.Interval),
		TimesBegin:  time.Duration(d.TimesBegin),
		TimesEnd:    time.Duration(d.TimesEnd),
	}, nil
}

func buildDependency(name string, d *DependencyDecl) (*objects.Dependency, error) {
	if d.Child == "" || d.Parent == "" {
		return nil, trace.BadParameter("dependency %q needs child and parent", name)
	}
	states, err := ParseStateFilter(d.States)
	if err != nil {
		return nil, trace.Wrap(err, "dependency %q", name)
	}
	return &objects.Dependency{
		Name:                 name,
		ChildKind:            checkableKind(d.Child),
		ChildName:            d.Child,
		ParentKind:           checkableKind(d.Parent),
		ParentName:           d.Parent,
		StateFilter:          states,
		PeriodName:           d.Period,
		DisableChecks:        d.DisableChecks,
		DisableNotifications: d.DisableNotifications,
	}, nil
}

// checkableKind derives the object type from a reference: service names
// carry the host!service separator.
func checkableKind(name string) string {
	if strings.Contains(name, "!") {
		return objects.TypeService
	}
	return objects.TypeHost
}

func buildEndpoint(name string, d *EndpointDecl) *objects.Endpoint {
	return &objects.Endpoint{
		Name: name,
		Host: d.Host,
		Port: d.Port,
	}
}

func buildDomain(name string, d *DomainDecl) (*objects.Domain, error) {
	dom := &objects.Domain{
		Name: name,
		ACL:  make(map[string]int, len(d.ACL)),
	}
	for endpoint, privs := range d.ACL {
		mask, err := parsePrivileges(privs)
		if err != nil {
			return nil, trace.Wrap(err, "domain %q endpoint %q", name, endpoint)
		}
		dom.ACL[endpoint] = mask
	}
	return dom, nil
}

func parsePrivileges(s string) (int, error) {
	var mask int
	for _, p := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "read":
			mask |= objects.PrivRead
		case "command":
			mask |= objects.PrivCommand
		case "all":
			mask |= objects.PrivAll
		default:
			return 0, trace.BadParameter("unknown privilege %q", p)
		}
	}
	return mask, nil
}
