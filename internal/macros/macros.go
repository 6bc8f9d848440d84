// Package macros implements $name$ interpolation over an ordered list of
// resolver scopes. Command lines, notification texts and file templates are
// all expanded through the same walk: the first scope that answers a token
// wins, dotted tokens select fields ("host.address", "host.vars.rack"), and
// scopes holding custom variables are expanded recursively so a variable
// may itself contain macros.
package macros

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:macros")

// MaxDepth bounds recursive expansion of macro values that themselves
// contain macros.
const MaxDepth = 15

// Scope is one entry in a resolver list. Named scopes answer qualified
// tokens ("host.address" with Name "host" looks up "address"); an unnamed
// scope is tried with the whole token. Vars is a direct mapping, Fn a field
// callback; Fn is consulted first.
type Scope struct {
	Name      string
	Vars      map[string]string
	Fn        func(path string) (string, bool)
	Recursive bool
}

func (s Scope) lookup(path string) (string, bool) {
	if s.Fn != nil {
		if v, ok := s.Fn(path); ok {
			return v, true
		}
	}
	if s.Vars != nil {
		if v, ok := s.Vars[path]; ok {
			return v, true
		}
	}
	return "", false
}

// Resolvers is the ordered scope list walked for every token.
type Resolvers []Scope

// Resolve interpolates text leniently: an unknown macro resolves to the
// empty string with a warning. Command arguments are resolved this way so a
// single bad token does not abort the check.
func (rs Resolvers) Resolve(text string) (string, error) {
	return rs.expand(text, 0, false)
}

// ResolveStrict interpolates text and fails on the first unknown macro.
func (rs Resolvers) ResolveStrict(text string) (string, error) {
	return rs.expand(text, 0, true)
}

// ResolveArgs resolves a command argv element-wise, leniently.
func (rs Resolvers) ResolveArgs(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		v, err := rs.expand(a, 0, false)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[i] = v
	}
	return out, nil
}

func (rs Resolvers) expand(text string, depth int, strict bool) (string, error) {
	if depth > MaxDepth {
		return "", trace.LimitExceeded("macro expansion deeper than %d levels in %q", MaxDepth, text)
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		j := strings.IndexByte(text[i:], '$')
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+j])
		i += j

		k := strings.IndexByte(text[i+1:], '$')
		if k < 0 {
			if strict {
				return "", trace.BadParameter("unbalanced $ in %q", text)
			}
			log.Warningf("Unbalanced $ in %q.", text)
			b.WriteString(text[i:])
			break
		}

		token := text[i+1 : i+1+k]
		i += k + 2
		if token == "" {
			b.WriteByte('$')
			continue
		}

		v, err := rs.resolveToken(token, depth, strict)
		if err != nil {
			return "", trace.Wrap(err)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func (rs Resolvers) resolveToken(token string, depth int, strict bool) (string, error) {
	for _, s := range rs {
		var v string
		var ok bool
		if s.Name != "" {
			rest, qualified := strings.CutPrefix(token, s.Name+".")
			if !qualified {
				continue
			}
			v, ok = s.lookup(rest)
		} else {
			v, ok = s.lookup(token)
		}
		if !ok {
			continue
		}
		if s.Recursive && strings.ContainsRune(v, '$') {
			return rs.expand(v, depth+1, strict)
		}
		return v, nil
	}
	if strict {
		return "", trace.NotFound("macro %q could not be resolved", token)
	}
	log.Warningf("Macro %q could not be resolved, substituting empty string.", token)
	return "", nil
}

// ForCheckable builds the scope list for a checkable: the variant scope
// (service and its host, or just host), custom variables, and the flat
// legacy names used by compat templates. now feeds the duration and
// date/time fields.
func ForCheckable(store *objects.Store, c *objects.Checkable, now time.Time) Resolvers {
	var rs Resolvers
	var host *objects.Host
	if h, ok := store.GetHost(c.HostName); ok {
		host = h
	}
	if c.Kind == objects.TypeService {
		rs = append(rs,
			Scope{Name: "service", Fn: checkableField(c, now)},
			Scope{Name: "service.vars", Vars: c.Vars, Recursive: true},
		)
	}
	if host != nil {
		rs = append(rs,
			Scope{Name: "host", Fn: hostField(host, now)},
			Scope{Name: "host.vars", Vars: host.Vars, Recursive: true},
		)
	}
	rs = append(rs,
		Scope{Name: "vars", Vars: c.Vars, Recursive: true},
		Scope{Fn: legacyCheckableField(c, host, now)},
	)
	return append(rs, RuntimeScope(now)...)
}

// ForUser builds the scope list fragment for a notification recipient.
func ForUser(u *objects.User) Resolvers {
	return Resolvers{
		{Name: "user", Fn: userField(u)},
		{Name: "user.vars", Vars: u.Vars, Recursive: true},
		{Fn: legacyUserField(u)},
	}
}

// ForNotification exposes the dispatch context of one notification.
func ForNotification(n *objects.Notification, typeName, author, comment string) Resolvers {
	fields := map[string]string{
		"type":    typeName,
		"author":  author,
		"comment": comment,
		"number":  strconv.Itoa(n.NotificationNumber),
	}
	legacy := map[string]string{
		"NOTIFICATIONTYPE":    typeName,
		"NOTIFICATIONAUTHOR":  author,
		"NOTIFICATIONCOMMENT": comment,
		"NOTIFICATIONNUMBER":  strconv.Itoa(n.NotificationNumber),
	}
	return Resolvers{
		{Name: "notification", Vars: fields},
		{Vars: legacy},
	}
}

// ArgsScope exposes $ARGn$ for bang-separated command arguments.
func ArgsScope(args []string) Scope {
	return Scope{Fn: func(path string) (string, bool) {
		if !strings.HasPrefix(path, "ARG") {
			return "", false
		}
		n, err := strconv.Atoi(path[3:])
		if err != nil || n < 1 || n > 32 {
			return "", false
		}
		if n-1 < len(args) {
			return args[n-1], true
		}
		return "", true
	}}
}

// RuntimeScope exposes process and wall-clock fields, qualified under
// "vigil" and as the flat legacy date/time names.
func RuntimeScope(now time.Time) Resolvers {
	fn := func(path string) (string, bool) {
		switch path {
		case "timet", "TIMET":
			return strconv.FormatInt(now.Unix(), 10), true
		case "long_date_time", "LONGDATETIME":
			return now.Format("Mon Jan 02 15:04:05 MST 2006"), true
		case "short_date_time", "SHORTDATETIME":
			return now.Format("2006-01-02 15:04:05"), true
		case "date", "DATE":
			return now.Format("2006-01-02"), true
		case "time", "TIME":
			return now.Format("15:04:05 -0700"), true
		}
		return "", false
	}
	return Resolvers{{Name: "vigil", Fn: fn}, {Fn: fn}}
}

// SplitCommandArgs splits "command_name!arg1!arg2" into the command name
// and its bang-separated arguments.
func SplitCommandArgs(checkCommand string) (string, []string) {
	parts := strings.Split(checkCommand, "!")
	if len(parts) <= 1 {
		return checkCommand, nil
	}
	return parts[0], parts[1:]
}

func checkableField(c *objects.Checkable, now time.Time) func(string) (string, bool) {
	return func(path string) (string, bool) {
		switch path {
		case "name":
			if c.Kind == objects.TypeService {
				return c.ServiceName, true
			}
			return c.HostName, true
		case "display_name":
			return c.DisplayName, true
		case "state":
			return c.StateName(c.State), true
		case "state_id":
			return strconv.Itoa(int(c.State)), true
		case "state_type":
			return stateTypeName(c.StateType), true
		case "check_attempt":
			return strconv.Itoa(c.Attempt), true
		case "max_check_attempts":
			return strconv.Itoa(c.MaxCheckAttempts), true
		case "check_command":
			return c.CheckCommandName, true
		case "latency":
			return fmt.Sprintf("%.3f", c.Latency), true
		case "execution_time":
			return fmt.Sprintf("%.3f", c.ExecutionTime), true
		case "output":
			if c.LastCheckResult != nil {
				return c.LastCheckResult.Output, true
			}
			return "", true
		case "long_output":
			if c.LastCheckResult != nil {
				return c.LastCheckResult.LongOutput, true
			}
			return "", true
		case "perfdata":
			if c.LastCheckResult != nil {
				return c.LastCheckResult.PerfDataString(), true
			}
			return "", true
		case "last_check":
			return unixStr(c.LastCheck), true
		case "last_state_change":
			return unixStr(c.LastStateChange), true
		case "last_hard_state_change":
			return unixStr(c.LastHardStateChange), true
		case "duration_sec":
			return durationSec(c.LastStateChange, now), true
		case "downtime_depth":
			return strconv.Itoa(c.DowntimeDepth(now)), true
		}
		return "", false
	}
}

func hostField(h *objects.Host, now time.Time) func(string) (string, bool) {
	base := checkableField(&h.Checkable, now)
	return func(path string) (string, bool) {
		switch path {
		case "address":
			return h.Address, true
		case "address6":
			return h.Address6, true
		case "notes_url":
			return h.NotesURL, true
		case "groups":
			return strings.Join(h.Groups, " "), true
		}
		return base(path)
	}
}

func userField(u *objects.User) func(string) (string, bool) {
	return func(path string) (string, bool) {
		switch path {
		case "name":
			return u.Name, true
		case "display_name":
			return u.DisplayName, true
		case "email":
			return u.Email, true
		case "pager":
			return u.Pager, true
		}
		return "", false
	}
}

// legacyCheckableField answers the flat Nagios-era names that compat
// templates and plugin wrappers still use.
func legacyCheckableField(c *objects.Checkable, host *objects.Host, now time.Time) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if v, ok := legacyCustomVar(name, c, host); ok {
			return v, true
		}

		if strings.HasPrefix(name, "HOST") || strings.HasPrefix(name, "LASTHOST") || name == "MAXHOSTATTEMPTS" || name == "LONGHOSTOUTPUT" {
			if host == nil {
				return "", false
			}
			return legacyHost(name, host, now)
		}
		if c.Kind != objects.TypeService {
			return "", false
		}
		return legacyService(name, c, now)
	}
}

func legacyCustomVar(name string, c *objects.Checkable, host *objects.Host) (string, bool) {
	if rest, ok := strings.CutPrefix(name, "_SERVICE"); ok && c.Kind == objects.TypeService {
		v, ok := c.Vars[rest]
		return v, ok
	}
	if rest, ok := strings.CutPrefix(name, "_HOST"); ok && host != nil {
		v, ok := host.Vars[rest]
		return v, ok
	}
	return "", false
}

func legacyHost(name string, h *objects.Host, now time.Time) (string, bool) {
	c := &h.Checkable
	switch name {
	case "HOSTNAME":
		return h.HostName, true
	case "HOSTDISPLAYNAME", "HOSTALIAS":
		return h.DisplayName, true
	case "HOSTADDRESS":
		return h.Address, true
	case "HOSTADDRESS6":
		return h.Address6, true
	case "HOSTSTATE":
		return c.StateName(c.State), true
	case "HOSTSTATEID":
		return strconv.Itoa(int(c.State)), true
	case "HOSTSTATETYPE":
		return stateTypeName(c.StateType), true
	case "HOSTATTEMPT":
		return strconv.Itoa(c.Attempt), true
	case "MAXHOSTATTEMPTS":
		return strconv.Itoa(c.MaxCheckAttempts), true
	case "HOSTOUTPUT":
		if c.LastCheckResult != nil {
			return c.LastCheckResult.Output, true
		}
		return "", true
	case "LONGHOSTOUTPUT":
		if c.LastCheckResult != nil {
			return c.LastCheckResult.LongOutput, true
		}
		return "", true
	case "HOSTPERFDATA":
		if c.LastCheckResult != nil {
			return c.LastCheckResult.PerfDataString(), true
		}
		return "", true
	case "HOSTCHECKCOMMAND":
		return c.CheckCommandName, true
	case "HOSTLATENCY":
		return fmt.Sprintf("%.3f", c.Latency), true
	case "HOSTEXECUTIONTIME":
		return fmt.Sprintf("%.3f", c.ExecutionTime), true
	case "HOSTDURATIONSEC":
		return durationSec(c.LastStateChange, now), true
	case "HOSTDOWNTIME":
		return strconv.Itoa(c.DowntimeDepth(now)), true
	case "HOSTNOTESURL":
		return h.NotesURL, true
	case "LASTHOSTCHECK":
		return unixStr(c.LastCheck), true
	case "LASTHOSTSTATECHANGE":
		return unixStr(c.LastStateChange), true
	case "LASTHOSTUP":
		return unixStr(c.LastStateUp), true
	case "LASTHOSTDOWN":
		return unixStr(c.LastStateDown), true
	}
	return "", false
}

func legacyService(name string, c *objects.Checkable, now time.Time) (string, bool) {
	switch name {
	case "SERVICEDESC":
		return c.ServiceName, true
	case "SERVICEDISPLAYNAME":
		return c.DisplayName, true
	case "SERVICESTATE":
		return c.StateName(c.State), true
	case "SERVICESTATEID":
		return strconv.Itoa(int(c.State)), true
	case "SERVICESTATETYPE":
		return stateTypeName(c.StateType), true
	case "SERVICEATTEMPT":
		return strconv.Itoa(c.Attempt), true
	case "MAXSERVICEATTEMPTS":
		return strconv.Itoa(c.MaxCheckAttempts), true
	case "SERVICEOUTPUT":
		if c.LastCheckResult != nil {
			return c.LastCheckResult.Output, true
		}
		return "", true
	case "LONGSERVICEOUTPUT":
		if c.LastCheckResult != nil {
			return c.LastCheckResult.LongOutput, true
		}
		return "", true
	case "SERVICEPERFDATA":
		if c.LastCheckResult != nil {
			return c.LastCheckResult.PerfDataString(), true
		}
		return "", true
	case "SERVICECHECKCOMMAND":
		return c.CheckCommandName, true
	case "SERVICELATENCY":
		return fmt.Sprintf("%.3f", c.Latency), true
	case "SERVICEEXECUTIONTIME":
		return fmt.Sprintf("%.3f", c.ExecutionTime), true
	case "SERVICEDURATIONSEC":
		return durationSec(c.LastStateChange, now), true
	case "SERVICEDOWNTIME":
		return strconv.Itoa(c.DowntimeDepth(now)), true
	case "LASTSERVICECHECK":
		return unixStr(c.LastCheck), true
	case "LASTSERVICESTATECHANGE":
		return unixStr(c.LastStateChange), true
	case "LASTSERVICEOK":
		return unixStr(c.LastStateOK), true
	case "LASTSERVICEWARNING":
		return unixStr(c.LastStateWarning), true
	case "LASTSERVICECRITICAL":
		return unixStr(c.LastStateCritical), true
	case "LASTSERVICEUNKNOWN":
		return unixStr(c.LastStateUnknown), true
	}
	return "", false
}

func legacyUserField(u *objects.User) func(string) (string, bool) {
	return func(name string) (string, bool) {
		switch name {
		case "CONTACTNAME", "USERNAME":
			return u.Name, true
		case "CONTACTALIAS", "USERDISPLAYNAME":
			return u.DisplayName, true
		case "CONTACTEMAIL", "USEREMAIL":
			return u.Email, true
		case "CONTACTPAGER", "USERPAGER":
			return u.Pager, true
		}
		return "", false
	}
}

func stateTypeName(st objects.StateType) string {
	if st == objects.StateTypeHard {
		return "HARD"
	}
	return "SOFT"
}

func unixStr(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func durationSec(since time.Time, now time.Time) string {
	if since.IsZero() || now.Before(since) {
		return "0"
	}
	return strconv.FormatInt(int64(now.Sub(since).Seconds()), 10)
}
