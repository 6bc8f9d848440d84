// Package notify turns notification requests into command executions:
// per-notification filter evaluation, user and group fan-out, escalation
// windows and the reminder sweep.
package notify

import (
	"context"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/dependency"
	"github.com/oceanplexian/vigil/internal/macros"
	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:notify")

var notificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "vigil_notifications_sent_total",
	Help: "Per-user notification commands enqueued.",
})

func init() {
	prometheus.MustRegister(notificationsSent)
}

// reminderInterval is how often overdue reminder notifications are swept.
const reminderInterval = 5 * time.Second

// Runner accepts notification command jobs. The checker executor
// implements it; notifications run on their own pool so a burst cannot
// starve check execution.
type Runner interface {
	Submit(checker.Job)
}

// Config holds notification engine dependencies.
type Config struct {
	// Store is the object registry.
	Store *objects.Store
	// Runner executes notification commands.
	Runner Runner
	// Dependencies answers reachability questions.
	Dependencies *dependency.Checker
	// Program carries the global switches and the local identity.
	Program *objects.Program
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Dependencies == nil {
		c.Dependencies = &dependency.Checker{Store: c.Store}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine drives notification delivery. Requests arrive over the event bus
// from the state machine, from downtime lifecycle events, and from
// external commands; the engine's own sweep re-fires reminders for
// problems that stay hard. Only the node holding notification authority
// for a checkable delivers its notifications.
type Engine struct {
	Config
	events *objects.Events
}

// NewEngine builds an engine and subscribes it to the store's event bus.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{Config: cfg, events: cfg.Store.Events()}
	e.events.OnNotificationRequest(e.handleRequest)
	e.events.OnDowntimeTriggered(e.handleDowntimeTriggered)
	e.events.OnDowntimeRemoved(e.handleDowntimeRemoved)
	e.events.OnStateChange(e.handleStateChange)
	return e, nil
}

// Run sweeps reminder notifications until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.Clock.NewTicker(reminderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			e.sweepReminders(e.Clock.Now())
		}
	}
}

func (e *Engine) handleRequest(c *objects.Checkable, t objects.NotificationType, cr *objects.CheckResult, author, text string, force bool) {
	e.SendNotifications(c, t, cr, author, text, force)
}

func (e *Engine) handleDowntimeTriggered(c *objects.Checkable, d *objects.Downtime) {
	e.SendNotifications(c, objects.NotificationDowntimeStart, lastResult(c), d.Author, d.CommentText, false)
}

// handleDowntimeRemoved distinguishes a cancelled downtime from one that
// ran its course. A downtime removed before it ever started is silent.
func (e *Engine) handleDowntimeRemoved(c *objects.Checkable, d *objects.Downtime, origin objects.Origin) {
	switch {
	case d.WasCancelled:
		e.SendNotifications(c, objects.NotificationDowntimeRemoved, lastResult(c), d.Author, d.CommentText, false)
	case !d.TriggerTime.IsZero():
		e.SendNotifications(c, objects.NotificationDowntimeEnd, lastResult(c), d.Author, d.CommentText, false)
	}
}

// SendNotifications fans a notification of type t out to every
// Notification attached to c. force bypasses filters but not authority.
func (e *Engine) SendNotifications(c *objects.Checkable, t objects.NotificationType, cr *objects.CheckResult, author, text string, force bool) {
	c.Lock()
	owned := c.NotifyAuthority == "" || c.NotifyAuthority == e.Program.Identity
	enabled := c.NotificationsEnabled
	c.Unlock()
	if !owned {
		log.Debugf("Skipping %v notification for %v, notification authority is elsewhere.", t, c.Name())
		return
	}
	if !force && (!enabled || !e.Program.NotificationsEnabled()) {
		log.Debugf("Suppressing %v notification for %v, notifications are disabled.", t, c.Name())
		return
	}
	for _, n := range e.Store.NotificationsFor(c) {
		e.dispatch(c, n, t, cr, author, text, force)
	}
}

// dispatch evaluates one Notification and, if it passes, enqueues the
// per-user executions. Filter evaluation and the runtime stamps happen
// under the parent's lock.
func (e *Engine) dispatch(c *objects.Checkable, n *objects.Notification, t objects.NotificationType, cr *objects.CheckResult, author, text string, force bool) {
	now := e.Clock.Now()

	c.Lock()
	state := c.State
	skip := ""
	if !force {
		switch {
		case n.PeriodName != "" && !e.Store.InPeriod(n.PeriodName, now):
			skip = "outside notification period"
		case t == objects.NotificationProblem && n.TimesBegin > 0 && now.Before(c.LastHardStateChange.Add(n.TimesBegin)):
			skip = "escalation window not yet open"
		case t == objects.NotificationProblem && n.TimesEnd > 0 && now.After(c.LastHardStateChange.Add(n.TimesEnd)):
			skip = "escalation window closed"
		case t.Bit()&n.TypeFilter == 0:
			skip = "type filter"
		case c.FilterBit(state)&n.StateFilter == 0:
			skip = "state filter"
		}
	}
	if skip != "" {
		c.Unlock()
		log.Debugf("Notification %q does not fire for %v: %v.", n.Name, t, skip)
		return
	}
	n.LastNotification = now
	if t == objects.NotificationProblem {
		n.LastProblemNotification = now
		n.NotificationNumber++
		if n.Interval > 0 {
			n.NextNotification = now.Add(n.Interval)
		}
	}
	c.Unlock()

	users := e.userSet(n)
	var notified []string
	for _, u := range users {
		if !force && !e.userAccepts(u, c, state, t, now) {
			log.Debugf("User %v filtered from notification %q.", u.Name, n.Name)
			continue
		}
		job, err := e.buildJob(c, n, u, t, cr, author, text, now)
		if err != nil {
			log.WithError(err).Warningf("Cannot notify user %v via %q.", u.Name, n.Name)
			continue
		}
		e.Runner.Submit(job)
		notificationsSent.Inc()
		e.Program.NotificationsRate.Mark(now)
		notified = append(notified, u.Name)
	}
	log.Infof("Sent %v notification %q to %v of %v user(s).", t, n.Name, len(notified), len(users))
	e.events.EmitNotificationSentToAllUsers(c, n, t, notified, cr)
}

// userSet materialises the recipient set: explicit users plus group
// members, deduplicated, sorted by name.
func (e *Engine) userSet(n *objects.Notification) []*objects.User {
	seen := make(map[string]bool)
	var users []*objects.User
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if u, ok := e.Store.GetUser(name); ok {
			users = append(users, u)
		} else {
			log.Warningf("Notification %q references unknown user %q.", n.Name, name)
		}
	}
	for _, name := range n.UserNames {
		add(name)
	}
	for _, groupName := range n.GroupNames {
		group, ok := e.Store.GetUserGroup(groupName)
		if !ok {
			log.Warningf("Notification %q references unknown user group %q.", n.Name, groupName)
			continue
		}
		for _, member := range group.Members {
			add(member)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}

// userAccepts re-evaluates the per-user filters.
func (e *Engine) userAccepts(u *objects.User, c *objects.Checkable, state objects.State, t objects.NotificationType, now time.Time) bool {
	if !u.EnableNotifications {
		return false
	}
	if u.PeriodName != "" && !e.Store.InPeriod(u.PeriodName, now) {
		return false
	}
	if t.Bit()&u.TypeFilter == 0 {
		return false
	}
	if c.FilterBit(state)&u.StateFilter == 0 {
		return false
	}
	return true
}

// buildJob resolves the notification command for one user. The resolver
// scopes layer user, notification, checkable/host and process fields;
// resolution happens under the parent's lock because the checkable scope
// reads state lazily.
func (e *Engine) buildJob(c *objects.Checkable, n *objects.Notification, u *objects.User, t objects.NotificationType, cr *objects.CheckResult, author, text string, now time.Time) (checker.Job, error) {
	cmd, ok := e.Store.GetCommand(n.CommandName)
	if !ok {
		return checker.Job{}, trace.NotFound("notification command %q is not defined", n.CommandName)
	}

	c.Lock()
	defer c.Unlock()

	rs := append(macros.ForUser(u), macros.ForNotification(n, t.String(), author, text)...)
	rs = append(rs, macros.ForCheckable(e.Store, c, now)...)

	job := checker.Job{
		Kind:    objects.TypeNotification,
		Name:    n.Name,
		Timeout: cmd.Timeout,
	}
	if len(cmd.Argv) > 0 {
		argv, err := rs.ResolveArgs(cmd.Argv)
		if err != nil {
			return checker.Job{}, trace.Wrap(err)
		}
		job.Argv = argv
	} else {
		line, err := rs.Resolve(cmd.Line)
		if err != nil {
			return checker.Job{}, trace.Wrap(err)
		}
		job.Command = line
	}
	if len(cmd.Env) > 0 {
		job.Env = make(map[string]string, len(cmd.Env))
		for k, v := range cmd.Env {
			ev, err := rs.Resolve(v)
			if err != nil {
				return checker.Job{}, trace.Wrap(err)
			}
			job.Env[k] = ev
		}
	}

	userName := u.Name
	job.Done = func(res *objects.CheckResult) {
		if res.ExitStatus != 0 {
			log.Warningf("Notification command %q for user %v exited %v: %v.",
				cmd.Name, userName, res.ExitStatus, res.Output)
		}
		e.events.EmitNotificationSentToUser(c, n, u, t, cr)
	}
	return job, nil
}

// sweepReminders walks every Notification and re-fires overdue reminders
// for problems that stay hard. A force_next_notification flag on the
// parent fires regardless of timers and filters and is consumed here.
func (e *Engine) sweepReminders(now time.Time) {
	for _, n := range e.Store.Notifications() {
		c, err := e.Store.Resolve(n.Kind, n.ParentName)
		if err != nil {
			continue
		}

		c.Lock()
		owned := c.NotifyAuthority == "" || c.NotifyAuthority == e.Program.Identity
		problem := !c.IsStateOK(c.State) && c.StateType == objects.StateTypeHard
		forced := c.ForceNextNotification
		due := !n.NextNotification.IsZero() && !n.NextNotification.After(now)
		clear := false
		if forced && problem {
			c.ForceNextNotification = false
			clear = true
		}
		suppressed := c.IsAcknowledged(now) || c.InDowntime(now)
		cr := c.LastCheckResult
		enabled := c.NotificationsEnabled
		c.Unlock()

		if !owned || !problem {
			continue
		}
		if clear {
			log.Infof("Forced reminder for %v via %q.", c.Name(), n.Name)
			e.dispatch(c, n, objects.NotificationProblem, cr, "", "", true)
			continue
		}
		if !due || suppressed {
			continue
		}
		if !enabled || !e.Program.NotificationsEnabled() {
			continue
		}
		if !e.Dependencies.Reachable(c, dependency.PurposeNotification, now) {
			continue
		}
		log.Infof("Reminder notification %q for %v is due.", n.Name, c.Name())
		e.dispatch(c, n, objects.NotificationProblem, cr, "", "", false)
	}
}

func lastResult(c *objects.Checkable) *objects.CheckResult {
	c.Lock()
	defer c.Unlock()
	return c.LastCheckResult
}
