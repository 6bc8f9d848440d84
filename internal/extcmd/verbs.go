package extcmd

import (
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/objects"
)

// registerVerbs fills the registry. The table follows the classic
// command-pipe dialect: verb names, argument order, and flag encodings
// stay compatible with what monitoring frontends already emit.
func (l *Listener) registerVerbs() {
	l.verbs = make(map[string]verbSpec)
	add := func(verb string, min, max int, fn handlerFunc) {
		l.verbs[verb] = verbSpec{fn: fn, minArgs: min, maxArgs: max}
	}

	// Passive results and command files.
	add("PROCESS_HOST_CHECK_RESULT", 3, 3, l.processHostResult)
	add("PROCESS_SERVICE_CHECK_RESULT", 4, 4, l.processServiceResult)
	add("PROCESS_FILE", 1, 2, l.processFile)

	// Rescheduling.
	add("SCHEDULE_HOST_CHECK", 2, 2, l.scheduleHostCheck(false))
	add("SCHEDULE_FORCED_HOST_CHECK", 2, 2, l.scheduleHostCheck(true))
	add("SCHEDULE_SVC_CHECK", 3, 3, l.scheduleServiceCheck(false))
	add("SCHEDULE_FORCED_SVC_CHECK", 3, 3, l.scheduleServiceCheck(true))
	add("SCHEDULE_HOST_SVC_CHECKS", 2, 2, l.scheduleHostServicesChecks(false))
	add("SCHEDULE_FORCED_HOST_SVC_CHECKS", 2, 2, l.scheduleHostServicesChecks(true))

	// Acknowledgements.
	add("ACKNOWLEDGE_HOST_PROBLEM", 6, 6, l.acknowledgeHost(false))
	add("ACKNOWLEDGE_HOST_PROBLEM_EXPIRE", 7, 7, l.acknowledgeHost(true))
	add("ACKNOWLEDGE_SVC_PROBLEM", 7, 7, l.acknowledgeService(false))
	add("ACKNOWLEDGE_SVC_PROBLEM_EXPIRE", 8, 8, l.acknowledgeService(true))
	add("REMOVE_HOST_ACKNOWLEDGEMENT", 1, 1, l.removeHostAck)
	add("REMOVE_SVC_ACKNOWLEDGEMENT", 2, 2, l.removeServiceAck)

	// Comments.
	add("ADD_HOST_COMMENT", 4, 4, l.addHostComment)
	add("ADD_SVC_COMMENT", 5, 5, l.addServiceComment)
	add("DEL_HOST_COMMENT", 1, 1, l.deleteComment)
	add("DEL_SVC_COMMENT", 1, 1, l.deleteComment)
	add("DEL_ALL_HOST_COMMENTS", 1, 1, l.deleteAllHostComments)
	add("DEL_ALL_SVC_COMMENTS", 2, 2, l.deleteAllServiceComments)

	// Downtimes.
	add("SCHEDULE_HOST_DOWNTIME", 8, 8, l.scheduleHostDowntime)
	add("SCHEDULE_SVC_DOWNTIME", 9, 9, l.scheduleServiceDowntime)
	add("SCHEDULE_HOST_SVC_DOWNTIME", 8, 8, l.scheduleHostServicesDowntime)
	add("SCHEDULE_AND_PROPAGATE_HOST_DOWNTIME", 8, 8, l.schedulePropagatedDowntime(false))
	add("SCHEDULE_AND_PROPAGATE_TRIGGERED_HOST_DOWNTIME", 8, 8, l.schedulePropagatedDowntime(true))
	add("DEL_HOST_DOWNTIME", 1, 1, l.deleteDowntime)
	add("DEL_SVC_DOWNTIME", 1, 1, l.deleteDowntime)
	add("DEL_DOWNTIME_BY_HOST_NAME", 1, 4, l.deleteDowntimesByName)

	// Notifications.
	add("SEND_CUSTOM_HOST_NOTIFICATION", 4, 4, l.customHostNotification)
	add("SEND_CUSTOM_SVC_NOTIFICATION", 5, 5, l.customServiceNotification)
	add("DELAY_HOST_NOTIFICATION", 2, 2, l.delayHostNotification)
	add("DELAY_SVC_NOTIFICATION", 3, 3, l.delayServiceNotification)

	// Per-object toggles. These set the same flags the cluster protocol
	// replicates, so both sides of an enable/disable converge.
	add("ENABLE_HOST_CHECK", 1, 1, l.hostFlag(objects.FlagActiveChecks, true))
	add("DISABLE_HOST_CHECK", 1, 1, l.hostFlag(objects.FlagActiveChecks, false))
	add("ENABLE_SVC_CHECK", 2, 2, l.serviceFlag(objects.FlagActiveChecks, true))
	add("DISABLE_SVC_CHECK", 2, 2, l.serviceFlag(objects.FlagActiveChecks, false))
	add("ENABLE_HOST_SVC_CHECKS", 1, 1, l.hostServicesFlag(objects.FlagActiveChecks, true))
	add("DISABLE_HOST_SVC_CHECKS", 1, 1, l.hostServicesFlag(objects.FlagActiveChecks, false))
	add("ENABLE_PASSIVE_HOST_CHECKS", 1, 1, l.hostFlag(objects.FlagPassiveChecks, true))
	add("DISABLE_PASSIVE_HOST_CHECKS", 1, 1, l.hostFlag(objects.FlagPassiveChecks, false))
	add("ENABLE_PASSIVE_SVC_CHECKS", 2, 2, l.serviceFlag(objects.FlagPassiveChecks, true))
	add("DISABLE_PASSIVE_SVC_CHECKS", 2, 2, l.serviceFlag(objects.FlagPassiveChecks, false))
	add("ENABLE_HOST_NOTIFICATIONS", 1, 1, l.hostFlag(objects.FlagNotifications, true))
	add("DISABLE_HOST_NOTIFICATIONS", 1, 1, l.hostFlag(objects.FlagNotifications, false))
	add("ENABLE_SVC_NOTIFICATIONS", 2, 2, l.serviceFlag(objects.FlagNotifications, true))
	add("DISABLE_SVC_NOTIFICATIONS", 2, 2, l.serviceFlag(objects.FlagNotifications, false))
	add("ENABLE_HOST_SVC_NOTIFICATIONS", 1, 1, l.hostServicesFlag(objects.FlagNotifications, true))
	add("DISABLE_HOST_SVC_NOTIFICATIONS", 1, 1, l.hostServicesFlag(objects.FlagNotifications, false))
	add("ENABLE_HOST_FLAP_DETECTION", 1, 1, l.hostFlag(objects.FlagFlapDetection, true))
	add("DISABLE_HOST_FLAP_DETECTION", 1, 1, l.hostFlag(objects.FlagFlapDetection, false))
	add("ENABLE_SVC_FLAP_DETECTION", 2, 2, l.serviceFlag(objects.FlagFlapDetection, true))
	add("DISABLE_SVC_FLAP_DETECTION", 2, 2, l.serviceFlag(objects.FlagFlapDetection, false))

	// Event handler toggles stay local: there is no replicated flag for
	// them, matching the protocol's verb set.
	add("ENABLE_HOST_EVENT_HANDLER", 1, 1, l.mutateHost(eventHandlerFlag(true)))
	add("DISABLE_HOST_EVENT_HANDLER", 1, 1, l.mutateHost(eventHandlerFlag(false)))
	add("ENABLE_SVC_EVENT_HANDLER", 2, 2, l.mutateService(eventHandlerFlag(true)))
	add("DISABLE_SVC_EVENT_HANDLER", 2, 2, l.mutateService(eventHandlerFlag(false)))

	// Global feature toggles.
	add("ENABLE_NOTIFICATIONS", 0, 0, l.globalToggle(l.Program.SetNotificationsEnabled, true))
	add("DISABLE_NOTIFICATIONS", 0, 0, l.globalToggle(l.Program.SetNotificationsEnabled, false))
	add("ENABLE_FLAP_DETECTION", 0, 0, l.globalToggle(l.Program.SetFlapDetectionEnabled, true))
	add("DISABLE_FLAP_DETECTION", 0, 0, l.globalToggle(l.Program.SetFlapDetectionEnabled, false))
	add("ENABLE_EVENT_HANDLERS", 0, 0, l.globalToggle(l.Program.SetEventHandlersEnabled, true))
	add("DISABLE_EVENT_HANDLERS", 0, 0, l.globalToggle(l.Program.SetEventHandlersEnabled, false))
	add("ENABLE_PERFORMANCE_DATA", 0, 0, l.globalToggle(l.Program.SetPerfDataEnabled, true))
	add("DISABLE_PERFORMANCE_DATA", 0, 0, l.globalToggle(l.Program.SetPerfDataEnabled, false))
	add("START_EXECUTING_HOST_CHECKS", 0, 0, l.globalToggle(l.Program.SetActiveChecksEnabled, true))
	add("STOP_EXECUTING_HOST_CHECKS", 0, 0, l.globalToggle(l.Program.SetActiveChecksEnabled, false))
	add("START_EXECUTING_SVC_CHECKS", 0, 0, l.globalToggle(l.Program.SetActiveChecksEnabled, true))
	add("STOP_EXECUTING_SVC_CHECKS", 0, 0, l.globalToggle(l.Program.SetActiveChecksEnabled, false))
	add("START_ACCEPTING_PASSIVE_HOST_CHECKS", 0, 0, l.globalToggle(l.Program.SetPassiveChecksEnabled, true))
	add("STOP_ACCEPTING_PASSIVE_HOST_CHECKS", 0, 0, l.globalToggle(l.Program.SetPassiveChecksEnabled, false))
	add("START_ACCEPTING_PASSIVE_SVC_CHECKS", 0, 0, l.globalToggle(l.Program.SetPassiveChecksEnabled, true))
	add("STOP_ACCEPTING_PASSIVE_SVC_CHECKS", 0, 0, l.globalToggle(l.Program.SetPassiveChecksEnabled, false))

	// Attribute changes. These stay local: the cluster protocol carries
	// runtime state, not configuration edits.
	add("CHANGE_NORMAL_HOST_CHECK_INTERVAL", 2, 2, l.mutateHost(changeCheckInterval))
	add("CHANGE_NORMAL_SVC_CHECK_INTERVAL", 3, 3, l.mutateService(changeCheckInterval))
	add("CHANGE_RETRY_HOST_CHECK_INTERVAL", 2, 2, l.mutateHost(changeRetryInterval))
	add("CHANGE_RETRY_SVC_CHECK_INTERVAL", 3, 3, l.mutateService(changeRetryInterval))
	add("CHANGE_MAX_HOST_CHECK_ATTEMPTS", 2, 2, l.mutateHost(changeMaxAttempts))
	add("CHANGE_MAX_SVC_CHECK_ATTEMPTS", 3, 3, l.mutateService(changeMaxAttempts))
	add("CHANGE_HOST_CHECK_TIMEPERIOD", 2, 2, l.mutateHost(l.changeCheckPeriod))
	add("CHANGE_SVC_CHECK_TIMEPERIOD", 3, 3, l.mutateService(l.changeCheckPeriod))
	add("CHANGE_HOST_EVENT_HANDLER", 2, 2, l.mutateHost(l.changeEventHandler))
	add("CHANGE_SVC_EVENT_HANDLER", 3, 3, l.mutateService(l.changeEventHandler))
	add("CHANGE_CUSTOM_HOST_VAR", 3, 3, l.mutateHost(changeCustomVar))
	add("CHANGE_CUSTOM_SVC_VAR", 4, 4, l.mutateService(changeCustomVar))

	// Process control.
	add("SHUTDOWN_PROCESS", 0, 0, l.processControl("shutdown", &l.OnShutdown))
	add("RESTART_PROCESS", 0, 0, l.processControl("restart", &l.OnRestart))
}

func (l *Listener) events() *objects.Events { return l.Store.Events() }

func (l *Listener) host(name string) (*objects.Checkable, error) {
	return l.Store.Resolve(objects.TypeHost, name)
}

func (l *Listener) service(hostName, serviceName string) (*objects.Checkable, error) {
	return l.Store.Resolve(objects.TypeService, hostName+"!"+serviceName)
}

// parseFlagArg reads a pipe boolean: absent and "0" mean false.
func parseFlagArg(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s != "0"
}

// parseUnixArg parses a unix timestamp argument. Zero and negative
// values come back as the zero time; callers pick the fallback.
func parseUnixArg(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, trace.BadParameter("bad timestamp %q", s)
	}
	if n <= 0 {
		return time.Time{}, nil
	}
	return time.Unix(n, 0), nil
}

// Passive results.

func (l *Listener) processHostResult(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.injectResult(c, cmd, cmd.Args[1], cmd.Args[2])
}

func (l *Listener) processServiceResult(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.injectResult(c, cmd, cmd.Args[2], cmd.Args[3])
}

// injectResult turns a submitted status line into a passive check
// result. The processor applies the passive gates, so disabled targets
// drop the result there, not here.
func (l *Listener) injectResult(c *objects.Checkable, cmd *Command, exitArg, output string) error {
	exit, err := strconv.Atoi(strings.TrimSpace(exitArg))
	if err != nil {
		return trace.BadParameter("bad exit status %q", exitArg)
	}
	cr := &objects.CheckResult{
		ScheduleStart:  cmd.Time,
		ScheduleEnd:    cmd.Time,
		ExecutionStart: cmd.Time,
		ExecutionEnd:   cmd.Time,
		ExitStatus:     exit,
		Active:         false,
		CheckSource:    l.Program.Identity,
	}
	checker.ApplyOutput(cr, output)
	return trace.Wrap(l.Processor.ProcessResult(c, cr, objects.Origin{}))
}

func (l *Listener) processFile(cmd *Command) error {
	unlink := false
	if len(cmd.Args) > 1 {
		unlink = parseFlagArg(cmd.Args[1])
	}
	return trace.Wrap(l.IngestFile(cmd.Args[0], unlink))
}

// Rescheduling.

// rescheduleCheck moves the next check. Unforced requests only pull the
// check earlier; forced ones pin the time and raise the force flag so
// the scheduler skips the period and enablement gates.
func (l *Listener) rescheduleCheck(c *objects.Checkable, at time.Time, force bool) {
	if at.IsZero() {
		at = l.Clock.Now()
	}
	c.Lock()
	if !force && !c.NextCheck.IsZero() && c.NextCheck.Before(at) {
		planned := c.NextCheck
		c.Unlock()
		log.Debugf("Ignoring reschedule of %v to %v, already due at %v.", c.Name(), at, planned)
		return
	}
	if force {
		c.ForceNextCheck = true
	}
	c.NextCheck = at
	c.Unlock()
	if force {
		l.events().EmitFlagChanged(c, objects.FlagForceNextCheck, true, objects.Origin{})
	}
	l.events().EmitNextCheckChanged(c, at, objects.Origin{})
}

func (l *Listener) scheduleHostCheck(force bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.host(cmd.Args[0])
		if err != nil {
			return trace.Wrap(err)
		}
		at, err := parseUnixArg(cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		l.rescheduleCheck(c, at, force)
		return nil
	}
}

func (l *Listener) scheduleServiceCheck(force bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.service(cmd.Args[0], cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		at, err := parseUnixArg(cmd.Args[2])
		if err != nil {
			return trace.Wrap(err)
		}
		l.rescheduleCheck(c, at, force)
		return nil
	}
}

func (l *Listener) scheduleHostServicesChecks(force bool) handlerFunc {
	return func(cmd *Command) error {
		if _, err := l.host(cmd.Args[0]); err != nil {
			return trace.Wrap(err)
		}
		at, err := parseUnixArg(cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		for _, svc := range l.Store.ServicesOfHost(cmd.Args[0]) {
			l.rescheduleCheck(&svc.Checkable, at, force)
		}
		return nil
	}
}

// Acknowledgements.

func (l *Listener) acknowledgeHost(expire bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.host(cmd.Args[0])
		if err != nil {
			return trace.Wrap(err)
		}
		return l.acknowledge(c, cmd, cmd.Args[1:], expire)
	}
}

func (l *Listener) acknowledgeService(expire bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.service(cmd.Args[0], cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		return l.acknowledge(c, cmd, cmd.Args[2:], expire)
	}
}

// acknowledge applies sticky;notify;persistent[;timestamp];author;comment.
// Sticky is the value 2 in the classic dialect; the persistence flag is
// accepted and ignored because comments survive restarts regardless.
func (l *Listener) acknowledge(c *objects.Checkable, cmd *Command, args []string, expire bool) error {
	ack := objects.Acknowledgement{
		Type: objects.AckNormal,
		Time: cmd.Time,
	}
	if strings.TrimSpace(args[0]) == "2" {
		ack.Type = objects.AckSticky
	}
	notify := parseFlagArg(args[1])
	idx := 3
	if expire {
		t, err := parseUnixArg(args[3])
		if err != nil {
			return trace.Wrap(err)
		}
		ack.Expiry = t
		idx = 4
	}
	ack.Author, ack.Comment = args[idx], args[idx+1]

	c.Lock()
	if !c.HasBeenChecked || !c.IsProblem() {
		c.Unlock()
		return trace.BadParameter("%v is not in a problem state", c.Name())
	}
	c.Ack = ack
	cr := c.LastCheckResult
	c.Unlock()
	l.events().EmitAckSet(c, ack, objects.Origin{})

	comment := &objects.Comment{
		Author:     ack.Author,
		Text:       ack.Comment,
		EntryType:  objects.CommentAcknowledgement,
		ExpireTime: ack.Expiry,
	}
	if _, err := l.Downtimes.AddComment(c, comment, objects.Origin{}); err != nil {
		log.WithError(err).Warningf("Adding acknowledgement comment for %v failed.", c.Name())
	}
	if notify {
		l.events().EmitNotificationRequest(c, objects.NotificationAcknowledgement, cr, ack.Author, ack.Comment, false)
	}
	return nil
}

func (l *Listener) removeHostAck(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	l.clearAck(c)
	return nil
}

func (l *Listener) removeServiceAck(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	l.clearAck(c)
	return nil
}

func (l *Listener) clearAck(c *objects.Checkable) {
	c.Lock()
	had := c.Ack.Type != objects.AckNone
	c.Ack = objects.Acknowledgement{}
	c.Unlock()
	if had {
		l.events().EmitAckCleared(c, objects.Origin{})
	}
}

// Comments.

func (l *Listener) addHostComment(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	// cmd.Args[1] is the persistence flag, accepted and ignored.
	return l.addUserComment(c, cmd.Args[2], cmd.Args[3])
}

func (l *Listener) addServiceComment(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.addUserComment(c, cmd.Args[3], cmd.Args[4])
}

func (l *Listener) addUserComment(c *objects.Checkable, author, text string) error {
	comment := &objects.Comment{
		Author:    author,
		Text:      text,
		EntryType: objects.CommentUser,
	}
	_, err := l.Downtimes.AddComment(c, comment, objects.Origin{})
	return trace.Wrap(err)
}

func (l *Listener) deleteComment(cmd *Command) error {
	id, err := strconv.ParseUint(strings.TrimSpace(cmd.Args[0]), 10, 64)
	if err != nil {
		return trace.BadParameter("bad comment id %q", cmd.Args[0])
	}
	c, comment, ok := l.Downtimes.FindCommentByLegacyID(id)
	if !ok {
		return trace.NotFound("comment %v not found", id)
	}
	return trace.Wrap(l.Downtimes.RemoveComment(c, comment.ID, objects.Origin{}))
}

func (l *Listener) deleteAllHostComments(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.deleteAllComments(c)
}

func (l *Listener) deleteAllServiceComments(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.deleteAllComments(c)
}

// deleteAllComments removes user-facing comments. Downtime comments
// belong to their downtime and go when it does.
func (l *Listener) deleteAllComments(c *objects.Checkable) error {
	for _, cm := range l.Downtimes.CommentsFor(c) {
		if cm.EntryType == objects.CommentDowntime {
			continue
		}
		if err := l.Downtimes.RemoveComment(c, cm.ID, objects.Origin{}); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Downtimes.

// parseDowntime reads start;end;fixed;trigger;duration;author;comment.
// The trigger is a legacy downtime ID, translated to the GUID of the
// triggering window; 0 means untriggered.
func (l *Listener) parseDowntime(args []string) (objects.Downtime, error) {
	start, err := parseUnixArg(args[0])
	if err != nil {
		return objects.Downtime{}, trace.Wrap(err)
	}
	end, err := parseUnixArg(args[1])
	if err != nil {
		return objects.Downtime{}, trace.Wrap(err)
	}
	d := objects.Downtime{
		StartTime:   start,
		EndTime:     end,
		Fixed:       parseFlagArg(args[2]),
		Author:      args[5],
		CommentText: args[6],
	}
	if trigger := strings.TrimSpace(args[3]); trigger != "" && trigger != "0" {
		id, err := strconv.ParseUint(trigger, 10, 64)
		if err != nil {
			return objects.Downtime{}, trace.BadParameter("bad trigger id %q", trigger)
		}
		_, parent, ok := l.Downtimes.FindDowntimeByLegacyID(id)
		if !ok {
			return objects.Downtime{}, trace.NotFound("trigger downtime %v not found", id)
		}
		d.TriggeredBy = parent.ID
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(args[4]), 64)
	if err != nil {
		return objects.Downtime{}, trace.BadParameter("bad duration %q", args[4])
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return d, nil
}

func (l *Listener) scheduleHostDowntime(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	d, err := l.parseDowntime(cmd.Args[1:])
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = l.Downtimes.ScheduleDowntime(c, &d, objects.Origin{})
	return trace.Wrap(err)
}

func (l *Listener) scheduleServiceDowntime(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	d, err := l.parseDowntime(cmd.Args[2:])
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = l.Downtimes.ScheduleDowntime(c, &d, objects.Origin{})
	return trace.Wrap(err)
}

// scheduleHostServicesDowntime covers the host and each of its
// services with their own windows.
func (l *Listener) scheduleHostServicesDowntime(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	spec, err := l.parseDowntime(cmd.Args[1:])
	if err != nil {
		return trace.Wrap(err)
	}
	d := spec
	if _, err := l.Downtimes.ScheduleDowntime(c, &d, objects.Origin{}); err != nil {
		return trace.Wrap(err)
	}
	for _, svc := range l.Store.ServicesOfHost(cmd.Args[0]) {
		d := spec
		if _, err := l.Downtimes.ScheduleDowntime(&svc.Checkable, &d, objects.Origin{}); err != nil {
			log.WithError(err).Warningf("Scheduling downtime for %v failed.", svc.Name())
		}
	}
	return nil
}

func (l *Listener) schedulePropagatedDowntime(triggered bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.host(cmd.Args[0])
		if err != nil {
			return trace.Wrap(err)
		}
		spec, err := l.parseDowntime(cmd.Args[1:])
		if err != nil {
			return trace.Wrap(err)
		}
		root := spec
		parent, err := l.Downtimes.ScheduleDowntime(c, &root, objects.Origin{})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, child := range l.descendantHosts(c) {
			d := spec
			if triggered {
				d.TriggeredBy = parent.ID
			}
			if _, err := l.Downtimes.ScheduleDowntime(child, &d, objects.Origin{}); err != nil {
				log.WithError(err).Warningf("Propagating downtime to %v failed.", child.Name())
			}
		}
		return nil
	}
}

// descendantHosts walks host dependencies child-to-parent and returns
// every host below the given one.
func (l *Listener) descendantHosts(parent *objects.Checkable) []*objects.Checkable {
	seen := map[string]bool{parent.Name(): true}
	frontier := []string{parent.Name()}
	var out []*objects.Checkable
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, h := range l.Store.Hosts() {
			child := &h.Checkable
			if seen[child.Name()] {
				continue
			}
			if !l.dependsOnHost(child, cur) {
				continue
			}
			seen[child.Name()] = true
			out = append(out, child)
			frontier = append(frontier, child.Name())
		}
	}
	return out
}

func (l *Listener) dependsOnHost(child *objects.Checkable, hostName string) bool {
	for _, dep := range l.Store.DependenciesFor(child) {
		if dep.ParentKind == objects.TypeHost && dep.ParentName == hostName {
			return true
		}
	}
	return false
}

func (l *Listener) deleteDowntime(cmd *Command) error {
	id, err := strconv.ParseUint(strings.TrimSpace(cmd.Args[0]), 10, 64)
	if err != nil {
		return trace.BadParameter("bad downtime id %q", cmd.Args[0])
	}
	c, d, ok := l.Downtimes.FindDowntimeByLegacyID(id)
	if !ok {
		return trace.NotFound("downtime %v not found", id)
	}
	return trace.Wrap(l.Downtimes.RemoveDowntime(c, d.ID, true, objects.Origin{}))
}

// deleteDowntimesByName cancels by host[;service[;start[;comment]]].
// Missing service means the host and all of its services; start and
// comment narrow the match.
func (l *Listener) deleteDowntimesByName(cmd *Command) error {
	var targets []*objects.Checkable
	if len(cmd.Args) > 1 && strings.TrimSpace(cmd.Args[1]) != "" {
		c, err := l.service(cmd.Args[0], cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		targets = append(targets, c)
	} else {
		c, err := l.host(cmd.Args[0])
		if err != nil {
			return trace.Wrap(err)
		}
		targets = append(targets, c)
		for _, svc := range l.Store.ServicesOfHost(cmd.Args[0]) {
			targets = append(targets, &svc.Checkable)
		}
	}
	var start time.Time
	if len(cmd.Args) > 2 && strings.TrimSpace(cmd.Args[2]) != "" {
		t, err := parseUnixArg(cmd.Args[2])
		if err != nil {
			return trace.Wrap(err)
		}
		start = t
	}
	var comment string
	if len(cmd.Args) > 3 {
		comment = cmd.Args[3]
	}
	for _, c := range targets {
		for _, d := range l.Downtimes.DowntimesFor(c) {
			if !start.IsZero() && !d.StartTime.Equal(start) {
				continue
			}
			if comment != "" && d.CommentText != comment {
				continue
			}
			if err := l.Downtimes.RemoveDowntime(c, d.ID, true, objects.Origin{}); err != nil && !trace.IsNotFound(err) {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// Notifications.

func (l *Listener) customHostNotification(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.customNotification(c, cmd.Args[1], cmd.Args[2], cmd.Args[3])
}

func (l *Listener) customServiceNotification(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.customNotification(c, cmd.Args[2], cmd.Args[3], cmd.Args[4])
}

// customNotification requests a CUSTOM notification. Option bit 2 is
// the classic forced flag, pushing past filters and enablement.
func (l *Listener) customNotification(c *objects.Checkable, optionsArg, author, text string) error {
	options, err := strconv.Atoi(strings.TrimSpace(optionsArg))
	if err != nil {
		return trace.BadParameter("bad notification options %q", optionsArg)
	}
	c.Lock()
	cr := c.LastCheckResult
	c.Unlock()
	l.events().EmitNotificationRequest(c, objects.NotificationCustom, cr, author, text, options&2 != 0)
	return nil
}

func (l *Listener) delayHostNotification(cmd *Command) error {
	c, err := l.host(cmd.Args[0])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.delayNotifications(c, cmd.Args[1])
}

func (l *Listener) delayServiceNotification(cmd *Command) error {
	c, err := l.service(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return trace.Wrap(err)
	}
	return l.delayNotifications(c, cmd.Args[2])
}

func (l *Listener) delayNotifications(c *objects.Checkable, atArg string) error {
	at, err := parseUnixArg(atArg)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, n := range l.Store.NotificationsFor(c) {
		c.Lock()
		n.NextNotification = at
		c.Unlock()
		l.events().EmitNextNotificationChanged(n, at, objects.Origin{})
	}
	return nil
}

// Flags and attribute changes.

func (l *Listener) setFlag(c *objects.Checkable, f objects.Flag, v bool) {
	c.Lock()
	switch f {
	case objects.FlagActiveChecks:
		c.ActiveChecksEnabled = v
	case objects.FlagPassiveChecks:
		c.PassiveChecksEnabled = v
	case objects.FlagNotifications:
		c.NotificationsEnabled = v
	case objects.FlagFlapDetection:
		c.FlapDetectionEnabled = v
	}
	c.Unlock()
	l.events().EmitFlagChanged(c, f, v, objects.Origin{})
}

func (l *Listener) hostFlag(f objects.Flag, v bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.host(cmd.Args[0])
		if err != nil {
			return trace.Wrap(err)
		}
		l.setFlag(c, f, v)
		return nil
	}
}

func (l *Listener) serviceFlag(f objects.Flag, v bool) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.service(cmd.Args[0], cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		l.setFlag(c, f, v)
		return nil
	}
}

func (l *Listener) hostServicesFlag(f objects.Flag, v bool) handlerFunc {
	return func(cmd *Command) error {
		if _, err := l.host(cmd.Args[0]); err != nil {
			return trace.Wrap(err)
		}
		for _, svc := range l.Store.ServicesOfHost(cmd.Args[0]) {
			l.setFlag(&svc.Checkable, f, v)
		}
		return nil
	}
}

// mutateHost resolves a host and applies a locked mutation to it,
// passing the arguments after the host name.
func (l *Listener) mutateHost(apply func(*objects.Checkable, []string) error) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.host(cmd.Args[0])
		if err != nil {
			return trace.Wrap(err)
		}
		c.Lock()
		err = apply(c, cmd.Args[1:])
		c.Unlock()
		return trace.Wrap(err)
	}
}

func (l *Listener) mutateService(apply func(*objects.Checkable, []string) error) handlerFunc {
	return func(cmd *Command) error {
		c, err := l.service(cmd.Args[0], cmd.Args[1])
		if err != nil {
			return trace.Wrap(err)
		}
		c.Lock()
		err = apply(c, cmd.Args[2:])
		c.Unlock()
		return trace.Wrap(err)
	}
}

func eventHandlerFlag(v bool) func(*objects.Checkable, []string) error {
	return func(c *objects.Checkable, _ []string) error {
		c.EventHandlerEnabled = v
		return nil
	}
}

func changeCheckInterval(c *objects.Checkable, args []string) error {
	return setIntervalMinutes(&c.CheckInterval, args[0])
}

func changeRetryInterval(c *objects.Checkable, args []string) error {
	return setIntervalMinutes(&c.RetryInterval, args[0])
}

// setIntervalMinutes converts the pipe's minute-denominated interval.
func setIntervalMinutes(dst *time.Duration, arg string) error {
	minutes, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil || minutes <= 0 {
		return trace.BadParameter("bad interval %q", arg)
	}
	*dst = time.Duration(minutes * float64(time.Minute))
	return nil
}

func changeMaxAttempts(c *objects.Checkable, args []string) error {
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || n < 1 {
		return trace.BadParameter("bad max attempts %q", args[0])
	}
	c.MaxCheckAttempts = n
	return nil
}

func (l *Listener) changeCheckPeriod(c *objects.Checkable, args []string) error {
	name := strings.TrimSpace(args[0])
	if _, ok := l.Store.GetTimeperiod(name); !ok {
		return trace.NotFound("timeperiod %q not found", name)
	}
	c.CheckPeriodName = name
	return nil
}

func (l *Listener) changeEventHandler(c *objects.Checkable, args []string) error {
	name := strings.TrimSpace(args[0])
	if name != "" {
		if _, ok := l.Store.GetCommand(name); !ok {
			return trace.NotFound("command %q not found", name)
		}
	}
	c.EventHandlerName = name
	return nil
}

func changeCustomVar(c *objects.Checkable, args []string) error {
	if c.Vars == nil {
		c.Vars = map[string]string{}
	}
	c.Vars[args[0]] = args[1]
	return nil
}

// Global toggles and process control.

func (l *Listener) globalToggle(set func(bool), v bool) handlerFunc {
	return func(cmd *Command) error {
		set(v)
		log.Infof("Applied global toggle %v.", cmd.Verb)
		return nil
	}
}

func (l *Listener) processControl(action string, fn *func()) handlerFunc {
	return func(_ *Command) error {
		log.Infof("Process %v requested by external command.", action)
		if *fn != nil {
			(*fn)()
		}
		return nil
	}
}
