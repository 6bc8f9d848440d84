package cluster

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/vigil/internal/objects"
)

// dispatch applies one received message. The return value says whether
// the message may be forwarded onward; a locally denied message still
// forwards because downstream peers judge their own privileges.
func (c *Cluster) dispatch(r *remote, verb string, m Message) bool {
	var err error
	forward := true
	switch verb {
	case VerbHeartBeat:
		forward = c.handleHeartBeat(r, m)
	case VerbBlockLink:
		c.handleBlockLink(r)
	case VerbCheckResult:
		err = c.handleCheckResult(r, m)
	case VerbSetNextCheck:
		err = c.handleSetNextCheck(r, m)
	case VerbSetForceNextCheck, VerbSetForceNextNotification,
		VerbSetEnableActiveChecks, VerbSetEnablePassiveChecks,
		VerbSetEnableNotifications, VerbSetEnableFlapping:
		err = c.handleFlag(r, verb, m)
	case VerbSetNextNotification:
		err = c.handleSetNextNotification(r, m)
	case VerbAddComment:
		err = c.handleAddComment(r, m)
	case VerbRemoveComment:
		err = c.handleRemoveComment(r, m)
	case VerbAddDowntime:
		err = c.handleAddDowntime(r, m)
	case VerbRemoveDowntime:
		err = c.handleRemoveDowntime(r, m)
	case VerbSetAcknowledgement:
		err = c.handleSetAcknowledgement(r, m)
	case VerbClearAcknowledgement:
		err = c.handleClearAcknowledgement(r, m)
	case VerbSetLogPosition:
		err = c.handleSetLogPosition(r, m)
	case VerbConfig:
		err = c.handleConfig(r, m)
	default:
		log.Debugf("Ignoring unknown cluster verb %q from %v.", verb, r.name)
	}
	if err != nil {
		log.WithError(err).Debugf("Dropping cluster::%v from endpoint %v.", verb, r.name)
	}
	return forward
}

// resolveRef looks up the target object and checks the sending peer's
// privileges over it. Mutating verbs demand command privileges, state
// updates only read.
func (c *Cluster) resolveRef(ref objectRef, verb, peer string) (*objects.Checkable, objects.Origin, error) {
	obj, err := c.Store.Resolve(ref.Kind, ref.Name)
	if err != nil {
		return nil, objects.Origin{}, trace.Wrap(err)
	}
	need := objects.PrivRead
	if commandVerb(verb) {
		need = objects.PrivCommand
	}
	if c.Store.PeerPrivileges(obj, peer)&need == 0 {
		return nil, objects.Origin{}, trace.AccessDenied("endpoint %v may not apply %v to %v", peer, verb, ref.Name)
	}
	origin := objects.Origin{Authority: ref.Authority, Source: peer}
	if origin.Authority == "" {
		origin.Authority = peer
	}
	return obj, origin, nil
}

// handleHeartBeat updates the flooded liveness view. Returns false for
// our own heartbeat coming back around, which must not circulate.
func (c *Cluster) handleHeartBeat(r *remote, m Message) bool {
	var p heartbeatParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		log.WithError(err).Debugf("Malformed heartbeat from endpoint %v.", r.name)
		return false
	}
	if p.Identity == "" || p.Identity == c.identity {
		return false
	}
	ep, ok := c.Store.GetEndpoint(p.Identity)
	if !ok {
		// Unknown here, but peers further along may know it.
		return true
	}
	ep.Lock()
	ep.LastSeen = c.Clock.Now()
	ep.Features = objects.EndpointFeature(p.Features)
	ep.ConnectedEndpoints = p.ConnectedEndpoints
	ep.Unlock()
	return true
}

func (c *Cluster) handleBlockLink(r *remote) {
	r.ep.Lock()
	r.ep.BlockedUntil = c.Clock.Now().Add(blockLinkDuration)
	r.ep.Unlock()
	log.Debugf("Endpoint %v blocked the link for %v.", r.name, blockLinkDuration)
}

// handleCheckResult injects a replicated result into the local state
// machine. Active stays as the origin reported it so the passive check
// gate only applies to results that really were passive.
func (c *Cluster) handleCheckResult(r *remote, m Message) error {
	var p checkResultParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed check result: %v", err)
	}
	if p.CheckResult == nil {
		return trace.BadParameter("check result payload is empty")
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbCheckResult, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	if p.CheckResult.CheckSource == "" {
		p.CheckResult.CheckSource = r.name
	}
	return trace.Wrap(c.Processor.ProcessResult(obj, p.CheckResult, origin))
}

func (c *Cluster) handleSetNextCheck(r *remote, m Message) error {
	var p nextCheckParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed next check update: %v", err)
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbSetNextCheck, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	t := timeFromUnix(p.NextCheck)
	obj.Lock()
	obj.NextCheck = t
	obj.Unlock()
	c.Store.Events().EmitNextCheckChanged(obj, t, origin)
	return nil
}

func (c *Cluster) handleFlag(r *remote, verb string, m Message) error {
	var p flagParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed flag update: %v", err)
	}
	obj, origin, err := c.resolveRef(p.objectRef, verb, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	var flag objects.Flag
	obj.Lock()
	switch verb {
	case VerbSetEnableActiveChecks:
		obj.ActiveChecksEnabled = p.Value
		flag = objects.FlagActiveChecks
	case VerbSetEnablePassiveChecks:
		obj.PassiveChecksEnabled = p.Value
		flag = objects.FlagPassiveChecks
	case VerbSetEnableNotifications:
		obj.NotificationsEnabled = p.Value
		flag = objects.FlagNotifications
	case VerbSetEnableFlapping:
		obj.FlapDetectionEnabled = p.Value
		flag = objects.FlagFlapDetection
	case VerbSetForceNextCheck:
		obj.ForceNextCheck = p.Value
		flag = objects.FlagForceNextCheck
	case VerbSetForceNextNotification:
		obj.ForceNextNotification = p.Value
		flag = objects.FlagForceNextNotification
	}
	obj.Unlock()
	c.Store.Events().EmitFlagChanged(obj, flag, p.Value, origin)
	return nil
}

func (c *Cluster) handleSetNextNotification(r *remote, m Message) error {
	var p nextNotificationParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed next notification update: %v", err)
	}
	n, ok := c.Store.GetNotification(p.Notification)
	if !ok {
		return trace.NotFound("notification %q is not registered", p.Notification)
	}
	parent, err := c.Store.Resolve(n.Kind, n.ParentName)
	if err != nil {
		return trace.Wrap(err)
	}
	if c.Store.PeerPrivileges(parent, r.name)&objects.PrivRead == 0 {
		return trace.AccessDenied("endpoint %v may not update notification %v", r.name, n.Name)
	}
	origin := objects.Origin{Authority: p.Authority, Source: r.name}
	if origin.Authority == "" {
		origin.Authority = r.name
	}
	t := timeFromUnix(p.NextNotification)
	parent.Lock()
	n.NextNotification = t
	parent.Unlock()
	c.Store.Events().EmitNextNotificationChanged(n, t, origin)
	return nil
}

/// Comment and downtime mutations are idempotent: replay overlap makes
// duplicate adds and removals of already gone IDs routine.

func (c *Cluster) handleAddComment(r *remote, m Message) error {
	var p commentParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed comment: %v", err)
	}
	if p.Comment == nil {
		return trace.BadParameter("comment payload is empty")
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbAddComment, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := c.Downtimes.AddComment(obj, p.Comment, origin); err != nil && !trace.IsAlreadyExists(err) {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Cluster) handleRemoveComment(r *remote, m Message) error {
	var p commentParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed comment removal: %v", err)
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbRemoveComment, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := c.Downtimes.RemoveComment(obj, p.ID, origin); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Cluster) handleAddDowntime(r *remote, m Message) error {
	var p downtimeParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed downtime: %v", err)
	}
	if p.Downtime == nil {
		return trace.BadParameter("downtime payload is empty")
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbAddDowntime, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := c.Downtimes.ScheduleDowntime(obj, p.Downtime, origin); err != nil && !trace.IsAlreadyExists(err) {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Cluster) handleRemoveDowntime(r *remote, m Message) error {
	var p downtimeParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed downtime removal: %v", err)
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbRemoveDowntime, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := c.Downtimes.RemoveDowntime(obj, p.ID, p.Cancelled, origin); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Cluster) handleSetAcknowledgement(r *remote, m Message) error {
	var p ackParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed acknowledgement: %v", err)
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbSetAcknowledgement, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	ack := objects.Acknowledgement{
		Type:    objects.AckType(p.AckType),
		Author:  p.Author,
		Comment: p.Comment,
		Time:    timeFromUnix(p.Time),
		Expiry:  timeFromUnix(p.Expiry),
	}
	obj.Lock()
	obj.Ack = ack
	obj.Unlock()
	c.Store.Events().EmitAckSet(obj, ack, origin)
	return nil
}

func (c *Cluster) handleClearAcknowledgement(r *remote, m Message) error {
	var p ackParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed acknowledgement removal: %v", err)
	}
	obj, origin, err := c.resolveRef(p.objectRef, VerbClearAcknowledgement, r.name)
	if err != nil {
		return trace.Wrap(err)
	}
	obj.Lock()
	obj.Ack = objects.Acknowledgement{}
	obj.Unlock()
	c.Store.Events().EmitAckCleared(obj, origin)
	return nil
}

func (c *Cluster) handleSetLogPosition(r *remote, m Message) error {
	var p logPositionParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed log position: %v", err)
	}
	r.ep.AdvanceLocalLogPosition(p.LogPosition)
	return nil
}

func (c *Cluster) handleConfig(r *remote, m Message) error {
	var p configParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return trace.BadParameter("malformed config push: %v", err)
	}
	return trace.Wrap(c.receiveConfig(p))
}
