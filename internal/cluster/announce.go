package cluster

import (
	"time"

	"github.com/oceanplexian/vigil/internal/objects"
)

// subscribe relays locally originated events onto the wire. Events with
// a foreign authority were applied from a received message and stay
// quiet, or the cluster would echo forever.
func (c *Cluster) subscribe() {
	events := c.Store.Events()

	events.OnCheckResult(func(obj *objects.Checkable, cr *objects.CheckResult, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		c.submit(VerbCheckResult, checkResultParams{
			objectRef:   c.refFor(obj),
			CheckResult: cr,
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnNextCheckChanged(func(obj *objects.Checkable, t time.Time, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		c.submit(VerbSetNextCheck, nextCheckParams{
			objectRef: c.refFor(obj),
			NextCheck: unixFloat(t),
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnFlagChanged(func(obj *objects.Checkable, f objects.Flag, v bool, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		verb, ok := flagVerbs[f]
		if !ok {
			return
		}
		c.submit(verb, flagParams{
			objectRef: c.refFor(obj),
			Value:     v,
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnNextNotificationChanged(func(n *objects.Notification, t time.Time, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		var sec *Security
		if parent, err := c.Store.Resolve(n.Kind, n.ParentName); err == nil {
			sec = c.secFor(parent, objects.PrivRead)
		}
		c.submit(VerbSetNextNotification, nextNotificationParams{
			Notification:     n.Name,
			NextNotification: unixFloat(t),
			Authority:        c.identity,
		}, sec)
	})

	events.OnAckSet(func(obj *objects.Checkable, a objects.Acknowledgement, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		c.submit(VerbSetAcknowledgement, ackParams{
			objectRef: c.refFor(obj),
			Author:    a.Author,
			Comment:   a.Comment,
			AckType:   int(a.Type),
			Time:      unixFloat(a.Time),
			Expiry:    unixFloat(a.Expiry),
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnAckCleared(func(obj *objects.Checkable, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		c.submit(VerbClearAcknowledgement, ackParams{
			objectRef: c.refFor(obj),
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnDowntimeAdded(func(obj *objects.Checkable, d *objects.Downtime, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		c.submit(VerbAddDowntime, downtimeParams{
			objectRef: c.refFor(obj),
			Downtime:  d,
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnDowntimeRemoved(func(obj *objects.Checkable, d *objects.Downtime, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		c.submit(VerbRemoveDowntime, downtimeParams{
			objectRef: c.refFor(obj),
			ID:        d.ID,
			Cancelled: d.WasCancelled,
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnCommentAdded(func(obj *objects.Checkable, cm *objects.Comment, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		// Downtime comments regenerate on every node when the downtime
		// itself is applied.
		if cm.EntryType == objects.CommentDowntime {
			return
		}
		c.submit(VerbAddComment, commentParams{
			objectRef: c.refFor(obj),
			Comment:   cm,
		}, c.secFor(obj, objects.PrivRead))
	})

	events.OnCommentRemoved(func(obj *objects.Checkable, cm *objects.Comment, o objects.Origin) {
		if !o.Local(c.identity) {
			return
		}
		if cm.EntryType == objects.CommentDowntime {
			return
		}
		c.submit(VerbRemoveComment, commentParams{
			objectRef: c.refFor(obj),
			ID:        cm.ID,
		}, c.secFor(obj, objects.PrivRead))
	})
}

var flagVerbs = map[objects.Flag]string{
	objects.FlagActiveChecks:          VerbSetEnableActiveChecks,
	objects.FlagPassiveChecks:         VerbSetEnablePassiveChecks,
	objects.FlagNotifications:         VerbSetEnableNotifications,
	objects.FlagFlapDetection:         VerbSetEnableFlapping,
	objects.FlagForceNextCheck:        VerbSetForceNextCheck,
	objects.FlagForceNextNotification: VerbSetForceNextNotification,
}

func (c *Cluster) refFor(obj *objects.Checkable) objectRef {
	return objectRef{Kind: obj.Kind, Name: obj.Name(), Authority: c.identity}
}

// secFor scopes a message to the object's domains. Objects without
// domains are visible to the whole cluster and need no security header.
func (c *Cluster) secFor(obj *objects.Checkable, privs int) *Security {
	if len(obj.DomainNames) == 0 {
		return nil
	}
	return &Security{Kind: obj.Kind, Name: obj.Name(), Privs: privs}
}
