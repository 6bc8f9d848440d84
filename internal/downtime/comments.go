package downtime

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/oceanplexian/vigil/internal/objects"
)

// AddComment attaches a comment to c and announces it. Replicated comments
// keep the GUID they were created with.
func (m *Manager) AddComment(c *objects.Checkable, comment *objects.Comment, origin objects.Origin) (*objects.Comment, error) {
	if comment.Text == "" {
		return nil, trace.BadParameter("comment on %v has no text", c.Name())
	}
	m.fillComment(comment, m.Clock.Now())
	comment.Kind = c.Kind
	comment.ParentName = c.Name()

	c.Lock()
	if _, ok := c.Comments[comment.ID]; ok {
		c.Unlock()
		return nil, trace.AlreadyExists("comment %v already present on %v", comment.ID, c.Name())
	}
	c.Comments[comment.ID] = comment
	c.Unlock()

	m.events.EmitCommentAdded(c, comment, origin)
	return comment, nil
}

// RestoreComment reattaches a persisted comment to c without announcing it
// on the bus.
func (m *Manager) RestoreComment(c *objects.Checkable, comment *objects.Comment) {
	if comment.LegacyID != 0 {
		bumpCounter(&m.nextCommentID, comment.LegacyID)
	}
	c.Lock()
	c.Comments[comment.ID] = comment
	c.Unlock()
}

// RemoveComment deletes a comment from c by GUID.
func (m *Manager) RemoveComment(c *objects.Checkable, id string, origin objects.Origin) error {
	c.Lock()
	comment, ok := c.Comments[id]
	if !ok {
		c.Unlock()
		return trace.NotFound("comment %v not found on %v", id, c.Name())
	}
	delete(c.Comments, id)
	c.Unlock()

	m.events.EmitCommentRemoved(c, comment, origin)
	return nil
}

// RemoveAckComments deletes the acknowledgement comments on c. Runs whenever
// an acknowledgement is cleared, the comments have no life of their own.
func (m *Manager) RemoveAckComments(c *objects.Checkable, origin objects.Origin) {
	c.Lock()
	var removed []*objects.Comment
	for id, comment := range c.Comments {
		if comment.EntryType == objects.CommentAcknowledgement {
			removed = append(removed, comment)
			delete(c.Comments, id)
		}
	}
	c.Unlock()

	for _, comment := range removed {
		m.events.EmitCommentRemoved(c, comment, origin)
	}
}

// FindCommentByLegacyID resolves the numeric ID used by the external command
// interface to the owning checkable and comment.
func (m *Manager) FindCommentByLegacyID(id uint64) (*objects.Checkable, *objects.Comment, bool) {
	for _, c := range m.Store.Checkables() {
		c.Lock()
		for _, comment := range c.Comments {
			if comment.LegacyID == id {
				c.Unlock()
				return c, comment, true
			}
		}
		c.Unlock()
	}
	return nil, nil, false
}

// CommentsFor returns c's comments ordered by entry time.
func (m *Manager) CommentsFor(c *objects.Checkable) []*objects.Comment {
	c.Lock()
	out := make([]*objects.Comment, 0, len(c.Comments))
	for _, comment := range c.Comments {
		out = append(out, comment)
	}
	c.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].LegacyID < out[j].LegacyID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

func (m *Manager) fillComment(comment *objects.Comment, now time.Time) {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.LegacyID == 0 {
		comment.LegacyID = m.nextCommentID.Add(1)
	} else {
		bumpCounter(&m.nextCommentID, comment.LegacyID)
	}
	if comment.EntryTime.IsZero() {
		comment.EntryTime = now
	}
	if comment.EntryType == 0 {
		comment.EntryType = objects.CommentUser
	}
}
