// Package ido streams object state, history and configuration into a
// relational database. Bus events translate into typed queries that a
// postgres writer drains off a buffered channel; the schema follows the
// classic IDO layout, with an objects table mapping monitored objects to
// numeric ids and per-concern status and history tables hanging off it.
package ido

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/objects"
)

var log = logrus.WithField(trace.Component, "vigil:ido")

var (
	queriesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_ido_queries_queued_total",
			Help: "Queries queued for the database writer",
		},
	)
	queriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_ido_queries_dropped_total",
			Help: "Queries dropped because the writer queue was full",
		},
	)
	queriesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_ido_queries_written_total",
			Help: "Queries executed against the database",
		},
	)
	queriesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_ido_queries_failed_total",
			Help: "Queries that failed to execute",
		},
	)
	dbConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_ido_connected",
			Help: "Whether the database connection is up",
		},
	)
)

func init() {
	prometheus.MustRegister(queriesQueued, queriesDropped, queriesWritten, queriesFailed, dbConnected)
}

// QueryType selects the SQL statement shape a query translates to.
type QueryType int

const (
	// QueryInsert appends a row.
	QueryInsert QueryType = 1 << iota
	// QueryUpdate rewrites the rows matched by Where.
	QueryUpdate
	// QueryDelete removes the rows matched by Where.
	QueryDelete
)

// QueryInsertUpdate updates first and falls back to an insert when no row
// matched.
const QueryInsertUpdate = QueryInsert | QueryUpdate

// Category classifies queries so the writer can switch off whole classes
// without inspecting tables.
type Category int

const (
	CatConfig Category = 1 << iota
	CatState
	CatStateHistory
	CatAcknowledgement
	CatComment
	CatDowntime
	CatExternalCommand
	CatFlapping
	CatLog
	CatNotification
	CatProgramStatus
)

// CatEverything enables every category.
const CatEverything = CatConfig | CatState | CatStateHistory | CatAcknowledgement |
	CatComment | CatDowntime | CatExternalCommand | CatFlapping | CatLog |
	CatNotification | CatProgramStatus

// Relational object type ids, straight from the classic schema.
const (
	objectTypeHost    = 1
	objectTypeService = 2
	objectTypeContact = 10
)

// ObjectRef names a monitored object in the relational objects table. Refs
// appearing as field or where values are resolved to their numeric id by
// the writer, which inserts the objects row on first sight.
type ObjectRef struct {
	Kind string // objects.TypeHost, TypeService or TypeUser
	Name string // registry key; host!service for services
}

// names splits the ref into the relational (objecttype_id, name1, name2)
// triple.
func (r ObjectRef) names() (typeID int, name1, name2 string, err error) {
	switch r.Kind {
	case objects.TypeHost:
		return objectTypeHost, r.Name, "", nil
	case objects.TypeService:
		host, svc, ok := strings.Cut(r.Name, "!")
		if !ok {
			return 0, "", "", trace.BadParameter("service ref %q is missing the host separator", r.Name)
		}
		return objectTypeService, host, svc, nil
	case objects.TypeUser:
		return objectTypeContact, r.Name, "", nil
	}
	return 0, "", "", trace.BadParameter("no relational object type for %v", r.Kind)
}

// Query is one typed database event. Fields and Where map column names to
// plain Go values; ObjectRef values resolve to object ids at execution
// time. On the insert half of an insert-update the two maps merge into one
// row.
type Query struct {
	Table    string
	Type     QueryType
	Category Category
	Fields   map[string]any
	Where    map[string]any

	// Object is the subject of the query. Config updates switch its
	// objects-table row active; the maps name its id column explicitly
	// wherever one is needed.
	Object ObjectRef

	// ConfigUpdate marks the query part of a configuration dump.
	ConfigUpdate bool
	// StatusUpdate stamps status_update_time on the row.
	StatusUpdate bool
}

// dbBool renders a bool as the schema's smallint flags.
func dbBool(v bool) int {
	if v {
		return 1
	}
	return 0
}

// dbTime renders zero times as NULL.
func dbTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func refFor(c *objects.Checkable) ObjectRef {
	return ObjectRef{Kind: c.Kind, Name: c.Name()}
}

// statusTable picks the status table and its object column for a
// checkable.
func statusTable(c *objects.Checkable) (table, refColumn string) {
	if c.IsHost() {
		return "hoststatus", "host_object_id"
	}
	return "servicestatus", "service_object_id"
}

// Host/service discriminators keep the legacy dialect: comments use 1/2,
// downtimes 2/1, flapping and notifications 0/1.
func commentType(c *objects.Checkable) int {
	if c.IsHost() {
		return 1
	}
	return 2
}

func downtimeType(c *objects.Checkable) int {
	if c.IsHost() {
		return 2
	}
	return 1
}

func hostServiceType(c *objects.Checkable) int {
	if c.IsHost() {
		return 0
	}
	return 1
}

// reasonCode maps a notification type to the legacy notification_reason
// column.
func reasonCode(t objects.NotificationType) int {
	switch t {
	case objects.NotificationAcknowledgement:
		return 1
	case objects.NotificationFlappingStart:
		return 2
	case objects.NotificationFlappingEnd:
		return 3
	case objects.NotificationDowntimeStart:
		return 5
	case objects.NotificationDowntimeEnd:
		return 6
	case objects.NotificationDowntimeRemoved:
		return 7
	case objects.NotificationCustom:
		return 99
	}
	return 0
}
