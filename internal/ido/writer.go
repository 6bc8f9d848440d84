package ido

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
)

const (
	reconnectInterval = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	defaultPrefix     = "vigil_"
	defaultInstance   = "default"
)

// WriterConfig holds database writer settings.
type WriterConfig struct {
	// DSN is the lib/pq connection string.
	DSN string
	// Queries is the feed channel the writer drains.
	Queries <-chan Query
	// InstanceName scopes rows when several daemons share a schema.
	InstanceName string
	// TablePrefix prepends every table name.
	TablePrefix string
	// Categories filters which query classes are written.
	Categories Category
	// Version is recorded in the connection info row.
	Version string
	// OnConnected runs after every successful connect, before draining
	// starts. Wired to the feed's config dump.
	OnConnected func()
	// Clock stamps rows and paces reconnects.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WriterConfig) CheckAndSetDefaults() error {
	if c.DSN == "" {
		return trace.BadParameter("missing parameter DSN")
	}
	if c.Queries == nil {
		return trace.BadParameter("missing parameter Queries")
	}
	if c.InstanceName == "" {
		c.InstanceName = defaultInstance
	}
	if c.TablePrefix == "" {
		c.TablePrefix = defaultPrefix
	}
	if c.Categories == 0 {
		c.Categories = CatEverything
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Writer translates typed queries to SQL against a postgres schema. A lost
// connection is retried on a fixed tick; queries keep accumulating in the
// feed buffer meanwhile.
type Writer struct {
	WriterConfig

	db         *sqlx.DB
	instanceID int64
	conninfoID int64
	objectIDs  map[ObjectRef]int64
	activated  map[int64]bool
}

// NewWriter validates the config and returns an idle writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Writer{WriterConfig: cfg}, nil
}

// Run connects and writes queries until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	for {
		err := w.connect(ctx)
		if err == nil {
			err = w.drain(ctx)
			w.close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warningf("Database unavailable, retrying in %v.", reconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.Clock.After(reconnectInterval):
		}
	}
}

func (w *Writer) connect(ctx context.Context) error {
	db, err := sqlx.Open("postgres", w.DSN)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return trace.ConnectionProblem(err, "database ping failed")
	}
	w.db = db
	w.objectIDs = make(map[ObjectRef]int64)
	w.activated = make(map[int64]bool)
	if err := w.register(ctx); err != nil {
		w.close()
		return trace.Wrap(err)
	}
	dbConnected.Set(1)
	log.Infof("Connected to database as instance %q (id %v).", w.InstanceName, w.instanceID)
	if w.OnConnected != nil {
		w.OnConnected()
	}
	return nil
}

func (w *Writer) close() {
	if w.db != nil {
		w.db.Close()
		w.db = nil
	}
	dbConnected.Set(0)
}

// register resolves the instance row and opens a connection info record.
func (w *Writer) register(ctx context.Context) error {
	err := w.db.QueryRowContext(ctx,
		`SELECT instance_id FROM `+w.table("instances")+` WHERE instance_name = $1`,
		w.InstanceName).Scan(&w.instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		err = w.db.QueryRowContext(ctx,
			`INSERT INTO `+w.table("instances")+` (instance_name) VALUES ($1) RETURNING instance_id`,
			w.InstanceName).Scan(&w.instanceID)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	err = w.db.QueryRowContext(ctx,
		`INSERT INTO `+w.table("conninfo")+` (instance_id, connect_time, agent_name, agent_version) VALUES ($1, $2, $3, $4) RETURNING conninfo_id`,
		w.instanceID, w.Clock.Now(), "vigil", w.Version).Scan(&w.conninfoID)
	return trace.Wrap(err)
}

func (w *Writer) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.disconnect()
			return nil
		case q := <-w.Queries:
			if !w.wants(q) {
				continue
			}
			if err := w.execute(ctx, q); err != nil {
				queriesFailed.Inc()
				log.WithError(err).Warningf("Query on %v failed.", w.table(q.Table))
				if perr := w.db.PingContext(ctx); perr != nil {
					return trace.ConnectionProblem(perr, "database connection lost")
				}
				continue
			}
			queriesWritten.Inc()
		}
	}
}

// disconnect leaves a clean shutdown mark before the connection closes.
func (w *Writer) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	now := w.Clock.Now()
	if _, err := w.db.ExecContext(ctx,
		`UPDATE `+w.table("programstatus")+` SET is_currently_running = 0, program_end_time = $1 WHERE instance_id = $2`,
		now, w.instanceID); err != nil {
		log.WithError(err).Debugf("Could not mark the program stopped.")
	}
	if _, err := w.db.ExecContext(ctx,
		`UPDATE `+w.table("conninfo")+` SET disconnect_time = $1 WHERE conninfo_id = $2`,
		now, w.conninfoID); err != nil {
		log.WithError(err).Debugf("Could not close the connection record.")
	}
}

// wants applies the category filter. Uncategorised queries always pass.
func (w *Writer) wants(q Query) bool {
	return q.Category == 0 || q.Category&w.Categories != 0
}

func (w *Writer) execute(ctx context.Context, q Query) error {
	if q.ConfigUpdate && q.Object != (ObjectRef{}) {
		if err := w.activate(ctx, q.Object); err != nil {
			return trace.Wrap(err)
		}
	}
	fields, err := w.resolve(ctx, q.Fields)
	if err != nil {
		return trace.Wrap(err)
	}
	where, err := w.resolve(ctx, q.Where)
	if err != nil {
		return trace.Wrap(err)
	}
	if q.StatusUpdate {
		fields["status_update_time"] = w.Clock.Now()
	}
	switch q.Type {
	case QueryInsert:
		return w.insert(ctx, q.Table, merged(fields, where))
	case QueryUpdate:
		_, err := w.update(ctx, q.Table, fields, where)
		return trace.Wrap(err)
	case QueryInsertUpdate:
		n, err := w.update(ctx, q.Table, fields, where)
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return w.insert(ctx, q.Table, merged(fields, where))
		}
		return nil
	case QueryDelete:
		return w.delete(ctx, q.Table, where)
	}
	return trace.BadParameter("query type %v not supported", q.Type)
}

// resolve copies a value map, replacing object refs with their ids.
func (w *Writer) resolve(ctx context.Context, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		ref, ok := v.(ObjectRef)
		if !ok {
			out[k] = v
			continue
		}
		id, err := w.objectID(ctx, ref)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[k] = id
	}
	return out, nil
}

// objectID maps a ref to its objects-table id, creating the row on first
// sight. Ids are cached for the life of the connection.
func (w *Writer) objectID(ctx context.Context, ref ObjectRef) (int64, error) {
	if id, ok := w.objectIDs[ref]; ok {
		return id, nil
	}
	typeID, name1, name2, err := ref.names()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var id int64
	err = w.db.QueryRowContext(ctx,
		`SELECT object_id FROM `+w.table("objects")+` WHERE instance_id = $1 AND objecttype_id = $2 AND name1 = $3 AND name2 = $4`,
		w.instanceID, typeID, name1, name2).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = w.db.QueryRowContext(ctx,
			`INSERT INTO `+w.table("objects")+` (instance_id, objecttype_id, name1, name2, is_active) VALUES ($1, $2, $3, $4, 1) RETURNING object_id`,
			w.instanceID, typeID, name1, name2).Scan(&id)
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	w.objectIDs[ref] = id
	return id, nil
}

// activate flips the subject's objects row active, once per connection.
// The deactivate-all sweep at the head of a config dump precedes every
// activation because the queue is ordered.
func (w *Writer) activate(ctx context.Context, ref ObjectRef) error {
	id, err := w.objectID(ctx, ref)
	if err != nil {
		return trace.Wrap(err)
	}
	if w.activated[id] {
		return nil
	}
	if _, err := w.db.ExecContext(ctx,
		`UPDATE `+w.table("objects")+` SET is_active = 1 WHERE object_id = $1`, id); err != nil {
		return trace.Wrap(err)
	}
	w.activated[id] = true
	return nil
}

func (w *Writer) insert(ctx context.Context, table string, fields map[string]any) error {
	fields["instance_id"] = w.instanceID
	stmt, args := insertStatement(w.table(table), fields)
	_, err := w.db.NamedExecContext(ctx, stmt, args)
	return trace.Wrap(err)
}

func (w *Writer) update(ctx context.Context, table string, fields, where map[string]any) (int64, error) {
	where["instance_id"] = w.instanceID
	stmt, args := updateStatement(w.table(table), fields, where)
	res, err := w.db.NamedExecContext(ctx, stmt, args)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

func (w *Writer) delete(ctx context.Context, table string, where map[string]any) error {
	where["instance_id"] = w.instanceID
	stmt, args := deleteStatement(w.table(table), where)
	_, err := w.db.NamedExecContext(ctx, stmt, args)
	return trace.Wrap(err)
}

func (w *Writer) table(name string) string { return w.TablePrefix + name }

// insertStatement renders a named-parameter insert with deterministic
// column order.
func insertStatement(table string, fields map[string]any) (string, map[string]any) {
	cols := sortedKeys(fields)
	binds := make([]string, len(cols))
	for i, c := range cols {
		binds[i] = ":" + c
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(binds, ", "))
	return stmt, fields
}

// updateStatement renders a named-parameter update. Where parameters carry
// a prefix so a column can appear on both sides of the statement.
func updateStatement(table string, fields, where map[string]any) (string, map[string]any) {
	args := make(map[string]any, len(fields)+len(where))
	sets := make([]string, 0, len(fields))
	for _, c := range sortedKeys(fields) {
		sets = append(sets, c+" = :"+c)
		args[c] = fields[c]
	}
	conds := make([]string, 0, len(where))
	for _, c := range sortedKeys(where) {
		conds = append(conds, c+" = :where_"+c)
		args["where_"+c] = where[c]
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	return stmt, args
}

func deleteStatement(table string, where map[string]any) (string, map[string]any) {
	conds := make([]string, 0, len(where))
	for _, c := range sortedKeys(where) {
		conds = append(conds, c+" = :"+c)
	}
	stmt := "DELETE FROM " + table
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	return stmt, where
}

func merged(fields, where map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+len(where))
	for k, v := range fields {
		out[k] = v
	}
	for k, v := range where {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
