package macros

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/vigil/internal/objects"
)

func testStore(t *testing.T) (*objects.Store, *objects.Checkable) {
	t.Helper()
	store := objects.NewStore()
	h := objects.NewHost("web-01")
	h.Address = "192.168.1.100"
	h.Vars["rack"] = "r12"
	require.NoError(t, store.AddHost(h))

	svc := objects.NewService("web-01", "http")
	svc.CheckCommandName = "check_http"
	svc.State = objects.StateCritical
	svc.StateType = objects.StateTypeHard
	svc.Vars["port"] = "8080"
	svc.Vars["url"] = "http://$host.address$:$service.vars.port$/"
	svc.LastCheckResult = &objects.CheckResult{Output: "CRITICAL - connect refused"}
	require.NoError(t, store.AddService(svc))

	return store, &svc.Checkable
}

func TestResolveDottedPaths(t *testing.T) {
	store, c := testStore(t)
	rs := ForCheckable(store, c, time.Now())

	got, err := rs.Resolve("check_http -H $host.address$ -n $service.name$")
	require.NoError(t, err)
	assert.Equal(t, "check_http -H 192.168.1.100 -n http", got)

	got, err = rs.Resolve("$host.vars.rack$/$service.vars.port$")
	require.NoError(t, err)
	assert.Equal(t, "r12/8080", got)

	got, err = rs.Resolve("state=$service.state$ type=$service.state_type$")
	require.NoError(t, err)
	assert.Equal(t, "state=CRITICAL type=HARD", got)
}

func TestResolveLegacyNames(t *testing.T) {
	store, c := testStore(t)
	rs := ForCheckable(store, c, time.Now())

	got, err := rs.Resolve("$HOSTNAME$ $HOSTADDRESS$ $SERVICEDESC$ $SERVICESTATE$")
	require.NoError(t, err)
	assert.Equal(t, "web-01 192.168.1.100 http CRITICAL", got)

	got, err = rs.Resolve("$SERVICEOUTPUT$")
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL - connect refused", got)

	got, err = rs.Resolve("$_HOSTrack$-$_SERVICEport$")
	require.NoError(t, err)
	assert.Equal(t, "r12-8080", got)
}

func TestResolveDollarEscape(t *testing.T) {
	var rs Resolvers
	got, err := rs.Resolve("cost is 5$$")
	require.NoError(t, err)
	assert.Equal(t, "cost is 5$", got)
}

func TestResolveUnknownMacro(t *testing.T) {
	store, c := testStore(t)
	rs := ForCheckable(store, c, time.Now())

	// Lenient mode substitutes the empty string.
	got, err := rs.Resolve("x$NOSUCHMACRO$y")
	require.NoError(t, err)
	assert.Equal(t, "xy", got)

	// Strict mode propagates the failure.
	_, err = rs.ResolveStrict("x$NOSUCHMACRO$y")
	require.Error(t, err)
	assert.True(t, trace.IsNotFound(err))
}

func TestResolveUnbalancedDollar(t *testing.T) {
	var rs Resolvers

	got, err := rs.Resolve("50$ is not a macro")
	require.NoError(t, err)
	assert.Equal(t, "50$ is not a macro", got)

	_, err = rs.ResolveStrict("50$ is not a macro")
	assert.Error(t, err)
}

func TestResolveRecursiveVars(t *testing.T) {
	store, c := testStore(t)
	rs := ForCheckable(store, c, time.Now())

	// vars.url contains macros itself and the vars scope is recursive.
	got, err := rs.Resolve("GET $service.vars.url$")
	require.NoError(t, err)
	assert.Equal(t, "GET http://192.168.1.100:8080/", got)
}

func TestResolveDepthLimit(t *testing.T) {
	rs := Resolvers{{Name: "vars", Vars: map[string]string{"loop": "$vars.loop$"}, Recursive: true}}

	_, err := rs.Resolve("$vars.loop$")
	require.Error(t, err)
	assert.True(t, trace.IsLimitExceeded(err))
}

func TestResolveArgs(t *testing.T) {
	store, c := testStore(t)
	rs := append(Resolvers{ArgsScope([]string{"20%", "10%"})}, ForCheckable(store, c, time.Now())...)

	args, err := rs.ResolveArgs([]string{"-w", "$ARG1$", "-c", "$ARG2$", "-H", "$host.address$", "$ARG3$"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-w", "20%", "-c", "10%", "-H", "192.168.1.100", ""}, args)
}

func TestForUserAndNotificationScopes(t *testing.T) {
	u := &objects.User{Name: "alice", Email: "alice@example.com", Vars: map[string]string{"phone": "555-0100"}}
	n := &objects.Notification{NotificationNumber: 3}

	rs := append(ForUser(u), ForNotification(n, "PROBLEM", "bob", "looking into it")...)

	got, err := rs.Resolve("$user.name$ <$CONTACTEMAIL$> $user.vars.phone$")
	require.NoError(t, err)
	assert.Equal(t, "alice <alice@example.com> 555-0100", got)

	got, err = rs.Resolve("$NOTIFICATIONTYPE$ #$notification.number$ by $notification.author$")
	require.NoError(t, err)
	assert.Equal(t, "PROBLEM #3 by bob", got)
}

func TestRuntimeScope(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rs := RuntimeScope(now)

	got, err := rs.Resolve("$TIMET$|$vigil.date$")
	require.NoError(t, err)
	assert.Equal(t, "1772452800|2026-03-02", got)
}

func TestSplitCommandArgs(t *testing.T) {
	name, args := SplitCommandArgs("check_disk!20%!10%!/")
	assert.Equal(t, "check_disk", name)
	assert.Equal(t, []string{"20%", "10%", "/"}, args)

	name, args = SplitCommandArgs("check_ping")
	assert.Equal(t, "check_ping", name)
	assert.Nil(t, args)
}
