package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hanoiboard/go/internal/instance"
	"github.com/mcdev12/hanoiboard/go/internal/models"
)

const (
	testSecret  = "hunter22"
	defaultMeta = `@meta:{"timeLimits":{"lb4":180000,"lb5":240000},"theme":"demonslayer","naming":"free"}`
	emptyData   = `DATA:{"lb4":[],"lb5":[]}`
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	app     *instance.App
	clock   *clockwork.FakeClock
	manager *ConnectionManager
}

type harnessOption func(*ManagerConfig, *[]Option)

func withTestFastPass() harnessOption {
	return func(cfg *ManagerConfig, _ *[]Option) { cfg.TestFastPass = true }
}

func withOptions(opts ...Option) harnessOption {
	return func(_ *ManagerConfig, out *[]Option) { *out = append(*out, opts...) }
}

func accessPatch(input, output models.AccessLevel) models.ConfigPatch {
	return models.ConfigPatch{InputAccess: &input, OutputAccess: &output}
}

func newHarnessWithApp(t *testing.T, app *instance.App, clock *clockwork.FakeClock, hopts ...harnessOption) *harness {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.AdminSecret = testSecret
	cfg.AdminClaimRate = 0
	opts := []Option{WithClock(clock)}
	for _, hopt := range hopts {
		hopt(&cfg, &opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := NewConnectionManager(app, cfg, opts...)
	errs := make(chan error, 1)
	go func() { errs <- manager.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errs
	})

	select {
	case <-manager.Started():
	case err := <-errs:
		t.Fatalf("manager failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not start")
	}

	return &harness{t: t, ctx: ctx, app: app, clock: clock, manager: manager}
}

func newHarness(t *testing.T, patch *models.ConfigPatch, hopts ...harnessOption) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	app := instance.NewApp(instance.NewMemoryStore(), clock)
	_, err := app.Bootstrap(context.Background())
	require.NoError(t, err)
	if patch != nil {
		_, err := app.SetConfig(context.Background(), *patch)
		require.NoError(t, err)
	}
	return newHarnessWithApp(t, app, clock, hopts...)
}

// connect registers an in-process client and returns it with its initial messages drained
func (h *harness) connect() (*Connection, []string) {
	h.t.Helper()
	conn := h.manager.newConnection(nil, nil)
	require.NoError(h.t, h.manager.Register(h.ctx, conn))
	return conn, h.drain(conn)
}

// send delivers text from conn and waits until the manager processed it
func (h *harness) send(conn *Connection, text string) {
	h.t.Helper()
	h.manager.Inbound(conn.ID, text)
	h.sync()
}

func (h *harness) sync() {
	h.t.Helper()
	_, err := h.manager.GetConnectionStats(h.ctx)
	require.NoError(h.t, err)
}

func (h *harness) drain(conn *Connection) []string {
	var out []string
	for {
		select {
		case msg, ok := <-conn.send:
			if !ok {
				return out
			}
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func (h *harness) claimAdmin(conn *Connection) {
	h.t.Helper()
	h.send(conn, "ADMIN:"+testSecret)
	msgs := h.drain(conn)
	require.NotEmpty(h.t, msgs)
	require.Equal(h.t, "ADMIN:OK", msgs[0])
}

func isClosed(conn *Connection) bool {
	select {
	case _, ok := <-conn.send:
		return !ok
	default:
		return false
	}
}

func withPrefix(msgs []string, prefix string) []string {
	var out []string
	for _, msg := range msgs {
		if strings.HasPrefix(msg, prefix) {
			out = append(out, msg)
		}
	}
	return out
}

func TestConnectSendsInitialState(t *testing.T) {
	h := newHarness(t, nil)
	_, msgs := h.connect()
	assert.Equal(t, []string{defaultMeta, emptyData, "AUTH:required"}, msgs)
}

func TestConnectWithOpenInput(t *testing.T) {
	patch := accessPatch(models.AccessEveryone, models.AccessEveryone)
	h := newHarness(t, &patch)
	_, msgs := h.connect()
	assert.Equal(t, []string{defaultMeta, emptyData, "AUTH:success"}, msgs)
}

func TestConnectWithHiddenOutput(t *testing.T) {
	patch := accessPatch(models.AccessNone, models.AccessRestricted)
	h := newHarness(t, &patch)
	_, msgs := h.connect()
	assert.Equal(t, []string{defaultMeta, "AUTH:no-output", "AUTH:no-input"}, msgs)
}

func TestRestrictedUpdateRejected(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect()

	h.send(conn, `UPDATE:{"leaderboards":{"lb4":[{"name":"a","score":1}],"lb5":[]}}`)
	assert.Equal(t, []string{"AUTH:failure"}, h.drain(conn))

	data, err := h.app.GetActiveData(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EmptyData(), data)
}

func TestGateRejectsMalformedPayloadWhenUnauthorized(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect()

	for _, text := range []string{"UPDATE:{", "@timeLimit:lb9:1", "!boom", "refresh", "refresh-all"} {
		h.send(conn, text)
		assert.Equal(t, []string{"AUTH:failure"}, h.drain(conn), text)
	}
}

func TestAuthorizedMalformedPayloadIgnored(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()
	h.claimAdmin(admin)

	h.send(admin, "UPDATE:{")
	h.send(admin, `UPDATE:{"leaderboards":{"lb4":"x","lb5":[]}}`)
	h.send(admin, "@timeLimit:lb4:soon")
	assert.Empty(t, h.drain(admin))
}

func TestTokenAuthAndUpdate(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.app.CreateToken(h.ctx, "abcd", h.clock.Now().UnixMilli()+60_000))

	input, _ := h.connect()
	output, _ := h.connect()

	h.send(input, "AUTH:token:abcd")
	assert.Equal(t, []string{"AUTH:success", defaultMeta, emptyData}, h.drain(input))

	h.send(input, `UPDATE:{"leaderboards":{"lb4":[{"name":"slow","score":9000},{"name":"fast","score":1200}],"lb5":[]},"highlight":{"id":"lb4","name":"fast"}}`)

	want := []string{
		`DATA:{"lb4":[{"name":"fast","score":1200},{"name":"slow","score":9000}],"lb5":[]}`,
		`!highlight-{"id":"lb4","name":"fast"}`,
	}
	assert.Equal(t, want, h.drain(input))
	assert.Equal(t, want, h.drain(output))

	data, err := h.app.GetActiveData(h.ctx)
	require.NoError(t, err)
	assert.True(t, data[models.LeaderboardFourDisks].IsSorted())
}

func TestInvalidTokenFails(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect()

	h.send(conn, "AUTH:token:nope")
	assert.Equal(t, []string{"AUTH:failure"}, h.drain(conn))
}

func TestTokenExpiresAtBoundary(t *testing.T) {
	h := newHarness(t, nil)
	expiresAt := h.clock.Now().UnixMilli() + 1000
	require.NoError(t, h.app.CreateToken(h.ctx, "abcd", expiresAt))

	conn, _ := h.connect()
	h.send(conn, "AUTH:token:abcd")
	h.drain(conn)

	h.clock.Advance(999 * time.Millisecond)
	h.send(conn, "refresh")
	assert.Equal(t, []string{emptyData}, h.drain(conn))

	h.clock.Advance(time.Millisecond)
	h.send(conn, "refresh")
	assert.Equal(t, []string{"AUTH:failure"}, h.drain(conn))
	assert.Equal(t, models.NoAuth(), conn.Auth)
}

func TestTokenWithInputDisabled(t *testing.T) {
	patch := accessPatch(models.AccessNone, models.AccessEveryone)
	h := newHarness(t, &patch)
	conn, _ := h.connect()

	h.send(conn, "AUTH:token:abcd")
	assert.Equal(t, []string{"AUTH:failure"}, h.drain(conn))

	h.send(conn, "AUTH:whatever")
	assert.Equal(t, []string{"AUTH:failure"}, h.drain(conn))

	admin, _ := h.connect()
	h.claimAdmin(admin)
	h.send(admin, "AUTH:token:abcd")
	assert.Empty(t, h.drain(admin))
}

func TestAdminClaimSendsSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()

	h.send(admin, "ADMIN:"+testSecret)
	msgs := h.drain(admin)
	require.Len(t, msgs, 4)
	assert.Equal(t, "ADMIN:OK", msgs[0])
	assert.True(t, strings.HasPrefix(msgs[1], "ADMIN:CLIENTS:["))
	assert.Contains(t, msgs[1], `"role":"Admin"`)
	assert.Equal(t, `ADMIN:INSTANCES:{"instances":["_default"],"current":"_default"}`, msgs[2])
	assert.Equal(t, `ADMIN:SERVERCONFIG:{"inputAccess":"restricted","outputAccess":"everyone","backupUrl":null,"parentUrl":null}`, msgs[3])
	assert.True(t, admin.IsAdmin())
}

func TestWrongSecretIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect()

	h.send(conn, "ADMIN:wrong")
	h.send(conn, "ADMIN:TEST")
	assert.Empty(t, h.drain(conn))
	assert.False(t, conn.IsAdmin())

	stats, err := h.manager.GetConnectionStats(h.ctx)
	require.NoError(t, err)
	assert.False(t, stats.AdminConnected)
}

func TestTestSecretWithFastPass(t *testing.T) {
	h := newHarness(t, nil, withTestFastPass())
	conn, _ := h.connect()

	h.send(conn, "ADMIN:TEST")
	msgs := h.drain(conn)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "ADMIN:OK", msgs[0])
}

func TestAdminClaimRateLimited(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	app := instance.NewApp(instance.NewMemoryStore(), clock)
	_, err := app.Bootstrap(context.Background())
	require.NoError(t, err)

	h := newHarnessWithApp(t, app, clock, func(cfg *ManagerConfig, _ *[]Option) {
		cfg.AdminClaimRate = 0.001
		cfg.AdminClaimBurst = 2
	})
	conn, _ := h.connect()

	h.send(conn, "ADMIN:wrong")
	h.send(conn, "ADMIN:wrong")
	h.send(conn, "ADMIN:"+testSecret)
	assert.Empty(t, h.drain(conn))
	assert.False(t, conn.IsAdmin())
}

func TestAdminOverride(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.connect()
	second, _ := h.connect()

	h.claimAdmin(first)
	h.drain(second)

	h.send(second, "ADMIN:"+testSecret)
	assert.Equal(t, []string{"ADMIN:OVERRIDDEN"}, h.drain(first))
	assert.Equal(t, models.NoAuth(), first.Auth)
	assert.Equal(t, DefaultRole, first.Role)
	assert.True(t, second.IsAdmin())
	assert.Equal(t, "ADMIN:OK", h.drain(second)[0])

	// the demoted admin gets no more admin traffic
	third, _ := h.connect()
	assert.Empty(t, h.drain(first))
	assert.Len(t, withPrefix(h.drain(second), "ADMIN:CLIENTS:"), 1)

	h.send(third, "REPORT-ROLE:Output")
	assert.Empty(t, h.drain(first))
	clients := withPrefix(h.drain(second), "ADMIN:CLIENTS:")
	require.Len(t, clients, 1)
	assert.Contains(t, clients[0], `"role":"Output"`)
}

func TestAdminReclaimDoesNotOverride(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()
	h.claimAdmin(admin)

	h.send(admin, "ADMIN:"+testSecret)
	msgs := h.drain(admin)
	assert.NotContains(t, msgs, "ADMIN:OVERRIDDEN")
	assert.Equal(t, "ADMIN:OK", msgs[0])
}

func TestAdminDisconnectsClient(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()
	target, _ := h.connect()
	h.claimAdmin(admin)

	h.send(target, "ADMIN:clients-disconnect:"+admin.ID)
	assert.True(t, admin.IsAdmin())

	h.send(admin, "ADMIN:clients-disconnect:"+target.ID)
	assert.True(t, isClosed(target))

	stats, err := h.manager.GetConnectionStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalConnections)

	clients := withPrefix(h.drain(admin), "ADMIN:CLIENTS:")
	require.Len(t, clients, 1)
	assert.NotContains(t, clients[0], target.ID)
}

func TestAllowInputWithHiddenOutput(t *testing.T) {
	patch := accessPatch(models.AccessRestricted, models.AccessRestricted)
	h := newHarness(t, &patch)
	admin, _ := h.connect()
	target, _ := h.connect()
	h.claimAdmin(admin)

	h.send(admin, "ADMIN:clients-allow-input:"+target.ID)
	assert.Equal(t, []string{"AUTH:success", defaultMeta, emptyData}, h.drain(target))
	assert.Equal(t, models.ElevatedAuth(h.clock.Now().UnixMilli()), target.Auth)

	clients := withPrefix(h.drain(admin), "ADMIN:CLIENTS:")
	require.Len(t, clients, 1)
	assert.Contains(t, clients[0], `"type":"elevated"`)

	h.send(target, "refresh")
	assert.Equal(t, []string{emptyData}, h.drain(target))
}

func TestAllowInputIgnoredForNonAdmin(t *testing.T) {
	h := newHarness(t, nil)
	sender, _ := h.connect()
	target, _ := h.connect()

	h.send(sender, "ADMIN:clients-allow-input:"+target.ID)
	assert.Empty(t, h.drain(target))
	assert.Equal(t, models.NoAuth(), target.Auth)
}

func TestTimeLimitBroadcastsMeta(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()
	viewer, _ := h.connect()
	h.claimAdmin(admin)
	h.drain(viewer)

	h.send(admin, "@timeLimit:lb4:-1")
	want := `@meta:{"timeLimits":{"lb4":-1,"lb5":240000},"theme":"demonslayer","naming":"free"}`
	assert.Equal(t, []string{want}, h.drain(viewer))

	h.send(admin, "@timeLimit:lb5:-50")
	meta, err := h.app.GetActiveMeta(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.NoTimeLimit, meta.TimeLimits[models.LeaderboardFiveDisks])
}

func TestSignalBroadcastVerbatim(t *testing.T) {
	patch := accessPatch(models.AccessEveryone, models.AccessEveryone)
	h := newHarness(t, &patch)
	sender, _ := h.connect()
	viewer, _ := h.connect()

	h.send(sender, "!confetti:lb4")
	assert.Equal(t, []string{"!confetti:lb4"}, h.drain(sender))
	assert.Equal(t, []string{"!confetti:lb4"}, h.drain(viewer))
}

func TestRefreshRepliesToSenderOnly(t *testing.T) {
	patch := accessPatch(models.AccessEveryone, models.AccessEveryone)
	h := newHarness(t, &patch)
	sender, _ := h.connect()
	viewer, _ := h.connect()

	h.send(sender, "refresh")
	assert.Equal(t, []string{emptyData}, h.drain(sender))
	assert.Empty(t, h.drain(viewer))

	h.send(sender, "refresh-all")
	assert.Equal(t, []string{emptyData}, h.drain(sender))
	assert.Equal(t, []string{emptyData}, h.drain(viewer))
}

func TestUpdateWithHiddenOutputIsNotBroadcast(t *testing.T) {
	patch := accessPatch(models.AccessRestricted, models.AccessRestricted)
	h := newHarness(t, &patch)
	admin, _ := h.connect()
	viewer, _ := h.connect()
	h.claimAdmin(admin)

	h.send(admin, `UPDATE:{"leaderboards":{"lb4":[{"name":"a","score":5}],"lb5":[]}}`)
	assert.Empty(t, h.drain(viewer))

	data, err := h.app.GetActiveData(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Leaderboard{{Name: "a", Score: 5}}, data[models.LeaderboardFourDisks])
}

func TestBackToBackUpdatesLastWriteWins(t *testing.T) {
	patch := accessPatch(models.AccessEveryone, models.AccessEveryone)
	h := newHarness(t, &patch)
	conn, _ := h.connect()

	h.manager.Inbound(conn.ID, `UPDATE:{"leaderboards":{"lb4":[{"name":"a","score":1}],"lb5":[]}}`)
	h.manager.Inbound(conn.ID, `UPDATE:{"leaderboards":{"lb4":[{"name":"b","score":2}],"lb5":[]}}`)
	h.sync()

	assert.Equal(t, []string{
		`DATA:{"lb4":[{"name":"a","score":1}],"lb5":[]}`,
		`DATA:{"lb4":[{"name":"b","score":2}],"lb5":[]}`,
	}, h.drain(conn))

	data, err := h.app.GetActiveData(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Leaderboard{{Name: "b", Score: 2}}, data[models.LeaderboardFourDisks])
}

func TestUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect()

	h.send(conn, "hello there")
	h.send(conn, "ping")
	assert.Equal(t, []string{"pong"}, h.drain(conn))
}

func TestUnregisterClearsAdmin(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()
	h.claimAdmin(admin)

	h.manager.Unregister(admin.ID)
	h.sync()

	stats, err := h.manager.GetConnectionStats(h.ctx)
	require.NoError(t, err)
	assert.False(t, stats.AdminConnected)
	assert.Equal(t, 0, stats.TotalConnections)
	assert.True(t, isClosed(admin))

	// late frames from a closed connection are dropped
	h.send(admin, "ping")
}

type recordingBackup struct {
	posts chan models.HanoiData
}

func (b *recordingBackup) PostData(ctx context.Context, url string, data models.HanoiData) error {
	b.posts <- data
	return nil
}

func TestUpdatePostsBackup(t *testing.T) {
	backup := &recordingBackup{posts: make(chan models.HanoiData, 1)}
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	app := instance.NewApp(instance.NewMemoryStore(), clock)
	_, err := app.Bootstrap(context.Background())
	require.NoError(t, err)
	url := "http://backup.local/hook"
	urlPtr := &url
	_, err = app.SetConfig(context.Background(), models.ConfigPatch{BackupURL: &urlPtr})
	require.NoError(t, err)

	h := newHarnessWithApp(t, app, clock, withOptions(WithBackup(backup)))
	admin, _ := h.connect()
	h.claimAdmin(admin)

	h.send(admin, `UPDATE:{"leaderboards":{"lb4":[],"lb5":[{"name":"z","score":3}]}}`)

	select {
	case data := <-backup.posts:
		assert.Equal(t, models.Leaderboard{{Name: "z", Score: 3}}, data[models.LeaderboardFiveDisks])
	case <-time.After(5 * time.Second):
		t.Fatal("backup was not posted")
	}
}

func TestPingReplies(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect()

	h.send(conn, "ping")
	assert.Equal(t, []string{"pong"}, h.drain(conn))
}

func TestReportRoleNotifiesAdmin(t *testing.T) {
	h := newHarness(t, nil)
	admin, _ := h.connect()
	h.claimAdmin(admin)
	viewer, _ := h.connect()
	h.drain(admin)

	h.send(viewer, "REPORT-ROLE:Spectator")
	assert.Empty(t, h.drain(viewer))

	clients := withPrefix(h.drain(admin), "ADMIN:CLIENTS:")
	require.Len(t, clients, 1)
	assert.Contains(t, clients[0], `"role":"Spectator"`)

	infos, err := h.manager.Clients(h.ctx)
	require.NoError(t, err)
	roles := map[string]string{}
	for _, info := range infos {
		roles[info.ID] = info.Role
	}
	assert.Equal(t, "Spectator", roles[viewer.ID])
	assert.Equal(t, "Admin", roles[admin.ID])
}

type deadlineBackup struct {
	remaining chan time.Duration
}

func (b *deadlineBackup) PostData(ctx context.Context, url string, data models.HanoiData) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		b.remaining <- 0
		return nil
	}
	b.remaining <- time.Until(deadline)
	return nil
}

func TestBackupUsesItsOwnTimeout(t *testing.T) {
	backup := &deadlineBackup{remaining: make(chan time.Duration, 1)}
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	app := instance.NewApp(instance.NewMemoryStore(), clock)
	_, err := app.Bootstrap(context.Background())
	require.NoError(t, err)
	url := "http://backup.local/hook"
	urlPtr := &url
	_, err = app.SetConfig(context.Background(), models.ConfigPatch{BackupURL: &urlPtr})
	require.NoError(t, err)

	timeouts := func(cfg *ManagerConfig, _ *[]Option) {
		cfg.StoreTimeout = time.Second
		cfg.BackupTimeout = time.Minute
	}
	h := newHarnessWithApp(t, app, clock, timeouts, withOptions(WithBackup(backup)))
	admin, _ := h.connect()
	h.claimAdmin(admin)

	h.send(admin, `UPDATE:{"leaderboards":{"lb4":[{"name":"a","score":1}],"lb5":[]}}`)

	select {
	case remaining := <-backup.remaining:
		assert.Greater(t, remaining, 30*time.Second)
		assert.LessOrEqual(t, remaining, time.Minute)
	case <-time.After(5 * time.Second):
		t.Fatal("backup was not posted")
	}
}
