package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"oraclebot/internal/bot/webhook"
	"oraclebot/internal/storage"
	logx "oraclebot/pkg/logx"
)

type idlePoller struct{}

func (idlePoller) Poll(_ *tele.Bot, _ chan tele.Update, stop chan struct{}) { <-stop }

type fakeStore struct {
	mu      sync.Mutex
	touched []storage.User
	audit   []storage.AuditEntry
}

func (f *fakeStore) TouchUser(_ context.Context, u storage.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, u)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, e)
	return nil
}

func (f *fakeStore) snapshot() ([]storage.User, []storage.AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.User(nil), f.touched...), append([]storage.AuditEntry(nil), f.audit...)
}

// fakeAPI answers every Bot API method with a minimal message result.
func fakeAPI(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), methods...)
	}
}

func testOptions() []Option {
	return []Option{WithSettings(func(s *tele.Settings) {
		s.Offline = true
		s.Synchronous = true
		s.Poller = idlePoller{}
	})}
}

func testConfig(api string) Config {
	return Config{
		Token:          "123:test",
		APIURL:         api,
		WebhookEnabled: true,
		Webhook:        webhook.Config{Addr: "127.0.0.1:0", Path: "/webhook"},
		StopGrace:      time.Second,
	}
}

func TestBuilderConstructsOnce(t *testing.T) {
	api, _ := fakeAPI(t)
	cfg := testConfig(api.URL)
	cfg.WebhookEnabled = false
	b := NewBuilder(cfg, &fakeStore{}, logx.Nop(), testOptions()...)

	rt, err := b.Construct(context.Background())
	require.NoError(t, err)
	defer rt.Stop(context.Background())
	assert.True(t, rt.ListenerStartedAt().IsZero())
	assert.Empty(t, rt.ListenerAddr())

	_, err = b.Construct(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConstructed)
}

func TestConstructRequiresToken(t *testing.T) {
	_, err := NewBuilder(Config{}, nil, logx.Nop(), testOptions()...).Construct(context.Background())
	require.Error(t, err)
}

func TestConstructFailsOnBusyAddress(t *testing.T) {
	api, _ := fakeAPI(t)
	first, err := NewBuilder(testConfig(api.URL), nil, logx.Nop(), testOptions()...).Construct(context.Background())
	require.NoError(t, err)
	defer first.Stop(context.Background())

	cfg := testConfig(api.URL)
	cfg.Webhook.Addr = first.ListenerAddr()
	_, err = NewBuilder(cfg, nil, logx.Nop(), testOptions()...).Construct(context.Background())
	require.Error(t, err)
}

func TestRuntimeProcessesWebhookUpdates(t *testing.T) {
	api, methods := fakeAPI(t)
	store := &fakeStore{}
	before := time.Now()
	rt, err := NewBuilder(testConfig(api.URL), store, logx.Nop(), testOptions()...).Construct(context.Background())
	require.NoError(t, err)
	assert.False(t, rt.ListenerStartedAt().Before(before))
	addr := rt.ListenerAddr()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	body := `{"update_id":7,"message":{"message_id":3,"date":1700000000,"chat":{"id":42,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"Ann","username":"ann","language_code":"en"},"text":"/start"}}`
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Post("http://"+addr+"/webhook", "application/json", strings.NewReader(body))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	touched, audit := store.snapshot()
	require.Len(t, touched, 1)
	assert.Equal(t, int64(42), touched[0].TelegramID)
	assert.Equal(t, "ann", touched[0].Username)
	require.Len(t, audit, 1)
	assert.Equal(t, "command.start", audit[0].Action)
	assert.Contains(t, methods(), "sendMessage")

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	start := time.Now()
	require.NoError(t, rt.Stop(stopCtx))
	assert.Less(t, time.Since(start), 3*time.Second)
	require.NoError(t, rt.Stop(stopCtx))

	// The listener is gone once Stop returns.
	_, err = http.Post("http://"+addr+"/webhook", "application/json", strings.NewReader(body))
	assert.Error(t, err)
}

func TestStopWithoutRun(t *testing.T) {
	api, _ := fakeAPI(t)
	rt, err := NewBuilder(testConfig(api.URL), nil, logx.Nop(), testOptions()...).Construct(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Stop(ctx))
}
