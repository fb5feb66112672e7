package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/keepsake/internal/bus"
	"github.com/stellarlinkco/keepsake/internal/channel"
	"github.com/stellarlinkco/keepsake/internal/config"
	"github.com/stellarlinkco/keepsake/internal/cron"
	"github.com/stellarlinkco/keepsake/internal/llm"
	"github.com/stellarlinkco/keepsake/internal/store"
)

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Complete(ctx context.Context, req llm.Request) (string, error) {
	return g.reply, g.err
}

func (g *stubGenerator) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: g.reply, Err: g.err}
	close(ch)
	return ch, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Store.DBPath = filepath.Join(dir, "data", "keepsake.db")
	cfg.Prompts.Dir = ""
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, gen llm.Generator, clock *testClock) *Gateway {
	t.Helper()
	opts := Options{
		GeneratorFactory: func(*config.Config) (llm.Generator, error) { return gen, nil },
		Logger:           log.New(io.Discard),
	}
	if clock != nil {
		opts.Now = clock.now
	}
	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	return g
}

func inbound(chatID, text string, meta map[string]any) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   channel.TelegramChannelName,
		SenderID:  "42",
		ChatID:    chatID,
		Content:   text,
		Timestamp: time.Now(),
		Metadata:  meta,
	}
}

func command(chatID, name, args string) bus.InboundMessage {
	return inbound(chatID, "/"+name+" "+args, map[string]any{
		channel.MetaCommand: name,
		channel.MetaArgs:    args,
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"héllo wörld", 5, "héllo..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestDefaultGeneratorFactory_NoAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = ""
	if _, err := DefaultGeneratorFactory(cfg); err == nil {
		t.Error("expected error without API key")
	}
}

func TestDefaultGeneratorFactory_WithKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "sk-test"
	gen, err := DefaultGeneratorFactory(cfg)
	if err != nil {
		t.Fatalf("DefaultGeneratorFactory error: %v", err)
	}
	if gen == nil {
		t.Error("generator should not be nil")
	}
}

func TestNewEmbedder_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Enabled = false
	if e := NewEmbedder(cfg, log.New(io.Discard)); e != nil {
		t.Errorf("expected nil embedder, got %T", e)
	}
}

func TestNewWithOptions_GeneratorFactoryError(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(cfg, Options{
		GeneratorFactory: func(*config.Config) (llm.Generator, error) { return nil, errors.New("no key") },
		Logger:           log.New(io.Discard),
	})
	if err == nil || !strings.Contains(err.Error(), "no key") {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestNewWithOptions_ChannelManagerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = ""
	_, err := NewWithOptions(cfg, Options{
		GeneratorFactory: func(*config.Config) (llm.Generator, error) { return &stubGenerator{reply: "hi"}, nil },
		Logger:           log.New(io.Discard),
	})
	if err == nil || !strings.Contains(err.Error(), "channel manager") {
		t.Errorf("expected channel manager error, got %v", err)
	}
}

func TestHandleInbound_Turn(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "glad you're here"}, nil)
	defer g.core.Close()
	ctx := context.Background()

	msg := inbound("100", "hey, rough day", nil)
	if got := g.handleInbound(ctx, msg); got != "glad you're here" {
		t.Fatalf("reply = %q", got)
	}
	sess := g.sessions.update(msg.SessionKey(), nil)
	if !sess.open {
		t.Error("session should be open after the first turn")
	}

	hist := g.core.Service.History(ctx, "telegram:42", 10)
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Content != "hey, rough day" {
		t.Errorf("first message = %q", hist[0].Content)
	}
}

func TestHandleInbound_TurnErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, retryReply},
		{"provider", errors.New("boom"), errorReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Generation.CallTimeout = "50ms"
			g := newTestGateway(t, cfg, &stubGenerator{err: tt.err}, nil)
			defer g.core.Close()

			msg := inbound("100", "hello", nil)
			if got := g.handleInbound(context.Background(), msg); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
			if g.sessions.update(msg.SessionKey(), nil).open {
				t.Error("failed first turn should leave the session closed")
			}
		})
	}
}

func TestHandleInbound_EmptyMessage(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "hi"}, nil)
	defer g.core.Close()

	if got := g.handleInbound(context.Background(), inbound("100", "   ", nil)); got != "" {
		t.Errorf("reply = %q, want empty", got)
	}
}

func TestHandleInbound_Commands(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "hi"}, nil)
	defer g.core.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{"scene list", command("1", "scene", ""), "Firework (locked)"},
		{"scene unknown", command("1", "scene", "moon base"), "don't know that scene"},
		{"scene locked", command("1", "scene", "firework"), "Upgrade to Tier"},
		{"scene set", command("1", "scene", "body double"), "Scene set to Body Double."},
		{"vibe set", command("1", "vibe", "80"), "Vibe set to 80."},
		{"vibe out of range", command("1", "vibe", "120"), "number from 0"},
		{"vibe not a number", command("1", "vibe", "high"), "number from 0"},
		{"facts empty", command("1", "facts", ""), "anything saved"},
		{"balance", command("1", "balance", ""), "You have 100 coins. Tier: Free."},
		{"unknown", command("1", "dance", ""), "Commands:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.handleInbound(ctx, tt.msg)
			if !strings.Contains(got, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", got, tt.want)
			}
		})
	}

	cmd := command("1", "", "")
	sess := g.sessions.update(cmd.SessionKey(), nil)
	if string(sess.scene) != "Body Double" {
		t.Errorf("scene = %q", sess.scene)
	}
	if sess.vibe != 80 {
		t.Errorf("vibe = %d, want 80", sess.vibe)
	}
}

func TestHandleInbound_StartReopensSession(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "Hey you."}, nil)
	defer g.core.Close()
	ctx := context.Background()

	g.handleInbound(ctx, inbound("7", "hello", nil))
	if got := g.handleInbound(ctx, command("7", "start", "")); got == "" {
		t.Error("greeting should not be empty")
	}
	in := inbound("7", "", nil)
	if g.sessions.update(in.SessionKey(), nil).open {
		t.Error("/start should close the session so the next turn starts a new one")
	}
}

func TestSessions_SeparateChats(t *testing.T) {
	s := newSessions()
	s.update("telegram:1", func(cs *chatSession) { cs.vibe = 10 })
	got := s.update("telegram:2", nil)
	if got.vibe != 50 {
		t.Errorf("new chat vibe = %d, want default 50", got.vibe)
	}
	if string(got.scene) != "Lounge" {
		t.Errorf("new chat scene = %q, want Lounge", got.scene)
	}
}

func TestGateway_ProcessLoop(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "pong"}, nil)
	defer g.core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	g.bus.Inbound <- inbound("55", "ping", nil)

	select {
	case out := <-g.bus.Outbound:
		if out.Channel != channel.TelegramChannelName || out.ChatID != "55" || out.Content != "pong" {
			t.Errorf("unexpected outbound: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound message")
	}
}

func TestGateway_ProcessLoop_ContextCancelled(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "pong"}, nil)
	defer g.core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processLoop did not exit on cancel")
	}
}

func TestEnsureMaintenanceJobs(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "hi"}, nil)
	defer g.core.Close()

	for i := 0; i < 2; i++ {
		if err := g.ensureMaintenanceJobs(); err != nil {
			t.Fatalf("ensureMaintenanceJobs error: %v", err)
		}
	}
	jobs := g.cron.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	names := map[string]bool{}
	for _, j := range jobs {
		names[j.Name] = true
		if j.Schedule.Kind != cron.KindCron {
			t.Errorf("job %s kind = %s", j.Name, j.Schedule.Kind)
		}
	}
	if !names[jobPruneVectors] || !names[jobPurgeTasks] {
		t.Errorf("unexpected job names: %v", names)
	}
}

func TestEnsureMaintenanceJobs_BadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.PruneSchedule = "not a schedule"
	g := newTestGateway(t, cfg, &stubGenerator{reply: "hi"}, nil)
	defer g.core.Close()

	if err := g.ensureMaintenanceJobs(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRunMaintenance_PruneVectors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.VectorRetention = 2
	clock := &testClock{t: time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC)}
	g := newTestGateway(t, cfg, &stubGenerator{reply: "hi"}, clock)
	defer g.core.Close()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		err := g.core.Store.InsertVector(ctx, store.Vector{
			ID:        id,
			UserID:    "u1",
			Content:   "msg " + id,
			Embedding: []float32{1, 0},
			CreatedAt: clock.t.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertVector error: %v", err)
		}
	}

	res, err := g.runMaintenance(ctx, cron.CronJob{Payload: cron.Payload{Task: jobPruneVectors}})
	if err != nil {
		t.Fatalf("runMaintenance error: %v", err)
	}
	if res != "pruned 2 vectors" {
		t.Errorf("result = %q", res)
	}
	n, err := g.core.Store.CountVectors(ctx, "u1")
	if err != nil {
		t.Fatalf("CountVectors error: %v", err)
	}
	if n != 2 {
		t.Errorf("vectors left = %d, want 2", n)
	}
}

func TestRunMaintenance_PurgeTasks(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 10, 13, 12, 0, 0, 0, time.UTC)}
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "hi"}, clock)
	defer g.core.Close()
	ctx := context.Background()

	if _, err := g.core.Store.EnqueueTask(ctx, "extract_facts", "u1", map[string]string{"x": "old"}); err != nil {
		t.Fatalf("EnqueueTask error: %v", err)
	}
	clock.t = clock.t.Add(25 * time.Hour)
	if _, err := g.core.Store.EnqueueTask(ctx, "extract_facts", "u1", map[string]string{"x": "new"}); err != nil {
		t.Fatalf("EnqueueTask error: %v", err)
	}

	res, err := g.runMaintenance(ctx, cron.CronJob{Payload: cron.Payload{Task: jobPurgeTasks}})
	if err != nil {
		t.Fatalf("runMaintenance error: %v", err)
	}
	if res != "purged 1 tasks" {
		t.Errorf("result = %q", res)
	}
}

func TestRunMaintenance_UnknownTask(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &stubGenerator{reply: "hi"}, nil)
	defer g.core.Close()

	if _, err := g.runMaintenance(context.Background(), cron.CronJob{Payload: cron.Payload{Task: "other"}}); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		GeneratorFactory: func(*config.Config) (llm.Generator, error) { return &stubGenerator{reply: "hi"}, nil },
		Logger:           log.New(io.Discard),
		SignalChan:       sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	sigCh <- syscall.SIGINT

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	if len(g.cron.ListJobs()) != 2 {
		t.Errorf("maintenance jobs not registered")
	}
}

func TestGateway_Run_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Gateway.Port = ln.Addr().(*net.TCPAddr).Port
	g := newTestGateway(t, cfg, &stubGenerator{reply: "hi"}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "http server") {
			t.Errorf("expected http server error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail on a busy port")
	}
}
