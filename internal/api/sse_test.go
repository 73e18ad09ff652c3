package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"tradegate/internal/events"
	"tradegate/pkg/db"

	"github.com/gin-gonic/gin"
)

func sseTestServer(t *testing.T, heartbeat time.Duration) (*Server, int64, int64) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	userID, err := d.CreateUser(ctx, db.User{Email: "owner@example.com", WebhookToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	strategyID, err := d.CreateStrategy(ctx, db.Strategy{
		OwnerUserID: userID, GroupName: "alpha", MarketType: "FUTURES", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(10, 10)
	s := NewServer(d, bus, nil, nil, nil, nil, "test-secret", time.Second, heartbeat)
	return s, userID, strategyID
}

// frameTypes extracts the ordered "event:" names from a raw SSE body.
func frameTypes(body string) []string {
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, name)
		}
	}
	return types
}

func TestStreamHeartbeatOnlyFillsSilence(t *testing.T) {
	s, userID, strategyID := sseTestServer(t, 200*time.Millisecond)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	ctx, cancel := context.WithCancel(context.Background())
	c.Request = httptest.NewRequest(http.MethodGet,
		"/events/stream?strategy_id="+strconv.FormatInt(strategyID, 10), nil).WithContext(ctx)
	c.Set(userContextKey, userID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.eventsStream(c)
	}()

	// Steady traffic below the heartbeat interval keeps resetting the
	// idle timer, so no heartbeat may appear between these events.
	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		s.Bus.Publish(userID, strategyID, events.TypeOrderUpdate, map[string]any{"order_id": i})
	}
	// Then silence long enough for exactly the idle timer to fire.
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	types := frameTypes(rec.Body.String())
	if len(types) == 0 || types[0] != events.TypeConnection {
		t.Fatalf("frames = %v", types)
	}

	updates, beats := 0, 0
	for _, ft := range types[1:] {
		switch ft {
		case events.TypeOrderUpdate:
			updates++
			if beats > 0 {
				t.Fatalf("heartbeat fired during steady traffic: %v", types)
			}
		case events.TypeHeartbeat:
			beats++
		default:
			t.Fatalf("unexpected frame %q", ft)
		}
	}
	if updates != 6 {
		t.Fatalf("order_update frames = %d, want 6", updates)
	}
	if beats == 0 {
		t.Fatal("no heartbeat after the stream went quiet")
	}
}

func TestStreamRejectsNonSubscriber(t *testing.T) {
	s, _, strategyID := sseTestServer(t, time.Second)

	intruder, err := s.DB.CreateUser(context.Background(), db.User{Email: "other@example.com", WebhookToken: "tok2"})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet,
		"/events/stream?strategy_id="+strconv.FormatInt(strategyID, 10), nil)
	c.Set(userContextKey, intruder)

	s.eventsStream(c)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
