package outreach_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"athletereach/models"
	"athletereach/outreach"
)

var jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// adapterMock is a DeliveryAdapter with swappable behaviour that counts
// deliveries per message id.
type adapterMock struct {
	DeliverFunc   func(ctx context.Context, msg *models.Message) (outreach.DeliveryResult, error)
	PollInboxFunc func(ctx context.Context, callerID uint, since time.Time) ([]outreach.InboundDescriptor, error)

	mu    sync.Mutex
	calls map[uint]int
}

func (a *adapterMock) Deliver(ctx context.Context, msg *models.Message) (outreach.DeliveryResult, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = map[uint]int{}
	}
	a.calls[msg.ID]++
	n := a.calls[msg.ID]
	a.mu.Unlock()

	if a.DeliverFunc != nil {
		return a.DeliverFunc(ctx, msg)
	}
	return outreach.DeliveryResult{
		ProviderMessageID: fmt.Sprintf("prov-%d-%d", msg.ID, n),
		ThreadID:          fmt.Sprintf("thread-%d", msg.ID),
	}, nil
}

func (a *adapterMock) PollInbox(ctx context.Context, callerID uint, since time.Time) ([]outreach.InboundDescriptor, error) {
	if a.PollInboxFunc != nil {
		return a.PollInboxFunc(ctx, callerID, since)
	}
	return nil, nil
}

func (a *adapterMock) Calls(id uint) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func (a *adapterMock) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.calls {
		total += n
	}
	return total
}

func failingAdapter(reason string) *adapterMock {
	return &adapterMock{
		DeliverFunc: func(context.Context, *models.Message) (outreach.DeliveryResult, error) {
			return outreach.DeliveryResult{}, errors.New(reason)
		},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []outreach.Event
}

func (s *recordingSink) Publish(e outreach.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	db      *gorm.DB
	clock   *testClock
	adapter *adapterMock
	events  *recordingSink
	lc      *outreach.Lifecycle
}

func newTestDB(t *testing.T, clock *testClock) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "outreach.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: clock.Now,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Recipient{}, &models.Message{}, &models.Task{}))
	return db
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEnv(t *testing.T, adapter *adapterMock, cfg outreach.Config) *env {
	t.Helper()
	clock := &testClock{now: jan1}
	db := newTestDB(t, clock)
	if adapter == nil {
		adapter = &adapterMock{}
	}
	events := &recordingSink{}
	lc := outreach.NewLifecycle(db, nil, adapter, outreach.Options{
		Clock:  clock,
		Logger: quietLogger(),
		Events: events,
		Config: cfg,
	})
	return &env{db: db, clock: clock, adapter: adapter, events: events, lc: lc}
}

func (e *env) recipient(t *testing.T, id uint, name, email string) *models.Recipient {
	t.Helper()
	r := &models.Recipient{Name: name, Organization: "State University", Email: email}
	r.ID = id
	require.NoError(t, e.db.Create(r).Error)
	return r
}

func (e *env) reload(t *testing.T, id uint) *models.Message {
	t.Helper()
	msg, err := e.lc.Store().Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func (e *env) followUpOf(t *testing.T, parentID uint) *models.Message {
	t.Helper()
	var msg models.Message
	require.NoError(t, e.db.Where("parent_message_id = ? AND is_follow_up = ?", parentID, true).First(&msg).Error)
	return &msg
}
