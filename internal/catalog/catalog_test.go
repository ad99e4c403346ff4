package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"melink/internal/mpio"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) List(ctx context.Context) ([]Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Record), args.Error(1)
}

func (m *MockStore) Save(ctx context.Context, rec Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type stubControl struct{ name string }

func (stubControl) HandleControlMessage(source mpio.EngineID, msg *mpio.Message) error { return nil }

type stubInput struct{ name string }

func (stubInput) HandleMessage(source mpio.EngineID, msg *mpio.Message) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type CatalogSuite struct {
	suite.Suite
	ctx     context.Context
	store   Store
	catalog *Catalog
	queue   Record
	link    Record
}

func (s *CatalogSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
	s.catalog = New(s.store, quietLogger())

	var err error
	s.queue, err = s.catalog.Create(s.ctx, Record{Name: "orders", Bus: "bus1"})
	s.Require().NoError(err)
	s.link, err = s.catalog.Create(s.ctx, Record{Name: "to-bus2", Bus: "bus1", Link: true, ForeignBus: "bus2"})
	s.Require().NoError(err)
}

func (s *CatalogSuite) TestCreateAssignsID() {
	s.NotEqual(uuid.Nil, s.queue.ID)
	records, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(records, 2)
}

func (s *CatalogSuite) TestCreateRejectsDuplicates() {
	_, err := s.catalog.Create(s.ctx, Record{Name: "orders", Bus: "bus1"})
	s.ErrorIs(err, ErrDuplicateName)

	_, err = s.catalog.Create(s.ctx, Record{Name: "other-link", Bus: "bus1", Link: true, ForeignBus: "bus2"})
	s.ErrorIs(err, ErrDuplicateLink)

	// same name on another bus is a different destination
	_, err = s.catalog.Create(s.ctx, Record{Name: "orders", Bus: "bus3"})
	s.NoError(err)
}

func (s *CatalogSuite) TestCreateValidates() {
	_, err := s.catalog.Create(s.ctx, Record{Bus: "bus1"})
	s.ErrorIs(err, ErrInvalidRecord)
	_, err = s.catalog.Create(s.ctx, Record{Name: "l", Bus: "bus1", Link: true})
	s.ErrorIs(err, ErrInvalidRecord)
}

func (s *CatalogSuite) TestResolve() {
	d, err := s.catalog.ResolveByUUID(s.queue.ID, false)
	s.Require().NoError(err)
	s.Equal("orders", d.Name())
	s.False(d.IsLink())

	d, err = s.catalog.ResolveByName("orders", "bus1", false)
	s.Require().NoError(err)
	s.Equal(s.queue.ID, d.UUID())

	d, err = s.catalog.ResolveLink("bus2")
	s.Require().NoError(err)
	s.True(d.IsLink())
	s.Equal(s.link.ID, d.UUID())

	_, err = s.catalog.ResolveByUUID(uuid.New(), true)
	s.ErrorIs(err, mpio.ErrDestinationNotFound)
	_, err = s.catalog.ResolveByName("orders", "bus2", true)
	s.ErrorIs(err, mpio.ErrDestinationNotFound)
	_, err = s.catalog.ResolveLink("bus9")
	s.ErrorIs(err, mpio.ErrDestinationNotFound)
}

func (s *CatalogSuite) TestInvisible() {
	hidden, err := s.catalog.Create(s.ctx, Record{Name: "_Qtmp", Bus: "bus1", Invisible: true})
	s.Require().NoError(err)

	_, err = s.catalog.ResolveByUUID(hidden.ID, false)
	s.ErrorIs(err, mpio.ErrDestinationNotFound)
	_, err = s.catalog.ResolveByName("_Qtmp", "bus1", false)
	s.ErrorIs(err, mpio.ErrDestinationNotFound)

	_, err = s.catalog.ResolveByUUID(hidden.ID, true)
	s.NoError(err)
}

func (s *CatalogSuite) TestStateOracle() {
	d, err := s.catalog.ResolveByUUID(s.queue.ID, true)
	s.Require().NoError(err)

	state, ok := s.catalog.State(d)
	s.True(ok)
	s.False(state.CreateInProgress)

	s.Require().NoError(s.catalog.SetCreateInProgress(s.ctx, s.queue.ID, true))
	state, ok = s.catalog.State(d)
	s.True(ok)
	s.True(state.CreateInProgress)

	s.Require().NoError(s.catalog.Delete(s.ctx, s.queue.ID))
	_, ok = s.catalog.State(foreignDestination{id: s.queue.ID})
	s.False(ok)
}

func (s *CatalogSuite) TestMarkToBeDeleted() {
	d, err := s.catalog.ResolveByUUID(s.queue.ID, true)
	s.Require().NoError(err)
	s.False(d.IsToBeDeleted())

	s.Require().NoError(s.catalog.MarkToBeDeleted(s.ctx, s.queue.ID))
	s.True(d.IsToBeDeleted())

	records, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	for _, rec := range records {
		if rec.ID == s.queue.ID {
			s.True(rec.ToBeDeleted)
		}
	}
}

func (s *CatalogSuite) TestUpdateKeepsIdentity() {
	rec, err := s.catalog.Update(s.ctx, s.queue.ID, func(r *Record) {
		r.Name = "renamed"
		r.Invisible = true
	})
	s.Require().NoError(err)
	s.Equal("orders", rec.Name)
	s.True(rec.Invisible)

	_, err = s.catalog.Update(s.ctx, uuid.New(), func(*Record) {})
	s.ErrorIs(err, ErrUnknownDestination)
}

func (s *CatalogSuite) TestHandlers() {
	d, err := s.catalog.ResolveByUUID(s.queue.ID, true)
	s.Require().NoError(err)
	s.Nil(d.ControlHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))

	control := stubControl{name: "source-stream"}
	input := stubInput{name: "target-stream"}
	s.Require().NoError(s.catalog.RegisterControlHandler(s.queue.ID, mpio.ProtocolUnicastInput, control))
	s.Require().NoError(s.catalog.RegisterInputHandler(s.queue.ID, mpio.ProtocolUnicastOutput, input))

	s.Equal(control, d.ControlHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))
	s.Nil(d.ControlHandler(mpio.ProtocolPubSubInput, mpio.EngineID{}, nil))
	s.Equal(input, d.InputHandler(mpio.ProtocolUnicastOutput, mpio.EngineID{}, nil))

	s.Require().NoError(s.catalog.RegisterControlHandler(s.queue.ID, mpio.ProtocolUnicastInput, nil))
	s.Nil(d.ControlHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))

	err = s.catalog.RegisterInputHandler(uuid.New(), mpio.ProtocolUnicastOutput, input)
	s.ErrorIs(err, ErrUnknownDestination)
}

func (s *CatalogSuite) TestLoadKeepsHandlers() {
	control := stubControl{name: "kept"}
	s.Require().NoError(s.catalog.RegisterControlHandler(s.queue.ID, mpio.ProtocolAnycastInput, control))

	s.Require().NoError(s.catalog.Load(s.ctx))

	d, err := s.catalog.ResolveByUUID(s.queue.ID, true)
	s.Require().NoError(err)
	s.Equal(control, d.ControlHandler(mpio.ProtocolAnycastInput, mpio.EngineID{}, nil))
	s.Len(s.catalog.List(), 2)
}

func (s *CatalogSuite) TestFallbackHandlers() {
	d, err := s.catalog.ResolveByUUID(s.queue.ID, true)
	s.Require().NoError(err)
	s.Nil(d.InputHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))

	fallback := stubInput{name: "fallback"}
	s.catalog.SetFallbackHandlers(stubControl{name: "fallback"}, fallback)
	s.Equal(fallback, d.InputHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))
	s.Equal(stubControl{name: "fallback"}, d.ControlHandler(mpio.ProtocolPubSubOutput, mpio.EngineID{}, nil))

	registered := stubInput{name: "registered"}
	s.Require().NoError(s.catalog.RegisterInputHandler(s.queue.ID, mpio.ProtocolUnicastInput, registered))
	s.Equal(registered, d.InputHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))

	s.Require().NoError(s.catalog.MarkToBeDeleted(s.ctx, s.queue.ID))
	s.Nil(d.InputHandler(mpio.ProtocolPubSubInput, mpio.EngineID{}, nil), "no fallback once marked for deletion")
	s.Equal(registered, d.InputHandler(mpio.ProtocolUnicastInput, mpio.EngineID{}, nil))

	created, err := s.catalog.Create(s.ctx, Record{Name: "late", Bus: "bus1"})
	s.Require().NoError(err)
	late, err := s.catalog.ResolveByUUID(created.ID, true)
	s.Require().NoError(err)
	s.Equal(fallback, late.InputHandler(mpio.ProtocolAnycastInput, mpio.EngineID{}, nil))
}

func (s *CatalogSuite) TestDelete() {
	s.Require().NoError(s.catalog.Delete(s.ctx, s.link.ID))
	_, err := s.catalog.ResolveLink("bus2")
	s.ErrorIs(err, mpio.ErrDestinationNotFound)
	s.ErrorIs(s.catalog.Delete(s.ctx, s.link.ID), ErrUnknownDestination)
}

func (s *CatalogSuite) TestListOrdered() {
	_, err := s.catalog.Create(s.ctx, Record{Name: "alpha", Bus: "bus0"})
	s.Require().NoError(err)
	list := s.catalog.List()
	s.Require().Len(list, 3)
	s.Equal("alpha", list[0].Name)
	s.Equal("orders", list[1].Name)
	s.Equal("to-bus2", list[2].Name)
}

func TestCatalogSuite(t *testing.T) {
	suite.Run(t, new(CatalogSuite))
}

type foreignDestination struct {
	mpio.Destination
	id uuid.UUID
}

func (f foreignDestination) UUID() uuid.UUID { return f.id }

func TestCatalog_StoreFailures(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	cat := New(store, quietLogger())

	store.On("List", ctx).Return(nil, errors.New("connection refused")).Once()
	err := cat.Load(ctx)
	assert.ErrorContains(t, err, "connection refused")

	store.On("Save", ctx, mock.Anything).Return(errors.New("disk full")).Once()
	_, err = cat.Create(ctx, Record{Name: "q", Bus: "b"})
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, cat.List(), "a failed save leaves the index untouched")

	store.AssertExpectations(t)
}

func TestCatalog_DeleteToleratesMissingRecord(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	cat := New(store, quietLogger())

	store.On("Save", ctx, mock.Anything).Return(nil)
	rec, err := cat.Create(ctx, Record{Name: "q", Bus: "b"})
	require.NoError(t, err)

	store.On("Delete", ctx, rec.ID).Return(ErrRecordNotFound)
	assert.NoError(t, cat.Delete(ctx, rec.ID))
	assert.Empty(t, cat.List())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := Record{ID: uuid.New(), Name: "q", Bus: "b"}

	require.NoError(t, store.Save(ctx, rec))
	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	created := records[0].CreatedAt
	assert.False(t, created.IsZero())

	rec.ToBeDeleted = true
	require.NoError(t, store.Save(ctx, rec))
	records, _ = store.List(ctx)
	assert.True(t, records[0].ToBeDeleted)
	assert.Equal(t, created, records[0].CreatedAt)

	require.NoError(t, store.Delete(ctx, rec.ID))
	assert.ErrorIs(t, store.Delete(ctx, rec.ID), ErrRecordNotFound)
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("CATALOG_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DATABASE_URL not set")
	}
	db, err := OpenPostgres(dsn)
	require.NoError(t, err)

	ctx := context.Background()
	store := NewGormStore(db)
	rec := Record{ID: uuid.New(), Name: "gorm-" + uuid.NewString(), Bus: "test"}
	require.NoError(t, store.Save(ctx, rec))
	defer store.Delete(ctx, rec.ID)

	rec.CreateInProgress = true
	require.NoError(t, store.Save(ctx, rec))

	records, err := store.List(ctx)
	require.NoError(t, err)
	var found *Record
	for i := range records {
		if records[i].ID == rec.ID {
			found = &records[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.CreateInProgress)

	require.NoError(t, store.Delete(ctx, rec.ID))
	assert.ErrorIs(t, store.Delete(ctx, rec.ID), ErrRecordNotFound)
}

func TestDeliveryLog(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	log := NewDeliveryLog(quietLogger(), sink)
	msg := &mpio.Message{TargetDestination: uuid.New(), Payload: []byte("abc")}

	require.NoError(t, log.HandleMessage(mpio.EngineID{0x1}, msg))
	require.NoError(t, log.HandleMessage(mpio.EngineID{0x1}, msg))
	require.NoError(t, log.HandleControlMessage(mpio.EngineID{0x1}, msg))

	intervals := sink.Data()
	require.NotEmpty(t, intervals)
	counters := intervals[0].Counters
	assert.Equal(t, 2, counters["melink.catalog.delivered"].Count)
	assert.Equal(t, 1, counters["melink.catalog.control.delivered"].Count)
}
