// Package catalog keeps the destinations of the local engine and the stream
// handlers attached to them. It is the destination resolver and state
// oracle of the message router.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"melink/internal/mpio"

	"github.com/google/uuid"
)

var (
	ErrDuplicateName      = errors.New("destination name already used on bus")
	ErrDuplicateLink      = errors.New("link to foreign bus already defined")
	ErrInvalidRecord      = errors.New("invalid destination record")
	ErrUnknownDestination = errors.New("unknown destination")
)

type nameKey struct {
	name string
	bus  string
}

// Catalog indexes destination records in memory and writes changes through
// to its Store. Resolution never touches the store.
type Catalog struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[uuid.UUID]*destination
	byName map[nameKey]*destination
	links  map[string]*destination

	fallback atomic.Pointer[fallbackHandlers]
}

type fallbackHandlers struct {
	control mpio.ControlHandler
	input   mpio.InputHandler
}

func New(store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  store,
		logger: logger,
		byID:   make(map[uuid.UUID]*destination),
		byName: make(map[nameKey]*destination),
		links:  make(map[string]*destination),
	}
}

// SetFallbackHandlers installs the handlers used by destinations without a
// handler registered for a protocol. Destinations marked for deletion never
// fall back. Nil handlers disable the fallback.
func (c *Catalog) SetFallbackHandlers(control mpio.ControlHandler, input mpio.InputHandler) {
	c.fallback.Store(&fallbackHandlers{control: control, input: input})
}

func (c *Catalog) fallbacks() fallbackHandlers {
	if f := c.fallback.Load(); f != nil {
		return *f
	}
	return fallbackHandlers{}
}

// Load replaces the index with the records of the store. Registered handlers
// of destinations that survive the reload are kept.
func (c *Catalog) Load(ctx context.Context) error {
	records, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load catalogue: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.byID
	c.byID = make(map[uuid.UUID]*destination, len(records))
	c.byName = make(map[nameKey]*destination, len(records))
	c.links = make(map[string]*destination)
	for _, rec := range records {
		d, ok := old[rec.ID]
		if ok {
			d.setRecord(rec)
		} else {
			d = c.newDestination(rec)
		}
		c.indexLocked(d)
	}
	c.logger.Info("catalogue_loaded",
		"destinations", len(records),
	)
	return nil
}

// Create persists a new destination. A zero ID is replaced by a random one.
func (c *Catalog) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.Name == "" || rec.Bus == "" {
		return Record{}, fmt.Errorf("%w: name and bus are required", ErrInvalidRecord)
	}
	if rec.Link && rec.ForeignBus == "" {
		return Record{}, fmt.Errorf("%w: link without foreign bus", ErrInvalidRecord)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[nameKey{rec.Name, rec.Bus}]; ok {
		return Record{}, fmt.Errorf("%w: %s on %s", ErrDuplicateName, rec.Name, rec.Bus)
	}
	if rec.Link {
		if _, ok := c.links[rec.ForeignBus]; ok {
			return Record{}, fmt.Errorf("%w: %s", ErrDuplicateLink, rec.ForeignBus)
		}
	}
	if err := c.store.Save(ctx, rec); err != nil {
		return Record{}, err
	}
	c.indexLocked(c.newDestination(rec))
	c.logger.Info("destination_created",
		"destination", rec.ID,
		"name", rec.Name,
		"bus", rec.Bus,
		"link", rec.Link,
	)
	return rec, nil
}

// Update applies mutate to the record of id and persists the result. Name,
// bus and link identity cannot change.
func (c *Catalog) Update(ctx context.Context, id uuid.UUID, mutate func(*Record)) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	before := d.record()
	after := before
	mutate(&after)
	after.ID, after.Name, after.Bus = before.ID, before.Name, before.Bus
	after.Link, after.ForeignBus = before.Link, before.ForeignBus

	if err := c.store.Save(ctx, after); err != nil {
		return Record{}, err
	}
	d.setRecord(after)
	return after, nil
}

// SetCreateInProgress flags a destination whose creation has not finished.
func (c *Catalog) SetCreateInProgress(ctx context.Context, id uuid.UUID, inProgress bool) error {
	_, err := c.Update(ctx, id, func(r *Record) { r.CreateInProgress = inProgress })
	return err
}

// MarkToBeDeleted flags a destination for deletion. Messages for it are
// then treated like messages for an unknown destination.
func (c *Catalog) MarkToBeDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := c.Update(ctx, id, func(r *Record) { r.ToBeDeleted = true })
	return err
}

// Delete removes the destination and every handler attached to it.
func (c *Catalog) Delete(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	if err := c.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	rec := d.record()
	delete(c.byID, id)
	delete(c.byName, nameKey{rec.Name, rec.Bus})
	if rec.Link {
		delete(c.links, rec.ForeignBus)
	}
	c.logger.Info("destination_deleted",
		"destination", id,
		"name", rec.Name,
	)
	return nil
}

// List returns every record ordered by bus and name.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d.record())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus < out[j].Bus
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RegisterControlHandler attaches h to the destination for one protocol.
// A nil handler detaches.
func (c *Catalog) RegisterControlHandler(id uuid.UUID, protocol mpio.ProtocolType, h mpio.ControlHandler) error {
	d, err := c.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.control, protocol)
	} else {
		d.control[protocol] = h
	}
	return nil
}

// RegisterInputHandler attaches h to the destination for one protocol.
// A nil handler detaches.
func (c *Catalog) RegisterInputHandler(id uuid.UUID, protocol mpio.ProtocolType, h mpio.InputHandler) error {
	d, err := c.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.input, protocol)
	} else {
		d.input[protocol] = h
	}
	return nil
}

func (c *Catalog) lookup(id uuid.UUID) (*destination, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	return d, nil
}

func (c *Catalog) indexLocked(d *destination) {
	rec := d.record()
	c.byID[rec.ID] = d
	c.byName[nameKey{rec.Name, rec.Bus}] = d
	if rec.Link {
		c.links[rec.ForeignBus] = d
	}
}

func visible(d *destination, includeInvisible bool) bool {
	return includeInvisible || !d.record().Invisible
}

func (c *Catalog) ResolveByUUID(id uuid.UUID, includeInvisible bool) (mpio.Destination, error) {
	c.mu.RLock()
	d, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok || !visible(d, includeInvisible) {
		return nil, fmt.Errorf("%w: %s", mpio.ErrDestinationNotFound, id)
	}
	return d, nil
}

func (c *Catalog) ResolveByName(name, bus string, includeInvisible bool) (mpio.Destination, error) {
	c.mu.RLock()
	d, ok := c.byName[nameKey{name, bus}]
	c.mu.RUnlock()
	if !ok || !visible(d, includeInvisible) {
		return nil, fmt.Errorf("%w: %s on %s", mpio.ErrDestinationNotFound, name, bus)
	}
	return d, nil
}

// ResolveLink finds the link destination standing for busName.
func (c *Catalog) ResolveLink(busName string) (mpio.Destination, error) {
	c.mu.RLock()
	d, ok := c.links[busName]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: link to %s", mpio.ErrDestinationNotFound, busName)
	}
	return d, nil
}

// State implements mpio.StateOracle for destinations of this catalogue.
func (c *Catalog) State(dest mpio.Destination) (mpio.DestinationState, bool) {
	d, ok := dest.(*destination)
	if !ok {
		c.mu.RLock()
		d, ok = c.byID[dest.UUID()]
		c.mu.RUnlock()
		if !ok {
			return mpio.DestinationState{}, false
		}
	}
	return mpio.DestinationState{CreateInProgress: d.record().CreateInProgress}, true
}

// destination is the mpio.Destination view of one record.
type destination struct {
	owner   *Catalog
	mu      sync.RWMutex
	rec     Record
	control map[mpio.ProtocolType]mpio.ControlHandler
	input   map[mpio.ProtocolType]mpio.InputHandler
}

func (c *Catalog) newDestination(rec Record) *destination {
	return &destination{
		owner:   c,
		rec:     rec,
		control: make(map[mpio.ProtocolType]mpio.ControlHandler),
		input:   make(map[mpio.ProtocolType]mpio.InputHandler),
	}
}

func (d *destination) record() Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rec
}

func (d *destination) setRecord(rec Record) {
	d.mu.Lock()
	d.rec = rec
	d.mu.Unlock()
}

func (d *destination) Name() string        { return d.record().Name }
func (d *destination) UUID() uuid.UUID     { return d.record().ID }
func (d *destination) IsLink() bool        { return d.record().Link }
func (d *destination) IsToBeDeleted() bool { return d.record().ToBeDeleted }

func (d *destination) ControlHandler(protocol mpio.ProtocolType, source mpio.EngineID, msg *mpio.Message) mpio.ControlHandler {
	d.mu.RLock()
	h, toBeDeleted := d.control[protocol], d.rec.ToBeDeleted
	d.mu.RUnlock()
	if h == nil && !toBeDeleted {
		h = d.owner.fallbacks().control
	}
	return h
}

func (d *destination) InputHandler(protocol mpio.ProtocolType, source mpio.EngineID, msg *mpio.Message) mpio.InputHandler {
	d.mu.RLock()
	h, toBeDeleted := d.input[protocol], d.rec.ToBeDeleted
	d.mu.RUnlock()
	if h == nil && !toBeDeleted {
		h = d.owner.fallbacks().input
	}
	return h
}
