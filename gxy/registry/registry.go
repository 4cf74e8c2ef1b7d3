// Package registry implements the KeyedObject discipline named in
// spec.md §9 and generalized by SPEC_FULL.md §4.10: a process-wide table
// from objkey.Key to (class tag, owning rank, value). The rank that calls
// Create holds the primary copy; CommitMsg replicates a dependent replica
// of it to every other rank; DropMsg removes it everywhere.
//
// Grounded on original_source/src/framework/KeyedObjectMap.h: its map is a
// weak reference on the rank that created the object (deletion is driven
// by ordinary application ref-counting there) and a strong reference on
// every dependent rank (the object persists until a broadcast DropMsg
// removes it). Go has no manual ref-counting to mirror on the owner's
// side -- the GC already keeps a value alive for as long as anything
// holds it -- so this package holds every entry, primary or dependent,
// with the same strength (a plain map value) and treats "primary vs.
// dependent" purely as a question of which rank may call Drop, not of
// reference strength. KeyedObjectMap.h's class-name string + factory
// lambda becomes a ClassTag plus a registered Factory/Encoder pair below.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/log"
	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/framebuffer"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/partition"
	"github.com/gxy-project/gxy/gxy/renderset"
	"github.com/gxy-project/gxy/gxy/sampler"
	"github.com/gxy-project/gxy/gxy/schlieren"
	"github.com/gxy-project/gxy/gxy/trace"
)

// ClassTag identifies which kind of KeyedObject an entry holds, mirroring
// KeyedObjectMap.h's class-name string used to pick a factory on commit.
type ClassTag int32

const (
	ClassRenderer ClassTag = iota + 1
	ClassCamera
	ClassVisualization
	ClassRendering
	ClassRenderingSet
)

// Message class this package owns on the shared Substrate. Chosen above
// gxy/sampler's 110 and below gxy/renderset's 200-204 block.
const ClassCommitObject mesg.ClassTag = 120
const ClassDropObject mesg.ClassTag = 121

// Encoder serializes a value of a given ClassTag for CommitMsg.
type Encoder func(value interface{}) []byte

// Factory builds this rank's dependent replica of a newly committed
// object from the encoded payload the primary broadcast. For most classes
// this is a small struct decode (Camera, Rendering); for RenderingSet
// specifically the factory drives renderset.New, since a Set's identity
// is the message handlers it installs, not just its field values --
// exactly the "class factory constructs the local object" step
// KeyedObjectMap.h's NewMsg handling performs.
type Factory func(t *Table, key objkey.Key, ownerRank int, payload []byte) (interface{}, error)

type entry struct {
	tag   ClassTag
	owner int
	value interface{}
}

// DatasetProvider resolves a dataset key to this rank's locally loaded
// scalar field and spatial partitioning. A Visualization's heavy payload
// (the field samples) is never put on the wire -- every rank already
// loads its own local sub-box of the dataset at startup, per spec.md's
// "Partition...local sub-box" ownership rule -- only the small transfer
// function and dataset reference travel in CommitMsg.
type DatasetProvider interface {
	Dataset(datasetKey objkey.Key) (*kernel.ScalarField, *partition.Partitioning, error)
}

// Table is the registry itself: one per rank, shared by every package
// that needs to resolve a Key to the object behind it.
type Table struct {
	sub  *mesg.Substrate
	rank int

	Datasets        DatasetProvider
	NewQueueControl func(key objkey.Key) renderset.QueueControl

	entries   sync.Map // objkey.Key -> *entry
	counter   uint64
	encoders  map[ClassTag]Encoder
	factories map[ClassTag]Factory
	stores    samplerStores
}

// New builds a Table bound to sub and installs its ClassCommitObject and
// ClassDropObject handlers, then registers the five built-in KeyedObject
// kinds named in spec.md §3's data model.
func New(sub *mesg.Substrate) *Table {
	t := &Table{
		sub:       sub,
		rank:      sub.Rank(),
		encoders:  make(map[ClassTag]Encoder),
		factories: make(map[ClassTag]Factory),
	}
	sub.RegisterHandler(ClassCommitObject, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		return true, t.onCommit(ctx, payload)
	})
	sub.RegisterHandler(ClassDropObject, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		t.onDrop(ctx, payload)
		return true, nil
	})
	t.registerBuiltins()
	return t
}

// RegisterClass installs the encode/factory pair for a custom ClassTag.
// The five built-in kinds (Renderer, Camera, Visualization, Rendering,
// RenderingSet) are registered automatically by New; callers only need
// this for a kind of their own.
func (t *Table) RegisterClass(tag ClassTag, enc Encoder, fac Factory) {
	t.encoders[tag] = enc
	t.factories[tag] = fac
}

// allocate mints a key unique across the peer group: the creating rank's
// number in the high bits, a per-rank monotonic counter in the low bits.
// Avoids needing a coordinator to hand out keys, which original_source's
// KeyedObjectMap.h sidesteps differently (it runs key allocation only on
// rank 0); this rank-prefixed scheme lets every rank allocate locally.
func (t *Table) allocate() objkey.Key {
	n := atomic.AddUint64(&t.counter, 1)
	return objkey.Key(int64(t.rank)<<32 | int64(n))
}

func ownerOf(key objkey.Key) int {
	return int(int64(key) >> 32)
}

// Create registers value under tag as this rank's primary copy, mints its
// Key, and broadcasts CommitMsg so every other rank builds its own
// dependent replica via tag's Factory. Returns the newly minted Key.
func (t *Table) Create(ctx context.Context, tag ClassTag, value interface{}) (objkey.Key, error) {
	enc, ok := t.encoders[tag]
	if !ok {
		return objkey.Invalid, errors.Errorf("registry: no encoder registered for class %d", tag)
	}
	key := t.allocate()
	t.entries.Store(key, &entry{tag: tag, owner: t.rank, value: value})

	body := enc(value)
	w := binary.NewWriter()
	w.Int64(int64(key))
	w.Int32(int32(tag))
	w.Uint32(uint32(len(body)))
	w.Data(body)
	if err := w.Error(); err != nil {
		return objkey.Invalid, errors.Wrap(err, "registry: encode CommitMsg")
	}
	if err := t.sub.Broadcast(ctx, ClassCommitObject, w.Bytes(), false); err != nil {
		return objkey.Invalid, errors.Wrap(err, "registry: broadcast CommitMsg")
	}
	return key, nil
}

func (t *Table) onCommit(ctx context.Context, payload []byte) error {
	r := binary.NewReader(payload)
	key := objkey.Key(r.Int64())
	tag := ClassTag(r.Int32())
	n := r.Uint32()
	body := make([]byte, n)
	r.Data(body)
	if err := r.Error(); err != nil {
		return errors.Wrap(err, "registry: decode CommitMsg header")
	}

	fac, ok := t.factories[tag]
	if !ok {
		return errors.Errorf("registry: no factory registered for class %d", tag)
	}
	owner := ownerOf(key)
	value, err := fac(t, key, owner, body)
	if err != nil {
		return errors.Wrapf(err, "registry: build dependent replica for key %d", key)
	}
	t.entries.Store(key, &entry{tag: tag, owner: owner, value: value})
	return nil
}

// Drop removes key's primary copy on this rank (which must own it) and
// broadcasts DropMsg so every dependent rank removes its replica.
func (t *Table) Drop(ctx context.Context, key objkey.Key) error {
	v, ok := t.entries.Load(key)
	if !ok {
		return errors.Errorf("registry: drop of unknown key %d", key)
	}
	if e := v.(*entry); e.owner != t.rank {
		return errors.Errorf("registry: rank %d cannot drop key %d owned by rank %d", t.rank, key, e.owner)
	}
	t.entries.Delete(key)

	w := binary.NewWriter()
	w.Int64(int64(key))
	if err := t.sub.Broadcast(ctx, ClassDropObject, w.Bytes(), false); err != nil {
		return errors.Wrap(err, "registry: broadcast DropMsg")
	}
	return nil
}

func (t *Table) onDrop(ctx context.Context, payload []byte) {
	r := binary.NewReader(payload)
	key := objkey.Key(r.Int64())
	if r.Error() != nil {
		return
	}
	t.entries.Delete(key)
	t.logDrop(ctx, key)
}

// Get is the lock-free lookup path: a sync.Map.Load with no write lock
// ever taken on the read side, matching SPEC_FULL.md §4.10's "lookups
// lock-free; insert/drop under a short write lock followed by a
// broadcast" (the "short write lock" here is the sync.Map's own internal
// bookkeeping on Create/Drop, not anything this package adds on top).
func (t *Table) Get(key objkey.Key) (value interface{}, tag ClassTag, owner int, ok bool) {
	v, found := t.entries.Load(key)
	if !found {
		return nil, 0, 0, false
	}
	e := v.(*entry)
	return e.value, e.tag, e.owner, true
}

// ---- Renderer ----

// RendererRecord is the minimal KeyedObject spec.md §3 names as "Renderer"
// -- the tag RayList headers carry as RendererKey. It currently holds no
// payload of its own; it exists as a registry entry so a RendererKey
// resolves to *something* rather than being an untracked bare integer.
type RendererRecord struct {
	Name string
}

// ---- Camera ----

// CameraRecord is spec.md §3's Camera entity: viewpoint, basis, angle of
// view, and the image dimensions it is generated at.
type CameraRecord struct {
	Eye, Dir, Up  f32.Vec3
	AOV           float32
	Width, Height int
}

func encodeCamera(value interface{}) []byte {
	c := value.(CameraRecord)
	w := binary.NewWriter()
	for _, v := range [...]f32.Vec3{c.Eye, c.Dir, c.Up} {
		w.Float32(v[0])
		w.Float32(v[1])
		w.Float32(v[2])
	}
	w.Float32(c.AOV)
	w.Int32(int32(c.Width))
	w.Int32(int32(c.Height))
	return w.Bytes()
}

func decodeCamera(_ *Table, _ objkey.Key, _ int, payload []byte) (interface{}, error) {
	r := binary.NewReader(payload)
	readVec := func() f32.Vec3 { return f32.Vec3{r.Float32(), r.Float32(), r.Float32()} }
	c := CameraRecord{Eye: readVec(), Dir: readVec(), Up: readVec()}
	c.AOV = r.Float32()
	c.Width = int(r.Int32())
	c.Height = int(r.Int32())
	return c, r.Error()
}

// ---- Visualization ----

// VisualizationRecord is the small, wire-sized half of spec.md §3's
// Visualization/Vis entities: which dataset this rendering traces against
// and the transfer function to color it with. Each rank's Factory
// combines this with its own locally loaded field and partitioning
// (resolved through Datasets) to build a *kernel.Visualization, never
// shipping field samples over the wire.
type VisualizationRecord struct {
	DatasetKey objkey.Key
	Stops      []kernel.ColorStop
}

func encodeVisualization(value interface{}) []byte {
	v := value.(VisualizationRecord)
	w := binary.NewWriter()
	w.Int64(int64(v.DatasetKey))
	w.Uint32(uint32(len(v.Stops)))
	for _, s := range v.Stops {
		w.Float32(s.Value)
		w.Float32(s.Color[0])
		w.Float32(s.Color[1])
		w.Float32(s.Color[2])
	}
	return w.Bytes()
}

func decodeVisualizationRecord(payload []byte) (VisualizationRecord, error) {
	r := binary.NewReader(payload)
	v := VisualizationRecord{DatasetKey: objkey.Key(r.Int64())}
	n := r.Uint32()
	v.Stops = make([]kernel.ColorStop, n)
	for i := range v.Stops {
		v.Stops[i] = kernel.ColorStop{
			Value: r.Float32(),
			Color: f32.Vec3{r.Float32(), r.Float32(), r.Float32()},
		}
	}
	return v, r.Error()
}

func (t *Table) visualizationFactory(_ *Table, _ objkey.Key, rank int, payload []byte) (interface{}, error) {
	v, err := decodeVisualizationRecord(payload)
	if err != nil {
		return nil, err
	}
	return t.buildVisualization(v, rank)
}

func (t *Table) buildVisualization(v VisualizationRecord, rank int) (*kernel.Visualization, error) {
	if t.Datasets == nil {
		return nil, errors.Errorf("registry: no DatasetProvider configured")
	}
	field, parts, err := t.Datasets.Dataset(v.DatasetKey)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: resolve dataset %d", v.DatasetKey)
	}
	return &kernel.Visualization{
		Field:        field,
		Colormap:     &kernel.Colormap{Stops: v.Stops},
		Partitioning: parts,
		Rank:         rank,
	}, nil
}

// CreateVisualization is the owner-rank entry point for a Visualization:
// unlike Camera or Renderer, its stored value is never the wire record
// itself but the *kernel.Visualization built from it plus this rank's own
// locally loaded dataset, so the primary rank must run the same build
// step a dependent rank's Factory runs rather than going through the
// generic Create path.
func (t *Table) CreateVisualization(ctx context.Context, rec VisualizationRecord) (objkey.Key, error) {
	vis, err := t.buildVisualization(rec, t.rank)
	if err != nil {
		return objkey.Invalid, err
	}
	key := t.allocate()
	t.entries.Store(key, &entry{tag: ClassVisualization, owner: t.rank, value: vis})

	body := encodeVisualization(rec)
	w := binary.NewWriter()
	w.Int64(int64(key))
	w.Int32(int32(ClassVisualization))
	w.Uint32(uint32(len(body)))
	w.Data(body)
	if err := w.Error(); err != nil {
		return objkey.Invalid, err
	}
	if err := t.sub.Broadcast(ctx, ClassCommitObject, w.Bytes(), false); err != nil {
		return objkey.Invalid, errors.Wrap(err, "registry: broadcast Visualization CommitMsg")
	}
	return key, nil
}

// ---- Rendering ----

// RenderingRecord is spec.md §3's Rendering entity minus its frame
// buffer, which only the owning rank's Factory attaches (buffers never
// travel over CommitMsg -- they are produced locally by the trace loop).
type RenderingRecord struct {
	OwnerRank        int
	SetKey           objkey.Key
	VisualizationKey objkey.Key
	CameraKey        objkey.Key
	Width, Height    int
}

func encodeRendering(value interface{}) []byte {
	rr := value.(RenderingRecord)
	w := binary.NewWriter()
	w.Int32(int32(rr.OwnerRank))
	w.Int64(int64(rr.SetKey))
	w.Int64(int64(rr.VisualizationKey))
	w.Int64(int64(rr.CameraKey))
	w.Int32(int32(rr.Width))
	w.Int32(int32(rr.Height))
	return w.Bytes()
}

func (t *Table) renderingFactory(_ *Table, _ objkey.Key, _ int, payload []byte) (interface{}, error) {
	r := binary.NewReader(payload)
	rr := RenderingRecord{
		OwnerRank:        int(r.Int32()),
		SetKey:           objkey.Key(r.Int64()),
		VisualizationKey: objkey.Key(r.Int64()),
		CameraKey:        objkey.Key(r.Int64()),
	}
	rr.Width = int(r.Int32())
	rr.Height = int(r.Int32())
	if err := r.Error(); err != nil {
		return nil, err
	}
	var fb *framebuffer.FrameBuffer
	if rr.OwnerRank == t.rank {
		fb = framebuffer.New(rr.Width, rr.Height)
	}
	return &renderingEntry{record: rr, frameBuffer: fb}, nil
}

// renderingEntry is what the table actually stores for ClassRendering: the
// replicated record plus (on the owner only) the live frame buffer, which
// never goes through Encoder/Factory since it is built once locally and
// mutated in place by the trace loop from then on.
type renderingEntry struct {
	record      RenderingRecord
	frameBuffer *framebuffer.FrameBuffer
}

// CreateRendering is the owner-rank entry point: it builds the local
// frame buffer itself (Create's generic path cannot, since Factory only
// runs for dependent replicas) and registers the KeyedObject.
func (t *Table) CreateRendering(ctx context.Context, rr RenderingRecord) (objkey.Key, error) {
	rr.OwnerRank = t.rank
	key := t.allocate()
	t.entries.Store(key, &entry{tag: ClassRendering, owner: t.rank, value: &renderingEntry{
		record:      rr,
		frameBuffer: framebuffer.New(rr.Width, rr.Height),
	}})
	body := encodeRendering(rr)
	w := binary.NewWriter()
	w.Int64(int64(key))
	w.Int32(int32(ClassRendering))
	w.Uint32(uint32(len(body)))
	w.Data(body)
	if err := w.Error(); err != nil {
		return objkey.Invalid, err
	}
	if err := t.sub.Broadcast(ctx, ClassCommitObject, w.Bytes(), false); err != nil {
		return objkey.Invalid, errors.Wrap(err, "registry: broadcast Rendering CommitMsg")
	}
	return key, nil
}

// Rendering implements gxy/trace.Renderings.
func (t *Table) Rendering(key objkey.Key) (trace.Rendering, bool) {
	v, tag, _, ok := t.Get(key)
	if !ok || tag != ClassRendering {
		return trace.Rendering{}, false
	}
	re := v.(*renderingEntry)
	return trace.Rendering{OwnerRank: re.record.OwnerRank, SetKey: re.record.SetKey, FrameBuffer: re.frameBuffer}, true
}

// samplerStores holds the sampler.Store of each rendering key. Together
// with the same renderingEntry as Rendering it backs SamplerRendering,
// which implements gxy/sampler.Renderings -- a sampler run and an ordinary render both
// describe "whose frame this is and where its output lands," just with a
// sampler.Store standing in for a FrameBuffer.
type samplerStores struct {
	mu    sync.Mutex
	byKey map[objkey.Key]*sampler.Store
}

// SamplerStore returns (creating if absent) this rank's Store for key.
// Only meaningful when this rank owns the rendering.
func (t *Table) SamplerStore(key objkey.Key) *sampler.Store {
	t.storesOnce()
	t.stores.mu.Lock()
	defer t.stores.mu.Unlock()
	s, ok := t.stores.byKey[key]
	if !ok {
		s = &sampler.Store{}
		t.stores.byKey[key] = s
	}
	return s
}

func (t *Table) storesOnce() {
	if t.stores.byKey == nil {
		t.stores.byKey = make(map[objkey.Key]*sampler.Store)
	}
}

// SamplerRendering implements gxy/sampler.Renderings.
func (t *Table) SamplerRendering(key objkey.Key) (sampler.Rendering, bool) {
	v, tag, _, ok := t.Get(key)
	if !ok || tag != ClassRendering {
		return sampler.Rendering{}, false
	}
	re := v.(*renderingEntry)
	var store *sampler.Store
	if re.record.OwnerRank == t.rank {
		store = t.SamplerStore(key)
	}
	return sampler.Rendering{OwnerRank: re.record.OwnerRank, SetKey: re.record.SetKey, Store: store}, true
}

// Camera implements gxy/schlieren.Cameras: it resolves a RenderingKey (not
// a CameraKey) to the camera that rendering traces against, matching the
// field rl.Header.RenderingKey schlieren.Kernel.Shade looks up with.
func (t *Table) Camera(renderingKey objkey.Key) (schlieren.CameraParams, bool) {
	v, tag, _, ok := t.Get(renderingKey)
	if !ok || tag != ClassRendering {
		return schlieren.CameraParams{}, false
	}
	re := v.(*renderingEntry)
	cv, ctag, _, ok := t.Get(re.record.CameraKey)
	if !ok || ctag != ClassCamera {
		return schlieren.CameraParams{}, false
	}
	c := cv.(CameraRecord)
	return schlieren.CameraParams{Eye: c.Eye, Dir: c.Dir, Up: c.Up, AOV: c.AOV, Width: c.Width, Height: c.Height}, true
}

// Visualization implements gxy/trace.Visualizations.
func (t *Table) Visualization(key objkey.Key) (*kernel.Visualization, bool) {
	v, tag, _, ok := t.Get(key)
	if !ok || tag != ClassVisualization {
		return nil, false
	}
	return v.(*kernel.Visualization), true
}

// ---- RenderingSet ----

func (t *Table) renderingSetFactory(_ *Table, key objkey.Key, _ int, _ []byte) (interface{}, error) {
	var qc renderset.QueueControl
	if t.NewQueueControl != nil {
		qc = t.NewQueueControl(key)
	}
	return renderset.New(t.sub, key, qc), nil
}

// CreateRenderingSet is the owner-rank entry point for a RenderingSet: it
// builds the local *renderset.Set itself (Set carries live message
// handlers bound to t.sub, not wire-serializable state) and registers it.
func (t *Table) CreateRenderingSet(ctx context.Context, queue renderset.QueueControl) (objkey.Key, *renderset.Set, error) {
	key := t.allocate()
	set := renderset.New(t.sub, key, queue)
	t.entries.Store(key, &entry{tag: ClassRenderingSet, owner: t.rank, value: set})

	w := binary.NewWriter()
	w.Int64(int64(key))
	w.Int32(int32(ClassRenderingSet))
	w.Uint32(0)
	if err := t.sub.Broadcast(ctx, ClassCommitObject, w.Bytes(), false); err != nil {
		return objkey.Invalid, nil, errors.Wrap(err, "registry: broadcast RenderingSet CommitMsg")
	}
	return key, set, nil
}

// RenderingsInSet returns the key of every Rendering committed so far
// whose SetKey is setKey. Used by RenderMsg's handler (cmd/gxyrender) to
// turn the one key the wire message names into the renderings it should
// spawn primary rays into -- the reverse of RenderingRecord.SetKey, which
// this package otherwise only ever reads forward.
func (t *Table) RenderingsInSet(setKey objkey.Key) []objkey.Key {
	var keys []objkey.Key
	t.entries.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		if e.tag != ClassRendering {
			return true
		}
		if e.value.(*renderingEntry).record.SetKey == setKey {
			keys = append(keys, k.(objkey.Key))
		}
		return true
	})
	return keys
}

// Set implements gxy/trace.Sets and gxy/sampler.Sets.
func (t *Table) Set(key objkey.Key) *renderset.Set {
	v, tag, _, ok := t.Get(key)
	if !ok || tag != ClassRenderingSet {
		return nil
	}
	return v.(*renderset.Set)
}

func (t *Table) registerBuiltins() {
	t.RegisterClass(ClassRenderer,
		func(value interface{}) []byte {
			r := value.(RendererRecord)
			w := binary.NewWriter()
			w.String(r.Name)
			return w.Bytes()
		},
		func(_ *Table, _ objkey.Key, _ int, payload []byte) (interface{}, error) {
			r := binary.NewReader(payload)
			return RendererRecord{Name: r.String()}, r.Error()
		})

	t.RegisterClass(ClassCamera, encodeCamera, decodeCamera)
	t.RegisterClass(ClassVisualization, encodeVisualization, t.visualizationFactory)
	t.RegisterClass(ClassRendering, encodeRendering, t.renderingFactory)
	t.RegisterClass(ClassRenderingSet, func(interface{}) []byte { return nil }, t.renderingSetFactory)
}

func (t *Table) logDrop(ctx context.Context, key objkey.Key) {
	log.I(ctx, "registry: dropped key %d", key)
}
