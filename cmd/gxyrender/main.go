// Command gxyrender is the cluster launcher and per-rank render driver
// (§6): one process per rank, all pointed at the same JSON state file.
// Each process dials every other rank's peer address, joins the messaging
// substrate, builds its own local view of the dataset (per spec.md's
// partitioning rule that a rank's sub-box is loaded locally, never shipped
// over the wire), spawns the camera's primary rays, runs the distributed
// trace/classify/forward loop to quiescence, and writes its rendering's
// frame buffer to disk if it owns one.
//
// Styled after the teacher's single-purpose cmd/* drivers (cmd/stash,
// cmd/copyright, cmd/font-gen) rather than cmd/gapit's multi-verb
// app.Run/Verb tree: gxyrender has exactly one job, so core/app/flags.Set
// is bound directly against a flat option set instead of through a verb
// hierarchy.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/app/crash"
	"github.com/gxy-project/gxy/core/app/flags"
	"github.com/gxy-project/gxy/core/event/task"
	"github.com/gxy-project/gxy/core/log"
	"github.com/gxy-project/gxy/gxy/imageio"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/partition"
	"github.com/gxy-project/gxy/gxy/raylist"
	"github.com/gxy-project/gxy/gxy/rayqueue"
	"github.com/gxy-project/gxy/gxy/registry"
	"github.com/gxy-project/gxy/gxy/sampler"
	"github.com/gxy-project/gxy/gxy/schlieren"
	"github.com/gxy-project/gxy/gxy/trace"
)

func main() {
	reporter := crash.Register(func(e interface{}, stack []byte) {
		fmt.Fprintf(os.Stderr, "gxyrender: fatal: %v\n%s", e, stack)
	})
	defer reporter()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gxyrender:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var set flags.Set
	size := &dimsFlag{}
	set.Raw.Var(size, "s", "output image size as WxH, e.g. 1024x768 (overrides the state file's width/height)")
	debug := false
	set.Bind("D", &debug, "start a net/http/pprof debug endpoint (this reimplementation's stand-in for a native debugger attach)")
	debugAddr := "localhost:6060"
	set.Bind("A", &debugAddr, "address for the -D debug endpoint")
	viewerPort := 0
	set.Bind("P", &viewerPort, "port to expose the external viewer status socket on (0 disables it)")
	viewerHost := "localhost"
	set.Bind("H", &viewerHost, "host to bind the -P viewer status socket to")
	rank := -1
	set.Bind("rank", &rank, "this process's rank, overriding the state file's Rank field (-1 keeps the state file's value)")

	var fullHelp bool
	set.Parse(&fullHelp, args...)

	positional := set.Args()
	if len(positional) != 1 {
		return errors.Errorf("usage: gxyrender [flags] <scene.json>\n%s", set.Usage(fullHelp))
	}

	cfg, err := loadSceneConfig(positional[0])
	if err != nil {
		return err
	}
	if rank >= 0 {
		cfg.Rank = rank
	}
	if size.width > 0 && size.height > 0 {
		cfg.Width, cfg.Height = size.width, size.height
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	if debug {
		crash.Go(func() {
			log.I(ctx, "gxyrender: debug endpoint listening on %s", debugAddr)
			if err := http.ListenAndServe(debugAddr, nil); err != nil {
				log.W(ctx, "gxyrender: debug endpoint: %v", err)
			}
		})
	}

	return renderOneFrame(ctx, cfg, viewerHost, viewerPort)
}

func waitForSignal(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}

// renderOneFrame wires every collaborator package together for this rank,
// joins the mesh, spawns the camera's primary rays, and blocks until the
// rendering set's termination detector confirms the frame is quiescent.
func renderOneFrame(ctx context.Context, cfg *sceneConfig, viewerHost string, viewerPort int) error {
	field, err := cfg.Field.load()
	if err != nil {
		return err
	}
	parts, err := partition.Setup(cfg.Global.toBox(), len(cfg.Peers), 0)
	if err != nil {
		return errors.Wrap(err, "gxyrender: partition setup")
	}

	sub := mesg.New(cfg.Rank, len(cfg.Peers))
	reg := registry.New(sub)
	const datasetKey objkey.Key = 1
	reg.Datasets = singleDataset{field: field, parts: parts}

	if err := joinMesh(ctx, sub, cfg.Peers); err != nil {
		return err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueDepth := cfg.QueueDepth
	exec, shutdown := task.Pool(queueDepth, workers)
	defer shutdown(ctx)

	var engine *trace.Engine
	var sampKernel *sampler.Kernel
	onEnqueue := func(list *raylist.RayList, silent bool) {
		if s := reg.Set(list.Header.RenderingSetKey); s != nil {
			s.IncrementRayListCount(silent)
		}
	}
	onDequeueDone := func(list *raylist.RayList) {
		if s := reg.Set(list.Header.RenderingSetKey); s != nil {
			s.DecrementRayListCount()
		}
	}
	traceFn := func(ctx context.Context, rl *raylist.RayList) error { return engine.Trace(ctx, rl) }
	mgr := rayqueue.New(exec, traceFn, onEnqueue, onDequeueDone)

	tk, sk, termination := buildKernels(cfg, sub, reg, &sampKernel)
	engine = trace.New(sub, mgr, reg, reg, reg, tk, sk, buildSecondary(cfg))
	engine.Termination = termination

	crash.Go(func() { mgr.Run(ctx) })

	if viewerPort > 0 {
		addr := fmt.Sprintf("%s:%d", viewerHost, viewerPort)
		if err := serveViewer(ctx, addr, func() viewerStatus {
			return viewerStatus{Rank: cfg.Rank, Width: cfg.Width, Height: cfg.Height, Frame: cfg.Frame}
		}); err != nil {
			return errors.Wrap(err, "gxyrender: viewer socket")
		}
	}

	// Only driverRank calls Create*: spec.md §2's data flow has a single
	// rank receive StartRender and broadcast RenderMsg to the group, not
	// every rank separately minting its own Camera/Visualization/
	// Rendering/RenderingSet. registry.Table.allocate embeds the calling
	// rank in the key it mints and CreateRendering hardcodes the calling
	// rank as owner, so if every rank called these, every rank would end
	// up owning a distinct, independently-addressed copy instead of the
	// one shared Rendering every rank's primary rays should feed into.
	frameComplete := make(chan error, 1)
	registerRenderHandler(sub, cfg, reg, parts, exec, mgr, &sampKernel, frameComplete)

	if cfg.Rank == driverRank {
		visKey, err := reg.CreateVisualization(ctx, registry.VisualizationRecord{
			DatasetKey: datasetKey,
			Stops:      cfg.colorStops(),
		})
		if err != nil {
			return errors.Wrap(err, "gxyrender: create visualization")
		}

		setKey, _, err := reg.CreateRenderingSet(ctx, mgr)
		if err != nil {
			return errors.Wrap(err, "gxyrender: create rendering set")
		}

		camRec := registry.CameraRecord{
			Eye: cfg.Camera.Eye.toVec3(), Dir: cfg.Camera.Dir.toVec3(), Up: cfg.Camera.Up.toVec3(),
			AOV: cfg.Camera.AOV, Width: cfg.Width, Height: cfg.Height,
		}
		camKey, err := reg.Create(ctx, registry.ClassCamera, camRec)
		if err != nil {
			return errors.Wrap(err, "gxyrender: create camera")
		}

		if _, err := reg.CreateRendering(ctx, registry.RenderingRecord{
			SetKey: setKey, VisualizationKey: visKey, CameraKey: camKey,
			Width: cfg.Width, Height: cfg.Height,
		}); err != nil {
			return errors.Wrap(err, "gxyrender: create rendering")
		}

		// RenderMsg(render_set_key, frame): every other rank's Create*
		// CommitMsgs travel this same per-peer stream ahead of this
		// broadcast and mesg's streams are FIFO, so by the time a peer's
		// RenderMsg handler runs, its registry already holds replicas of
		// everything just created above. Broadcast's own collective path
		// also invokes this rank's handler directly (which reports its
		// result on frameComplete itself), so driverRank drives its own
		// frame through the exact same code every other rank uses rather
		// than a separate owner-only path; this goroutine only needs to
		// surface a Send failure that kept the handler from ever running.
		go func() {
			if err := sub.Broadcast(ctx, classRenderMsg, encodeRenderMsg(setKey, cfg.Frame), true); err != nil {
				select {
				case frameComplete <- err:
				default:
				}
			}
		}()
	}

	select {
	case err := <-frameComplete:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildKernels picks the TraceKernel/ShadeKernel/TerminationHandler triple
// named by cfg.Renderer. "volume" (the default) reuses gxy/trace's own
// pixel-accumulation path; "sampler" and "schlieren" each replace exactly
// the piece spec.md §2 item 10 says they replace.
func buildKernels(cfg *sceneConfig, sub *mesg.Substrate, reg *registry.Table, sampOut **sampler.Kernel) (kernel.TraceKernel, kernel.ShadeKernel, trace.TerminationHandler) {
	tk := &kernel.ConstantOpacityVolume{Dt: cfg.Dt, Opacity: cfg.Opacity, OpaqueThreshold: cfg.OpaqueThreshold}

	switch cfg.Renderer {
	case "sampler":
		k := sampler.New(sub, samplerRenderings{reg}, reg)
		*sampOut = k
		return tk, nil, k
	case "schlieren":
		return tk, &schlieren.Kernel{
			Cameras: reg, Far: cfg.Far,
			CutoffValue: cfg.CutoffValue, CutoffMode: parseCutoffMode(cfg.CutoffMode),
		}, nil
	default:
		return tk, &kernel.DirectLighting{Ambient: cfg.Ambient}, nil
	}
}

func parseCutoffMode(s string) schlieren.CutoffMode {
	switch s {
	case "y":
		return schlieren.CutoffY
	case "magnitude":
		return schlieren.CutoffMagnitude
	default:
		return schlieren.CutoffX
	}
}

// buildSecondary wires the AO/shadow secondary-ray spawn step (§4.6 step
// 6) for the "volume" renderer only -- sampler and schlieren each replace
// termination/shading wholesale and have no use for a shadow-ray pass.
func buildSecondary(cfg *sceneConfig) *trace.SecondaryConfig {
	if cfg.Renderer != "" && cfg.Renderer != "volume" {
		return nil
	}
	if len(cfg.Lights) == 0 && cfg.AOSamples == 0 {
		return nil
	}
	return &trace.SecondaryConfig{
		Lights:        cfg.lighting(),
		ShadowEpsilon: cfg.ShadowEpsilon,
		AOSamples:     cfg.AOSamples,
		AORadius:      cfg.AORadius,
		AOWeight:      cfg.AOWeight,
	}
}

// samplerRenderings adapts *registry.Table to gxy/sampler.Renderings: the
// Table itself exposes this as SamplerRendering (not Rendering) because a
// Go type cannot have two same-named methods differing only in return
// type, and it already has a Rendering method for gxy/trace.Renderings.
type samplerRenderings struct{ reg *registry.Table }

func (s samplerRenderings) Rendering(key objkey.Key) (sampler.Rendering, bool) {
	return s.reg.SamplerRendering(key)
}

// singleDataset is the registry.DatasetProvider for a state file naming
// exactly one volume -- every Visualization in this CLI driver resolves to
// the same locally loaded field and partitioning, per spec.md's rule that
// a rank's own sub-box is already resident rather than fetched by key.
type singleDataset struct {
	field *kernel.ScalarField
	parts *partition.Partitioning
}

func (d singleDataset) Dataset(objkey.Key) (*kernel.ScalarField, *partition.Partitioning, error) {
	return d.field, d.parts, nil
}

func listenFor(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// joinMesh dials every other rank's peer address, retrying briefly since
// peer processes started by the same launch script rarely finish Serve at
// exactly the same instant. Every rank dials every other rank directly
// (not just higher ranks) so that each side's own Substrate.peers map is
// populated the instant its own dials succeed, without depending on when
// the remote side happens to accept -- Dial registers the local half of
// the connection synchronously; only the accept side needs a first frame
// to learn who's calling.
func joinMesh(ctx context.Context, sub *mesg.Substrate, peers []string) error {
	lis, err := listenFor(peers[sub.Rank()])
	if err != nil {
		return errors.Wrapf(err, "gxyrender: listen on %s", peers[sub.Rank()])
	}
	crash.Go(func() {
		if err := sub.Serve(ctx, lis); err != nil {
			log.E(ctx, "gxyrender: serve: %v", err)
		}
	})

	for r, addr := range peers {
		if r == sub.Rank() {
			continue
		}
		if err := task.Retry(ctx, 40, 250*time.Millisecond, func(ctx context.Context) (bool, error) {
			err := sub.Dial(ctx, r, addr)
			return err == nil, err
		}); err != nil {
			return errors.Wrapf(err, "gxyrender: dial rank %d at %s", r, addr)
		}
	}
	return sub.Barrier(ctx, 0)
}

func writeOutputs(cfg *sceneConfig, reg *registry.Table, sampKernel *sampler.Kernel, renderingKey objkey.Key) error {
	r, ok := reg.Rendering(renderingKey)
	if !ok || r.OwnerRank != cfg.Rank || r.FrameBuffer == nil {
		return nil // this rank doesn't own the rendering; nothing to write
	}
	base := cfg.OutputBase
	if base == "" {
		base = "frame"
	}
	dir := cfg.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := imageio.WriteAnnotated(dir, base, int(cfg.Frame), "final", r.FrameBuffer); err != nil {
		return errors.Wrap(err, "gxyrender: write PNG")
	}
	if err := imageio.WriteFITS(dir, base, r.FrameBuffer); err != nil {
		return errors.Wrap(err, "gxyrender: write FITS")
	}
	if sampKernel != nil {
		if sr, ok := reg.SamplerRendering(renderingKey); ok && sr.Store != nil {
			log.I(context.Background(), "gxyrender: collected %d particles", len(sr.Store.Snapshot()))
		}
	}
	return nil
}
