package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/event/task"
	"github.com/gxy-project/gxy/core/log"
	"github.com/gxy-project/gxy/gxy/camera"
	"github.com/gxy-project/gxy/gxy/mesg"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/partition"
	"github.com/gxy-project/gxy/gxy/rayqueue"
	"github.com/gxy-project/gxy/gxy/registry"
	"github.com/gxy-project/gxy/gxy/sampler"
)

// classRenderMsg is spec.md §6's RenderMsg(render_set_key, frame): the
// collective broadcast that starts a frame. Chosen above gxy/registry's
// 120-121 block, clear of gxy/trace's 100-102, gxy/sampler's 110, and
// gxy/renderset's 200-204.
const classRenderMsg mesg.ClassTag = 130

// driverRank is the rank that owns the single shared RenderingSet this
// driver builds for the run: the rank spec.md §2's data flow says
// "receives StartRender" and broadcasts RenderMsg to the group. Every
// other rank only ever reacts to a RenderMsg it receives; it never calls
// registry.Create* itself.
const driverRank = 0

func encodeRenderMsg(setKey objkey.Key, frame int32) []byte {
	w := binary.NewWriter()
	w.Int64(int64(setKey))
	w.Int32(frame)
	return w.Bytes()
}

func decodeRenderMsg(payload []byte) (setKey objkey.Key, frame int32, err error) {
	r := binary.NewReader(payload)
	setKey = objkey.Key(r.Int64())
	frame = r.Int32()
	return setKey, frame, r.Error()
}

// registerRenderHandler installs the RenderMsg collective handler that
// drives this rank's half of the frame: for every Rendering the message's
// RenderingSet owns (registry.RenderingsInSet -- by the time this runs,
// FIFO per-peer delivery has already landed the driver's CommitMsgs),
// resolve its replicated Camera, spawn its primary rays against this
// rank's local partition, and block until the set's termination detector
// confirms the frame is done. Runs identically whether invoked because
// this rank received the broadcast or because it is the root rank
// Broadcast calls its own handler for directly.
func registerRenderHandler(
	sub *mesg.Substrate,
	cfg *sceneConfig,
	reg *registry.Table,
	parts *partition.Partitioning,
	exec task.Executor,
	mgr *rayqueue.Manager,
	sampKernel **sampler.Kernel,
	frameComplete chan<- error,
) {
	sub.RegisterCollective(classRenderMsg, func(ctx context.Context, payload []byte, root bool) error {
		setKey, frame, err := decodeRenderMsg(payload)
		if err != nil {
			err = errors.Wrap(err, "gxyrender: decode RenderMsg")
		} else {
			err = runFrame(ctx, cfg, reg, parts, exec, mgr, *sampKernel, setKey, frame)
		}
		frameComplete <- err
		return err
	})
}

// runFrame is the per-rank body of RenderMsg: spawn primary rays into
// every Rendering the named RenderingSet owns and wait for quiescence.
// The driver rank runs this exact function directly from Broadcast's own
// handler invocation, so it never needs a second, owner-only code path.
func runFrame(
	ctx context.Context,
	cfg *sceneConfig,
	reg *registry.Table,
	parts *partition.Partitioning,
	exec task.Executor,
	mgr *rayqueue.Manager,
	sampKernel *sampler.Kernel,
	setKey objkey.Key,
	frame int32,
) error {
	set := reg.Set(setKey)
	if set == nil {
		return errors.Errorf("gxyrender: RenderMsg for unknown rendering set %d", setKey)
	}
	set.BeginFrame(frame)

	renderings := reg.RenderingsInSet(setKey)
	if len(renderings) == 0 {
		return errors.Errorf("gxyrender: RenderMsg for rendering set %d with no renderings", setKey)
	}

	for _, renderingKey := range renderings {
		cp, ok := reg.Camera(renderingKey)
		if !ok {
			return errors.Errorf("gxyrender: no camera for rendering %d", renderingKey)
		}
		cam := camera.New(cp.Eye, cp.Dir, cp.Up, cp.AOV, cp.Width, cp.Height, false)
		target := camera.Target{
			RendererKey: 0, RenderingKey: renderingKey, RenderingSetKey: setKey,
			Frame: frame, LocalBox: parts.LocalBox(cfg.Rank), GlobalBox: cfg.Global.toBox(),
		}
		done := cam.Generate(ctx, exec, mgr, set, target, cfg.RaysPerPacket)
		if !done.Wait(ctx) {
			return ctx.Err()
		}
	}

	if err := set.WaitForDone(ctx); err != nil {
		return errors.Wrap(err, "gxyrender: wait for frame completion")
	}

	log.I(ctx, "gxyrender: rank %d frame %d complete", cfg.Rank, frame)
	for _, renderingKey := range renderings {
		if err := writeOutputs(cfg, reg, sampKernel, renderingKey); err != nil {
			return err
		}
	}
	return nil
}
