package trace

import (
	"context"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/log"
	"github.com/gxy-project/gxy/gxy/framebuffer"
	"github.com/gxy-project/gxy/gxy/objkey"
	"github.com/gxy-project/gxy/gxy/wire"
)

// installHandlers registers this engine's SendRays/AckRays/SendPixels
// handlers on its Substrate. Called once from New.
func (e *Engine) installHandlers() {
	e.Sub.RegisterHandler(ClassSendRays, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		e.onSendRays(ctx, sourceRank, payload)
		return true, nil
	})
	e.Sub.RegisterHandler(ClassAckRays, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		e.onAckRays(payload)
		return true, nil
	})
	e.Sub.RegisterHandler(ClassSendPixels, func(ctx context.Context, sourceRank int, payload []byte) (bool, error) {
		e.onSendPixels(ctx, payload)
		return true, nil
	})
}

// onSendRays decodes an arriving RayList, enqueues it locally, and replies
// with an AckRaysMsg carrying the set key so the sender can decrement its
// in-flight send count (§4.6 step 5, §9's SendRaysMsg/AckRaysMsg pairing).
func (e *Engine) onSendRays(ctx context.Context, sourceRank int, payload []byte) {
	list, err := wire.DecodeRayList(payload)
	if err != nil {
		log.E(ctx, "trace: decode SendRaysMsg from rank %d: %v", sourceRank, err)
		return
	}
	e.Queue.Enqueue(list, false)

	w := binary.NewWriter()
	w.Int64(int64(list.Header.RenderingSetKey))
	if err := e.Sub.Send(ctx, sourceRank, ClassAckRays, w.Bytes()); err != nil {
		log.E(ctx, "trace: send AckRaysMsg to rank %d: %v", sourceRank, err)
	}
}

func (e *Engine) onAckRays(payload []byte) {
	r := binary.NewReader(payload)
	key := objkey.Key(r.Int64())
	if set := e.Sets.Set(key); set != nil {
		set.DecrementInFlightSendCount()
	}
}

// onSendPixels decodes an arriving pixel batch and accumulates it into the
// local frame buffer of the rendering it targets (§4.6 step 4's non-local
// path's remote half), incrementing pixels_received on the owning
// RenderingSet.
func (e *Engine) onSendPixels(ctx context.Context, payload []byte) {
	renderingKey, frame, contribs, err := wire.DecodePixelBatch(payload)
	if err != nil {
		log.E(ctx, "trace: decode SendPixelsMsg: %v", err)
		return
	}
	rendering, ok := e.Renderings.Rendering(renderingKey)
	if !ok || rendering.FrameBuffer == nil {
		log.E(ctx, "trace: SendPixelsMsg for unknown or non-local rendering %d", renderingKey)
		return
	}

	local := make([]framebuffer.Contribution, len(contribs))
	for i, c := range contribs {
		local[i] = framebuffer.Contribution{
			X: int(c.X), Y: int(c.Y),
			Value:    framebuffer.Pixel{R: c.R, G: c.G, B: c.B, A: c.A},
			Negative: c.Negative,
		}
	}
	rendering.FrameBuffer.AddPixels(frame, local)

	if set := e.Sets.Set(rendering.SetKey); set != nil {
		set.ReceivedPixels(len(contribs))
	}
}
