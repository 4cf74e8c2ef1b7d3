package main

import (
	"context"
	"encoding/json"
	"net"

	"github.com/gxy-project/gxy/core/app/crash"
	"github.com/gxy-project/gxy/core/log"
)

// viewerStatus is what a connecting -P/-H client receives: just enough for
// an external viewer to know a rendering exists and how big it is. The
// full interactive viewer protocol spec.md's original external-viewer mode
// implies is out of scope (see DESIGN.md's write-mode-only Open Question
// decision); this is the minimal status surface the CLI flags commit to.
type viewerStatus struct {
	Rank          int `json:"rank"`
	Width         int `json:"width,omitempty"`
	Height        int `json:"height,omitempty"`
	Frame         int32 `json:"frame"`
}

// serveViewer listens on host:port and writes a JSON viewerStatus line to
// every connecting client, closing the connection immediately afterwards.
// It runs until ctx is cancelled. status is called fresh for every
// connection so a client always sees the current frame.
func serveViewer(ctx context.Context, addr string, status func() viewerStatus) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	crash.Go(func() {
		<-ctx.Done()
		lis.Close()
	})
	crash.Go(func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.W(ctx, "viewer: accept: %v", err)
				return
			}
			crash.Go(func() {
				defer conn.Close()
				if err := json.NewEncoder(conn).Encode(status()); err != nil {
					log.W(ctx, "viewer: write status: %v", err)
				}
			})
		}
	})
	return nil
}
