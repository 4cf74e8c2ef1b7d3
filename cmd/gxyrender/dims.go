package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// dimsFlag implements flag.Value for the "-s WxH" output-size flag (§6).
// The stdlib flag package has no notion of a flag that consumes two
// whitespace-separated arguments, so this reshapes spec.md's "-s W H" into
// the single-token "-s WxH" form already familiar from tools like ffmpeg.
type dimsFlag struct {
	width, height int
}

func (d *dimsFlag) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%dx%d", d.width, d.height)
}

func (d *dimsFlag) Set(s string) error {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return errors.Errorf("expected WxH (e.g. 1024x768), got %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return errors.Wrapf(err, "invalid width %q", parts[0])
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.Wrapf(err, "invalid height %q", parts[1])
	}
	if w <= 0 || h <= 0 {
		return errors.Errorf("width and height must be positive, got %dx%d", w, h)
	}
	d.width, d.height = w, h
	return nil
}
