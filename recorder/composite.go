package recorder

import (
	"fmt"
	"strings"
)

// Rect is a placement inside the composite canvas.
type Rect struct {
	X, Y, W, H int
}

const (
	insetDivisor = 4
	insetMargin  = 16
	borderWidth  = 3
)

// fitRect letterboxes a source into a destination: whichever of the
// width or height constrained scale keeps the whole source visible
// wins, and the result is centered.
func fitRect(srcW, srcH, dstW, dstH int) Rect {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return Rect{}
	}

	w := dstW
	h := srcH * dstW / srcW
	if h > dstH {
		h = dstH
		w = srcW * dstH / srcH
	}

	return Rect{
		X: (dstW - w) / 2,
		Y: (dstH - h) / 2,
		W: w,
		H: h,
	}
}

// insetRect places the local preview in the bottom-right corner at a
// quarter of the canvas width, preserving the source aspect ratio.
func insetRect(canvasW, canvasH, srcW, srcH int) Rect {
	if srcW <= 0 || srcH <= 0 {
		return Rect{}
	}

	w := canvasW / insetDivisor
	h := srcH * w / srcW
	return Rect{
		X: canvasW - w - insetMargin,
		Y: canvasH - h - insetMargin,
		W: w,
		H: h,
	}
}

// buildFilterGraph assembles the ffmpeg filter_complex for the
// composite: remote full-canvas letterboxed, local inset with a
// border, pulsing REC dot plus live timestamp, both audio streams
// mixed. Stream 0:v:0/0:a:0 are the remote pair, 0:v:1/0:a:1 the
// local one.
func buildFilterGraph(canvasW, canvasH int) string {
	insetW := canvasW / insetDivisor

	parts := []string{
		fmt.Sprintf(
			"[0:v:0]scale=%d:%d:force_original_aspect_ratio=decrease,"+
				"pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black[remote]",
			canvasW, canvasH, canvasW, canvasH),
		fmt.Sprintf(
			"[0:v:1]scale=%d:-2,drawbox=x=0:y=0:w=iw:h=ih:color=white:t=%d[local]",
			insetW, borderWidth),
		fmt.Sprintf(
			"[remote][local]overlay=x=W-w-%d:y=H-h-%d[mix]",
			insetMargin, insetMargin),
		"[mix]drawtext=text='REC':x=24:y=24:fontsize=28:fontcolor=red:" +
			"alpha='0.55+0.45*sin(2*PI*t)'[rec]",
		"[rec]drawtext=text='%{localtime\\:%Y-%m-%d %H\\\\\\:%M\\\\\\:%S}':" +
			"x=24:y=60:fontsize=20:fontcolor=white[vout]",
		"[0:a:0][0:a:1]amix=inputs=2:duration=longest[aout]",
	}

	return strings.Join(parts, ";")
}
