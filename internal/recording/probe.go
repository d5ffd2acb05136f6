package recording

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// probeFormat returns the geometry encoded in payload when it is a still
// image in a registered format. Only the image header is decoded.
func probeFormat(payload []byte) (width, height int, kind string, ok bool) {
	cfg, kind, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, "", false
	}
	return cfg.Width, cfg.Height, kind, true
}

// resolveFormat picks the recording geometry: a format announced by the
// camera wins, otherwise the first frame is probed, otherwise the fallback.
func resolveFormat(announced types.Format, negotiated bool, frames []types.Frame, fallback types.Format) types.Format {
	f := fallback
	if announced.Valid() {
		f = announced
	}
	if negotiated || len(frames) == 0 {
		return f
	}
	if w, h, _, ok := probeFormat(frames[0].Payload); ok && w <= types.MaxDimension && h <= types.MaxDimension {
		f.Width, f.Height = w, h
	}
	return f
}
