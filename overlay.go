package capture

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// =============================================================================
// Video overlay
// =============================================================================

// OverlayRegion places an overlay surface on the video frame.
type OverlayRegion struct {
	X, Y          int
	Width, Height int
}

// Overlay is a frame producer composited onto a path's outgoing video.
// AcquireFrame borrows the surface; the borrower must call ReleaseFrame
// before the next draw can start.
type Overlay interface {
	Open() error
	Close() error
	Region() OverlayRegion
	AcquireFrame() (Frame, error)
	ReleaseFrame(f Frame) error
	SetAlpha(alpha uint8) error
	Alpha() uint8
}

// RGB565 colors, high byte first in the uint16.
const (
	ColorBlack   uint16 = 0x0000
	ColorWhite   uint16 = 0xFFFF
	ColorRed     uint16 = 0xF800
	ColorGreen   uint16 = 0x07E0
	ColorBlue    uint16 = 0x001F
	ColorYellow  uint16 = 0xFFE0
	ColorCyan    uint16 = 0x07FF
	ColorMagenta uint16 = 0xF81F
)

const (
	overlayMinFontSize = 12
	overlayMaxFontSize = 48
)

// TextOverlayConfig configures a text overlay surface.
type TextOverlayConfig struct {
	Region OverlayRegion

	// FontSize in pixels, 12 to 48. Glyphs come from a 13 px base font
	// scaled to the nearest integer multiple.
	FontSize int

	// Alpha is the initial blend weight, 255 = opaque.
	Alpha uint8
}

// TextOverlay is a mutex-guarded RGB565 surface with a bitmap-font
// painter. Draw calls go between DrawStart and DrawFinished; compositors
// borrow the surface with AcquireFrame/ReleaseFrame.
type TextOverlay struct {
	mu sync.Mutex

	region OverlayRegion
	buf    []byte // RGB565, little-endian, 2 bytes per pixel
	alpha  uint8
	scale  int
	face   *basicfont.Face

	// first DrawText after DrawStart sets the left margin newlines
	// return to
	marginX   int
	marginSet bool
	curX      int
	curY      int
	started   bool
	opened    bool
}

// NewTextOverlay validates cfg and builds an unopened overlay.
func NewTextOverlay(cfg TextOverlayConfig) (*TextOverlay, error) {
	if cfg.Region.Width <= 0 || cfg.Region.Height <= 0 {
		return nil, fmt.Errorf("%w: overlay region %dx%d", ErrInvalidArg, cfg.Region.Width, cfg.Region.Height)
	}
	if cfg.FontSize < overlayMinFontSize || cfg.FontSize > overlayMaxFontSize {
		return nil, fmt.Errorf("%w: font size %d", ErrInvalidArg, cfg.FontSize)
	}
	face := basicfont.Face7x13
	scale := cfg.FontSize / face.Height
	if scale < 1 {
		scale = 1
	}
	alpha := cfg.Alpha
	if alpha == 0 {
		alpha = 0xFF
	}
	return &TextOverlay{
		region: cfg.Region,
		alpha:  alpha,
		scale:  scale,
		face:   face,
	}, nil
}

func (o *TextOverlay) Open() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opened {
		return ErrInvalidState
	}
	o.buf = make([]byte, o.region.Width*o.region.Height*2)
	o.opened = true
	return nil
}

func (o *TextOverlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = nil
	o.opened = false
	return nil
}

func (o *TextOverlay) Region() OverlayRegion { return o.region }

// AcquireFrame borrows the surface. The mutex stays held until
// ReleaseFrame so a concurrent draw cannot tear the composite.
func (o *TextOverlay) AcquireFrame() (Frame, error) {
	o.mu.Lock()
	if !o.opened {
		o.mu.Unlock()
		return Frame{}, ErrInvalidState
	}
	return Frame{Stream: StreamTypeVideo, Data: o.buf}, nil
}

func (o *TextOverlay) ReleaseFrame(Frame) error {
	o.mu.Unlock()
	return nil
}

func (o *TextOverlay) SetAlpha(alpha uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alpha = alpha
	return nil
}

func (o *TextOverlay) Alpha() uint8 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alpha
}

// DrawStart begins a draw pass and holds the surface until DrawFinished.
func (o *TextOverlay) DrawStart() error {
	o.mu.Lock()
	if !o.opened {
		o.mu.Unlock()
		return ErrInvalidState
	}
	o.started = true
	o.marginX = 0
	o.marginSet = false
	o.curX = 0
	o.curY = 0
	return nil
}

// DrawFinished ends the draw pass.
func (o *TextOverlay) DrawFinished() error {
	if !o.started {
		return ErrInvalidState
	}
	o.started = false
	o.mu.Unlock()
	return nil
}

// Clear fills a region of the surface with an RGB565 color. A zero-size
// region means the whole surface.
func (o *TextOverlay) Clear(region OverlayRegion, c uint16) error {
	if !o.started {
		return ErrInvalidState
	}
	if region.Width == 0 && region.Height == 0 {
		region = OverlayRegion{Width: o.region.Width, Height: o.region.Height}
	}
	for y := region.Y; y < region.Y+region.Height && y < o.region.Height; y++ {
		if y < 0 {
			continue
		}
		for x := region.X; x < region.X+region.Width && x < o.region.Width; x++ {
			if x < 0 {
				continue
			}
			binary.LittleEndian.PutUint16(o.buf[(y*o.region.Width+x)*2:], c)
		}
	}
	return nil
}

// DrawText paints text at (x, y) in the given color. The first call of a
// draw pass fixes the left margin newlines return to; subsequent calls
// continue from the pen position when x and y are negative.
func (o *TextOverlay) DrawText(x, y int, c uint16, text string) error {
	if !o.started {
		return ErrInvalidState
	}
	if x >= 0 && y >= 0 {
		o.curX, o.curY = x, y
		if !o.marginSet {
			o.marginX = x
			o.marginSet = true
		}
	}
	lineHeight := o.face.Height * o.scale
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			o.curX = o.marginX
			o.curY += lineHeight
		}
		o.drawLine(line, c)
	}
	return nil
}

// DrawTextf is DrawText with fmt-style formatting.
func (o *TextOverlay) DrawTextf(x, y int, c uint16, format string, args ...any) error {
	return o.DrawText(x, y, c, fmt.Sprintf(format, args...))
}

// drawLine rasterizes one line at the base font size, then blits it into
// the RGB565 surface at integer scale.
func (o *TextOverlay) drawLine(line string, c uint16) {
	if line == "" {
		return
	}
	w := font.MeasureString(o.face, line).Ceil()
	h := o.face.Height
	if w <= 0 {
		return
	}
	img := image.NewAlpha(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Alpha{A: 0xFF}),
		Face: o.face,
		Dot:  fixed.P(0, o.face.Ascent),
	}
	d.DrawString(line)

	for gy := 0; gy < h; gy++ {
		for gx := 0; gx < w; gx++ {
			if img.AlphaAt(gx, gy).A < 0x80 {
				continue
			}
			for sy := 0; sy < o.scale; sy++ {
				for sx := 0; sx < o.scale; sx++ {
					px := o.curX + gx*o.scale + sx
					py := o.curY + gy*o.scale + sy
					if px < 0 || py < 0 || px >= o.region.Width || py >= o.region.Height {
						continue
					}
					binary.LittleEndian.PutUint16(o.buf[(py*o.region.Width+px)*2:], c)
				}
			}
		}
	}
	o.curX += w * o.scale
}
