package video

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"hydra/internal/device"
	"hydra/internal/kernerr"
)

// Console is a scrolling text console composited with gg onto a
// framebuffer created on the driver, mirroring the teacher's
// ggCtx-plus-flush pattern (gg_circle_qemu.go) but driving character
// layout and scrolling the way framebuffer_text.go's CharsX/CharsY
// cursor does, with glyphs rasterized by freetype instead of the
// teacher's fixed 8x8 bitmap font.
type Console struct {
	driver    *Driver
	mem       Memory
	display   uint8
	fb        uintptr
	rect      device.VideoRect
	img       *gg.Context
	face      *truetype.Font
	fontCtx   *freetype.Context
	charW     int
	charH     int
	cols      int
	rows      int
	cursorX   int
	cursorY   int
	fg        color.Color
	bg        color.Color
}

// NewConsole allocates a framebuffer on display and wraps it with a
// text console rendered at fontSize points.
func NewConsole(driver *Driver, mem Memory, display uint8, fontSize float64) (*Console, kernerr.Code) {
	rect, code := driver.GetDisplayRect(display)
	if code != kernerr.Success {
		return nil, code
	}

	fb, code := driver.CreateFramebuffer(rect, display)
	if code != kernerr.Success {
		return nil, code
	}

	face, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, kernerr.Corrupt
	}

	img := gg.NewContext(int(rect.Width), int(rect.Height))
	img.SetColor(color.Black)
	img.Clear()

	fctx := freetype.NewContext()
	fctx.SetDPI(96)
	fctx.SetFont(face)
	fctx.SetFontSize(fontSize)
	fctx.SetClip(img.Image().Bounds())
	fctx.SetDst(img.Image().(*image.RGBA))
	fctx.SetSrc(image.NewUniform(color.White))

	// Monospace cell sizing: a fixed fraction of the point size rather
	// than per-glyph advance widths, since every character gets the
	// same cell regardless of its natural metrics.
	charW := int(fontSize*0.6) + 1
	charH := int(fontSize*1.3) + 1

	c := &Console{
		driver:  driver,
		mem:     mem,
		display: display,
		fb:      fb,
		rect:    rect,
		img:     img,
		face:    face,
		fontCtx: fctx,
		charW:   charW,
		charH:   charH,
		cols:    int(rect.Width) / charW,
		rows:    int(rect.Height) / charH,
		fg:      color.White,
		bg:      color.Black,
	}
	return c, kernerr.Success
}

// SetColors changes the foreground/background used for subsequent
// writes.
func (c *Console) SetColors(fg, bg color.Color) {
	c.fg = fg
	c.bg = bg
	c.fontCtx.SetSrc(image.NewUniform(fg))
}

// WriteString renders s at the current cursor position, handling
// newlines and line wrap, scrolling the console up one row at a time
// once the cursor runs past the last row (framebuffer_text.go's
// scroll-by-charsY behavior, done here by re-blitting the gg image).
func (c *Console) WriteString(s string) {
	for _, r := range s {
		if r == '\n' {
			c.newline()
			continue
		}
		if r == '\r' {
			c.cursorX = 0
			continue
		}
		c.putChar(r)
		c.cursorX++
		if c.cursorX >= c.cols {
			c.newline()
		}
	}
	c.flush()
}

func (c *Console) putChar(r rune) {
	x := c.cursorX * c.charW
	y := c.cursorY * c.charH

	c.img.SetColor(c.bg)
	c.img.DrawRectangle(float64(x), float64(y), float64(c.charW), float64(c.charH))
	c.img.Fill()

	pt := freetype.Pt(x, y+c.charH-2)
	c.fontCtx.DrawString(string(r), pt)
}

func (c *Console) newline() {
	c.cursorX = 0
	c.cursorY++
	if c.cursorY >= c.rows {
		c.scroll()
		c.cursorY = c.rows - 1
	}
}

// scroll shifts the whole canvas up by one text row and clears the
// newly exposed bottom row.
func (c *Console) scroll() {
	src := c.img.Image().(*image.RGBA)
	shifted := image.NewRGBA(src.Bounds())
	draw := gg.NewContextForRGBA(shifted)
	draw.DrawImage(src, 0, -c.charH)
	draw.SetColor(c.bg)
	draw.DrawRectangle(0, float64((c.rows-1)*c.charH), float64(c.rect.Width), float64(c.charH))
	draw.Fill()

	c.img = draw
	c.fontCtx.SetDst(shifted)
	c.fontCtx.SetClip(shifted.Bounds())
}

// flush converts the gg RGBA backbuffer to the B8G8R8A8 layout
// virtio-gpu's 2D resources use and writes it to the framebuffer's
// physical backing store, then asks the driver to present it.
func (c *Console) flush() {
	im := c.img.Image().(*image.RGBA)
	width := int(c.rect.Width)
	height := int(c.rect.Height)

	out := make([]byte, width*height*bytesPerPixel)
	for y := 0; y < height; y++ {
		srcRow := im.Pix[y*im.Stride:]
		dstRow := out[y*width*bytesPerPixel:]
		for x := 0; x < width; x++ {
			si := x * 4
			di := x * 4
			r, g, b, a := srcRow[si+0], srcRow[si+1], srcRow[si+2], srcRow[si+3]
			dstRow[di+0] = b
			dstRow[di+1] = g
			dstRow[di+2] = r
			dstRow[di+3] = a
		}
	}

	c.mem.Write(c.fb, out)
	c.driver.UpdateDisplay(c.rect, c.fb)
}
