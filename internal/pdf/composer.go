// Package pdf assembles the final picture book: square 8.5"x8.5" pages with
// full-bleed illustrations and an overlay text band.
package pdf

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
)

const (
	// pageSize is 8.5 inches in points (72 points per inch).
	pageSize = 8.5 * 72

	textBandHeight = 120.0
	sideMargin     = 20.0
	fontSize       = 18.0
	lineHeight     = 28.0
	maxTextLines   = 4
	maxLineRunes   = 80
)

// Page is one composed book page: a full-bleed illustration plus its text.
type Page struct {
	Image image.Image
	Text  string
}

// Compose writes the paginated document to w, one page per entry.
func Compose(w io.Writer, pages []Page) error {
	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: pageSize, Ht: pageSize},
	})
	doc.SetMargins(0, 0, 0)
	doc.SetAutoPageBreak(false, 0)
	doc.SetFont("Helvetica", "B", fontSize)

	for i, page := range pages {
		doc.AddPage()

		if err := drawImage(doc, page.Image, i); err != nil {
			return err
		}

		if strings.TrimSpace(page.Text) != "" {
			drawTextBand(doc, page.Text)
		}
	}

	if err := doc.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// drawImage registers the illustration and stretches it edge to edge.
func drawImage(doc *fpdf.Fpdf, img image.Image, pageIndex int) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode page %d image: %w", pageIndex+1, err)
	}

	name := fmt.Sprintf("page-%d", pageIndex+1)
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	doc.RegisterImageOptionsReader(name, opts, &buf)
	doc.ImageOptions(name, 0, 0, pageSize, pageSize, false, opts, 0, "")

	if doc.Err() {
		return fmt.Errorf("draw page %d image: %w", pageIndex+1, doc.Error())
	}
	return nil
}

// drawTextBand paints a white band at the foot of the page and lays the last
// few wrapped lines of text over it.
func drawTextBand(doc *fpdf.Fpdf, text string) {
	doc.SetFillColor(255, 255, 255)
	doc.Rect(0, pageSize-textBandHeight, pageSize, textBandHeight, "F")

	doc.SetTextColor(26, 26, 26)

	maxWidth := pageSize - 2*sideMargin
	lines := wrapLines(text, func(s string) bool {
		return doc.GetStringWidth(s) < maxWidth
	})

	if len(lines) > maxTextLines {
		lines = lines[len(lines)-maxTextLines:]
	}

	y := pageSize - textBandHeight + lineHeight
	for _, line := range lines {
		if r := []rune(line); len(r) > maxLineRunes {
			line = string(r[:maxLineRunes])
		}
		doc.Text(sideMargin, y, line)
		y += lineHeight
	}
}

// wrapLines greedily wraps text into lines accepted by fits.
func wrapLines(text string, fits func(string) bool) []string {
	var lines []string
	var current []string

	for _, word := range strings.Fields(text) {
		test := word
		if len(current) > 0 {
			test = strings.Join(current, " ") + " " + word
		}
		if fits(test) {
			current = append(current, word)
			continue
		}
		if len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
		}
		current = []string{word}
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	return lines
}
