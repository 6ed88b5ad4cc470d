package extractor

import (
	"fmt"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/aliskhannn/dossier-executor/internal/archive"
	"github.com/aliskhannn/dossier-executor/internal/model"
)

const (
	placeholderWidth  = 800
	placeholderHeight = 600
)

// WritePlaceholder writes an empty image named <imageName>.png with the given
// caption centered on it. It stands in for a multi-sheet render without images.
func (e *Extractor) WritePlaceholder(randomKey, imageName, caption string) (model.ImageAsset, error) {
	outDir, err := e.ensureOutputDir(randomKey)
	if err != nil {
		return model.ImageAsset{}, err
	}

	dst, err := archive.SafeJoin(outDir, imageName+pngExt)
	if err != nil {
		return model.ImageAsset{}, err
	}

	dc := gg.NewContext(placeholderWidth, placeholderHeight)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Gray{Y: 160})
	dc.DrawRectangle(1, 1, placeholderWidth-2, placeholderHeight-2)
	dc.Stroke()

	// default face is used, no font file needed
	dc.DrawStringAnchored(caption, placeholderWidth/2, placeholderHeight/2, 0.5, 0.5)

	f, err := createFresh(dst)
	if err != nil {
		return model.ImageAsset{}, fmt.Errorf("failed to create placeholder: %w", err)
	}
	defer f.Close()

	if err := dc.EncodePNG(f); err != nil {
		return model.ImageAsset{}, fmt.Errorf("failed to encode placeholder: %w", err)
	}

	return model.ImageAsset{Name: imageName, Path: f.Name()}, nil
}
