package extractor

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/archive"
	"github.com/aliskhannn/dossier-executor/internal/model"
)

// OutputFolder is the folder under the resource root that holds dossier outputs.
const OutputFolder = "dossierExecution"

const pngExt = ".png"

// imageExtensions are the archive entry types promoted to report images.
var imageExtensions = []string{"gif", "png", "bmp"}

// ErrNotImage is reported for archive entries that are not images.
var ErrNotImage = errors.New("unsupported image type")

// Skipped describes an archive entry that could not be materialized.
type Skipped struct {
	Name string
	Err  error
}

// Result is the outcome of an archive extraction.
type Result struct {
	Images  []model.ImageAsset
	Skipped []Skipped
}

// Extractor materializes rendered images under <root>/dossierExecution/<randomKey>.
type Extractor struct {
	root string
}

// New creates a new Extractor writing below the given resource root.
func New(root string) *Extractor {
	return &Extractor{root: root}
}

// OutputDir returns the per-execution output directory.
func (e *Extractor) OutputDir(randomKey string) string {
	return filepath.Join(e.root, OutputFolder, randomKey)
}

// WriteSingle writes a single rendered image verbatim as <imageName>.png, or
// under a suffixed name when that file already exists.
func (e *Extractor) WriteSingle(randomKey, imageName string, data []byte) (model.ImageAsset, error) {
	outDir, err := e.ensureOutputDir(randomKey)
	if err != nil {
		return model.ImageAsset{}, err
	}

	dst, err := archive.SafeJoin(outDir, imageName+pngExt)
	if err != nil {
		return model.ImageAsset{}, err
	}

	out, err := createFresh(dst)
	if err != nil {
		return model.ImageAsset{}, err
	}

	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(out.Name())
		return model.ImageAsset{}, fmt.Errorf("failed to write image %s: %w", imageName, err)
	}

	if err := out.Close(); err != nil {
		return model.ImageAsset{}, fmt.Errorf("failed to close image %s: %w", imageName, err)
	}

	return model.ImageAsset{Name: imageName, Path: out.Name()}, nil
}

// unpacked is an archive entry written to its intermediate file.
type unpacked struct {
	entry string
	path  string
}

// ExtractArchive unpacks every entry of a zip archive and promotes the images to
// <documentLabel>_<name>.png. Per-entry failures are collected in Result.Skipped;
// only an unreadable archive or output directory is returned as an error.
func (e *Extractor) ExtractArchive(randomKey, documentLabel, imageName string, data []byte) (Result, error) {
	// insecure names are still readable and get rejected per entry below
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return Result{}, fmt.Errorf("failed to open archive: %w", err)
	}

	outDir, err := e.ensureOutputDir(randomKey)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var files []unpacked

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		p, err := unpack(outDir, f)
		if err != nil {
			res.skip(f.Name, err)
			continue
		}

		files = append(files, unpacked{entry: f.Name, path: p})
	}

	for _, u := range files {
		asset, err := promote(outDir, documentLabel, imageName, u)
		if err != nil {
			res.skip(u.entry, err)
			continue
		}

		res.Images = append(res.Images, asset)
	}

	return res, nil
}

func (r *Result) skip(name string, err error) {
	zlog.Logger.Warn().Err(err).Str("entry", name).Msg("skipping archive entry")
	r.Skipped = append(r.Skipped, Skipped{Name: name, Err: err})
}

func (e *Extractor) ensureOutputDir(randomKey string) (string, error) {
	outDir, err := archive.SafeJoin(filepath.Join(e.root, OutputFolder), randomKey)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	return outDir, nil
}

// unpack writes an entry to <outDir>/<entry without extension>.png.
func unpack(outDir string, f *zip.File) (string, error) {
	stem := strings.TrimSuffix(f.Name, path.Ext(f.Name))

	dst, err := archive.SafeJoin(outDir, stem+pngExt)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create entry dir: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		removeEmptyDirs(outDir, filepath.Dir(dst))
		return "", fmt.Errorf("failed to open entry: %w", err)
	}
	defer src.Close()

	out, err := createFresh(dst)
	if err != nil {
		removeEmptyDirs(outDir, filepath.Dir(dst))
		return "", err
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(out.Name())
		removeEmptyDirs(outDir, filepath.Dir(dst))
		return "", fmt.Errorf("failed to write entry: %w", err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close entry: %w", err)
	}

	return out.Name(), nil
}

// promote copies an unpacked image to its final name and removes the intermediate
// file together with the entry directories it leaves empty.
func promote(outDir, documentLabel, imageName string, u unpacked) (model.ImageAsset, error) {
	defer func() {
		if err := os.Remove(u.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			zlog.Logger.Warn().Err(err).Str("path", u.path).Msg("failed to remove intermediate file")
		}
		removeEmptyDirs(outDir, filepath.Dir(u.path))
	}()

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.entry), "."))
	if !slices.Contains(imageExtensions, ext) {
		return model.ImageAsset{}, fmt.Errorf("%w: %s", ErrNotImage, u.entry)
	}

	base := path.Base(u.entry)
	stem := strings.TrimSuffix(base, path.Ext(base))

	dst, err := archive.SafeJoin(outDir, documentLabel+"_"+stem+pngExt)
	if err != nil {
		return model.ImageAsset{}, err
	}

	out, err := createFresh(dst)
	if err != nil {
		return model.ImageAsset{}, err
	}

	if err := copyImage(out, u.path, ext); err != nil {
		out.Close()
		os.Remove(out.Name())
		return model.ImageAsset{}, err
	}

	if err := out.Close(); err != nil {
		return model.ImageAsset{}, fmt.Errorf("failed to close image: %w", err)
	}

	return model.ImageAsset{Name: imageName + "_" + base, Path: out.Name()}, nil
}

// copyImage writes the file at src to dst, transcoding non-PNG images to PNG.
func copyImage(dst io.Writer, src, ext string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open intermediate file: %w", err)
	}
	defer in.Close()

	if ext == "png" {
		if _, err := io.Copy(dst, in); err != nil {
			return fmt.Errorf("failed to copy image: %w", err)
		}
		return nil
	}

	img, err := imaging.Decode(in)
	if err != nil {
		return fmt.Errorf("failed to decode %s image: %w", ext, err)
	}

	if err := imaging.Encode(dst, img, imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}

	return nil
}

// removeEmptyDirs removes dir and its parents below outDir while they are empty.
func removeEmptyDirs(outDir, dir string) {
	prefix := outDir + string(filepath.Separator)
	for strings.HasPrefix(dir, prefix) {
		if err := os.Remove(dir); err != nil {
			return // not empty yet
		}
		dir = filepath.Dir(dir)
	}
}

// createFresh creates p, or p with a numeric suffix when p is already taken.
func createFresh(p string) (*os.File, error) {
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)

	candidate := p
	for i := 1; ; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create %s: %w", candidate, err)
		}
		candidate = stem + "-" + strconv.Itoa(i) + ext
	}
}
