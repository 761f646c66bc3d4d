// Package imagesource cuts map tiles out of large local images with libvips,
// so a gigapixel scan can be browsed like any other tile source.
package imagesource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var supportedExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Image describes one catalogued image. It is persisted next to the image as
// {id}.json.
type Image struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// SourceID is the tile source id the image is registered under.
func (img Image) SourceID() string {
	return "image:" + img.ID
}

// DimsFunc reports the pixel dimensions of an image file.
type DimsFunc func(path string) (width, height int, err error)

// Catalog tracks the images of one directory. Images without a sidecar are
// renamed to {uuid}{ext} on first sight so their ids survive restarts.
type Catalog struct {
	dir    string
	dims   DimsFunc
	logger *zap.Logger

	mu     sync.RWMutex
	images map[string]Image
}

func NewCatalog(dir string, dims DimsFunc, logger *zap.Logger) *Catalog {
	if dims == nil {
		dims = vipsDims
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dir:    dir,
		dims:   dims,
		logger: logger,
		images: make(map[string]Image),
	}
}

func (c *Catalog) Scan() error {
	if err := c.removeStaleSidecars(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read image directory: %w", err)
	}

	found := make(map[string]Image)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !supportedExtensions[ext] {
			continue
		}

		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if meta, err := c.loadSidecar(c.path(base + ".json")); err == nil {
			found[meta.ID] = *meta
			continue
		}

		img, err := c.adopt(entry.Name(), entry.Name())
		if err != nil {
			c.logger.Warn("Failed to catalog image", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		found[img.ID] = *img
	}

	c.mu.Lock()
	c.images = found
	c.mu.Unlock()

	c.logger.Info("Image catalog scanned", zap.String("dir", c.dir), zap.Int("images", len(found)))
	return nil
}

// Add moves an image file into the catalog directory and records it.
func (c *Catalog) Add(tempPath, originalFilename string) (Image, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !supportedExtensions[ext] {
		return Image{}, fmt.Errorf("unsupported image format: %s", ext)
	}
	staged := uuid.New().String() + ".incoming" + ext
	if err := os.Rename(tempPath, c.path(staged)); err != nil {
		return Image{}, fmt.Errorf("failed to move image: %w", err)
	}
	img, err := c.adopt(staged, originalFilename)
	if err != nil {
		return Image{}, err
	}

	c.mu.Lock()
	c.images[img.ID] = *img
	c.mu.Unlock()
	return *img, nil
}

// adopt renames name to {uuid}{ext}, measures it and writes the sidecar.
func (c *Catalog) adopt(name, originalFilename string) (*Image, error) {
	id := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(name))
	finalName := id + ext
	if err := os.Rename(c.path(name), c.path(finalName)); err != nil {
		return nil, fmt.Errorf("failed to rename image: %w", err)
	}

	info, err := os.Stat(c.path(finalName))
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	width, height, err := c.dims(c.path(finalName))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	img := &Image{
		ID:               id,
		OriginalFilename: filepath.Base(originalFilename),
		CurrentFilename:  finalName,
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}
	if err := c.saveSidecar(img); err != nil {
		return nil, err
	}
	c.logger.Info("Cataloged image",
		zap.String("id", id),
		zap.String("original_filename", img.OriginalFilename),
		zap.Int("width", width),
		zap.Int("height", height))
	return img, nil
}

// removeStaleSidecars deletes sidecars that cannot be parsed, disagree with
// their filename or point at a missing image.
func (c *Catalog) removeStaleSidecars() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read image directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		path := c.path(entry.Name())
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		meta, err := c.loadSidecar(path)
		var reason string
		switch {
		case err != nil:
			reason = "invalid"
		case meta.ID != base:
			reason = "id mismatch"
		default:
			if _, err := os.Stat(c.path(meta.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}
		if err := os.Remove(path); err != nil {
			c.logger.Warn("Failed to delete sidecar", zap.String("path", path), zap.Error(err))
			continue
		}
		c.logger.Info("Deleted sidecar", zap.String("path", path), zap.String("reason", reason))
	}
	return nil
}

func (c *Catalog) Images() []Image {
	c.mu.RLock()
	out := make([]Image, 0, len(c.images))
	for _, img := range c.images {
		out = append(out, img)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Get(id string) (Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[id]
	return img, ok
}

// FilePath returns the on-disk path of an image, or "" if unknown.
func (c *Catalog) FilePath(id string) string {
	img, ok := c.Get(id)
	if !ok {
		return ""
	}
	return c.path(img.CurrentFilename)
}

func (c *Catalog) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Catalog) loadSidecar(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Image
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func (c *Catalog) saveSidecar(img *Image) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(c.path(img.ID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
