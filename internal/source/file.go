package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gigamap/internal/tile"
)

// FileSource reads pre-rendered tiles from disk, e.g. "/srv/tiles/{z}/{x}/{y}.png".
type FileSource struct {
	template string
}

func NewFileSource(template string) (*FileSource, error) {
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, p) {
			return nil, fmt.Errorf("path template %q is missing %s", template, p)
		}
	}
	return &FileSource{template: template}, nil
}

func (s *FileSource) Path(key tile.Key) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(key.Zoom),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
	).Replace(s.template)
}

func (s *FileSource) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &tile.Error{Kind: tile.Cancelled, Key: key, Err: err}
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, tile.Errorf(tile.NetworkError, key, "tile file not found")
		}
		return nil, &tile.Error{Kind: tile.NetworkError, Key: key, Err: err}
	}
	return data, nil
}
