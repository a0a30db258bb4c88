// Package epd drives the Waveshare 7.5" HD (880x528, black/white) e-paper
// panel over SPI with periph.io, and provides file and no-op panels for
// development machines.
package epd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Panel accepts one full-screen packed plane per refresh (1 = white,
// MSB-first rows, see convert.Pack).
type Panel interface {
	Display(ctx context.Context, plane []byte) error
	// Sleep puts the controller into deep sleep. The image stays visible.
	Sleep(ctx context.Context) error
	Close() error
}

// FilePanel writes every frame to a file instead of a display.
type FilePanel struct {
	Path string
}

func (f FilePanel) Display(_ context.Context, plane []byte) error {
	if f.Path == "" {
		return fmt.Errorf("epd: file panel has no path")
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, plane, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (FilePanel) Sleep(context.Context) error { return nil }
func (FilePanel) Close() error                { return nil }

// NopPanel discards frames.
type NopPanel struct{}

func (NopPanel) Display(context.Context, []byte) error { return nil }
func (NopPanel) Sleep(context.Context) error           { return nil }
func (NopPanel) Close() error                          { return nil }
