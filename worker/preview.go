package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// FilePreviewer writes each preview to a new HTML file in Dir.
type FilePreviewer struct {
	Dir string
	Log zerolog.Logger
}

// ShowHTML implements Previewer.
func (p FilePreviewer) ShowHTML(ctx context.Context, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(p.Dir, "preview-*.html")
	if err != nil {
		return fmt.Errorf("worker: create preview: %w", err)
	}
	if _, err := f.WriteString(html); err != nil {
		_ = f.Close()
		return fmt.Errorf("worker: write preview: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("worker: write preview: %w", err)
	}
	p.Log.Info().Str("path", f.Name()).Msg("Preview written")
	return nil
}
