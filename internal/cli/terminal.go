package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/vbonduro/nutrilens/internal/llm"
	"github.com/vbonduro/nutrilens/internal/refdata"
	"github.com/vbonduro/nutrilens/internal/service"
)

// isTerminal reports whether v is a terminal file descriptor.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ensureAPIKey prompts for and stores a key when the backend needs one and
// none is configured. Without a terminal it fails with llm.ErrMissingAPIKey.
func ensureAPIKey(ctx context.Context, svc *service.NutritionService, in io.Reader, out io.Writer) error {
	ready, err := svc.CredentialReady(ctx)
	if err != nil {
		return err
	}
	if ready {
		return nil
	}
	if !isTerminal(in) {
		return fmt.Errorf("%w: set NUTRILENS_API_KEY or run `nutrilens key set`", llm.ErrMissingAPIKey)
	}
	return promptAPIKey(ctx, svc, in, out)
}

func promptAPIKey(ctx context.Context, svc *service.NutritionService, in io.Reader, out io.Writer) error {
	_, _ = fmt.Fprint(out, "Anthropic API key: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return llm.ErrMissingAPIKey
	}
	if err := svc.SetAPIKey(ctx, line); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "API key saved.")
	return nil
}

// progressPrinter renders dataset download progress on a single line per
// dataset.
func progressPrinter(w io.Writer) refdata.ProgressFunc {
	return func(p refdata.Progress) {
		switch {
		case p.Done:
			_, _ = fmt.Fprintf(w, "\rloaded %s (%s)\033[K\n", p.Dataset, humanize.Bytes(uint64(p.Total)))
		case p.Indeterminate:
			_, _ = fmt.Fprintf(w, "\rloading %s: %s\033[K", p.Dataset, humanize.Bytes(uint64(p.Loaded)))
		default:
			_, _ = fmt.Fprintf(w, "\rloading %s: %3.0f%% of %s\033[K", p.Dataset, p.Fraction*100, humanize.Bytes(uint64(p.Total)))
		}
	}
}
