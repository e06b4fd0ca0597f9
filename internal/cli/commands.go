package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbonduro/nutrilens/internal/history"
	"github.com/vbonduro/nutrilens/internal/refdata"
	"github.com/vbonduro/nutrilens/internal/service"
	"github.com/vbonduro/nutrilens/internal/web"
)

func newServeCommand(rt *runtime) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON and SSE HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rt.container
			if addr == "" {
				addr = c.Config.ListenAddr
			}
			// Warm the reference tables so the first analysis does not wait.
			go func() {
				if _, err := c.Loader.Load(cmd.Context()); err != nil {
					c.Logger.Warn("reference data unavailable", "error", err)
				}
			}()
			return web.NewServer(c.Service, c.Logger).ListenAndServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from LISTEN_ADDR)")
	return cmd
}

// readImage loads an image file for analysis; "-" reads stdin.
func readImage(path string, stdin io.Reader) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

func analyzeInput(cmd *cobra.Command, rt *runtime, text, imagePath string) (*service.AnalyzeOutput, error) {
	ctx := cmd.Context()
	c := rt.container

	image, err := readImage(imagePath, cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	if err := ensureAPIKey(ctx, c.Service, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	if isTerminal(cmd.ErrOrStderr()) {
		c.Loader.OnProgress(progressPrinter(cmd.ErrOrStderr()))
	}

	out, err := c.Service.Analyze(ctx, service.AnalyzeInput{Text: text, Image: image})
	if err != nil {
		if errors.Is(err, service.ErrEmptyInput) || errors.Is(err, service.ErrUnsupportedImage) {
			return nil, err
		}
		c.Logger.Error("analysis failed", "error", err)
		return nil, fmt.Errorf("analysis failed, please try again: %w", err)
	}
	return out, nil
}

func newAnalyzeCommand(rt *runtime) *cobra.Command {
	var (
		imagePath string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "analyze [recipe text...]",
		Short: "Analyse a recipe description and/or a dish photo",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := analyzeInput(cmd, rt, strings.Join(args, " "), imagePath)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			if out.Cached {
				_, _ = fmt.Fprintln(w, "(from history)")
			}
			if err := renderResult(w, out.Result); err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "\nhash: %s\n", out.Hash)
			return err
		},
	}
	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "Path to a dish photo (- for stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result as JSON")
	return cmd
}

func newChatCommand(rt *runtime) *cobra.Command {
	var hash, text, imagePath string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat about a stored analysis",
		Long:  "Start an interactive chat seeded with a stored analysis (--hash), or analyse --text/--image first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := rt.container
			w := cmd.OutOrStdout()

			if hash == "" {
				if text == "" && imagePath == "" {
					return errors.New("--hash, --text or --image is required")
				}
				out, err := analyzeInput(cmd, rt, text, imagePath)
				if err != nil {
					return err
				}
				hash = out.Hash
			} else if err := ensureAPIKey(ctx, c.Service, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			full, err := resolveHash(cmd, rt, hash)
			if err != nil {
				return err
			}
			return runChat(cmd, rt, full, w)
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "History hash (or unique prefix) to discuss")
	cmd.Flags().StringVar(&text, "text", "", "Recipe text to analyse before chatting")
	cmd.Flags().StringVar(&imagePath, "image", "", "Dish photo to analyse before chatting")
	return cmd
}

func runChat(cmd *cobra.Command, rt *runtime, hash string, w io.Writer) error {
	ctx := cmd.Context()
	svc := rt.container.Service

	sess, err := svc.OpenChat(ctx, hash)
	if err != nil {
		return err
	}
	defer svc.CloseChat(sess.ID)

	_, _ = fmt.Fprintf(w, "Chatting about %s. Type /quit to leave.\n", sess.RecipeName)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		_, _ = fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(w)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		events, err := sess.Send(ctx, line)
		if err != nil {
			return err
		}
		for ev := range events {
			if ev.Done {
				if ev.Usage != nil {
					_, _ = fmt.Fprintf(w, "\n[%d in / %d out, %s]", ev.Usage.InputTokens, ev.Usage.OutputTokens, cost(ev.Usage.Cost))
				}
				continue
			}
			_, _ = fmt.Fprint(w, ev.Text)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, _ = fmt.Fprintln(w)
	}
}

// resolveHash expands a unique hash prefix to the full hash.
func resolveHash(cmd *cobra.Command, rt *runtime, prefix string) (string, error) {
	entries, err := rt.container.Service.ListHistory(cmd.Context())
	if err != nil {
		return "", err
	}
	var found string
	for _, e := range entries {
		if e.Hash == prefix {
			return e.Hash, nil
		}
		if strings.HasPrefix(e.Hash, prefix) {
			if found != "" {
				return "", fmt.Errorf("hash prefix %q is ambiguous", prefix)
			}
			found = e.Hash
		}
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", history.ErrNotFound, prefix)
	}
	return found, nil
}

func newHistoryCommand(rt *runtime) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored analyses",
	}

	historyCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored analyses, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				entries, err := rt.container.Service.ListHistory(cmd.Context())
				if err != nil {
					return err
				}
				return renderHistory(cmd.OutOrStdout(), entries, time.Now())
			},
		},
		&cobra.Command{
			Use:   "show <hash>",
			Short: "Show a stored analysis",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := resolveHash(cmd, rt, args[0])
				if err != nil {
					return err
				}
				entry, err := rt.container.Service.GetHistory(cmd.Context(), hash)
				if err != nil {
					return err
				}
				return renderResult(cmd.OutOrStdout(), entry.Result)
			},
		},
		&cobra.Command{
			Use:   "delete <hash>",
			Short: "Delete a stored analysis",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := resolveHash(cmd, rt, args[0])
				if err != nil {
					return err
				}
				if err := rt.container.Service.DeleteHistory(cmd.Context(), hash); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", hash[:12])
				return err
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every stored analysis",
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := rt.container.Service.ClearHistory(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d analyses\n", n)
				return err
			},
		},
	)
	return historyCmd
}

func newUsageCommand(rt *runtime) *cobra.Command {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show or reset accumulated token usage",
	}
	usageCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show accumulated usage and cost",
			RunE: func(cmd *cobra.Command, args []string) error {
				return renderTotals(cmd.OutOrStdout(), rt.container.Service.Usage())
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Reset the usage counter",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := rt.container.Service.ResetUsage(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "Usage reset.")
				return err
			},
		},
	)
	return usageCmd
}

func newRefdataCommand(rt *runtime) *cobra.Command {
	refCmd := &cobra.Command{
		Use:   "refdata",
		Short: "Inspect or refresh the reference datasets",
	}

	var url, out string
	scrapeCmd := &cobra.Command{
		Use:   "scrape",
		Short: "Download the glycemic index table as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rt.container
			var n int
			scrape := func(w io.Writer) error {
				var err error
				n, err = refdata.Scrape(cmd.Context(), c.Client, url, w, c.Logger)
				return err
			}

			var err error
			if out == "" || out == "-" {
				err = scrape(cmd.OutOrStdout())
			} else {
				err = replaceFile(out, scrape)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "Scraped %d rows\n", n)
			return err
		},
	}
	scrapeCmd.Flags().StringVar(&url, "url", refdata.DefaultScrapeURL, "Search page to scrape")
	scrapeCmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")

	refCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Load the reference datasets and report their state",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := rt.container
				if isTerminal(cmd.ErrOrStderr()) {
					c.Loader.OnProgress(progressPrinter(cmd.ErrOrStderr()))
				}
				if _, err := c.Loader.Load(cmd.Context()); err != nil {
					c.Logger.Warn("reference data unavailable", "error", err)
				}
				return renderReport(cmd.OutOrStdout(), c.Loader.Report())
			},
		},
		scrapeCmd,
	)
	return refCmd
}

// replaceFile writes to a temporary file beside path and renames it over path
// once write succeeds. On failure path is left untouched.
func replaceFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err = write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Chmod(0o644); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func renderReport(w io.Writer, r refdata.Report) error {
	_, _ = fmt.Fprintf(w, "status: %s\n", r.Status)
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "error:  %s\n", r.Error)
	}
	for _, name := range []string{refdata.DatasetGI, refdata.DatasetNutrients} {
		s, ok := r.Stats[name]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %d rows, %d skipped\n", name, s.Rows, s.Skipped); err != nil {
			return err
		}
	}
	return nil
}

func newKeyCommand(rt *runtime) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the LLM API key",
	}
	keyCmd.AddCommand(&cobra.Command{
		Use:   "set [key]",
		Short: "Store the API key (prompts when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := rt.container.Service
			if len(args) == 0 {
				return promptAPIKey(cmd.Context(), svc, cmd.InOrStdin(), cmd.ErrOrStderr())
			}
			if err := svc.SetAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "API key saved.")
			return err
		},
	})
	return keyCmd
}
