// Package main provides the storybook CLI entrypoint: one-shot local book
// generation without the HTTP layer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/storybook-ai/storybook-engine/internal/artifacts"
	"github.com/storybook-ai/storybook-engine/internal/config"
	"github.com/storybook-ai/storybook-engine/internal/imaging"
	"github.com/storybook-ai/storybook-engine/internal/observability"
	"github.com/storybook-ai/storybook-engine/internal/openai"
	"github.com/storybook-ai/storybook-engine/internal/pipeline"
	"github.com/storybook-ai/storybook-engine/internal/session"
	"github.com/storybook-ai/storybook-engine/internal/story"
)

var (
	cfgFile   string
	imagePath string
	storyID   string
	gender    string
	outPath   string
)

var rootCmd = &cobra.Command{
	Use:   "storybook-cli",
	Short: "Generate personalized picture books from the command line",
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a book from a photo",
	Long: `Generate runs the full pipeline locally: photo analysis, story
outline, per-page illustration, and PDF assembly. Requires OPENAI_API_KEY.`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")
	generateCmd.Flags().StringVar(&imagePath, "image", "", "path to the child's photo (required)")
	generateCmd.Flags().StringVar(&storyID, "story", "little_red_riding_hood",
		"story template: "+strings.Join(story.TemplateIDs(), " | "))
	generateCmd.Flags().StringVar(&gender, "gender", "", "boy or girl (required)")
	generateCmd.Flags().StringVarP(&outPath, "output", "o", "storybook.pdf", "output PDF path")
	generateCmd.MarkFlagRequired("image")
	generateCmd.MarkFlagRequired("gender")

	rootCmd.AddCommand(generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}

	ext, err := imaging.ValidateFilename(imagePath)
	if err != nil {
		return fmt.Errorf("%s: %w", imagePath, err)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	if _, err := imaging.Sniff(data); err != nil {
		return fmt.Errorf("%s: %w", imagePath, err)
	}

	if _, ok := story.LookupTemplate(storyID); !ok {
		return fmt.Errorf("unknown story %q, pick one of: %s", storyID, strings.Join(story.TemplateIDs(), ", "))
	}
	normGender, ok := story.NormalizeGender(gender)
	if !ok {
		return fmt.Errorf("gender must be boy or girl")
	}

	// Pipeline logs would fight the terminal UI; keep only warnings.
	logger := observability.NewLogger(observability.LogConfig{
		Level:       "warn",
		Format:      "console",
		Output:      os.Stderr,
		ServiceName: "storybook-cli",
	})

	workDir, err := os.MkdirTemp("", "storybook-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	files, err := artifacts.NewStore(workDir+"/uploads", workDir+"/outputs")
	if err != nil {
		return err
	}

	store := session.NewMemoryStore()
	sessionID := uuid.New().String()

	uploadPath, err := files.SaveUpload(sessionID, ext, strings.NewReader(string(data)))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := store.Insert(ctx, &session.Record{
		SessionID:  sessionID,
		Status:     session.StatusStarting,
		CreatedAt:  time.Now(),
		UploadPath: uploadPath,
	}); err != nil {
		return err
	}

	provider := openai.NewClient(openai.Config{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		ChatModel:         cfg.OpenAI.ChatModel,
		ImageModel:        cfg.OpenAI.ImageModel,
		ImageSize:         cfg.OpenAI.ImageSize,
		RequestTimeout:    cfg.OpenAI.RequestTimeout,
		ImageFetchRetries: cfg.OpenAI.ImageFetchRetries,
	})

	generator := pipeline.NewGenerator(logger, store, files, provider, pipeline.Config{
		PageDelay: cfg.Book.PageDelay,
	})

	done := make(chan struct{})
	go func() {
		generator.Run(ctx, sessionID, uploadPath, storyID, normGender)
		close(done)
	}()

	rec, err := watchProgress(ctx, store, sessionID, done)
	if err != nil {
		return err
	}

	if rec.Error != "" {
		color.Red("✗ Generation failed: %s", rec.Error)
		os.Exit(1)
	}

	if err := copyFile(rec.PDFPath, outPath); err != nil {
		return fmt.Errorf("save book: %w", err)
	}

	color.Green("✔ Book saved to %s (%d pages)", outPath, story.PageCount)
	return nil
}

// watchProgress renders a spinner through the analysis and writing phases,
// then a progress bar once illustration starts, until the run terminates.
func watchProgress(ctx context.Context, store session.Store, sessionID string, done <-chan struct{}) (*session.Record, error) {
	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	spin.Suffix = " starting..."
	spin.Start()

	var bar *progressbar.ProgressBar

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	finished := false
	for !finished {
		select {
		case <-ctx.Done():
			spin.Stop()
			return nil, ctx.Err()
		case <-done:
			finished = true
		case <-ticker.C:
		}

		rec, err := store.Get(ctx, sessionID)
		if err != nil {
			spin.Stop()
			return nil, err
		}

		if bar == nil && rec.Progress > 15 {
			spin.Stop()
			bar = progressbar.NewOptions64(
				100,
				progressbar.OptionSetWidth(50),
				progressbar.OptionSetDescription(string(rec.Status)),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprint(os.Stderr, "\n")
				}),
				progressbar.OptionSetRenderBlankState(true),
			)
		}

		if bar != nil {
			bar.Describe(string(rec.Status))
			_ = bar.Set64(int64(rec.Progress))
		} else {
			spin.Suffix = " " + string(rec.Status) + "..."
		}
	}

	if bar != nil {
		_ = bar.Finish()
	} else {
		spin.Stop()
	}

	return store.Get(ctx, sessionID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
