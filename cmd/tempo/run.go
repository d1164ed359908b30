package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kadirpekel/tempo/pkg/pipeline"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

// RunCmd executes one pipeline run from the terminal.
type RunCmd struct {
	Request  string   `arg:"" optional:"" help:"What the song should be about."`
	Language string   `help:"Lyrics language."`
	Genre    string   `help:"Musical genre."`
	Mood     string   `help:"Desired mood."`
	Image    []string `help:"Image file(s) to analyze." type:"existingfile" placeholder:"PATH"`
	JSON     bool     `help:"Print the artifact as JSON."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		loader.Close()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	in := pipeline.Input{Request: c.Request, Language: c.Language, Genre: c.Genre, Mood: c.Mood}
	for _, path := range c.Image {
		m, err := readMedia(path)
		if err != nil {
			return err
		}
		in.Media = append(in.Media, m)
	}

	out := a.orchestrator.Run(ctx, in, stepPrinter(os.Stderr))
	switch out.Kind {
	case workflow.Canceled:
		return fmt.Errorf("run %s canceled: %s", out.RunID, out.Reason)
	case workflow.Failed:
		return fmt.Errorf("run %s failed: %w", out.RunID, out.Err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out.Value)
	}
	printSong(os.Stdout, out.Value)
	return nil
}

// stepPrinter prints each step transition on one line.
func stepPrinter(w io.Writer) pipeline.StepListener {
	return pipeline.StepListenerFunc(func(steps []pipeline.Step, current string, active bool) {
		parts := make([]string, len(steps))
		for i, s := range steps {
			parts[i] = stepMarker(s.Status) + " " + s.Label
		}
		line := strings.Join(parts, "  ")
		if active && current != "" {
			line += "  (" + current + ")"
		}
		fmt.Fprintln(w, line)
	})
}

func stepMarker(s pipeline.StepStatus) string {
	switch s {
	case pipeline.StatusActive:
		return "[>]"
	case pipeline.StatusCompleted:
		return "[x]"
	case pipeline.StatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

func printSong(w io.Writer, a *pipeline.Artifact) {
	if a == nil || a.Song == nil {
		return
	}
	s := a.Song
	fmt.Fprintf(w, "\n%s\n%s\n\n%s\n", s.Title, strings.Repeat("=", len(s.Title)), s.Lyrics)
	if s.StylePrompt != "" {
		fmt.Fprintf(w, "\nStyle: %s\n", s.StylePrompt)
	}
	if s.Score > 0 {
		fmt.Fprintf(w, "Score: %d/10 (%s path)\n", s.Score, a.Path)
	}
}

func readMedia(path string) (pipeline.Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Media{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		return pipeline.Media{}, fmt.Errorf("unknown media type for %s", path)
	}
	return pipeline.Media{MIMEType: mimeType, Data: data}, nil
}

// RewriteCmd rewrites one lyric line.
type RewriteCmd struct {
	Line        string `arg:"" help:"The line to rewrite."`
	Instruction string `short:"i" required:"" help:"How to change the line."`
	Lyrics      string `help:"Full lyrics for context." type:"existingfile" placeholder:"PATH"`
}

func (c *RewriteCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		loader.Close()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	in := pipeline.RewriteInput{Line: c.Line, Instruction: c.Instruction}
	if c.Lyrics != "" {
		data, err := os.ReadFile(c.Lyrics)
		if err != nil {
			return fmt.Errorf("failed to read lyrics: %w", err)
		}
		in.Lyrics = string(data)
	}

	out := a.orchestrator.RewriteLine(ctx, in)
	switch out.Kind {
	case workflow.Canceled:
		return fmt.Errorf("rewrite canceled: %s", out.Reason)
	case workflow.Failed:
		return fmt.Errorf("rewrite failed: %w", out.Err)
	}

	fmt.Println(out.Value.Line)
	for _, alt := range out.Value.Alternatives {
		fmt.Printf("  alt: %s\n", alt)
	}
	return nil
}
