// Package render turns GLSL shader source into an animated GIF by driving
// the external glslViewer and ffmpeg binaries.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/config"
)

// ErrShaderInvalid marks failures caused by the submitted shader itself
// (compile errors, missing entry point). These are the caller's fault, not
// a worker fault.
var ErrShaderInvalid = errors.New("render: shader invalid")

// Input is one render request.
type Input struct {
	// Source is the raw GLSL fragment shader.
	Source string

	// Params are the render parameters that were fingerprinted alongside
	// the source. Recognized keys override the configured defaults:
	// "width", "height", "duration", "fps".
	Params map[string]string
}

// Result is a finished render.
type Result struct {
	// Data is the encoded GIF.
	Data []byte
}

// Renderer produces an artifact from shader source. Implementations must
// honor ctx cancellation.
type Renderer interface {
	Render(ctx context.Context, in Input) (Result, error)
}

// Toolchain renders via glslViewer (frame capture) and ffmpeg (GIF
// encode). It is stateless and safe for concurrent use; each render works
// in its own temp directory.
type Toolchain struct {
	cfg config.RenderConfig
}

// NewToolchain creates a renderer using the configured binaries.
func NewToolchain(cfg config.RenderConfig) *Toolchain {
	return &Toolchain{cfg: cfg}
}

// Render writes the shader to disk, captures frames and encodes the GIF.
func (t *Toolchain) Render(ctx context.Context, in Input) (Result, error) {
	width, height, duration, fps := t.dimensions(in.Params)

	workDir := filepath.Join(t.cfg.WorkDir, "glslbot-"+uuid.New().String()[:8])
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	shaderPath := filepath.Join(workDir, "shader.frag")
	if err := os.WriteFile(shaderPath, []byte(in.Source), 0o644); err != nil {
		return Result{}, fmt.Errorf("write shader: %w", err)
	}

	framesPattern := filepath.Join(workDir, "frame")
	args := []string{
		shaderPath,
		"--headless",
		"-w", strconv.Itoa(width),
		"-h", strconv.Itoa(height),
		"--fps", strconv.Itoa(fps),
		"-E", fmt.Sprintf("sequence,0,%g", duration),
		"-o", framesPattern,
	}
	cmd := exec.CommandContext(ctx, t.cfg.GlslViewerPath, args...)
	cmd.Dir = workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if isShaderError(msg) {
			return Result{}, fmt.Errorf("%w: %s", ErrShaderInvalid, firstLine(msg))
		}
		return Result{}, fmt.Errorf("glslviewer error: %v | %s", err, msg)
	}

	gifPath := filepath.Join(workDir, "out.gif")
	if err := t.encodeGIF(ctx, workDir, gifPath, fps); err != nil {
		return Result{}, err
	}

	data, err := os.ReadFile(gifPath)
	if err != nil {
		return Result{}, fmt.Errorf("read encoded gif: %w", err)
	}
	return Result{Data: data}, nil
}

// encodeGIF turns the captured frame sequence into a palette GIF.
func (t *Toolchain) encodeGIF(ctx context.Context, workDir, outPath string, fps int) error {
	args := []string{
		"-y",
		"-framerate", strconv.Itoa(fps),
		"-i", filepath.Join(workDir, "frame%05d.png"),
		"-vf", "split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse",
		"-loop", "0",
		outPath,
	}
	cmd := exec.CommandContext(ctx, t.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg error: %v | %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// dimensions resolves the output parameters, letting request params
// override configured defaults within sane bounds.
func (t *Toolchain) dimensions(params map[string]string) (width, height int, duration float64, fps int) {
	width, height = t.cfg.Width, t.cfg.Height
	duration, fps = t.cfg.Duration, t.cfg.FPS

	if v, err := strconv.Atoi(params["width"]); err == nil && v > 0 && v <= 1920 {
		width = v
	}
	if v, err := strconv.Atoi(params["height"]); err == nil && v > 0 && v <= 1080 {
		height = v
	}
	if v, err := strconv.ParseFloat(params["duration"], 64); err == nil && v > 0 && v <= 30 {
		duration = v
	}
	if v, err := strconv.Atoi(params["fps"]); err == nil && v > 0 && v <= 60 {
		fps = v
	}
	return width, height, duration, fps
}

// isShaderError recognizes glslViewer output caused by bad shader source.
func isShaderError(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "error:") &&
		(strings.Contains(lower, "shader") || strings.Contains(lower, "compil") || strings.Contains(lower, "syntax"))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
