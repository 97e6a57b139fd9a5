package synth

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-profile-service/internal/core"
)

// CommandConfig holds the local binary backend settings.
type CommandConfig struct {
	// Binary is the synthesis executable on PATH or an absolute path.
	Binary string
	// ModelPath is passed to the binary via -m.
	ModelPath string
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
}

// CommandSynthesizer runs a local synthesis binary per request. Reference
// audio and output travel through temp files.
type CommandSynthesizer struct {
	cfg CommandConfig
	log *logger.Logger
}

// NewCommandSynthesizer creates the local binary backend.
func NewCommandSynthesizer(cfg CommandConfig, log *logger.Logger) *CommandSynthesizer {
	return &CommandSynthesizer{cfg: cfg, log: log}
}

// Synthesize invokes the binary and returns the raw audio it produced.
func (c *CommandSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	outputFile, outputErr := os.CreateTemp("", "synth-output-*.wav")
	if outputErr != nil {
		return nil, fmt.Errorf("failed to create temp file for synthesis output: %w", outputErr)
	}

	outputPath := outputFile.Name()
	defer c.removeTemp(outputPath)

	// Only the path is handed to the binary; the descriptor is not needed.
	closeErr := outputFile.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close synthesis output file: %w", closeErr)
	}

	referencePath, refErr := c.writeReference(req.ReferenceAudio)
	if refErr != nil {
		return nil, refErr
	}

	if referencePath != "" {
		defer c.removeTemp(referencePath)
	}

	args := []string{
		"-m", c.cfg.ModelPath,
		"--text", req.Text,
		"--language", req.Language,
		"--output", outputPath,
	}

	if referencePath != "" {
		args = append(args, "--reference", referencePath)
	}

	args = append(args, c.cfg.ExtraArgs...)

	// #nosec G204 -- binary and model path come from validated configuration
	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return nil, fmt.Errorf("synthesis binary execution failed: %w - output: %s", runErr, string(output))
	}

	audioData, readErr := os.ReadFile(outputPath)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", readErr)
	}

	return audioData, nil
}

// Ready verifies the binary can be resolved.
func (c *CommandSynthesizer) Ready(_ context.Context) error {
	_, err := exec.LookPath(c.cfg.Binary)
	if err != nil {
		return fmt.Errorf("synthesis binary '%s' not available: %w", c.cfg.Binary, err)
	}

	return nil
}

func (c *CommandSynthesizer) writeReference(audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	referenceFile, createErr := os.CreateTemp("", "synth-reference-*.wav")
	if createErr != nil {
		return "", fmt.Errorf("failed to create temp file for reference audio: %w", createErr)
	}

	_, writeErr := referenceFile.Write(audio)
	closeErr := referenceFile.Close()

	if writeErr != nil {
		c.removeTemp(referenceFile.Name())

		return "", fmt.Errorf("failed to write reference audio: %w", writeErr)
	}

	if closeErr != nil {
		c.removeTemp(referenceFile.Name())

		return "", fmt.Errorf("failed to close reference audio file: %w", closeErr)
	}

	return referenceFile.Name(), nil
}

func (c *CommandSynthesizer) removeTemp(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil {
		c.log.Warn("Failed to remove temp file '%s': %v", path, removeErr)
	}
}
