package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"kyc-service/internal/config"
	"kyc-service/internal/util"
)

var ErrOCRFailed = errors.New("text extraction failed")

// OCRClient turns a document image into raw text.
type OCRClient interface {
	Recognize(ctx context.Context, imagePath, language string) (string, error)
}

// TesseractClient runs the tesseract CLI and reads the recognised text from stdout.
type TesseractClient struct {
	binary  string
	timeout time.Duration
}

func NewTesseractClient(cfg config.OCRConfig) *TesseractClient {
	binary := cfg.Binary
	if binary == "" {
		binary = "tesseract"
	}
	return &TesseractClient{binary: binary, timeout: cfg.Timeout}
}

func (t *TesseractClient) Recognize(ctx context.Context, imagePath, language string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	args := []string{imagePath, "stdout"}
	if language != "" {
		args = append(args, "-l", language)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrOCRFailed, ctx.Err())
		}
		return "", fmt.Errorf("%w: %v: %s", ErrOCRFailed, err, strings.TrimSpace(stderr.String()))
	}

	util.Debug("OCR completed",
		util.String("language", language),
		util.Duration("took", time.Since(start)),
		util.Int("chars", stdout.Len()))

	return stdout.String(), nil
}

// HealthCheck confirms the binary is on PATH.
func (t *TesseractClient) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(t.binary); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrOCRFailed, t.binary, err)
	}
	return nil
}
