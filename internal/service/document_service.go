package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"kyc-service/internal/client"
	"kyc-service/internal/config"
	"kyc-service/internal/models"
	"kyc-service/internal/parser"
	"kyc-service/internal/util"
)

const verificationSuccessMessage = "Verification successful"

type SubmitRequest struct {
	Image    io.Reader
	Filename string
	Phone    string
}

// SubmitResult never carries the extracted identifier or name; those are
// released by ConfirmChallenge only.
type SubmitResult struct {
	SessionID      string
	Message        string
	FallbackOTP    string
	DeliveryFailed bool
}

type ConfirmRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	OTP       string `json:"otp" validate:"required"`
}

type ConfirmResult struct {
	Number  string
	Name    string
	Message string
}

// DocumentService runs the upload, extract and challenge flow for one document type.
type DocumentService struct {
	descriptor models.DocumentDescriptor
	ocr        client.OCRClient
	verifier   *VerificationService
	upload     config.UploadConfig
	language   string
}

func NewDocumentService(
	descriptor models.DocumentDescriptor,
	ocr client.OCRClient,
	verifier *VerificationService,
	upload config.UploadConfig,
	language string,
) *DocumentService {
	return &DocumentService{
		descriptor: descriptor,
		ocr:        ocr,
		verifier:   verifier,
		upload:     upload,
		language:   language,
	}
}

func (s *DocumentService) Descriptor() models.DocumentDescriptor {
	return s.descriptor
}

// SubmitDocument extracts the identity claim from the uploaded image and
// issues an OTP to req.Phone. Input is validated before anything touches disk.
func (s *DocumentService) SubmitDocument(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Image == nil {
		return nil, fmt.Errorf("%w: document image is required", ErrMissingInput)
	}
	if strings.TrimSpace(req.Phone) == "" {
		return nil, fmt.Errorf("%w: phone number is required", ErrMissingInput)
	}

	path, err := s.saveUpload(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			util.Warn("Failed to remove uploaded document", util.String("path", path), util.ErrorField(err))
		}
	}()

	text, err := s.ocr.Recognize(ctx, path, s.language)
	if err != nil {
		util.Error("Document text extraction failed",
			util.String("document_type", string(s.descriptor.Type)),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: text extraction: %v", ErrInternal, err)
	}

	fields := parser.Parse(text, s.descriptor.Type)
	util.Debug("Document parsed",
		util.String("document_type", string(s.descriptor.Type)),
		util.Bool("identifier_found", fields.Identifier != parser.NotDetected),
		util.Bool("name_found", fields.Name != parser.NotDetected))

	challenge, err := s.verifier.IssueChallenge(ctx, IssueRequest{
		Descriptor: s.descriptor,
		Identifier: fields.Identifier,
		Name:       fields.Name,
		Phone:      req.Phone,
	})
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{
		SessionID:      challenge.Handle,
		DeliveryFailed: challenge.DeliveryFailed,
		FallbackOTP:    challenge.FallbackOTP,
	}
	switch {
	case !challenge.DeliveryFailed:
		result.Message = s.descriptor.Label + " matched. OTP sent"
	case challenge.FallbackOTP != "":
		result.Message = s.descriptor.Label + " matched. OTP sent (fallback shown)"
	default:
		result.Message = s.descriptor.Label + " matched. OTP delivery failed"
	}
	return result, nil
}

// ConfirmChallenge releases the extracted number and name once the OTP matches.
func (s *DocumentService) ConfirmChallenge(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	identity, err := s.verifier.Confirm(ctx, s.descriptor.Type, req.SessionID, req.OTP)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{
		Number:  identity.Identifier,
		Name:    identity.Name,
		Message: verificationSuccessMessage,
	}, nil
}

// saveUpload copies the image into UPLOAD_DIR, refusing anything over the
// configured limit. The caller owns removal of the returned path.
func (s *DocumentService) saveUpload(req SubmitRequest) (string, error) {
	dir := s.upload.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: upload dir: %v", ErrInternal, err)
	}

	f, err := os.CreateTemp(dir, "kyc-"+s.descriptor.Slug+"-*"+uploadExt(req.Filename))
	if err != nil {
		return "", fmt.Errorf("%w: create upload: %v", ErrInternal, err)
	}
	path := f.Name()

	n, copyErr := io.Copy(f, io.LimitReader(req.Image, s.upload.MaxBytes+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write upload: %v", ErrInternal, copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write upload: %v", ErrInternal, closeErr)
	case n > s.upload.MaxBytes:
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: limit is %d bytes", ErrUploadTooLarge, s.upload.MaxBytes)
	case n == 0:
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: document image is empty", ErrMissingInput)
	}
	return path, nil
}

// uploadExt keeps a short alphanumeric extension so tesseract can sniff the format.
func uploadExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
