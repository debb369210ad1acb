package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"kyc-service/internal/service"
	"kyc-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	// multipart framing and the phone field ride on top of the image limit
	multipartOverhead = 1 << 20
	maxFieldBytes     = 1 << 10
	maxConfirmBody    = 64 << 10
)

// Error codes returned in Response.Error.
const (
	codeMissingInput    = "missing_input"
	codeInvalidSession  = "invalid_session"
	codeExpired         = "expired"
	codeInvalidOTP      = "invalid_otp"
	codeTooManyAttempts = "too_many_attempts"
	codeFileTooLarge    = "file_too_large"
	codeInternal        = "internal_server_error"
)

// Response represents a standard API response
type Response struct {
	Success     bool        `json:"success"`
	SessionID   string      `json:"sessionId,omitempty"`
	FallbackOTP string      `json:"fallbackOtp,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
	Message     string      `json:"message,omitempty"`
}

type identityData struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

// DocumentHandler exposes the two-step verification flow for every document type.
type DocumentHandler struct {
	services  []*service.DocumentService
	validate  *validator.Validate
	maxUpload int64
	logger    *zap.Logger
}

func NewDocumentHandler(services []*service.DocumentService, maxUpload int64, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		services:  services,
		validate:  validator.New(),
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// RegisterRoutes mounts /{slug}/verify, the legacy /{slug}/verify-{slug} and
// /{slug}/confirm-otp for each document service.
func (h *DocumentHandler) RegisterRoutes(router chi.Router) {
	for _, svc := range h.services {
		slug := svc.Descriptor().Slug
		router.Route("/"+slug, func(r chi.Router) {
			r.Post("/verify", h.SubmitDocument(svc))
			r.Post("/verify-"+slug, h.SubmitDocument(svc))
			r.Post("/confirm-otp", h.ConfirmOTP(svc))
		})
	}
}

// SubmitDocument handles step one: multipart upload of the document image
// (first file part) plus a phone field.
func (h *DocumentHandler) SubmitDocument(svc *service.DocumentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		startTime := time.Now()

		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)

		req, err := h.readSubmission(r)
		if err != nil {
			h.respondWithServiceError(w, err)
			return
		}

		result, err := svc.SubmitDocument(ctx, *req)
		if err != nil {
			h.respondWithServiceError(w, err)
			return
		}

		h.respondWithJSON(w, http.StatusOK, Response{
			Success:     true,
			SessionID:   result.SessionID,
			FallbackOTP: result.FallbackOTP,
			Message:     result.Message,
		})
		h.logger.Info("Document submitted via HTTP",
			util.String("document_type", string(svc.Descriptor().Type)),
			util.Bool("delivery_failed", result.DeliveryFailed),
			util.Duration("duration", time.Since(startTime)),
		)
	}
}

// readSubmission walks the multipart body in order. The first part carrying a
// filename is the image; later file parts are drained and ignored.
func (h *DocumentHandler) readSubmission(r *http.Request) (*service.SubmitRequest, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, service.ErrMissingInput
	}

	req := &service.SubmitRequest{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyBodyError(err)
		}

		switch {
		case part.FileName() != "" && req.Image == nil:
			data, err := io.ReadAll(io.LimitReader(part, h.maxUpload+1))
			if err != nil {
				part.Close()
				return nil, classifyBodyError(err)
			}
			if int64(len(data)) > h.maxUpload {
				part.Close()
				return nil, service.ErrUploadTooLarge
			}
			if len(data) > 0 {
				req.Image = bytes.NewReader(data)
				req.Filename = part.FileName()
			}
		case part.FormName() == "phone" && part.FileName() == "":
			data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				part.Close()
				return nil, classifyBodyError(err)
			}
			req.Phone = util.SanitizeInput(string(data))
		}
		part.Close()
	}
	return req, nil
}

// ConfirmOTP handles step two. The body is JSON {sessionId, otp}; urlencoded
// and multipart forms with the same field names are accepted too.
func (h *DocumentHandler) ConfirmOTP(svc *service.DocumentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		startTime := time.Now()

		r.Body = http.MaxBytesReader(w, r.Body, maxConfirmBody)

		var req service.ConfirmRequest
		if err := h.decodeConfirm(r, &req); err != nil {
			h.respondWithServiceError(w, service.ErrMissingInput)
			return
		}
		req.SessionID = strings.TrimSpace(req.SessionID)
		req.OTP = strings.TrimSpace(req.OTP)
		if err := h.validate.Struct(req); err != nil {
			h.respondWithServiceError(w, service.ErrMissingInput)
			return
		}

		result, err := svc.ConfirmChallenge(ctx, req)
		if err != nil {
			h.respondWithServiceError(w, err)
			return
		}

		h.respondWithJSON(w, http.StatusOK, Response{
			Success: true,
			Message: result.Message,
			Data:    identityData{Number: result.Number, Name: result.Name},
		})
		h.logger.Info("OTP confirmed via HTTP",
			util.String("document_type", string(svc.Descriptor().Type)),
			util.Duration("duration", time.Since(startTime)),
		)
	}
}

func (h *DocumentHandler) decodeConfirm(r *http.Request, req *service.ConfirmRequest) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return err
		}
		req.SessionID, req.OTP = r.PostForm.Get("sessionId"), r.PostForm.Get("otp")
		return nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxConfirmBody); err != nil {
			return err
		}
		req.SessionID, req.OTP = r.PostFormValue("sessionId"), r.PostFormValue("otp")
		return nil
	default:
		return json.NewDecoder(r.Body).Decode(req)
	}
}

// respondWithJSON sends a JSON response
func (h *DocumentHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	respondWithJSON(w, statusCode, data, h.logger)
}

// respondWithServiceError maps a service error to status, code and a message
// that never includes internal detail.
func (h *DocumentHandler) respondWithServiceError(w http.ResponseWriter, err error) {
	statusCode, code, message := getStatusCode(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	} else {
		h.logger.Warn("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode), util.String("code", code))
	}
	h.respondWithJSON(w, statusCode, Response{Success: false, Error: code, Message: message})
}

// getStatusCode determines the HTTP status, error code and public message for an error
func getStatusCode(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrMissingInput):
		return http.StatusBadRequest, codeMissingInput, "Document image and phone number are required"
	case errors.Is(err, service.ErrInvalidSession):
		return http.StatusBadRequest, codeInvalidSession, "Invalid session"
	case errors.Is(err, service.ErrExpired):
		return http.StatusBadRequest, codeExpired, "OTP expired"
	case errors.Is(err, service.ErrInvalidOTP):
		return http.StatusBadRequest, codeInvalidOTP, "Invalid OTP"
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusBadRequest, codeTooManyAttempts, "Too many incorrect attempts"
	case errors.Is(err, service.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, codeFileTooLarge, "Uploaded file is too large"
	default:
		return http.StatusInternalServerError, codeInternal, "Internal server error"
	}
}

func classifyBodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return service.ErrUploadTooLarge
	}
	return service.ErrMissingInput
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
