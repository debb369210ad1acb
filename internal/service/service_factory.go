package service

import (
	"kyc-service/internal/audit"
	"kyc-service/internal/bucketing"
	"kyc-service/internal/client"
	"kyc-service/internal/config"
	"kyc-service/internal/hashing"
	"kyc-service/internal/models"
	"kyc-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg          *config.Config
	store        repository.SessionStore
	hasher       *hashing.Hasher
	bucketingMgr *bucketing.BucketingManager
	sms          client.SMSSender
	ocr          client.OCRClient
	dispatcher   *audit.Dispatcher

	verificationService *VerificationService
	documentServices    map[models.DocumentType]*DocumentService
}

func NewServiceFactory(
	cfg *config.Config,
	store repository.SessionStore,
	hasher *hashing.Hasher,
	bucketingMgr *bucketing.BucketingManager,
	sms client.SMSSender,
	ocr client.OCRClient,
	dispatcher *audit.Dispatcher,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:          cfg,
		store:        store,
		hasher:       hasher,
		bucketingMgr: bucketingMgr,
		sms:          sms,
		ocr:          ocr,
		dispatcher:   dispatcher,
	}
}

// VerificationService returns the shared session state machine (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.store,
			f.hasher,
			f.sms,
			f.dispatcher,
			f.bucketingMgr,
			f.cfg.OTP,
			f.cfg.Session.ExpiredRetention,
		)
	}
	return f.verificationService
}

// DocumentServices returns one orchestrator per supported document type,
// ordered by route slug. All of them share one VerificationService.
func (f *ServiceFactory) DocumentServices() []*DocumentService {
	if f.documentServices == nil {
		f.documentServices = make(map[models.DocumentType]*DocumentService)
		for _, d := range models.Descriptors() {
			f.documentServices[d.Type] = NewDocumentService(
				d,
				f.ocr,
				f.VerificationService(),
				f.cfg.Upload,
				f.cfg.OCR.Language,
			)
		}
	}

	out := make([]*DocumentService, 0, len(f.documentServices))
	for _, d := range models.Descriptors() {
		out = append(out, f.documentServices[d.Type])
	}
	return out
}

// Cleanup stops background work owned by services
func (f *ServiceFactory) Cleanup() {
	if f.hasher != nil {
		f.hasher.Stop()
	}
}
