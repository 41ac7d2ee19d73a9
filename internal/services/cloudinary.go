package services

import (
	"context"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// EvidenceFormats are the file types accepted as dispute evidence.
var EvidenceFormats = []string{"jpg", "jpeg", "png", "pdf"}

type UploadResult struct {
	URL          string `json:"url"`
	SecureURL    string `json:"secure_url"`
	PublicID     string `json:"public_id"`
	Format       string `json:"format"`
	ResourceType string `json:"resource_type"`
	Bytes        int    `json:"bytes"`
}

// FileUploader stores user files and returns their public location.
type FileUploader interface {
	UploadFile(ctx context.Context, file *multipart.FileHeader, folder string) (*UploadResult, error)
}

type CloudinaryService struct {
	cld *cloudinary.Cloudinary
}

func NewCloudinaryService(cloudName, apiKey, apiSecret string) (*CloudinaryService, error) {
	if cloudName == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("cloudinary credentials not set")
	}

	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudinary: %w", err)
	}
	return &CloudinaryService{cld: cld}, nil
}

// UploadFile uploads a file to Cloudinary
func (s *CloudinaryService) UploadFile(ctx context.Context, file *multipart.FileHeader, folder string) (*UploadResult, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Filename)), ".")
	if !allowedFormat(ext) {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	base := strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename))
	params := uploader.UploadParams{
		Folder:         folder,
		PublicID:       fmt.Sprintf("%d_%s", time.Now().Unix(), base),
		ResourceType:   "auto",
		AllowedFormats: EvidenceFormats,
	}

	result, err := s.cld.Upload.Upload(ctx, src, params)
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Cloudinary: %w", err)
	}
	if result.Error.Message != "" {
		return nil, fmt.Errorf("cloudinary rejected upload: %s", result.Error.Message)
	}

	return &UploadResult{
		URL:          result.URL,
		SecureURL:    result.SecureURL,
		PublicID:     result.PublicID,
		Format:       result.Format,
		ResourceType: result.ResourceType,
		Bytes:        result.Bytes,
	}, nil
}

func allowedFormat(ext string) bool {
	for _, f := range EvidenceFormats {
		if f == ext {
			return true
		}
	}
	return false
}
