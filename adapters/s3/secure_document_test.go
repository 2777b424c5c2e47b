package s3_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kijeee02/e-auction-web-rev-sub001/adapters/s3"
)

func TestCheckSecureDocumentAndGetExtension(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		wantOk   bool
		wantExt  string
	}{
		{
			name:     "valid JPEG proof",
			mimeType: "image/jpeg",
			wantOk:   true,
			wantExt:  "jpeg",
		},
		{
			name:     "valid PNG proof",
			mimeType: "image/png",
			wantOk:   true,
			wantExt:  "png",
		},
		{
			name:     "valid PDF document",
			mimeType: "application/pdf",
			wantOk:   true,
			wantExt:  "pdf",
		},
		{
			name:     "executable content rejected",
			mimeType: "application/octet-stream",
			wantOk:   false,
			wantExt:  "",
		},
		{
			name:     "html rejected",
			mimeType: "text/html; charset=utf-8",
			wantOk:   false,
			wantExt:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOk, gotExt := s3.CheckSecureDocumentAndGetExtension(tt.mimeType)
			assert.Equal(t, tt.wantOk, gotOk)
			assert.Equal(t, tt.wantExt, gotExt)
		})
	}
}
