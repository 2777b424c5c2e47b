package s3

// SecureMIMETypesExtension 定義了允許上傳的文件類型及其對應的副檔名
// 付款證明通常是轉帳截圖或掃描件，放行/交割文件則多半是 PDF。
var SecureMIMETypesExtension = map[string]string{
	"image/jpeg":      "jpeg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/bmp":       "bmp",
	"image/tiff":      "tiff",
	"image/webp":      "webp",
	"application/pdf": "pdf",
}

// CheckSecureDocumentAndGetExtension 檢查給定的 MIME 類型是否為允許的文件類型，並返回對應的副檔名
func CheckSecureDocumentAndGetExtension(mimeType string) (bool, string) {
	ext, ok := SecureMIMETypesExtension[mimeType]
	return ok, ext
}
