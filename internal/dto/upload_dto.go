package dto

// UploadedFile is the result contract of a completed upload, identical for
// the direct and chunked strategies so the gist mutation endpoints accept
// either one.
type UploadedFile struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	FileSize int64  `json:"fileSize"`
	PublicID string `json:"publicId,omitempty"`
}

type UploadResponse struct {
	Success bool         `json:"success"`
	File    UploadedFile `json:"file"`
}

// SignResponse is the short-lived credential for the direct strategy. The
// signature covers exactly the parameter set the client submits alongside
// the bytes: timestamp and folder.
type SignResponse struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Folder    string `json:"folder"`
	CloudName string `json:"cloudName"`
	APIKey    string `json:"apiKey"`
}

type UploadConfigResponse struct {
	CloudName    string `json:"cloudName"`
	UploadPreset string `json:"uploadPreset"`
}

// ProgressEvent is pushed over the progress websocket while a chunked
// upload session is in flight.
type ProgressEvent struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
}
