package models

import "time"

// StoredObject is one shared file held in memory until its session stops
// sending heartbeats.
type StoredObject struct {
	ID       string
	Code     string
	Payload  []byte
	FileName string
	// DeclaredName is the sender-chosen display name; empty means FileName.
	DeclaredName    string
	MimeType        string
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
	OwnerIP         string
	SessionID       string
}

// Size returns the payload length in bytes.
func (o StoredObject) Size() int64 {
	return int64(len(o.Payload))
}

// DisplayName is the name shown to recipients.
func (o StoredObject) DisplayName() string {
	if o.DeclaredName != "" {
		return o.DeclaredName
	}
	return o.FileName
}

// Info returns the descriptive view handed out on a check request and
// embedded into access tokens. It never carries the payload.
func (o StoredObject) Info() ShareInfo {
	return ShareInfo{
		Code:       o.Code,
		ObjectID:   o.ID,
		FileName:   o.DisplayName(),
		FileSize:   o.Size(),
		MimeType:   o.MimeType,
		UploadedAt: o.CreatedAt.UnixMilli(),
	}
}

// ShareInfo describes a shared object without its bytes.
type ShareInfo struct {
	Code     string `json:"code"`
	ObjectID string `json:"oid"`
	FileName string `json:"name"`
	FileSize int64  `json:"size"`
	MimeType string `json:"mime"`
	// UploadedAt is unix milliseconds.
	UploadedAt int64 `json:"uploaded_at"`
}

// RegistryStats is a point-in-time diagnostic view of the registry.
type RegistryStats struct {
	ObjectCount  int   `json:"object_count"`
	SessionCount int   `json:"session_count"`
	TotalBytes   int64 `json:"total_bytes"`
}
