package domain

type RecordingStatus string

const (
	RecordingStatusWaiting RecordingStatus = "waiting"
	RecordingStatusReady   RecordingStatus = "ready"
	RecordingStatusFailed  RecordingStatus = "failed"
)

// Stream is a live stream. Session child streams carry the parent's id in
// ParentID and share their id with the Session row.
type Stream struct {
	ID           string  `json:"id"`
	ParentID     string  `json:"parentId,omitempty"`
	UserID       string  `json:"userId"`
	ProjectID    string  `json:"projectId,omitempty"`
	Name         string  `json:"name,omitempty"`
	PlaybackID   string  `json:"playbackId,omitempty"`
	IsActive     bool    `json:"isActive"`
	LastSeen     int64   `json:"lastSeen,omitempty"`
	Record       bool    `json:"record,omitempty"`
	IngestRate   float64 `json:"ingestRate"`
	OutgoingRate float64 `json:"outgoingRate"`
	Deleted      bool    `json:"deleted,omitempty"`
	DeletedAt    int64   `json:"deletedAt,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

type Session struct {
	ID                         string          `json:"id"`
	ParentID                   string          `json:"parentId"`
	UserID                     string          `json:"userId"`
	ProjectID                  string          `json:"projectId,omitempty"`
	Name                       string          `json:"name,omitempty"`
	Record                     bool            `json:"record,omitempty"`
	RecordingStatus            RecordingStatus `json:"recordingStatus,omitempty"`
	RecordingURL               string          `json:"recordingUrl,omitempty"`
	MP4URL                     string          `json:"mp4Url,omitempty"`
	LastSeen                   int64           `json:"lastSeen,omitempty"`
	IngestRate                 float64         `json:"ingestRate"`
	OutgoingRate               float64         `json:"outgoingRate"`
	SourceBytes                int64           `json:"sourceBytes"`
	TranscodedBytes            int64           `json:"transcodedBytes"`
	SourceSegments             int64           `json:"sourceSegments"`
	TranscodedSegments         int64           `json:"transcodedSegments"`
	SourceSegmentsDuration     float64         `json:"sourceSegmentsDuration"`
	TranscodedSegmentsDuration float64         `json:"transcodedSegmentsDuration"`
	CreatedAt                  int64           `json:"createdAt"`
}

type Project struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
	CleanedUp bool   `json:"cleanedUp,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}
