package domain

import "encoding/json"

type AssetPhase string

const (
	AssetPhaseWaiting    AssetPhase = "waiting"
	AssetPhaseUploading  AssetPhase = "uploading"
	AssetPhaseProcessing AssetPhase = "processing"
	AssetPhaseReady      AssetPhase = "ready"
	AssetPhaseFailed     AssetPhase = "failed"
	AssetPhaseDeleting   AssetPhase = "deleting"
	AssetPhaseDeleted    AssetPhase = "deleted"
)

// InProgressAssetPhases are the phases an asset holds while a task still works on it.
var InProgressAssetPhases = []AssetPhase{AssetPhaseWaiting, AssetPhaseUploading, AssetPhaseProcessing}

type AssetStatus struct {
	Phase        AssetPhase `json:"phase"`
	UpdatedAt    int64      `json:"updatedAt"`
	Progress     float64    `json:"progress,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

type AssetSourceType string

const (
	AssetSourceURL          AssetSourceType = "url"
	AssetSourceRecording    AssetSourceType = "recording"
	AssetSourceDirectUpload AssetSourceType = "directUpload"
)

type AssetSource struct {
	Type      AssetSourceType `json:"type"`
	URL       string          `json:"url,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type Asset struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"userId"`
	ProjectID           string        `json:"projectId,omitempty"`
	PlaybackID          string        `json:"playbackId,omitempty"`
	Name                string        `json:"name,omitempty"`
	Source              AssetSource   `json:"source"`
	Status              AssetStatus   `json:"status"`
	Size                int64         `json:"size,omitempty"`
	Hash                []Hash        `json:"hash,omitempty"`
	VideoSpec           *VideoSpec    `json:"videoSpec,omitempty"`
	Files               []AssetFile   `json:"files,omitempty"`
	Storage             *AssetStorage `json:"storage,omitempty"`
	SourcePlaybackReady bool          `json:"sourcePlaybackReady,omitempty"`
	Deleted             bool          `json:"deleted,omitempty"`
	DeletedAt           int64         `json:"deletedAt,omitempty"`
	CreatedAt           int64         `json:"createdAt"`
}

type StoragePhase string

const (
	StoragePhaseWaiting  StoragePhase = "waiting"
	StoragePhaseReady    StoragePhase = "ready"
	StoragePhaseFailed   StoragePhase = "failed"
	StoragePhaseReverted StoragePhase = "reverted"
)

// StorageTasks tracks which task is replicating an object and which ran before.
type StorageTasks struct {
	Pending string `json:"pending,omitempty"`
	Last    string `json:"last,omitempty"`
	Failed  string `json:"failed,omitempty"`
}

type StorageStatus struct {
	Phase        StoragePhase `json:"phase"`
	Progress     float64      `json:"progress,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Tasks        StorageTasks `json:"tasks"`
}

type IPFSSpec struct {
	NFTMetadataTemplate string          `json:"nftMetadataTemplate,omitempty"`
	NFTMetadata         json.RawMessage `json:"nftMetadata,omitempty"`
}

type IPFSFile struct {
	CID        string `json:"cid"`
	URL        string `json:"url,omitempty"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
}

type IPFSStorage struct {
	Spec        *IPFSSpec `json:"spec,omitempty"`
	CID         string    `json:"cid,omitempty"`
	URL         string    `json:"url,omitempty"`
	GatewayURL  string    `json:"gatewayUrl,omitempty"`
	NFTMetadata *IPFSFile `json:"nftMetadata,omitempty"`
	UpdatedAt   int64     `json:"updatedAt,omitempty"`
}

type AssetStorage struct {
	IPFS   *IPFSStorage   `json:"ipfs,omitempty"`
	Status *StorageStatus `json:"status,omitempty"`
}

// PendingTask returns the id of the task currently replicating the object.
func (s *AssetStorage) PendingTask() string {
	if s == nil || s.Status == nil {
		return ""
	}
	return s.Status.Tasks.Pending
}

// Attestation is a signed statement whose payload is exported to IPFS by an
// export-data task.
type Attestation struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId,omitempty"`
	Storage   *AssetStorage `json:"storage,omitempty"`
	CreatedAt int64         `json:"createdAt"`
}
