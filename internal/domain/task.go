package domain

import "encoding/json"

type TaskType string

const (
	TaskTypeImport     TaskType = "import"
	TaskTypeUpload     TaskType = "upload"
	TaskTypeTranscode  TaskType = "transcode"
	TaskTypeExport     TaskType = "export"
	TaskTypeExportData TaskType = "export-data"
)

var taskTypes = []TaskType{
	TaskTypeImport,
	TaskTypeUpload,
	TaskTypeTranscode,
	TaskTypeExport,
	TaskTypeExportData,
}

// TaskTypes lists every known task type.
func TaskTypes() []TaskType {
	out := make([]TaskType, len(taskTypes))
	copy(out, taskTypes)
	return out
}

func (t TaskType) Valid() bool {
	for _, known := range taskTypes {
		if t == known {
			return true
		}
	}
	return false
}

type TaskPhase string

const (
	TaskPhasePending   TaskPhase = "pending"
	TaskPhaseWaiting   TaskPhase = "waiting"
	TaskPhaseCompleted TaskPhase = "completed"
	TaskPhaseFailed    TaskPhase = "failed"
)

// Terminal reports whether no further transitions leave the phase.
func (p TaskPhase) Terminal() bool {
	return p == TaskPhaseCompleted || p == TaskPhaseFailed
}

// ActiveTaskPhases are the phases a task can be in before it terminates.
var ActiveTaskPhases = []TaskPhase{TaskPhasePending, TaskPhaseWaiting}

type TaskStatus struct {
	Phase        TaskPhase `json:"phase"`
	UpdatedAt    int64     `json:"updatedAt"`
	Retries      int       `json:"retries,omitempty"`
	Progress     float64   `json:"progress,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

type Task struct {
	ID            string      `json:"id"`
	Type          TaskType    `json:"type"`
	UserID        string      `json:"userId"`
	InputAssetID  string      `json:"inputAssetId,omitempty"`
	OutputAssetID string      `json:"outputAssetId,omitempty"`
	Params        TaskParams  `json:"params"`
	Output        *TaskOutput `json:"output,omitempty"`
	Status        TaskStatus  `json:"status"`
	CreatedAt     int64       `json:"createdAt"`
	ScheduledAt   int64       `json:"scheduledAt,omitempty"`
}

// Snapshot returns a copy of the task safe to hand to integrators.
func (t Task) Snapshot() Task {
	out := t
	out.Params = t.Params.WithoutCredentials()
	return out
}

type TaskParams struct {
	Import     *ImportParams     `json:"import,omitempty"`
	Upload     *UploadParams     `json:"upload,omitempty"`
	Transcode  *TranscodeParams  `json:"transcode,omitempty"`
	Export     *ExportParams     `json:"export,omitempty"`
	ExportData *ExportDataParams `json:"exportData,omitempty"`
}

type ImportParams struct {
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	RecordedSessionID string            `json:"recordedSessionId,omitempty"`
}

type UploadParams struct {
	URL               string            `json:"url,omitempty"`
	UploadedObjectKey string            `json:"uploadedObjectKey,omitempty"`
	Encryption        *EncryptionParams `json:"encryption,omitempty"`
	C2PA              bool              `json:"c2pa,omitempty"`
}

type EncryptionParams struct {
	EncryptedKey string `json:"encryptedKey,omitempty"`
}

type TranscodeParams struct {
	Profiles []json.RawMessage `json:"profiles,omitempty"`
}

type PinataCredentials struct {
	JWT       string `json:"jwt,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	APISecret string `json:"apiSecret,omitempty"`
}

type IPFSExportParams struct {
	Spec   *IPFSSpec          `json:"spec,omitempty"`
	Pinata *PinataCredentials `json:"pinata,omitempty"`
}

type CustomExportParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type ExportParams struct {
	IPFS   *IPFSExportParams   `json:"ipfs,omitempty"`
	Custom *CustomExportParams `json:"custom,omitempty"`
}

type ExportDataParams struct {
	Content json.RawMessage   `json:"content,omitempty"`
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	IPFS    *IPFSExportParams `json:"ipfs,omitempty"`
}

// ExportDataTypeAttestation marks an export-data task that backs an attestation.
const ExportDataTypeAttestation = "attestation"

// WithoutCredentials returns params with every secret-bearing field removed.
// The receiver is left untouched.
func (p TaskParams) WithoutCredentials() TaskParams {
	out := p
	if p.Import != nil {
		imp := *p.Import
		imp.Headers = nil
		out.Import = &imp
	}
	if p.Upload != nil {
		up := *p.Upload
		up.Encryption = nil
		out.Upload = &up
	}
	if p.Export != nil {
		exp := *p.Export
		if exp.IPFS != nil {
			ipfs := *exp.IPFS
			ipfs.Pinata = nil
			exp.IPFS = &ipfs
		}
		if exp.Custom != nil {
			custom := *exp.Custom
			custom.Headers = nil
			exp.Custom = &custom
		}
		out.Export = &exp
	}
	if p.ExportData != nil {
		data := *p.ExportData
		if data.IPFS != nil {
			ipfs := *data.IPFS
			ipfs.Pinata = nil
			data.IPFS = &ipfs
		}
		out.ExportData = &data
	}
	return out
}

// HasCredentials reports whether any secret-bearing field is set.
func (p TaskParams) HasCredentials() bool {
	switch {
	case p.Import != nil && len(p.Import.Headers) > 0:
		return true
	case p.Upload != nil && p.Upload.Encryption != nil:
		return true
	case p.Export != nil && p.Export.IPFS != nil && p.Export.IPFS.Pinata != nil:
		return true
	case p.Export != nil && p.Export.Custom != nil && len(p.Export.Custom.Headers) > 0:
		return true
	case p.ExportData != nil && p.ExportData.IPFS != nil && p.ExportData.IPFS.Pinata != nil:
		return true
	}
	return false
}

// AssetSpec is what a worker reports for a produced asset.
type AssetSpec struct {
	Name      string          `json:"name,omitempty"`
	Type      string          `json:"type,omitempty"`
	Size      int64           `json:"size"`
	Hash      []Hash          `json:"hash,omitempty"`
	VideoSpec *VideoSpec      `json:"videoSpec,omitempty"`
	Files     []AssetFile     `json:"files,omitempty"`
	Storage   *AssetSpecStore `json:"storage,omitempty"`
}

type AssetSpecStore struct {
	IPFS *IPFSResult `json:"ipfs,omitempty"`
}

type IPFSResult struct {
	CID            string `json:"cid,omitempty"`
	URL            string `json:"url,omitempty"`
	GatewayURL     string `json:"gatewayUrl,omitempty"`
	VideoFileCID   string `json:"videoFileCid,omitempty"`
	NFTMetadataCID string `json:"nftMetadataCid,omitempty"`
}

type AssetOutput struct {
	AssetSpec *AssetSpec `json:"assetSpec,omitempty"`
}

type ExportOutput struct {
	IPFS *IPFSResult `json:"ipfs,omitempty"`
}

type TaskOutput struct {
	Import     *AssetOutput  `json:"import,omitempty"`
	Upload     *AssetOutput  `json:"upload,omitempty"`
	Transcode  *AssetOutput  `json:"transcode,omitempty"`
	Export     *ExportOutput `json:"export,omitempty"`
	ExportData *ExportOutput `json:"exportData,omitempty"`
}
