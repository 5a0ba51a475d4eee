package panopto

import "time"

// listResponse is the envelope returned by the sessions listing endpoint.
// Panopto delivers PascalCase field names.
type listResponse struct {
	Results []Session `json:"Results"`
}

// Session is one recording as delivered by the upstream listing API.
type Session struct {
	ID                     string        `json:"Id"`
	Name                   string        `json:"Name"`
	Description            *string       `json:"Description"`
	StartTime              *time.Time    `json:"StartTime"`
	Duration               float64       `json:"Duration"`
	MostRecentViewPosition *float64      `json:"MostRecentViewPosition"`
	CreatedBy              CreatedBy     `json:"CreatedBy"`
	Urls                   Urls          `json:"Urls"`
	Folder                 string        `json:"Folder"`
	FolderDetails          FolderDetails `json:"FolderDetails"`
}

// CreatedBy identifies the uploading user.
type CreatedBy struct {
	ID       string  `json:"Id"`
	Username *string `json:"Username"`
}

// Urls carries the viewer and asset links for a session.
type Urls struct {
	ViewerURL          string  `json:"ViewerUrl"`
	EmbedURL           *string `json:"EmbedUrl"`
	ShareSettingsURL   *string `json:"ShareSettingsUrl"`
	DownloadURL        *string `json:"DownloadUrl"`
	CaptionDownloadURL *string `json:"CaptionDownloadUrl"`
	EditorURL          *string `json:"EditorUrl"`
	ThumbnailURL       string  `json:"ThumbnailUrl"`
}

// FolderDetails names the folder a session lives in.
type FolderDetails struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// FolderID returns the folder key for color lookup, preferring the detailed
// record and falling back to the bare folder field.
func (s *Session) FolderID() string {
	if s.FolderDetails.ID != "" {
		return s.FolderDetails.ID
	}
	return s.Folder
}
