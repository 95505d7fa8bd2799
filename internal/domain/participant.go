package domain

// Participant is a user as shown in a call roster.
// IsOnline is derived from presence; the media flags are authoritative only
// for the local participant.
type Participant struct {
	ID              string `json:"id" db:"id"`
	DisplayName     string `json:"display_name" db:"display_name"`
	AvatarRef       string `json:"avatar_ref,omitempty" db:"avatar_ref"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	IsOnline        bool   `json:"is_online"`
	IsMicOn         bool   `json:"is_mic_on"`
	IsCameraOn      bool   `json:"is_camera_on"`
	IsScreenSharing bool   `json:"is_screen_sharing"`
}

// RemoteVideoState is how a remote participant's video tile should render
type RemoteVideoState string

const (
	RemoteVideoLive RemoteVideoState = "live"
	RemoteVideoOff  RemoteVideoState = "off"
)

// RemoteMedia is the media state inferred for a remote participant
type RemoteMedia struct {
	ScreenSharing bool             `json:"screen_sharing"`
	Video         RemoteVideoState `json:"video"`
}
