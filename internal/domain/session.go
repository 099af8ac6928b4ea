package domain

// Session is an immutable snapshot of a broadcast session as reported by the
// session registry. A fresh snapshot replaces the whole value on every check;
// nothing mutates a Session in place.
type Session struct {
	Code                    string `json:"code"`
	Exists                  bool   `json:"exists"`
	HasBroadcaster          bool   `json:"hasBroadcaster"`
	ViewerCount             int    `json:"viewerCount"`
	MaxViewers              int    `json:"maxViewers"`
	AvailableForViewer      bool   `json:"availableForViewer"`
	AvailableForBroadcaster bool   `json:"availableForBroadcaster"`
}

// FrameCaptureConfig describes the inference sampling profile. It is fixed
// for the lifetime of a capture session and supplied at controller
// construction.
type FrameCaptureConfig struct {
	FPS       int
	Quality   float64 // JPEG quality in (0, 1]
	MaxWidth  int
	MaxHeight int
}
