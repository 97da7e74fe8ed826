package model

// Resolution is one of the closed set of renditions the pipeline can encode.
type Resolution string

const (
	Resolution1080p Resolution = "1080p"
	Resolution720p  Resolution = "720p"
	Resolution480p  Resolution = "480p"
	Resolution360p  Resolution = "360p"
	Resolution240p  Resolution = "240p"
)

// AllResolutions is the closed set in descending-quality order, the default
// used by submission when no resolutions are requested.
var AllResolutions = []Resolution{
	Resolution1080p, Resolution720p, Resolution480p, Resolution360p, Resolution240p,
}

func (r Resolution) IsValid() bool {
	switch r {
	case Resolution1080p, Resolution720p, Resolution480p, Resolution360p, Resolution240p:
		return true
	default:
		return false
	}
}

// EncodingProfile is the fixed per-resolution encode table.
type EncodingProfile struct {
	Resolution   Resolution
	Width        int
	Height       int
	VideoKbps    int
	AudioKbps    int
	H264Profile  string
	H264Level    string
	CodecsString string
}

// Profiles is the fixed table, keyed by resolution name.
var Profiles = map[Resolution]EncodingProfile{
	Resolution1080p: {Resolution1080p, 1920, 1080, 6593, 192, "high", "4.0", "avc1.640028,mp4a.40.5"},
	Resolution720p:  {Resolution720p, 1280, 720, 2766, 128, "high", "4.0", "avc1.640028,mp4a.40.5"},
	Resolution480p:  {Resolution480p, 854, 480, 1395, 128, "main", "3.1", "avc1.42001f,mp4a.40.5"},
	Resolution360p:  {Resolution360p, 640, 360, 1038, 96, "main", "3.1", "avc1.4d001f,mp4a.40.5"},
	Resolution240p:  {Resolution240p, 426, 240, 400, 64, "baseline", "3.0", "avc1.42001e,mp4a.40.5"},
}

// Bandwidth is the BANDWIDTH attribute (bits per second) for the master
// playlist's EXT-X-STREAM-INF tag: video kbps, converted to bps.
func (p EncodingProfile) Bandwidth() int {
	return p.VideoKbps * 1000
}

// MaxrateKbps and BufsizeKbps implement the fixed CRF/maxrate/bufsize
// relationship (maxrate=video_kbps, bufsize=2x video_kbps).
func (p EncodingProfile) MaxrateKbps() int {
	return p.VideoKbps
}

func (p EncodingProfile) BufsizeKbps() int {
	return p.VideoKbps * 2
}
