package parser

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agleyzer/hlsplay/internal/segment"
)

const baseURL = "https://example.com/live/stream.m3u8"

func TestParseMedia_ValidPlaylist(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:9.9,
segment001.ts
#EXTINF:10.0,
segment002.ts
#EXT-X-DISCONTINUITY
#EXTINF:10.1,
https://cdn.example.com/segment003.ts
#EXT-X-ENDLIST
`
	d, err := ParseMedia([]byte(playlist), baseURL, segment.Main, 2)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(d.Fragments) != 3 {
		t.Fatalf("Expected 3 fragments, got %d", len(d.Fragments))
	}
	if d.Live {
		t.Error("Expected VOD playlist")
	}
	if d.Kind != segment.KindVOD {
		t.Errorf("Expected kind VOD, got %q", d.Kind)
	}
	if d.StartSN != 100 || d.EndSN != 102 {
		t.Errorf("Expected sequence 100-102, got %d-%d", d.StartSN, d.EndSN)
	}

	first := d.Fragments[0]
	if first.URL != "https://example.com/live/segment001.ts" {
		t.Errorf("Expected resolved URL, got %s", first.URL)
	}
	if first.Level != 2 || first.Type != segment.Main {
		t.Errorf("Expected main level 2, got %s level %d", first.Type, first.Level)
	}
	if d.Fragments[1].Start != 9.9 {
		t.Errorf("Expected second fragment start 9.9, got %f", d.Fragments[1].Start)
	}

	// Absolute URLs stay unchanged
	if d.Fragments[2].URL != "https://cdn.example.com/segment003.ts" {
		t.Errorf("Expected absolute URL unchanged, got %s", d.Fragments[2].URL)
	}
	if d.Fragments[2].CC != 1 || d.EndCC != 1 {
		t.Errorf("Expected discontinuity counter 1, got %d (end %d)", d.Fragments[2].CC, d.EndCC)
	}
}

func TestParseMedia_KeysMapsAndByteRanges(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MAP:URI="init.mp4",BYTERANGE="720@0"
#EXT-X-KEY:METHOD=AES-128,URI="key1.bin",IV=0x000102030405060708090a0b0c0d0e0f
#EXTINF:4.0,
#EXT-X-BYTERANGE:1000@720
media.mp4
#EXTINF:4.0,
#EXT-X-BYTERANGE:1200
media.mp4
#EXT-X-KEY:METHOD=NONE
#EXT-X-GAP
#EXTINF:4.0,
media3.mp4
`
	d, err := ParseMedia([]byte(playlist), baseURL, segment.Audio, 1)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !d.Live {
		t.Error("Expected live playlist without ENDLIST")
	}

	f0, f1, f2 := d.Fragments[0], d.Fragments[1], d.Fragments[2]
	if f0.ByteRange != (segment.ByteRange{Offset: 720, Length: 1000}) {
		t.Errorf("Unexpected first byte range %+v", f0.ByteRange)
	}
	if f1.ByteRange != (segment.ByteRange{Offset: 1720, Length: 1200}) {
		t.Errorf("Expected implicit offset 1720, got %+v", f1.ByteRange)
	}
	if !f0.Encrypted() || !f1.Encrypted() {
		t.Error("Expected the key to carry over to the second fragment")
	}
	if f2.Encrypted() {
		t.Error("Expected METHOD=NONE to end encryption")
	}
	if !f2.Gap {
		t.Error("Expected third fragment to be a gap")
	}
	if len(f0.Key.IV) != 16 || f0.Key.IV[15] != 0x0f {
		t.Errorf("Unexpected IV %x", f0.Key.IV)
	}
	if f0.InitSegment == nil || f0.InitSegment != f2.InitSegment {
		t.Fatal("Expected every fragment to share the init segment")
	}
	if !f0.InitSegment.IsInit() || f0.InitSegment.ByteRange.Length != 720 {
		t.Errorf("Unexpected init segment %+v", f0.InitSegment)
	}
}

func TestParseMedia_LowLatency(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:9
#EXT-X-TARGETDURATION:4
#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,CAN-SKIP-UNTIL=24,PART-HOLD-BACK=3.0
#EXT-X-PART-INF:PART-TARGET=1.0
#EXT-X-MEDIA-SEQUENCE:10
#EXT-X-SKIP:SKIPPED-SEGMENTS=2
#EXTINF:4.0,
seg12.mp4
#EXT-X-PART:DURATION=1.0,URI="seg13.0.mp4",INDEPENDENT=YES
#EXT-X-PART:DURATION=1.0,URI="seg13.1.mp4"
#EXT-X-PART:DURATION=1.0,URI="seg13.2.mp4",INDEPENDENT=YES
#EXT-X-PART:DURATION=1.0,URI="seg13.3.mp4"
#EXTINF:4.0,
seg13.mp4
#EXT-X-PART:DURATION=1.0,URI="seg14.0.mp4",INDEPENDENT=YES
#EXT-X-PART:DURATION=1.0,URI="seg14.1.mp4"
#EXT-X-PRELOAD-HINT:TYPE=PART,URI="seg14.2.mp4"
`
	d, err := ParseMedia([]byte(playlist), baseURL, segment.Main, 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !d.CanBlockReload || d.CanSkipUntil != 24 || d.PartHoldBack != 3 || d.PartTarget != 1 {
		t.Errorf("Unexpected server control %+v", d)
	}
	if d.Skipped != 2 || d.StartSN != 10 {
		t.Errorf("Expected 2 skipped from 10, got %d from %d", d.Skipped, d.StartSN)
	}
	if d.Fragments[0].SN != 12 || d.EndSN != 13 {
		t.Errorf("Expected listed fragments 12-13, got %d-%d", d.Fragments[0].SN, d.EndSN)
	}
	if len(d.Parts) != 6 {
		t.Fatalf("Expected 6 parts, got %d", len(d.Parts))
	}

	p := d.Parts[2]
	if p.Frag.SN != 13 || p.Index != 2 || p.Offset != 2 || !p.Independent {
		t.Errorf("Unexpected part %+v", p)
	}
	if d.Partial == nil || d.Partial.SN != 14 || d.Partial.Duration != 2 {
		t.Fatalf("Expected partial fragment 14 of 2s, got %+v", d.Partial)
	}
	if d.LastPartSN() != 14 || d.LastPartIndex() != 1 {
		t.Errorf("Expected last part 14.1, got %d.%d", d.LastPartSN(), d.LastPartIndex())
	}
	if d.Edge() != 10 {
		t.Errorf("Expected edge 10, got %f", d.Edge())
	}
}

func TestParseMedia_Errors(t *testing.T) {
	tests := []struct {
		name     string
		playlist string
		wantErr  error
	}{
		{
			name:     "no segments",
			playlist: "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-ENDLIST\n",
		},
		{
			name:     "bad part",
			playlist: "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-PART:URI=\"a.mp4\"\n#EXTINF:4.0,\na.mp4\n",
		},
		{
			name:     "bad key",
			playlist: "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-KEY:METHOD=AES-128\n#EXTINF:4.0,\na.ts\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMedia([]byte(tt.playlist), baseURL, segment.Main, 0)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseManifest_Master(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="Deutsch",LANGUAGE="de",URI="audio/de.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",LANGUAGE="en",URI="subs/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,AVERAGE-BANDWIDTH=700000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=640x360,FRAME-RATE=29.970,AUDIO="aac",SUBTITLES="subs"
low/index.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=100000,URI="low/iframes.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=3000000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1920x1080,HDCP-LEVEL=TYPE-0,VIDEO-RANGE=SDR,AUDIO="aac"
high/index.m3u8
`
	mv, err := ParseManifest([]byte(playlist), "https://example.com/master.m3u8")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(mv.Levels) != 2 {
		t.Fatalf("Expected 2 variants, got %d", len(mv.Levels))
	}
	low, high := mv.Levels[0], mv.Levels[1]
	if low.URL != "https://example.com/low/index.m3u8" {
		t.Errorf("Unexpected URL %s", low.URL)
	}
	if low.Bitrate != 800000 || low.AverageBitrate != 700000 {
		t.Errorf("Unexpected bitrates %d/%d", low.Bitrate, low.AverageBitrate)
	}
	if low.VideoCodec != "avc1.4d401f" || low.AudioCodec != "mp4a.40.2" {
		t.Errorf("Unexpected codecs %q %q", low.VideoCodec, low.AudioCodec)
	}
	if low.Width != 640 || low.Height != 360 || low.FrameRate != 29.97 {
		t.Errorf("Unexpected video attributes %dx%d@%f", low.Width, low.Height, low.FrameRate)
	}
	if low.AudioGroup != "aac" || low.SubtitleGroup != "subs" {
		t.Errorf("Unexpected groups %q %q", low.AudioGroup, low.SubtitleGroup)
	}
	if high.HDCPLevel != "TYPE-0" || high.VideoRange != "SDR" || high.Height != 1080 {
		t.Errorf("Unexpected attributes of the second variant %+v", high)
	}

	if len(mv.Audio) != 2 || len(mv.Subtitles) != 1 {
		t.Fatalf("Expected 2 audio and 1 subtitle renditions, got %d and %d", len(mv.Audio), len(mv.Subtitles))
	}
	if !mv.Audio[0].Default || mv.Audio[1].Default || mv.Audio[1].Autoselect {
		t.Errorf("Unexpected audio flags %+v %+v", mv.Audio[0], mv.Audio[1])
	}
	if mv.Audio[1].URL != "https://example.com/audio/de.m3u8" {
		t.Errorf("Unexpected rendition URL %s", mv.Audio[1].URL)
	}
}

func TestParseManifest_MediaPlaylist(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\na.ts\n#EXT-X-ENDLIST\n"
	mv, err := ParseManifest([]byte(playlist), baseURL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(mv.Levels) != 1 || mv.Levels[0].Details == nil {
		t.Fatal("Expected a single level with its snapshot")
	}
	if mv.Levels[0].URL != baseURL {
		t.Errorf("Expected the manifest URL, got %s", mv.Levels[0].URL)
	}
}

func TestScanLinesSkipsComments(t *testing.T) {
	var lines []string
	err := scanLines([]byte("#EXTM3U\n# a comment\n\nseg.ts\n"), func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !bytes.Equal([]byte(lines[1]), []byte("seg.ts")) || len(lines) != 2 {
		t.Errorf("Unexpected lines %q", lines)
	}
}
