package pipeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dhowden/tag"
)

// Tags carries the fields the saving step writes into a
// finished audio file.
type Tags struct {
	Title       string
	Artist      string
	Album       string
	Lyrics      string
	BPM         int
	Cover       []byte
	CoverFormat string
}

// TagWriter writes Tags into the audio file at path. It returns the file's
// playable duration when it can determine one by re-reading the file after
// writing (0 if unknown), so the caller can persist an authoritative
// duration separate from whatever estimate metadata generation produced.
type TagWriter interface {
	Write(path string, tags Tags) (time.Duration, error)
}

// id3Writer writes a minimal ID3v2.3 tag header to mp3 files. [dhowden/tag]
// is a read-only library with no writer of its own, so it is used here only
// to identify a file's format before deciding whether tagging applies; every
// other format is a documented no-op rather than an attempted write, since
// hand-rolling a writer for flac/ogg/aac's native metadata containers is out
// of scope for a best-effort tagging step.
type id3Writer struct{}

// NewTagWriter returns the pipeline's default TagWriter.
func NewTagWriter() TagWriter {
	return id3Writer{}
}

func (id3Writer) Write(path string, tags Tags) (time.Duration, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pipeline: read audio file for tagging: %w", err)
	}

	_, fileType, err := tag.Identify(bytes.NewReader(original))
	if err != nil || fileType != tag.MP3 {
		// Unidentifiable or non-mp3 audio still reaches ready; tagging is
		// best-effort and only mp3 gets a hand-rolled writer. M4A/FLAC/OGG
		// carry their own native metadata containers this writer doesn't
		// touch.
		return 0, nil
	}

	frame := buildID3v23(tags)
	out := append(frame, original...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return 0, fmt.Errorf("pipeline: write tagged audio file: %w", err)
	}
	return 0, nil
}

// buildID3v23 constructs a minimal ID3v2.3 tag with TIT2/TPE1/TALB/TBPM/USLT
// frames (and an APIC cover frame when present). The tag header's size uses
// the synchsafe 7-bit-per-byte encoding; frame sizes are plain 32-bit
// big-endian, as ID3v2.3 defines them.
func buildID3v23(tags Tags) []byte {
	var frames bytes.Buffer
	writeFrame(&frames, "TIT2", textFrame(tags.Title))
	writeFrame(&frames, "TPE1", textFrame(tags.Artist))
	writeFrame(&frames, "TALB", textFrame(tags.Album))
	if tags.BPM > 0 {
		writeFrame(&frames, "TBPM", textFrame(strconv.Itoa(tags.BPM)))
	}
	if tags.Lyrics != "" {
		writeFrame(&frames, "USLT", uslt(tags.Lyrics))
	}
	if len(tags.Cover) > 0 {
		writeFrame(&frames, "APIC", apic(tags.Cover, tags.CoverFormat))
	}

	header := make([]byte, 10)
	copy(header[0:3], "ID3")
	header[3], header[4] = 3, 0 // version 2.3.0
	header[5] = 0               // flags
	putSynchsafe(header[6:10], uint32(frames.Len()))

	return append(header, frames.Bytes()...)
}

func writeFrame(buf *bytes.Buffer, id string, body []byte) {
	buf.WriteString(id)
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(body)))
	buf.Write(size)
	buf.Write([]byte{0, 0}) // flags
	buf.Write(body)
}

func textFrame(s string) []byte {
	return append([]byte{0x00}, []byte(s)...) // ISO-8859-1 encoding byte
}

func uslt(lyrics string) []byte {
	body := []byte{0x00}          // encoding
	body = append(body, "eng"...) // language
	body = append(body, 0x00)     // content descriptor terminator
	return append(body, []byte(lyrics)...)
}

func apic(img []byte, format string) []byte {
	mime := "image/" + format
	if format == "jpg" {
		mime = "image/jpeg"
	}
	body := []byte{0x00} // encoding
	body = append(body, []byte(mime)...)
	body = append(body, 0x00) // mime terminator
	body = append(body, 0x03) // picture type: cover (front)
	body = append(body, 0x00) // description terminator
	return append(body, img...)
}

func putSynchsafe(dst []byte, v uint32) {
	dst[0] = byte((v >> 21) & 0x7F)
	dst[1] = byte((v >> 14) & 0x7F)
	dst[2] = byte((v >> 7) & 0x7F)
	dst[3] = byte(v & 0x7F)
}
