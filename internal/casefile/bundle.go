package casefile

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// AttachmentData is a resolved evidence attachment.
type AttachmentData struct {
	Name  string
	Bytes []byte
}

// AttachmentFetcher resolves an opaque attachment reference to raw bytes.
// Resolution is a collaborator capability; the bundle builder substitutes an
// explicit unavailable marker on failure instead of aborting.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, ref string) (AttachmentData, error)
}

// BundleSection is one evidence entry serialized for the reasoning gateway.
// Image sections additionally carry raw bytes for multimodal input.
type BundleSection struct {
	Label      string
	Text       string
	ImageBytes []byte
	MediaType  string
}

// Bundle is the self-contained snapshot of a case handed to the reasoning
// gateway. Chat transcripts are surfaced before other evidence so the model
// treats them as higher-priority context.
type Bundle struct {
	Case         Case
	Participants []Participant
	Evidence     []EvidenceItem
	Sections     []BundleSection
	TargetRole   Role
	Round        int
}

// BuildBundle serializes case facts and the full evidentiary record in stable
// submission order, resolving attachments through the fetcher.
func BuildBundle(ctx context.Context, c Case, participants []Participant, evidence []EvidenceItem, fetcher AttachmentFetcher) Bundle {
	b := Bundle{Case: c, Participants: participants, Evidence: evidence}

	var transcripts, rest []BundleSection
	for i, ev := range evidence {
		sec := buildSection(ctx, i+1, ev, fetcher)
		if ev.Type == EvidenceChatTranscript {
			transcripts = append(transcripts, sec)
		} else {
			rest = append(rest, sec)
		}
	}
	b.Sections = append(transcripts, rest...)
	return b
}

func buildSection(ctx context.Context, pos int, ev EvidenceItem, fetcher AttachmentFetcher) BundleSection {
	label := fmt.Sprintf("%d. %s", pos, roleLabel(ev.Role))

	switch ev.Type {
	case EvidenceText:
		return BundleSection{Label: label + " - argument", Text: ev.Content}
	case EvidenceAIAnswer:
		return BundleSection{Label: label + fmt.Sprintf(" - answer to judge question (round %d)", ev.Round), Text: ev.Content}
	case EvidenceChatTranscript:
		return BundleSection{
			Label: label + " - chat transcript",
			Text:  ev.Content + "\n[Chat transcript: weigh message context and chronology]",
		}
	case EvidenceImage:
		return imageSection(ctx, label, ev, fetcher)
	case EvidenceDocument:
		return documentSection(ctx, label, ev, fetcher)
	case EvidenceVideo:
		return BundleSection{Label: label + " - video", Text: caption(ev) + "\n[Video content is not analyzed automatically]"}
	case EvidenceAudio:
		return BundleSection{Label: label + " - audio", Text: caption(ev) + "\n[Audio content is not analyzed automatically]"}
	default:
		return BundleSection{Label: label + " - " + string(ev.Type), Text: caption(ev)}
	}
}

func imageSection(ctx context.Context, label string, ev EvidenceItem, fetcher AttachmentFetcher) BundleSection {
	data, err := fetchAttachment(ctx, ev, fetcher)
	if err != nil {
		return BundleSection{Label: label + " - image", Text: unavailableMarker(ev)}
	}
	return BundleSection{
		Label:      label + " - image",
		Text:       caption(ev),
		ImageBytes: data.Bytes,
		MediaType:  SniffImageMediaType(data.Bytes),
	}
}

func documentSection(ctx context.Context, label string, ev EvidenceItem, fetcher AttachmentFetcher) BundleSection {
	data, err := fetchAttachment(ctx, ev, fetcher)
	if err != nil {
		return BundleSection{Label: label + " - document", Text: unavailableMarker(ev)}
	}
	name := data.Name
	if name == "" {
		name = ev.AttachmentRef
	}
	if isImageName(name) {
		return BundleSection{
			Label:      label + " - image document",
			Text:       caption(ev),
			ImageBytes: data.Bytes,
			MediaType:  SniffImageMediaType(data.Bytes),
		}
	}
	text, ok := extractDocumentText(name, data.Bytes)
	if !ok {
		return BundleSection{Label: label + " - document", Text: fmt.Sprintf("%s\n[Document %q attached; content not extracted]", caption(ev), name)}
	}
	return BundleSection{Label: fmt.Sprintf("%s - document (%s)", label, name), Text: text}
}

func fetchAttachment(ctx context.Context, ev EvidenceItem, fetcher AttachmentFetcher) (AttachmentData, error) {
	if fetcher == nil || ev.AttachmentRef == "" {
		return AttachmentData{}, fmt.Errorf("no attachment to resolve")
	}
	data, err := fetcher.Fetch(ctx, ev.AttachmentRef)
	if err != nil || len(data.Bytes) == 0 {
		if err == nil {
			err = fmt.Errorf("empty attachment")
		}
		return AttachmentData{}, err
	}
	return data, nil
}

func unavailableMarker(ev EvidenceItem) string {
	return fmt.Sprintf("[attachment unavailable: %s]", ev.AttachmentRef)
}

func caption(ev EvidenceItem) string {
	if strings.TrimSpace(ev.Content) != "" {
		return ev.Content
	}
	return "(no caption)"
}

func roleLabel(r Role) string {
	switch r {
	case RolePlaintiff:
		return "Plaintiff"
	case RoleDefendant:
		return "Defendant"
	case RoleWitness:
		return "Witness"
	default:
		return string(r)
	}
}

func extractDocumentText(name string, blob []byte) (string, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".csv":
		if utf8.Valid(blob) {
			return string(blob), true
		}
		return "", false
	default:
		return "", false
	}
}

func isImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".tif":
		return true
	default:
		return false
	}
}

// SniffImageMediaType inspects magic bytes, defaulting to JPEG.
func SniffImageMediaType(blob []byte) string {
	switch {
	case len(blob) >= 4 && bytes.Equal(blob[:4], []byte("\x89PNG")):
		return "image/png"
	case len(blob) >= 12 && bytes.Equal(blob[:4], []byte("RIFF")) && bytes.Equal(blob[8:12], []byte("WEBP")):
		return "image/webp"
	case len(blob) >= 3 && bytes.Equal(blob[:3], []byte("GIF")):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// Text flattens the bundle sections to a single prompt body.
func (b Bundle) Text() string {
	var sb strings.Builder
	for _, sec := range b.Sections {
		sb.WriteString(sec.Label)
		sb.WriteString(":\n")
		if sec.Text != "" {
			sb.WriteString(sec.Text)
			sb.WriteString("\n")
		}
		if len(sec.ImageBytes) > 0 {
			sb.WriteString("[image attached]\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
