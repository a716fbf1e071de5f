package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Source identifies where the active profile came from.
type Source string

const (
	SourceUnknown Source = "unknown"
	SourceFlags   Source = "flags"
	SourceSSM     Source = "ssm"
	SourceS3      Source = "s3"
)

// MaxDocumentSize bounds a profile document.
const MaxDocumentSize = 64 << 10

// Document is the JSON form operators publish. Variant picks the preset;
// the remaining fields override it when present. An explicit empty
// relay_header turns relaying off.
type Document struct {
	Variant     string  `json:"variant"`
	HeaderCase  *string `json:"header_case,omitempty"`
	RelayHeader *string `json:"relay_header,omitempty"`
	StripPrefix *string `json:"strip_prefix,omitempty"`
}

// Options resolves the document to a validated option set.
func (d Document) Options() (edge.Options, error) {
	opts, err := edge.Variant(d.Variant)
	if err != nil {
		return edge.Options{}, err
	}
	if d.HeaderCase != nil {
		opts.HeaderCase = edge.CaseMode(*d.HeaderCase)
	}
	if d.RelayHeader != nil {
		opts.RelayHeader = *d.RelayHeader
	}
	if d.StripPrefix != nil {
		opts.StripPrefix = *d.StripPrefix
	}
	if err := opts.Validate(); err != nil {
		return edge.Options{}, err
	}
	return opts, nil
}

// ParseDocument decodes a profile document. Unknown fields are rejected so a
// typo cannot silently fall back to a preset.
func ParseDocument(b []byte) (Document, error) {
	if len(b) > MaxDocumentSize {
		return Document{}, xerrors.Newf("profile document is %d bytes, limit is %d", len(b), MaxDocumentSize)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return Document{}, xerrors.Wrap(err, "decode profile document")
	}
	if dec.More() {
		return Document{}, xerrors.New("profile document has trailing data")
	}
	if d.Variant == "" {
		return Document{}, xerrors.New("profile document has no variant")
	}
	return d, nil
}

// Profile is an immutable, ready-to-use filter configuration.
type Profile struct {
	Variant  string
	Options  edge.Options
	Filter   *edge.Filter
	Hash     string
	Source   Source
	LoadedAt time.Time
}

// Build parses and validates raw and returns the profile it describes.
func Build(raw []byte, src Source) (*Profile, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	return fromDocument(doc, HashDocument(raw), src)
}

// FromVariant builds a profile from flag values. relay and strip override the
// variant preset when non-nil.
func FromVariant(variant string, relay, strip *string) (*Profile, error) {
	doc := Document{Variant: variant, RelayHeader: relay, StripPrefix: strip}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode flag profile")
	}
	return fromDocument(doc, HashDocument(raw), SourceFlags)
}

func fromDocument(doc Document, hash string, src Source) (*Profile, error) {
	opts, err := doc.Options()
	if err != nil {
		return nil, xerrors.Wrap(err, "invalid profile")
	}
	f, err := edge.NewFilter(opts)
	if err != nil {
		return nil, xerrors.Wrap(err, "build filter")
	}
	return &Profile{
		Variant:  doc.Variant,
		Options:  opts,
		Filter:   f,
		Hash:     hash,
		Source:   src,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// HashDocument is the hex SHA-256 used for change detection.
func HashDocument(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (p *Profile) String() string {
	return fmt.Sprintf("variant=%s case=%s relay=%q strip=%q", p.Variant, p.Options.HeaderCase, p.Options.RelayHeader, p.Options.StripPrefix)
}
