package jobs

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrValidation marks bad enqueue parameters, surfaced synchronously to the caller.
// Jobs with invalid params never enter the store.
var ErrValidation = errors.New("invalid job parameters")

//go:generate go run ./internal/schema schema.json

//go:embed schema.json
var embeddedSchemaData []byte

// supported source formats and output encodings
var (
	sourceExtensions = map[string]bool{".epub": true, ".pdf": true, ".md": true, ".txt": true}
	outputFormats    = map[string]bool{"mp3": true, "m4b": true, "wav": true, "ogg": true}
)

// Params holds the caller-supplied conversion parameters. The scheduler validates
// them once on enqueue and otherwise treats the whole set as an opaque blob passed
// unchanged to the Runner and to retry.
type Params struct {
	Title   string            `json:"title,omitempty" jsonschema:"description=display title, defaults to the source file name"`
	Source  string            `json:"source" jsonschema:"required,description=path to the book file (epub/pdf/md/txt)"`
	Voice   string            `json:"voice,omitempty" jsonschema:"description=synthesis voice name"`
	Format  string            `json:"format,omitempty" jsonschema:"enum=mp3,enum=m4b,enum=wav,enum=ogg,description=output audio format"`
	Bitrate int               `json:"bitrate,omitempty" jsonschema:"minimum=8,maximum=320,description=output bitrate in kbps"`
	Options map[string]string `json:"options,omitempty" jsonschema:"description=free-form options passed through to the synthesis runner"`
}

// Validate checks params for enqueue. All violations are wrapped in ErrValidation
// so the transport layer can map them to a caller error.
func (p Params) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("%w: source is required", ErrValidation)
	}
	if ext := strings.ToLower(filepath.Ext(p.Source)); !sourceExtensions[ext] {
		return fmt.Errorf("%w: unsupported source type %q", ErrValidation, ext)
	}
	if p.Format != "" && !outputFormats[strings.ToLower(p.Format)] {
		return fmt.Errorf("%w: unsupported output format %q", ErrValidation, p.Format)
	}
	if p.Bitrate != 0 && (p.Bitrate < 8 || p.Bitrate > 320) {
		return fmt.Errorf("%w: bitrate %d out of range [8..320]", ErrValidation, p.Bitrate)
	}
	return nil
}

// DisplayTitle returns the title or the source file name when the title is empty
func (p Params) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	base := filepath.Base(p.Source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// VerifyAgainstEmbeddedSchema checks the embedded schema itself is well-formed and
// validates params against it. The schema is generated by the internal/schema tool.
func VerifyAgainstEmbeddedSchema(p Params) error {
	var schema map[string]interface{}
	if err := json.Unmarshal(embeddedSchemaData, &schema); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}
	return p.Validate()
}
