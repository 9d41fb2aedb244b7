// Package buildconfig decodes and validates the YAML build specification
// read from stdin (or a file), the single external input of the ocibuild
// CLI. Grounded on the teacher's manifest decoding idiom (yaml.v3 struct
// tags, gopkg.in/yaml.v3) plus xeipuuv/gojsonschema for up-front schema
// validation, the pack's idiomatic answer to "reject malformed config
// before any blob is written" (spec.md §7, Configuration error kind).
package buildconfig

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ParentRef identifies the parent image an ImageSpec builds on top of.
type ParentRef struct {
	// Image is an OCI-layout directory on disk.
	Image string `yaml:"image"`
	// Index selects a manifest within Image's index.json; defaults to 0.
	Index int `yaml:"index,omitempty"`
}

// ImageSpec describes one image to build, matching spec.md §6's ImageSpec
// key set.
type ImageSpec struct {
	// Name is an optional label for logs and error messages; never written
	// to any blob.
	Name string `yaml:"name,omitempty"`
	// Architecture and OS populate the image config's platform fields and
	// index.json's per-manifest platform descriptor.
	Architecture string `yaml:"architecture"`
	OS           string `yaml:"os"`
	Variant      string `yaml:"variant,omitempty"`
	// Author and Comment are recorded on the history entry this build
	// appends (after any entries inherited from Parent); Author is also the
	// image config's top-level author.
	Author  string `yaml:"author,omitempty"`
	Comment string `yaml:"comment,omitempty"`
	// Layer is the filesystem directory scanned for this image's content.
	// Omitted (or empty) means the image has no layer of its own content:
	// a from-scratch image with no Parent builds empty, and an image with
	// a Parent simply carries the parent's layers forward unchanged.
	Layer string `yaml:"layer,omitempty"`
	// Parent is optional; omitted for a from-scratch image.
	Parent *ParentRef `yaml:"parent,omitempty"`
	// Config is decoded into the image config's typed "config" object
	// (imgspecv1.ImageConfig). Keys that are not fields of that type are
	// dropped and do not appear in the image config.
	Config map[string]interface{} `yaml:"config,omitempty"`
	// Annotations are attached to this image's manifest blob.
	Annotations map[string]string `yaml:"annotations,omitempty"`
	// IndexAnnotations are attached to this image's descriptor entry inside
	// index.json, distinct from Annotations (which land on the manifest
	// blob itself).
	IndexAnnotations map[string]string `yaml:"index-annotations,omitempty"`
}

// BuildConfig is the top-level YAML document ocibuild reads from stdin.
type BuildConfig struct {
	// Compression selects gzip, zstd, or disabled; defaults to gzip.
	Compression string `yaml:"compression,omitempty"`
	// CompressionLevel defaults per compressor.DefaultLevel when zero.
	CompressionLevel int `yaml:"compression-level,omitempty"`
	// SkipXattrs suppresses xattr emission across every layer.
	SkipXattrs bool `yaml:"skip-xattrs,omitempty"`
	// PrefetchLimitMB is decoded and checked to be non-negative, but nothing
	// reads it: fsscan.Scan walks sequentially with no read-ahead, and this
	// value does not bound the memory a scan uses.
	PrefetchLimitMB int `yaml:"prefetch-limit-mb,omitempty"`
	// Annotations land on index.json itself (not on any one manifest).
	Annotations map[string]string `yaml:"annotations,omitempty"`
	// Workers bounds concurrent image builds; the CLI's -j/--workers flag
	// takes precedence when given. Defaults to GOMAXPROCS.
	Workers int `yaml:"workers,omitempty"`
	// OutputDir is the OCI layout directory to populate; defaults to the
	// current working directory per spec.md §6.
	OutputDir string `yaml:"output,omitempty"`
	// Images is the ordered list of images to build; order is preserved in
	// the final index.json regardless of build completion order.
	Images []ImageSpec `yaml:"images"`
}

const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["images"],
  "properties": {
    "compression": {"type": "string", "enum": ["gzip", "zstd", "disabled"]},
    "compression-level": {"type": "integer"},
    "skip-xattrs": {"type": "boolean"},
    "prefetch-limit-mb": {"type": "integer", "minimum": 0},
    "annotations": {"type": "object"},
    "workers": {"type": "integer", "minimum": 0},
    "output": {"type": "string"},
    "images": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["architecture", "os"],
        "properties": {
          "name": {"type": "string"},
          "architecture": {"type": "string", "minLength": 1},
          "os": {"type": "string", "minLength": 1},
          "variant": {"type": "string"},
          "author": {"type": "string"},
          "comment": {"type": "string"},
          "layer": {"type": "string"},
          "parent": {
            "type": "object",
            "required": ["image"],
            "properties": {
              "image": {"type": "string", "minLength": 1},
              "index": {"type": "integer", "minimum": 0}
            }
          },
          "config": {"type": "object"},
          "annotations": {"type": "object"},
          "index-annotations": {"type": "object"}
        }
      }
    }
  }
}`

// Load decodes and validates a BuildConfig from r. Validation runs against
// the raw decoded document so schema errors reference the author's field
// names, not Go struct names.
func Load(r io.Reader) (*BuildConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading build config")
	}

	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "parsing build config YAML")
	}

	if err := validate(generic); err != nil {
		return nil, err
	}

	var cfg BuildConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding build config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *BuildConfig) applyDefaults() {
	if c.Compression == "" {
		c.Compression = "gzip"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

func validate(doc interface{}) error {
	converted := convertMapKeys(doc)

	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewGoLoader(converted)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return errors.Wrap(err, "validating build config against schema")
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.Errorf("build config is invalid: %s", joinErrors(msgs))
	}
	return nil
}

func joinErrors(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

// convertMapKeys recursively converts map[interface{}]interface{} (yaml.v3's
// decode shape for untyped maps) into map[string]interface{}, which
// gojsonschema requires.
func convertMapKeys(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = convertMapKeys(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[toString(k)] = convertMapKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = convertMapKeys(val)
		}
		return out
	default:
		return v
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
