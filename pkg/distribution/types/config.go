package types

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/types"
)

const (
	// MediaTypeModelConfigV01 is the media type for the model config json.
	MediaTypeModelConfigV01 = types.MediaType("application/vnd.docker.ai.model.config.v0.1+json")

	// MediaTypeGGUF indicates a file in GGUF version 3 format, containing a tensor model.
	MediaTypeGGUF = types.MediaType("application/vnd.docker.ai.gguf.v3")

	// MediaTypeSafetensors indicates a file in safetensors format, containing model weights.
	MediaTypeSafetensors = types.MediaType("application/vnd.docker.ai.safetensors")

	// MediaTypeDirTar indicates a tar archive containing a directory with its structure preserved.
	MediaTypeDirTar = types.MediaType("application/vnd.docker.ai.dir.tar")

	// MediaTypeLicense indicates a plain text file containing a license
	MediaTypeLicense = types.MediaType("application/vnd.docker.ai.license")

	// MediaTypeMultimodalProjector indicates a Multimodal projector file
	MediaTypeMultimodalProjector = types.MediaType("application/vnd.docker.ai.mmproj")

	// MediaTypeChatTemplate indicates a Jinja chat template
	MediaTypeChatTemplate = types.MediaType("application/vnd.docker.ai.chat.template.jinja")

	// ollamaPrefix is the media type prefix reserved for layers known to Ollama registries.
	ollamaPrefix = "application/vnd.ollama.image."

	MediaTypeOllamaModel     = types.MediaType(ollamaPrefix + "model")
	MediaTypeOllamaProjector = types.MediaType(ollamaPrefix + "projector")
	MediaTypeOllamaTemplate  = types.MediaType(ollamaPrefix + "template")
	MediaTypeOllamaParams    = types.MediaType(ollamaPrefix + "params")
	MediaTypeOllamaSystem    = types.MediaType(ollamaPrefix + "system")
	MediaTypeOllamaLicense   = types.MediaType(ollamaPrefix + "license")
)

// defaultFileNames maps model layer media types to the file name a layer
// occupies when no explicit name is available.
var defaultFileNames = map[types.MediaType]string{
	MediaTypeGGUF:                "model.gguf",
	MediaTypeSafetensors:         "model.safetensors",
	MediaTypeDirTar:              "model.tar",
	MediaTypeLicense:             "LICENSE",
	MediaTypeMultimodalProjector: "mmproj.gguf",
	MediaTypeChatTemplate:        "template.jinja",
	MediaTypeOllamaModel:         "model.gguf",
	MediaTypeOllamaProjector:     "mmproj.gguf",
	MediaTypeOllamaTemplate:      "template",
	MediaTypeOllamaParams:        "params",
	MediaTypeOllamaSystem:        "system",
	MediaTypeOllamaLicense:       "license",
}

// DefaultFileName returns the relative path used for a layer of the given
// media type, and false when the media type is not a known model layer.
// Media type parameters (";name=...") are ignored.
func DefaultFileName(mt types.MediaType) (string, bool) {
	base, _, _ := strings.Cut(string(mt), ";")
	name, ok := defaultFileNames[types.MediaType(strings.TrimSpace(base))]
	return name, ok
}

// IsModelLayer reports whether a layer of this media type carries model content.
func IsModelLayer(mt types.MediaType) bool {
	_, ok := DefaultFileName(mt)
	return ok
}

// IsWeights reports whether the media type denotes primary model weights
// rather than a side file such as a license or template.
func IsWeights(mt types.MediaType) bool {
	base, _, _ := strings.Cut(string(mt), ";")
	switch types.MediaType(strings.TrimSpace(base)) {
	case MediaTypeGGUF, MediaTypeSafetensors, MediaTypeDirTar, MediaTypeOllamaModel:
		return true
	}
	return false
}
