package options

import "github.com/you-humble/alchemy/internal/domain"

var imageTasks = []any{"ocr", "caption", "detailed_caption", "object_detection", "table_extraction", "qa"}

func schemaFor(kind domain.Kind) map[string]any {
	props := map[string]any{
		domain.OptChunkSize:    map[string]any{"type": "integer", "minimum": MinChunkSize, "maximum": MaxChunkSize},
		domain.OptChunkOverlap: map[string]any{"type": "integer", "minimum": 0, "maximum": MaxChunkSize - 1},
	}

	switch kind {
	case domain.KindDocument:
		props["extract_tables"] = boolean()
		props["extract_images"] = boolean()
		props["output_format"] = map[string]any{"enum": []any{"markdown", "json", "chunks"}}
	case domain.KindImage:
		props["task"] = map[string]any{"enum": imageTasks}
		props["prompt"] = str()
	case domain.KindAudio:
		props["language"] = str()
		props["diarize"] = boolean()
	case domain.KindVideo:
		props["language"] = str()
		props["diarize"] = boolean()
		props["extract_frames"] = boolean()
	case domain.KindWeb:
		props["max_depth"] = map[string]any{"type": "integer", "minimum": 1, "maximum": 5}
		props["include_links"] = boolean()
		props["css_selector"] = str()
		props["extraction_schema"] = map[string]any{"type": "object"}
		props["headers"] = map[string]any{
			"type":                 "object",
			"additionalProperties": str(),
		}
	}

	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

func boolean() map[string]any { return map[string]any{"type": "boolean"} }

func str() map[string]any { return map[string]any{"type": "string"} }
