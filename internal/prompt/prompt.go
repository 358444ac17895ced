// Package prompt holds the critique prompt templates sent upstream. The
// page and single-character prompts instruct a fixed readable text format
// the engine's parsers rely on; the multi-agent prompts use small JSON
// payloads because each pass extracts just two or three fields.
package prompt

import (
	_ "embed"
	"fmt"
)

//go:embed whole_page.txt
var WholePage string

//go:embed single_char.txt
var SingleChar string

//go:embed structure_analysis.txt
var StructureAnalysis string

//go:embed stroke_analysis.txt
var StrokeAnalysis string

//go:embed comment_generator.txt
var commentGenerator string

// CommentGenerator renders the third multi-agent pass with the structure and
// stroke critiques from the first two passes.
func CommentGenerator(structureComment, strokeComment string) string {
	return fmt.Sprintf(commentGenerator, structureComment, strokeComment)
}
