package tools

import "strings"

// fileTypeByExt maps filename extensions to coarse type tags used when
// persisting sandbox files.
var fileTypeByExt = map[string]string{
	"py":   "python",
	"js":   "javascript",
	"ts":   "typescript",
	"jsx":  "javascript",
	"tsx":  "typescript",
	"html": "html",
	"css":  "css",
	"json": "json",
	"md":   "markdown",
	"txt":  "text",
	"csv":  "csv",
	"xml":  "xml",
	"yaml": "yaml",
	"yml":  "yaml",
	"sh":   "bash",
	"sql":  "sql",
	"env":  "text",
}

// DetectFileType returns the type tag for a filename, "text" when unknown.
func DetectFileType(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return "text"
	}
	ext := strings.ToLower(filename[idx+1:])
	if t, ok := fileTypeByExt[ext]; ok {
		return t
	}
	return "text"
}
