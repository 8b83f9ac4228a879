package tools

import "github.com/jkaninda/sanduku/internal/llm"

// Definitions returns the fixed five-tool schema sent to the model.
// workspace is interpolated into the descriptions so the model writes files
// where the sandbox expects them.
func Definitions(workspace string) []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name: ToolCreateFile,
			Description: `Create or overwrite a file in the project workspace.

Use this to:
- Create new Python files, modules, or scripts
- Save data files (JSON, CSV, TXT)
- Build multi-file projects with proper structure

The workspace is persistent across the conversation. Files you create remain available for import and execution.

Best practices:
- Use ` + workspace + `/ as the base directory (e.g., ` + workspace + `/main.py)
- Organize code into modules (e.g., ` + workspace + `/utils.py, ` + workspace + `/models.py)
- Create proper Python packages with __init__.py files`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path starting with " + workspace + "/ (e.g., " + workspace + "/utils.py)",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Complete file content",
					},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name: ToolReadFile,
			Description: `Read the contents of a file from the project workspace.

Use this to:
- Review code you've written
- Check file contents before editing
- Debug by examining current state`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path to read (e.g., " + workspace + "/utils.py)",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name: ToolListFiles,
			Description: `List all files in the project workspace.

Use this to:
- See what files exist in the project
- Check project structure
- Find files before editing`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"directory": map[string]any{
						"type":        "string",
						"description": "Directory to list (default: " + workspace + ")",
					},
				},
			},
		},
		{
			Name: ToolExecutePython,
			Description: `Execute Python code or run a file in the project workspace.

The workspace is persistent - you can:
- Import from files you've created
- Build on previous executions
- Test multi-file projects

Supports:
- Direct code execution (for quick tests)
- File execution (for running complete programs)
- pip install for packages

Limitations:
- No GUI applications
- Files outside ` + workspace + ` are not accessible`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "Python code to execute directly (optional if file_path provided)",
					},
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to Python file to execute (optional if code provided). Relative to " + workspace + " (e.g., 'main.py' or '" + workspace + "/main.py')",
					},
				},
			},
		},
		{
			Name: ToolSaveFile,
			Description: `Save a file from the sandbox to persistent storage.

Use this to preserve important files that should outlive the current session:
- Project files (main.py, utils.py, models.py, config.json)
- Multi-file applications with proper structure
- Deliverables (analysis results, generated reports, data outputs)

Do NOT use for:
- Temporary calculations or quick tests
- Debug code that won't be reused
- Intermediate steps in data processing

The file must already exist in the sandbox (created with create_file or execute_python).
Files are saved with their directory structure preserved (e.g., 'project/utils.py' maintains hierarchy).

Saved files will:
- Persist even if the sandbox expires
- Be available for download by the user
- Can be updated by saving again with same filepath`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"filepath": map[string]any{
						"type":        "string",
						"description": "Path of file in sandbox to save (e.g., 'calculator/main.py' or '" + workspace + "/main.py'). Can be relative or absolute.",
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Optional description of what this file does or why it's important",
					},
				},
				"required": []string{"filepath"},
			},
		},
	}
}
