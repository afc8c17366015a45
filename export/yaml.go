// Package export serializes workflow schemas for humans and external
// tooling.
package export

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fuseline/fuseline/workflow"
)

// YAMLExporter writes a WorkflowSchema as a shallow YAML mapping with
// steps, outputs and policies sections. The export is descriptive:
// reconstruction goes through the schema plus locally supplied step
// implementations, not through this file.
type YAMLExporter struct{}

// Export writes the schema to w.
func (YAMLExporter) Export(schema *workflow.WorkflowSchema, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(schema); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return enc.Close()
}

// ExportFile writes the schema to the file at path, truncating any
// existing content.
func (e YAMLExporter) ExportFile(schema *workflow.WorkflowSchema, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := e.Export(schema, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ExportWorkflow derives the schema from wf and writes it to w.
func (e YAMLExporter) ExportWorkflow(wf *workflow.Workflow, w io.Writer) error {
	return e.Export(wf.ToSchema(), w)
}
