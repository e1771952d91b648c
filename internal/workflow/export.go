package workflow

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
)

// exportTask materializes a task result at the rendered export path in the
// configured format.
func (r *Runner) exportTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task, result output.Container) error {
	path, err := ec.Renderer.Render(task.Export.Path)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err, "failed to render export path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to create export directory")
	}

	table := exportTable(result)
	switch task.Export.Format {
	case config.ExportSQL:
		if table == nil || table.Reference == nil {
			return errs.Validation("task %q export format sql requires a query-backed table result", task.Name)
		}
		if err := os.WriteFile(path, []byte(table.Reference.SQL), 0o644); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to write export")
		}
	case config.ExportCSV:
		if table == nil {
			return errs.Validation("task %q export format csv requires a table result", task.Name)
		}
		if err := exportCSV(path, table); err != nil {
			return err
		}
	case config.ExportJSON:
		if err := exportJSON(path, table, result); err != nil {
			return err
		}
	case config.ExportTXT:
		if err := os.WriteFile(path, []byte(result.String()), 0o644); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to write export")
		}
	case config.ExportDOCX:
		if err := exportDOCX(path, result.String()); err != nil {
			return err
		}
	default:
		return errs.Validation("task %q has unknown export format %q", task.Name, task.Export.Format)
	}

	return ec.WriteMessage(ctx, fmt.Sprintf("exported %s to %s", task.Name, path))
}

// exportTable extracts the first table from a result, if any.
func exportTable(result output.Container) *output.Table {
	tables := result.Tables()
	if len(tables) == 0 {
		return nil
	}
	return tables[0]
}

func exportCSV(path string, table *output.Table) error {
	rows, _, err := table.To2DArray()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to create export")
	}
	defer f.Close()
	w := csv.NewWriter(f)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to write csv")
		}
	}
	w.Flush()
	return w.Error()
}

func exportJSON(path string, table *output.Table, result output.Container) error {
	var value any
	if table != nil {
		exported, err := table.ToJSON()
		if err != nil {
			return err
		}
		value = exported
	} else {
		value = map[string]any{"type": "text", "content": result.String()}
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to encode export")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to write export")
	}
	return nil
}

// exportDOCX writes a minimal WordprocessingML package: one document part,
// one paragraph per line.
func exportDOCX(path, content string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to create export")
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	contentTypes := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`
	rels := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		var escaped strings.Builder
		if err := xml.EscapeText(&escaped, []byte(line)); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to escape docx text")
		}
		body.WriteString("<w:p><w:r><w:t xml:space=\"preserve\">")
		body.WriteString(escaped.String())
		body.WriteString("</w:t></w:r></w:p>")
	}
	document := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body.String() + `</w:body></w:document>`

	for name, data := range map[string]string{
		"[Content_Types].xml": contentTypes,
		"_rels/.rels":         rels,
		"word/document.xml":   document,
	} {
		w, err := zw.Create(name)
		if err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to write docx entry")
		}
		if _, err := w.Write([]byte(data)); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to write docx entry")
		}
	}
	return nil
}
