// Package jobscript renders the per-job queue submission scripts. A script is
// a deterministic function of the job's descriptor plus the queue
// configuration, generated at remote submission time and excluded from the
// result artifact.
package jobscript

import (
	"fmt"
	"os"
	"strings"
	"text/template"
)

// Params fills the submission template for one job.
type Params struct {
	JobName    string
	WorkDir    string
	Executable string
	WallTime   string
}

// JobName derives the queue-visible name for a job: the run name plus the job
// index. All of a run's jobs share the run-name prefix, which is what the
// queue queries filter on.
func JobName(runName string, index int) string {
	return fmt.Sprintf("%s.%d", runName, index)
}

// Render executes the template text with p.
func Render(templateText string, p Params) (string, error) {
	tmpl, err := template.New("jobscript").Option("missingkey=error").Parse(templateText)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, p); err != nil {
		return "", fmt.Errorf("render %s: %w", p.JobName, err)
	}
	return b.String(), nil
}

// RenderFile renders templatePath into outPath, executable.
func RenderFile(templatePath, outPath string, p Params) error {
	text, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	out, err := Render(string(text), p)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte(out), 0o755)
}
