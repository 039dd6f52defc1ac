package subprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Attachment is a single file to materialize to disk before a prompt
// references it by path.
type Attachment struct {
	Name    string
	Content []byte
}

// MaterializeAttachments writes each attachment to its own file under
// dir, returning the written paths in order and a cleanup func that
// removes them all. Cleanup is owned by the caller of the invocation and
// must run on both the success and error path.
func MaterializeAttachments(dir string, atts []Attachment) ([]string, func(), error) {
	if len(atts) == 0 {
		return nil, func() {}, nil
	}

	paths := make([]string, 0, len(atts))
	cleanup := func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}

	for _, a := range atts {
		name := fmt.Sprintf("%s-%s", uuid.New().String(), sanitizeName(a.Name))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, a.Content, 0o600); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("materialize attachment %q: %w", a.Name, err)
		}
		paths = append(paths, path)
	}

	return paths, cleanup, nil
}

// appendAttachmentRefs adds a trailing block to prompt pointing the
// assistant at each materialized attachment file by path.
func appendAttachmentRefs(prompt string, paths []string) string {
	if len(paths) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached files:")
	for _, p := range paths {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}

func sanitizeName(name string) string {
	if name == "" {
		return "attachment"
	}
	return filepath.Base(name)
}
