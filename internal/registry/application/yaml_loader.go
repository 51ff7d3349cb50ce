package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	stdpath "path"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/zjrosen/batchflow/internal/registry/domain"
)

// BuiltinRoot is the directory inside the built-in FS holding template files.
const BuiltinRoot = "workflows"

// TemplateFile is the root structure of a template YAML file.
type TemplateFile struct {
	Templates []domain.TemplateDef `yaml:"templates"`
}

// ParseTemplateFile decodes a template YAML document. Unknown fields are
// rejected so typos in step definitions surface at load time.
func ParseTemplateFile(data []byte) ([]domain.TemplateDef, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file TemplateFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return file.Templates, nil
}

// MarshalTemplateFile encodes definitions as a template YAML document.
func MarshalTemplateFile(defs []domain.TemplateDef) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(TemplateFile{Templates: defs}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsTemplateFile reports whether name has a template file extension.
func IsTemplateFile(name string) bool {
	ext := strings.ToLower(stdpath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDefsFromFS reads every template file under root, in lexical order.
// It stops at the first unreadable or malformed file.
func LoadDefsFromFS(fsys fs.FS, root string) ([]domain.TemplateDef, error) {
	var defs []domain.TemplateDef

	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsTemplateFile(d.Name()) {
			return nil
		}

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		fileDefs, err := ParseTemplateFile(content)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		defs = append(defs, fileDefs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan templates: %w", err)
	}
	return defs, nil
}

// LoadBuiltinTemplates builds the built-in templates found under
// BuiltinRoot. Built-in definitions must not declare an owner.
func LoadBuiltinTemplates(fsys fs.FS, catalog *domain.Catalog) ([]*domain.Template, error) {
	defs, err := LoadDefsFromFS(fsys, BuiltinRoot)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no templates found in %s/*.yaml", BuiltinRoot)
	}

	templates := make([]*domain.Template, 0, len(defs))
	for _, def := range defs {
		if def.Owner != "" {
			return nil, fmt.Errorf("built-in template %s: %w: owner must be empty", def.Key, domain.ErrInvalidTemplate)
		}
		t, err := domain.FromDef(def, catalog)
		if err != nil {
			return nil, fmt.Errorf("built-in template %s: %w", def.Key, err)
		}
		templates = append(templates, t)
	}
	return templates, nil
}
