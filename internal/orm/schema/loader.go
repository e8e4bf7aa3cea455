package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// declarationFile is the on-disk layout of a YAML entity declaration file
type declarationFile struct {
	Entities []entityDecl `yaml:"entities" json:"entities"`
}

type entityDecl struct {
	Name          string         `yaml:"name" json:"name"`
	Table         string         `yaml:"table,omitempty" json:"table,omitempty"`
	Documentation string         `yaml:"doc,omitempty" json:"doc,omitempty"`
	PrimaryKey    string         `yaml:"primary_key" json:"primary_key"`
	PKStrategy    string         `yaml:"pk_strategy,omitempty" json:"pk_strategy,omitempty"`
	Version       string         `yaml:"version,omitempty" json:"version,omitempty"`
	Fields        []fieldDecl    `yaml:"fields" json:"fields"`
	Relations     []relationDecl `yaml:"relations,omitempty" json:"relations,omitempty"`
}

type fieldDecl struct {
	Name     string      `yaml:"name" json:"name"`
	Type     string      `yaml:"type" json:"type"`
	Column   string      `yaml:"column,omitempty" json:"column,omitempty"`
	Nullable bool        `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Length   int         `yaml:"length,omitempty" json:"length,omitempty"`
	Default  interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

type relationDecl struct {
	Name       string   `yaml:"name" json:"name"`
	Kind       string   `yaml:"kind" json:"kind"`
	Target     string   `yaml:"target" json:"target"`
	Owner      *bool    `yaml:"owner,omitempty" json:"owner,omitempty"`
	Inverse    string   `yaml:"inverse,omitempty" json:"inverse,omitempty"`
	MappedBy   string   `yaml:"mapped_by,omitempty" json:"mapped_by,omitempty"`
	Nullable   bool     `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Cascade    []string `yaml:"cascade,omitempty" json:"cascade,omitempty"`
	ForeignKey string   `yaml:"foreign_key,omitempty" json:"foreign_key,omitempty"`
	JoinTable  string   `yaml:"join_table,omitempty" json:"join_table,omitempty"`
	JoinColumn string   `yaml:"join_column,omitempty" json:"join_column,omitempty"`
	InverseCol string   `yaml:"inverse_join_column,omitempty" json:"inverse_join_column,omitempty"`
	Ordered    bool     `yaml:"ordered,omitempty" json:"ordered,omitempty"`
}

// LoadResult is the outcome of reading declaration directories
type LoadResult struct {
	Schemas     []*EntitySchema
	Files       []string
	Fingerprint string
}

// Fingerprint returns the content fingerprint of the declarations in dirs
// without building schemas. It is the metadata cache key.
func Fingerprint(dirs ...string) (string, []string, error) {
	decls, files, err := readDeclarations(dirs)
	if err != nil {
		return "", nil, err
	}
	fp, err := fingerprint(decls)
	if err != nil {
		return "", nil, err
	}
	return fp, files, nil
}

// LoadDir reads every *.yml and *.yaml file in dirs and builds entity schemas.
// The schemas are not registered.
func LoadDir(dirs ...string) (*LoadResult, error) {
	decls, files, err := readDeclarations(dirs)
	if err != nil {
		return nil, err
	}
	if len(decls) == 0 {
		return nil, fmt.Errorf("no entities found in %s", strings.Join(dirs, ", "))
	}

	fp, err := fingerprint(decls)
	if err != nil {
		return nil, err
	}

	result := &LoadResult{Files: files, Fingerprint: fp}
	for _, d := range decls {
		s, err := d.build()
		if err != nil {
			return nil, err
		}
		result.Schemas = append(result.Schemas, s)
	}
	return result, nil
}

// ParseDeclarations builds schemas from a single YAML document
func ParseDeclarations(data []byte) ([]*EntitySchema, error) {
	var file declarationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entity declarations: %w", err)
	}
	out := make([]*EntitySchema, 0, len(file.Entities))
	for _, d := range file.Entities {
		s, err := d.build()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func readDeclarations(dirs []string) ([]entityDecl, []string, error) {
	var files []string
	for _, dir := range dirs {
		for _, pattern := range []string{"*.yml", "*.yaml"} {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid entities dir %s: %w", dir, err)
			}
			files = append(files, matches...)
		}
		if _, err := os.Stat(dir); err != nil {
			return nil, nil, fmt.Errorf("entities dir %s: %w", dir, err)
		}
	}
	sort.Strings(files)

	var decls []entityDecl
	seen := make(map[string]string)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		var file declarationFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, d := range file.Entities {
			if prev, dup := seen[d.Name]; dup {
				return nil, nil, fmt.Errorf("entity %s declared in both %s and %s", d.Name, prev, path)
			}
			seen[d.Name] = path
			decls = append(decls, d)
		}
	}

	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls, files, nil
}

// fingerprint hashes the normalized declarations, so formatting and file
// layout changes do not invalidate cached metadata.
func fingerprint(decls []entityDecl) (string, error) {
	data, err := json.Marshal(decls)
	if err != nil {
		return "", fmt.Errorf("failed to encode declarations: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (d entityDecl) build() (*EntitySchema, error) {
	if d.Name == "" {
		return nil, &ValidationError{Message: "entity declaration without a name"}
	}

	strategy, err := ParsePKStrategy(d.PKStrategy)
	if err != nil {
		return nil, &ValidationError{Entity: d.Name, Message: err.Error()}
	}

	s := NewEntitySchema(d.Name)
	s.TableName = d.Table
	s.Documentation = d.Documentation
	s.PrimaryKey = d.PrimaryKey
	s.PKStrategy = strategy
	s.VersionField = d.Version

	for _, fd := range d.Fields {
		t, err := ParseFieldType(fd.Type)
		if err != nil {
			return nil, &ValidationError{Entity: d.Name, Field: fd.Name, Message: err.Error()}
		}
		s.AddField(&Field{
			Name:     fd.Name,
			Column:   fd.Column,
			Type:     t,
			Nullable: fd.Nullable,
			Length:   fd.Length,
			Default:  fd.Default,
		})
	}

	for _, rd := range d.Relations {
		kind, err := ParseRelationKind(rd.Kind)
		if err != nil {
			return nil, &ValidationError{Entity: d.Name, Field: rd.Name, Message: err.Error()}
		}
		var cascade []CascadeAction
		for _, c := range rd.Cascade {
			if c == "all" {
				cascade = append(cascade, CascadePersist, CascadeRemove)
				continue
			}
			a, err := ParseCascadeAction(c)
			if err != nil {
				return nil, &ValidationError{Entity: d.Name, Field: rd.Name, Message: err.Error()}
			}
			cascade = append(cascade, a)
		}

		r := &Relation{
			Name:         rd.Name,
			Kind:         kind,
			Target:       rd.Target,
			InverseField: rd.Inverse,
			MappedBy:     rd.MappedBy,
			Nullable:     rd.Nullable,
			Cascade:      NewCascadeSet(cascade...),
			ForeignKey:   rd.ForeignKey,
			Ordered:      rd.Ordered,
		}
		switch kind {
		case ToOne:
			r.Owner = true
		case ManyToMany:
			// The side without mapped_by owns the join table unless told otherwise.
			r.Owner = rd.MappedBy == ""
			if rd.Owner != nil {
				r.Owner = *rd.Owner
			}
			if rd.JoinTable != "" || rd.JoinColumn != "" || rd.InverseCol != "" {
				r.JoinTable = &JoinTable{Name: rd.JoinTable, OwnerColumn: rd.JoinColumn, InverseColumn: rd.InverseCol}
			}
		}
		s.AddRelation(r)
	}

	return s, nil
}
