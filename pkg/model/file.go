package model

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/design"
)

// File is the YAML form of a set of model declarations:
//
//	type_key: type
//	models:
//	  - name: Company
//	    database: shop
//	    proxies:
//	      - model: Invoice
//	        method: field:db_name
//	  - name: Invoice
//	    proxied_by: {model: Company}
//	    designs:
//	      - views:
//	          by_number: {fields: [number]}
//	          paid: {map: "function(doc) { ... }", reduce: _count}
type File struct {
	TypeKey string      `yaml:"type_key,omitempty"`
	Models  []fileModel `yaml:"models"`
}

type fileModel struct {
	Name      string          `yaml:"name"`
	Database  string          `yaml:"database,omitempty"`
	ProxiedBy *OwnerRelation  `yaml:"proxied_by,omitempty"`
	Proxies   []ProxyRelation `yaml:"proxies,omitempty"`
	NoAllView bool            `yaml:"no_all_view,omitempty"`
	Designs   []fileDesign    `yaml:"designs,omitempty"`
}

type fileDesign struct {
	Name              string              `yaml:"name,omitempty"`
	Language          string              `yaml:"language,omitempty"`
	Views             map[string]fileView `yaml:"views"`
	Filters           map[string]string   `yaml:"filters,omitempty"`
	ValidateDocUpdate string              `yaml:"validate_doc_update,omitempty"`
	Options           map[string]any      `yaml:"options,omitempty"`
	AutoUpdate        *bool               `yaml:"auto_update,omitempty"`
}

// fileView is a view given either as map/reduce source or as the fields
// of a generated by-fields view.
type fileView struct {
	Map     string         `yaml:"map,omitempty"`
	Reduce  string         `yaml:"reduce,omitempty"`
	Fields  []string       `yaml:"fields,omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Decode reads model declarations from r into a new registry. Resolvers
// other than the built-in field: and prefix: forms must be registered on the
// returned registry before validation.
func Decode(r io.Reader) (*Registry, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	typeKey := f.TypeKey
	if typeKey == "" {
		typeKey = constants.DefaultTypeKey
	}
	reg := NewRegistry(WithTypeKey(typeKey))
	for _, fm := range f.Models {
		m := &Model{
			Name:      fm.Name,
			Database:  fm.Database,
			ProxiedBy: fm.ProxiedBy,
			Proxies:   fm.Proxies,
			NoAllView: fm.NoAllView,
		}
		for _, fd := range fm.Designs {
			decl := design.Declaration{
				Name:              fd.Name,
				Language:          fd.Language,
				Filters:           fd.Filters,
				ValidateDocUpdate: fd.ValidateDocUpdate,
				Options:           fd.Options,
				AutoUpdate:        fd.AutoUpdate,
				Views:             make(map[string]design.View, len(fd.Views)),
			}
			for name, fv := range fd.Views {
				v := design.View{Map: fv.Map, Reduce: fv.Reduce, Options: fv.Options}
				if v.Map == "" && len(fv.Fields) > 0 {
					v = design.ByFields(typeKey, fm.Name, fv.Fields...)
					v.Options = fv.Options
					if fv.Reduce != "" {
						v.Reduce = fv.Reduce
					}
				}
				decl.Views[name] = v
			}
			m.Designs = append(m.Designs, decl)
		}
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadFile reads model declarations from the YAML file at path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open models %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
