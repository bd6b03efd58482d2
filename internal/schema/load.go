package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// Load reads a schema from path. A directory or a .cue file is loaded as
// a CUE package; .yaml and .yml files are read as YAML.
func Load(path string) (*Schema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("schema not found: %v", err)}
	}
	if info.IsDir() {
		return LoadCUE(path)
	}
	switch filepath.Ext(path) {
	case ".cue":
		return LoadCUE(path)
	case ".yaml", ".yml":
		return LoadYAML(path)
	}
	return nil, &Error{Message: fmt.Sprintf("unsupported schema file %s", path)}
}

// LoadYAML reads and builds a YAML schema document.
func LoadYAML(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("reading schema: %v", err)}
	}
	return ParseYAML(data)
}

// ParseYAML builds a schema from YAML bytes. Unknown keys are rejected.
func ParseYAML(data []byte) (*Schema, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decoding yaml: %v", err)}
	}
	return Build(&doc)
}

// LoadCUE loads a CUE package (a directory, or the package holding a
// single .cue file), decodes it as a schema document and builds it.
// Schema errors carry the CUE position of the offending value.
func LoadCUE(path string) (*Schema, error) {
	dir, arg := path, "."
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir, arg = filepath.Dir(path), "./"+filepath.Base(path)
	}
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("scanning %s: %v", dir, err)}
	}
	if len(files) == 0 {
		return nil, &Error{Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{arg}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &Error{Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &Error{Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, &Error{Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return BuildCUE(v)
}

// BuildCUE decodes an evaluated CUE value into a schema.
func BuildCUE(v cue.Value) (*Schema, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Message: fmt.Sprintf("schema is not concrete: %v", err), Pos: v.Pos()}
	}
	var doc Document
	if err := v.Decode(&doc); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decoding CUE: %v", err), Pos: v.Pos()}
	}
	s, err := Build(&doc)
	if err != nil {
		for _, se := range Errors(err) {
			locate(v, se)
		}
		return nil, err
	}
	return s, nil
}

// locate attaches the position of the deepest existing value on e's path.
func locate(root cue.Value, e *Error) {
	if e.Pos.IsValid() || e.Path == "" {
		return
	}
	p := cue.ParsePath(e.Path)
	if p.Err() != nil {
		return
	}
	sels := p.Selectors()
	for n := len(sels); n > 0; n-- {
		if lv := root.LookupPath(cue.MakePath(sels[:n]...)); lv.Exists() {
			e.Pos = lv.Pos()
			return
		}
	}
}

// FindCUEFiles walks dir and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
