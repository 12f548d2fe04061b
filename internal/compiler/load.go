package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/docmap/internal/model"
)

// LoadModel reads a model from a single .cue file or from every .cue file
// in a directory (one CUE package).
func LoadModel(path string) (*model.Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	}

	ctx := cuecontext.New()
	var value cue.Value

	if info.IsDir() {
		files, err := FindCUEFiles(path)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no CUE files found in %s", path)
		}

		// Files are compiled one by one and unified so no module root is needed.
		for _, f := range files {
			src, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read model: %w", err)
			}
			fv := ctx.CompileBytes(src, cue.Filename(f))
			if err := fv.Err(); err != nil {
				return nil, formatCUEError(err)
			}
			if value.Exists() {
				value = value.Unify(fv)
			} else {
				value = fv
			}
		}
	} else {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
		value = ctx.CompileBytes(src, cue.Filename(path))
	}

	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileModel(value)
}

// FindCUEFiles walks the directory and returns all .cue file paths.
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
