// Package scripts locates sync SQL scripts, either as files under a base
// directory or from a remote script registry.
package scripts

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/plk-sync/hissync/pkg/errors"
)

// Extension is appended to script names given without it.
const Extension = ".sql"

var namePattern = regexp.MustCompile(`^\d+_sync_`)

// Script is a named SQL statement. Inactive scripts are not run.
type Script struct {
	Name   string
	SQL    string
	Active bool
}

// Normalize trims name, appends Extension when missing and checks the
// "<digits>_sync_" prefix.
func Normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New(errors.ErrorTypeValidation, "sync file name is required")
	}
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	if !namePattern.MatchString(name) {
		return "", errors.Newf(errors.ErrorTypeValidation, "sync file must start with '<number>_sync_': %s", name)
	}
	if name != filepath.Base(name) {
		return "", errors.Newf(errors.ErrorTypeValidation, "sync file must not contain a path: %s", name)
	}
	return name, nil
}

// Dir resolves scripts from files under a base directory.
type Dir struct {
	Base string
}

// Resolve reads the script called name. Local scripts are always active.
func (d Dir) Resolve(name string) (Script, error) {
	name, err := Normalize(name)
	if err != nil {
		return Script{}, err
	}

	path := filepath.Join(d.Base, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Script{}, errors.Newf(errors.ErrorTypeNotFound, "SQL file not found: %s", path)
		}
		return Script{}, errors.Wrap(err, errors.ErrorTypeFile, "read SQL file").WithDetail("path", path)
	}
	return Script{Name: name, SQL: string(data), Active: true}, nil
}
