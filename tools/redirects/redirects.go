package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/mod/modfile"
)

// redirectTableSection is the ELF section that the rt0 code reads the
// redirect table from.
const redirectTableSection = ".goredirectstbl"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared by the go.mod file in root.
func modulePath(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", errors.Wrap(err, "reading module definition")
	}

	path := modfile.ModulePath(data)
	if path == "" {
		return "", errors.Errorf("%s: missing module directive", filepath.Join(root, "go.mod"))
	}

	return path, nil
}

// collectGoFiles returns the non-test go files below dir.
func collectGoFiles(dir string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", dir)
	}

	return goFiles, nil
}

// findRedirects parses goFiles and returns one redirect for each function
// annotated with a go:redirect-from directive. Files are resolved relative to
// root, the folder that holds the go.mod file.
func findRedirects(root string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	prefix, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		pkgDir, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.Contains(comment.Text, "go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s", prefix, filepath.ToSlash(pkgDir), fnDecl.Name)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, errors.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, errors.Wrap(err, imgFile)
	}
	defer f.Close()

	redirectsSection := f.Section(redirectTableSection)
	if redirectsSection == nil {
		return 0, errors.Errorf("%s: missing %s section", imgFile, redirectTableSection)
	}

	return redirectsSection.Offset, nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, os.ModeType)
	if err != nil {
		return errors.Wrap(err, imgFile)
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return errors.Wrap(err, imgFile)
	}

	for _, redirect := range redirects {
		if err = binary.Write(f, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return errors.Wrapf(err, "%s: writing redirect for %q", imgFile, redirect.src)
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return errors.Wrap(err, imgFile)
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return errors.Wrap(err, imgFile)
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return errors.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return errors.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}
