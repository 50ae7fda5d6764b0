package main

import (
	"bufio"
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

const (
	// tableSymbol is the unqualified name of the table in the goruntime
	// package.
	tableSymbol = "kernel/goruntime.redirectTable"

	// tableMagic fills the first entry of an unpopulated table.
	tableMagic = uint64(0x7269646572746f67)

	// defaultTableCapacity is used when the image does not record symbol
	// sizes (PE/COFF).
	defaultTableCapacity = 32

	entrySize = 16
)

var (
	errUnknownFormat  = errors.New("unknown image format; expected ELF or PE32+")
	errTablePopulated = errors.New("redirect table is missing its placeholder; the image was already populated or is out of date")
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared in root/go.mod.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = s.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: no module directive", filepath.Join(root, "go.mod"))
}

// findRedirects parses the non-test Go files below root/kernel and returns
// a redirect for every //go:redirect-from directive attached to a function.
func findRedirects(root, modPath string) ([]*redirect, error) {
	var redirects []*redirect

	err := filepath.Walk(filepath.Join(root, "kernel"), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		pkgPath := modPath + "/" + filepath.ToSlash(rel)

		found, err := fileRedirects(path, pkgPath)
		if err != nil {
			return err
		}
		redirects = append(redirects, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return redirects, nil
}

func fileRedirects(path, pkgPath string) ([]*redirect, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, decl := range f.Decls {
		fnDecl, ok := decl.(*ast.FuncDecl)
		if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
			continue
		}

		for _, comment := range fnDecl.Doc.List {
			if !strings.HasPrefix(comment.Text, "//go:redirect-from") {
				continue
			}

			fqName := pkgPath + "." + fnDecl.Name.Name
			fields := strings.Fields(comment.Text)
			if len(fields) != 2 || fields[0] != "//go:redirect-from" {
				return nil, fmt.Errorf("%s: malformed go:redirect-from syntax for %q", fset.Position(comment.Pos()), fqName)
			}

			redirects = append(redirects, &redirect{src: fields[1], dst: fqName})
		}
	}

	return redirects, nil
}

// imageSymbols holds the symbol addresses of a kernel image and the file
// location of its redirect table.
type imageSymbols struct {
	vma           map[string]uint64
	tableOffset   int64
	tableCapacity int
}

func readSymbols(data []byte) (*imageSymbols, error) {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		return elfSymbols(data)
	case bytes.HasPrefix(data, []byte("MZ")):
		return peSymbols(data)
	default:
		return nil, errUnknownFormat
	}
}

func elfSymbols(data []byte) (*imageSymbols, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	symbols, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	syms := &imageSymbols{vma: make(map[string]uint64, len(symbols)), tableOffset: -1}
	for _, sym := range symbols {
		syms.vma[sym.Name] = sym.Value
		if !strings.HasSuffix(sym.Name, "/"+tableSymbol) || int(sym.Section) >= len(f.Sections) {
			continue
		}

		sec := f.Sections[sym.Section]
		syms.tableOffset = int64(sec.Offset + sym.Value - sec.Addr)
		syms.tableCapacity = int(sym.Size / entrySize)
	}

	return syms, nil
}

func peSymbols(data []byte) (*imageSymbols, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	hdr, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, errUnknownFormat
	}

	syms := &imageSymbols{vma: make(map[string]uint64, len(f.Symbols)), tableOffset: -1}
	for _, sym := range f.Symbols {
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(f.Sections) {
			continue
		}

		sec := f.Sections[sym.SectionNumber-1]
		syms.vma[sym.Name] = hdr.ImageBase + uint64(sec.VirtualAddress) + uint64(sym.Value)
		if strings.HasSuffix(sym.Name, "/"+tableSymbol) {
			syms.tableOffset = int64(sec.Offset) + int64(sym.Value)
			syms.tableCapacity = defaultTableCapacity
		}
	}

	return syms, nil
}

// resolve fills in the addresses of both ends of every redirect.
func resolve(redirects []*redirect, vma map[string]uint64) error {
	for _, r := range redirects {
		var ok bool
		if r.srcVMA, ok = vma[r.src]; !ok || r.srcVMA == 0 {
			return fmt.Errorf("could not locate address of %q", r.src)
		}
		if r.dstVMA, ok = vma[r.dst]; !ok || r.dstVMA == 0 {
			return fmt.Errorf("could not locate address of %q", r.dst)
		}
	}
	return nil
}

// encodeTable returns the table contents for redirects. Unused entries are
// zero.
func encodeTable(redirects []*redirect, capacity int) ([]byte, error) {
	if len(redirects) > capacity {
		return nil, fmt.Errorf("%d redirects do not fit in a table of %d entries", len(redirects), capacity)
	}

	table := make([]byte, capacity*entrySize)
	for i, r := range redirects {
		binary.LittleEndian.PutUint64(table[i*entrySize:], r.srcVMA)
		binary.LittleEndian.PutUint64(table[i*entrySize+8:], r.dstVMA)
	}
	return table, nil
}

// writeTable copies table into data at offset after checking that the
// location still holds the placeholder entry.
func writeTable(data []byte, offset int64, table []byte) error {
	if offset < 0 || offset+int64(max(len(table), entrySize)) > int64(len(data)) {
		return fmt.Errorf("redirect table offset 0x%x lies outside of the image", offset)
	}

	at := data[offset:]
	if binary.LittleEndian.Uint64(at) != tableMagic || binary.LittleEndian.Uint64(at[8:]) != tableMagic {
		return errTablePopulated
	}

	copy(at, table)
	return nil
}

// populate resolves redirects against the symbols of the image in data and
// rewrites its redirect table in place.
func populate(data []byte, redirects []*redirect) error {
	syms, err := readSymbols(data)
	if err != nil {
		return err
	}
	if syms.tableOffset < 0 {
		return fmt.Errorf("missing symbol %q", tableSymbol)
	}

	if err = resolve(redirects, syms.vma); err != nil {
		return err
	}

	table, err := encodeTable(redirects, syms.tableCapacity)
	if err != nil {
		return err
	}
	return writeTable(data, syms.tableOffset, table)
}
