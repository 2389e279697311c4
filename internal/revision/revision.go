// Package revision rewrites the source revision that CTest records in
// Testing/Update.xml.
//
// When a build is triggered by a pull request, CTest reports the SHA of the
// synthetic merge commit, which never exists in the repository history. The
// Patcher replaces it with the identifier supplied by the CI environment. Only
// the bytes of the revision element's content are rewritten; the rest of the
// document is preserved byte for byte.
package revision

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// DefaultElement is the name of the revision element CTest writes under the
// document root.
const DefaultElement = "Revision"

var (
	ErrMissingRevision   = errors.New("revision value is empty")
	ErrInvalidRevision   = errors.New("revision value cannot be represented in XML")
	ErrDocumentNotFound  = errors.New("metadata document not found")
	ErrMalformedDocument = errors.New("metadata document is malformed")
	ErrFieldNotFound     = errors.New("revision field not found")
	ErrAmbiguousField    = errors.New("revision field appears more than once")
)

type Patcher struct {
	Fs      afero.Fs
	Element string
}

func New(fs afero.Fs) *Patcher {
	return &Patcher{Fs: fs, Element: DefaultElement}
}

type Result struct {
	Path     string
	Previous string
	Current  string
	Changed  bool
}

type Metadata struct {
	Root          string
	Site          string
	BuildName     string
	BuildStamp    string
	UpdateType    string
	Revision      string
	PriorRevision string
}

// Patch replaces the text content of the revision element in the document at
// path with revision. The file is left untouched on any error.
func (p *Patcher) Patch(path string, revision string) (Result, error) {
	if revision == "" {
		return Result{}, fmt.Errorf("patch %s: %w", path, ErrMissingRevision)
	}
	if err := checkValue(revision); err != nil {
		return Result{}, fmt.Errorf("patch %s: %w", path, err)
	}

	data, err := p.read(path)
	if err != nil {
		return Result{}, err
	}

	field, err := locate(data, p.element())
	if err != nil {
		return Result{}, fmt.Errorf("patch %s: %w", path, err)
	}

	patched := field.replace(data, revision)
	result := Result{
		Path:     path,
		Previous: field.text,
		Current:  revision,
		Changed:  !bytes.Equal(patched, data),
	}
	if !result.Changed {
		return result, nil
	}

	if err := writeFile(p.Fs, path, patched); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	return result, nil
}

// Inspect reads the identifying fields of the document without modifying it.
func (p *Patcher) Inspect(path string) (Metadata, error) {
	data, err := p.read(path)
	if err != nil {
		return Metadata{}, err
	}

	var doc struct {
		XMLName       xml.Name
		Site          string `xml:"Site"`
		BuildName     string `xml:"BuildName"`
		BuildStamp    string `xml:"BuildStamp"`
		UpdateType    string `xml:"UpdateType"`
		PriorRevision string `xml:"PriorRevision"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Metadata{}, fmt.Errorf("inspect %s: %w: %v", path, ErrMalformedDocument, err)
	}

	field, err := locate(data, p.element())
	if err != nil {
		return Metadata{}, fmt.Errorf("inspect %s: %w", path, err)
	}

	return Metadata{
		Root:          doc.XMLName.Local,
		Site:          doc.Site,
		BuildName:     doc.BuildName,
		BuildStamp:    doc.BuildStamp,
		UpdateType:    doc.UpdateType,
		Revision:      field.text,
		PriorRevision: doc.PriorRevision,
	}, nil
}

func (p *Patcher) element() string {
	if p.Element == "" {
		return DefaultElement
	}
	return p.Element
}

func (p *Patcher) read(path string) ([]byte, error) {
	data, err := afero.ReadFile(p.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %v", path, ErrDocumentNotFound, err)
	}
	return data, nil
}

// field is the location of the revision element within the raw document.
// tagStart..contentStart covers the start tag, contentStart..contentEnd the
// content that gets replaced.
type field struct {
	name         string
	tagStart     int64
	contentStart int64
	contentEnd   int64
	selfClosing  bool
	text         string
}

func locate(data []byte, element string) (field, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		depth   int
		sawRoot bool
		open    bool
		found   []field
		text    bytes.Buffer
	)
	for {
		before := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return field{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				sawRoot = true
			}
			name := string(rawName(data[before:dec.InputOffset()]))
			// Matched on the name as written: a prefixed or default-namespaced
			// element is a different element.
			if depth == 2 && name == element && (t.Name.Space == "" || name != t.Name.Local) {
				open = true
				text.Reset()
				found = append(found, field{
					name:         name,
					tagStart:     before,
					contentStart: dec.InputOffset(),
				})
			}
		case xml.CharData:
			if open && depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if open && depth == 2 {
				f := &found[len(found)-1]
				f.contentEnd = before
				f.selfClosing = dec.InputOffset() == before
				f.text = text.String()
				open = false
			}
			depth--
		}
	}

	switch {
	case !sawRoot:
		return field{}, fmt.Errorf("%w: no root element", ErrMalformedDocument)
	case len(found) == 0:
		return field{}, fmt.Errorf("%w: no <%s> under the root element", ErrFieldNotFound, element)
	case len(found) > 1:
		return field{}, fmt.Errorf("%w: %d <%s> elements under the root element", ErrAmbiguousField, len(found), element)
	}
	return found[0], nil
}

// checkValue rejects values that xml.EscapeText would not write back
// verbatim.
func checkValue(value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: invalid UTF-8 %q", ErrInvalidRevision, value)
	}
	for _, r := range value {
		if !isXMLChar(r) {
			return fmt.Errorf("%w: character %U in %q", ErrInvalidRevision, r, value)
		}
	}
	return nil
}

// isXMLChar reports whether r is in the XML 1.0 Char production.
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

func (f field) replace(data []byte, value string) []byte {
	var content bytes.Buffer
	// EscapeText only fails when the writer does.
	_ = xml.EscapeText(&content, []byte(value))

	var out bytes.Buffer
	out.Grow(len(data) + content.Len() + len(f.name) + 3)
	if f.selfClosing {
		tag := bytes.TrimSuffix(data[f.tagStart:f.contentStart], []byte("/>"))
		out.Write(data[:f.tagStart])
		out.Write(tag)
		out.WriteByte('>')
		out.Write(content.Bytes())
		out.WriteString("</" + f.name + ">")
		out.Write(data[f.contentStart:])
		return out.Bytes()
	}
	out.Write(data[:f.contentStart])
	out.Write(content.Bytes())
	out.Write(data[f.contentEnd:])
	return out.Bytes()
}

// rawName returns the qualified element name as written in the start tag.
func rawName(tag []byte) []byte {
	name := bytes.TrimPrefix(tag, []byte("<"))
	if i := bytes.IndexAny(name, " \t\r\n/>"); i >= 0 {
		name = name[:i]
	}
	return name
}

func writeFile(fs afero.Fs, path string, data []byte) error {
	info, err := fs.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return err
	}
	if err := fs.Chmod(tmpName, info.Mode().Perm()); err != nil {
		fs.Remove(tmpName)
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return err
	}
	return nil
}
