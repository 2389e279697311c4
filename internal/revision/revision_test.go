package revision

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const updateXML = `<?xml version="1.0" encoding="UTF-8"?>
<Update mode="Client" Generator="ctest-3.28.3">
	<Site>travis-worker-7</Site>
	<BuildName>Linux-c++</BuildName>
	<BuildStamp>20240117-0312-Experimental</BuildStamp>
	<StartDateTime>Jan 17 03:12 UTC</StartDateTime>
	<StartTime>1705461120</StartTime>
	<UpdateCommand>/usr/bin/git fetch</UpdateCommand>
	<UpdateType>GIT</UpdateType>
	<Revision>abc123</Revision>
	<PriorRevision>abc123</PriorRevision>
	<Path>master</Path>
	<Directory>
		<Name>remus/server</Name>
		<Updated>
			<File>JobQueue.cxx</File>
			<Directory>remus/server</Directory>
			<FullName>remus/server/JobQueue.cxx</FullName>
			<Author>Robert Maynard</Author>
			<Log>Fix queue ordering &amp; cleanup</Log>
			<Revision>fff000</Revision>
			<PriorRevision>eee999</PriorRevision>
		</Updated>
	</Directory>
	<EndDateTime>Jan 17 03:12 UTC</EndDateTime>
	<UpdateReturnStatus></UpdateReturnStatus>
</Update>
`

const docPath = "/build/Testing/Update.xml"

func newFs(t *testing.T, content string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(filepath.Dir(docPath), 0o755))
	require.NoError(t, afero.WriteFile(fs, docPath, []byte(content), 0o644))
	return fs
}

func readDoc(t *testing.T, fs afero.Fs) string {
	t.Helper()
	data, err := afero.ReadFile(fs, docPath)
	require.NoError(t, err)
	return string(data)
}

func TestPatchReplacesRevision(t *testing.T) {
	fs := newFs(t, updateXML)

	result, err := New(fs).Patch(docPath, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, Result{Path: docPath, Previous: "abc123", Current: "deadbeef", Changed: true}, result)

	want := strings.Replace(updateXML, "<Revision>abc123</Revision>", "<Revision>deadbeef</Revision>", 1)
	if diff := cmp.Diff(want, readDoc(t, fs)); diff != "" {
		t.Errorf("patched document mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchLeavesNestedRevisions(t *testing.T) {
	fs := newFs(t, updateXML)

	_, err := New(fs).Patch(docPath, "deadbeef")
	require.NoError(t, err)

	got := readDoc(t, fs)
	require.Contains(t, got, "<Revision>fff000</Revision>")
	require.Contains(t, got, "<PriorRevision>abc123</PriorRevision>")
	require.Contains(t, got, "Fix queue ordering &amp; cleanup")
}

func TestPatchIsIdempotent(t *testing.T) {
	fs := newFs(t, updateXML)
	p := New(fs)

	_, err := p.Patch(docPath, "deadbeef")
	require.NoError(t, err)
	first := readDoc(t, fs)

	result, err := p.Patch(docPath, "deadbeef")
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, "deadbeef", result.Previous)
	require.Equal(t, first, readDoc(t, fs))
}

func TestPatchEscapesValue(t *testing.T) {
	fs := newFs(t, updateXML)
	p := New(fs)
	value := `a&b<c>"d" 'e'`

	_, err := p.Patch(docPath, value)
	require.NoError(t, err)

	meta, err := p.Inspect(docPath)
	require.NoError(t, err)
	require.Equal(t, value, meta.Revision)
	require.NotContains(t, readDoc(t, fs), "<c>")
}

func TestPatchElementForms(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
	}{
		{
			name: "empty",
			in:   `<Update><Revision></Revision></Update>`,
			want: `<Update><Revision>deadbeef</Revision></Update>`,
		},
		{
			name: "self closing",
			in:   `<Update><Site>a</Site><Revision/></Update>`,
			want: `<Update><Site>a</Site><Revision>deadbeef</Revision></Update>`,
		},
		{
			name: "self closing with attributes",
			in:   `<Update><Revision kind="git" /></Update>`,
			want: `<Update><Revision kind="git" >deadbeef</Revision></Update>`,
		},
		{
			name: "whitespace content",
			in:   "<Update>\n  <Revision>\n    abc123\n  </Revision>\n</Update>",
			want: "<Update>\n  <Revision>deadbeef</Revision>\n</Update>",
		},
		{
			name: "cdata content",
			in:   `<Update><Revision><![CDATA[abc123]]></Revision></Update>`,
			want: `<Update><Revision>deadbeef</Revision></Update>`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFs(t, tc.in)
			_, err := New(fs).Patch(docPath, "deadbeef")
			require.NoError(t, err)
			require.Equal(t, tc.want, readDoc(t, fs))
		})
	}
}

func TestPatchCustomElement(t *testing.T) {
	fs := newFs(t, `<Update><Revision>keep</Revision><Commit>abc</Commit></Update>`)
	p := &Patcher{Fs: fs, Element: "Commit"}

	result, err := p.Patch(docPath, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "abc", result.Previous)
	require.Equal(t, `<Update><Revision>keep</Revision><Commit>deadbeef</Commit></Update>`, readDoc(t, fs))
}

func TestPatchErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		revision string
		want     error
	}{
		{"empty revision", updateXML, "", ErrMissingRevision},
		{"unclosed element", `<Update><Revision>abc</Update>`, "deadbeef", ErrMalformedDocument},
		{"not xml", "revision: abc\n", "deadbeef", ErrMalformedDocument},
		{"empty document", "", "deadbeef", ErrMalformedDocument},
		{"no field", `<Update><Site>a</Site></Update>`, "deadbeef", ErrFieldNotFound},
		{"nested only", `<Update><Updated><Revision>a</Revision></Updated></Update>`, "deadbeef", ErrFieldNotFound},
		{"root is the field", `<Revision>abc</Revision>`, "deadbeef", ErrFieldNotFound},
		{"duplicate field", `<Update><Revision>a</Revision><Revision>b</Revision></Update>`, "deadbeef", ErrAmbiguousField},
		{"prefixed field", `<Update xmlns:x="urn:x"><x:Revision>a</x:Revision></Update>`, "deadbeef", ErrFieldNotFound},
		{"default namespace", `<Update xmlns="urn:u"><Revision>a</Revision></Update>`, "deadbeef", ErrFieldNotFound},
		{"control character", updateXML, "x\x01y", ErrInvalidRevision},
		{"invalid utf-8", updateXML, "x\xffy", ErrInvalidRevision},
		{"noncharacter", updateXML, "x\uFFFEy", ErrInvalidRevision},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFs(t, tc.content)

			_, err := New(fs).Patch(docPath, tc.revision)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.content, readDoc(t, fs))
		})
	}
}

func TestPatchSkipsPrefixedSibling(t *testing.T) {
	content := `<Update xmlns:x="urn:x"><x:Revision>keep</x:Revision><Revision>abc</Revision></Update>`
	fs := newFs(t, content)

	result, err := New(fs).Patch(docPath, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "abc", result.Previous)
	require.Equal(t, `<Update xmlns:x="urn:x"><x:Revision>keep</x:Revision><Revision>deadbeef</Revision></Update>`, readDoc(t, fs))
}

func TestPatchRoundTripsWhitespace(t *testing.T) {
	fs := newFs(t, updateXML)

	_, err := New(fs).Patch(docPath, "a\tb")
	require.NoError(t, err)

	meta, err := New(fs).Inspect(docPath)
	require.NoError(t, err)
	require.Equal(t, "a\tb", meta.Revision)
}

func TestPatchMissingDocument(t *testing.T) {
	_, err := New(afero.NewMemMapFs()).Patch(docPath, "deadbeef")
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestPatchKeepsFileMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Update.xml")
	require.NoError(t, os.WriteFile(path, []byte(updateXML), 0o640))

	_, err := New(afero.NewOsFs()).Patch(path, "deadbeef")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file left behind")
}

func TestInspect(t *testing.T) {
	fs := newFs(t, updateXML)

	meta, err := New(fs).Inspect(docPath)
	require.NoError(t, err)

	want := Metadata{
		Root:          "Update",
		Site:          "travis-worker-7",
		BuildName:     "Linux-c++",
		BuildStamp:    "20240117-0312-Experimental",
		UpdateType:    "GIT",
		Revision:      "abc123",
		PriorRevision: "abc123",
	}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("Inspect mismatch (-want +got):\n%s", diff)
	}
}
