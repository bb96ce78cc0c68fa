package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestParseQueryListsAndScalars(t *testing.T) {
	m := ParseQuery("x[]=1&x[]=2&y=1&z=a&z=b")
	x := m["x"]
	if !x.IsVec() || strings.Join(x.Values(), ",") != "1,2" {
		t.Fatalf("x = %#v", x)
	}
	if got := x.AsJSONStr(); got != `["1","2"]` {
		t.Fatalf("x as json = %s", got)
	}
	y := m["y"]
	if y.IsVec() || y.AsJSONStr() != "1" {
		t.Fatalf("y should be scalar 1, got %#v", y)
	}
	// A repeated scalar key keeps the last value.
	if got := m["z"].AsJSONStr(); got != "b" {
		t.Fatalf("z = %q", got)
	}
}

func TestMerge(t *testing.T) {
	cases := []struct {
		a, b SingleOrVec
		want string
	}{
		{Single("a"), Single("b"), `"b"`},
		{Single("a"), Vec([]string{"b"}), `["a","b"]`},
		{Vec([]string{"a"}), Single("b"), `["a","b"]`},
		{Vec([]string{"a"}), Vec([]string{"b", "c"}), `["a","b","c"]`},
	}
	for _, c := range cases {
		b, err := json.Marshal(c.a.Merge(c.b))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != c.want {
			t.Errorf("merge(%v, %v) = %s, want %s", c.a, c.b, b, c.want)
		}
	}
}

func TestSingleOrVecUnmarshal(t *testing.T) {
	var m map[string]SingleOrVec
	if err := json.Unmarshal([]byte(`{"a":"x","b":["y","z"]}`), &m); err != nil {
		t.Fatal(err)
	}
	if m["a"].IsVec() || m["a"].AsJSONStr() != "x" {
		t.Fatalf("a = %#v", m["a"])
	}
	if !m["b"].IsVec() || len(m["b"].Values()) != 2 {
		t.Fatalf("b = %#v", m["b"])
	}
	if err := json.Unmarshal([]byte(`{"a":1}`), &m); err == nil {
		t.Fatalf("expected error for numeric value")
	}
}

func TestFromHTTPURLEncoded(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/page.sql?id=3", strings.NewReader("name=Ann&tags[]=a&tags[]=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Custom", "v")
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	req.SetBasicAuth("user", "pw")

	info, err := FromHTTP(req, Options{MaxUploadedFileSize: 1024})
	if err != nil {
		t.Fatalf("FromHTTP: %v", err)
	}
	if info.GetVariables["id"].AsJSONStr() != "3" {
		t.Fatalf("get id = %v", info.GetVariables["id"])
	}
	if info.PostVariables["name"].AsJSONStr() != "Ann" {
		t.Fatalf("post name = %v", info.PostVariables["name"])
	}
	if got := info.PostVariables["tags"].AsJSONStr(); got != `["a","b"]` {
		t.Fatalf("post tags = %s", got)
	}
	if v, ok := info.Header("x-custom"); !ok || v != "v" {
		t.Fatalf("header = %q %v", v, ok)
	}
	if v, ok := info.Cookie("session"); !ok || v != "abc" {
		t.Fatalf("cookie = %q %v", v, ok)
	}
	if info.BasicAuth == nil || info.BasicAuth.Username != "user" || info.BasicAuth.Password != "pw" {
		t.Fatalf("basic auth = %+v", info.BasicAuth)
	}
	if info.Protocol != "http" {
		t.Fatalf("protocol = %q", info.Protocol)
	}
}

func TestFromHTTPMultipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("title", "hello"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("doc", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("file contents"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	info, err := FromHTTP(req, Options{MaxUploadedFileSize: 1024, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("FromHTTP: %v", err)
	}
	defer info.Cleanup()

	if info.PostVariables["title"].AsJSONStr() != "hello" {
		t.Fatalf("title = %v", info.PostVariables["title"])
	}
	f, ok := info.Uploads.Get("doc")
	if !ok {
		t.Fatalf("upload not registered")
	}
	if f.FileName != "notes.txt" || f.Size != int64(len("file contents")) {
		t.Fatalf("upload = %+v", f)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil || string(data) != "file contents" {
		t.Fatalf("upload contents = %q, %v", data, err)
	}

	info.Cleanup()
	if _, err := os.Stat(f.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file removed, stat err = %v", err)
	}
}

func TestFromHTTPUploadTooLarge(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("doc", "big.bin")
	fw.Write(bytes.Repeat([]byte("x"), 100))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_, err := FromHTTP(req, Options{MaxUploadedFileSize: 10, TempDir: t.TempDir()})
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("expected ErrUploadTooLarge, got %v", err)
	}
}

func TestForkIncrementsDepthAndIsolatesVariables(t *testing.T) {
	root := &Info{
		GetVariables:  ParamMap{"a": Single("1")},
		PostVariables: ParamMap{},
		Uploads:       &Uploads{},
	}
	child := root.Fork()
	if child.CloneDepth != 1 {
		t.Fatalf("depth = %d", child.CloneDepth)
	}
	child.GetVariables["a"] = Single("2")
	if root.GetVariables["a"].AsJSONStr() != "1" {
		t.Fatalf("fork leaked a variable change into its parent")
	}
	grandchild := child.ForkWithoutVariables()
	if grandchild.CloneDepth != 2 || len(grandchild.GetVariables) != 0 {
		t.Fatalf("grandchild = %+v", grandchild)
	}
	if grandchild.Uploads != root.Uploads {
		t.Fatalf("uploads should be shared with forks")
	}
}

func TestVariablePrefersPost(t *testing.T) {
	info := &Info{
		GetVariables:  ParamMap{"x": Single("get")},
		PostVariables: ParamMap{"x": Single("post")},
	}
	v, ok := info.Variable("x")
	if !ok || v.AsJSONStr() != "post" {
		t.Fatalf("Variable(x) = %v, %v", v, ok)
	}
}
