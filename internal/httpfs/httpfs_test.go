package httpfs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrcgq/udpfs/internal/logging"
)

func init() {
	logging.ConfigureTests()
}

func newTestHandler(t *testing.T, files map[string]string) *Handler {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	h, err := New(root,
		WithOrigin("10.0.0.1"),
		WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("创建处理器失败: %v", err)
	}
	return h
}

func decodeBody(t *testing.T, resp string) responseBody {
	t.Helper()
	var body responseBody
	if err := json.Unmarshal([]byte(resp), &body); err != nil {
		t.Fatalf("响应不是合法 JSON: %v\n%s", err, resp)
	}
	return body
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Request
	}{
		{
			name: "列目录",
			text: "GET http://localhost/get/",
			want: Request{URL: "http://localhost/get/", Host: "localhost", Op: OpList, Overwrite: true},
		},
		{
			name: "读文件带请求头",
			text: "httpc get -v -h Accept:json -h X-Id:7 http://localhost:8080/get/a.txt",
			want: Request{
				URL: "http://localhost:8080/get/a.txt", Host: "localhost:8080", Op: OpRead, Name: "a.txt",
				Verbose: true, Overwrite: true,
				Headers: []Header{{"Accept", "json"}, {"X-Id", "7"}},
			},
		},
		{
			name: "追加写入",
			text: "httpc post http://localhost/post/dir/b.txt -d hello world -overwrite=false",
			want: Request{
				URL: "http://localhost/post/dir/b.txt", Host: "localhost", Op: OpWrite, Name: "dir/b.txt",
				Data: "hello world",
			},
		},
		{
			name: "数据在地址之前",
			text: "httpfs post -d some data http://localhost/post/c.txt",
			want: Request{
				URL: "http://localhost/post/c.txt", Host: "localhost", Op: OpWrite, Name: "c.txt",
				Data: "some data", Overwrite: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.text)
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			if !reflect.DeepEqual(*got, tt.want) {
				t.Errorf("ParseRequest = %+v\nwant %+v", *got, tt.want)
			}
		})
	}
}

func TestParseRequestErrors(t *testing.T) {
	tests := []struct {
		text string
		want error
	}{
		{"httpfs get", ErrNoURL},
		{"httpc http://localhost/other/x", ErrUnsupported},
		{"httpc http://localhost/post/", ErrUnsupported},
		{"httpc -d x http://localhost/target/x", ErrUnsupported},
	}

	for _, tt := range tests {
		if _, err := ParseRequest(tt.text); !errors.Is(err, tt.want) {
			t.Errorf("ParseRequest(%q) err = %v, want %v", tt.text, err, tt.want)
		}
	}
}

func TestHandleList(t *testing.T) {
	h := newTestHandler(t, map[string]string{
		"b.txt":     "b",
		"a.txt":     "a",
		"sub/c.txt": "c",
	})

	resp, err := h.Handle("GET http://localhost/get/")
	if err != nil {
		t.Fatalf("Handle 失败: %v", err)
	}

	body := decodeBody(t, resp)
	want := []string{"a.txt", "b.txt", "sub/c.txt"}
	if body.Files == nil || !reflect.DeepEqual(*body.Files, want) {
		t.Errorf("files = %v, want %v", body.Files, want)
	}
	if body.Status != StatusOK {
		t.Errorf("status = %s", body.Status)
	}
	if body.Headers["Host"] != "localhost" || body.Headers["Connection"] != "close" {
		t.Errorf("headers = %v", body.Headers)
	}
	if body.Origin != "10.0.0.1" || body.URL != "http://localhost/get/" {
		t.Errorf("origin/url = %s %s", body.Origin, body.URL)
	}
}

func TestHandleRead(t *testing.T) {
	h := newTestHandler(t, map[string]string{"note.txt": "line1\nline2"})

	t.Run("存在", func(t *testing.T) {
		resp, err := h.Handle("httpc get http://localhost/get/note.txt")
		if err != nil {
			t.Fatalf("Handle 失败: %v", err)
		}
		body := decodeBody(t, resp)
		if body.Data == nil || *body.Data != "line1\nline2" {
			t.Errorf("data = %v", body.Data)
		}
		if body.Status != StatusOK {
			t.Errorf("status = %s", body.Status)
		}
	})

	t.Run("不存在", func(t *testing.T) {
		resp, _ := h.Handle("httpc get http://localhost/get/missing.txt")
		body := decodeBody(t, resp)
		if body.Status != StatusFileNotFound || body.Data != nil {
			t.Errorf("status = %s data = %v", body.Status, body.Data)
		}
	})

	t.Run("越界路径", func(t *testing.T) {
		resp, _ := h.Handle("httpc get http://localhost/get/../../etc/passwd")
		body := decodeBody(t, resp)
		if body.Status != StatusForbidden {
			t.Errorf("status = %s, want %s", body.Status, StatusForbidden)
		}
	})

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("SECRET"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, secret, filepath.Join(h.Root(), "link"))
	symlinkOrSkip(t, outside, filepath.Join(h.Root(), "linkdir"))
	symlinkOrSkip(t, filepath.Join(h.Root(), "note.txt"), filepath.Join(h.Root(), "inner"))

	forbidden := []struct {
		name string
		path string
	}{
		{"链接指向根目录外文件", "link"},
		{"经链接目录越界", "linkdir/secret.txt"},
	}
	for _, tt := range forbidden {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.Handle("httpc get http://localhost/get/" + tt.path)
			if err != nil {
				t.Fatalf("Handle 失败: %v", err)
			}
			body := decodeBody(t, resp)
			if body.Status != StatusForbidden {
				t.Errorf("status = %s, want %s", body.Status, StatusForbidden)
			}
			if strings.Contains(resp, "SECRET") {
				t.Errorf("响应泄露了根目录外的内容: %s", resp)
			}
		})
	}

	t.Run("链接指向根目录内文件", func(t *testing.T) {
		resp, _ := h.Handle("httpc get http://localhost/get/inner")
		body := decodeBody(t, resp)
		if body.Status != StatusOK || body.Data == nil || *body.Data != "line1\nline2" {
			t.Errorf("status = %s data = %v", body.Status, body.Data)
		}
	})
}

// symlinkOrSkip 创建符号链接, 平台不支持时跳过
func symlinkOrSkip(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("无法创建符号链接: %v", err)
	}
}

func TestHandleWrite(t *testing.T) {
	h := newTestHandler(t, nil)
	path := filepath.Join(h.Root(), "out.txt")

	steps := []struct {
		name    string
		request string
		status  string
		content string
	}{
		{"新建", "httpc post -d first http://localhost/post/out.txt", StatusCreated, "first"},
		{"覆盖", "httpc post -d second http://localhost/post/out.txt", StatusOverwritten, "second"},
		{"追加", "httpc post -d third -overwrite=false http://localhost/post/out.txt", StatusAppended, "secondthird"},
	}

	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			resp, err := h.Handle(st.request)
			if err != nil {
				t.Fatalf("Handle 失败: %v", err)
			}
			if body := decodeBody(t, resp); body.Status != st.status {
				t.Errorf("status = %s, want %s", body.Status, st.status)
			}
			got, _ := os.ReadFile(path)
			if string(got) != st.content {
				t.Errorf("文件内容 = %q, want %q", got, st.content)
			}
		})
	}

	outside := t.TempDir()
	victim := filepath.Join(outside, "victim.txt")
	if err := os.WriteFile(victim, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, victim, filepath.Join(h.Root(), "link"))
	symlinkOrSkip(t, outside, filepath.Join(h.Root(), "linkdir"))
	symlinkOrSkip(t, filepath.Join(outside, "absent.txt"), filepath.Join(h.Root(), "dangling"))

	forbidden := []struct {
		name string
		path string
	}{
		{"覆盖链接目标", "link"},
		{"经链接目录新建", "linkdir/created.txt"},
		{"悬空链接", "dangling"},
	}
	for _, tt := range forbidden {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.Handle("httpc post -d PWNED http://localhost/post/" + tt.path)
			if err != nil {
				t.Fatalf("Handle 失败: %v", err)
			}
			if body := decodeBody(t, resp); body.Status != StatusForbidden {
				t.Errorf("status = %s, want %s", body.Status, StatusForbidden)
			}
		})
	}

	if got, _ := os.ReadFile(victim); string(got) != "original" {
		t.Errorf("根目录外文件被改写: %q", got)
	}
	for _, name := range []string{"created.txt", "absent.txt"} {
		if _, err := os.Stat(filepath.Join(outside, name)); err == nil {
			t.Errorf("根目录外不应创建 %s", name)
		}
	}
}

func TestWriteInvalidatesListCache(t *testing.T) {
	h := newTestHandler(t, map[string]string{"a.txt": "a"})

	files, _ := h.ListFiles()
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}

	if _, err := h.Handle("httpc post -d x http://localhost/post/new.txt"); err != nil {
		t.Fatalf("Handle 失败: %v", err)
	}

	files, _ = h.ListFiles()
	if !reflect.DeepEqual(files, []string{"a.txt", "new.txt"}) {
		t.Errorf("写入后 files = %v", files)
	}
}

func TestListCacheSharesWalk(t *testing.T) {
	c := newListCache(time.Minute)

	var walks int32
	release := make(chan struct{})
	walk := func() ([]string, error) {
		atomic.AddInt32(&walks, 1)
		<-release
		return []string{"x"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.get(walk)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&walks); n != 1 {
		t.Errorf("遍历次数 = %d, want 1", n)
	}

	c.get(walk)
	if n := atomic.LoadInt32(&walks); n != 1 {
		t.Errorf("缓存有效期内不应重新遍历: %d", n)
	}

	c.invalidate()
	c.get(walk)
	if n := atomic.LoadInt32(&walks); n != 2 {
		t.Errorf("失效后应重新遍历: %d", n)
	}
}

func TestListCacheNoStaleJoinAfterInvalidate(t *testing.T) {
	c := newListCache(time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan []string, 1)
	go func() {
		files, _ := c.get(func() ([]string, error) {
			close(started)
			<-release
			return []string{"old"}, nil
		})
		done <- files
	}()
	<-started

	c.invalidate()

	got := make(chan []string, 1)
	go func() {
		files, _ := c.get(func() ([]string, error) {
			return []string{"old", "new"}, nil
		})
		got <- files
	}()

	select {
	case files := <-got:
		if !reflect.DeepEqual(files, []string{"old", "new"}) {
			t.Errorf("失效后 files = %v, want [old new]", files)
		}
	case <-time.After(time.Second):
		t.Fatal("失效后的调用不应等待旧遍历")
	}

	close(release)
	if files := <-done; !reflect.DeepEqual(files, []string{"old"}) {
		t.Errorf("旧遍历 files = %v", files)
	}

	files, _ := c.get(func() ([]string, error) {
		t.Error("缓存应保留失效后的结果")
		return nil, nil
	})
	if !reflect.DeepEqual(files, []string{"old", "new"}) {
		t.Errorf("缓存 files = %v, want [old new]", files)
	}
}

func TestHandleVerbose(t *testing.T) {
	h := newTestHandler(t, map[string]string{"a.txt": "a"})

	resp, err := h.Handle("httpc get -v http://localhost/get/a.txt")
	if err != nil {
		t.Fatalf("Handle 失败: %v", err)
	}

	head, jsonPart, ok := strings.Cut(resp, "\n\n")
	if !ok {
		t.Fatalf("缺少头部分隔: %q", resp)
	}
	for _, want := range []string{
		StatusOK,
		"Date: Tue, 02 Jan 2024 03:04:05 GMT",
		"Content-Type: application/json",
		"Connection: close",
		"Server: Localhost",
		"Access-Control-Allow-Origin: *",
	} {
		if !strings.Contains(head, want) {
			t.Errorf("头部缺少 %q:\n%s", want, head)
		}
	}
	decodeBody(t, jsonPart)
}

func TestNewRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	os.WriteFile(f, nil, 0644)

	if _, err := New(f); err == nil {
		t.Error("根目录为文件时应失败")
	}
}
