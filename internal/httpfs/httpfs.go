// =============================================================================
// 文件: internal/httpfs/httpfs.go
// 描述: 文件服务应用处理器 - 列目录、读文件、写文件, 生成 JSON 响应体
// =============================================================================
package httpfs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/udpfs/internal/logging"
)

const defaultListTTL = 2 * time.Second

// 响应状态行
const (
	StatusOK           = "HTTP/1.1 200 OK"
	StatusOverwritten  = "HTTP/1.1 201 FILE WAS OVER-WRITTEN"
	StatusAppended     = "HTTP/1.1 201 FILE WAS NOT OVER-WRITTEN"
	StatusCreated      = "HTTP/1.1 202 NEW FILE CREATED"
	StatusForbidden    = "HTTP/1.1 403 FORBIDDEN"
	StatusFileNotFound = "HTTP/1.1 404 FILE NOT FOUND"
)

// Handler 文件服务处理器, 可并发使用
type Handler struct {
	root string
	// realRoot 解析符号链接后的根目录, 用于越界检查
	realRoot string
	origin   string
	cache    *listCache
	now      func() time.Time
	log      zerolog.Logger
}

// Option 处理器选项
type Option func(*Handler)

// WithOrigin 覆盖响应中的 origin 字段
func WithOrigin(origin string) Option {
	return func(h *Handler) { h.origin = origin }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithListTTL 文件列表缓存有效期
func WithListTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.cache = newListCache(ttl) }
}

// New 创建处理器, root 必须是已存在的目录
func New(root string, opts ...Option) (*Handler, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("解析根目录失败: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("根目录不可用: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("根目录不是目录: %s", abs)
	}
	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("解析根目录失败: %w", err)
	}

	h := &Handler{
		root:     abs,
		realRoot: realRoot,
		origin:   localOrigin(),
		cache:    newListCache(defaultListTTL),
		now:      time.Now,
		log:      logging.For("httpfs"),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Root 根目录绝对路径
func (h *Handler) Root() string {
	return h.root
}

// responseBody JSON 响应体
type responseBody struct {
	Args    map[string]string `json:"args"`
	Headers map[string]string `json:"headers"`
	Files   *[]string         `json:"files,omitempty"`
	Data    *string           `json:"data,omitempty"`
	Status  string            `json:"status"`
	Origin  string            `json:"origin"`
	URL     string            `json:"url"`
}

// Handle 处理一条请求文本, 返回完整响应文本
func (h *Handler) Handle(request string) (string, error) {
	req, err := ParseRequest(request)
	if err != nil {
		return "", err
	}

	body := responseBody{
		Args:    map[string]string{},
		Headers: map[string]string{},
		Origin:  h.origin,
		URL:     req.URL,
	}
	for _, hdr := range req.Headers {
		body.Headers[hdr.Key] = hdr.Value
	}
	body.Headers["Connection"] = "close"
	body.Headers["Host"] = req.Host

	switch req.Op {
	case OpList:
		files, err := h.ListFiles()
		if err != nil {
			return "", err
		}
		body.Files = &files
		body.Status = StatusOK

	case OpRead:
		body.Status, body.Data, err = h.readFile(req.Name)
		if err != nil {
			return "", err
		}

	case OpWrite:
		body.Status, err = h.writeFile(req.Name, req.Data, req.Overwrite)
		if err != nil {
			return "", err
		}
	}

	h.log.Debug().
		Str("op", req.Op.String()).
		Str("name", req.Name).
		Str("status", body.Status).
		Msg("请求已处理")

	return h.render(body, req.Verbose)
}

// ListFiles 根目录下所有常规文件的相对路径, 已排序
func (h *Handler) ListFiles() ([]string, error) {
	return h.cache.get(func() ([]string, error) {
		files := []string{}
		err := filepath.WalkDir(h.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(h.root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("遍历目录失败: %w", err)
		}
		sort.Strings(files)
		return files, nil
	})
}

func (h *Handler) readFile(name string) (string, *string, error) {
	path, ok := h.resolve(name)
	if !ok {
		return StatusForbidden, nil, nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return StatusFileNotFound, nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("读取文件失败: %w", err)
	}

	data := string(content)
	return StatusOK, &data, nil
}

func (h *Handler) writeFile(name, data string, overwrite bool) (string, error) {
	path, ok := h.resolve(name)
	if !ok {
		return StatusForbidden, nil
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return "", fmt.Errorf("写入文件失败: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("写入文件失败: %w", err)
	}

	h.cache.invalidate()

	switch {
	case !existed:
		return StatusCreated, nil
	case overwrite:
		return StatusOverwritten, nil
	default:
		return StatusAppended, nil
	}
}

// resolve 把相对路径映射到根目录内, 越界返回 false
//
// 先按字面检查, 再解析符号链接: 已存在的最深祖先取真实路径后拼回
// 尚不存在的部分, 结果必须仍在真实根目录内。
func (h *Handler) resolve(name string) (string, bool) {
	if name == "" || filepath.IsAbs(name) {
		return "", false
	}
	path := filepath.Join(h.root, filepath.FromSlash(name))
	if !within(h.root, path) {
		return "", false
	}

	existing, rest := path, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", false
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	target, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// 悬空链接
		return "", false
	}
	target = filepath.Join(target, rest)
	if !within(h.realRoot, target) {
		h.log.Warn().Str("name", name).Str("target", target).Msg("拒绝越出根目录的路径")
		return "", false
	}
	return target, true
}

// within path 是否位于 root 之下（不含 root 本身）
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func (h *Handler) render(body responseBody, verbose bool) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "\t")
	if err := enc.Encode(body); err != nil {
		return "", fmt.Errorf("序列化响应失败: %w", err)
	}

	if !verbose {
		return buf.String(), nil
	}

	var sb strings.Builder
	sb.WriteString(body.Status + "\n")
	sb.WriteString("Date: " + h.now().UTC().Format(http.TimeFormat) + "\n")
	sb.WriteString("Content-Type: application/json\n")
	sb.WriteString(fmt.Sprintf("Content-Length: %d\n", buf.Len()))
	sb.WriteString("Connection: close\n")
	sb.WriteString("Server: Localhost\n")
	sb.WriteString("Access-Control-Allow-Origin: *\n")
	sb.WriteString("Access-Control-Allow-Credentials: true\n")
	sb.WriteString("\n")
	sb.Write(buf.Bytes())
	return sb.String(), nil
}

// localOrigin 第一个非回环 IPv4 地址
func localOrigin() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					return v4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}

// IsRequestError 请求本身有误（而非服务端故障）
func IsRequestError(err error) bool {
	return errors.Is(err, ErrNoURL) || errors.Is(err, ErrBadURL) || errors.Is(err, ErrUnsupported)
}
