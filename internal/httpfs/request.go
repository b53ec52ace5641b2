// =============================================================================
// 文件: internal/httpfs/request.go
// 描述: 命令行风格请求解析 - URL、-v、-h、-d、-overwrite=false
// =============================================================================
package httpfs

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNoURL       = errors.New("请求中缺少 http:// 地址")
	ErrBadURL      = errors.New("无法解析请求地址")
	ErrUnsupported = errors.New("不支持的请求路径")
)

// Operation 请求操作
type Operation int

const (
	OpList Operation = iota
	OpRead
	OpWrite
)

func (o Operation) String() string {
	switch o {
	case OpList:
		return "list"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Header 有序请求头
type Header struct {
	Key   string
	Value string
}

// Request 解析后的请求
type Request struct {
	URL       string
	Host      string
	Op        Operation
	Name      string // 读写的相对路径
	Verbose   bool
	Headers   []Header
	Data      string
	Overwrite bool
}

// ParseRequest 解析请求文本, 例如 "httpc post -h k:v -d hello http://localhost/post/a.txt"
func ParseRequest(text string) (*Request, error) {
	tokens := strings.Fields(text)

	req := &Request{Overwrite: true}

	dataAt := -1
	for i, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "http://"):
			req.URL = tok
		case tok == "-v":
			req.Verbose = true
		case tok == "-overwrite=false":
			req.Overwrite = false
		case tok == "-h" && i+1 < len(tokens):
			if k, v, ok := strings.Cut(tokens[i+1], ":"); ok {
				req.Headers = append(req.Headers, Header{Key: k, Value: v})
			}
		case tok == "-d" && dataAt < 0:
			dataAt = i
		}
	}

	if req.URL == "" {
		return nil, ErrNoURL
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	req.Host = u.Host

	if dataAt >= 0 {
		var parts []string
		for _, tok := range tokens[dataAt+1:] {
			if tok == "-overwrite=false" || tok == req.URL {
				continue
			}
			parts = append(parts, tok)
		}
		req.Data = strings.Join(parts, " ")
	}

	path := u.Path
	switch {
	case strings.HasSuffix(path, "/get/"):
		req.Op = OpList
	case strings.Contains(path, "/get/"):
		req.Op = OpRead
		req.Name = path[strings.Index(path, "/get/")+len("/get/"):]
	case strings.Contains(path, "/post/"):
		req.Op = OpWrite
		req.Name = path[strings.Index(path, "/post/")+len("/post/"):]
		if req.Name == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	return req, nil
}
