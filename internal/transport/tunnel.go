package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// maxHTTPHeader 代理与隧道头部的长度上限
const maxHTTPHeader = 8192

var headerEnd = []byte("\r\n\r\n")

// proxyConnectRequest 构造 CONNECT 请求
func proxyConnectRequest(target, user, password string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("Proxy-Connection: Keep-Alive\r\n\r\n")
	return []byte(b.String())
}

// tunnelRequest 构造隧道建立请求，之后的双向数据均为分块帧
func tunnelRequest(host, path, token, component string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	if component != "" {
		fmt.Fprintf(&b, "User-Agent: ripc/%s\r\n", component)
	}
	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("Transfer-Encoding: chunked\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	if token != "" {
		fmt.Fprintf(&b, "Authorization: Bearer %s\r\n", token)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// tunnelResponse 构造隧道应答；非 200 应答之后连接将被关闭
func tunnelResponse(status int) []byte {
	if status == http.StatusOK {
		return []byte("HTTP/1.1 200 OK\r\n" +
			"Content-Type: application/octet-stream\r\n" +
			"Transfer-Encoding: chunked\r\n" +
			"Connection: keep-alive\r\n\r\n")
	}
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status)))
}

// parseResponseStatus 解析代理或隧道应答的状态码
func parseResponseStatus(header []byte) (int, string, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(header)), nil)
	if err != nil {
		return 0, "", errors.Wrap(err, "parse http response")
	}
	resp.Body.Close()
	return resp.StatusCode, resp.Status, nil
}

// tunnelRequestInfo 隧道请求中服务端关心的字段
type tunnelRequestInfo struct {
	method string
	path   string
	token  string
	agent  string
}

// parseTunnelRequest 解析隧道建立请求
func parseTunnelRequest(header []byte) (*tunnelRequestInfo, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return nil, errors.Wrap(err, "parse tunnel request")
	}
	info := &tunnelRequestInfo{
		method: req.Method,
		path:   req.URL.Path,
		agent:  req.UserAgent(),
	}
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		info.token = strings.TrimPrefix(auth, "Bearer ")
	}
	return info, nil
}

// readHTTPHeader 从读缓冲中取出一个完整的 HTTP 头部，字节不足时读一次套接字
func (c *Channel) readHTTPHeader() ([]byte, bool, *Error) {
	for attempt := 0; attempt < 2; attempt++ {
		pending := c.rd.block[c.rd.head:c.rd.tail]
		if i := bytes.Index(pending, headerEnd); i >= 0 {
			n := i + len(headerEnd)
			header := make([]byte, n)
			copy(header, pending[:n])
			c.rd.head += n
			return header, true, nil
		}
		if len(pending) >= maxHTTPHeader {
			return nil, false, protocolError(nil, "http header exceeds %d bytes", maxHTTPHeader)
		}
		if attempt == 1 {
			break
		}
		if ok, err := c.fillInit(0); err != nil || !ok {
			return nil, false, err
		}
	}
	return nil, false, nil
}
