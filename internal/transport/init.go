package transport

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

type initPhase int

const (
	// 客户端
	phaseConnecting initPhase = iota
	phaseProxy
	phaseUpgrade
	phaseTunnel
	phaseConnectReq
	phaseAwaitAck
	// 服务端
	phaseDetect
	phaseTunnelAccept
	phaseAwaitReq
	phaseSendAck
	phaseReject
)

type initState struct {
	phase   initPhase
	started time.Time
	out     []byte // 待发送的握手字节
	sent    bool   // 当前阶段的请求已构造
	reject  *Error
}

func (c *Channel) setPhase(p initPhase) {
	c.init.phase = p
	c.init.out = nil
	c.init.sent = false
}

// Init 推进握手。返回 ChanInitInProgress 时等待 info 指示的事件后再次调用；
// 返回 FDChange 时调用方需先注册新描述符、注销旧描述符，再继续调用 Init。
func (c *Channel) Init(info *InProgInfo) (ReturnCode, error) {
	if info == nil {
		info = &InProgInfo{}
	}
	*info = InProgInfo{}
	switch st := c.State(); st {
	case StateActive:
		return Success, nil
	case StateClosed, StateInactive:
		return Failure, c.stateError("init", st)
	}

	if time.Since(c.init.started) > c.lim.initTimeout {
		err := networkError(nil, "initialization timed out after %s", c.lim.initTimeout)
		c.fail(err)
		return Failure, err
	}

	var code ReturnCode
	var err *Error
	if c.role == roleClient {
		code, err = c.clientInit(info)
	} else {
		code, err = c.serverInit(info)
	}
	if err != nil {
		c.fail(err)
		return Failure, err
	}
	if code == Success {
		c.activate()
	}
	return code, nil
}

func (c *Channel) clientInit(info *InProgInfo) (ReturnCode, *Error) {
	for {
		switch c.init.phase {
		case phaseConnecting:
			if cn, ok := c.sock.(connector); ok {
				done, err := cn.FinishConnect()
				if err != nil {
					return Failure, networkError(err, "connect %s", c.dialTarget())
				}
				if !done {
					info.WantWrite = true
					return ChanInitInProgress, nil
				}
			}
			c.log.Debug("socket connected", zap.Int("fd", c.sock.Fd()))
			if c.copts.Proxy.Host != "" {
				c.setPhase(phaseProxy)
			} else {
				c.afterProxy()
			}

		case phaseProxy:
			if !c.init.sent {
				c.init.out = proxyConnectRequest(c.remote, c.copts.Proxy.User, c.copts.Proxy.Password)
				c.init.sent = true
			}
			if code, err := c.sendInit(info); code != Success {
				return code, err
			}
			header, ok, err := c.readHTTPHeader()
			if err != nil {
				return Failure, err
			}
			if !ok {
				return ChanInitInProgress, nil
			}
			status, text, perr := parseResponseStatus(header)
			if perr != nil {
				return Failure, protocolError(perr, "proxy response")
			}
			if status < 200 || status > 299 {
				return Failure, newError(Failure, KindRejected, nil, "proxy refused tunnel: %s", text)
			}
			c.afterProxy()

		case phaseUpgrade:
			old := c.sock.Fd()
			ns, err := c.copts.Encryption.Upgrader.Upgrade(c.sock, c.copts.Encryption)
			if err != nil {
				return Failure, networkError(err, "encryption upgrade")
			}
			c.sock = ns
			c.afterUpgrade()
			if ns.Fd() != old {
				info.FDChanged, info.OldFd, info.NewFd = true, old, ns.Fd()
				c.log.Debug("descriptor changed", zap.Int("old_fd", old), zap.Int("new_fd", ns.Fd()))
				return FDChange, nil
			}

		case phaseTunnel:
			if !c.init.sent {
				c.init.out = tunnelRequest(c.remote, c.copts.Tunnel.Path, c.copts.Tunnel.AuthToken, c.copts.ComponentVersion)
				c.init.sent = true
			}
			if code, err := c.sendInit(info); code != Success {
				return code, err
			}
			header, ok, err := c.readHTTPHeader()
			if err != nil {
				return Failure, err
			}
			if !ok {
				return ChanInitInProgress, nil
			}
			status, text, perr := parseResponseStatus(header)
			if perr != nil {
				return Failure, protocolError(perr, "tunnel response")
			}
			if status != http.StatusOK {
				return Failure, newError(Failure, KindRejected, nil, "tunnel refused: %s", text)
			}
			c.framer = httpFramer{}
			c.setPhase(phaseConnectReq)

		case phaseConnectReq:
			if !c.init.sent {
				frame, err := c.connectRequest().Encode()
				if err != nil {
					return Failure, configError("encode connect request: %v", err)
				}
				c.init.out = wrapFrame(c.framer, frame)
				c.init.sent = true
			}
			if code, err := c.sendInit(info); code != Success {
				return code, err
			}
			c.setPhase(phaseAwaitAck)

		case phaseAwaitAck:
			frame, ok, err := c.nextInitFrame()
			if err != nil {
				return Failure, err
			}
			if !ok {
				return ChanInitInProgress, nil
			}
			op, derr := protocol.HandshakeOpcode(frame)
			if derr != nil {
				return Failure, protocolError(derr, "handshake reply")
			}
			switch op {
			case protocol.OpConnectAck:
				ack, derr := protocol.DecodeConnectAck(frame)
				if derr != nil {
					return Failure, protocolError(derr, "handshake reply")
				}
				if err := c.applyAck(ack); err != nil {
					return Failure, err
				}
				return Success, nil
			case protocol.OpConnectNak:
				nak, derr := protocol.DecodeConnectNak(frame)
				if derr != nil {
					return Failure, protocolError(derr, "handshake reply")
				}
				return Failure, newError(Failure, KindRejected, nil, "connection refused: %s", nak.Text)
			}
			return Failure, protocolError(nil, "unexpected handshake opcode 0x%02X", op)

		default:
			return Failure, protocolError(nil, "invalid client init phase %d", c.init.phase)
		}
	}
}

func (c *Channel) afterProxy() {
	if c.connType == ConnTypeEncrypted {
		c.setPhase(phaseUpgrade)
		return
	}
	c.afterUpgrade()
}

func (c *Channel) afterUpgrade() {
	if c.connType == ConnTypeHTTP {
		c.setPhase(phaseTunnel)
		return
	}
	c.setPhase(phaseConnectReq)
}

func (c *Channel) dialTarget() string {
	if c.copts.Proxy.Host != "" {
		return net.JoinHostPort(c.copts.Proxy.Host, c.copts.Proxy.Port)
	}
	return c.remote
}

func (c *Channel) connectRequest() *protocol.ConnectReq {
	hostname, _ := os.Hostname()
	return &protocol.ConnectReq{
		Version:          protocol.ConnVersion14,
		CompressionMask:  c.copts.CompressionType.Mask(),
		PingTimeout:      byte(c.copts.PingTimeout / time.Second),
		SessionFlags:     protocol.SessionClientToServerPings | protocol.SessionServerToClientPings,
		ProtocolType:     byte(c.copts.ProtocolType),
		MajorVersion:     byte(c.copts.MajorVersion),
		MinorVersion:     byte(c.copts.MinorVersion),
		Hostname:         hostname,
		IPAddress:        localAddress(c.sock.Fd()),
		ComponentVersion: c.copts.ComponentVersion,
	}
}

func (c *Channel) applyAck(ack *protocol.ConnectAck) *Error {
	if ack.Version != protocol.ConnVersion14 {
		return protocolError(nil, "unsupported connection version 0x%04X", ack.Version)
	}
	if int(ack.MaxFragmentSize) <= protocol.FragHeaderSize {
		return protocolError(nil, "max fragment size %d too small", ack.MaxFragmentSize)
	}
	ct := protocol.CompressionType(ack.CompressionType)
	if ct != protocol.CompressionNone && ct != c.copts.CompressionType {
		return protocolError(nil, "server selected unrequested compression %s", ct)
	}
	comp, err := protocol.NewCompressor(ct, int(ack.CompressionLevel))
	if err != nil {
		return protocolError(err, "negotiate compression")
	}
	c.version = ack.Version
	c.maxFragmentSize = int(ack.MaxFragmentSize)
	c.pingTimeout = time.Duration(ack.PingTimeout) * time.Second
	c.majorVersion = int(ack.MajorVersion)
	c.minorVersion = int(ack.MinorVersion)
	c.protocolType = c.copts.ProtocolType
	c.compressor = comp
	c.compressionThreshold = DefaultCompressionThreshold
	c.peerComponent = ack.ComponentVersion
	return nil
}

func (c *Channel) serverInit(info *InProgInfo) (ReturnCode, *Error) {
	for {
		switch c.init.phase {
		case phaseDetect:
			if c.rd.tail-c.rd.head < 4 {
				ok, err := c.fillInit(0)
				if err != nil {
					return Failure, err
				}
				if !ok || c.rd.tail-c.rd.head < 4 {
					return ChanInitInProgress, nil
				}
			}
			pending := c.rd.block[c.rd.head:c.rd.tail]
			if bytes.HasPrefix(pending, []byte("POST")) || bytes.HasPrefix(pending, []byte("GET ")) {
				c.connType = ConnTypeHTTP
				c.setPhase(phaseTunnelAccept)
			} else {
				c.setPhase(phaseAwaitReq)
			}

		case phaseTunnelAccept:
			if !c.init.sent {
				header, ok, err := c.readHTTPHeader()
				if err != nil {
					return Failure, err
				}
				if !ok {
					return ChanInitInProgress, nil
				}
				req, perr := parseTunnelRequest(header)
				if perr != nil {
					return Failure, protocolError(perr, "tunnel request")
				}
				if auth := c.bopts.Authenticator; auth != nil {
					if aerr := auth(req.token); aerr != nil {
						metrics.ProviderHandshakeRejected.WithLabelValues("auth").Inc()
						c.beginReject(tunnelResponse(http.StatusUnauthorized),
							newError(Failure, KindRejected, aerr, "tunnel authentication failed"))
						continue
					}
				}
				c.log.Debug("tunnel accepted", zap.String("path", req.path), zap.String("agent", req.agent))
				c.init.out = tunnelResponse(http.StatusOK)
				c.init.sent = true
			}
			if code, err := c.sendInit(info); code != Success {
				return code, err
			}
			c.framer = httpFramer{}
			c.setPhase(phaseAwaitReq)

		case phaseAwaitReq:
			frame, ok, err := c.nextInitFrame()
			if err != nil {
				return Failure, err
			}
			if !ok {
				return ChanInitInProgress, nil
			}
			req, derr := protocol.DecodeConnectReq(frame)
			if derr != nil {
				return Failure, protocolError(derr, "connect request")
			}
			ack, reason := c.negotiate(req)
			if ack == nil {
				metrics.ProviderHandshakeRejected.WithLabelValues("negotiation").Inc()
				nak, nerr := (&protocol.ConnectNak{Text: reason}).Encode()
				if nerr != nil {
					return Failure, configError("encode nak: %v", nerr)
				}
				c.beginReject(wrapFrame(c.framer, nak), newError(Failure, KindRejected, nil, "%s", reason))
				continue
			}
			frame, eerr := ack.Encode()
			if eerr != nil {
				return Failure, configError("encode ack: %v", eerr)
			}
			c.setPhase(phaseSendAck)
			c.init.out = wrapFrame(c.framer, frame)

		case phaseSendAck:
			if code, err := c.sendInit(info); code != Success {
				return code, err
			}
			return Success, nil

		case phaseReject:
			code, err := c.sendInit(info)
			if err == nil && code != Success {
				return code, nil
			}
			return Failure, c.init.reject

		default:
			return Failure, protocolError(nil, "invalid server init phase %d", c.init.phase)
		}
	}
}

func (c *Channel) beginReject(out []byte, reason *Error) {
	c.setPhase(phaseReject)
	c.init.out = out
	c.init.reject = reason
}

// negotiate 根据服务端配置决定握手结果；拒绝时返回 nil 与原因
func (c *Channel) negotiate(req *protocol.ConnectReq) (*protocol.ConnectAck, string) {
	o := c.bopts
	if req.Version != protocol.ConnVersion14 {
		return nil, "unsupported connection version"
	}
	if int(req.ProtocolType) != o.ProtocolType {
		return nil, "unsupported protocol type"
	}
	if int(req.MajorVersion) != o.MajorVersion {
		return nil, "unsupported major version"
	}

	ping := time.Duration(req.PingTimeout) * time.Second
	if ping <= 0 || ping > o.PingTimeout {
		ping = o.PingTimeout
	}
	if ping < o.MinPingTimeout {
		ping = o.MinPingTimeout
	}
	minor := min(int(req.MinorVersion), o.MinorVersion)

	ct := protocol.CompressionNone
	if o.CompressionType != protocol.CompressionNone && req.CompressionMask&o.CompressionType.Mask() != 0 {
		ct = o.CompressionType
	}
	comp, err := protocol.NewCompressor(ct, o.CompressionLevel)
	if err != nil {
		return nil, "compression unavailable"
	}

	c.version = req.Version
	c.maxFragmentSize = o.MaxFragmentSize
	c.pingTimeout = ping
	c.majorVersion = o.MajorVersion
	c.minorVersion = minor
	c.protocolType = o.ProtocolType
	c.compressor = comp
	c.compressionThreshold = o.CompressionThreshold
	c.peerComponent = req.ComponentVersion

	return &protocol.ConnectAck{
		Version:          req.Version,
		MaxFragmentSize:  uint16(o.MaxFragmentSize),
		SessionFlags:     req.SessionFlags & (protocol.SessionClientToServerPings | protocol.SessionServerToClientPings),
		PingTimeout:      byte(ping / time.Second),
		MajorVersion:     byte(o.MajorVersion),
		MinorVersion:     byte(minor),
		CompressionType:  uint16(ct),
		CompressionLevel: byte(o.CompressionLevel),
		ComponentVersion: o.ComponentVersion,
	}, ""
}

// sendInit 发送待发的握手字节；未发完时要求关注可写事件
func (c *Channel) sendInit(info *InProgInfo) (ReturnCode, *Error) {
	for len(c.init.out) > 0 {
		n, err := c.sock.Write(c.init.out)
		c.init.out = c.init.out[n:]
		if err == ErrWouldBlock || (err == nil && n == 0) {
			info.WantWrite = true
			return ChanInitInProgress, nil
		}
		if err != nil {
			return Failure, networkError(err, "handshake write")
		}
	}
	return Success, nil
}

// fillInit 握手阶段读一次套接字；ok 表示读到了新数据
func (c *Channel) fillInit(need int) (bool, *Error) {
	c.ensureSpace(need)
	n, err := c.sock.Read(c.rd.block[c.rd.tail:])
	if n > 0 {
		c.rd.tail += n
	}
	switch {
	case err == ErrWouldBlock:
		return false, nil
	case err == io.EOF:
		return false, networkError(err, "connection closed during handshake")
	case err != nil:
		return false, networkError(err, "handshake read")
	}
	return n > 0, nil
}

// nextInitFrame 取出一个完整的握手帧
func (c *Channel) nextInitFrame() ([]byte, bool, *Error) {
	for attempt := 0; attempt < 2; attempt++ {
		frame, n, err := c.framer.next(c.rd.block[c.rd.head:c.rd.tail])
		if err != nil {
			return nil, false, protocolError(err, "handshake frame")
		}
		if frame != nil {
			c.rd.head += n
			return frame, true, nil
		}
		if attempt == 1 {
			break
		}
		ok, ferr := c.fillInit(c.framer.want(c.rd.block[c.rd.head:c.rd.tail]))
		if ferr != nil || !ok {
			return nil, false, ferr
		}
	}
	return nil, false, nil
}

func localAddress(fd int) string {
	sa, err := getsockname(fd)
	if err != nil {
		return ""
	}
	host, _, err := net.SplitHostPort(sa)
	if err != nil {
		return ""
	}
	return host
}
