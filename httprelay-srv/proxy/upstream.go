package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"golang.org/x/net/proxy"
)

// dialUpstream opens a connection to addr, directly or through the upstream
// proxy of the selected forward rule. The handshake with an upstream proxy
// completes before it returns. ctx bounds the whole operation.
func dialUpstream(ctx context.Context, dialer *net.Dialer, fwd config.Forward, addr string) (net.Conn, error) {
	switch fwd := fwd.(type) {
	case nil:
		logger.Debug("No matching forward rule, using direct connection for %s", addr)
		return dialDirect(ctx, dialer, false, addr)
	case *config.ForwardDefaultNetwork:
		logger.Debug("Using default network forward for %s", addr)
		return dialDirect(ctx, dialer, fwd.ForceIPv4, addr)
	case *config.ForwardSocks5:
		logger.Debug("Using SOCKS5 forward (%s) for %s", fwd.Address, addr)
		return dialSocks5(ctx, dialer, fwd, addr)
	case *config.ForwardProxy:
		logger.Debug("Using Proxy forward (%s) for %s", fwd.Address, addr)
		return dialHttpProxy(ctx, dialer, fwd, addr)
	default:
		return nil, NewInternalError(ErrCodeUnknownProxyType, fmt.Sprintf("unknown forward type %T selected for %s", fwd, addr), nil)
	}
}

func dialDirect(ctx context.Context, dialer *net.Dialer, forceIPv4 bool, addr string) (net.Conn, error) {
	network := "tcp"
	if forceIPv4 {
		network = "tcp4"
	}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	network := "tcp"
	if fwd.ForceIPv4 {
		network = "tcp4"
	}
	socksDialer, err := proxy.SOCKS5(network, fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: dialer does not support contexts", fwd.Address))
	}
	conn, err := ctxDialer.DialContext(ctx, network, targetHostPort)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, err))
	}
	return conn, nil
}

// dialHttpProxy establishes a connection to the target via an HTTP proxy using CONNECT
func dialHttpProxy(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardProxy, targetHostPort string) (conn net.Conn, err error) {
	logger.Debug("Dialing HTTP proxy %s to reach %s", fwd.Address, targetHostPort)

	network := "tcp"
	if fwd.ForceIPv4 {
		network = "tcp4"
	}
	proxyConn, err := dialer.DialContext(ctx, network, fwd.Address)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed), fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}
	defer func() {
		if err != nil {
			if closeErr := proxyConn.Close(); closeErr != nil {
				logger.Error("Error closing proxy connection: %v", closeErr)
			}
		}
	}()

	// The handshake is plain blocking I/O; cancelling ctx interrupts it
	// through the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = proxyConn.SetDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("creating for target %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("User-Agent", "httprelay/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if fwd.Username != nil && fwd.Password != nil {
		proxyAuth := *fwd.Username + ":" + *fwd.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyAuth)))
	} else if fwd.Username != nil {
		logger.Warn("Proxy username provided without password for %s", fwd.Address)
	}

	if err = connectReq.Write(proxyConn); err != nil {
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed), fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		code := ErrCodeProxyDenied
		if connectResp.StatusCode == http.StatusProxyAuthRequired {
			code = ErrCodeProxyAuthFailed
		}
		err = NewProxyChainError(code, GetErrorDescription(code), fmt.Errorf("proxy %s answered CONNECT to %s with %s: %s", fwd.Address, targetHostPort, connectResp.Status, bodyBytes))
		return nil, err
	}

	if !stop() {
		err = NewConnectionError(ErrCodeConnectCancelled, GetErrorDescription(ErrCodeConnectCancelled), ctx.Err())
		return nil, err
	}
	if err = proxyConn.SetDeadline(time.Time{}); err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyConnectFailed, GetErrorDescription(ErrCodeHTTPProxyConnectFailed), err)
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, targetHostPort)
	if proxyReader.Buffered() > 0 {
		return &bufferConn{Conn: proxyConn, r: proxyReader}, nil
	}
	return proxyConn, nil
}

// bufferConn replays bytes the CONNECT response reader buffered past the
// response head before reading from the connection again.
type bufferConn struct {
	net.Conn
	r *bufio.Reader
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if bc.r.Buffered() > 0 {
		return bc.r.Read(b)
	}
	return bc.Conn.Read(b)
}
