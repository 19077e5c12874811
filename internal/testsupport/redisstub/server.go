// Package redisstub runs a minimal in-process Redis wire server covering the
// string commands the snapshot KV tier issues: SET with EX/PX, GET, DEL and
// TTL, plus the PING/AUTH/SELECT handshake. Unknown commands (HELLO, CLIENT
// SETINFO and friends from newer client handshakes) receive an error reply
// and the connection stays open, matching how clients downgrade against old
// servers.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		kv:     make(map[string]*kvEntry),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Value returns the stored value for key if present and unexpired.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return "", false
	}
	return entry.value, true
}

// TTL returns the remaining time-to-live for key, or zero when the key does
// not exist or has no expiry.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expiry.IsZero() || entry.expired(time.Now()) {
		return 0
	}
	return time.Until(entry.expiry)
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "HELLO":
			// Old-server behaviour: clients fall back to RESP2 on this.
			if err := writeError(writer, "ERR unknown command 'hello'"); err != nil {
				return
			}
		case "AUTH":
			ok := false
			switch len(args) {
			case 2:
				ok = s.opts.Password == "" || args[1] == s.opts.Password
			case 3:
				ok = s.opts.Password != "" && args[2] == s.opts.Password
			default:
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if ok {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "CLIENT":
		return writeSimpleString(writer, "OK") == nil
	case "SET":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'set'") == nil
		}
		var ttl time.Duration
		for i := 3; i < len(args); i++ {
			opt := strings.ToUpper(args[i])
			if (opt != "EX" && opt != "PX") || i+1 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || amount <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command") == nil
			}
			if opt == "EX" {
				ttl = time.Duration(amount) * time.Second
			} else {
				ttl = time.Duration(amount) * time.Millisecond
			}
			i++
		}
		s.set(args[1], args[2], ttl)
		return writeSimpleString(writer, "OK") == nil
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'") == nil
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'") == nil
		}
		return writeInteger(writer, s.del(args[1:])) == nil
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'") == nil
		}
		return writeInteger(writer, s.ttlSeconds(args[1])) == nil
	default:
		return writeError(writer, "ERR unknown command '"+strings.ToLower(cmd)+"'") == nil
	}
}

func (s *Server) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) ttlSeconds(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2
	}
	return int64(remaining / time.Second)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	// Self-signed, so the certificate doubles as its own root: it must carry
	// CA basic constraints and the cert-sign usage or verification rejects it.
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
